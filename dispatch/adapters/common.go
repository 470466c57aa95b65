package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/taipm/llmdispatch/dispatch"
	"github.com/taipm/llmdispatch/dispatch/transport"
)

// requestOptions bundles what every adapter needs from the resolved
// profile and request to execute a single HTTP call through the shared
// Transport (§4.4).
type requestOptions struct {
	method  string
	url     string
	headers map[string]string
	body    map[string]any
}

// doJSON marshals opts.body (if non-nil), sends the request through t,
// and returns the raw response body. Non-2xx responses surface as
// *dispatch.LLMAPIError from transport.Do itself.
func doJSON(ctx context.Context, t *transport.Transport, profile *dispatch.Profile, req *dispatch.NormalizedRequest, opts requestOptions) (*http.Response, error) {
	var bodyReader io.Reader
	if opts.body != nil {
		payload, err := json.Marshal(opts.body)
		if err != nil {
			return nil, dispatch.NewParseError("request body", err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, opts.method, opts.url, bodyReader)
	if err != nil {
		return nil, dispatch.NewNetworkError(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range opts.headers {
		httpReq.Header.Set(k, v)
	}
	// Profile-configured custom headers are applied last, overriding
	// vendor defaults (§6).
	for k, v := range profile.CustomHeaders {
		httpReq.Header.Set(k, v)
	}

	transportOpts := transport.Options{
		TimeoutMs:    req.TimeoutMs,
		RelaxIDCerts: boolOr(req.RelaxIDCerts, profile.RelaxIDCerts),
		HTTP1Only:    boolOr(req.HTTP1Only, profile.HTTP1Only),
		ForceProxy:   boolOr(req.ForceProxy, profile.ForceProxy),
		ProxyAddr:    t.ProxyAddr(),
	}
	return t.Do(ctx, httpReq, transportOpts)
}

func boolOr(override *bool, fallback bool) bool {
	if override != nil {
		return *override
	}
	return fallback
}

// readAll reads and closes resp.Body, wrapping I/O errors as ParseError.
func readAll(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, dispatch.NewParseError("response body", err)
	}
	return data, nil
}

// firstNonEmpty returns the first non-empty string among values, or "" if
// all are empty; used to keep the first id/name seen when assembling
// per-index tool-call accumulators.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

var errUnsupportedContentVariant = fmt.Errorf("fileData.fileUri is not supported")
