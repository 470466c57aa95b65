// Package transport is the shared HTTP execution layer every provider
// adapter calls through (§4.4): timeout, abort-signal bridging, proxy
// routing, header injection, TLS relaxation, and HTTP/1.1 pinning. It is
// the single chokepoint the Inspection Proxy interposes on — adapters
// never talk to net/http directly.
package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/taipm/llmdispatch/dispatch"
)

// Options configures one request's execution. The adapters' shared request
// helper fills these in from the resolved Profile and NormalizedRequest
// before calling Do
// (§4.1 step 4, §4.4).
type Options struct {
	TimeoutMs    int
	RelaxIDCerts bool
	HTTP1Only    bool

	// ForceProxy, when true, redirects the request to ProxyAddr (scheme
	// and host only — path and query are preserved) so the Inspection
	// Proxy can record and forward it (§4.5). ProxyAddr is the dispatch
	// core's own proxy listener, e.g. "http://127.0.0.1:16655".
	ForceProxy bool
	ProxyAddr  string

	Headers map[string]string
}

// Transport executes HTTP requests on behalf of provider adapters. A
// single Transport is shared process-wide; it holds no per-request state
// besides the configured Inspection Proxy address.
type Transport struct {
	base      *http.Client
	proxyAddr string
}

func New() *Transport {
	return &Transport{base: &http.Client{}}
}

// SetProxyAddr configures the Inspection Proxy address ForceProxy requests
// redirect to (§4.5). Called once by the Dispatcher at construction time
// (dispatcher.WithProxyAddr); the zero value leaves ForceProxy a no-op,
// which is what every adapter test's bare transport.New() relies on.
func (t *Transport) SetProxyAddr(addr string) {
	t.proxyAddr = addr
}

// ProxyAddr returns the configured Inspection Proxy address, if any.
func (t *Transport) ProxyAddr() string {
	return t.proxyAddr
}

// Do sends req with the given Options and ctx, returning a non-2xx
// response as *dispatch.LLMAPIError and any lower-level failure as
// *dispatch.CodedError (NetworkError/TimeoutError/AbortError) per §4.4 and
// §7. On success the caller owns resp.Body and must close it.
func (t *Transport) Do(ctx context.Context, req *http.Request, opts Options) (*http.Response, error) {
	if opts.ForceProxy && opts.ProxyAddr != "" {
		if err := redirectToProxy(req, opts.ProxyAddr); err != nil {
			return nil, dispatch.NewConfigError("invalid proxy address: " + err.Error())
		}
	}

	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	timeout := time.Duration(opts.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	req = req.WithContext(reqCtx)

	client := t.clientFor(opts)
	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, classifyTransportError(ctx, reqCtx, err)
	}

	resp.Body = &cancelingBody{ReadCloser: resp.Body, cancel: cancel}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, dispatch.NewLLMAPIError(resp.StatusCode, resp.Status, string(body), resp.Header)
	}

	return resp, nil
}

// clientFor builds (or reuses) an *http.Client honoring the per-request
// TLS/HTTP-version tweaks. Most requests use the zero-tweak default
// client; relaxed-TLS or HTTP/1.1-only profiles get a dedicated
// transport instance.
func (t *Transport) clientFor(opts Options) *http.Client {
	if !opts.RelaxIDCerts && !opts.HTTP1Only {
		return t.base
	}
	rt := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout: 30 * time.Second,
		}).DialContext,
	}
	if opts.RelaxIDCerts {
		rt.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator opt-in, self-signed internal endpoints
	}
	if opts.HTTP1Only {
		rt.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
		rt.ForceAttemptHTTP2 = false
	}
	return &http.Client{Transport: rt}
}

func redirectToProxy(req *http.Request, proxyAddr string) error {
	proxyURL, err := url.Parse(proxyAddr)
	if err != nil {
		return err
	}
	req.URL.Scheme = proxyURL.Scheme
	req.URL.Host = proxyURL.Host
	req.Host = proxyURL.Host
	return nil
}

func classifyTransportError(outerCtx, reqCtx context.Context, err error) error {
	if reqCtx.Err() == context.DeadlineExceeded && outerCtx.Err() == nil {
		return dispatch.NewTimeoutError(err)
	}
	if outerCtx.Err() != nil {
		return dispatch.NewAbortError(outerCtx.Err())
	}
	return dispatch.NewNetworkError(err)
}

// cancelingBody cancels the request's timeout context when the body is
// closed, so a caller that stops reading and closes the body doesn't leak
// the timer for the whole 300s default.
type cancelingBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelingBody) Close() error {
	defer b.cancel()
	return b.ReadCloser.Close()
}
