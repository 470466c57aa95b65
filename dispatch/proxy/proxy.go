// Package proxy implements the Inspection Proxy (§4.5): every adapter
// request that sets ForceProxy routes through here instead of straight to
// the upstream provider, so a host application can record and replay the
// exact wire traffic. It reconstructs the real upstream URL from its own
// configured target plus the incoming request's path, optionally
// overrides specific headers (credential injection at the proxy hop),
// and fans every request/response/stream-chunk out over three Go-channel
// event streams a UI can subscribe to live.
//
// Grounded on the shared net/http reverse-proxy idiom used for the
// upstream rewrite (scheme+host swapped, path+query preserved) and on
// the teacher's cache_redis.go for the optional Redis-backed ring buffer
// (LPUSH+LTRIM bounding a list the way RedisCache bounds its key space).
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RequestRecord is one observed outbound request.
type RequestRecord struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Method    string      `json:"method"`
	URL       string      `json:"url"`
	Headers   http.Header `json:"headers"`
	Body      string      `json:"body"`
}

// ResponseRecord is the corresponding observed response, correlated to its
// request by ID.
type ResponseRecord struct {
	ID         string      `json:"id"`
	RequestID  string      `json:"requestId"`
	Status     int         `json:"status"`
	Headers    http.Header `json:"headers"`
	Body       string      `json:"body"`
	DurationMs int64       `json:"durationMs"`
}

// StreamUpdate is one chunk of a streaming response body, emitted as it
// arrives so a UI can render tokens live rather than waiting for Done.
type StreamUpdate struct {
	RequestID string `json:"requestId"`
	Chunk     string `json:"chunk"`
	Done      bool   `json:"done"`
}

// maxRecordedBodyBytes bounds how much of a request/response body is kept
// in a record — large bodies (image uploads, long completions) are
// truncated for inspection purposes rather than exhausting memory.
const maxRecordedBodyBytes = 256 * 1024

// Config configures one Proxy instance (§4.5).
type Config struct {
	// TargetURL is the scheme+host the proxy rewrites every incoming
	// request onto, preserving the incoming request's path and query.
	TargetURL string

	// HeaderOverrides replaces (not merges) the named header on every
	// forwarded request — the mechanism for injecting a real credential
	// the client never sees, or for stripping one.
	HeaderOverrides map[string]string

	// RingSize bounds how many records each of the three in-memory ring
	// buffers retains.
	RingSize int

	// Redis, when non-nil, additionally persists every request and
	// response record so history survives a process restart. The in-memory
	// ring remains the source of truth for live Subscribe fan-out and for
	// History; the proxy itself never reads Redis back.
	Redis     *redis.Client
	RedisKey  string // key prefix, default "llmdispatch:proxy"
	RedisTTL  time.Duration
}

// Proxy is an http.Handler that reverse-proxies every request to
// cfg.TargetURL while recording and broadcasting it.
type Proxy struct {
	cfg Config

	requests  *ringBuffer[RequestRecord]
	responses *ringBuffer[ResponseRecord]
	updates   *ringBuffer[StreamUpdate]

	requestFeed  *broadcaster[RequestRecord]
	responseFeed *broadcaster[ResponseRecord]
	updateFeed   *broadcaster[StreamUpdate]

	client *http.Client
}

func New(cfg Config) *Proxy {
	if cfg.RingSize <= 0 {
		cfg.RingSize = 500
	}
	if cfg.RedisKey == "" {
		cfg.RedisKey = "llmdispatch:proxy"
	}
	if cfg.RedisTTL == 0 {
		cfg.RedisTTL = 24 * time.Hour
	}
	return &Proxy{
		cfg:          cfg,
		requests:     newRingBuffer[RequestRecord](cfg.RingSize),
		responses:    newRingBuffer[ResponseRecord](cfg.RingSize),
		updates:      newRingBuffer[StreamUpdate](cfg.RingSize),
		requestFeed:  newBroadcaster[RequestRecord](),
		responseFeed: newBroadcaster[ResponseRecord](),
		updateFeed:   newBroadcaster[StreamUpdate](),
		client:       &http.Client{},
	}
}

// SubscribeRequests, SubscribeResponses, and SubscribeStreamUpdates open
// the three live event feeds (§4.5: inspector-request, inspector-response,
// inspector-stream-update). Callers must call the returned cancel func
// when done to release the subscription.
func (p *Proxy) SubscribeRequests() (<-chan RequestRecord, func())   { return p.requestFeed.subscribe() }
func (p *Proxy) SubscribeResponses() (<-chan ResponseRecord, func()) { return p.responseFeed.subscribe() }
func (p *Proxy) SubscribeStreamUpdates() (<-chan StreamUpdate, func()) {
	return p.updateFeed.subscribe()
}

// History returns the in-memory snapshot of recent requests/responses,
// newest last.
func (p *Proxy) History() (requests []RequestRecord, responses []ResponseRecord) {
	return p.requests.snapshot(), p.responses.snapshot()
}

// ServeHTTP reconstructs the upstream URL from cfg.TargetURL plus r's own
// path and query (the inverse of transport.redirectToProxy, which rewrote
// only scheme+host on the way in), applies header overrides, forwards the
// request, and tees the response body both back to the client and into
// the recorded/broadcast stream-update feed.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			http.Error(w, fmt.Sprintf("inspection proxy: internal error: %v", rec), http.StatusInternalServerError)
		}
	}()

	id := uuid.NewString()
	start := time.Now()

	bodyBytes, _ := io.ReadAll(r.Body)
	r.Body.Close()

	reqRecord := RequestRecord{
		ID:        id,
		Timestamp: start,
		Method:    r.Method,
		URL:       r.URL.String(),
		Headers:   r.Header.Clone(),
		Body:      truncate(string(bodyBytes), maxRecordedBodyBytes),
	}
	p.record(reqRecord)

	targetURL, err := p.resolveTarget(r)
	if err != nil {
		http.Error(w, fmt.Sprintf("inspection proxy: invalid target: %v", err), http.StatusBadGateway)
		return
	}

	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL.String(), bytes.NewReader(bodyBytes))
	if err != nil {
		http.Error(w, fmt.Sprintf("inspection proxy: build request: %v", err), http.StatusBadGateway)
		return
	}
	upstreamReq.Header = r.Header.Clone()
	for header, value := range p.cfg.HeaderOverrides {
		upstreamReq.Header.Set(header, value)
	}

	resp, err := p.client.Do(upstreamReq)
	if err != nil {
		http.Error(w, fmt.Sprintf("inspection proxy: upstream request failed: %v", err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	recordedBody := p.streamAndRecord(id, w, resp.Body)

	p.record(ResponseRecord{
		ID:         uuid.NewString(),
		RequestID:  id,
		Status:     resp.StatusCode,
		Headers:    resp.Header.Clone(),
		Body:       recordedBody,
		DurationMs: time.Since(start).Milliseconds(),
	})
}

// streamAndRecord copies src to dst chunk by chunk, flushing after each
// write so a streaming client sees bytes as they arrive, publishing a
// StreamUpdate per chunk and returning the bounded body text for the
// final ResponseRecord.
func (p *Proxy) streamAndRecord(requestID string, dst http.ResponseWriter, src io.Reader) string {
	flusher, _ := dst.(http.Flusher)
	buf := make([]byte, 4096)
	var recorded bytes.Buffer

	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			dst.Write(chunk) //nolint:errcheck // best-effort relay to the client
			if flusher != nil {
				flusher.Flush()
			}
			if recorded.Len() < maxRecordedBodyBytes {
				recorded.Write(chunk)
			}
			p.updateFeed.publish(StreamUpdate{RequestID: requestID, Chunk: string(chunk)})
			p.updates.push(StreamUpdate{RequestID: requestID, Chunk: string(chunk)})
		}
		if readErr != nil {
			break
		}
	}
	p.updateFeed.publish(StreamUpdate{RequestID: requestID, Done: true})
	return truncate(recorded.String(), maxRecordedBodyBytes)
}

func (p *Proxy) record(v any) {
	switch rec := v.(type) {
	case RequestRecord:
		p.requests.push(rec)
		p.requestFeed.publish(rec)
		p.persist(context.Background(), "requests", rec.ID, rec)
	case ResponseRecord:
		p.responses.push(rec)
		p.responseFeed.publish(rec)
		p.persist(context.Background(), "responses", rec.ID, rec)
	}
}

// persist best-effort appends v to a Redis list when Redis is configured,
// trimming to RingSize — mirrors the teacher's RedisCache bound-by-
// trimming discipline rather than unbounded growth. v is JSON-encoded
// (as in dispatch/adapters/common.go) so the full record, headers and
// body included, survives the round trip rather than a lossy summary.
func (p *Proxy) persist(ctx context.Context, kind, id string, v any) {
	if p.cfg.Redis == nil {
		return
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return
	}
	key := p.cfg.RedisKey + ":" + kind
	pipe := p.cfg.Redis.Pipeline()
	pipe.LPush(ctx, key, encoded)
	pipe.LTrim(ctx, key, 0, int64(p.cfg.RingSize-1))
	pipe.Expire(ctx, key, p.cfg.RedisTTL)
	_, _ = pipe.Exec(ctx)
}

// resolveTarget rewrites only scheme+host to cfg.TargetURL, preserving
// the incoming request's path and query verbatim — the exact inverse of
// transport.redirectToProxy's rewrite on the way in.
func (p *Proxy) resolveTarget(r *http.Request) (*url.URL, error) {
	target, err := url.Parse(p.cfg.TargetURL)
	if err != nil {
		return nil, err
	}
	out := *target
	out.Path = r.URL.Path
	out.RawQuery = r.URL.RawQuery
	return &out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…[truncated]"
}
