package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/llm-relay/internal/billing"
	"github.com/nulpointcorp/llm-relay/internal/breaker"
	"github.com/nulpointcorp/llm-relay/internal/config"
	"github.com/nulpointcorp/llm-relay/internal/forwarder"
	"github.com/nulpointcorp/llm-relay/internal/providers"
	"github.com/nulpointcorp/llm-relay/internal/providers/anthropic"
	"github.com/nulpointcorp/llm-relay/internal/ratelimit"
	"github.com/nulpointcorp/llm-relay/internal/session"
)

// --- doubles ----------------------------------------------------------------

type fakeForwarder struct {
	mu       sync.Mutex
	sessions []*session.Session
	fn       func(s *session.Session) (*forwarder.Result, error)
}

func (f *fakeForwarder) Forward(_ context.Context, s *session.Session) (*forwarder.Result, error) {
	f.mu.Lock()
	f.sessions = append(f.sessions, s)
	f.mu.Unlock()
	return f.fn(s)
}

func (f *fakeForwarder) last(t *testing.T) *session.Session {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		t.Fatal("forwarder was not called")
	}
	return f.sessions[len(f.sessions)-1]
}

type settleCall struct {
	status int
	stream bool
	body   string
}

type fakeBiller struct {
	mu      sync.Mutex
	settled []settleCall
	failed  []int
	done    chan struct{}
}

func newFakeBiller() *fakeBiller { return &fakeBiller{done: make(chan struct{}, 8)} }

func (b *fakeBiller) Settle(_ context.Context, s *session.Session, _ providers.Handler, status int, body []byte) billing.Outcome {
	b.mu.Lock()
	b.settled = append(b.settled, settleCall{status: status, stream: s.Stream, body: string(body)})
	b.mu.Unlock()
	b.done <- struct{}{}
	return billing.Outcome{}
}

func (b *fakeBiller) Fail(_ *session.Session, status int, _ error) {
	b.mu.Lock()
	b.failed = append(b.failed, status)
	b.mu.Unlock()
}

func (b *fakeBiller) waitSettled(t *testing.T) settleCall {
	t.Helper()
	select {
	case <-b.done:
	case <-time.After(2 * time.Second):
		t.Fatal("request was never settled")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.settled[len(b.settled)-1]
}

type keyMap map[string]*providers.ClientKey

func (k keyMap) LookupKey(raw string) (*providers.ClientKey, bool) {
	key, ok := k[raw]
	return key, ok
}

type fakeRPM struct {
	allowed  bool
	err      error
	gotKey   int64
	gotLimit int
}

func (r *fakeRPM) Allow(_ context.Context, keyID int64, keyLimit int) (bool, error) {
	r.gotKey, r.gotLimit = keyID, keyLimit
	return r.allowed, r.err
}

type fakeCosts struct {
	window ratelimit.Result
	total  ratelimit.TotalResult
}

func (c *fakeCosts) CheckLimits(context.Context, ratelimit.Scope, int64, providers.Limits) (ratelimit.Result, error) {
	return c.window, nil
}

func (c *fakeCosts) CheckTotalLimit(context.Context, ratelimit.Scope, int64, float64, *time.Time) (ratelimit.TotalResult, error) {
	return c.total, nil
}

// --- helpers ----------------------------------------------------------------

const claudeRequest = `{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hello"}]}`

func upstreamJSON(status int, body string) func(*session.Session) (*forwarder.Result, error) {
	return func(*session.Session) (*forwarder.Result, error) {
		h := http.Header{}
		h.Set("Content-Type", "application/json")
		h.Set("X-Upstream", "yes")
		h.Set("Content-Length", "999")
		return &forwarder.Result{
			Response: &http.Response{StatusCode: status, Header: h, Body: io.NopCloser(strings.NewReader(body))},
			Provider: &providers.Provider{ID: 1, Type: providers.TypeClaude},
			Handler:  anthropic.New(providers.TypeClaude),
		}, nil
	}
}

func upstreamError(err error) func(*session.Session) (*forwarder.Result, error) {
	return func(*session.Session) (*forwarder.Result, error) { return nil, err }
}

func newTestGateway(fwd *fakeForwarder, b *fakeBiller, opts GatewayOptions) *Gateway {
	return NewGateway(context.Background(), fwd, b, opts)
}

// serveGateway starts the full routed handler on an in-memory listener and
// returns an HTTP client that dials it.
func serveGateway(t *testing.T, gw *Gateway) *http.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	go func() {
		_ = fasthttp.Serve(ln, gw.Handler(nil))
	}()
	t.Cleanup(func() { ln.Close() })

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
}

func doPost(t *testing.T, client *http.Client, path, body string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "http://relay"+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("body %q is not an error envelope: %v", body, err)
	}
	return env.Error.Code
}

// --- construction -----------------------------------------------------------

func TestNewGateway_PanicsOnNilContext(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for nil context")
		}
	}()
	NewGateway(nil, nil, nil, GatewayOptions{})
}

// --- request validation -----------------------------------------------------

func TestRelay_InvalidRequests(t *testing.T) {
	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"invalid json", "/v1/messages", `{not json`, http.StatusBadRequest},
		{"array body", "/v1/chat/completions", `[1,2]`, http.StatusBadRequest},
		{"missing model", "/v1/messages", `{"messages":[]}`, http.StatusBadRequest},
		{"gemini without action", "/v1beta/models/gemini-2.5-pro", `{"contents":[]}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fwd := &fakeForwarder{fn: upstreamJSON(200, `{}`)}
			client := serveGateway(t, newTestGateway(fwd, newFakeBiller(), GatewayOptions{}))

			resp, _ := doPost(t, client, tt.path, tt.body, nil)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if len(fwd.sessions) != 0 {
				t.Error("invalid requests must not be forwarded")
			}
		})
	}
}

// --- authentication ---------------------------------------------------------

func TestRelay_Authentication(t *testing.T) {
	keys := keyMap{"rk-good": {ID: 7, Name: "team"}}
	tests := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{"missing key", nil, http.StatusUnauthorized},
		{"unknown key", map[string]string{"x-api-key": "rk-bad"}, http.StatusUnauthorized},
		{"x-api-key", map[string]string{"x-api-key": "rk-good"}, http.StatusOK},
		{"bearer", map[string]string{"Authorization": "Bearer rk-good"}, http.StatusOK},
		{"goog header", map[string]string{"x-goog-api-key": "rk-good"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fwd := &fakeForwarder{fn: upstreamJSON(200, `{"type":"message"}`)}
			b := newFakeBiller()
			client := serveGateway(t, newTestGateway(fwd, b, GatewayOptions{Keys: keys}))

			resp, body := doPost(t, client, "/v1/messages", claudeRequest, tt.headers)
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d (%s)", resp.StatusCode, tt.want, body)
			}
			if tt.want == http.StatusUnauthorized {
				if code := errorCode(t, body); code != "invalid_api_key" {
					t.Errorf("code = %q", code)
				}
				return
			}
			if id := fwd.last(t).Auth().KeyID(); id != 7 {
				t.Errorf("auth key id = %d, want 7", id)
			}
		})
	}
}

func TestClientKey_Precedence(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		uri     string
		want    string
	}{
		{"x-api-key wins", map[string]string{"x-api-key": "a", "Authorization": "Bearer b"}, "/v1/messages", "a"},
		{"bearer", map[string]string{"Authorization": "Bearer b"}, "/v1/messages", "b"},
		{"basic ignored", map[string]string{"Authorization": "Basic b"}, "/v1/messages", ""},
		{"goog header", map[string]string{"x-goog-api-key": "g"}, "/v1beta/models/m:generateContent", "g"},
		{"query key", nil, "/v1beta/models/m:generateContent?key=q", "q"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := &fasthttp.RequestCtx{}
			ctx.Request.SetRequestURI(tt.uri)
			for k, v := range tt.headers {
				ctx.Request.Header.Set(k, v)
			}
			if got := clientKey(ctx); got != tt.want {
				t.Errorf("clientKey = %q, want %q", got, tt.want)
			}
		})
	}
}

// --- limits -----------------------------------------------------------------

func TestRelay_RPMRejected(t *testing.T) {
	fwd := &fakeForwarder{fn: upstreamJSON(200, `{}`)}
	b := newFakeBiller()
	rpm := &fakeRPM{allowed: false}
	keys := keyMap{"rk": {ID: 3, RPM: 10}}
	client := serveGateway(t, newTestGateway(fwd, b, GatewayOptions{Keys: keys, RateLimiter: rpm}))

	resp, body := doPost(t, client, "/v1/messages", claudeRequest, map[string]string{"x-api-key": "rk"})
	if resp.StatusCode != http.StatusTooManyRequests || errorCode(t, body) != "rate_limit_exceeded" {
		t.Fatalf("status = %d body = %s", resp.StatusCode, body)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("Retry-After must be set")
	}
	if rpm.gotKey != 3 || rpm.gotLimit != 10 {
		t.Errorf("Allow(%d, %d), want (3, 10)", rpm.gotKey, rpm.gotLimit)
	}
	if len(fwd.sessions) != 0 || len(b.failed) != 1 || b.failed[0] != 429 {
		t.Errorf("forwarded=%d failed=%v", len(fwd.sessions), b.failed)
	}
}

func TestRelay_RPMErrorAllows(t *testing.T) {
	fwd := &fakeForwarder{fn: upstreamJSON(200, `{}`)}
	client := serveGateway(t, newTestGateway(fwd, newFakeBiller(), GatewayOptions{
		RateLimiter: &fakeRPM{err: errors.New("redis down")},
	}))

	resp, _ := doPost(t, client, "/v1/messages", claudeRequest, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, limiter errors must allow", resp.StatusCode)
	}
}

func TestRelay_CostLimits(t *testing.T) {
	tests := []struct {
		name   string
		limits providers.Limits
		costs  fakeCosts
		want   int
	}{
		{
			"daily exceeded",
			providers.Limits{DailyUSD: 5},
			fakeCosts{window: ratelimit.Result{Allowed: false, Reason: "daily"}, total: ratelimit.TotalResult{Allowed: true}},
			http.StatusTooManyRequests,
		},
		{
			"total exceeded",
			providers.Limits{TotalUSD: 100},
			fakeCosts{window: ratelimit.Result{Allowed: true}, total: ratelimit.TotalResult{Allowed: false, Current: 101}},
			http.StatusTooManyRequests,
		},
		{
			"no limits configured",
			providers.Limits{},
			fakeCosts{},
			http.StatusOK,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fwd := &fakeForwarder{fn: upstreamJSON(200, `{}`)}
			keys := keyMap{"rk": {ID: 3, Limits: tt.limits}}
			costs := tt.costs
			client := serveGateway(t, newTestGateway(fwd, newFakeBiller(), GatewayOptions{Keys: keys, CostLimits: &costs}))

			resp, body := doPost(t, client, "/v1/messages", claudeRequest, map[string]string{"x-api-key": "rk"})
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d (%s)", resp.StatusCode, tt.want, body)
			}
			if tt.want == http.StatusTooManyRequests && errorCode(t, body) != "cost_limit_exceeded" {
				t.Errorf("body = %s", body)
			}
		})
	}
}

// --- header overrides and session id ------------------------------------------

func TestRelay_HeaderOverridesAndSessionID(t *testing.T) {
	fwd := &fakeForwarder{fn: upstreamJSON(200, `{}`)}
	gw := newTestGateway(fwd, newFakeBiller(), GatewayOptions{
		HeaderOverrides: []config.HeaderOverride{
			{Name: "user-agent", Value: "relay/2"},
			{Name: "Anthropic-Beta", Remove: true},
			{Name: "X-Absent", Remove: true},
		},
	})
	client := serveGateway(t, gw)

	doPost(t, client, "/v1/messages", claudeRequest, map[string]string{
		"User-Agent":     "curl/8",
		"Anthropic-Beta": "tools-2024",
		"X-Session-Id":   "sess-abc",
	})

	s := fwd.last(t)
	if ua, _ := s.Header("User-Agent"); ua != "relay/2" {
		t.Errorf("User-Agent = %q", ua)
	}
	if orig, _ := s.OriginalHeader("User-Agent"); orig != "curl/8" {
		t.Errorf("original User-Agent = %q", orig)
	}
	if _, ok := s.Header("Anthropic-Beta"); ok {
		t.Error("Anthropic-Beta should be removed")
	}
	var overrides int
	for _, e := range s.SpecialSettings() {
		if e.Type == session.SettingHeaderOverride {
			overrides++
		}
	}
	if overrides != 2 {
		t.Errorf("header_override settings = %d, want 2 (absent header removal is a no-op)", overrides)
	}
	if s.SessionID() != "sess-abc" || !s.VendorAssignedSessionID() {
		t.Errorf("session id = %q vendor=%v", s.SessionID(), s.VendorAssignedSessionID())
	}
}

// --- success paths ------------------------------------------------------------

func TestRelay_JSONPassthrough(t *testing.T) {
	const upstream = `{"type":"message","usage":{"input_tokens":3,"output_tokens":2}}`
	fwd := &fakeForwarder{fn: upstreamJSON(200, upstream)}
	b := newFakeBiller()
	client := serveGateway(t, newTestGateway(fwd, b, GatewayOptions{}))

	resp, body := doPost(t, client, "/v1/messages", claudeRequest, nil)
	if resp.StatusCode != 200 || string(body) != upstream {
		t.Fatalf("status = %d body = %s", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Upstream") != "yes" {
		t.Error("upstream headers must be relayed")
	}
	if resp.ContentLength != int64(len(upstream)) {
		t.Errorf("content length = %d, must be recomputed", resp.ContentLength)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("middleware must still apply")
	}

	call := b.waitSettled(t)
	if call.status != 200 || call.stream || call.body != upstream {
		t.Errorf("settle = %+v", call)
	}
}

const claudeStream = "event: message_start\n" +
	"data: {\"type\":\"message_start\",\"message\":{\"model\":\"claude-sonnet-4-5\",\"usage\":{\"input_tokens\":12,\"output_tokens\":1}}}\n\n" +
	"event: content_block_delta\n" +
	"data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"hi\"}}\n\n" +
	"event: message_delta\n" +
	"data: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":7}}\n\n" +
	"event: message_stop\n" +
	"data: {\"type\":\"message_stop\"}\n\n"

func TestRelay_StreamPassthroughAndSettle(t *testing.T) {
	fwd := &fakeForwarder{fn: func(*session.Session) (*forwarder.Result, error) {
		h := http.Header{}
		h.Set("Content-Type", "text/event-stream")
		return &forwarder.Result{
			Response: &http.Response{StatusCode: 200, Header: h, Body: io.NopCloser(strings.NewReader(claudeStream))},
			Provider: &providers.Provider{ID: 1, Type: providers.TypeClaude},
			Handler:  anthropic.New(providers.TypeClaude),
		}, nil
	}}
	b := newFakeBiller()
	client := serveGateway(t, newTestGateway(fwd, b, GatewayOptions{}))

	resp, body := doPost(t, client, "/v1/messages", `{"model":"claude-sonnet-4-5","stream":true,"messages":[]}`, nil)
	if resp.StatusCode != 200 || string(body) != claudeStream {
		t.Fatalf("status = %d body = %q", resp.StatusCode, body)
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		t.Errorf("content type = %q", resp.Header.Get("Content-Type"))
	}

	call := b.waitSettled(t)
	if !call.stream || call.status != 200 {
		t.Errorf("settle = %+v", call)
	}
	if !strings.Contains(call.body, "message_start") || !strings.Contains(call.body, "message_delta") {
		t.Errorf("usage lines missing from captured stream: %q", call.body)
	}
	if strings.Contains(call.body, "text_delta") {
		t.Errorf("content lines must not be retained: %q", call.body)
	}

	u, ok := anthropic.New(providers.TypeClaude).ExtractUsage([]byte(call.body), true)
	if !ok || u.InputTokens != 12 || u.OutputTokens != 7 {
		t.Errorf("usage from captured stream = %+v, %v", u, ok)
	}
}

func TestRelay_GeminiRoute(t *testing.T) {
	var (
		model, action, query string
		stream               bool
		format               providers.Format
	)
	fwd := &fakeForwarder{fn: func(s *session.Session) (*forwarder.Result, error) {
		model, action, query, stream, format = s.OriginalModel(), s.Action, s.RawQuery, s.Stream, s.Format
		return upstreamJSON(200, `{}`)(s)
	}}
	client := serveGateway(t, newTestGateway(fwd, newFakeBiller(), GatewayOptions{}))

	resp, body := doPost(t, client, "/v1beta/models/gemini-2.5-pro:streamGenerateContent?alt=sse",
		`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`, nil)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d body = %s", resp.StatusCode, body)
	}
	if model != "gemini-2.5-pro" || action != "streamGenerateContent" || !stream || format != providers.FormatGemini {
		t.Errorf("model=%q action=%q stream=%v format=%q", model, action, stream, format)
	}
	if !strings.Contains(query, "alt=sse") {
		t.Errorf("query = %q", query)
	}
}

func TestRelay_GeminiCLIRoute(t *testing.T) {
	fwd := &fakeForwarder{fn: upstreamJSON(200, `{}`)}
	client := serveGateway(t, newTestGateway(fwd, newFakeBiller(), GatewayOptions{}))

	resp, _ := doPost(t, client, "/v1internal:generateContent", `{"model":"gemini-2.5-flash","request":{"contents":[]}}`, nil)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	s := fwd.last(t)
	if s.Format != providers.FormatGeminiCLI || s.Action != "generateContent" || s.OriginalModel() != "gemini-2.5-flash" {
		t.Errorf("format=%q action=%q model=%q", s.Format, s.Action, s.OriginalModel())
	}
}

// --- error mapping ------------------------------------------------------------

func TestRelay_ForwardErrors(t *testing.T) {
	upstreamBody := `{"type":"error","error":{"type":"invalid_request_error","message":"prompt is too long"}}`
	tests := []struct {
		name     string
		err      error
		status   int
		code     string
		verbatim string
	}{
		{"no candidate", &forwarder.Error{Kind: forwarder.KindNoCandidate}, 503, "no_available_provider", ""},
		{"provider error verbatim", &forwarder.Error{
			Kind:   forwarder.KindProviderError,
			Status: 400,
			Header: http.Header{"Content-Type": {"application/json"}},
			Body:   []byte(upstreamBody),
		}, 400, "", upstreamBody},
		{"system timeout", &forwarder.Error{Kind: forwarder.KindSystemError, Timeout: true}, 504, "request_timeout", ""},
		{"system error", &forwarder.Error{Kind: forwarder.KindSystemError, Err: errors.New("reset")}, 502, "provider_error", ""},
		{"client abort", &forwarder.Error{Kind: forwarder.KindClientAbort}, 499, "client_closed_request", ""},
		{"untyped error", errors.New("boom"), 502, "provider_error", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fwd := &fakeForwarder{fn: upstreamError(tt.err)}
			b := newFakeBiller()
			client := serveGateway(t, newTestGateway(fwd, b, GatewayOptions{}))

			resp, body := doPost(t, client, "/v1/messages", claudeRequest, nil)
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d (%s)", resp.StatusCode, tt.status, body)
			}
			if tt.verbatim != "" && string(body) != tt.verbatim {
				t.Errorf("body = %s, want upstream body verbatim", body)
			}
			if tt.code != "" && errorCode(t, body) != tt.code {
				t.Errorf("code = %q, want %q", errorCode(t, body), tt.code)
			}
			if len(b.failed) != 1 || b.failed[0] != tt.status {
				t.Errorf("Fail calls = %v", b.failed)
			}
			if len(b.settled) != 0 {
				t.Error("failed requests are never settled")
			}
		})
	}
}

// --- management routes --------------------------------------------------------

func TestHandleBreakers(t *testing.T) {
	set := breaker.NewSet(breaker.SetConfig{Provider: breaker.Config{FailureThreshold: 1}})
	set.Providers.RecordFailure(breaker.ProviderKey(4), "system_error")

	gw := newTestGateway(&fakeForwarder{}, newFakeBiller(), GatewayOptions{Breakers: set})
	client := serveGateway(t, gw)

	resp, err := client.Get("http://relay/internal/breakers")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var snap map[string][]breaker.Health
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	prov := snap[breaker.TierProvider]
	if len(prov) != 1 || prov[0].Key != "4" || prov[0].State != "open" {
		t.Errorf("provider tier = %+v", prov)
	}
	for _, tier := range []string{breaker.TierEndpoint, breaker.TierVendorType} {
		if _, ok := snap[tier]; !ok {
			t.Errorf("tier %s missing", tier)
		}
	}
}

func TestHandleHealth_NoProber(t *testing.T) {
	client := serveGateway(t, newTestGateway(&fakeForwarder{}, newFakeBiller(), GatewayOptions{}))

	for _, path := range []string{"/health", "/readiness"} {
		resp, err := client.Get("http://relay" + path)
		if err != nil {
			t.Fatal(err)
		}
		var body map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if resp.StatusCode != 200 || body["status"] != "ok" {
			t.Errorf("%s: status = %d body = %v", path, resp.StatusCode, body)
		}
	}
}

func TestWriteJSON(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	writeJSON(ctx, map[string]int{"a": 1})
	if string(ctx.Response.Header.ContentType()) != "application/json" || string(ctx.Response.Body()) != `{"a":1}` {
		t.Errorf("content-type=%s body=%s", ctx.Response.Header.ContentType(), ctx.Response.Body())
	}
}
