package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/affinity"
	"github.com/nulpointcorp/llm-relay/internal/breaker"
	"github.com/nulpointcorp/llm-relay/internal/credentials"
	"github.com/nulpointcorp/llm-relay/internal/providers"
	"github.com/nulpointcorp/llm-relay/internal/providers/catalog"
	"github.com/nulpointcorp/llm-relay/internal/selector"
	"github.com/nulpointcorp/llm-relay/internal/session"
	"github.com/nulpointcorp/llm-relay/internal/transport"
)

const okMessage = `{"id":"msg_1","type":"message","model":"claude-sonnet-4-5","content":[{"type":"text","text":"hi"}],"usage":{"input_tokens":10,"output_tokens":5}}`

type testEnv struct {
	fwd *Forwarder
	set *breaker.Set
}

func newTestEnv(t *testing.T, doc catalog.Document, cfg Config) *testEnv {
	t.Helper()
	snap, err := catalog.Build(doc)
	if err != nil {
		t.Fatal(err)
	}
	store := catalog.NewStore(snap)
	set := breaker.NewSet(breaker.SetConfig{
		Provider: breaker.Config{FailureThreshold: 5},
		Endpoint: breaker.Config{FailureThreshold: 5},
	})
	sel := selector.New(store, store, nil, nil, set, selector.Config{IntN: func(int) int { return 0 }})
	pool := transport.NewPool(transport.Config{})
	t.Cleanup(pool.Close)
	return &testEnv{
		fwd: New(sel, set, pool, credentials.NewResolver(credentials.Config{}), cfg),
		set: set,
	}
}

func claudeProvider(id int64, priority int, url string) *providers.Provider {
	return &providers.Provider{
		ID: id, Name: "p" + string(rune('0'+id)), VendorID: id * 10, Type: providers.TypeClaude,
		URL: url, APIKey: "sk-provider", Enabled: true, Priority: priority,
	}
}

func claudeSession(body string) *session.Session {
	h := http.Header{}
	h.Set("Authorization", "Bearer rk-client")
	h.Set("X-Api-Key", "rk-client")
	h.Set("User-Agent", "claude-cli/1.0")
	s := session.New("req-1", providers.FormatClaude, h, []byte(body))
	s.Method = http.MethodPost
	s.Path = "/v1/messages"
	return s
}

const plainBody = `{"model":"claude-sonnet-4-5","max_tokens":16,"messages":[{"role":"user","content":"hi"}]}`

func deadURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	return url
}

func failures(hs []breaker.Health, key string) int {
	for _, h := range hs {
		if h.Key == key {
			return h.Failures
		}
	}
	return 0
}

func reasons(s *session.Session) []session.Reason {
	var out []session.Reason
	for _, e := range s.Chain() {
		out = append(out, e.Reason)
	}
	return out
}

func equalReasons(got []session.Reason, want ...session.Reason) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestForward_SuccessBuildsHeaders(t *testing.T) {
	var got http.Header
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, okMessage)
	}))
	defer srv.Close()

	env := newTestEnv(t, catalog.Document{Providers: []*providers.Provider{claudeProvider(1, 0, srv.URL)}}, Config{})
	s := claudeSession(plainBody)
	s.RawQuery = "beta=true&key=rk-client"

	res, err := env.fwd.Forward(context.Background(), s)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Response.Body.Close()
	body, _ := io.ReadAll(res.Response.Body)
	if string(body) != okMessage {
		t.Errorf("body = %s", body)
	}

	if got.Get("x-api-key") != "sk-provider" {
		t.Errorf("x-api-key = %q", got.Get("x-api-key"))
	}
	if got.Get("Authorization") != "" {
		t.Error("inbound Authorization must be stripped")
	}
	if got.Get("User-Agent") != "claude-cli/1.0" {
		t.Errorf("User-Agent = %q", got.Get("User-Agent"))
	}
	if got.Get("anthropic-version") == "" {
		t.Error("anthropic-version missing")
	}
	if gotQuery != "beta=true" {
		t.Errorf("query = %q, credential params must be dropped", gotQuery)
	}
	if !equalReasons(reasons(s), session.ReasonRequestSuccess) {
		t.Errorf("chain = %v", reasons(s))
	}
	if s.Provider() == nil || s.Provider().ID != 1 {
		t.Error("session provider not set")
	}
}

func TestForward_TwoEndpointSystemErrorRedactsURL(t *testing.T) {
	var calls atomic.Int32
	live := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = io.WriteString(w, okMessage)
	}))
	defer live.Close()

	p := claudeProvider(1, 0, "")
	env := newTestEnv(t, catalog.Document{
		Providers: []*providers.Provider{p},
		Endpoints: []providers.Endpoint{
			{ID: 100, VendorID: p.VendorID, Type: providers.TypeClaude, URL: deadURL(t) + "/?key=secret-value", Enabled: true, SortOrder: 1},
			{ID: 101, VendorID: p.VendorID, Type: providers.TypeClaude, URL: live.URL, Enabled: true, SortOrder: 2},
		},
	}, Config{})

	s := claudeSession(plainBody)
	res, err := env.fwd.Forward(context.Background(), s)
	if err != nil {
		t.Fatal(err)
	}
	res.Response.Body.Close()

	chain := s.Chain()
	if len(chain) != 2 {
		t.Fatalf("chain = %+v", chain)
	}
	if chain[0].Reason != session.ReasonSystemError || *chain[0].EndpointID != 100 {
		t.Errorf("first attempt = %+v", chain[0])
	}
	if chain[1].Reason != session.ReasonRetrySuccess || *chain[1].EndpointID != 101 {
		t.Errorf("second attempt = %+v", chain[1])
	}
	for _, e := range chain {
		if strings.Contains(e.EndpointURL, "secret-value") {
			t.Errorf("chain entry leaks a credential: %s", e.EndpointURL)
		}
	}
	if !strings.Contains(chain[0].EndpointURL, "key=") {
		t.Errorf("redacted url should keep the parameter name: %s", chain[0].EndpointURL)
	}
	if *res.EndpointID != 101 || calls.Load() != 1 {
		t.Errorf("served by endpoint %d after %d calls", *res.EndpointID, calls.Load())
	}
	if failures(env.set.Endpoints.Snapshot(), "100") != 1 {
		t.Error("failed endpoint must record a breaker failure")
	}
	if env.set.Endpoints.Peek("101") != breaker.Closed {
		t.Error("winning endpoint must be closed")
	}
}

const thinkingBody = `{
	"model": "claude-sonnet-4-5",
	"max_tokens": 64,
	"thinking": {"type": "enabled", "budget_tokens": 1024},
	"messages": [
		{"role": "user", "content": "hi"},
		{"role": "assistant", "content": [
			{"type": "thinking", "thinking": "hmm", "signature": "sig-1"},
			{"type": "text", "text": "ok", "signature": "sig-2"}
		]},
		{"role": "user", "content": "again"}
	]
}`

const signatureError = `{"type":"error","error":{"type":"invalid_request_error","message":"messages.1.content.0: Invalid ` + "`signature`" + ` in ` + "`thinking`" + ` block"}}`

func TestForward_RectifiesOnceAndRetriesSameProvider(t *testing.T) {
	var calls atomic.Int32
	var retried []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		if n == 1 {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, signatureError)
			return
		}
		retried = body
		_, _ = io.WriteString(w, okMessage)
	}))
	defer srv.Close()

	env := newTestEnv(t, catalog.Document{Providers: []*providers.Provider{
		claudeProvider(1, 0, srv.URL),
		claudeProvider(2, 1, deadURL(t)),
	}}, Config{MaxAttempts: 1})

	s := claudeSession(thinkingBody)
	res, err := env.fwd.Forward(context.Background(), s)
	if err != nil {
		t.Fatal(err)
	}
	res.Response.Body.Close()

	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
	if strings.Contains(string(retried), "signature") {
		t.Errorf("retried body still carries signatures: %s", retried)
	}
	var sent map[string]any
	if err := json.Unmarshal(retried, &sent); err != nil {
		t.Fatal(err)
	}
	msgs := sent["messages"].([]any)
	assistant := msgs[1].(map[string]any)["content"].([]any)
	if len(assistant) != 1 || assistant[0].(map[string]any)["type"] != "text" {
		t.Errorf("assistant content = %v", assistant)
	}

	if !equalReasons(reasons(s), session.ReasonRectifiedRetry, session.ReasonRetrySuccess) {
		t.Errorf("chain = %v", reasons(s))
	}
	settings := s.SpecialSettings()
	if len(settings) != 1 || settings[0].Type != session.SettingRectifier || !settings[0].Hit {
		t.Errorf("special settings = %+v", settings)
	}
	if settings[0].Fields["trigger"] != TriggerInvalidSignature {
		t.Errorf("trigger = %q", settings[0].Fields["trigger"])
	}
	if env.set.Providers.Peek("1") != breaker.Closed || failures(env.set.Providers.Snapshot(), "1") != 0 {
		t.Error("a rectified request must not count against the provider")
	}
}

func TestForward_NeverRectifiesTwice(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, signatureError)
	}))
	defer srv.Close()

	env := newTestEnv(t, catalog.Document{Providers: []*providers.Provider{claudeProvider(1, 0, srv.URL)}}, Config{})
	s := claudeSession(thinkingBody)
	_, err := env.fwd.Forward(context.Background(), s)

	var ferr *Error
	if !errors.As(err, &ferr) || ferr.Kind != KindProviderError || ferr.Status != http.StatusBadRequest {
		t.Fatalf("expected the upstream 400, got %v", err)
	}
	if !strings.Contains(string(ferr.Body), "signature") {
		t.Errorf("upstream body must be surfaced verbatim: %s", ferr.Body)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want exactly one rectified retry", calls.Load())
	}
	if !equalReasons(reasons(s), session.ReasonRectifiedRetry, session.ReasonClientErrorNonRetryable) {
		t.Errorf("chain = %v", reasons(s))
	}
	if n := len(s.SpecialSettings()); n != 1 {
		t.Errorf("special settings = %d, want 1", n)
	}
}

func TestForward_RectifierWithNothingToStrip(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, signatureError)
	}))
	defer srv.Close()

	env := newTestEnv(t, catalog.Document{Providers: []*providers.Provider{claudeProvider(1, 0, srv.URL)}}, Config{})
	s := claudeSession(plainBody)
	_, err := env.fwd.Forward(context.Background(), s)

	var ferr *Error
	if !errors.As(err, &ferr) || ferr.Status != http.StatusBadRequest {
		t.Fatalf("expected the original error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want no retry", calls.Load())
	}
	settings := s.SpecialSettings()
	if len(settings) != 1 || settings[0].Hit {
		t.Errorf("expected one miss record, got %+v", settings)
	}
}

func TestForward_ProviderErrorSwitchesProvider(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":"overloaded"}`)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, okMessage)
	}))
	defer good.Close()

	env := newTestEnv(t, catalog.Document{Providers: []*providers.Provider{
		claudeProvider(1, 0, bad.URL),
		claudeProvider(2, 1, good.URL),
	}}, Config{})
	s := claudeSession(plainBody)
	res, err := env.fwd.Forward(context.Background(), s)
	if err != nil {
		t.Fatal(err)
	}
	res.Response.Body.Close()

	if res.Provider.ID != 2 {
		t.Errorf("served by %d, want 2", res.Provider.ID)
	}
	if !equalReasons(reasons(s), session.ReasonRetryFailed, session.ReasonRetrySuccess) {
		t.Errorf("chain = %v", reasons(s))
	}
	if failures(env.set.Providers.Snapshot(), "1") != 1 {
		t.Error("provider 1 must record a failure")
	}
}

func TestForward_NonRetryableClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"invalid_request_error","message":"prompt is too long"}}`)
	}))
	defer srv.Close()

	env := newTestEnv(t, catalog.Document{Providers: []*providers.Provider{
		claudeProvider(1, 0, srv.URL),
		claudeProvider(2, 1, srv.URL),
	}}, Config{})
	s := claudeSession(plainBody)
	_, err := env.fwd.Forward(context.Background(), s)

	var ferr *Error
	if !errors.As(err, &ferr) || ferr.Status != http.StatusBadRequest {
		t.Fatalf("got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, client errors must not fail over", calls.Load())
	}
	if !equalReasons(reasons(s), session.ReasonClientErrorNonRetryable) {
		t.Errorf("chain = %v", reasons(s))
	}
	if failures(env.set.Providers.Snapshot(), "1") != 0 {
		t.Error("client errors must not count against the provider")
	}
}

func TestForward_ExhaustionRecordsEveryAttempt(t *testing.T) {
	var calls [3]atomic.Int32
	var servers []*httptest.Server
	for i := range calls {
		i := i
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls[i].Add(1)
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()
		servers = append(servers, srv)
	}

	env := newTestEnv(t, catalog.Document{Providers: []*providers.Provider{
		claudeProvider(1, 0, servers[0].URL),
		claudeProvider(2, 1, servers[1].URL),
		claudeProvider(3, 2, servers[2].URL),
	}}, Config{MaxAttempts: 2})
	s := claudeSession(plainBody)
	_, err := env.fwd.Forward(context.Background(), s)

	var ferr *Error
	if !errors.As(err, &ferr) || ferr.Kind != KindProviderError || ferr.Status != http.StatusBadGateway {
		t.Fatalf("got %v", err)
	}
	if calls[0].Load() != 1 || calls[1].Load() != 1 || calls[2].Load() != 0 {
		t.Errorf("calls = %d %d %d", calls[0].Load(), calls[1].Load(), calls[2].Load())
	}
	for _, key := range []string{"1", "2"} {
		if failures(env.set.Providers.Snapshot(), key) != 1 {
			t.Errorf("provider %s must have a recorded failure", key)
		}
	}
	if len(s.Chain()) != 2 {
		t.Errorf("chain = %v", reasons(s))
	}
}

func TestForward_FirstByteTimeoutTripsVendorAggregate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	p := claudeProvider(1, 0, "")
	p.FirstByteTimeout = 50 * time.Millisecond
	env := newTestEnv(t, catalog.Document{
		Providers: []*providers.Provider{p},
		Endpoints: []providers.Endpoint{
			{ID: 100, VendorID: p.VendorID, Type: providers.TypeClaude, URL: srv.URL, Enabled: true},
		},
	}, Config{})

	s := claudeSession(plainBody)
	_, err := env.fwd.Forward(context.Background(), s)

	var ferr *Error
	if !errors.As(err, &ferr) || ferr.Kind != KindSystemError || !ferr.Timeout {
		t.Fatalf("expected a timeout system error, got %v", err)
	}
	if !equalReasons(reasons(s), session.ReasonVendorTypeAllTimeout) {
		t.Errorf("chain = %v", reasons(s))
	}
	if st := env.set.VendorTypes.Peek(breaker.VendorTypeKey(p.VendorID, string(p.Type))); st != breaker.Open {
		t.Errorf("vendor aggregate = %s, want open", st)
	}
}

func TestForward_ClientAbortLeavesBreakersAlone(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	env := newTestEnv(t, catalog.Document{Providers: []*providers.Provider{claudeProvider(1, 0, srv.URL)}}, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	s := claudeSession(plainBody)
	_, err := env.fwd.Forward(ctx, s)

	var ferr *Error
	if !errors.As(err, &ferr) || ferr.Kind != KindClientAbort {
		t.Fatalf("expected client abort, got %v", err)
	}
	if !equalReasons(reasons(s), session.ReasonClientAbort) {
		t.Errorf("chain = %v", reasons(s))
	}
	if failures(env.set.Providers.Snapshot(), "1") != 0 {
		t.Error("client aborts must not touch the breaker")
	}
}

func TestForward_NoCandidate(t *testing.T) {
	env := newTestEnv(t, catalog.Document{Providers: []*providers.Provider{claudeProvider(1, 0, "http://example.invalid")}}, Config{})
	s := session.New("req-1", providers.FormatGemini, http.Header{}, []byte(`{"contents":[]}`))
	s.Path = "/v1beta/models/gemini-2.5-pro:generateContent"
	s.SetOriginalModel("gemini-2.5-pro")

	_, err := env.fwd.Forward(context.Background(), s)
	var ferr *Error
	if !errors.As(err, &ferr) || ferr.Kind != KindNoCandidate {
		t.Fatalf("got %v", err)
	}
	if !errors.Is(err, selector.ErrNoEligibleCandidate) {
		t.Error("error must wrap ErrNoEligibleCandidate")
	}
}

func TestForward_ModelRedirect(t *testing.T) {
	var sentModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var m map[string]any
		_ = json.NewDecoder(r.Body).Decode(&m)
		sentModel, _ = m["model"].(string)
		_, _ = io.WriteString(w, okMessage)
	}))
	defer srv.Close()

	p := claudeProvider(1, 0, srv.URL)
	p.ModelRedirects = map[string]string{"claude-sonnet-4-5": "claude-sonnet-4-5-20250929"}
	env := newTestEnv(t, catalog.Document{Providers: []*providers.Provider{p}}, Config{})

	s := claudeSession(plainBody)
	res, err := env.fwd.Forward(context.Background(), s)
	if err != nil {
		t.Fatal(err)
	}
	res.Response.Body.Close()

	if sentModel != "claude-sonnet-4-5-20250929" {
		t.Errorf("upstream model = %q", sentModel)
	}
	if s.OriginalModel() != "claude-sonnet-4-5" || !s.IsModelRedirected() {
		t.Errorf("original=%q redirected=%v", s.OriginalModel(), s.IsModelRedirected())
	}
	if !s.HasSpecialSetting(session.SettingModelRedirect) {
		t.Error("redirect must be recorded")
	}
}

func TestForward_InjectsStreamUsage(t *testing.T) {
	var sent map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&sent)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := &providers.Provider{ID: 1, VendorID: 1, Type: providers.TypeOpenAICompatible, URL: srv.URL, APIKey: "sk", Enabled: true}
	env := newTestEnv(t, catalog.Document{Providers: []*providers.Provider{p}}, Config{InjectStreamUsage: true})

	s := session.New("req-1", providers.FormatOpenAI, http.Header{}, []byte(`{"model":"gpt-5","stream":true,"messages":[]}`))
	s.Method = http.MethodPost
	s.Path = "/v1/chat/completions"
	res, err := env.fwd.Forward(context.Background(), s)
	if err != nil {
		t.Fatal(err)
	}
	res.Response.Body.Close()

	opts, _ := sent["stream_options"].(map[string]any)
	if opts["include_usage"] != true {
		t.Errorf("stream_options = %v", sent["stream_options"])
	}
	if !s.HasSpecialSetting(session.SettingStreamUsage) {
		t.Error("injection must be recorded")
	}
}

func TestForward_AffinityRetryOnNextEndpointIsRetrySuccess(t *testing.T) {
	live := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, okMessage)
	}))
	defer live.Close()

	tests := []struct {
		name     string
		dead     bool
		want     []session.Reason
		attempts int
	}{
		{"first endpoint serves", false, []session.Reason{session.ReasonSessionReuse}, 1},
		{"second endpoint serves", true, []session.Reason{session.ReasonSystemError, session.ReasonRetrySuccess}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first := live.URL
			if tt.dead {
				first = deadURL(t)
			}
			p1 := claudeProvider(1, 0, "")
			p2 := claudeProvider(2, 0, live.URL)
			snap, err := catalog.Build(catalog.Document{
				Providers: []*providers.Provider{p1, p2},
				Endpoints: []providers.Endpoint{
					{ID: 100, VendorID: p1.VendorID, Type: providers.TypeClaude, URL: first, Enabled: true, SortOrder: 1},
					{ID: 101, VendorID: p1.VendorID, Type: providers.TypeClaude, URL: live.URL, Enabled: true, SortOrder: 2},
				},
			})
			if err != nil {
				t.Fatal(err)
			}
			store := catalog.NewStore(snap)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			aff := affinity.NewMemoryStore(ctx)
			if err := aff.Set(ctx, "sess-1", p1.ID, time.Minute); err != nil {
				t.Fatal(err)
			}
			set := breaker.NewSet(breaker.SetConfig{
				Provider: breaker.Config{FailureThreshold: 5},
				Endpoint: breaker.Config{FailureThreshold: 5},
			})
			sel := selector.New(store, store, nil, aff, set, selector.Config{IntN: func(int) int { return 1 }})
			pool := transport.NewPool(transport.Config{})
			defer pool.Close()
			fwd := New(sel, set, pool, credentials.NewResolver(credentials.Config{}), Config{})

			s := claudeSession(plainBody)
			s.SetSessionID("sess-1", true)
			res, err := fwd.Forward(context.Background(), s)
			if err != nil {
				t.Fatal(err)
			}
			res.Response.Body.Close()

			if res.Provider.ID != p1.ID {
				t.Errorf("served by provider %d, want the affinity provider", res.Provider.ID)
			}
			if !equalReasons(reasons(s), tt.want...) {
				t.Errorf("chain = %v, want %v", reasons(s), tt.want)
			}
		})
	}
}

func TestForward_AttemptLogCarriesBodyModified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tests := []struct {
		name   string
		inject bool
		want   bool
	}{
		{"untouched body", false, false},
		{"stream usage injected", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			p := &providers.Provider{ID: 1, VendorID: 1, Type: providers.TypeOpenAICompatible, URL: srv.URL, APIKey: "sk", Enabled: true}
			env := newTestEnv(t, catalog.Document{Providers: []*providers.Provider{p}}, Config{
				InjectStreamUsage: tt.inject,
				Logger:            slog.New(slog.NewJSONHandler(&buf, nil)),
			})

			s := session.New("req-1", providers.FormatOpenAI, http.Header{}, []byte(`{"model":"gpt-5","stream":true,"messages":[]}`))
			s.Method = http.MethodPost
			s.Path = "/v1/chat/completions"
			if _, err := env.fwd.Forward(context.Background(), s); err == nil {
				t.Fatal("expected the 500 to fail the request")
			}

			var found bool
			for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
				var rec map[string]any
				if json.Unmarshal([]byte(line), &rec) != nil || rec["msg"] != "provider_attempt_failed" {
					continue
				}
				found = true
				if rec["body_modified"] != tt.want {
					t.Errorf("body_modified = %v, want %v", rec["body_modified"], tt.want)
				}
			}
			if !found {
				t.Fatalf("no provider_attempt_failed record in %s", buf.String())
			}
		})
	}
}
