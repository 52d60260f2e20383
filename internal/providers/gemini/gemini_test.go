package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nulpointcorp/llm-relay/internal/providers"
)

func TestHandler_RequestURL(t *testing.T) {
	cases := []struct {
		name   string
		typ    providers.Type
		base   string
		target providers.Target
		want   string
	}{
		{
			name:   "gemini host base",
			typ:    providers.TypeGemini,
			base:   "https://generativelanguage.googleapis.com",
			target: providers.Target{Model: "gemini-2.5-pro", Action: "generateContent"},
			want:   "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.5-pro:generateContent",
		},
		{
			name:   "gemini versioned base keeps query",
			typ:    providers.TypeGemini,
			base:   "https://generativelanguage.googleapis.com/v1beta",
			target: providers.Target{Model: "gemini-2.5-flash", Action: "streamGenerateContent", RawQuery: "alt=sse"},
			want:   "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.5-flash:streamGenerateContent?alt=sse",
		},
		{
			name:   "code assist",
			typ:    providers.TypeGeminiCLI,
			base:   "https://cloudcode-pa.googleapis.com",
			target: providers.Target{Action: "streamGenerateContent", RawQuery: "alt=sse"},
			want:   "https://cloudcode-pa.googleapis.com/v1internal:streamGenerateContent?alt=sse",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := New(c.typ).RequestURL(c.base, c.target)
			if err != nil {
				t.Fatal(err)
			}
			if got != c.want {
				t.Errorf("got %q, want %q", got, c.want)
			}
		})
	}

	if _, err := New(providers.TypeGemini).RequestURL("https://x", providers.Target{Model: "m"}); err == nil {
		t.Error("expected an error without an action")
	}
}

func TestHandler_Credentials(t *testing.T) {
	hdr := http.Header{}
	New(providers.TypeGemini).ApplyCredential(hdr, providers.Credential{APIKey: "AIza"})
	if hdr.Get("x-goog-api-key") != "AIza" || hdr.Get("Authorization") != "" {
		t.Errorf("api key headers: %v", hdr)
	}

	hdr = http.Header{}
	h := New(providers.TypeGeminiCLI)
	h.ApplyCredential(hdr, providers.Credential{Bearer: "ya29"})
	h.ApplyVendorHeaders(hdr, &providers.Provider{})
	if hdr.Get("Authorization") != "Bearer ya29" {
		t.Errorf("Authorization = %q", hdr.Get("Authorization"))
	}
	if hdr.Get("x-goog-api-client") != CLIClientHeader {
		t.Errorf("x-goog-api-client = %q", hdr.Get("x-goog-api-client"))
	}
}

func TestHandler_ExtractUsage(t *testing.T) {
	body := []byte(`{"candidates":[],"modelVersion":"gemini-2.5-pro","usageMetadata":{"promptTokenCount":30,"candidatesTokenCount":12,"cachedContentTokenCount":10,"thoughtsTokenCount":5}}`)
	u, ok := New(providers.TypeGemini).ExtractUsage(body, false)
	if !ok {
		t.Fatal("usage not found")
	}
	if u.InputTokens != 30 || u.OutputTokens != 12 || u.CacheReadInputTokens != 10 || u.ReasoningTokens != 5 || u.Model != "gemini-2.5-pro" {
		t.Errorf("unexpected usage %+v", u)
	}

	stream := []byte(`data: {"response":{"candidates":[{"content":{"parts":[{"text":"a"}]}}]}}` + "\n\n" +
		`data: {"response":{"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":9}}}` + "\n\n")
	u, ok = New(providers.TypeGeminiCLI).ExtractUsage(stream, true)
	if !ok || u.InputTokens != 4 || u.OutputTokens != 9 {
		t.Errorf("unexpected stream usage %+v (ok=%v)", u, ok)
	}
}

func TestHandler_ProbeAPIKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"models":[{"name":"models/gemini-2.5-pro"}]}`)
	}))
	defer srv.Close()

	err := New(providers.TypeGemini).Probe(context.Background(), srv.Client(), srv.URL+"/v1beta", providers.Credential{APIKey: "mock-api-key"})
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
}

func TestHandler_ProbeRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprintln(w, `{"error":{"code":429,"message":"Resource has been exhausted (e.g. check quota).","status":"RESOURCE_EXHAUSTED"}}`)
	}))
	defer srv.Close()

	err := New(providers.TypeGemini).Probe(context.Background(), srv.Client(), srv.URL+"/v1beta", providers.Credential{APIKey: "mock-api-key"})
	var ue *providers.UpstreamError
	if !errors.As(err, &ue) || ue.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected upstream 429, got %v", err)
	}
}

func TestHandler_ProbeCodeAssist(t *testing.T) {
	status := http.StatusBadRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1internal:loadCodeAssist" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(status)
	}))
	defer srv.Close()

	h := New(providers.TypeGeminiCLI)
	cred := providers.Credential{Bearer: "ya29"}
	if err := h.Probe(context.Background(), srv.Client(), srv.URL, cred); err != nil {
		t.Errorf("a 400 still proves reachability, got %v", err)
	}

	status = http.StatusUnauthorized
	if err := h.Probe(context.Background(), srv.Client(), srv.URL, cred); err == nil {
		t.Error("expected 401 to fail the probe")
	}
}

func TestSplitBaseURLAndVersion(t *testing.T) {
	cases := []struct {
		in, base, ver string
	}{
		{"https://generativelanguage.googleapis.com/v1beta", "https://generativelanguage.googleapis.com/", "v1beta"},
		{"https://generativelanguage.googleapis.com", "https://generativelanguage.googleapis.com/", ""},
		{"https://proxy.example.com/gemini/v1", "https://proxy.example.com/gemini/", "v1"},
	}
	for _, c := range cases {
		base, ver := splitBaseURLAndVersion(c.in)
		if base != c.base || ver != c.ver {
			t.Errorf("splitBaseURLAndVersion(%q) = %q, %q", c.in, base, ver)
		}
	}
}
