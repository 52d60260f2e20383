package forwarder

import (
	"net/http"
	"testing"

	"github.com/nulpointcorp/llm-relay/internal/providers"
	"github.com/nulpointcorp/llm-relay/internal/providers/anthropic"
	"github.com/nulpointcorp/llm-relay/internal/session"
)

func TestBuildHeaders_UserAgent(t *testing.T) {
	h := anthropic.New(providers.TypeClaude)
	p := &providers.Provider{ID: 1, Type: providers.TypeClaude}
	cred := providers.Credential{APIKey: "sk"}

	tests := []struct {
		name   string
		inUA   *string
		mutate func(*session.Session)
		want   string
	}{
		{name: "original kept", inUA: ptr("claude-cli/1.0"), want: "claude-cli/1.0"},
		{
			name:   "override wins",
			inUA:   ptr("claude-cli/1.0"),
			mutate: func(s *session.Session) { s.Headers.Set("User-Agent", "custom/2") },
			want:   "custom/2",
		},
		{
			name:   "removed header uses fallback, not original",
			inUA:   ptr("claude-cli/1.0"),
			mutate: func(s *session.Session) { s.Headers.Del("User-Agent") },
			want:   "relay-test/1",
		},
		{
			name:   "override to empty kept",
			inUA:   ptr("claude-cli/1.0"),
			mutate: func(s *session.Session) { s.Headers["User-Agent"] = []string{""} },
			want:   "",
		},
		{name: "explicit empty kept", inUA: ptr(""), want: ""},
		{name: "fallback", want: "relay-test/1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := http.Header{}
			if tt.inUA != nil {
				in["User-Agent"] = []string{*tt.inUA}
			}
			s := session.New("r", providers.FormatClaude, in, []byte(`{}`))
			if tt.mutate != nil {
				tt.mutate(s)
			}
			out := BuildHeaders(s, h, p, cred, "relay-test/1")
			got, ok := out["User-Agent"]
			if !ok || len(got) != 1 || got[0] != tt.want {
				t.Errorf("User-Agent = %v, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildHeaders_StripsInbound(t *testing.T) {
	in := http.Header{}
	in.Set("Authorization", "Bearer client")
	in.Set("X-Goog-Api-Key", "client")
	in.Set("Connection", "keep-alive")
	in.Set("X-Forwarded-For", "10.0.0.1")
	in.Set("Anthropic-Beta", "prompt-caching-2024-07-31")
	s := session.New("r", providers.FormatClaude, in, []byte(`{}`))

	out := BuildHeaders(s, anthropic.New(providers.TypeClaude), &providers.Provider{ID: 1}, providers.Credential{APIKey: "sk"}, "")
	for _, name := range []string{"Authorization", "X-Goog-Api-Key", "Connection", "X-Forwarded-For"} {
		if out.Get(name) != "" {
			t.Errorf("%s must be stripped", name)
		}
	}
	if out.Get("X-Api-Key") != "sk" {
		t.Errorf("x-api-key = %q", out.Get("X-Api-Key"))
	}
	if out.Get("Anthropic-Beta") == "" {
		t.Error("vendor headers from the client must pass through")
	}
	if out.Get("User-Agent") != DefaultUserAgent {
		t.Errorf("User-Agent = %q", out.Get("User-Agent"))
	}
}

func TestOutboundQuery(t *testing.T) {
	tests := map[string]string{
		"":                         "",
		"beta=true":                "beta=true",
		"beta=true&key=abc":        "beta=true",
		"access_token=x&alt=sse":   "alt=sse",
		"api_key=x&client_secret=": "",
	}
	for in, want := range tests {
		if got := outboundQuery(in); got != want {
			t.Errorf("outboundQuery(%q) = %q, want %q", in, got, want)
		}
	}
}

func ptr(s string) *string { return &s }
