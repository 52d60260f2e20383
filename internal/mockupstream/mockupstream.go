// Package mockupstream simulates the Claude, OpenAI (chat completions and
// responses) and Gemini upstream APIs, plus a LiteLLM-format price table.
// It backs local end-to-end runs (cmd/mockupstream) and the relay's
// integration tests without real credentials.
//
// Every generation reply carries usage so the relay's billing path is
// exercised: input tokens are fixed per vendor and output tokens equal
// Config.StreamWords.
package mockupstream

import (
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// Fixed prompt token counts reported by each mock.
const (
	ClaudeInputTokens = 15
	OpenAIInputTokens = 10
	GeminiInputTokens = 10
)

// Config holds runtime behaviour shared by all mocks.
type Config struct {
	// Latency is added to every generation request.
	Latency time.Duration
	// ErrorRate is the fraction [0,1] of generation requests that fail with 500.
	ErrorRate float64
	// StreamWords is the number of words per reply. Default: 10.
	StreamWords int
	// Status, when non-zero, fails every generation request with it.
	Status int
	// APIKey, when set, must be presented the way the vendor expects.
	APIKey string
}

func (c Config) withDefaults() Config {
	if c.StreamWords <= 0 {
		c.StreamWords = 10
	}
	return c
}

// Server is one mock vendor API.
type Server struct {
	cfg  Config
	mux  *http.ServeMux
	hits atomic.Int64
	auth func(*http.Request) string
}

func newServer(cfg Config, auth func(*http.Request) string) *Server {
	return &Server{cfg: cfg.withDefaults(), mux: http.NewServeMux(), auth: auth}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.hits.Add(1)
	s.mux.ServeHTTP(w, r)
}

// Hits returns the number of requests served.
func (s *Server) Hits() int64 { return s.hits.Load() }

// authorized reports whether r carries the configured key.
func (s *Server) authorized(r *http.Request) bool {
	return s.cfg.APIKey == "" || s.auth(r) == s.cfg.APIKey
}

// failure returns the status a generation request should fail with, or 0.
func (s *Server) failure() int {
	if s.cfg.Latency > 0 {
		time.Sleep(s.cfg.Latency)
	}
	if s.cfg.Status != 0 {
		return s.cfg.Status
	}
	if s.cfg.ErrorRate > 0 && rand.Float64() < s.cfg.ErrorRate {
		return http.StatusInternalServerError
	}
	return 0
}

// fakeWords is a pool of words used to build mock responses.
var fakeWords = []string{
	"The", "quick", "brown", "fox", "jumps", "over", "the", "lazy", "dog",
	"Hello", "world", "This", "is", "a", "mock", "response", "from", "the",
	"mock", "upstream", "simulating", "a", "real", "LLM", "API", "call",
	"for", "development", "and", "testing", "purposes",
}

// fakeSentence returns a fake response text of n words.
func fakeSentence(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fakeWords[rand.IntN(len(fakeWords))]
	}
	return strings.Join(words, " ") + "."
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sseWriter writes server-sent events and flushes each one.
type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func startSSE(w http.ResponseWriter) *sseWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	f, _ := w.(http.Flusher)
	return &sseWriter{w: w, f: f}
}

// send writes one event. An empty name writes a data-only event.
func (s *sseWriter) send(name string, data any) {
	b, _ := json.Marshal(data)
	if name != "" {
		_, _ = s.w.Write([]byte("event: " + name + "\n"))
	}
	_, _ = s.w.Write([]byte("data: " + string(b) + "\n\n"))
	s.flush()
}

func (s *sseWriter) raw(line string) {
	_, _ = s.w.Write([]byte(line + "\n\n"))
	s.flush()
}

func (s *sseWriter) flush() {
	if s.f != nil {
		s.f.Flush()
	}
}

func bearer(r *http.Request) string {
	v := r.Header.Get("Authorization")
	if len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
		return v[7:]
	}
	return ""
}
