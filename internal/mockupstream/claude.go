package mockupstream

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// NewClaude returns a mock of the Anthropic Messages API.
//
//	POST /v1/messages  JSON or SSE when "stream" is true
//	GET  /v1/models    used by endpoint probes
func NewClaude(cfg Config) *Server {
	s := newServer(cfg, func(r *http.Request) string {
		if k := r.Header.Get("x-api-key"); k != "" {
			return k
		}
		return bearer(r)
	})

	s.mux.HandleFunc("POST /v1/messages", func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			writeClaudeError(w, http.StatusUnauthorized, "invalid x-api-key", "authentication_error")
			return
		}
		if code := s.failure(); code != 0 {
			writeClaudeError(w, code, "mock upstream failure", "overloaded_error")
			return
		}

		var req struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeClaudeError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
			return
		}

		model := req.Model
		if model == "" {
			model = "claude-sonnet-4-5"
		}
		id := fmt.Sprintf("msg_%x", rand.Int64())
		content := fakeSentence(s.cfg.StreamWords)

		if req.Stream {
			serveClaudeStream(w, id, model, content, s.cfg.StreamWords)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"id":            id,
			"type":          "message",
			"role":          "assistant",
			"model":         model,
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"content": []map[string]string{
				{"type": "text", "text": content},
			},
			"usage": map[string]int{
				"input_tokens":  ClaudeInputTokens,
				"output_tokens": s.cfg.StreamWords,
			},
		})
	})

	s.mux.HandleFunc("GET /v1/models", func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			writeClaudeError(w, http.StatusUnauthorized, "invalid x-api-key", "authentication_error")
			return
		}
		created := time.Date(2025, 9, 29, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
		writeJSON(w, http.StatusOK, map[string]any{
			"data": []map[string]any{
				{"type": "model", "id": "claude-sonnet-4-5", "display_name": "Claude Sonnet 4.5", "created_at": created},
			},
			"has_more": false,
			"first_id": "claude-sonnet-4-5",
			"last_id":  "claude-sonnet-4-5",
		})
	})

	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeClaudeError(w, http.StatusNotFound, "mock: unknown path "+r.URL.Path, "not_found_error")
	})

	return s
}

func writeClaudeError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, map[string]any{
		"type": "error",
		"error": map[string]string{
			"type":    typ,
			"message": msg,
		},
	})
}

// serveClaudeStream writes SSE events in the Anthropic streaming format.
// Input tokens arrive in message_start and output tokens in message_delta.
func serveClaudeStream(w http.ResponseWriter, id, model, content string, outTokens int) {
	sse := startSSE(w)

	sse.send("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            id,
			"type":          "message",
			"role":          "assistant",
			"model":         model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage": map[string]int{
				"input_tokens":  ClaudeInputTokens,
				"output_tokens": 1,
			},
		},
	})
	sse.send("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         0,
		"content_block": map[string]string{"type": "text", "text": ""},
	})
	sse.send("ping", map[string]string{"type": "ping"})

	for _, word := range strings.Fields(content) {
		sse.send("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]string{"type": "text_delta", "text": word + " "},
		})
	}

	sse.send("content_block_stop", map[string]any{"type": "content_block_stop", "index": 0})
	sse.send("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": "end_turn", "stop_sequence": nil},
		"usage": map[string]int{"output_tokens": outTokens},
	})
	sse.send("message_stop", map[string]string{"type": "message_stop"})
}
