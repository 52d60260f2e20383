package mockupstream

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// NewOpenAI returns a mock of the OpenAI API serving both wire formats the
// relay forwards: chat completions (openai-compatible) and responses (codex).
//
//	POST /v1/chat/completions
//	POST /v1/responses
//	GET  /v1/models
func NewOpenAI(cfg Config) *Server {
	s := newServer(cfg, bearer)

	s.mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model         string `json:"model"`
			Stream        bool   `json:"stream"`
			StreamOptions struct {
				IncludeUsage bool `json:"include_usage"`
			} `json:"stream_options"`
		}
		if !s.admit(w, r, &req) {
			return
		}

		model := orDefault(req.Model, "gpt-4o")
		id := fmt.Sprintf("chatcmpl-mock%x", rand.Int64())
		content := fakeSentence(s.cfg.StreamWords)
		usage := map[string]int{
			"prompt_tokens":     OpenAIInputTokens,
			"completion_tokens": s.cfg.StreamWords,
			"total_tokens":      OpenAIInputTokens + s.cfg.StreamWords,
		}

		if req.Stream {
			serveChatStream(w, id, model, content, usage, req.StreamOptions.IncludeUsage)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"id":      id,
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{
				{
					"index":         0,
					"message":       map[string]string{"role": "assistant", "content": content},
					"finish_reason": "stop",
				},
			},
			"usage": usage,
		})
	})

	s.mux.HandleFunc("POST /v1/responses", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		if !s.admit(w, r, &req) {
			return
		}

		resp := map[string]any{
			"id":         fmt.Sprintf("resp_%x", rand.Int64()),
			"object":     "response",
			"created_at": time.Now().Unix(),
			"status":     "completed",
			"model":      orDefault(req.Model, "gpt-5-codex"),
			"output": []map[string]any{
				{
					"type":    "message",
					"role":    "assistant",
					"content": []map[string]string{{"type": "output_text", "text": fakeSentence(s.cfg.StreamWords)}},
				},
			},
			"usage": map[string]int{
				"input_tokens":  OpenAIInputTokens,
				"output_tokens": s.cfg.StreamWords,
				"total_tokens":  OpenAIInputTokens + s.cfg.StreamWords,
			},
		}

		if !req.Stream {
			writeJSON(w, http.StatusOK, resp)
			return
		}
		sse := startSSE(w)
		sse.send("response.created", map[string]any{"type": "response.created", "response": map[string]any{"id": resp["id"], "status": "in_progress"}})
		sse.send("response.output_text.delta", map[string]any{"type": "response.output_text.delta", "delta": "mock"})
		sse.send("response.completed", map[string]any{"type": "response.completed", "response": resp})
	})

	s.mux.HandleFunc("GET /v1/models", func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			writeOpenAIError(w, http.StatusUnauthorized, "invalid api key", "invalid_request_error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"object": "list",
			"data": []map[string]any{
				{"id": "gpt-4o", "object": "model", "created": 1710000000, "owned_by": "openai"},
				{"id": "gpt-5-codex", "object": "model", "created": 1710000000, "owned_by": "openai"},
			},
		})
	})

	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeOpenAIError(w, http.StatusNotFound, "mock: unknown path "+r.URL.Path, "not_found")
	})

	return s
}

// admit checks auth, injected failures and decodes the body into req.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, req any) bool {
	if !s.authorized(r) {
		writeOpenAIError(w, http.StatusUnauthorized, "invalid api key", "invalid_request_error")
		return false
	}
	if code := s.failure(); code != 0 {
		writeOpenAIError(w, code, "mock upstream failure", "server_error")
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		writeOpenAIError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
		return false
	}
	return true
}

func writeOpenAIError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"message": msg,
			"type":    typ,
			"code":    strings.ToLower(strings.ReplaceAll(typ, " ", "_")),
		},
	})
}

// serveChatStream writes chat completion chunks. The usage chunk is only
// sent when the client asked for it, like the real API.
func serveChatStream(w http.ResponseWriter, id, model, content string, usage map[string]int, includeUsage bool) {
	sse := startSSE(w)

	chunk := func(delta map[string]string, finish any) map[string]any {
		return map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{
				{"index": 0, "delta": delta, "finish_reason": finish},
			},
		}
	}

	for _, word := range strings.Fields(content) {
		sse.send("", chunk(map[string]string{"content": word + " "}, nil))
	}
	sse.send("", chunk(map[string]string{}, "stop"))

	if includeUsage {
		sse.send("", map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []any{},
			"usage":   usage,
		})
	}
	sse.raw("data: [DONE]")
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
