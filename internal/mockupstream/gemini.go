package mockupstream

import (
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
)

// NewGemini returns a mock of the Gemini API and of the Code Assist
// (gemini-cli) endpoints.
//
//	POST /v1beta/models/{model}:generateContent
//	POST /v1beta/models/{model}:streamGenerateContent  SSE with ?alt=sse
//	POST /v1beta/models/{model}:countTokens
//	GET  /v1beta/models                                used by endpoint probes
//	POST /v1internal:{generateContent,streamGenerateContent,countTokens,loadCodeAssist}
func NewGemini(cfg Config) *Server {
	s := newServer(cfg, func(r *http.Request) string {
		if k := r.Header.Get("x-goog-api-key"); k != "" {
			return k
		}
		if k := r.URL.Query().Get("key"); k != "" {
			return k
		}
		return bearer(r)
	})

	s.mux.HandleFunc("POST /v1beta/models/{model_action}", func(w http.ResponseWriter, r *http.Request) {
		model, action, ok := strings.Cut(r.PathValue("model_action"), ":")
		if !ok {
			writeGeminiError(w, http.StatusNotFound, "mock: unknown path "+r.URL.Path)
			return
		}
		s.generate(w, r, model, action, false)
	})

	for _, action := range []string{"generateContent", "streamGenerateContent", "countTokens"} {
		s.mux.HandleFunc("POST /v1internal:"+action, func(w http.ResponseWriter, r *http.Request) {
			s.generate(w, r, "gemini-2.5-pro", action, true)
		})
	}

	s.mux.HandleFunc("POST /v1internal:loadCodeAssist", func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			writeGeminiError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"currentTier":             map[string]string{"id": "free-tier"},
			"cloudaicompanionProject": "mock-project",
		})
	})

	s.mux.HandleFunc("GET /v1beta/models", func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			writeGeminiError(w, http.StatusUnauthorized, "API key not valid")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"models": []map[string]any{
				{"name": "models/gemini-2.5-pro", "displayName": "Gemini 2.5 Pro"},
				{"name": "models/gemini-2.5-flash", "displayName": "Gemini 2.5 Flash"},
			},
		})
	})

	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeGeminiError(w, http.StatusNotFound, "mock: unknown path "+r.URL.Path)
	})

	return s
}

// generate serves one generation call. wrap nests replies under "response"
// like the Code Assist API.
func (s *Server) generate(w http.ResponseWriter, r *http.Request, model, action string, wrap bool) {
	if !s.authorized(r) {
		writeGeminiError(w, http.StatusUnauthorized, "API key not valid")
		return
	}
	if code := s.failure(); code != 0 {
		writeGeminiError(w, code, "mock upstream failure")
		return
	}

	envelope := func(v map[string]any) map[string]any {
		if wrap {
			return map[string]any{"response": v}
		}
		return v
	}

	if action == "countTokens" {
		writeJSON(w, http.StatusOK, envelope(map[string]any{"totalTokens": GeminiInputTokens}))
		return
	}

	resp := map[string]any{
		"candidates": []any{
			map[string]any{
				"content": map[string]any{
					"role":  "model",
					"parts": []map[string]string{{"text": fakeSentence(s.cfg.StreamWords)}},
				},
				"finishReason": "STOP",
				"index":        0,
			},
		},
		"usageMetadata": map[string]int{
			"promptTokenCount":     GeminiInputTokens,
			"candidatesTokenCount": s.cfg.StreamWords,
			"totalTokenCount":      GeminiInputTokens + s.cfg.StreamWords,
		},
		"responseId":   fmt.Sprintf("gemini-%x", rand.Int64()),
		"modelVersion": model,
	}

	switch action {
	case "generateContent":
		writeJSON(w, http.StatusOK, envelope(resp))
	case "streamGenerateContent":
		if r.URL.Query().Get("alt") != "sse" {
			writeJSON(w, http.StatusOK, []any{envelope(resp)})
			return
		}
		sse := startSSE(w)
		sse.send("", envelope(map[string]any{
			"candidates": []any{map[string]any{
				"content": map[string]any{"role": "model", "parts": []map[string]string{{"text": "mock "}}},
			}},
			"modelVersion": model,
		}))
		sse.send("", envelope(resp))
	default:
		writeGeminiError(w, http.StatusNotFound, "mock: unknown method "+action)
	}
}

func writeGeminiError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": msg,
			"status":  http.StatusText(status),
		},
	})
}
