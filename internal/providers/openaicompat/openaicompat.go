// Package openaicompat implements the relay handler for any service that
// speaks the OpenAI chat completions API (xAI, Groq, DeepSeek, Together AI,
// OpenRouter, self-hosted vLLM and so on).
package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/llm-relay/internal/providers"
)

// Handler implements providers.Handler for openai-compatible providers.
type Handler struct{}

// New returns an openai-compatible handler.
func New() *Handler { return &Handler{} }

func (h *Handler) Type() providers.Type { return providers.TypeOpenAICompatible }

// RequestURL maps /v1/chat/completions onto base. Bases carry their version
// segment, e.g. https://api.x.ai/v1 or https://openrouter.ai/api/v1; a bare
// host gets /v1 appended.
func (h *Handler) RequestURL(base string, target providers.Target) (string, error) {
	return providers.JoinURL(base, target.Path, target.RawQuery)
}

func (h *Handler) ApplyCredential(hdr http.Header, cred providers.Credential) {
	token := cred.Bearer
	if token == "" {
		token = cred.APIKey
	}
	hdr.Set("Authorization", "Bearer "+token)
}

func (h *Handler) ApplyVendorHeaders(http.Header, *providers.Provider) {}

// ExtractUsage reads usage from a chat completion, or from the final chunk
// of a stream requested with stream_options.include_usage.
func (h *Handler) ExtractUsage(body []byte, stream bool) (providers.Usage, bool) {
	if !stream {
		m, ok := providers.DecodeObject(body)
		if !ok {
			return providers.Usage{}, false
		}
		return chatUsage(m)
	}

	var (
		u     providers.Usage
		found bool
	)
	providers.EachSSEData(body, func(data []byte) {
		m, ok := providers.DecodeObject(data)
		if !ok {
			return
		}
		if next, ok := chatUsage(m); ok {
			u, found = u.Merge(next), true
		}
	})
	return u, found
}

func chatUsage(m map[string]any) (providers.Usage, bool) {
	raw, ok := providers.Object(m, "usage")
	if !ok {
		return providers.Usage{}, false
	}
	u := providers.Usage{
		InputTokens:  providers.IntField(raw, "prompt_tokens"),
		OutputTokens: providers.IntField(raw, "completion_tokens"),
		Model:        providers.StringField(m, "model"),
	}
	if d, ok := providers.Object(raw, "prompt_tokens_details"); ok {
		u.CacheReadInputTokens = providers.IntField(d, "cached_tokens")
	}
	if d, ok := providers.Object(raw, "completion_tokens_details"); ok {
		u.ReasoningTokens = providers.IntField(d, "reasoning_tokens")
	}
	return u, true
}

// Probe lists models through the official OpenAI SDK.
func (h *Handler) Probe(ctx context.Context, client *http.Client, base string, cred providers.Credential) error {
	token := cred.Bearer
	if token == "" {
		token = cred.APIKey
	}
	if !strings.HasSuffix(strings.TrimRight(base, "/"), "/v1") && !strings.Contains(base, "/v1/") {
		base = strings.TrimRight(base, "/") + "/v1"
	}
	c := openaiSDK.NewClient(
		option.WithAPIKey(token),
		option.WithBaseURL(base),
		option.WithHTTPClient(client),
		option.WithMaxRetries(0),
	)
	if _, err := c.Models.List(ctx); err != nil {
		return fmt.Errorf("openai-compatible: probe: %w", toUpstreamError(err))
	}
	return nil
}

func toUpstreamError(err error) error {
	var apiErr *openaiSDK.Error
	if errors.As(err, &apiErr) {
		return &providers.UpstreamError{
			Vendor:     "openai-compatible",
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Error(),
		}
	}
	return err
}
