// Package codex implements the relay handler for OpenAI Responses API
// providers, including ChatGPT-account (Codex CLI) credentials.
package codex

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

// Originator is the client identifier the Codex backend expects.
const Originator = "codex_cli_rs"

// Handler implements providers.Handler for codex providers.
type Handler struct{}

// New returns a codex handler.
func New() *Handler { return &Handler{} }

func (h *Handler) Type() providers.Type { return providers.TypeCodex }

// RequestURL maps /v1/responses onto base. Codex bases are configured up to
// and including their version segment, e.g. https://api.openai.com/v1 or
// https://chatgpt.com/backend-api/codex.
func (h *Handler) RequestURL(base string, target providers.Target) (string, error) {
	return providers.JoinURL(base, strings.TrimPrefix(target.Path, "/v1"), target.RawQuery)
}

func (h *Handler) ApplyCredential(hdr http.Header, cred providers.Credential) {
	token := cred.Bearer
	if token == "" {
		token = cred.APIKey
	}
	hdr.Set("Authorization", "Bearer "+token)
	if cred.AccountID != "" {
		hdr.Set("chatgpt-account-id", cred.AccountID)
	}
}

func (h *Handler) ApplyVendorHeaders(hdr http.Header, p *providers.Provider) {
	hdr.Set("originator", Originator)
	if p != nil && p.Auth == providers.AuthOAuth {
		hdr.Set("OpenAI-Beta", "responses=experimental")
	}
}

// ExtractUsage reads usage from a Responses object, or from the
// response.completed event of a stream.
func (h *Handler) ExtractUsage(body []byte, stream bool) (providers.Usage, bool) {
	if !stream {
		m, ok := providers.DecodeObject(body)
		if !ok {
			return providers.Usage{}, false
		}
		return responseUsage(m)
	}

	var (
		u     providers.Usage
		found bool
	)
	providers.EachSSEData(body, func(data []byte) {
		ev, ok := providers.DecodeObject(data)
		if !ok {
			return
		}
		switch providers.StringField(ev, "type") {
		case "response.completed", "response.incomplete", "response.done":
			if resp, ok := providers.Object(ev, "response"); ok {
				if next, ok := responseUsage(resp); ok {
					u, found = u.Merge(next), true
				}
			}
		}
	})
	return u, found
}

func responseUsage(resp map[string]any) (providers.Usage, bool) {
	raw, ok := providers.Object(resp, "usage")
	if !ok {
		return providers.Usage{}, false
	}
	u := providers.Usage{
		InputTokens:  providers.IntField(raw, "input_tokens"),
		OutputTokens: providers.IntField(raw, "output_tokens"),
		Model:        providers.StringField(resp, "model"),
	}
	if d, ok := providers.Object(raw, "input_tokens_details"); ok {
		u.CacheReadInputTokens = providers.IntField(d, "cached_tokens")
	}
	if d, ok := providers.Object(raw, "output_tokens_details"); ok {
		u.ReasoningTokens = providers.IntField(d, "reasoning_tokens")
	}
	return u, true
}

// Probe lists models through the official SDK.
func (h *Handler) Probe(ctx context.Context, client *http.Client, base string, cred providers.Credential) error {
	token := cred.Bearer
	if token == "" {
		token = cred.APIKey
	}
	opts := []option.RequestOption{
		option.WithAPIKey(token),
		option.WithBaseURL(base),
		option.WithHTTPClient(client),
		option.WithMaxRetries(0),
	}
	if cred.AccountID != "" {
		opts = append(opts, option.WithHeader("chatgpt-account-id", cred.AccountID))
	}

	c := openaiSDK.NewClient(opts...)
	if _, err := c.Models.List(ctx); err != nil {
		return fmt.Errorf("codex: probe: %w", toUpstreamError(err))
	}
	return nil
}

func toUpstreamError(err error) error {
	var apiErr *openaiSDK.Error
	if errors.As(err, &apiErr) {
		return &providers.UpstreamError{
			Vendor:     "codex",
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Error(),
		}
	}
	return err
}
