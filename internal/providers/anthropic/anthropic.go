// Package anthropic implements the relay handler for Claude providers, both
// API-key accounts (claude) and subscription tokens (claude-auth).
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/llm-relay/internal/providers"
)

const (
	// DefaultVersion is sent as anthropic-version when the client omits it.
	DefaultVersion = "2023-06-01"

	oauthBeta = "oauth-2025-04-20"
)

// Handler implements providers.Handler for Claude.
type Handler struct {
	typ providers.Type
}

// New returns a handler for typ, which must be claude or claude-auth.
func New(typ providers.Type) *Handler {
	return &Handler{typ: typ}
}

func (h *Handler) Type() providers.Type { return h.typ }

func (h *Handler) RequestURL(base string, target providers.Target) (string, error) {
	return providers.JoinURL(base, target.Path, target.RawQuery)
}

func (h *Handler) ApplyCredential(hdr http.Header, cred providers.Credential) {
	if cred.Bearer != "" {
		hdr.Set("Authorization", "Bearer "+cred.Bearer)
		return
	}
	hdr.Set("x-api-key", cred.APIKey)
}

func (h *Handler) ApplyVendorHeaders(hdr http.Header, p *providers.Provider) {
	if hdr.Get("anthropic-version") == "" {
		hdr.Set("anthropic-version", DefaultVersion)
	}
	if p != nil && p.Auth == providers.AuthOAuth {
		appendBeta(hdr, oauthBeta)
	}
}

func appendBeta(hdr http.Header, beta string) {
	cur := hdr.Get("anthropic-beta")
	if cur == "" {
		hdr.Set("anthropic-beta", beta)
		return
	}
	hdr.Set("anthropic-beta", cur+","+beta)
}

// ExtractUsage reads usage from a Messages response, or from the
// message_start and message_delta events of a stream.
func (h *Handler) ExtractUsage(body []byte, stream bool) (providers.Usage, bool) {
	if !stream {
		m, ok := providers.DecodeObject(body)
		if !ok {
			return providers.Usage{}, false
		}
		raw, ok := providers.Object(m, "usage")
		if !ok {
			return providers.Usage{}, false
		}
		u := providers.ClaudeUsage(raw)
		u.Model = providers.StringField(m, "model")
		return u, true
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
		case "message_start":
			msg, ok := providers.Object(ev, "message")
			if !ok {
				return
			}
			if raw, ok := providers.Object(msg, "usage"); ok {
				next := providers.ClaudeUsage(raw)
				next.Model = providers.StringField(msg, "model")
				u = u.Merge(next)
				found = true
			}
		case "message_delta":
			if raw, ok := providers.Object(ev, "usage"); ok {
				u = u.Merge(providers.ClaudeUsage(raw))
				found = true
			}
		}
	})
	return u, found
}

// Probe lists one model through the official SDK.
func (h *Handler) Probe(ctx context.Context, client *http.Client, base string, cred providers.Credential) error {
	opts := []option.RequestOption{
		option.WithBaseURL(base),
		option.WithHTTPClient(client),
		option.WithMaxRetries(0),
	}
	if cred.Bearer != "" {
		opts = append(opts,
			option.WithHeader("Authorization", "Bearer "+cred.Bearer),
			option.WithHeader("anthropic-beta", oauthBeta),
		)
	} else {
		opts = append(opts, option.WithAPIKey(cred.APIKey))
	}

	c := anthropic.NewClient(opts...)
	_, err := c.Models.List(ctx, anthropic.ModelListParams{
		Limit: anthropic.Int(1),
	})
	if err != nil {
		return fmt.Errorf("anthropic: probe: %w", toUpstreamError(err))
	}
	return nil
}

func toUpstreamError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &providers.UpstreamError{
			Vendor:     "anthropic",
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Error(),
		}
	}
	return err
}
