// Package gemini implements the relay handlers for Google Gemini: the public
// Generative Language API (gemini) and the Code Assist backend used by the
// Gemini CLI (gemini-cli).
package gemini

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"google.golang.org/genai"

	"github.com/nulpointcorp/llm-relay/internal/providers"
)

const (
	defaultAPIVersion = "v1beta"

	// CLIClientHeader is the x-goog-api-client value the Code Assist backend
	// expects from the Gemini CLI.
	CLIClientHeader = "gl-node/22.17.0"
)

// Handler implements providers.Handler for gemini and gemini-cli.
type Handler struct {
	typ providers.Type
}

// New returns a handler for typ, which must be gemini or gemini-cli.
func New(typ providers.Type) *Handler {
	return &Handler{typ: typ}
}

func (h *Handler) Type() providers.Type { return h.typ }

func (h *Handler) cli() bool { return h.typ == providers.TypeGeminiCLI }

// RequestURL builds /v1beta/models/{model}:{action} for gemini and
// /v1internal:{action} for gemini-cli.
func (h *Handler) RequestURL(base string, target providers.Target) (string, error) {
	if target.Action == "" {
		return "", fmt.Errorf("gemini: missing method for %s", target.Path)
	}
	if h.cli() {
		return providers.JoinURL(base, "/v1internal:"+target.Action, target.RawQuery)
	}
	if target.Model == "" {
		return "", fmt.Errorf("gemini: missing model for %s", target.Path)
	}
	path := "/" + defaultAPIVersion + "/models/" + target.Model + ":" + target.Action
	return providers.JoinURL(base, path, target.RawQuery)
}

func (h *Handler) ApplyCredential(hdr http.Header, cred providers.Credential) {
	if cred.Bearer != "" || h.cli() {
		token := cred.Bearer
		if token == "" {
			token = cred.APIKey
		}
		hdr.Set("Authorization", "Bearer "+token)
		return
	}
	hdr.Set("x-goog-api-key", cred.APIKey)
}

func (h *Handler) ApplyVendorHeaders(hdr http.Header, _ *providers.Provider) {
	if h.cli() {
		hdr.Set("x-goog-api-client", CLIClientHeader)
	}
}

// ExtractUsage reads usageMetadata from a GenerateContent response, or from
// the last chunk of a stream that carries it. Code Assist wraps each payload
// in a "response" envelope.
func (h *Handler) ExtractUsage(body []byte, stream bool) (providers.Usage, bool) {
	if !stream {
		m, ok := providers.DecodeObject(body)
		if !ok {
			return providers.Usage{}, false
		}
		return usageMetadata(h.unwrap(m))
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
		if next, ok := usageMetadata(h.unwrap(m)); ok {
			u, found = u.Merge(next), true
		}
	})
	return u, found
}

func (h *Handler) unwrap(m map[string]any) map[string]any {
	if inner, ok := providers.Object(m, "response"); ok {
		return inner
	}
	return m
}

func usageMetadata(m map[string]any) (providers.Usage, bool) {
	raw, ok := providers.Object(m, "usageMetadata")
	if !ok {
		return providers.Usage{}, false
	}
	return providers.Usage{
		InputTokens:          providers.IntField(raw, "promptTokenCount"),
		OutputTokens:         providers.IntField(raw, "candidatesTokenCount"),
		CacheReadInputTokens: providers.IntField(raw, "cachedContentTokenCount"),
		ReasoningTokens:      providers.IntField(raw, "thoughtsTokenCount"),
		Model:                providers.StringField(m, "modelVersion"),
	}, true
}

// Probe lists one model through the GenAI SDK for API-key providers.
// Token based providers are probed with a direct call since the SDK's
// Gemini API backend authenticates only with keys.
func (h *Handler) Probe(ctx context.Context, client *http.Client, base string, cred providers.Credential) error {
	if h.cli() {
		return h.probeCodeAssist(ctx, client, base, cred)
	}
	if cred.Bearer != "" {
		return h.probeBearer(ctx, client, base, cred)
	}

	sdkBase, ver := splitBaseURLAndVersion(base)
	if ver == "" {
		ver = defaultAPIVersion
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      cred.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  client,
		HTTPOptions: genai.HTTPOptions{BaseURL: sdkBase, APIVersion: ver},
	})
	if err != nil {
		return fmt.Errorf("gemini: probe client: %w", err)
	}
	if _, err := c.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1}); err != nil {
		return fmt.Errorf("gemini: probe: %w", toUpstreamError(err))
	}
	return nil
}

func (h *Handler) probeBearer(ctx context.Context, client *http.Client, base string, cred providers.Credential) error {
	u, err := providers.JoinURL(base, "/"+defaultAPIVersion+"/models", "pageSize=1")
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	h.ApplyCredential(req.Header, cred)
	return doProbe(client, req, func(code int) bool { return code < 300 })
}

// probeCodeAssist calls loadCodeAssist. Any reply below 500 other than an
// auth failure means the backend is reachable and accepts the token.
func (h *Handler) probeCodeAssist(ctx context.Context, client *http.Client, base string, cred providers.Credential) error {
	u, err := providers.JoinURL(base, "/v1internal:loadCodeAssist", "")
	if err != nil {
		return err
	}
	body := []byte(`{"metadata":{"ideType":"IDE_UNSPECIFIED","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI"}}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	h.ApplyCredential(req.Header, cred)
	h.ApplyVendorHeaders(req.Header, nil)
	return doProbe(client, req, func(code int) bool {
		return code < 500 && code != http.StatusUnauthorized && code != http.StatusForbidden
	})
}

func doProbe(client *http.Client, req *http.Request, ok func(int) bool) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("gemini: probe: %w", err)
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if !ok(resp.StatusCode) {
		return fmt.Errorf("gemini: probe: %w", &providers.UpstreamError{
			Vendor:     "gemini",
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(msg)),
		})
	}
	return nil
}

func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]

	if looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}

func toUpstreamError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &providers.UpstreamError{
			Vendor:     "gemini",
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
		}
	}
	return err
}
