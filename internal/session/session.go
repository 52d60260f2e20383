// Package session holds the per-request state threaded through selection,
// forwarding and billing: header snapshots, model redirects, the provider
// chain and the special-settings audit log.
//
// A Session belongs to exactly one inbound request and is never shared, so
// it carries no locks.
package session

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/pricing"
	"github.com/nulpointcorp/llm-relay/internal/providers"
)

// AuthState is the outcome of inbound authentication.
type AuthState struct {
	Success bool
	Key     *providers.ClientKey
}

// KeyID returns the authenticated client key id, or 0.
func (a AuthState) KeyID() int64 {
	if a.Key == nil {
		return 0
	}
	return a.Key.ID
}

// Session is the request-scoped aggregate.
type Session struct {
	RequestID string
	Format    providers.Format
	StartedAt time.Time

	Method   string
	Path     string
	RawQuery string
	// Action is the Gemini method taken from the path, e.g. generateContent.
	Action string
	Stream bool

	// Headers is the mutable header set; filters write here and the
	// forwarder builds outbound headers from it.
	Headers  http.Header
	original http.Header

	body     []byte
	payload  map[string]any
	modified bool

	originalModel string
	currentModel  string
	sessionID     string
	vendorSession bool

	provider   *providers.Provider
	endpointID *int64
	auth       AuthState

	chain        []ChainEntry
	settings     []SpecialSetting
	settingKeys  map[string]struct{}
	persisted    bool
	prices       map[string]priceMemo
	billingSrc   string
	billingSrcOK bool
}

type priceMemo struct {
	price *pricing.Price
	err   error
}

// New snapshots headers and decodes body when it is a JSON object.
func New(requestID string, format providers.Format, headers http.Header, body []byte) *Session {
	s := &Session{
		RequestID:   requestID,
		Format:      format,
		StartedAt:   time.Now(),
		Headers:     headers.Clone(),
		original:    headers.Clone(),
		body:        body,
		settingKeys: make(map[string]struct{}),
		prices:      make(map[string]priceMemo),
	}
	if s.Headers == nil {
		s.Headers = http.Header{}
		s.original = http.Header{}
	}
	if len(body) > 0 {
		var m map[string]any
		if err := json.Unmarshal(body, &m); err == nil {
			s.payload = m
		}
	}
	if s.payload != nil {
		if v, ok := s.payload["stream"].(bool); ok {
			s.Stream = v
		}
		if m := s.modelFromBody(); m != "" {
			s.SetOriginalModel(m)
		}
	}
	return s
}

// IsHeaderModified reports whether the mutable header name differs from the
// inbound snapshot, including presence and explicit empty values.
func (s *Session) IsHeaderModified(name string) bool {
	key := http.CanonicalHeaderKey(name)
	cur, curOK := s.Headers[key]
	orig, origOK := s.original[key]
	if curOK != origOK {
		return true
	}
	if len(cur) != len(orig) {
		return true
	}
	for i := range cur {
		if cur[i] != orig[i] {
			return true
		}
	}
	return false
}

// Header returns the mutable value of name and whether it is present. A
// header explicitly set to "" is present.
func (s *Session) Header(name string) (string, bool) {
	return lookup(s.Headers, name)
}

// OriginalHeader returns the inbound value of name and whether it was sent.
func (s *Session) OriginalHeader(name string) (string, bool) {
	return lookup(s.original, name)
}

func lookup(h http.Header, name string) (string, bool) {
	vs, ok := h[http.CanonicalHeaderKey(name)]
	if !ok {
		return "", false
	}
	if len(vs) == 0 {
		return "", true
	}
	return vs[0], true
}

// Payload returns the decoded request body, or nil when it is not a JSON
// object. Callers that mutate it must call MarkBodyModified.
func (s *Session) Payload() map[string]any { return s.payload }

// MarkBodyModified forces the outbound body to be re-encoded from Payload.
func (s *Session) MarkBodyModified() { s.modified = true }

// BodyModified reports whether the payload diverged from the inbound bytes.
func (s *Session) BodyModified() bool { return s.modified }

// OutboundBody returns the body to send upstream.
func (s *Session) OutboundBody() ([]byte, error) {
	if !s.modified || s.payload == nil {
		return s.body, nil
	}
	return json.Marshal(s.payload)
}

// modelFromBody reads the model for formats that carry it in the body.
func (s *Session) modelFromBody() string {
	if s.payload == nil {
		return ""
	}
	m, _ := s.payload["model"].(string)
	return m
}

// modelInBody reports whether the outbound model lives in the JSON body.
// Gemini puts it in the URL path instead.
func (s *Session) modelInBody() bool {
	return s.Format != providers.FormatGemini && s.payload != nil
}

// SetOriginalModel records the model the client asked for. Only the first
// call sets it; the current model follows unless already redirected.
func (s *Session) SetOriginalModel(model string) {
	if s.originalModel != "" {
		return
	}
	s.originalModel = model
	if s.currentModel == "" {
		s.currentModel = model
	}
}

// OriginalModel is the client-requested model.
func (s *Session) OriginalModel() string { return s.originalModel }

// CurrentModel is the outbound, possibly redirected, model.
func (s *Session) CurrentModel() string {
	if s.currentModel == "" {
		return s.originalModel
	}
	return s.currentModel
}

// IsModelRedirected reports whether the outbound model differs.
func (s *Session) IsModelRedirected() bool {
	return s.currentModel != "" && s.currentModel != s.originalModel
}

// SetCurrentModel changes the outbound model and rewrites the body when the
// format carries the model there.
func (s *Session) SetCurrentModel(model string) {
	if model == s.CurrentModel() {
		return
	}
	s.currentModel = model
	if s.modelInBody() {
		if _, ok := s.payload["model"]; ok {
			s.payload["model"] = model
			s.modified = true
		}
	}
}

// ResetModel reverts a redirect so the next provider starts from the
// original model.
func (s *Session) ResetModel() {
	if !s.IsModelRedirected() {
		return
	}
	s.SetCurrentModel(s.originalModel)
}

// SetSessionID records the affinity session id. vendorAssigned marks ids
// taken from the client rather than synthesized.
func (s *Session) SetSessionID(id string, vendorAssigned bool) {
	s.sessionID = id
	s.vendorSession = vendorAssigned
}

// SessionID returns the affinity session id.
func (s *Session) SessionID() string { return s.sessionID }

// VendorAssignedSessionID reports whether the id came from the client.
func (s *Session) VendorAssignedSessionID() bool { return s.vendorSession }

// SetProvider records the provider and endpoint of the current attempt.
func (s *Session) SetProvider(p *providers.Provider, endpointID *int64) {
	s.provider = p
	s.endpointID = endpointID
}

// Provider returns the provider of the current attempt.
func (s *Session) Provider() *providers.Provider { return s.provider }

// EndpointID returns the endpoint of the current attempt, nil for the
// legacy URL.
func (s *Session) EndpointID() *int64 { return s.endpointID }

// SetAuthState records the inbound authentication result.
func (s *Session) SetAuthState(a AuthState) { s.auth = a }

// Auth returns the inbound authentication result.
func (s *Session) Auth() AuthState { return s.auth }

// LookupPrice memoizes find per model for the lifetime of the session,
// including nil results.
func (s *Session) LookupPrice(model string, find func(string) (*pricing.Price, error)) (*pricing.Price, error) {
	if m, ok := s.prices[model]; ok {
		return m.price, m.err
	}
	p, err := find(model)
	s.prices[model] = priceMemo{price: p, err: err}
	return p, err
}

// Billing model sources.
const (
	BillingOriginal   = "original"
	BillingRedirected = "redirected"
)

// BillingModel returns the model cost is computed against. load is called
// at most once per session to resolve the configured source.
func (s *Session) BillingModel(load func() string) string {
	if !s.billingSrcOK {
		s.billingSrc = strings.ToLower(strings.TrimSpace(load()))
		s.billingSrcOK = true
	}
	if s.billingSrc == BillingRedirected {
		return s.CurrentModel()
	}
	return s.OriginalModel()
}
