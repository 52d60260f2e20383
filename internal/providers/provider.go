// Package providers defines the provider catalog model shared by the relay:
// provider types and the inbound formats they serve, configured providers
// with their cost limits and model rules, endpoints, credentials, and the
// Handler contract each vendor implementation satisfies.
//
// Vendor handlers live in sub-packages (anthropic, codex, gemini,
// openaicompat); the forwarder resolves them with a single switch on Type.
package providers

import (
	"context"
	"net/http"
	"time"
)

// Type is the wire-format family a provider speaks.
type Type string

const (
	TypeClaude           Type = "claude"
	TypeClaudeAuth       Type = "claude-auth"
	TypeCodex            Type = "codex"
	TypeGemini           Type = "gemini"
	TypeGeminiCLI        Type = "gemini-cli"
	TypeOpenAICompatible Type = "openai-compatible"
)

// Types lists every supported provider type.
var Types = []Type{
	TypeClaude, TypeClaudeAuth, TypeCodex, TypeGemini, TypeGeminiCLI, TypeOpenAICompatible,
}

// Valid reports whether t is a known provider type.
func (t Type) Valid() bool {
	for _, v := range Types {
		if v == t {
			return true
		}
	}
	return false
}

// Format is the wire format of an inbound request.
type Format string

const (
	FormatClaude    Format = "claude"
	FormatResponse  Format = "response"
	FormatOpenAI    Format = "openai"
	FormatGemini    Format = "gemini"
	FormatGeminiCLI Format = "gemini-cli"
)

// Serves reports whether a provider of type t accepts requests in format f.
// Payloads are forwarded untranslated, so only same-family pairs match.
func (t Type) Serves(f Format) bool {
	switch t {
	case TypeClaude, TypeClaudeAuth:
		return f == FormatClaude
	case TypeCodex:
		return f == FormatResponse
	case TypeGemini:
		return f == FormatGemini
	case TypeGeminiCLI:
		return f == FormatGeminiCLI
	case TypeOpenAICompatible:
		return f == FormatOpenAI
	}
	return false
}

// AuthMode selects how a provider's credential is presented upstream.
type AuthMode string

const (
	AuthAPIKey AuthMode = "api_key"
	AuthOAuth  AuthMode = "oauth"
)

// ResetMode controls how the daily cost window is computed.
type ResetMode string

const (
	ResetFixed   ResetMode = "fixed"
	ResetRolling ResetMode = "rolling"
)

// Limits holds per-window cost caps in USD. Zero disables a window.
type Limits struct {
	FiveHourUSD float64 `yaml:"limit_5h_usd" json:"limit_5h_usd,omitempty"`
	DailyUSD    float64 `yaml:"limit_daily_usd" json:"limit_daily_usd,omitempty"`
	WeeklyUSD   float64 `yaml:"limit_weekly_usd" json:"limit_weekly_usd,omitempty"`
	MonthlyUSD  float64 `yaml:"limit_monthly_usd" json:"limit_monthly_usd,omitempty"`
	TotalUSD    float64 `yaml:"limit_total_usd" json:"limit_total_usd,omitempty"`

	// DailyResetMode is fixed (reset at DailyResetTime) or rolling (24h).
	DailyResetMode ResetMode `yaml:"daily_reset_mode" json:"daily_reset_mode,omitempty"`
	// DailyResetTime is "HH:MM" in UTC; used only in fixed mode.
	DailyResetTime string `yaml:"daily_reset_time" json:"daily_reset_time,omitempty"`
	// TotalResetAt starts the lifetime-total window. Nil counts from the
	// beginning of time.
	TotalResetAt *time.Time `yaml:"total_reset_at" json:"total_reset_at,omitempty"`
}

// HasWindowLimits reports whether any periodic window is configured.
func (l Limits) HasWindowLimits() bool {
	return l.FiveHourUSD > 0 || l.DailyUSD > 0 || l.WeeklyUSD > 0 || l.MonthlyUSD > 0
}

// OAuthConfig describes the refresh-token flow for token based vendors.
type OAuthConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	TokenURL     string   `yaml:"token_url"`
	RefreshToken string   `yaml:"refresh_token"`
	Scopes       []string `yaml:"scopes"`
	// AccountID is forwarded as chatgpt-account-id for codex providers.
	AccountID string `yaml:"account_id"`
}

// Provider is one configured upstream account for a vendor.
type Provider struct {
	ID       int64  `yaml:"id"`
	Name     string `yaml:"name"`
	VendorID int64  `yaml:"vendor_id"`
	Type     Type   `yaml:"type"`

	// URL is the legacy single base URL used when no endpoint is selectable.
	URL string `yaml:"url"`

	APIKey string       `yaml:"api_key"`
	Auth   AuthMode     `yaml:"auth"`
	OAuth  *OAuthConfig `yaml:"oauth"`

	Enabled  bool `yaml:"enabled"`
	Weight   int  `yaml:"weight"`
	Priority int  `yaml:"priority"`

	// CostMultiplier scales computed cost; zero means 1.
	CostMultiplier float64 `yaml:"cost_multiplier"`

	Limits Limits `yaml:"limits"`

	AllowedModels        []string          `yaml:"allowed_models"`
	AllowedModelPatterns []string          `yaml:"allowed_model_patterns"`
	ModelRedirects       map[string]string `yaml:"model_redirects"`

	// ProxyURL routes upstream traffic through http, https or socks5.
	ProxyURL string `yaml:"proxy_url"`
	// Protocol is http1, http2 or auto.
	Protocol string `yaml:"protocol"`
	// FirstByteTimeout overrides the global response header timeout.
	FirstByteTimeout time.Duration `yaml:"first_byte_timeout"`

	models *ModelMatcher
}

// Compile validates the model rules. It must be called once after loading.
func (p *Provider) Compile() error {
	m, err := NewModelMatcher(p.AllowedModels, p.AllowedModelPatterns)
	if err != nil {
		return err
	}
	p.models = m
	return nil
}

// SupportsModel reports whether p may serve model. A provider without any
// model rules accepts every model.
func (p *Provider) SupportsModel(model string) bool {
	if p.models == nil || p.models.Len() == 0 {
		return true
	}
	return p.models.Matches(model)
}

// RedirectModel returns the upstream model name for model and whether a
// redirect rule applied.
func (p *Provider) RedirectModel(model string) (string, bool) {
	if to, ok := p.ModelRedirects[model]; ok && to != "" {
		return to, true
	}
	return model, false
}

// EffectiveWeight returns the selection weight; weights below 1 count as 1.
func (p *Provider) EffectiveWeight() int {
	if p.Weight < 1 {
		return 1
	}
	return p.Weight
}

// Multiplier returns the cost multiplier, defaulting to 1.
func (p *Provider) Multiplier() float64 {
	if p.CostMultiplier <= 0 {
		return 1
	}
	return p.CostMultiplier
}

// Endpoint is one concrete URL through which providers of a vendor and type
// can be reached.
type Endpoint struct {
	ID        int64  `yaml:"id" json:"id"`
	VendorID  int64  `yaml:"vendor_id" json:"vendor_id"`
	Type      Type   `yaml:"type" json:"type"`
	URL       string `yaml:"url" json:"-"`
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	SortOrder int    `yaml:"sort_order" json:"sort_order"`

	// Probe outcome, written only by the endpoint prober.
	LastProbeOK      *bool         `yaml:"-" json:"last_probe_ok,omitempty"`
	LastProbeAt      time.Time     `yaml:"-" json:"last_probe_at,omitempty"`
	LastProbeLatency time.Duration `yaml:"-" json:"last_probe_latency_ns,omitempty"`
}

// ProbeHealthy reports whether the last probe succeeded. Endpoints that were
// never probed are not considered healthy for ranking purposes.
func (e Endpoint) ProbeHealthy() bool {
	return e.LastProbeOK != nil && *e.LastProbeOK
}

// ProbeResult is one endpoint probe outcome.
type ProbeResult struct {
	EndpointID int64
	OK         bool
	Latency    time.Duration
	At         time.Time
}

// ClientKey is an inbound API key accepted by the relay.
type ClientKey struct {
	ID     int64  `yaml:"id"`
	Name   string `yaml:"name"`
	Key    string `yaml:"key"`
	UserID int64  `yaml:"user_id"`
	// Enabled defaults to true when omitted.
	Enabled *bool  `yaml:"enabled"`
	Limits  Limits `yaml:"limits"`
	// RPM caps requests per minute for this key; zero uses the global limit.
	RPM int `yaml:"rpm"`
}

// Active reports whether the key may be used.
func (k ClientKey) Active() bool {
	return k.Enabled == nil || *k.Enabled
}

// Credential is the resolved upstream credential for one attempt.
type Credential struct {
	APIKey    string
	Bearer    string
	AccountID string
}

// Usage holds token counts reported by an upstream response.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheCreation5mTokens    int64 `json:"cache_creation_5m_input_tokens,omitempty"`
	CacheCreation1hTokens    int64 `json:"cache_creation_1h_input_tokens,omitempty"`
	ReasoningTokens          int64 `json:"reasoning_tokens,omitempty"`
	// Model is the model name the upstream reported, if any.
	Model string `json:"model,omitempty"`
}

// Empty reports whether no token counts were found.
func (u Usage) Empty() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 &&
		u.CacheReadInputTokens == 0 && u.CacheCreationInputTokens == 0
}

// Target identifies the inbound operation being forwarded.
type Target struct {
	// Path is the inbound request path, e.g. /v1/messages.
	Path string
	// RawQuery is the inbound query string without credentials.
	RawQuery string
	// Model is the outbound (possibly redirected) model.
	Model string
	// Action is the Gemini method suffix, e.g. streamGenerateContent.
	Action string
	Stream bool
}

// Handler is implemented once per provider type.
type Handler interface {
	// Type returns the provider type served by this handler.
	Type() Type

	// RequestURL joins base with the upstream path for target.
	RequestURL(base string, target Target) (string, error)

	// ApplyCredential writes the upstream credential headers.
	ApplyCredential(h http.Header, cred Credential)

	// ApplyVendorHeaders adds headers only this vendor expects.
	ApplyVendorHeaders(h http.Header, p *Provider)

	// ExtractUsage parses token usage from a JSON body, or from the data
	// lines of an SSE stream when stream is true.
	ExtractUsage(body []byte, stream bool) (Usage, bool)

	// Probe performs a lightweight authenticated request against base.
	Probe(ctx context.Context, client *http.Client, base string, cred Credential) error
}

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}
