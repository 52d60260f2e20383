// Package proxy is the inbound HTTP surface of the relay.
//
// The Gateway accepts vendor-native requests (Claude Messages, Codex
// Responses, OpenAI chat completions, Gemini and Gemini CLI), authenticates
// the client key, applies rate and cost limits and header overrides, and
// hands the request session to the forwarder. Upstream responses are passed
// through unchanged; streams are relayed chunk by chunk and billed once they
// drain.
//
// Key design constraints:
//   - Request bodies are never translated between vendor formats.
//   - Rate limiter, cost limiter, prober and metrics are optional and nil-safe.
//   - Every request session is settled or failed exactly once.
package proxy

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/billing"
	"github.com/nulpointcorp/llm-relay/internal/breaker"
	"github.com/nulpointcorp/llm-relay/internal/config"
	"github.com/nulpointcorp/llm-relay/internal/forwarder"
	"github.com/nulpointcorp/llm-relay/internal/metrics"
	"github.com/nulpointcorp/llm-relay/internal/providers"
	"github.com/nulpointcorp/llm-relay/internal/ratelimit"
	"github.com/nulpointcorp/llm-relay/internal/session"
)

// Forwarder sends a session upstream. *forwarder.Forwarder satisfies it.
type Forwarder interface {
	Forward(ctx context.Context, s *session.Session) (*forwarder.Result, error)
}

// Biller settles finished requests. *billing.Biller satisfies it.
type Biller interface {
	Settle(ctx context.Context, s *session.Session, h providers.Handler, status int, body []byte) billing.Outcome
	Fail(s *session.Session, status int, err error)
}

// KeyStore resolves inbound client keys. *catalog.Store satisfies it.
type KeyStore interface {
	LookupKey(raw string) (*providers.ClientKey, bool)
}

// RateLimiter admits requests per client key. *ratelimit.RPMLimiter
// satisfies it.
type RateLimiter interface {
	Allow(ctx context.Context, keyID int64, keyLimit int) (bool, error)
}

// CostChecker reports whether a client key is inside its spend windows.
// *ratelimit.CostLimiter satisfies it.
type CostChecker interface {
	CheckLimits(ctx context.Context, scope ratelimit.Scope, id int64, limits providers.Limits) (ratelimit.Result, error)
	CheckTotalLimit(ctx context.Context, scope ratelimit.Scope, id int64, limitUSD float64, resetAt *time.Time) (ratelimit.TotalResult, error)
}

// GatewayOptions holds optional collaborators and tuning for a Gateway.
type GatewayOptions struct {
	// Logger is the structured logger for request events. Defaults to
	// slog.Default() when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection. When nil, metrics are disabled.
	Metrics *metrics.Registry

	// Keys authenticates client API keys. When nil every request is
	// accepted anonymously.
	Keys KeyStore

	RateLimiter RateLimiter
	CostLimits  CostChecker

	// HeaderOverrides are applied to every inbound request.
	HeaderOverrides []config.HeaderOverride

	// Breakers backs GET /internal/breakers.
	Breakers *breaker.Set

	// Prober backs /health and /readiness.
	Prober *Prober

	// CORSOrigins is the list of allowed CORS origins; ["*"] allows all.
	CORSOrigins []string
}

// Gateway is the inbound proxy. All dependencies are injected so they can be
// replaced with doubles in unit tests.
type Gateway struct {
	fwd     Forwarder
	biller  Biller
	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry

	keys      KeyStore
	rpm       RateLimiter
	costs     CostChecker
	overrides []config.HeaderOverride
	breakers  *breaker.Set
	prober    *Prober

	corsOrigins []string
}

// NewGateway creates a Gateway. baseCtx bounds work that outlives a
// request handler, such as settling a drained stream.
func NewGateway(baseCtx context.Context, fwd Forwarder, biller Biller, opts GatewayOptions) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		fwd:         fwd,
		biller:      biller,
		baseCtx:     baseCtx,
		log:         log,
		metrics:     opts.Metrics,
		keys:        opts.Keys,
		rpm:         opts.RateLimiter,
		costs:       opts.CostLimits,
		overrides:   opts.HeaderOverrides,
		breakers:    opts.Breakers,
		prober:      opts.Prober,
		corsOrigins: opts.CORSOrigins,
	}
}

// applyHeaderOverrides writes the configured overrides into the session's
// mutable headers and records each one that changed something.
func (g *Gateway) applyHeaderOverrides(s *session.Session) {
	for _, o := range g.overrides {
		key := http.CanonicalHeaderKey(o.Name)
		before, had := s.Header(key)
		if o.Remove {
			if !had {
				continue
			}
			delete(s.Headers, key)
		} else {
			if had && before == o.Value {
				continue
			}
			s.Headers[key] = []string{o.Value}
		}

		action := "set"
		if o.Remove {
			action = "remove"
		}
		s.AddSpecialSetting(session.SpecialSetting{
			Type:   session.SettingHeaderOverride,
			Scope:  "request",
			Hit:    true,
			Fields: map[string]string{"header": key, "action": action},
		})
	}
}
