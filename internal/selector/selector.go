// Package selector picks the upstream provider and the ranked endpoint list
// for one forwarding attempt.
//
// Selection order:
//  1. session affinity, when the affine provider is still usable;
//  2. the eligible set (enabled, format compatible, supports the original
//     model, within cost limits, breakers closed, not yet attempted);
//  3. the lowest priority tier, weighted random inside it.
//
// The chosen provider's provider-tier and vendor-type breaker slots are
// claimed before Select returns. The caller either records an outcome for
// them or hands the candidate back through Release.
package selector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/affinity"
	"github.com/nulpointcorp/llm-relay/internal/breaker"
	"github.com/nulpointcorp/llm-relay/internal/providers"
	"github.com/nulpointcorp/llm-relay/internal/ratelimit"
	"github.com/nulpointcorp/llm-relay/internal/session"
)

// ErrNoEligibleCandidate is returned when no provider can serve the request.
var ErrNoEligibleCandidate = errors.New("selector: no eligible provider")

// DefaultLookupTimeout bounds the affinity and endpoint lookups.
const DefaultLookupTimeout = 200 * time.Millisecond

// ProviderSource lists configured providers.
type ProviderSource interface {
	Providers(ctx context.Context) ([]*providers.Provider, error)
}

// EndpointSource lists the endpoints of one (vendor, type) pair.
type EndpointSource interface {
	Endpoints(ctx context.Context, vendorID int64, typ providers.Type) ([]providers.Endpoint, error)
}

// LimitChecker reports whether a provider is still inside its cost windows.
type LimitChecker interface {
	CheckLimits(ctx context.Context, scope ratelimit.Scope, id int64, limits providers.Limits) (ratelimit.Result, error)
	CheckTotalLimit(ctx context.Context, scope ratelimit.Scope, id int64, limitUSD float64, resetAt *time.Time) (ratelimit.TotalResult, error)
}

// Request describes what the caller needs a provider for.
type Request struct {
	RequestID     string
	Format        providers.Format
	OriginalModel string
	CurrentModel  string
	SessionID     string
	// Exclude holds providers already attempted for this request.
	Exclude map[int64]struct{}
}

// Route is one concrete upstream base URL. EndpointID is nil for the
// provider's legacy URL.
type Route struct {
	EndpointID *int64
	URL        string
}

// Candidate is the selected provider with its ranked routes.
type Candidate struct {
	Provider *providers.Provider
	Routes   []Route
	// EnabledEndpoints lists every enabled endpoint id of the vendor type,
	// used to decide when all of them have timed out.
	EnabledEndpoints []int64
	// Selection is session.SelectionAffinity or session.SelectionWeighted.
	Selection string
}

// Config tunes a Selector.
type Config struct {
	LookupTimeout time.Duration
	// IntN returns a uniform value in [0, n). Defaults to math/rand/v2.
	IntN   func(n int) int
	Logger *slog.Logger
}

// Selector implements provider and endpoint selection.
type Selector struct {
	providers ProviderSource
	endpoints EndpointSource
	limits    LimitChecker
	affinity  affinity.Store
	breakers  *breaker.Set

	lookupTimeout time.Duration
	intN          func(int) int
	log           *slog.Logger
}

// New builds a Selector. limits and aff may be nil.
func New(ps ProviderSource, es EndpointSource, limits LimitChecker, aff affinity.Store, breakers *breaker.Set, cfg Config) *Selector {
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = DefaultLookupTimeout
	}
	if cfg.IntN == nil {
		cfg.IntN = rand.IntN
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Selector{
		providers:     ps,
		endpoints:     es,
		limits:        limits,
		affinity:      aff,
		breakers:      breakers,
		lookupTimeout: cfg.LookupTimeout,
		intN:          cfg.IntN,
		log:           cfg.Logger,
	}
}

// Select returns the next provider to try.
func (s *Selector) Select(ctx context.Context, req Request) (*Candidate, error) {
	all, err := s.providers.Providers(ctx)
	if err != nil {
		return nil, fmt.Errorf("selector: list providers: %w", err)
	}

	if c := s.affine(ctx, req, all); c != nil {
		return c, nil
	}

	var eligible []*providers.Provider
	for _, p := range all {
		if s.usable(ctx, req, p) {
			eligible = append(eligible, p)
		}
	}

	for len(eligible) > 0 {
		tier := lowestTier(eligible)
		for len(tier) > 0 {
			i := s.pickWeighted(tier)
			p := tier[i]
			tier = append(tier[:i:i], tier[i+1:]...)
			eligible = remove(eligible, p)

			if !s.claim(p) {
				continue
			}
			c := s.candidate(ctx, req, p, session.SelectionWeighted)
			if c == nil {
				s.release(p)
				continue
			}
			return c, nil
		}
	}
	return nil, ErrNoEligibleCandidate
}

// Release hands back the breaker slots claimed for c when no outcome will
// be recorded for it.
func (s *Selector) Release(c *Candidate) {
	if c == nil || c.Provider == nil {
		return
	}
	s.release(c.Provider)
}

func (s *Selector) affine(ctx context.Context, req Request, all []*providers.Provider) *Candidate {
	if s.affinity == nil || req.SessionID == "" {
		return nil
	}
	lctx, cancel := context.WithTimeout(ctx, s.lookupTimeout)
	id, ok := s.affinity.Get(lctx, req.SessionID)
	cancel()
	if !ok {
		return nil
	}

	var p *providers.Provider
	for _, cand := range all {
		if cand.ID == id {
			p = cand
			break
		}
	}
	if p == nil || !p.SupportsModel(req.CurrentModel) || !s.usable(ctx, req, p) {
		return nil
	}
	if !s.claim(p) {
		return nil
	}
	c := s.candidate(ctx, req, p, session.SelectionAffinity)
	if c == nil {
		s.release(p)
		return nil
	}
	s.log.DebugContext(ctx, "session_affinity_hit",
		slog.String("request_id", req.RequestID),
		slog.String("session_id", req.SessionID),
		slog.Int64("provider_id", p.ID),
	)
	return c
}

// usable applies every non-claiming eligibility filter.
func (s *Selector) usable(ctx context.Context, req Request, p *providers.Provider) bool {
	if !p.Enabled || !p.Type.Serves(req.Format) {
		return false
	}
	if _, tried := req.Exclude[p.ID]; tried {
		return false
	}
	if !p.SupportsModel(req.OriginalModel) {
		return false
	}
	if s.breakers != nil {
		if !s.breakers.Providers.Allows(breaker.ProviderKey(p.ID)) {
			return false
		}
		if !s.breakers.VendorTypes.Allows(breaker.VendorTypeKey(p.VendorID, string(p.Type))) {
			return false
		}
	}
	return s.withinLimits(ctx, req, p)
}

func (s *Selector) withinLimits(ctx context.Context, req Request, p *providers.Provider) bool {
	if s.limits == nil {
		return true
	}
	if p.Limits.HasWindowLimits() {
		res, err := s.limits.CheckLimits(ctx, ratelimit.ScopeProvider, p.ID, p.Limits)
		if err != nil {
			s.log.WarnContext(ctx, "provider_limit_check_failed",
				slog.String("request_id", req.RequestID),
				slog.Int64("provider_id", p.ID),
				slog.String("error", err.Error()),
			)
		} else if !res.Allowed {
			s.log.InfoContext(ctx, "provider_over_limit",
				slog.String("request_id", req.RequestID),
				slog.Int64("provider_id", p.ID),
				slog.String("window", res.Reason),
			)
			return false
		}
	}
	if p.Limits.TotalUSD > 0 {
		res, err := s.limits.CheckTotalLimit(ctx, ratelimit.ScopeProvider, p.ID, p.Limits.TotalUSD, p.Limits.TotalResetAt)
		if err != nil {
			s.log.WarnContext(ctx, "provider_total_limit_check_failed",
				slog.String("request_id", req.RequestID),
				slog.Int64("provider_id", p.ID),
				slog.String("error", err.Error()),
			)
		} else if !res.Allowed {
			s.log.InfoContext(ctx, "provider_over_limit",
				slog.String("request_id", req.RequestID),
				slog.Int64("provider_id", p.ID),
				slog.String("window", ratelimit.WindowTotal),
			)
			return false
		}
	}
	return true
}

// claim takes the provider and vendor-type half-open slots together.
func (s *Selector) claim(p *providers.Provider) bool {
	if s.breakers == nil {
		return true
	}
	pk := breaker.ProviderKey(p.ID)
	if !s.breakers.Providers.IsEligible(pk) {
		return false
	}
	if !s.breakers.VendorTypes.IsEligible(breaker.VendorTypeKey(p.VendorID, string(p.Type))) {
		s.breakers.Providers.Release(pk)
		return false
	}
	return true
}

func (s *Selector) release(p *providers.Provider) {
	if s.breakers == nil {
		return
	}
	s.breakers.Providers.Release(breaker.ProviderKey(p.ID))
	s.breakers.VendorTypes.Release(breaker.VendorTypeKey(p.VendorID, string(p.Type)))
}

// candidate resolves the ranked routes for p. It returns nil when p has
// neither a usable endpoint nor a legacy URL.
func (s *Selector) candidate(ctx context.Context, req Request, p *providers.Provider, selection string) *Candidate {
	c := &Candidate{Provider: p, Selection: selection}

	var eps []providers.Endpoint
	if s.endpoints != nil {
		lctx, cancel := context.WithTimeout(ctx, s.lookupTimeout)
		var err error
		eps, err = s.endpoints.Endpoints(lctx, p.VendorID, p.Type)
		cancel()
		if err != nil {
			s.log.WarnContext(ctx, "endpoint_lookup_failed",
				slog.String("request_id", req.RequestID),
				slog.Int64("provider_id", p.ID),
				slog.String("error", err.Error()),
			)
			eps = nil
		}
	}

	ranked := make([]providers.Endpoint, 0, len(eps))
	for _, e := range eps {
		if !e.Enabled {
			continue
		}
		c.EnabledEndpoints = append(c.EnabledEndpoints, e.ID)
		if s.breakers != nil && !s.breakers.Endpoints.Allows(breaker.EndpointKey(e.ID)) {
			continue
		}
		ranked = append(ranked, e)
	}
	RankEndpoints(ranked)

	for _, e := range ranked {
		id := e.ID
		c.Routes = append(c.Routes, Route{EndpointID: &id, URL: e.URL})
	}
	if len(c.Routes) == 0 {
		if p.URL == "" {
			s.log.WarnContext(ctx, "provider_without_route",
				slog.String("request_id", req.RequestID),
				slog.Int64("provider_id", p.ID),
			)
			return nil
		}
		c.Routes = []Route{{URL: p.URL}}
	}
	return c
}

// RankEndpoints orders endpoints probe-healthy first, then by sort order,
// then by last probe latency.
func RankEndpoints(eps []providers.Endpoint) {
	sort.SliceStable(eps, func(i, j int) bool {
		hi, hj := eps[i].ProbeHealthy(), eps[j].ProbeHealthy()
		if hi != hj {
			return hi
		}
		if eps[i].SortOrder != eps[j].SortOrder {
			return eps[i].SortOrder < eps[j].SortOrder
		}
		return eps[i].LastProbeLatency < eps[j].LastProbeLatency
	})
}

func lowestTier(ps []*providers.Provider) []*providers.Provider {
	best := ps[0].Priority
	for _, p := range ps[1:] {
		if p.Priority < best {
			best = p.Priority
		}
	}
	var tier []*providers.Provider
	for _, p := range ps {
		if p.Priority == best {
			tier = append(tier, p)
		}
	}
	return tier
}

func (s *Selector) pickWeighted(ps []*providers.Provider) int {
	if len(ps) == 1 {
		return 0
	}
	total := 0
	for _, p := range ps {
		total += p.EffectiveWeight()
	}
	n := s.intN(total)
	for i, p := range ps {
		n -= p.EffectiveWeight()
		if n < 0 {
			return i
		}
	}
	return len(ps) - 1
}

func remove(ps []*providers.Provider, target *providers.Provider) []*providers.Provider {
	out := ps[:0]
	for _, p := range ps {
		if p != target {
			out = append(out, p)
		}
	}
	return out
}
