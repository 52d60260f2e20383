// Package billing settles a relayed request once its response is complete:
// token usage is extracted and normalized per provider type, priced against
// the billing model, charged to the cost windows, the session is bound to
// the serving provider and the audit record is written exactly once.
package billing

import (
	"context"
	"log/slog"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/affinity"
	"github.com/nulpointcorp/llm-relay/internal/audit"
	"github.com/nulpointcorp/llm-relay/internal/metrics"
	"github.com/nulpointcorp/llm-relay/internal/pricing"
	"github.com/nulpointcorp/llm-relay/internal/providers"
	"github.com/nulpointcorp/llm-relay/internal/ratelimit"
	"github.com/nulpointcorp/llm-relay/internal/session"
)

// Skip reasons reported to metrics when no cost is written.
const (
	SkipNoUsage          = "no_usage"
	SkipPriceUnavailable = "price_unavailable"
	SkipPriceLookupError = "price_lookup_error"
)

// PriceFinder looks up the current price of a model. A nil price with a nil
// error means the model is unknown.
type PriceFinder interface {
	FindLatestPrice(ctx context.Context, model string) (*pricing.Price, error)
}

// Resyncer schedules an asynchronous price table refresh.
type Resyncer interface {
	RequestResync() bool
}

// CostTracker charges a settled cost to the limit windows.
type CostTracker interface {
	TrackCost(ctx context.Context, keyID, providerID int64, sessionID string, cost float64, opts ratelimit.TrackOptions) error
}

// Recorder persists audit records.
type Recorder interface {
	Record(rec audit.Record)
}

// Config configures a Biller.
type Config struct {
	// ModelSource is session.BillingOriginal or session.BillingRedirected.
	ModelSource string
	// AffinityTTL is how long a session stays bound to its provider.
	AffinityTTL time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Registry
}

// Biller settles requests. Every dependency except prices may be nil.
type Biller struct {
	prices   PriceFinder
	resync   Resyncer
	costs    CostTracker
	affinity affinity.Store
	audit    Recorder
	cfg      Config
	log      *slog.Logger
}

// New returns a Biller.
func New(prices PriceFinder, resync Resyncer, costs CostTracker, aff affinity.Store, rec Recorder, cfg Config) *Biller {
	if cfg.ModelSource == "" {
		cfg.ModelSource = session.BillingOriginal
	}
	if cfg.AffinityTTL <= 0 {
		cfg.AffinityTTL = affinity.DefaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Biller{
		prices:   prices,
		resync:   resync,
		costs:    costs,
		affinity: aff,
		audit:    rec,
		cfg:      cfg,
		log:      cfg.Logger,
	}
}

// Outcome is the result of settling one request.
type Outcome struct {
	Usage      providers.Usage
	Model      string
	Cost       float64
	Priced     bool
	SkipReason string
}

// Settle bills a completed upstream response. body is the full response
// body, or the captured SSE stream when the session streamed.
func (b *Biller) Settle(ctx context.Context, s *session.Session, h providers.Handler, status int, body []byte) Outcome {
	p := s.Provider()
	out := Outcome{Model: s.BillingModel(func() string { return b.cfg.ModelSource })}

	usage, found := h.ExtractUsage(body, s.Stream)
	if found {
		out.Usage = Normalize(h.Type(), usage)
	}

	switch {
	case !found || out.Usage.Empty():
		out.SkipReason = SkipNoUsage
	default:
		out.Cost, out.Priced, out.SkipReason = b.price(ctx, s, p, out)
	}

	if out.SkipReason != "" {
		b.cfg.Metrics.RecordBillingSkipped(out.SkipReason)
	}
	if p != nil {
		// The inbound format stands in for the route; Gemini paths embed the
		// client's model name.
		b.cfg.Metrics.AddTokens(string(p.Type), string(s.Format), out.Usage.InputTokens, out.Usage.OutputTokens)
	}

	if out.Priced && b.costs != nil && p != nil {
		err := b.costs.TrackCost(ctx, s.Auth().KeyID(), p.ID, s.SessionID(), out.Cost, ratelimit.TrackOptions{
			RequestID:      s.RequestID,
			KeyLimits:      keyLimits(s),
			ProviderLimits: p.Limits,
		})
		if err != nil {
			b.log.WarnContext(ctx, "cost_tracking_failed",
				slog.String("request_id", s.RequestID),
				slog.String("error", err.Error()),
			)
		}
		b.cfg.Metrics.AddCost(string(p.Type), out.Cost)
	}

	if b.affinity != nil && p != nil && s.SessionID() != "" && status < 400 {
		if err := b.affinity.Set(ctx, s.SessionID(), p.ID, b.cfg.AffinityTTL); err != nil {
			b.log.WarnContext(ctx, "affinity_write_failed",
				slog.String("request_id", s.RequestID),
				slog.String("error", err.Error()),
			)
		}
	}

	b.persist(s, status, out, "")
	return out
}

// price resolves the billing model's price and computes the cost. A missing
// price never blocks: it schedules a resync and skips the cost write.
func (b *Biller) price(ctx context.Context, s *session.Session, p *providers.Provider, out Outcome) (float64, bool, string) {
	price, err := s.LookupPrice(out.Model, func(model string) (*pricing.Price, error) {
		return b.prices.FindLatestPrice(ctx, model)
	})
	if err != nil {
		b.log.WarnContext(ctx, "price_lookup_failed",
			slog.String("request_id", s.RequestID),
			slog.String("model", out.Model),
			slog.String("error", err.Error()),
		)
		return 0, false, SkipPriceLookupError
	}
	if price.Empty() {
		scheduled := b.resync != nil && b.resync.RequestResync()
		if b.resync != nil && !scheduled {
			b.cfg.Metrics.RecordPriceResync("throttled")
		}
		b.log.InfoContext(ctx, "price_unavailable",
			slog.String("request_id", s.RequestID),
			slog.String("model", out.Model),
			slog.Bool("resync_scheduled", scheduled),
		)
		return 0, false, SkipPriceUnavailable
	}

	cost := price.Cost(out.Usage)
	if p != nil {
		cost *= p.Multiplier()
	}
	return cost, true, ""
}

// Fail writes the audit record for a request that produced no billable
// response.
func (b *Biller) Fail(s *session.Session, status int, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	b.persist(s, status, Outcome{Model: s.OriginalModel()}, msg)
}

func (b *Biller) persist(s *session.Session, status int, out Outcome, errMsg string) {
	if b.audit == nil || !s.MarkPersisted() {
		return
	}
	rec := audit.Record{
		RequestID:       s.RequestID,
		SessionID:       s.SessionID(),
		KeyID:           s.Auth().KeyID(),
		Format:          s.Format,
		Method:          s.Method,
		Path:            s.Path,
		Stream:          s.Stream,
		EndpointID:      s.EndpointID(),
		OriginalModel:   s.OriginalModel(),
		Model:           s.CurrentModel(),
		BillingModel:    out.Model,
		Status:          status,
		Error:           errMsg,
		DurationMs:      time.Since(s.StartedAt).Milliseconds(),
		Usage:           out.Usage,
		CostUSD:         out.Cost,
		Priced:          out.Priced,
		Chain:           s.Chain(),
		SpecialSettings: s.SpecialSettings(),
	}
	if p := s.Provider(); p != nil {
		rec.ProviderID = p.ID
		rec.ProviderName = p.Name
		rec.ProviderType = p.Type
	}
	b.audit.Record(rec)
}

func keyLimits(s *session.Session) providers.Limits {
	if k := s.Auth().Key; k != nil {
		return k.Limits
	}
	return providers.Limits{}
}

// Normalize converts vendor usage into the billing convention: input tokens
// exclude cache reads and output tokens include reasoning.
func Normalize(t providers.Type, u providers.Usage) providers.Usage {
	switch t {
	case providers.TypeCodex, providers.TypeOpenAICompatible:
		u.InputTokens = subtract(u.InputTokens, u.CacheReadInputTokens)
	case providers.TypeGemini, providers.TypeGeminiCLI:
		u.InputTokens = subtract(u.InputTokens, u.CacheReadInputTokens)
		u.OutputTokens += u.ReasoningTokens
	}
	return u
}

func subtract(a, b int64) int64 {
	if a < b {
		return 0
	}
	return a - b
}
