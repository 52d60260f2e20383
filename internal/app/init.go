package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/llm-relay/internal/affinity"
	"github.com/nulpointcorp/llm-relay/internal/audit"
	"github.com/nulpointcorp/llm-relay/internal/billing"
	"github.com/nulpointcorp/llm-relay/internal/breaker"
	"github.com/nulpointcorp/llm-relay/internal/config"
	"github.com/nulpointcorp/llm-relay/internal/credentials"
	"github.com/nulpointcorp/llm-relay/internal/forwarder"
	"github.com/nulpointcorp/llm-relay/internal/metrics"
	"github.com/nulpointcorp/llm-relay/internal/pricing"
	"github.com/nulpointcorp/llm-relay/internal/providers/catalog"
	"github.com/nulpointcorp/llm-relay/internal/proxy"
	"github.com/nulpointcorp/llm-relay/internal/ratelimit"
	"github.com/nulpointcorp/llm-relay/internal/selector"
	"github.com/nulpointcorp/llm-relay/internal/transport"
)

// initInfra establishes optional external connections.
// Redis backs shared affinity and the RPM and cost limiters.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Redis.URL != "" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initCatalog loads providers, endpoints and client keys and builds the
// per-provider collaborators.
func (a *App) initCatalog(_ context.Context) error {
	store, err := catalog.Open(a.cfg.CatalogFile)
	if err != nil {
		return err
	}
	a.catalog = store

	snap := store.Snapshot()
	a.log.Info("catalog loaded",
		slog.String("path", a.cfg.CatalogFile),
		slog.Int("providers", len(snap.Providers())),
		slog.Int("endpoints", len(store.AllEndpoints())),
	)

	a.breakers = breaker.NewSet(breaker.SetConfig{
		Provider:      breakerConfig(a.cfg.Breakers.Provider),
		Endpoint:      breakerConfig(a.cfg.Breakers.Endpoint),
		VendorType:    breakerConfig(a.cfg.Breakers.VendorType),
		TimeoutWindow: a.cfg.Breakers.VendorTimeoutWindow,
	}, breaker.WithObserver(func(tier, key string, to breaker.State) {
		a.prom.SetBreakerState(tier, key, int64(to))
		a.log.Info("breaker_transition",
			slog.String("tier", tier),
			slog.String("key", key),
			slog.String("state", to.String()),
		)
	}))

	a.creds = credentials.NewResolver(credentials.Config{
		TokenURL: a.cfg.OAuth.TokenURL,
		ClientID: a.cfg.OAuth.ClientID,
	})

	// Edited providers get a fresh token source on their next request.
	store.OnReload(func(s *catalog.Snapshot) {
		for _, p := range s.Providers() {
			a.creds.Invalidate(p.ID)
		}
	})

	a.pool = transport.NewPool(transport.DefaultConfig())

	return nil
}

// initServices creates affinity, the limiters, the price table and the
// audit recorder.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Affinity.Mode {
	case "redis":
		a.affinity = affinity.NewRedisStore(a.rdb, a.cfg.Forwarding.SelectorLookupTimeout)
		a.log.Info("affinity backend: redis")
	case "memory":
		a.memAff = affinity.NewMemoryStore(a.baseCtx)
		a.affinity = a.memAff
		a.log.Info("affinity backend: memory (in-process)")
	default:
		return fmt.Errorf("unknown affinity mode: %s", a.cfg.Affinity.Mode)
	}

	// Limits need shared counters; without Redis they are not enforced.
	if a.rdb != nil {
		a.costs = ratelimit.NewCostLimiter(a.rdb, a.log)
		if a.cfg.RateLimit.RPMLimit > 0 {
			a.rpm = ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit)
			a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
		}
	} else {
		a.log.Warn("redis not configured: cost and rpm limits disabled")
	}

	prices, err := pricing.Open(a.cfg.Pricing.DBPath)
	if err != nil {
		return err
	}
	a.prices = prices

	a.syncer = pricing.NewSyncer(prices, pricing.SyncerConfig{
		URL:         a.cfg.Pricing.SyncURL,
		MinInterval: a.cfg.Pricing.ResyncInterval,
		Logger:      a.log,
	})
	a.syncer.OnResync = func() { a.prom.RecordPriceResync("scheduled") }
	if err := a.syncer.Start(a.baseCtx, a.cfg.Pricing.SyncSchedule); err != nil {
		return err
	}
	if n, err := prices.Count(ctx); err == nil && n == 0 {
		a.syncer.RequestResync()
	}

	sinks := []audit.Sink{audit.NewSlogSink(a.log)}
	if a.cfg.ClickHouseDSN != "" {
		ch, err := audit.OpenClickHouse(ctx, a.cfg.ClickHouseDSN)
		if err != nil {
			return err
		}
		a.clickhouse = ch
		sinks = append(sinks, ch)
		a.log.Info("audit sink: clickhouse")
	}
	rec, err := audit.New(a.baseCtx, a.log, sinks...)
	if err != nil {
		return err
	}
	a.recorder = rec

	return nil
}

// initGateway wires the selector, forwarder and biller into the gateway.
func (a *App) initGateway(_ context.Context) error {
	// Typed nils must not leak into the interfaces below.
	var limits selector.LimitChecker
	var costChecker proxy.CostChecker
	var costTracker billing.CostTracker
	if a.costs != nil {
		limits, costChecker, costTracker = a.costs, a.costs, a.costs
	}
	var rpm proxy.RateLimiter
	if a.rpm != nil {
		rpm = a.rpm
	}

	sel := selector.New(a.catalog, a.catalog, limits, a.affinity, a.breakers, selector.Config{
		LookupTimeout: a.cfg.Forwarding.SelectorLookupTimeout,
		Logger:        a.log,
	})

	fwd := forwarder.New(sel, a.breakers, a.pool, a.creds, forwarder.Config{
		MaxAttempts:       a.cfg.Forwarding.MaxAttempts,
		FirstByteTimeout:  a.cfg.Forwarding.FirstByteTimeout,
		UserAgentFallback: a.cfg.Forwarding.UserAgentFallback,
		InjectStreamUsage: a.cfg.Forwarding.InjectStreamUsage,
		Logger:            a.log,
		Metrics:           a.prom,
	})

	biller := billing.New(a.prices, a.syncer, costTracker, a.affinity, a.recorder, billing.Config{
		ModelSource: a.cfg.BillingModelSource,
		AffinityTTL: a.cfg.Affinity.TTL,
		Logger:      a.log,
		Metrics:     a.prom,
	})

	if a.cfg.ProbeInterval > 0 {
		pcfg := proxy.ProberConfig{
			Interval: a.cfg.ProbeInterval,
			Logger:   a.log,
			Metrics:  a.prom,
		}
		if a.rdb != nil {
			pcfg.Ready = redisReady(a.rdb)
		}
		a.prober = proxy.NewProber(a.baseCtx, a.catalog, a.pool, a.creds, pcfg)
	}

	a.gw = proxy.NewGateway(a.baseCtx, fwd, biller, proxy.GatewayOptions{
		Logger:          a.log,
		Metrics:         a.prom,
		Keys:            a.catalog,
		RateLimiter:     rpm,
		CostLimits:      costChecker,
		HeaderOverrides: a.cfg.HeaderOverrides,
		Breakers:        a.breakers,
		Prober:          a.prober,
		CORSOrigins:     a.cfg.CORSOrigins,
	})

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	return nil
}

func breakerConfig(t config.BreakerTier) breaker.Config {
	return breaker.Config{
		FailureThreshold:  t.Threshold,
		OpenDuration:      t.OpenDuration,
		HalfOpenSuccesses: t.HalfOpenSuccesses,
		HalfOpenTrials:    t.HalfOpenTrials,
	}
}
