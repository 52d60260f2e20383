// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    external connections (Redis when configured)
//  2. initCatalog  provider catalog, breakers, credentials, client pool
//  3. initServices metrics, affinity, limiters, pricing, audit
//  4. initGateway  selector, forwarder, biller, prober and routes
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/llm-relay/internal/affinity"
	"github.com/nulpointcorp/llm-relay/internal/audit"
	"github.com/nulpointcorp/llm-relay/internal/breaker"
	"github.com/nulpointcorp/llm-relay/internal/config"
	"github.com/nulpointcorp/llm-relay/internal/credentials"
	"github.com/nulpointcorp/llm-relay/internal/metrics"
	"github.com/nulpointcorp/llm-relay/internal/pricing"
	"github.com/nulpointcorp/llm-relay/internal/providers/catalog"
	"github.com/nulpointcorp/llm-relay/internal/proxy"
	"github.com/nulpointcorp/llm-relay/internal/ratelimit"
	"github.com/nulpointcorp/llm-relay/internal/transport"
)

const shutdownTimeout = 15 * time.Second

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections; nil when not configured.
	rdb        *redis.Client
	clickhouse *audit.ClickHouseSink

	catalog  *catalog.Store
	breakers *breaker.Set
	creds    *credentials.Resolver
	pool     *transport.Pool

	prom     *metrics.Registry
	affinity affinity.Store
	memAff   *affinity.MemoryStore
	rpm      *ratelimit.RPMLimiter
	costs    *ratelimit.CostLimiter
	prices   *pricing.Store
	syncer   *pricing.Syncer
	recorder *audit.Recorder

	prober *proxy.Prober
	mgmt   *proxy.ManagementRoutes
	gw     *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"catalog", a.initCatalog},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and the catalog watcher and blocks until ctx
// is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)
	srv := a.gw.Server(a.mgmt)

	snap := a.catalog.Snapshot()
	a.log.Info("starting relay",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("affinity_mode", a.cfg.Affinity.Mode),
		slog.Int("providers", len(snap.Providers())),
		slog.Bool("redis", a.rdb != nil),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.ListenAndServe(addr)
	})

	g.Go(func() error {
		return a.catalog.Watch(gctx, catalog.DefaultDebounce, a.log)
	})

	g.Go(func() error {
		<-gctx.Done()
		return shutdown(srv)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// shutdown waits for open connections, including streams, to finish.
func shutdown(srv *fasthttp.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.ShutdownWithContext(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("app: shutdown: %w", err)
	}
	return nil
}

// Close releases all resources in reverse-init order. Safe to call more
// than once.
func (a *App) Close() {
	if a.prober != nil {
		a.prober.Close()
		a.prober = nil
	}
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			a.log.Error("audit close error", slog.String("error", err.Error()))
		}
		a.recorder = nil
	}
	if a.clickhouse != nil {
		if err := a.clickhouse.Close(); err != nil {
			a.log.Error("clickhouse close error", slog.String("error", err.Error()))
		}
		a.clickhouse = nil
	}
	if a.syncer != nil {
		a.syncer.Stop()
		a.syncer = nil
	}
	if a.prices != nil {
		if err := a.prices.Close(); err != nil {
			a.log.Error("pricing close error", slog.String("error", err.Error()))
		}
		a.prices = nil
	}
	if a.memAff != nil {
		a.memAff.Close()
		a.memAff = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisReady returns the readiness check used by the prober.
func redisReady(rdb *redis.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err()
	}
}

// redactURL hides the userinfo of a URL for logging.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}
