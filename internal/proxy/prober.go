package proxy

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/llm-relay/internal/forwarder"
	"github.com/nulpointcorp/llm-relay/internal/metrics"
	"github.com/nulpointcorp/llm-relay/internal/providers"
	"github.com/nulpointcorp/llm-relay/internal/transport"
)

const (
	defaultProbeInterval    = 30 * time.Second
	defaultProbeTimeout     = 5 * time.Second
	defaultProbeConcurrency = 8
)

var errNoProbeProvider = errors.New("prober: no enabled provider for endpoint")

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "down"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// EndpointCatalog is the part of the catalog the prober reads and writes.
// *catalog.Store satisfies it.
type EndpointCatalog interface {
	Providers(ctx context.Context) ([]*providers.Provider, error)
	AllEndpoints() []providers.Endpoint
	RecordProbe(r providers.ProbeResult)
}

// ClientPool hands out upstream clients. *transport.Pool satisfies it.
type ClientPool interface {
	Acquire(ctx context.Context, rawURL, proxyURL string, proto transport.Protocol) (*transport.Handle, error)
}

// CredentialResolver resolves the credential used to authenticate probes.
type CredentialResolver interface {
	Resolve(ctx context.Context, p *providers.Provider) (providers.Credential, error)
}

// ProberConfig tunes a Prober. Zero values use the defaults.
type ProberConfig struct {
	// Interval is the probe period. A negative value disables the
	// background loop; the initial probe still runs.
	Interval    time.Duration
	Timeout     time.Duration
	Concurrency int

	// Ready checks a shared dependency such as Redis for GET /readiness.
	// Nil means not configured.
	Ready func(ctx context.Context) error

	// HandlerFor resolves vendor handlers. Defaults to forwarder.HandlerFor.
	HandlerFor func(providers.Type) (providers.Handler, error)

	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// Prober runs background endpoint probes through each vendor handler and
// exposes the latest results.
type Prober struct {
	catalog EndpointCatalog
	pool    ClientPool
	creds   CredentialResolver
	cfg     ProberConfig
	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry

	mu        sync.RWMutex
	endpoints map[int64]*componentStatus
	depStatus componentStatus

	startTime time.Time
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewProber creates a Prober, runs the first probe synchronously and starts
// the background loop.
func NewProber(ctx context.Context, cat EndpointCatalog, pool ClientPool, creds CredentialResolver, cfg ProberConfig) *Prober {
	if ctx == nil {
		panic("prober: context must not be nil")
	}
	if cfg.Interval == 0 {
		cfg.Interval = defaultProbeInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultProbeTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultProbeConcurrency
	}
	if cfg.HandlerFor == nil {
		cfg.HandlerFor = forwarder.HandlerFor
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	p := &Prober{
		catalog:   cat,
		pool:      pool,
		creds:     creds,
		cfg:       cfg,
		baseCtx:   ctx,
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
		endpoints: make(map[int64]*componentStatus),
		startTime: time.Now(),
		done:      make(chan struct{}),
	}

	// Run first probe synchronously so health is not "unknown" immediately.
	p.probe()

	if cfg.Interval > 0 {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

// HealthSnapshot returns the current health state for all components.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Endpoints     map[string]string `json:"endpoints"`
	Dependencies  string            `json:"dependencies"`
}

// Snapshot builds a snapshot from the latest probe results.
func (p *Prober) Snapshot() HealthSnapshot {
	overall := "ok"

	p.mu.RLock()
	endpoints := make(map[string]string, len(p.endpoints))
	for id, s := range p.endpoints {
		st := s.get()
		endpoints[strconv.FormatInt(id, 10)] = st
		if st != "ok" {
			overall = "degraded"
		}
	}
	p.mu.RUnlock()

	deps := p.depStatus.get()
	if deps == "down" {
		overall = "degraded"
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(p.startTime).Seconds()),
		Endpoints:     endpoints,
		Dependencies:  deps,
	}
}

// ReadinessOK reports whether shared dependencies are reachable (used by
// GET /readiness for Kubernetes probes). Endpoint health does not affect
// readiness; the breakers route around unhealthy endpoints.
func (p *Prober) ReadinessOK() bool {
	return p.depStatus.get() == "ok"
}

// Close stops the background probe goroutine.
func (p *Prober) Close() {
	close(p.done)
	p.wg.Wait()
}

func (p *Prober) run() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.probe()
		case <-p.done:
			return
		case <-p.baseCtx.Done():
			return
		}
	}
}

func (p *Prober) probe() {
	ctx, cancel := context.WithTimeout(p.baseCtx, p.cfg.Timeout)
	defer cancel()

	var all []*providers.Provider
	if p.catalog != nil {
		all, _ = p.catalog.Providers(ctx)
	}

	var endpoints []providers.Endpoint
	if p.catalog != nil {
		endpoints = p.catalog.AllEndpoints()
	}

	statuses := make(map[int64]*componentStatus, len(endpoints))
	p.mu.RLock()
	for _, e := range endpoints {
		if !e.Enabled {
			continue
		}
		st, ok := p.endpoints[e.ID]
		if !ok {
			st = &componentStatus{}
		}
		statuses[e.ID] = st
	}
	p.mu.RUnlock()
	p.mu.Lock()
	p.endpoints = statuses
	p.mu.Unlock()

	// Endpoint probes run in parallel, bounded by Concurrency.
	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for _, e := range endpoints {
		st, ok := statuses[e.ID]
		if !ok {
			continue
		}
		g.Go(func() error {
			p.probeEndpoint(ctx, e, probeProvider(all, e), st)
			return nil
		})
	}

	// Dependency probe: nil means "not configured" → ok.
	g.Go(func() error {
		if p.cfg.Ready == nil || p.cfg.Ready(ctx) == nil {
			p.depStatus.set("ok")
		} else {
			p.depStatus.set("down")
		}
		return nil
	})

	_ = g.Wait()
}

func (p *Prober) probeEndpoint(ctx context.Context, e providers.Endpoint, prov *providers.Provider, st *componentStatus) {
	start := time.Now()
	err := p.check(ctx, e, prov)
	if errors.Is(err, errNoProbeProvider) {
		st.set("unknown")
		return
	}

	ok := err == nil
	p.catalog.RecordProbe(providers.ProbeResult{
		EndpointID: e.ID,
		OK:         ok,
		Latency:    time.Since(start),
		At:         start,
	})
	p.metrics.SetEndpointHealth(strconv.FormatInt(e.ID, 10), string(e.Type), ok)
	if ok {
		st.set("ok")
		return
	}
	st.set("degraded")
	p.log.Warn("endpoint_probe_failed",
		slog.Int64("endpoint_id", e.ID),
		slog.String("provider_type", string(e.Type)),
		slog.String("error", err.Error()),
	)
}

func (p *Prober) check(ctx context.Context, e providers.Endpoint, prov *providers.Provider) error {
	if prov == nil {
		return errNoProbeProvider
	}
	h, err := p.cfg.HandlerFor(e.Type)
	if err != nil {
		return err
	}
	var cred providers.Credential
	if p.creds != nil {
		if cred, err = p.creds.Resolve(ctx, prov); err != nil {
			return err
		}
	}
	handle, err := p.pool.Acquire(ctx, e.URL, prov.ProxyURL, transport.ParseProtocol(prov.Protocol))
	if err != nil {
		return err
	}
	return h.Probe(ctx, handle.Client, e.URL, cred)
}

// probeProvider returns the first enabled provider that can authenticate
// against e.
func probeProvider(all []*providers.Provider, e providers.Endpoint) *providers.Provider {
	for _, p := range all {
		if p.Enabled && p.VendorID == e.VendorID && p.Type == e.Type {
			return p
		}
	}
	return nil
}
