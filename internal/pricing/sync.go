package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"
)

// DefaultSyncURL is the public LiteLLM price table.
const DefaultSyncURL = "https://raw.githubusercontent.com/BerriAI/litellm/main/model_prices_and_context_window.json"

// litellmEntry is one model in the LiteLLM table. Unknown fields are ignored.
type litellmEntry struct {
	Provider     string   `json:"litellm_provider"`
	Mode         string   `json:"mode"`
	Input        *float64 `json:"input_cost_per_token"`
	Output       *float64 `json:"output_cost_per_token"`
	CacheRead    *float64 `json:"cache_read_input_token_cost"`
	CacheWrite   *float64 `json:"cache_creation_input_token_cost"`
	CacheWrite1h *float64 `json:"cache_creation_input_token_cost_above_1hr"`
}

// Syncer refreshes the Store from a LiteLLM-format JSON document, on a cron
// schedule and on demand.
type Syncer struct {
	store       *Store
	url         string
	client      *http.Client
	minInterval time.Duration
	log         *slog.Logger
	now         func() time.Time

	group singleflight.Group
	cron  *cron.Cron

	mu          sync.Mutex
	lastRequest time.Time
	running     bool
	wg          sync.WaitGroup

	// OnResync is called each time an on-demand resync is scheduled.
	OnResync func()
}

// SyncerConfig configures a Syncer.
type SyncerConfig struct {
	URL string
	// MinInterval is the minimum gap between two on-demand resyncs.
	MinInterval time.Duration
	Client      *http.Client
	Logger      *slog.Logger
	Now         func() time.Time
}

// NewSyncer returns a Syncer writing into store.
func NewSyncer(store *Store, cfg SyncerConfig) *Syncer {
	if cfg.URL == "" {
		cfg.URL = DefaultSyncURL
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 5 * time.Minute
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Syncer{
		store:       store,
		url:         cfg.URL,
		client:      cfg.Client,
		minInterval: cfg.MinInterval,
		log:         cfg.Logger.With("component", "pricing.sync"),
		now:         cfg.Now,
		cron:        cron.New(),
	}
}

// Sync downloads the price table and stores changed rows. Concurrent calls
// share one download.
func (y *Syncer) Sync(ctx context.Context) (int, error) {
	v, err, _ := y.group.Do("sync", func() (any, error) {
		return y.sync(ctx)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (y *Syncer) sync(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, y.url, nil)
	if err != nil {
		return 0, fmt.Errorf("pricing: build request: %w", err)
	}
	resp, err := y.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("pricing: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return 0, fmt.Errorf("pricing: fetch: status %d", resp.StatusCode)
	}

	prices, err := ParseLiteLLM(resp.Body)
	if err != nil {
		return 0, err
	}
	n, err := y.store.Upsert(ctx, prices)
	if err != nil {
		return n, err
	}
	y.log.Info("price table synced", slog.Int("models", len(prices)), slog.Int("changed", n))
	return n, nil
}

// ParseLiteLLM decodes a LiteLLM model price document. Entries without any
// token price (images, sample_spec and the like) are skipped.
func ParseLiteLLM(r io.Reader) ([]Price, error) {
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("pricing: decode table: %w", err)
	}

	out := make([]Price, 0, len(raw))
	for model, msg := range raw {
		var e litellmEntry
		if err := json.Unmarshal(msg, &e); err != nil {
			continue
		}
		if e.Input == nil && e.Output == nil {
			continue
		}
		out = append(out, Price{
			Model:                model,
			Provider:             e.Provider,
			InputPerToken:        deref(e.Input),
			OutputPerToken:       deref(e.Output),
			CacheReadPerToken:    deref(e.CacheRead),
			CacheWritePerToken:   deref(e.CacheWrite),
			CacheWrite1hPerToken: deref(e.CacheWrite1h),
			Source:               "litellm",
		})
	}
	return out, nil
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

// RequestResync schedules a background sync unless one was requested within
// the minimum interval. It never blocks and reports whether a sync was
// scheduled.
func (y *Syncer) RequestResync() bool {
	y.mu.Lock()
	now := y.now()
	if !y.lastRequest.IsZero() && now.Sub(y.lastRequest) < y.minInterval {
		y.mu.Unlock()
		return false
	}
	y.lastRequest = now
	y.wg.Add(1)
	y.mu.Unlock()

	if y.OnResync != nil {
		y.OnResync()
	}

	go func() {
		defer y.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := y.Sync(ctx); err != nil {
			y.log.Warn("price resync failed", slog.String("error", err.Error()))
		}
	}()
	return true
}

// Start registers the periodic sync. An empty schedule disables it.
func (y *Syncer) Start(ctx context.Context, schedule string) error {
	y.mu.Lock()
	defer y.mu.Unlock()

	if schedule == "" {
		y.log.Info("price sync schedule not configured, skipping scheduler")
		return nil
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("pricing: invalid cron schedule %q: %w", schedule, err)
	}
	if _, err := y.cron.AddFunc(schedule, func() {
		if _, err := y.Sync(ctx); err != nil {
			y.log.Warn("scheduled price sync failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("pricing: schedule sync: %w", err)
	}

	y.cron.Start()
	y.running = true
	y.log.Info("price sync scheduler started", slog.String("schedule", schedule))
	return nil
}

// Stop halts the scheduler and waits for in-flight syncs.
func (y *Syncer) Stop() {
	y.mu.Lock()
	if y.running {
		<-y.cron.Stop().Done()
		y.running = false
	}
	y.mu.Unlock()
	y.wg.Wait()
}

// Wait blocks until every scheduled on-demand resync has finished.
func (y *Syncer) Wait() { y.wg.Wait() }
