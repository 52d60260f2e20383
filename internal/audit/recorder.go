// Package audit implements a non-blocking, batched request audit recorder.
//
// Records are written to an internal buffered channel and flushed in batches
// by a background goroutine, so auditing never blocks the proxy hot path.
// If the channel fills up, new records are dropped and counted in Dropped.
//
// Each flush is handed to every configured Sink: the slog sink writes one
// structured line per record, the ClickHouse sink appends the batch to the
// relay_requests table.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-relay/internal/providers"
	"github.com/nulpointcorp/llm-relay/internal/session"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
	sinkTimeout   = 10 * time.Second
)

// Record is the persisted outcome of one relayed request. Chain and
// SpecialSettings are stored exactly as the session recorded them.
type Record struct {
	ID        uuid.UUID
	RequestID string
	SessionID string
	KeyID     int64

	Format providers.Format
	Method string
	Path   string
	Stream bool

	ProviderID   int64
	ProviderName string
	ProviderType providers.Type
	EndpointID   *int64

	OriginalModel string
	Model         string
	BillingModel  string

	Status     int
	Error      string
	DurationMs int64

	Usage   providers.Usage
	CostUSD float64
	// Priced is false when no price record existed for BillingModel.
	Priced bool

	Chain           []session.ChainEntry
	SpecialSettings []session.SpecialSetting

	CreatedAt time.Time
}

// Sink persists one flushed batch.
type Sink interface {
	Name() string
	Write(ctx context.Context, batch []Record) error
}

// Recorder queues records and flushes them to its sinks.
type Recorder struct {
	ch        chan Record
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped atomic.Int64
	written atomic.Int64

	sinks   []Sink
	baseCtx context.Context
	log     *slog.Logger
}

// New starts a Recorder. Without sinks, records go to a SlogSink on log.
func New(ctx context.Context, log *slog.Logger, sinks ...Sink) (*Recorder, error) {
	if ctx == nil {
		return nil, fmt.Errorf("audit: context must not be nil")
	}
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	if len(sinks) == 0 {
		sinks = []Sink{NewSlogSink(log)}
	}

	r := &Recorder{
		ch:      make(chan Record, channelBuffer),
		done:    make(chan struct{}),
		sinks:   sinks,
		baseCtx: ctx,
		log:     log,
	}

	r.wg.Add(1)
	go r.run()

	return r, nil
}

// Record enqueues rec. It never blocks.
func (r *Recorder) Record(rec Record) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	select {
	case r.ch <- rec:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns the number of records lost to a full queue.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Written returns the number of records handed to the sinks.
func (r *Recorder) Written() int64 { return r.written.Load() }

// Close flushes queued records and stops the background goroutine.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
	return nil
}

func (r *Recorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Sinks run detached from baseCtx cancellation so the final flush on
		// shutdown still lands.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.baseCtx), sinkTimeout)
		for _, s := range r.sinks {
			if err := s.Write(ctx, batch); err != nil {
				r.log.Warn("audit_sink_failed",
					slog.String("sink", s.Name()),
					slog.Int("records", len(batch)),
					slog.String("error", err.Error()),
				)
			}
		}
		cancel()
		r.written.Add(int64(len(batch)))
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-r.ch:
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-r.done:
			for {
				select {
				case rec := <-r.ch:
					batch = append(batch, rec)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// SlogSink writes one structured log line per record.
type SlogSink struct {
	log *slog.Logger
}

// NewSlogSink returns a sink writing to log.
func NewSlogSink(log *slog.Logger) *SlogSink {
	return &SlogSink{log: log}
}

func (s *SlogSink) Name() string { return "slog" }

func (s *SlogSink) Write(ctx context.Context, batch []Record) error {
	for _, rec := range batch {
		attrs := []slog.Attr{
			slog.String("id", rec.ID.String()),
			slog.String("request_id", rec.RequestID),
			slog.String("session_id", rec.SessionID),
			slog.Int64("key_id", rec.KeyID),
			slog.String("format", string(rec.Format)),
			slog.String("path", rec.Path),
			slog.Bool("stream", rec.Stream),
			slog.Int64("provider_id", rec.ProviderID),
			slog.String("provider", rec.ProviderName),
			slog.String("original_model", rec.OriginalModel),
			slog.String("model", rec.Model),
			slog.Int("status", rec.Status),
			slog.Int64("duration_ms", rec.DurationMs),
			slog.Int64("input_tokens", rec.Usage.InputTokens),
			slog.Int64("output_tokens", rec.Usage.OutputTokens),
			slog.Float64("cost_usd", rec.CostUSD),
			slog.Bool("priced", rec.Priced),
			slog.Int("attempts", len(rec.Chain)),
			slog.Any("provider_chain", rec.Chain),
			slog.Any("special_settings", rec.SpecialSettings),
			slog.Time("created_at", rec.CreatedAt.UTC()),
		}
		if rec.Error != "" {
			attrs = append(attrs, slog.String("error", rec.Error))
		}
		s.log.LogAttrs(ctx, slog.LevelInfo, "request_audit", attrs...)
	}
	return nil
}
