package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const createTable = `CREATE TABLE IF NOT EXISTS relay_requests (
	id               UUID,
	request_id       String,
	session_id       String,
	key_id           Int64,
	format           LowCardinality(String),
	method           LowCardinality(String),
	path             String,
	stream           Bool,
	provider_id      Int64,
	provider_name    String,
	provider_type    LowCardinality(String),
	endpoint_id      Nullable(Int64),
	original_model   String,
	model            String,
	billing_model    String,
	status           UInt16,
	error            String,
	duration_ms      Int64,
	input_tokens     Int64,
	output_tokens    Int64,
	cache_read       Int64,
	cache_creation   Int64,
	cost_usd         Float64,
	priced           Bool,
	provider_chain   String,
	special_settings String,
	created_at       DateTime64(3, 'UTC')
) ENGINE = MergeTree
ORDER BY (created_at, request_id)`

const insertBatch = `INSERT INTO relay_requests`

// ClickHouseSink appends audit batches to the relay_requests table.
type ClickHouseSink struct {
	conn driver.Conn
}

// OpenClickHouse connects with dsn, pings and ensures the table exists.
func OpenClickHouse(ctx context.Context, dsn string) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: parse clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("audit: open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("audit: ping clickhouse: %w", err)
	}
	if err := conn.Exec(ctx, createTable); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("audit: create table: %w", err)
	}
	return &ClickHouseSink{conn: conn}, nil
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) Write(ctx context.Context, batch []Record) error {
	b, err := s.conn.PrepareBatch(ctx, insertBatch)
	if err != nil {
		return fmt.Errorf("audit: prepare batch: %w", err)
	}
	for _, rec := range batch {
		row, err := columns(rec)
		if err != nil {
			_ = b.Abort()
			return err
		}
		if err := b.Append(row...); err != nil {
			_ = b.Abort()
			return fmt.Errorf("audit: append: %w", err)
		}
	}
	if err := b.Send(); err != nil {
		return fmt.Errorf("audit: send batch: %w", err)
	}
	return nil
}

// Close releases the connection.
func (s *ClickHouseSink) Close() error { return s.conn.Close() }

// columns flattens rec in table column order.
func columns(rec Record) ([]any, error) {
	chain, err := json.Marshal(rec.Chain)
	if err != nil {
		return nil, fmt.Errorf("audit: encode chain: %w", err)
	}
	settings, err := json.Marshal(rec.SpecialSettings)
	if err != nil {
		return nil, fmt.Errorf("audit: encode special settings: %w", err)
	}
	return []any{
		rec.ID,
		rec.RequestID,
		rec.SessionID,
		rec.KeyID,
		string(rec.Format),
		rec.Method,
		rec.Path,
		rec.Stream,
		rec.ProviderID,
		rec.ProviderName,
		string(rec.ProviderType),
		rec.EndpointID,
		rec.OriginalModel,
		rec.Model,
		rec.BillingModel,
		uint16(rec.Status),
		rec.Error,
		rec.DurationMs,
		rec.Usage.InputTokens,
		rec.Usage.OutputTokens,
		rec.Usage.CacheReadInputTokens,
		rec.Usage.CacheCreationInputTokens,
		rec.CostUSD,
		rec.Priced,
		string(chain),
		string(settings),
		rec.CreatedAt,
	}, nil
}
