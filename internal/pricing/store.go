package pricing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// Store is the SQLite backed price table. Every change appends a row so the
// latest price per model is the newest row.
type Store struct {
	db *sql.DB

	findStmt *sql.Stmt
}

// Open opens (and creates) the price database at path. Use ":memory:" for an
// ephemeral table.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("pricing: db path cannot be empty")
	}
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)", path, 5000)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("pricing: open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pricing: init schema: %w", err)
	}
	s.findStmt, err = db.Prepare(`
		SELECT model, provider, input_per_token, output_per_token, cache_read_per_token,
		       cache_write_per_token, cache_write_1h_per_token, source, created_at
		FROM model_prices
		WHERE model = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("pricing: prepare: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS model_prices (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		model TEXT NOT NULL,
		provider TEXT NOT NULL DEFAULT '',
		input_per_token REAL NOT NULL DEFAULT 0,
		output_per_token REAL NOT NULL DEFAULT 0,
		cache_read_per_token REAL NOT NULL DEFAULT 0,
		cache_write_per_token REAL NOT NULL DEFAULT 0,
		cache_write_1h_per_token REAL NOT NULL DEFAULT 0,
		source TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_model_prices_model ON model_prices(model, created_at);
	`)
	return err
}

// FindLatestPrice returns the newest price for model, or nil when the table
// has none. A vendor prefix ("anthropic/claude-...") is tried without the
// prefix as well.
func (s *Store) FindLatestPrice(ctx context.Context, model string) (*Price, error) {
	candidates := []string{model}
	if i := strings.LastIndexByte(model, '/'); i >= 0 && i < len(model)-1 {
		candidates = append(candidates, model[i+1:])
	}
	for _, m := range candidates {
		p, err := s.find(ctx, m)
		if err != nil {
			return nil, err
		}
		if p != nil {
			return p, nil
		}
	}
	return nil, nil
}

func (s *Store) find(ctx context.Context, model string) (*Price, error) {
	var (
		p       Price
		created int64
	)
	err := s.findStmt.QueryRowContext(ctx, model).Scan(
		&p.Model, &p.Provider, &p.InputPerToken, &p.OutputPerToken, &p.CacheReadPerToken,
		&p.CacheWritePerToken, &p.CacheWrite1hPerToken, &p.Source, &created,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pricing: find %q: %w", model, err)
	}
	p.UpdatedAt = time.Unix(0, created).UTC()
	return &p, nil
}

// Upsert appends prices whose values differ from the latest stored row and
// returns how many rows were written.
func (s *Store) Upsert(ctx context.Context, prices []Price) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("pricing: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	find := tx.StmtContext(ctx, s.findStmt)
	insert, err := tx.PrepareContext(ctx, `
		INSERT INTO model_prices (model, provider, input_per_token, output_per_token, cache_read_per_token,
		                          cache_write_per_token, cache_write_1h_per_token, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("pricing: prepare insert: %w", err)
	}
	defer insert.Close()

	now := time.Now().UnixNano()
	written := 0
	for _, p := range prices {
		var cur Price
		var created int64
		err := find.QueryRowContext(ctx, p.Model).Scan(
			&cur.Model, &cur.Provider, &cur.InputPerToken, &cur.OutputPerToken, &cur.CacheReadPerToken,
			&cur.CacheWritePerToken, &cur.CacheWrite1hPerToken, &cur.Source, &created,
		)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return written, fmt.Errorf("pricing: lookup %q: %w", p.Model, err)
		case samePrice(cur, p):
			continue
		}

		if _, err := insert.ExecContext(ctx, p.Model, p.Provider, p.InputPerToken, p.OutputPerToken,
			p.CacheReadPerToken, p.CacheWritePerToken, p.CacheWrite1hPerToken, p.Source, now); err != nil {
			return written, fmt.Errorf("pricing: insert %q: %w", p.Model, err)
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("pricing: commit: %w", err)
	}
	return written, nil
}

func samePrice(a, b Price) bool {
	return a.InputPerToken == b.InputPerToken &&
		a.OutputPerToken == b.OutputPerToken &&
		a.CacheReadPerToken == b.CacheReadPerToken &&
		a.CacheWritePerToken == b.CacheWritePerToken &&
		a.CacheWrite1hPerToken == b.CacheWrite1hPerToken
}

// Count returns the number of distinct priced models.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT model) FROM model_prices`).Scan(&n)
	return n, err
}

// Close releases the database.
func (s *Store) Close() error {
	if s.findStmt != nil {
		s.findStmt.Close()
	}
	return s.db.Close()
}
