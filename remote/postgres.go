package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	offlinecache "github.com/wolfeidau/offline-cache"
	"github.com/wolfeidau/offline-cache/syncer"
	"github.com/wolfeidau/offline-cache/telemetry"
)

// SourcePostgres labels direct database fetch metrics.
const SourcePostgres = "postgres"

var _ syncer.Remote = (*Postgres)(nil)

// Postgres reads tables straight from the conference database.
type Postgres struct {
	pool          *pgxpool.Pool
	schema        string
	updatedColumn string
	logger        *slog.Logger
}

// PostgresOption configures a Postgres remote.
type PostgresOption func(*Postgres)

// WithSchema sets the schema tables are read from. Default is "public".
func WithSchema(schema string) PostgresOption {
	return func(p *Postgres) {
		p.schema = schema
	}
}

// WithPostgresUpdatedColumn sets the column used by ProbeLastModified.
func WithPostgresUpdatedColumn(col string) PostgresOption {
	return func(p *Postgres) {
		p.updatedColumn = col
	}
}

// WithPostgresLogger sets the logger.
func WithPostgresLogger(logger *slog.Logger) PostgresOption {
	return func(p *Postgres) {
		p.logger = logger
	}
}

// NewPostgres connects a pool to dsn and verifies it with a ping.
func NewPostgres(ctx context.Context, dsn string, opts ...PostgresOption) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return NewPostgresFromPool(pool, opts...), nil
}

// NewPostgresFromPool wraps an existing pool.
func NewPostgresFromPool(pool *pgxpool.Pool, opts ...PostgresOption) *Postgres {
	p := &Postgres{
		pool:          pool,
		schema:        "public",
		updatedColumn: DefaultUpdatedColumn,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "remote", "source", SourcePostgres)
	return p
}

func (p *Postgres) ident(table string) string {
	return pgx.Identifier{p.schema, table}.Sanitize()
}

// FetchTable returns every row of table as a record.
func (p *Postgres) FetchTable(ctx context.Context, table string) (recs []offlinecache.Record, err error) {
	start := time.Now()
	var n int64
	defer func() {
		telemetry.RecordRemoteFetch(ctx, SourcePostgres, table, time.Since(start), n, outcome(ctx, err))
	}()

	rows, err := p.pool.Query(ctx, "SELECT row_to_json(t) FROM "+p.ident(table)+" t")
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", table, err)
	}
	defer rows.Close()

	recs = []offlinecache.Record{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", table, err)
		}
		n += int64(len(raw))
		var rec offlinecache.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decoding %s row: %w", table, err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", table, err)
	}
	p.logger.Debug("fetched table", "table", table, "rows", len(recs))
	return recs, nil
}

// ProbeLastModified returns max(updated column) of table, or the zero time
// for an empty table.
func (p *Postgres) ProbeLastModified(ctx context.Context, table string) (ts time.Time, err error) {
	start := time.Now()
	defer func() {
		telemetry.RecordRemoteFetch(ctx, SourcePostgres, table, time.Since(start), 0, outcome(ctx, err))
	}()

	col := pgx.Identifier{p.updatedColumn}.Sanitize()
	var latest *time.Time
	if err := p.pool.QueryRow(ctx, "SELECT max("+col+") FROM "+p.ident(table)).Scan(&latest); err != nil {
		return time.Time{}, fmt.Errorf("probing %s: %w", table, err)
	}
	if latest == nil {
		return time.Time{}, nil
	}
	return latest.UTC(), nil
}

// Close releases the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func outcome(ctx context.Context, err error) string {
	switch {
	case err == nil:
		return "success"
	case ctx.Err() != nil:
		return "canceled"
	default:
		return "error"
	}
}
