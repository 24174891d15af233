// Package backend provides remote event-store adapters: Postgres for
// SQL deployments and Redis for key-value deployments.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/keystonehq/keystone-go/keystone"
)

// Schema statements run one at a time; pgx's extended protocol does
// not accept multi-statement strings.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS keystone_events (
		id        UUID PRIMARY KEY,
		user_id   TEXT NOT NULL,
		category  TEXT NOT NULL,
		ts        DOUBLE PRECISION NOT NULL,
		doc       JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS keystone_events_ts_idx ON keystone_events (ts)`,
}

// PostgresBackend stores raw events in a keystone_events table through
// a pgx pool. Inserts are idempotent on the event id.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend connects a pool and ensures the schema exists.
func NewPostgresBackend(ctx context.Context, dsn string) (*PostgresBackend, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to create events schema: %w", err)
		}
	}
	return &PostgresBackend{pool: pool}, nil
}

// NewPostgresBackendWithPool wraps an existing pool. The schema is
// assumed present.
func NewPostgresBackendWithPool(pool *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{pool: pool}
}

const insertEvent = `
INSERT INTO keystone_events (id, user_id, category, ts, doc)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO NOTHING
`

// PersistEvent durably writes one event.
func (b *PostgresBackend) PersistEvent(ctx context.Context, e *keystone.Event) error {
	doc, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = b.pool.Exec(ctx, insertEvent,
		e.ID, e.UserID, e.Category, epochSeconds(e.Timestamp), doc)
	if err != nil {
		return fmt.Errorf("persist event %s: %w", e.ID, err)
	}
	return nil
}

// PersistEvents writes a batch in one round trip.
func (b *PostgresBackend) PersistEvents(ctx context.Context, events []*keystone.Event) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range events {
		doc, err := json.Marshal(e)
		if err != nil {
			return err
		}
		batch.Queue(insertEvent, e.ID, e.UserID, e.Category, epochSeconds(e.Timestamp), doc)
	}
	results := b.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range events {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("persist event batch: %w", err)
		}
	}
	return nil
}

// LoadEvents returns the events whose timestamps lie within the
// interval inclusive, sorted ascending.
func (b *PostgresBackend) LoadEvents(ctx context.Context, interval keystone.Interval, status keystone.BackendStatusFunc) ([]*keystone.Event, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT doc FROM keystone_events WHERE ts >= $1 AND ts <= $2 ORDER BY ts`,
		epochSeconds(interval.Start), epochSeconds(interval.End))
	if err != nil {
		return nil, fmt.Errorf("query events %s: %w", interval, err)
	}
	defer rows.Close()

	var docs [][]byte
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read events %s: %w", interval, err)
	}
	if status != nil {
		status(keystone.BackendStatus{Kind: keystone.BackendFetchedRecords, Count: len(docs)})
	}

	events := make([]*keystone.Event, 0, len(docs))
	for i, doc := range docs {
		var e keystone.Event
		if err := json.Unmarshal(doc, &e); err != nil {
			return nil, fmt.Errorf("decode event record: %w", err)
		}
		events = append(events, &e)
		if status != nil {
			status(keystone.BackendStatus{
				Kind:     keystone.BackendProcessingRecords,
				Progress: float64(i+1) / float64(len(docs)),
			})
		}
	}
	if status != nil {
		status(keystone.BackendStatus{Kind: keystone.BackendReady})
	}
	return events, nil
}

// LoadAllEvents returns the entire store.
func (b *PostgresBackend) LoadAllEvents(ctx context.Context, status keystone.BackendStatusFunc) ([]*keystone.Event, error) {
	return b.LoadEvents(ctx, keystone.AllTime(), status)
}

// Close releases the pool.
func (b *PostgresBackend) Close() {
	b.pool.Close()
}

func epochSeconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/float64(time.Second)
}
