// Package postgres implements persistence.Store on a jsonb table with LISTEN/NOTIFY.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/meltica-realtime/internal/infra/persistence"
)

const (
	stateGetSQL = `SELECT value FROM state_cache WHERE key = $1;`
	stateSetSQL = `
INSERT INTO state_cache (key, value, updated_at)
VALUES ($1, $2::jsonb, NOW())
ON CONFLICT (key) DO UPDATE SET
    value = state_cache.value || EXCLUDED.value,
    updated_at = NOW();
`
	statePatternSQL = `SELECT key, value FROM state_cache WHERE key LIKE $1 ESCAPE '\' ORDER BY key;`
	notifySQL       = `SELECT pg_notify($1, $2);`
)

// Store persists state cache entries in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ persistence.Store = (*Store)(nil)

// New constructs a Store backed by the provided pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens a pool for dsn and registers pool gauges.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	ObservePoolMetrics(pool, "state_cache")
	return New(pool), nil
}

// Get reads the jsonb object stored at the scoped key.
func (s *Store) Get(ctx context.Context, key string, scope ...string) (map[string]any, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, stateGetSQL, persistence.Key(key, scope...)).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state cache get: %w", err)
	}
	return decodeObject(raw)
}

// Set merges value into the stored object with the jsonb concatenation operator.
func (s *Store) Set(ctx context.Context, key string, value map[string]any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("state cache encode: %w", err)
	}
	if _, err := s.pool.Exec(ctx, stateSetSQL, key, payload); err != nil {
		return fmt.Errorf("state cache set: %w", err)
	}
	return nil
}

// GetPattern returns every key starting with prefix.
func (s *Store) GetPattern(ctx context.Context, prefix string) (map[string]map[string]any, error) {
	rows, err := s.pool.Query(ctx, statePatternSQL, escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("state cache pattern: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[string]any)
	for rows.Next() {
		var (
			key string
			raw []byte
		)
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("state cache scan: %w", err)
		}
		value, err := decodeObject(raw)
		if err != nil {
			return nil, err
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("state cache rows: %w", err)
	}
	return out, nil
}

// Publish sends payload through pg_notify.
func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	if _, err := s.pool.Exec(ctx, notifySQL, channel, string(payload)); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

// Subscribe holds a dedicated connection in LISTEN until ctx is done.
func (s *Store) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", channel, err)
	}
	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		defer func() {
			_, _ = conn.Exec(context.Background(), "UNLISTEN *")
			conn.Release()
		}()
		for {
			notification, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				return
			}
			select {
			case out <- []byte(notification.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func decodeObject(raw []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("state cache decode: %w", err)
	}
	return out, nil
}

func escapeLike(prefix string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(prefix)
}
