package cache

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
)

// Pool is the subset of pgxpool.Pool the backend needs; pgxmock satisfies
// it for tests.
type Pool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresBackend persists cache entries in Postgres, for deployments where
// several processes on one host share a cache.
type PostgresBackend struct {
	pool Pool
}

// NewPostgres connects a pool and runs the migration.
func NewPostgres(ctx context.Context, connString string) (*PostgresBackend, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, eris.Wrap(err, "cache: postgres connect")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "cache: postgres ping")
	}
	b := &PostgresBackend{pool: pool}
	if err := b.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return b, nil
}

// NewPostgresFromPool wraps an existing pool (tests inject pgxmock here).
func NewPostgresFromPool(pool Pool) *PostgresBackend {
	return &PostgresBackend{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS profile_cache (
	key       TEXT PRIMARY KEY,
	entry     JSONB NOT NULL,
	stored_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_profile_cache_stored_at ON profile_cache(stored_at);
`

func (b *PostgresBackend) migrate(ctx context.Context) error {
	_, err := b.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "cache: postgres migrate")
}

func (b *PostgresBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var entry []byte
	err := b.pool.QueryRow(ctx,
		`SELECT entry FROM profile_cache WHERE key = $1`, key,
	).Scan(&entry)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrapf(err, "cache: postgres get %s", key)
	}
	return entry, true, nil
}

func (b *PostgresBackend) Put(ctx context.Context, key string, data []byte, storedAt time.Time) error {
	_, err := b.pool.Exec(ctx,
		`INSERT INTO profile_cache (key, entry, stored_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET entry = EXCLUDED.entry, stored_at = EXCLUDED.stored_at`,
		key, data, storedAt.UTC(),
	)
	return eris.Wrapf(err, "cache: postgres put %s", key)
}

func (b *PostgresBackend) Delete(ctx context.Context, key string) error {
	_, err := b.pool.Exec(ctx, `DELETE FROM profile_cache WHERE key = $1`, key)
	return eris.Wrapf(err, "cache: postgres delete %s", key)
}

func (b *PostgresBackend) Keys(ctx context.Context) ([]KeyInfo, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT key, stored_at FROM profile_cache ORDER BY stored_at ASC`)
	if err != nil {
		return nil, eris.Wrap(err, "cache: postgres keys")
	}
	defer rows.Close()

	var out []KeyInfo
	for rows.Next() {
		var info KeyInfo
		if err := rows.Scan(&info.Key, &info.StoredAt); err != nil {
			return nil, eris.Wrap(err, "cache: postgres scan key")
		}
		out = append(out, info)
	}
	return out, eris.Wrap(rows.Err(), "cache: postgres iterate keys")
}

func (b *PostgresBackend) Close() error {
	b.pool.Close()
	return nil
}
