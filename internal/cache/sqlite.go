package cache

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteBackend persists cache entries in a local SQLite database.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the database at dsn and configures
// WAL mode.
func NewSQLite(dsn string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "cache: sqlite open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "cache: sqlite exec %s", pragma)
		}
	}
	b := &SQLiteBackend{db: db}
	if err := b.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS profile_cache (
	key       TEXT PRIMARY KEY,
	entry     TEXT NOT NULL,
	stored_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_profile_cache_stored_at ON profile_cache(stored_at);
`

func (b *SQLiteBackend) migrate(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "cache: sqlite migrate")
}

func (b *SQLiteBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var entry string
	err := b.db.QueryRowContext(ctx,
		`SELECT entry FROM profile_cache WHERE key = ?`, key,
	).Scan(&entry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrapf(err, "cache: sqlite get %s", key)
	}
	return []byte(entry), true, nil
}

func (b *SQLiteBackend) Put(ctx context.Context, key string, data []byte, storedAt time.Time) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO profile_cache (key, entry, stored_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET entry = excluded.entry, stored_at = excluded.stored_at`,
		key, string(data), storedAt.UTC(),
	)
	return eris.Wrapf(err, "cache: sqlite put %s", key)
}

func (b *SQLiteBackend) Delete(ctx context.Context, key string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM profile_cache WHERE key = ?`, key)
	return eris.Wrapf(err, "cache: sqlite delete %s", key)
}

func (b *SQLiteBackend) Keys(ctx context.Context) ([]KeyInfo, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT key, stored_at FROM profile_cache ORDER BY stored_at ASC`)
	if err != nil {
		return nil, eris.Wrap(err, "cache: sqlite keys")
	}
	defer rows.Close() //nolint:errcheck

	var out []KeyInfo
	for rows.Next() {
		var info KeyInfo
		if err := rows.Scan(&info.Key, &info.StoredAt); err != nil {
			return nil, eris.Wrap(err, "cache: sqlite scan key")
		}
		out = append(out, info)
	}
	return out, eris.Wrap(rows.Err(), "cache: sqlite iterate keys")
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
