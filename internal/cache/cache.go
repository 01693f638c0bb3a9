// Package cache implements the TTL- and capacity-bounded profile cache over
// an injectable key-value backend.
package cache

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/enrich-cli/internal/model"
)

// Version tags serialized entries; bump when the profile schema changes
// incompatibly so stale entries read as absent.
const Version = "2"

// Entry is the serialized cache record. The backend treats it as opaque
// bytes; only {profile, storedAt, version} matter to the pipeline.
type Entry struct {
	Profile  *model.Profile `json:"profile"`
	StoredAt time.Time      `json:"stored_at"`
	Version  string         `json:"version"`
}

// KeyInfo pairs a backend key with its insertion time, for eviction.
type KeyInfo struct {
	Key      string
	StoredAt time.Time
}

// Backend is the injectable key-value store holding serialized entries.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, data []byte, storedAt time.Time) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]KeyInfo, error)
	Close() error
}

// Config bounds the cache.
type Config struct {
	TTL      time.Duration `yaml:"ttl" mapstructure:"ttl"`
	Capacity int           `yaml:"capacity" mapstructure:"capacity"`
}

// DefaultConfig returns the production bounds: 30-day TTL, 200 entries.
func DefaultConfig() Config {
	return Config{TTL: 30 * 24 * time.Hour, Capacity: 200}
}

// ProfileCache stores completed enrichment profiles keyed by normalized
// identity. Constructed once per process; there is no other lifecycle.
type ProfileCache struct {
	backend Backend
	cfg     Config
	now     func() time.Time
}

// New creates a ProfileCache over the given backend.
func New(backend Backend, cfg Config) *ProfileCache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	return &ProfileCache{backend: backend, cfg: cfg, now: time.Now}
}

// WithNow injects a clock for tests.
func (c *ProfileCache) WithNow(now func() time.Time) *ProfileCache {
	c.now = now
	return c
}

// Get looks the identity up, identifier key first, then name key. Entries
// older than the TTL read as absent (lazy expiry; nothing is deleted here).
// Hits return a deep copy carrying a freshly generated run-scoped ID.
func (c *ProfileCache) Get(ctx context.Context, id model.Identity) (*model.Profile, bool, error) {
	keys := make([]string, 0, 2)
	if k := model.OrgNumberKey(id.RegistrationNumber); k != "" {
		keys = append(keys, k)
	}
	if k := model.NameKey(id.DisplayName); k != "" {
		keys = append(keys, k)
	}

	for _, key := range keys {
		data, ok, err := c.backend.Get(ctx, key)
		if err != nil {
			return nil, false, eris.Wrapf(err, "cache: get %s", key)
		}
		if !ok {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			zap.L().Warn("cache: dropping undecodable entry", zap.String("key", key), zap.Error(err))
			continue
		}
		if entry.Version != Version {
			continue
		}
		if c.now().Sub(entry.StoredAt) > c.cfg.TTL {
			continue
		}

		hit := entry.Profile.Clone()
		hit.RunID = uuid.New().String()
		return hit, true, nil
	}
	return nil, false, nil
}

// Put stores the profile under its resolved key (identifier preferred),
// then evicts oldest-first until the store is back at capacity.
func (c *ProfileCache) Put(ctx context.Context, p *model.Profile) error {
	key := p.Identity.CacheKey()
	if key == "" {
		return eris.New("cache: profile has no cacheable identity")
	}

	storedAt := c.now()
	data, err := json.Marshal(Entry{Profile: p.Clone(), StoredAt: storedAt, Version: Version})
	if err != nil {
		return eris.Wrap(err, "cache: marshal entry")
	}
	if err := c.backend.Put(ctx, key, data, storedAt); err != nil {
		return eris.Wrapf(err, "cache: put %s", key)
	}
	return c.evict(ctx)
}

// evict trims the store to capacity, oldest storedAt first.
func (c *ProfileCache) evict(ctx context.Context) error {
	infos, err := c.backend.Keys(ctx)
	if err != nil {
		return eris.Wrap(err, "cache: list keys")
	}
	excess := len(infos) - c.cfg.Capacity
	if excess <= 0 {
		return nil
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].StoredAt.Before(infos[j].StoredAt) })
	for _, info := range infos[:excess] {
		if err := c.backend.Delete(ctx, info.Key); err != nil {
			return eris.Wrapf(err, "cache: evict %s", info.Key)
		}
		zap.L().Debug("cache: evicted entry", zap.String("key", info.Key))
	}
	return nil
}

// Len reports the current entry count.
func (c *ProfileCache) Len(ctx context.Context) (int, error) {
	infos, err := c.backend.Keys(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "cache: list keys")
	}
	return len(infos), nil
}

// Clear removes every entry.
func (c *ProfileCache) Clear(ctx context.Context) error {
	infos, err := c.backend.Keys(ctx)
	if err != nil {
		return eris.Wrap(err, "cache: list keys")
	}
	for _, info := range infos {
		if err := c.backend.Delete(ctx, info.Key); err != nil {
			return eris.Wrapf(err, "cache: delete %s", info.Key)
		}
	}
	return nil
}

// Close releases the backend.
func (c *ProfileCache) Close() error {
	return c.backend.Close()
}
