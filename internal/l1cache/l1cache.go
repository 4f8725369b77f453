// Package l1cache is the bounded exact-match tier: (tenant, exact_key) maps
// to an entry id. It never touches disk and is safe under concurrent mixed
// readers and writers without external locking, backed by Ristretto's
// TinyLFU-class admission policy.
package l1cache

import (
	"encoding/hex"
	"fmt"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Cache is the L1 exact cache described in spec.md §4.2.
type Cache struct {
	store  *ristretto.Cache[string, uuid.UUID]
	logger *zap.Logger
}

// New builds an L1 cache bounded to capacity entries. capacity becomes
// Ristretto's MaxCost with each entry costed at 1, since entries here are
// fixed-size uuid.UUID values rather than variable-size byte payloads.
func New(capacity uint64, logger *zap.Logger) (*Cache, error) {
	if capacity == 0 {
		capacity = 10000
	}
	rc, err := ristretto.NewCache(&ristretto.Config[string, uuid.UUID]{
		NumCounters: int64(capacity) * 10,
		MaxCost:     int64(capacity),
		BufferItems: 64,
		// Without this Ristretto adds its per-item bookkeeping size to every
		// entry's cost, and far fewer than capacity entries would fit.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("l1cache.New: %w", err)
	}
	return &Cache{store: rc, logger: logger.Named("l1cache")}, nil
}

// Get returns the entry id stored for (tenant, exactKey), if present.
func (c *Cache) Get(tenant string, exactKey [32]byte) (uuid.UUID, bool) {
	id, found := c.store.Get(key(tenant, exactKey))
	return id, found
}

// Put records (tenant, exactKey) -> id. Putting a key that is already
// present with the same id is a no-op observed by callers as idempotent;
// Ristretto's Set already tolerates being called repeatedly with the same
// value at negligible cost.
func (c *Cache) Put(tenant string, exactKey [32]byte, id uuid.UUID) {
	c.store.Set(key(tenant, exactKey), id, 1)
}

// Evict drops the L1 reference for (tenant, exactKey) without touching the
// underlying stored entry — used when an L1 hit turns out to be an orphan
// (the primary store no longer has the entry).
func (c *Cache) Evict(tenant string, exactKey [32]byte) {
	c.store.Del(key(tenant, exactKey))
}

// Wait blocks until pending Ristretto buffer writes are applied. Exposed
// for tests that need Get to observe a just-completed Put deterministically.
func (c *Cache) Wait() {
	c.store.Wait()
}

func key(tenant string, exactKey [32]byte) string {
	return tenant + ":" + hex.EncodeToString(exactKey[:])
}
