// Package bancache provides a bounded, time-bounded read-through cache over
// ban status, keyed by identity hash. It shields the persistent store from a
// ban lookup on every connection attempt while keeping same-process ban
// writes immediately visible via synchronous invalidation.
package bancache

import (
	"context"
	"log"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/strangerchat/chat-app/internal/store"
)

const (
	// DefaultCapacity bounds the number of cached identities; least
	// recently used entries are evicted beyond it.
	DefaultCapacity = 10000

	// DefaultTTL bounds staleness for entries written by other writers.
	DefaultTTL = 60 * time.Second
)

// Store is the slice of the moderation store the cache needs.
type Store interface {
	GetBanStatus(ctx context.Context, identityHash string) (store.BanStatus, error)
	UpsertBan(ctx context.Context, identityHash string, until time.Time, reason string) error
}

// Cache is a read-through LRU over ban status.
type Cache struct {
	lru   *expirable.LRU[string, store.BanStatus]
	store Store
}

// New creates a Cache with the given capacity and TTL. Zero values fall back
// to the defaults.
func New(backing Store, capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		lru:   expirable.NewLRU[string, store.BanStatus](capacity, nil, ttl),
		store: backing,
	}
}

// Get returns the ban status for an identity, reading through to the store
// on a miss. Store failures fail open: the identity is treated as not banned
// and the result is not cached, so the next lookup retries the store.
func (c *Cache) Get(ctx context.Context, identityHash string) store.BanStatus {
	if status, ok := c.lru.Get(identityHash); ok {
		return status
	}

	status, err := c.store.GetBanStatus(ctx, identityHash)
	if err != nil {
		log.Printf("[bancache] lookup failed for %s: %v (failing open)", identityHash, err)
		return store.BanStatus{}
	}

	c.lru.Add(identityHash, status)
	return status
}

// RecordBan writes a ban through to the store and synchronously invalidates
// the cached entry so the new status is visible to this process immediately,
// not after the TTL.
func (c *Cache) RecordBan(ctx context.Context, identityHash string, until time.Time, reason string) error {
	err := c.store.UpsertBan(ctx, identityHash, until, reason)
	c.Invalidate(identityHash)
	return err
}

// Invalidate drops the cached entry for an identity.
func (c *Cache) Invalidate(identityHash string) {
	c.lru.Remove(identityHash)
}

// Len reports the number of cached entries. Intended for metrics and tests.
func (c *Cache) Len() int {
	return c.lru.Len()
}
