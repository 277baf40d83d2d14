// Package cache provides VerificationCache implementations: an in-process
// cache for a single gateway and a Redis cache shared across replicas.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	iam "github.com/chimerakang/iam-pipeline"
)

// DefaultMaxEntries bounds the in-process cache.
const DefaultMaxEntries = 100_000

// Memory is an in-process cache. Entries are evicted by TTL and by a
// frequency-aware admission policy when full.
type Memory struct {
	c *ristretto.Cache[string, *iam.VerificationResult]
}

var _ iam.VerificationCache = (*Memory)(nil)

// NewMemory creates a cache holding up to maxEntries results.
func NewMemory(maxEntries int64) (*Memory, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, *iam.VerificationResult]{
		NumCounters:        maxEntries * 10,
		MaxCost:            maxEntries,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("iam/cache: %w", err)
	}
	return &Memory{c: c}, nil
}

func (m *Memory) Get(_ context.Context, key string) (*iam.VerificationResult, bool, error) {
	v, ok := m.c.Get(key)
	if !ok || v == nil {
		return nil, false, nil
	}
	return v, true, nil
}

// Set stores result and waits for the write to land, so a Get right after
// Set observes it.
func (m *Memory) Set(_ context.Context, key string, result *iam.VerificationResult, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	m.c.SetWithTTL(key, result, 1, ttl)
	m.c.Wait()
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.c.Del(key)
	return nil
}

// Close stops the cache's background goroutines.
func (m *Memory) Close() error {
	m.c.Close()
	return nil
}
