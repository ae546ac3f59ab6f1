package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"

	"github.com/iago/bulkupload-back/internal/metrics"
)

var ErrLocationNotFound = errors.New("location not found")

type Location struct {
	ID   string `json:"id"`
	Code string `json:"code"`
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// LocationResolver looks a location up by its code.
type LocationResolver interface {
	ResolveByCode(ctx context.Context, code string) (*Location, error)
}

// LocationCache is a read-through code -> location cache. One cache lives for
// one pass; it is safe for concurrent use by sharded passes, and concurrent
// misses on one code share a single resolver call. Failed lookups are not
// cached.
type LocationCache struct {
	resolver LocationResolver

	mu      sync.RWMutex
	entries map[string]Location
	flight  singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64
}

func NewLocationCache(resolver LocationResolver) *LocationCache {
	return &LocationCache{
		resolver: resolver,
		entries:  make(map[string]Location),
	}
}

func (c *LocationCache) Resolve(ctx context.Context, code string) (Location, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Location{}, fmt.Errorf("resolve location: empty code: %w", ErrLocationNotFound)
	}

	c.mu.RLock()
	location, ok := c.entries[code]
	c.mu.RUnlock()
	if ok {
		c.hits.Inc()
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		return location, nil
	}

	value, err, _ := c.flight.Do(code, func() (any, error) {
		c.mu.RLock()
		cached, ok := c.entries[code]
		c.mu.RUnlock()
		if ok {
			return cached, nil
		}
		return c.fetch(ctx, code)
	})
	if err != nil {
		return Location{}, err
	}
	return value.(Location), nil
}

func (c *LocationCache) fetch(ctx context.Context, code string) (Location, error) {
	c.misses.Inc()
	metrics.CacheLookups.WithLabelValues("miss").Inc()
	resolved, err := c.resolver.ResolveByCode(ctx, code)
	if err != nil {
		metrics.CacheLookups.WithLabelValues("error").Inc()
		return Location{}, fmt.Errorf("resolve location %s: %w", code, err)
	}
	if resolved == nil {
		metrics.CacheLookups.WithLabelValues("error").Inc()
		return Location{}, fmt.Errorf("resolve location %s: %w", code, ErrLocationNotFound)
	}
	if resolved.Code == "" {
		resolved.Code = code
	}

	c.mu.Lock()
	c.entries[code] = *resolved
	c.mu.Unlock()
	return *resolved, nil
}

// ResolveAll resolves codes in order, stopping at the first failure.
func (c *LocationCache) ResolveAll(ctx context.Context, codes []string) ([]Location, error) {
	locations := make([]Location, 0, len(codes))
	for _, code := range codes {
		location, err := c.Resolve(ctx, code)
		if err != nil {
			return nil, err
		}
		locations = append(locations, location)
	}
	return locations, nil
}

func (c *LocationCache) Stats() (hits int64, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *LocationCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
