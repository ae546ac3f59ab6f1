package cache

import (
	"context"
	"errors"
	"testing"
)

type countingResolver struct {
	calls     map[string]int
	locations map[string]Location
	err       error
}

func (r *countingResolver) ResolveByCode(_ context.Context, code string) (*Location, error) {
	if r.calls == nil {
		r.calls = make(map[string]int)
	}
	r.calls[code]++
	if r.err != nil {
		return nil, r.err
	}
	location, ok := r.locations[code]
	if !ok {
		return nil, nil
	}
	return &location, nil
}

func TestLocationCacheResolvesRepeatedCodeOnce(t *testing.T) {
	resolver := &countingResolver{locations: map[string]Location{
		"A": {ID: "loc-a", Code: "A", Name: "Alpha"},
	}}
	cache := NewLocationCache(resolver)

	for i := 0; i < 2; i++ {
		location, err := cache.Resolve(context.Background(), "A")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if location.Name != "Alpha" {
			t.Fatalf("unexpected location %+v", location)
		}
	}

	if resolver.calls["A"] != 1 {
		t.Fatalf("expected one resolver call, got %d", resolver.calls["A"])
	}
	hits, misses := cache.Stats()
	if hits != 1 || misses != 1 {
		t.Fatalf("expected 1 hit and 1 miss, got %d/%d", hits, misses)
	}
}

func TestLocationCacheDoesNotCacheFailures(t *testing.T) {
	resolver := &countingResolver{err: errors.New("lookup down")}
	cache := NewLocationCache(resolver)

	for i := 0; i < 2; i++ {
		if _, err := cache.Resolve(context.Background(), "B"); err == nil {
			t.Fatalf("expected error")
		}
	}
	if resolver.calls["B"] != 2 {
		t.Fatalf("expected failed lookups to be retried, got %d calls", resolver.calls["B"])
	}
	if cache.Len() != 0 {
		t.Fatalf("expected empty cache, got %d entries", cache.Len())
	}
}

func TestLocationCacheUnknownCode(t *testing.T) {
	cache := NewLocationCache(&countingResolver{})
	_, err := cache.ResolveAll(context.Background(), []string{"Z"})
	if !errors.Is(err, ErrLocationNotFound) {
		t.Fatalf("expected ErrLocationNotFound, got %v", err)
	}
}
