package schema

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds the process-wide schema cache. Schemas are small;
// the bound guards against unattended registries, not memory pressure.
const DefaultCacheSize = 256

type cacheKey struct {
	service  string
	resource string
}

// Fetcher caches fetched schemas by (service, resource). Schemas are
// immutable once fetched, so a cache hit is always equivalent to a refetch
// within one process lifetime.
type Fetcher struct {
	cache *lru.Cache[cacheKey, *Schema]
}

func NewFetcher(size int) *Fetcher {
	if size <= 0 {
		size = DefaultCacheSize
	}
	// lru.New errors only on a non-positive size, which is clamped above.
	var cache, _ = lru.New[cacheKey, *Schema](size)
	return &Fetcher{cache: cache}
}

// Fetch returns the cached schema for (service, resource) or fetches it
// from the provider and caches the result. Fetch failures are not cached.
func (f *Fetcher) Fetch(ctx context.Context, service string, p Provider, resource string) (*Schema, error) {
	var key = cacheKey{service: service, resource: resource}
	if s, ok := f.cache.Get(key); ok {
		return s, nil
	}

	var s, err = p.Fetch(ctx, resource)
	if err != nil {
		return nil, err
	}
	f.cache.Add(key, s)
	return s, nil
}
