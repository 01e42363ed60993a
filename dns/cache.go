package dns

import (
	"container/list"
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// CacheConfig configures Cache.
type CacheConfig struct {
	// MaxEntries bounds the number of cached results. When the bound is
	// reached the least recently used entry is evicted. Default 4096.
	MaxEntries int

	// MinTTL and MaxTTL clamp the TTL reported by the transport.
	// Defaults 5s and 30m.
	MinTTL time.Duration
	MaxTTL time.Duration

	// DefaultTTL applies when the transport does not expose TTLs
	// (StdResolver). Default 5m.
	DefaultTTL time.Duration

	// NegativeTTL applies to cached NXDOMAIN results. Default 5m.
	NegativeTTL time.Duration
}

func (c *CacheConfig) setDefaults() {
	if c.MaxEntries == 0 {
		c.MaxEntries = 4096
	}
	if c.MinTTL == 0 {
		c.MinTTL = 5 * time.Second
	}
	if c.MaxTTL == 0 {
		c.MaxTTL = 30 * time.Minute
	}
	if c.DefaultTTL == 0 {
		c.DefaultTTL = 5 * time.Minute
	}
	if c.NegativeTTL == 0 {
		c.NegativeTTL = 5 * time.Minute
	}
}

// cacheKey identifies a cached lookup: the query kind ("txt", "mx", "ptr",
// or the "ip"/"ip4"/"ip6" network) and the FQDN or address.
type cacheKey struct {
	kind string
	name string
}

func (k cacheKey) String() string {
	return k.kind + " " + k.name
}

// cacheEntry holds either a successful result or a negative (ErrNotFound)
// outcome. Other errors are never cached.
type cacheEntry struct {
	key     cacheKey
	value   any // Result[T] for the matching lookup kind
	err     error
	expires time.Time
}

// Cache is a TTL-bounded LRU cache in front of a Resolver.
//
// Concurrent lookups for the same key coalesce into a single upstream query;
// every waiter receives the same result. This keeps SPF include fan-out and
// parallel DKIM verifications from amplifying identical queries. A Cache is
// an explicitly owned instance handed to the engines, never a hidden global,
// so tests can inject an empty or pre-seeded one.
//
// Expired entries are dropped passively, on access or under capacity
// pressure. There is no background sweeper.
type Cache struct {
	upstream Resolver
	config   CacheConfig

	mu      sync.Mutex
	entries map[cacheKey]*list.Element
	lru     *list.List // front = most recently used

	flight singleflight.Group

	// now is replaced in tests.
	now func() time.Time
}

var _ Resolver = (*Cache)(nil)

// NewCache creates a Cache in front of upstream.
func NewCache(upstream Resolver, config CacheConfig) *Cache {
	config.setDefaults()
	return &Cache{
		upstream: upstream,
		config:   config,
		entries:  make(map[cacheKey]*list.Element),
		lru:      list.New(),
		now:      time.Now,
	}
}

// Len returns the number of cached entries, including not yet collected
// expired ones.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// get returns a live cached entry, refreshing its LRU position. Expired
// entries are removed and reported as a miss.
func (c *Cache) get(key cacheKey) (*cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}

	entry := el.Value.(*cacheEntry)
	if !c.now().Before(entry.expires) {
		c.lru.Remove(el)
		delete(c.entries, key)
		return nil, false
	}

	c.lru.MoveToFront(el)
	return entry, true
}

// put inserts an entry, evicting from the LRU tail under capacity pressure.
func (c *Cache) put(entry *cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[entry.key]; ok {
		el.Value = entry
		c.lru.MoveToFront(el)
		return
	}

	c.entries[entry.key] = c.lru.PushFront(entry)

	for c.lru.Len() > c.config.MaxEntries {
		last := c.lru.Back()
		c.lru.Remove(last)
		delete(c.entries, last.Value.(*cacheEntry).key)
	}
}

// clampTTL bounds a transport TTL to the configured window.
func (c *Cache) clampTTL(ttl time.Duration) time.Duration {
	if ttl == 0 {
		ttl = c.config.DefaultTTL
	}
	if ttl < c.config.MinTTL {
		ttl = c.config.MinTTL
	}
	if ttl > c.config.MaxTTL {
		ttl = c.config.MaxTTL
	}
	return ttl
}

// lookupCached serves key from the cache or coalesces an upstream query.
//
// The upstream query runs detached from the caller's cancellation: a caller
// abandoning an in-flight evaluation stops waiting immediately, while the
// query completes and populates the cache for everyone else. Only success
// and NXDOMAIN are cached.
func lookupCached[T any](ctx context.Context, c *Cache, key cacheKey, fn func(ctx context.Context) (Result[T], error)) (Result[T], error) {
	if entry, ok := c.get(key); ok {
		if entry.err != nil {
			return Result[T]{}, entry.err
		}
		return entry.value.(Result[T]), nil
	}

	ch := c.flight.DoChan(key.String(), func() (any, error) {
		res, err := fn(context.WithoutCancel(ctx))
		switch {
		case err == nil:
			c.put(&cacheEntry{
				key:     key,
				value:   res,
				expires: c.now().Add(c.clampTTL(res.TTL)),
			})
		case IsNotFound(err):
			c.put(&cacheEntry{
				key:     key,
				err:     ErrNotFound,
				expires: c.now().Add(c.config.NegativeTTL),
			})
		}
		return res, err
	})

	select {
	case <-ctx.Done():
		return Result[T]{}, mapContextErr(ctx.Err())
	case out := <-ch:
		if out.Err != nil {
			return Result[T]{}, out.Err
		}
		return out.Val.(Result[T]), nil
	}
}

// LookupTXT retrieves TXT records, serving repeats from the cache.
func (c *Cache) LookupTXT(ctx context.Context, name string) (Result[string], error) {
	key := cacheKey{"txt", ensureAbsolute(name)}
	return lookupCached(ctx, c, key, func(ctx context.Context) (Result[string], error) {
		return c.upstream.LookupTXT(ctx, name)
	})
}

// LookupIP retrieves A and/or AAAA records, serving repeats from the cache.
// The "ip", "ip4" and "ip6" networks are cached independently.
func (c *Cache) LookupIP(ctx context.Context, network, host string) (Result[net.IP], error) {
	key := cacheKey{network, ensureAbsolute(host)}
	return lookupCached(ctx, c, key, func(ctx context.Context) (Result[net.IP], error) {
		return c.upstream.LookupIP(ctx, network, host)
	})
}

// LookupMX retrieves MX records, serving repeats from the cache.
func (c *Cache) LookupMX(ctx context.Context, name string) (Result[*net.MX], error) {
	key := cacheKey{"mx", ensureAbsolute(name)}
	return lookupCached(ctx, c, key, func(ctx context.Context) (Result[*net.MX], error) {
		return c.upstream.LookupMX(ctx, name)
	})
}

// LookupAddr performs a reverse lookup, serving repeats from the cache.
func (c *Cache) LookupAddr(ctx context.Context, ip net.IP) (Result[string], error) {
	key := cacheKey{"ptr", ip.String()}
	return lookupCached(ctx, c, key, func(ctx context.Context) (Result[string], error) {
		return c.upstream.LookupAddr(ctx, ip)
	})
}
