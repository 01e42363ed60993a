package dns

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// gatedResolver blocks lookups until released, so tests can pile up
// concurrent callers on one in-flight query.
type gatedResolver struct {
	MockResolver
	gate chan struct{}
}

func (r *gatedResolver) LookupTXT(ctx context.Context, name string) (Result[string], error) {
	<-r.gate
	return r.MockResolver.LookupTXT(ctx, name)
}

func newTestCache(upstream Resolver, config CacheConfig) (*Cache, *time.Time) {
	cache := NewCache(upstream, config)
	now := time.Now()
	cache.now = func() time.Time { return now }
	return cache, &now
}

func TestCacheHit(t *testing.T) {
	var queries atomic.Int64
	upstream := MockResolver{
		TXT:     map[string][]string{"example.com.": {"v=spf1 -all"}},
		TTL:     time.Minute,
		Queries: &queries,
	}
	cache, _ := newTestCache(upstream, CacheConfig{})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		res, err := cache.LookupTXT(ctx, "example.com")
		if err != nil {
			t.Fatalf("LookupTXT: %v", err)
		}
		if len(res.Records) != 1 || res.Records[0] != "v=spf1 -all" {
			t.Fatalf("unexpected records: %v", res.Records)
		}
	}

	if n := queries.Load(); n != 1 {
		t.Errorf("upstream queried %d times, want 1", n)
	}
}

func TestCacheSeparatesKinds(t *testing.T) {
	var queries atomic.Int64
	upstream := MockResolver{
		TXT:     map[string][]string{"example.com.": {"hello"}},
		A:       map[string][]string{"example.com.": {"192.0.2.1"}},
		AAAA:    map[string][]string{"example.com.": {"2001:db8::1"}},
		Queries: &queries,
	}
	cache, _ := newTestCache(upstream, CacheConfig{})
	ctx := context.Background()

	if _, err := cache.LookupTXT(ctx, "example.com"); err != nil {
		t.Fatal(err)
	}
	if _, err := cache.LookupIP(ctx, "ip4", "example.com"); err != nil {
		t.Fatal(err)
	}

	res, err := cache.LookupIP(ctx, "ip6", "example.com")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Records) != 1 || res.Records[0].String() != "2001:db8::1" {
		t.Errorf("unexpected ip6 records: %v", res.Records)
	}

	if cache.Len() != 3 {
		t.Errorf("cache has %d entries, want 3", cache.Len())
	}
}

func TestCacheCoalescing(t *testing.T) {
	var queries atomic.Int64
	upstream := &gatedResolver{
		MockResolver: MockResolver{
			TXT:     map[string][]string{"example.com.": {"v=spf1 -all"}},
			Queries: &queries,
		},
		gate: make(chan struct{}),
	}
	cache, _ := newTestCache(upstream, CacheConfig{})

	const callers = 8
	var wg sync.WaitGroup
	results := make([]Result[string], callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = cache.LookupTXT(context.Background(), "example.com")
		}(i)
	}

	// Let all callers reach the flight before the query completes.
	time.Sleep(50 * time.Millisecond)
	close(upstream.gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if len(results[i].Records) != 1 || results[i].Records[0] != "v=spf1 -all" {
			t.Fatalf("caller %d: unexpected records %v", i, results[i].Records)
		}
	}

	if n := queries.Load(); n != 1 {
		t.Errorf("upstream queried %d times, want 1", n)
	}
}

func TestCacheWaiterCancellation(t *testing.T) {
	var queries atomic.Int64
	upstream := &gatedResolver{
		MockResolver: MockResolver{
			TXT:     map[string][]string{"example.com.": {"hello"}},
			Queries: &queries,
		},
		gate: make(chan struct{}),
	}
	cache, _ := newTestCache(upstream, CacheConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := cache.LookupTXT(ctx, "example.com")
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled waiter got %v, want context.Canceled", err)
	}

	// The detached query still completes and fills the cache.
	close(upstream.gate)
	res, err := cache.LookupTXT(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("LookupTXT after cancellation: %v", err)
	}
	if len(res.Records) != 1 {
		t.Fatalf("unexpected records: %v", res.Records)
	}
	if n := queries.Load(); n > 2 {
		t.Errorf("upstream queried %d times, want at most 2", n)
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	var queries atomic.Int64
	upstream := MockResolver{
		TXT:     map[string][]string{"example.com.": {"hello"}},
		TTL:     time.Minute,
		Queries: &queries,
	}
	cache, now := newTestCache(upstream, CacheConfig{})
	ctx := context.Background()

	if _, err := cache.LookupTXT(ctx, "example.com"); err != nil {
		t.Fatal(err)
	}

	*now = now.Add(30 * time.Second)
	if _, err := cache.LookupTXT(ctx, "example.com"); err != nil {
		t.Fatal(err)
	}
	if n := queries.Load(); n != 1 {
		t.Fatalf("upstream queried %d times before expiry, want 1", n)
	}

	*now = now.Add(time.Minute)
	if _, err := cache.LookupTXT(ctx, "example.com"); err != nil {
		t.Fatal(err)
	}
	if n := queries.Load(); n != 2 {
		t.Errorf("upstream queried %d times after expiry, want 2", n)
	}
}

func TestCacheTTLClamping(t *testing.T) {
	var queries atomic.Int64
	upstream := MockResolver{
		TXT:     map[string][]string{"example.com.": {"hello"}},
		TTL:     time.Second, // below MinTTL
		Queries: &queries,
	}
	cache, now := newTestCache(upstream, CacheConfig{MinTTL: 10 * time.Second})
	ctx := context.Background()

	if _, err := cache.LookupTXT(ctx, "example.com"); err != nil {
		t.Fatal(err)
	}

	// Transport TTL already passed, but MinTTL keeps the entry alive.
	*now = now.Add(5 * time.Second)
	if _, err := cache.LookupTXT(ctx, "example.com"); err != nil {
		t.Fatal(err)
	}
	if n := queries.Load(); n != 1 {
		t.Errorf("upstream queried %d times, want 1", n)
	}
}

func TestCacheNegative(t *testing.T) {
	var queries atomic.Int64
	upstream := MockResolver{Queries: &queries}
	cache, now := newTestCache(upstream, CacheConfig{NegativeTTL: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := cache.LookupTXT(ctx, "missing.example.com"); !IsNotFound(err) {
			t.Fatalf("got %v, want ErrNotFound", err)
		}
	}
	if n := queries.Load(); n != 1 {
		t.Errorf("upstream queried %d times, want 1", n)
	}

	*now = now.Add(2 * time.Minute)
	if _, err := cache.LookupTXT(ctx, "missing.example.com"); !IsNotFound(err) {
		t.Fatal("expected ErrNotFound after expiry")
	}
	if n := queries.Load(); n != 2 {
		t.Errorf("upstream queried %d times after expiry, want 2", n)
	}
}

func TestCacheErrorsNotCached(t *testing.T) {
	var queries atomic.Int64
	upstream := MockResolver{
		Fail:    []string{"txt broken.example.com."},
		Queries: &queries,
	}
	cache, _ := newTestCache(upstream, CacheConfig{})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := cache.LookupTXT(ctx, "broken.example.com"); !errors.Is(err, ErrServFail) {
			t.Fatalf("got %v, want ErrServFail", err)
		}
	}
	if n := queries.Load(); n != 2 {
		t.Errorf("upstream queried %d times, want 2 (errors must not be cached)", n)
	}
}

func TestCacheLRUEviction(t *testing.T) {
	var queries atomic.Int64
	upstream := MockResolver{
		TXT: map[string][]string{
			"a.example.com.": {"a"},
			"b.example.com.": {"b"},
			"c.example.com.": {"c"},
		},
		TTL:     time.Hour,
		Queries: &queries,
	}
	cache, _ := newTestCache(upstream, CacheConfig{MaxEntries: 2})
	ctx := context.Background()

	if _, err := cache.LookupTXT(ctx, "a.example.com"); err != nil {
		t.Fatal(err)
	}
	if _, err := cache.LookupTXT(ctx, "b.example.com"); err != nil {
		t.Fatal(err)
	}

	// Touch a so that b becomes least recently used.
	if _, err := cache.LookupTXT(ctx, "a.example.com"); err != nil {
		t.Fatal(err)
	}

	if _, err := cache.LookupTXT(ctx, "c.example.com"); err != nil {
		t.Fatal(err)
	}
	if cache.Len() != 2 {
		t.Fatalf("cache has %d entries, want 2", cache.Len())
	}

	queries.Store(0)
	if _, err := cache.LookupTXT(ctx, "a.example.com"); err != nil {
		t.Fatal(err)
	}
	if n := queries.Load(); n != 0 {
		t.Error("a.example.com should still be cached")
	}

	if _, err := cache.LookupTXT(ctx, "b.example.com"); err != nil {
		t.Fatal(err)
	}
	if n := queries.Load(); n != 1 {
		t.Error("b.example.com should have been evicted")
	}
}

func TestCacheMXAndAddr(t *testing.T) {
	var queries atomic.Int64
	upstream := MockResolver{
		MX: map[string][]*net.MX{
			"example.com.": {{Host: "mail.example.com.", Pref: 10}},
		},
		PTR: map[string][]string{
			"192.0.2.10": {"mail.example.com."},
		},
		Queries: &queries,
	}
	cache, _ := newTestCache(upstream, CacheConfig{})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		mx, err := cache.LookupMX(ctx, "example.com")
		if err != nil {
			t.Fatalf("LookupMX: %v", err)
		}
		if len(mx.Records) != 1 || mx.Records[0].Host != "mail.example.com." {
			t.Fatalf("unexpected MX records: %v", mx.Records)
		}
	}

	for i := 0; i < 2; i++ {
		ptr, err := cache.LookupAddr(ctx, net.ParseIP("192.0.2.10"))
		if err != nil {
			t.Fatalf("LookupAddr: %v", err)
		}
		if len(ptr.Records) != 1 || ptr.Records[0] != "mail.example.com." {
			t.Fatalf("unexpected PTR records: %v", ptr.Records)
		}
	}

	if n := queries.Load(); n != 2 {
		t.Errorf("upstream queried %d times, want 2", n)
	}
}
