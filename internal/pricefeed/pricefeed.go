// Package pricefeed fetches the SOL/USD price from the Jupiter price API and
// serves it through a TTL cache. The cache is an injected value, not package
// state, so callers control its lifetime and tests can substitute clocks.
package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"

	"github.com/fyrst/launch-engine/internal/metrics"
)

// SolMint is the wrapped-SOL mint the price is quoted for.
const SolMint = "So11111111111111111111111111111111111111112"

// DefaultBaseURL is the Jupiter price API endpoint.
const DefaultBaseURL = "https://lite-api.jup.ag/price/v2"

var errPriceUnavailable = errors.New("pricefeed: price unavailable")

// Cache holds one price with an expiry. Safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	price   decimal.Decimal
	setAt   time.Time
	ttl     time.Duration
	nowFunc func() time.Time
}

// NewCache creates a cache with the given TTL. A zero TTL never caches.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, nowFunc: time.Now}
}

// NewCacheWithClock is NewCache with an injected clock, for tests.
func NewCacheWithClock(ttl time.Duration, now func() time.Time) *Cache {
	return &Cache{ttl: ttl, nowFunc: now}
}

// Get returns the cached price, or false when empty or expired.
func (c *Cache) Get() (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.setAt.IsZero() || c.nowFunc().Sub(c.setAt) >= c.ttl {
		return decimal.Zero, false
	}
	return c.price, true
}

// Set stores a price and resets the expiry clock.
func (c *Cache) Set(price decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.price = price
	c.setAt = c.nowFunc()
}

// Feed is a SOL/USD price source: Jupiter behind a TTL cache with retry.
type Feed struct {
	baseURL string
	client  *http.Client
	cache   *Cache
}

// NewFeed creates a feed against baseURL (DefaultBaseURL when empty).
func NewFeed(baseURL string, client *http.Client, cache *Cache) *Feed {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Feed{baseURL: baseURL, client: client, cache: cache}
}

// priceResponse is the Jupiter price API shape: prices keyed by mint,
// quoted as strings.
type priceResponse struct {
	Data map[string]struct {
		ID    string `json:"id"`
		Price string `json:"price"`
	} `json:"data"`
}

// SolPrice returns the SOL/USD price, serving from cache when fresh and
// otherwise fetching with exponential backoff.
func (f *Feed) SolPrice(ctx context.Context) (decimal.Decimal, error) {
	if p, ok := f.cache.Get(); ok {
		return p, nil
	}
	return f.Refresh(ctx)
}

// Refresh bypasses the cache, fetches a fresh price, and stores it.
func (f *Feed) Refresh(ctx context.Context) (decimal.Decimal, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 2 * time.Second

	price, err := backoff.Retry(ctx, func() (decimal.Decimal, error) {
		return f.fetch(ctx)
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(4))
	if err != nil {
		// Serve the last known price even past its TTL rather than failing
		// a stats request outright.
		f.cache.mu.RLock()
		stale, has := f.cache.price, !f.cache.setAt.IsZero()
		f.cache.mu.RUnlock()
		if has {
			return stale, nil
		}
		return decimal.Zero, fmt.Errorf("fetch sol price: %w", err)
	}

	f.cache.Set(price)
	fp, _ := price.Float64()
	metrics.SolPriceUSD.Set(fp)
	return price, nil
}

func (f *Feed) fetch(ctx context.Context) (decimal.Decimal, error) {
	u := f.baseURL + "?" + url.Values{"ids": {SolMint}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return decimal.Zero, backoff.Permanent(err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("pricefeed: jupiter status %d", resp.StatusCode)
	}

	var pr priceResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return decimal.Zero, err
	}

	entry, ok := pr.Data[SolMint]
	if !ok || entry.Price == "" {
		return decimal.Zero, errPriceUnavailable
	}

	price, err := decimal.NewFromString(entry.Price)
	if err != nil || !price.IsPositive() {
		return decimal.Zero, errPriceUnavailable
	}
	return price, nil
}
