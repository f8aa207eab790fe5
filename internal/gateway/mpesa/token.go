package mpesa

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	tokenRefreshSkew    = 60 * time.Second
	tokenFetchTimeout   = 30 * time.Second
	tokenSingleFlightID = "access_token"
)

type tokenFetcher func(ctx context.Context) (token string, ttl time.Duration, err error)

// tokenCache holds one bearer token and its expiry. Concurrent refreshes are
// collapsed into a single fetch.
type tokenCache struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time

	now   func() time.Time
	fetch tokenFetcher
	group singleflight.Group
}

func newTokenCache(now func() time.Time, fetch tokenFetcher) *tokenCache {
	return &tokenCache{now: now, fetch: fetch}
}

// cached returns the token if it is not within the refresh skew of expiry.
func (c *tokenCache) cached() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" {
		return "", false
	}
	if !c.now().Add(tokenRefreshSkew).Before(c.expiresAt) {
		return "", false
	}
	return c.token, true
}

func (c *tokenCache) Get(ctx context.Context) (string, error) {
	if tok, ok := c.cached(); ok {
		return tok, nil
	}
	v, err, _ := c.group.Do(tokenSingleFlightID, func() (any, error) {
		if tok, ok := c.cached(); ok {
			return tok, nil
		}
		// Detached so one caller's cancellation does not fail the others
		// waiting on the same fetch.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tokenFetchTimeout)
		defer cancel()
		tok, ttl, err := c.fetch(fetchCtx)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.token = tok
		c.expiresAt = c.now().Add(ttl)
		c.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token, e.g. after the provider answered 401.
func (c *tokenCache) Invalidate() {
	c.mu.Lock()
	c.token = ""
	c.expiresAt = time.Time{}
	c.mu.Unlock()
}
