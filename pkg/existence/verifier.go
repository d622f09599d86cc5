// Package existence confirms that the tenant, user and channel referenced by
// a request are real, using a bearer credential distinct from the signing
// secret. A leaked signing secret alone therefore cannot produce a fully
// processed forged request.
package existence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/backoff"
	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/store"
)

const (
	cacheKeyPrefix  = "exist:"
	defaultCacheTTL = 300 * time.Second
)

// Verifier checks entity existence with a short-lived positive cache.
// Every failure mode rejects: this gate always fails closed.
type Verifier struct {
	API      APIClient
	Cache    store.Cache
	CacheTTL time.Duration
	Retry    backoff.Strategy
}

func NewVerifier(api APIClient, cache store.Cache) *Verifier {
	return &Verifier{
		API:      api,
		Cache:    cache,
		CacheTTL: defaultCacheTTL,
		// A throttled call is retried three times, waiting 1s, 2s and 4s.
		Retry: backoff.New(time.Second, 2, 4*time.Second, 4),
	}
}

// VerifyEntities confirms every non-empty id. A cache hit for the composite
// key skips all platform calls. Entity-not-found answers fail immediately;
// throttle responses are retried with backoff; anything else rejects.
func (v *Verifier) VerifyEntities(ctx context.Context, credential, tenantID, userID, channelID string) error {
	if credential == "" {
		return errors.New("credential required")
	}
	key := cacheKeyPrefix + CacheKey(tenantID, userID, channelID)
	if v.Cache != nil {
		if _, err := v.Cache.Get(ctx, key); err == nil {
			return nil
		}
	}
	checks := []struct {
		entityType string
		id         string
	}{
		{EntityTenant, tenantID},
		{EntityUser, userID},
		{EntityChannel, channelID},
	}
	for _, check := range checks {
		if check.id == "" {
			continue
		}
		err := backoff.Retry(ctx, v.Retry, func() error {
			return v.API.CheckEntity(ctx, credential, check.entityType, check.id)
		}, func(err error) bool {
			return errors.Is(err, ErrRateLimited)
		})
		if err != nil {
			return fmt.Errorf("existence check: %w", err)
		}
	}
	if v.Cache != nil {
		ttl := v.CacheTTL
		if ttl <= 0 {
			ttl = defaultCacheTTL
		}
		// Best effort: a failed cache write only costs extra platform calls.
		_ = v.Cache.Set(ctx, key, "1", ttl)
	}
	return nil
}

// CacheKey builds the composite entity key. Absent ids stay empty so that
// distinct presence combinations never collide.
func CacheKey(tenantID, userID, channelID string) string {
	return tenantID + "#" + userID + "#" + channelID
}
