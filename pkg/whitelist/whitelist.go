// Package whitelist gates requests on an explicit allow-list of tenant, user
// and channel ids. Authorization is AND-semantics across all three fields and
// never vacuously true: an empty set rejects everything for that field.
package whitelist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Config holds the three allow-sets. Membership checks are O(1).
type Config struct {
	Tenants  map[string]struct{}
	Users    map[string]struct{}
	Channels map[string]struct{}
}

// ErrUnavailable is returned when every configured source failed and no valid
// config can be served. Previous configs are discarded on total failure.
var ErrUnavailable = errors.New("whitelist: no source available")

// Source yields a whitelist config from one backing location.
type Source interface {
	Name() string
	Load(ctx context.Context) (Config, error)
}

const defaultTTL = 300 * time.Second

// Loader serves Config from a prioritized source chain with a process-wide
// TTL cache. The clock is injectable for tests.
type Loader struct {
	Sources []Source
	TTL     time.Duration
	Now     func() time.Time

	mu       sync.Mutex
	cached   Config
	valid    bool
	loadedAt time.Time
}

func NewLoader(sources ...Source) *Loader {
	return &Loader{Sources: sources, TTL: defaultTTL, Now: time.Now}
}

// Get returns the cached config, refreshing it when the TTL has lapsed.
func (l *Loader) Get(ctx context.Context) (Config, error) {
	return l.Refresh(ctx, false)
}

// Refresh reloads from the source chain when forced or when the cache is
// stale. The first source that loads wins; a source that is merely absent is
// not an error as long as a lower-priority source succeeds. When every source
// fails, the previously cached config is discarded: serving a stale
// allow-list on total config failure would silently widen access over time.
func (l *Loader) Refresh(ctx context.Context, force bool) (Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ttl := l.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	now := l.Now()
	if !force && l.valid && now.Sub(l.loadedAt) < ttl {
		return l.cached, nil
	}
	var errs []error
	for _, src := range l.Sources {
		cfg, err := src.Load(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
			continue
		}
		l.cached = cfg
		l.valid = true
		l.loadedAt = now
		return cfg, nil
	}
	l.valid = false
	l.cached = Config{}
	if len(errs) == 0 {
		return Config{}, ErrUnavailable
	}
	return Config{}, fmt.Errorf("%w: %s", ErrUnavailable, errors.Join(errs...))
}

// Authorizer applies AND semantics over the loaded config.
type Authorizer struct {
	Loader *Loader
}

// Authorize reports whether the tuple is allow-listed. deniedFields names the
// failing dimensions so callers can log which check rejected. A config load
// failure returns an error with no field detail; the request is still
// unauthorized (fail closed).
func (a *Authorizer) Authorize(ctx context.Context, tenantID, userID, channelID string) (bool, []string, error) {
	cfg, err := a.Loader.Get(ctx)
	if err != nil {
		return false, nil, err
	}
	var denied []string
	if !member(cfg.Tenants, tenantID) {
		denied = append(denied, "tenant")
	}
	if !member(cfg.Users, userID) {
		denied = append(denied, "user")
	}
	if !member(cfg.Channels, channelID) {
		denied = append(denied, "channel")
	}
	return len(denied) == 0, denied, nil
}

func member(set map[string]struct{}, id string) bool {
	if id == "" || len(set) == 0 {
		return false
	}
	_, ok := set[id]
	return ok
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			set[id] = struct{}{}
		}
	}
	return set
}
