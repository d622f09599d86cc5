// Package dedupe suppresses redelivery of platform events. The platform
// retries webhook deliveries aggressively, so the same event id can arrive
// several times within minutes.
package dedupe

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/store"
)

const (
	keyPrefix  = "dedupe:"
	defaultTTL = time.Hour
)

type Filter struct {
	Cache store.Cache
	TTL   time.Duration
}

func New(cache store.Cache) *Filter {
	return &Filter{Cache: cache, TTL: defaultTTL}
}

// MarkIfNew atomically records eventID and reports whether it was unseen.
// The first caller for a given id within the TTL gets true; everyone else
// gets false and should discard the event silently.
//
// Storage failures fail open: a transient cache outage must not drop
// legitimate traffic, at the cost of possibly processing a duplicate. This is
// a deliberate trade-off, opposite to the existence and whitelist gates.
func (f *Filter) MarkIfNew(ctx context.Context, eventID string) bool {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return true
	}
	ttl := f.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	ok, err := f.Cache.SetNX(ctx, keyPrefix+eventID, "1", ttl)
	if err != nil {
		log.Printf("dedupe: store error, allowing event %s: %v", eventID, err)
		return true
	}
	return ok
}
