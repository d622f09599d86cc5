// Package registry holds the configured downstream execution agents and
// their capability cards.
package registry

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/models"
)

// Entry is one configured execution agent. Card stays nil until discovery
// succeeds; routing works without it.
type Entry struct {
	ID     string
	Target string
	Card   *models.AgentCard
}

// CardDiscoverer fetches an agent's capability card from its target.
type CardDiscoverer interface {
	Discover(ctx context.Context, target string) (*models.AgentCard, error)
}

type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	discover CardDiscoverer
}

// Load parses the agent mapping ({"agent-id": "http://target", ...}) and
// attempts card discovery once per agent. A parse failure or empty mapping
// yields an empty registry: routing then degrades to "no agent available"
// instead of failing the process.
func Load(ctx context.Context, rawConfig string, discover CardDiscoverer) *Registry {
	r := &Registry{entries: map[string]*Entry{}, discover: discover}
	rawConfig = strings.TrimSpace(rawConfig)
	if rawConfig == "" {
		return r
	}
	var mapping map[string]string
	if err := json.Unmarshal([]byte(rawConfig), &mapping); err != nil {
		log.Printf("registry: invalid agent config, starting empty: %v", err)
		return r
	}
	for id, target := range mapping {
		id = strings.TrimSpace(id)
		target = strings.TrimSuffix(strings.TrimSpace(target), "/")
		if id == "" || target == "" {
			continue
		}
		r.entries[id] = &Entry{ID: id, Target: target}
	}
	r.RefreshMissingCards(ctx)
	return r
}

// GetTarget returns the invocation target for agentID, or "" when unknown.
func (r *Registry) GetTarget(agentID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[agentID]; ok {
		return e.Target
	}
	return ""
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) IsMultiAgent() bool {
	return r.Len() > 1
}

// IDs returns the configured agent ids in stable order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Cards returns a snapshot of discovered capability cards keyed by agent id.
// Agents without a card are omitted.
func (r *Registry) Cards() map[string]models.AgentCard {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cards := make(map[string]models.AgentCard, len(r.entries))
	for id, e := range r.entries {
		if e.Card != nil {
			cards[id] = *e.Card
		}
	}
	return cards
}

// RefreshMissingCards retries discovery for agents that still have no card.
// Entries that already succeeded are never re-fetched. Returns true when
// every entry has a card afterwards.
func (r *Registry) RefreshMissingCards(ctx context.Context) bool {
	if r.discover == nil {
		return false
	}
	r.mu.RLock()
	var missing []*Entry
	for _, e := range r.entries {
		if e.Card == nil {
			missing = append(missing, e)
		}
	}
	total := len(r.entries)
	r.mu.RUnlock()

	complete := total > 0 && len(missing) == 0
	if complete {
		return true
	}
	allFilled := total > 0
	for _, e := range missing {
		card, err := r.discover.Discover(ctx, e.Target)
		if err != nil || card == nil {
			if err != nil {
				log.Printf("registry: card discovery for %s failed: %v", e.ID, err)
			}
			allFilled = false
			continue
		}
		r.mu.Lock()
		e.Card = card
		r.mu.Unlock()
	}
	return allFilled
}
