// Package router selects the execution agent for a request. Routing never
// blocks the pipeline: every internal failure degrades to the default agent
// or the unrouted sentinel.
package router

import (
	"context"
	"log"

	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/models"
	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/registry"
)

// Unrouted is the sentinel agent id meaning "no agent available".
const Unrouted = "unrouted"

// Route decision provenance, a closed set.
const (
	ViaUnrouted   = "unrouted"
	ViaSingle     = "single"
	ViaHeuristic  = "heuristic"
	ViaClassifier = "classifier"
	ViaDefault    = "default"
)

// Outcome is a tagged routing decision.
type Outcome struct {
	AgentID string
	Via     string
}

// Classifier picks one agent id for the text, using the discovered agent
// cards as decision context. Implementations may consult a model or plain
// rules; the router calls it exactly once per request.
type Classifier interface {
	Classify(ctx context.Context, text string, cards map[string]models.AgentCard) (string, error)
}

type Router struct {
	Registry     *registry.Registry
	Classifier   Classifier
	DefaultAgent string
	Heuristics   []KeywordRule
}

// Route resolves the target agent. The ladder short-circuits:
// no agents, single agent, keyword heuristics, classifier, default.
func (r *Router) Route(ctx context.Context, text, correlationID string) Outcome {
	if r.Registry == nil || r.Registry.Len() == 0 {
		return Outcome{AgentID: Unrouted, Via: ViaUnrouted}
	}
	if ids := r.Registry.IDs(); len(ids) == 1 {
		return Outcome{AgentID: ids[0], Via: ViaSingle}
	}
	for _, rule := range r.Heuristics {
		if rule.Match(text) && r.Registry.GetTarget(rule.AgentID) != "" {
			return Outcome{AgentID: rule.AgentID, Via: ViaHeuristic}
		}
	}
	if r.Classifier != nil {
		agentID, err := r.classifyOnce(ctx, text)
		if err == nil && agentID != "" && r.Registry.GetTarget(agentID) != "" {
			return Outcome{AgentID: agentID, Via: ViaClassifier}
		}
		if err != nil {
			log.Printf("router: classifier degraded (correlation_id=%s): %v", correlationID, err)
		}
	}
	if r.DefaultAgent != "" {
		return Outcome{AgentID: r.DefaultAgent, Via: ViaDefault}
	}
	return Outcome{AgentID: Unrouted, Via: ViaUnrouted}
}

// classifyOnce shields the pipeline from a panicking classifier.
func (r *Router) classifyOnce(ctx context.Context, text string) (agentID string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			agentID, err = "", panicError{rec}
		}
	}()
	return r.Classifier.Classify(ctx, text, r.Registry.Cards())
}

type panicError struct{ value any }

func (e panicError) Error() string { return "classifier panic" }
