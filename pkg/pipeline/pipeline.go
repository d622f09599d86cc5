// Package pipeline composes the verification gates, routing and delegation
// into one request-handling transaction with a single terminal result.
package pipeline

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/delegate"
	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/existence"
	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/models"
	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/ratelimit"
	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/registry"
	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/router"
)

// Stable machine-readable error codes, one per gate outcome. These are part
// of the external contract: callers and dashboards key on them.
const (
	CodeAuthFailed           = "AUTH_FAILED"
	CodeDuplicateEvent       = "DUPLICATE_EVENT"
	CodeEntityNotFound       = "ENTITY_NOT_FOUND"
	CodeExistenceCheckFailed = "EXISTENCE_CHECK_FAILED"
	CodeAuthorizationDenied  = "AUTHORIZATION_DENIED"
	CodeRateLimited          = "RATE_LIMITED"
	CodeDelegationTimeout    = "DELEGATION_TIMEOUT"
	CodeDelegationFailed     = "DELEGATION_FAILED"
	CodeInternalError        = "INTERNAL_ERROR"
)

// Gate labels for metrics and the decision log.
const (
	GateSignature  = "signature"
	GateDedupe     = "dedupe"
	GateExistence  = "existence"
	GateWhitelist  = "whitelist"
	GateRateLimit  = "ratelimit"
	GateRouting    = "routing"
	GateDelegation = "delegation"
)

type SignatureVerifier interface {
	Verify(body []byte, timestampHeader, signatureHeader string) bool
}

type DuplicateFilter interface {
	MarkIfNew(ctx context.Context, eventID string) bool
}

type EntityVerifier interface {
	VerifyEntities(ctx context.Context, credential, tenantID, userID, channelID string) error
}

type Authorizer interface {
	Authorize(ctx context.Context, tenantID, userID, channelID string) (bool, []string, error)
}

type AgentRouter interface {
	Route(ctx context.Context, text, correlationID string) router.Outcome
}

type Delegator interface {
	Execute(ctx context.Context, agentTarget string, params delegate.ExecuteParams, correlationID string) delegate.Result
}

// Enricher is the optional context-enrichment collaborator invoked after the
// gates pass and before routing. Failures are logged and never block.
type Enricher interface {
	Enrich(ctx context.Context, req *models.IncomingRequest) error
}

// Observer receives per-gate outcomes and delegation latency. The metrics
// registry implements it; a nil Observer disables observation.
type Observer interface {
	IncGate(gate, outcome string)
	IncAgentDelegation(agentID string)
	ObserveDelegation(d time.Duration)
}

// Decision is one row of the append-only decision log.
type Decision struct {
	CorrelationID string
	TenantID      string
	UserID        string
	ChannelID     string
	Gate          string
	Code          string
	AgentID       string
	Status        string
}

// Recorder persists Decisions. Failures are logged, never surfaced.
type Recorder interface {
	Record(ctx context.Context, d Decision) error
}

// Pipeline runs the gates strictly in order: signature, dedupe, existence,
// whitelist, rate limit. The first failing gate terminates the request with
// its code. Duplicates are discarded silently as a completed no-op.
type Pipeline struct {
	Signatures SignatureVerifier
	Dedupe     DuplicateFilter
	Existence  EntityVerifier
	Whitelist  Authorizer
	Limiter    ratelimit.Limiter
	RateLimit  int
	RateWindow time.Duration

	Router   AgentRouter
	Registry *registry.Registry
	Delegate Delegator

	Enricher Enricher
	Observer Observer
	Recorder Recorder

	// Count of in-flight delegations, for health reporting.
	inflight atomic.Int64
}

// Busy reports whether any delegation is outstanding.
func (p *Pipeline) Busy() bool {
	return p.inflight.Load() > 0
}

// Handle runs one request through the full pipeline and always returns a
// terminal result. It never panics: unexpected failures map to
// INTERNAL_ERROR with a generic user-facing message while the detail goes
// to the log only.
func (p *Pipeline) Handle(ctx context.Context, req models.IncomingRequest) models.PipelineResult {
	return p.handle(ctx, req, true)
}

// HandleVerified runs a request that arrived over a pre-authenticated
// transport through every gate except signature verification. The internal
// event bus is the only such transport: its producers sit inside the trust
// boundary and bus messages carry no signature material.
func (p *Pipeline) HandleVerified(ctx context.Context, req models.IncomingRequest) models.PipelineResult {
	return p.handle(ctx, req, false)
}

func (p *Pipeline) handle(ctx context.Context, req models.IncomingRequest, verifySignature bool) (result models.PipelineResult) {
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("pipeline: panic handling correlation_id=%s: %v", correlationID, r)
			result = p.fail(ctx, req, correlationID, GateDelegation, CodeInternalError, "internal error")
		}
	}()

	if verifySignature && p.Signatures != nil {
		if !p.Signatures.Verify(req.RawBody, req.TimestampHeader, req.SignatureHeader) {
			return p.fail(ctx, req, correlationID, GateSignature, CodeAuthFailed, "request signature invalid or stale")
		}
		p.observe(GateSignature, "pass")
	}

	if p.Dedupe != nil && req.EventID != "" {
		if !p.Dedupe.MarkIfNew(ctx, req.EventID) {
			// Duplicate delivery: discard without a user-visible failure.
			p.observe(GateDedupe, CodeDuplicateEvent)
			p.record(ctx, req, Decision{
				CorrelationID: correlationID,
				Gate:          GateDedupe,
				Code:          CodeDuplicateEvent,
				Status:        models.StatusCompleted,
			})
			return models.PipelineResult{Status: models.StatusCompleted, CorrelationID: correlationID}
		}
		p.observe(GateDedupe, "pass")
	}

	if p.Existence != nil {
		if err := p.Existence.VerifyEntities(ctx, req.Credential, req.TenantID, req.UserID, req.ChannelID); err != nil {
			code := CodeExistenceCheckFailed
			msg := "could not verify the request context"
			if errors.Is(err, existence.ErrEntityNotFound) {
				code = CodeEntityNotFound
				msg = "unknown tenant, user or channel"
			}
			log.Printf("pipeline: existence gate rejected correlation_id=%s: %v", correlationID, err)
			return p.fail(ctx, req, correlationID, GateExistence, code, msg)
		}
		p.observe(GateExistence, "pass")
	}

	if p.Whitelist != nil {
		ok, denied, err := p.Whitelist.Authorize(ctx, req.TenantID, req.UserID, req.ChannelID)
		if err != nil {
			log.Printf("pipeline: whitelist unavailable correlation_id=%s: %v", correlationID, err)
			return p.fail(ctx, req, correlationID, GateWhitelist, CodeAuthorizationDenied, "authorization configuration unavailable")
		}
		if !ok {
			return p.fail(ctx, req, correlationID, GateWhitelist, CodeAuthorizationDenied,
				"not allowed: "+strings.Join(denied, ", "))
		}
		p.observe(GateWhitelist, "pass")
	}

	if p.Limiter != nil && p.RateLimit > 0 {
		d := p.Limiter.CheckAndConsume(ratelimit.Key(req.TenantID, req.UserID), p.RateLimit, p.RateWindow)
		if !d.Allowed {
			return p.fail(ctx, req, correlationID, GateRateLimit, CodeRateLimited, "rate limit exceeded, try again later")
		}
		p.observe(GateRateLimit, "pass")
	}

	if p.Enricher != nil {
		if err := p.Enricher.Enrich(ctx, &req); err != nil {
			log.Printf("pipeline: enrichment failed correlation_id=%s: %v", correlationID, err)
		}
	}

	p.inflight.Add(1)
	defer p.inflight.Add(-1)

	outcome := p.route(ctx, req.Text, correlationID)
	if outcome.AgentID == router.Unrouted {
		return p.fail(ctx, req, correlationID, GateRouting, CodeDelegationFailed, "no execution agent available")
	}
	target := ""
	if p.Registry != nil {
		target = p.Registry.GetTarget(outcome.AgentID)
	}
	if target == "" {
		return p.fail(ctx, req, correlationID, GateRouting, CodeDelegationFailed, "no execution agent available")
	}
	p.observe(GateRouting, outcome.Via)

	if p.Observer != nil {
		p.Observer.IncAgentDelegation(outcome.AgentID)
	}
	started := time.Now()
	res := p.Delegate.Execute(ctx, target, delegate.ExecuteParams{
		Channel:    req.ChannelID,
		Text:       req.Text,
		Credential: req.Credential,
	}, correlationID)
	if p.Observer != nil {
		p.Observer.ObserveDelegation(time.Since(started))
	}

	switch res.Task.State {
	case models.TaskCompleted:
		p.observe(GateDelegation, "completed")
		p.record(ctx, req, Decision{
			CorrelationID: correlationID,
			Gate:          GateDelegation,
			AgentID:       outcome.AgentID,
			Status:        models.StatusCompleted,
		})
		return models.PipelineResult{
			Status:        models.StatusCompleted,
			CorrelationID: correlationID,
			Text:          res.Agent.ResponseText,
			FileRef:       res.Agent.FileRef,
		}
	case models.TaskTimedOut:
		return p.failDelegation(ctx, req, correlationID, outcome.AgentID, CodeDelegationTimeout, res.Agent)
	default:
		return p.failDelegation(ctx, req, correlationID, outcome.AgentID, CodeDelegationFailed, res.Agent)
	}
}

// route never propagates a failure: a nil router degrades like an empty one.
func (p *Pipeline) route(ctx context.Context, text, correlationID string) router.Outcome {
	if p.Router == nil {
		return router.Outcome{AgentID: router.Unrouted, Via: router.ViaUnrouted}
	}
	return p.Router.Route(ctx, text, correlationID)
}

func (p *Pipeline) fail(ctx context.Context, req models.IncomingRequest, correlationID, gate, code, message string) models.PipelineResult {
	p.observe(gate, code)
	p.record(ctx, req, Decision{
		CorrelationID: correlationID,
		Gate:          gate,
		Code:          code,
		Status:        models.StatusError,
	})
	return models.PipelineResult{
		Status:        models.StatusError,
		CorrelationID: correlationID,
		ErrorCode:     code,
		ErrorMessage:  message,
	}
}

func (p *Pipeline) failDelegation(ctx context.Context, req models.IncomingRequest, correlationID, agentID, code string, agent models.AgentResult) models.PipelineResult {
	message := agent.ErrorMessage
	if message == "" {
		message = "the agent could not complete the request"
	}
	p.observe(GateDelegation, code)
	p.record(ctx, req, Decision{
		CorrelationID: correlationID,
		Gate:          GateDelegation,
		Code:          code,
		AgentID:       agentID,
		Status:        models.StatusError,
	})
	return models.PipelineResult{
		Status:        models.StatusError,
		CorrelationID: correlationID,
		ErrorCode:     code,
		ErrorMessage:  message,
	}
}

func (p *Pipeline) observe(gate, outcome string) {
	if p.Observer != nil {
		p.Observer.IncGate(gate, outcome)
	}
}

func (p *Pipeline) record(ctx context.Context, req models.IncomingRequest, d Decision) {
	if p.Recorder == nil {
		return
	}
	d.TenantID = req.TenantID
	d.UserID = req.UserID
	d.ChannelID = req.ChannelID
	if err := p.Recorder.Record(ctx, d); err != nil {
		log.Printf("pipeline: decision record failed correlation_id=%s: %v", d.CorrelationID, err)
	}
}
