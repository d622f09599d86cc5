package models

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// IncomingRequest is one chat message received from the messaging platform.
// It is immutable once parsed and scoped to a single inbound call.
type IncomingRequest struct {
	TenantID      string       `json:"tenant_id"`
	UserID        string       `json:"user_id"`
	ChannelID     string       `json:"channel_id"`
	Text          string       `json:"text"`
	Credential    string       `json:"credential"`
	ThreadRef     string       `json:"thread_ref,omitempty"`
	CorrelationID string       `json:"correlation_id,omitempty"`
	EventID       string       `json:"event_id"`
	Attachments   []Attachment `json:"attachments,omitempty"`

	// Raw wire material, kept for signature verification.
	RawBody         []byte `json:"-"`
	TimestampHeader string `json:"-"`
	SignatureHeader string `json:"-"`
}

type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Mime string `json:"mime,omitempty"`
}

// Validate enforces the hard pre-pipeline requirements. Channel and text are
// mandatory; everything else is checked by the pipeline gates.
func (r IncomingRequest) Validate() error {
	if strings.TrimSpace(r.ChannelID) == "" {
		return errors.New("channel_id required")
	}
	if strings.TrimSpace(r.Text) == "" {
		return errors.New("text required")
	}
	return nil
}

// PipelineResult is the single terminal output of the pipeline.
type PipelineResult struct {
	Status        string `json:"status"` // "completed" | "error"
	CorrelationID string `json:"correlation_id"`
	ErrorCode     string `json:"error_code,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
	Text          string `json:"text,omitempty"`
	FileRef       string `json:"file_ref,omitempty"`
}

const (
	StatusCompleted = "completed"
	StatusError     = "error"
)

// AgentCard is the capability description an execution agent publishes.
// Nil cards are normal: discovery is lazy and may fail transiently.
type AgentCard struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities,omitempty"`
	Version      string   `json:"version,omitempty"`
}

// TaskState labels for a DelegationTask. A terminal state is always reached
// before the pipeline returns.
const (
	TaskPending       = "pending"
	TaskAcceptedAsync = "accepted-async"
	TaskCompleted     = "completed"
	TaskFailed        = "failed"
	TaskTimedOut      = "timed-out"
)

// DelegationTask tracks one outbound agent invocation.
type DelegationTask struct {
	CorrelationID string          `json:"correlation_id"`
	AgentID       string          `json:"agent_id"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	State         string          `json:"state"`
	StartedAt     time.Time       `json:"started_at"`
}

// AgentResult is the delegation result envelope returned by execution agents.
type AgentResult struct {
	Status       string `json:"status"` // "success" | "error" | "accepted"
	ResponseText string `json:"response_text,omitempty"`
	FileRef      string `json:"file_ref,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	TaskID       string `json:"task_id,omitempty"`
}

const (
	AgentStatusSuccess  = "success"
	AgentStatusError    = "error"
	AgentStatusAccepted = "accepted"
)

// BatchResult reports per-event failures for a batch of inbound events.
// Built by the events handler; the pipeline itself is single-request-scoped.
type BatchResult struct {
	Processed int      `json:"processed"`
	FailedIDs []string `json:"failed_ids"`
}

func (b *BatchResult) Add(eventID string, res PipelineResult) {
	b.Processed++
	if res.Status == StatusError {
		b.FailedIDs = append(b.FailedIDs, eventID)
	}
}
