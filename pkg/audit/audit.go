// Package audit persists an append-only log of pipeline decisions to
// Postgres. User identifiers can be salted-hashed before storage so the log
// carries no raw end-user ids.
package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/pipeline"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
	Now      func() time.Time
}

// Record is one row of the decision log.
type Record struct {
	CorrelationID string
	Tenant        string
	UserHash      string
	Channel       string
	Gate          string
	Code          string
	AgentID       string
	Status        string
	CreatedAt     time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS pipeline_decisions (
	correlation_id TEXT NOT NULL,
	tenant         TEXT NOT NULL DEFAULT '',
	user_hash      TEXT NOT NULL DEFAULT '',
	channel        TEXT NOT NULL DEFAULT '',
	gate           TEXT NOT NULL,
	code           TEXT NOT NULL DEFAULT '',
	agent_id       TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS pipeline_decisions_corr_idx ON pipeline_decisions (correlation_id);
CREATE INDEX IF NOT EXISTS pipeline_decisions_tenant_idx ON pipeline_decisions (tenant, created_at);
`

// EnsureSchema creates the decision table when it does not exist yet.
func (w *Writer) EnsureSchema(ctx context.Context) error {
	_, err := w.DB.Exec(ctx, schema)
	return err
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = w.now()
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO pipeline_decisions
		(correlation_id, tenant, user_hash, channel, gate, code, agent_id, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, rec.CorrelationID, rec.Tenant, rec.UserHash, rec.Channel, rec.Gate, rec.Code, rec.AgentID, rec.Status, rec.CreatedAt)
	return err
}

// Record adapts a pipeline decision into a log row, hashing the user id when
// redaction is on. Satisfies the orchestrator's Recorder.
func (w *Writer) Record(ctx context.Context, d pipeline.Decision) error {
	userHash := d.UserID
	if w.Redact {
		userHash = hashString(d.UserID, w.HashSalt)
	}
	return w.Append(ctx, Record{
		CorrelationID: d.CorrelationID,
		Tenant:        d.TenantID,
		UserHash:      userHash,
		Channel:       d.ChannelID,
		Gate:          d.Gate,
		Code:          d.Code,
		AgentID:       d.AgentID,
		Status:        d.Status,
	})
}

// Get fetches the latest decision for a correlation id, optionally scoped to
// a tenant.
func (w *Writer) Get(ctx context.Context, correlationID, tenant string) (Record, error) {
	var rec Record
	var row pgx.Row
	if tenant != "" {
		row = w.DB.QueryRow(ctx, `
			SELECT correlation_id, tenant, user_hash, channel, gate, code, agent_id, status, created_at
			FROM pipeline_decisions WHERE tenant=$1 AND correlation_id=$2
			ORDER BY created_at DESC LIMIT 1
		`, tenant, correlationID)
	} else {
		row = w.DB.QueryRow(ctx, `
			SELECT correlation_id, tenant, user_hash, channel, gate, code, agent_id, status, created_at
			FROM pipeline_decisions WHERE correlation_id=$1
			ORDER BY created_at DESC LIMIT 1
		`, correlationID)
	}
	err := row.Scan(&rec.CorrelationID, &rec.Tenant, &rec.UserHash, &rec.Channel, &rec.Gate, &rec.Code, &rec.AgentID, &rec.Status, &rec.CreatedAt)
	return rec, err
}

func (w *Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now().UTC()
}
