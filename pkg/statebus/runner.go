package statebus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/models"
	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/pipeline"
)

// Handler processes one inbound event to its terminal result.
type Handler func(ctx context.Context, req models.IncomingRequest) models.PipelineResult

// Runner drains platform events from the bus through the handler. A message
// holds either a single event object or a JSON array batch; per-event
// failures are aggregated, one bad event never poisons its batch.
type Runner struct {
	Consumer Consumer
	Handle   Handler
	OnBatch  func(models.BatchResult)

	// Pause between reads after a transport error.
	RetryDelay time.Duration
}

// Run consumes until ctx is canceled.
func (r *Runner) Run(ctx context.Context) error {
	delay := r.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}
	for {
		msg, err := r.Consumer.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("statebus: read failed: %v", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		batch := r.process(ctx, msg.Value)
		if r.OnBatch != nil {
			r.OnBatch(batch)
		}
	}
}

func (r *Runner) process(ctx context.Context, raw []byte) models.BatchResult {
	var batch models.BatchResult
	events, err := DecodeEvents(raw)
	if err != nil {
		log.Printf("statebus: drop undecodable message: %v", err)
		batch.Add("", models.PipelineResult{
			Status:       models.StatusError,
			ErrorCode:    pipeline.CodeInternalError,
			ErrorMessage: "undecodable bus message",
		})
		return batch
	}
	for _, ev := range events {
		if err := ev.Validate(); err != nil {
			batch.Add(ev.EventID, models.PipelineResult{
				Status:        models.StatusError,
				CorrelationID: ev.CorrelationID,
				ErrorCode:     pipeline.CodeInternalError,
				ErrorMessage:  fmt.Sprintf("invalid event: %v", err),
			})
			continue
		}
		batch.Add(ev.EventID, r.Handle(ctx, ev))
	}
	return batch
}

// DecodeEvents accepts a single event object or an array of them.
func DecodeEvents(raw []byte) ([]models.IncomingRequest, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty message")
	}
	if trimmed[0] == '[' {
		var events []models.IncomingRequest
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return nil, fmt.Errorf("parse event batch: %w", err)
		}
		return events, nil
	}
	var ev models.IncomingRequest
	if err := json.Unmarshal(trimmed, &ev); err != nil {
		return nil, fmt.Errorf("parse event: %w", err)
	}
	return []models.IncomingRequest{ev}, nil
}
