// Package delegate invokes execution agents and resolves their results,
// synchronously or through polling for long-running tasks.
package delegate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/backoff"
	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/models"
)

const (
	defaultBudget      = 120 * time.Second
	defaultCallTimeout = 30 * time.Second
)

// Result is the terminal outcome of one delegation. Task.State is always one
// of TaskCompleted, TaskFailed or TaskTimedOut when Execute returns.
type Result struct {
	Task  models.DelegationTask
	Agent models.AgentResult
}

// Client drives the delegation state machine:
//
//	invoking -> completed | failed | accepted
//	accepted -> polling -> completed | failed | timed-out
//
// The polling loop blocks the handling goroutine and is bounded by the
// wall-clock budget; transient poll errors extend the backoff and continue.
type Client struct {
	HTTPClient  *http.Client
	Budget      time.Duration
	CallTimeout time.Duration
	Poll        backoff.Strategy

	// Injectable clock and sleeper for tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		HTTPClient:  httpClient,
		Budget:      defaultBudget,
		CallTimeout: defaultCallTimeout,
		// Poll interval starts at 2s, grows 1.5x per attempt, capped at 10s.
		Poll:  backoff.New(2*time.Second, 1.5, 10*time.Second, 0),
		Now:   time.Now,
		Sleep: backoff.Sleep,
	}
}

// Execute runs one delegation against agentTarget. correlationID doubles as
// the JSON-RPC request id so agent logs line up with gateway traces.
func (c *Client) Execute(ctx context.Context, agentTarget string, params ExecuteParams, correlationID string) Result {
	budget := c.Budget
	if budget <= 0 {
		budget = defaultBudget
	}
	payload, _ := json.Marshal(params)
	task := models.DelegationTask{
		CorrelationID: correlationID,
		Payload:       payload,
		State:         models.TaskPending,
		StartedAt:     c.now(),
	}
	deadline := task.StartedAt.Add(budget)

	agent, rpcErr, err := c.call(ctx, agentTarget, correlationID, MethodExecuteTask, params, deadline)
	if err != nil {
		return failed(task, models.AgentResult{
			Status:       models.AgentStatusError,
			ErrorCode:    "delegation_failed",
			ErrorMessage: fmt.Sprintf("agent invocation failed: %v", err),
		})
	}
	if rpcErr != nil {
		return failed(task, models.AgentResult{
			Status:       models.AgentStatusError,
			ErrorCode:    fmt.Sprintf("rpc_%d", rpcErr.Code),
			ErrorMessage: rpcErr.Message,
		})
	}
	switch agent.Status {
	case models.AgentStatusSuccess, models.TaskCompleted:
		return terminal(task, models.TaskCompleted, agent)
	case models.AgentStatusError, models.TaskFailed:
		return failed(task, orGenericFailure(agent))
	case models.AgentStatusAccepted:
		if agent.TaskID == "" {
			return failed(task, models.AgentResult{
				Status:       models.AgentStatusError,
				ErrorCode:    "delegation_failed",
				ErrorMessage: "agent accepted the task without a task_id",
			})
		}
		task.State = models.TaskAcceptedAsync
		return c.poll(ctx, agentTarget, correlationID, agent.TaskID, task, deadline)
	default:
		return failed(task, models.AgentResult{
			Status:       models.AgentStatusError,
			ErrorCode:    "delegation_failed",
			ErrorMessage: fmt.Sprintf("agent returned unknown status %q", agent.Status),
		})
	}
}

// poll repeats get_result until a terminal answer or budget exhaustion. The
// budget already accounts for time spent invoking: the shared deadline keeps
// shrinking the allowance.
func (c *Client) poll(ctx context.Context, agentTarget, correlationID, taskID string, task models.DelegationTask, deadline time.Time) Result {
	attempt := 0
	for {
		delay := c.Poll.Delay(attempt)
		if c.now().Add(delay).After(deadline) {
			return terminal(task, models.TaskTimedOut, models.AgentResult{
				Status:       models.AgentStatusError,
				ErrorCode:    "delegation_timeout",
				ErrorMessage: "agent did not complete within the delegation budget",
				TaskID:       taskID,
			})
		}
		if err := c.sleep(ctx, delay); err != nil {
			return terminal(task, models.TaskTimedOut, models.AgentResult{
				Status:       models.AgentStatusError,
				ErrorCode:    "delegation_timeout",
				ErrorMessage: "delegation canceled while waiting",
				TaskID:       taskID,
			})
		}
		agent, rpcErr, err := c.call(ctx, agentTarget, correlationID, MethodGetResult, GetResultParams{TaskID: taskID}, deadline)
		if err != nil || rpcErr != nil {
			// Transient ("not ready yet" and friends): extend the backoff and
			// keep polling inside the same budget.
			attempt++
			continue
		}
		switch agent.Status {
		case models.AgentStatusSuccess, models.TaskCompleted:
			return terminal(task, models.TaskCompleted, agent)
		case models.AgentStatusError, models.TaskFailed:
			return failed(task, orGenericFailure(agent))
		default:
			attempt++
		}
	}
}

// call performs one JSON-RPC exchange with a per-call timeout bounded by the
// remaining budget.
func (c *Client) call(ctx context.Context, agentTarget, correlationID, method string, params any, deadline time.Time) (models.AgentResult, *Error, error) {
	req, err := NewRequest(correlationID, method, params)
	if err != nil {
		return models.AgentResult{}, nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return models.AgentResult{}, nil, err
	}
	callTimeout := c.CallTimeout
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	if remaining := deadline.Sub(c.now()); remaining < callTimeout {
		callTimeout = remaining
	}
	if callTimeout <= 0 {
		return models.AgentResult{}, nil, fmt.Errorf("delegation budget exhausted")
	}
	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, agentTarget, bytes.NewReader(body))
	if err != nil {
		return models.AgentResult{}, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return models.AgentResult{}, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return models.AgentResult{}, nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return models.AgentResult{}, nil, fmt.Errorf("agent returned status %d", resp.StatusCode)
	}
	var rpcResp Response
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return models.AgentResult{}, nil, fmt.Errorf("parse agent response: %w", err)
	}
	if rpcResp.Error != nil {
		return models.AgentResult{}, rpcResp.Error, nil
	}
	var agent models.AgentResult
	if err := json.Unmarshal(rpcResp.Result, &agent); err != nil {
		return models.AgentResult{}, nil, fmt.Errorf("parse agent result: %w", err)
	}
	return agent, nil, nil
}

func (c *Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	if c.Sleep != nil {
		return c.Sleep(ctx, d)
	}
	return backoff.Sleep(ctx, d)
}

func terminal(task models.DelegationTask, state string, agent models.AgentResult) Result {
	task.State = state
	return Result{Task: task, Agent: agent}
}

func failed(task models.DelegationTask, agent models.AgentResult) Result {
	return terminal(task, models.TaskFailed, agent)
}

// orGenericFailure fills a failure payload for agents that report an error
// without a body.
func orGenericFailure(agent models.AgentResult) models.AgentResult {
	if agent.ErrorCode == "" && agent.ErrorMessage == "" {
		agent.ErrorCode = "delegation_failed"
		agent.ErrorMessage = "agent reported failure without detail"
	}
	agent.Status = models.AgentStatusError
	return agent
}
