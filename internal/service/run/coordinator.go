package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"querydeck/internal/db/crypto"
	"querydeck/internal/domain"
)

// ExecuteResult is returned by a successful execute job.
type ExecuteResult struct {
	Status string `json:"status"`
	RunID  string `json:"runId"`
	TaskID string `json:"taskId"`
}

// PollResult carries the applied decision kind back to the queue runtime.
type PollResult struct {
	Status string        `json:"status"`
	RunID  string        `json:"runId"`
	Delay  time.Duration `json:"-"`
}

// Coordinator dispatches queue jobs to the execute or poll path and applies
// the state machine's decisions: run finalization, event publication,
// cleanup, and rescheduling.
type Coordinator struct {
	runner    domain.TxRunner
	runs      domain.RunRepository
	queue     domain.JobQueue
	publisher domain.ProgressPublisher
	gateway   domain.PlatformGateway
	machine   *StateMachine
	cleanup   *Cleanup
	enc       *crypto.Encryptor
	logger    *slog.Logger
	now       func() time.Time
}

// NewCoordinator wires a Coordinator.
func NewCoordinator(
	runner domain.TxRunner,
	runs domain.RunRepository,
	queue domain.JobQueue,
	publisher domain.ProgressPublisher,
	gateway domain.PlatformGateway,
	machine *StateMachine,
	cleanup *Cleanup,
	enc *crypto.Encryptor,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		runner:    runner,
		runs:      runs,
		queue:     queue,
		publisher: publisher,
		gateway:   gateway,
		machine:   machine,
		cleanup:   cleanup,
		enc:       enc,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

// HandleExecute runs the submission path for one execute job. lastAttempt
// tells the coordinator this is the queue's final delivery, so a retryable
// failure must still finalize the run.
//
// The remote submission sequence runs outside any tenant transaction: a
// connection is only held for the short DB writes before and after, never
// across the slow platform calls.
func (c *Coordinator) HandleExecute(ctx context.Context, payload domain.ExecuteJobPayload, lastAttempt bool) (ExecuteResult, error) {
	log := c.logger.With("runId", payload.RunID, "tenantId", payload.TenantID, "mid", payload.Mid)
	c.publish(ctx, payload.RunID, domain.EventQueued, "run accepted", "")

	sqlBytes, err := c.enc.Decrypt(payload.EncryptedSQL)
	if err != nil {
		return ExecuteResult{}, c.failExecute(ctx, payload, true,
			domain.ErrTerminal("tenant %s mid %s: decrypt sql: %v", payload.TenantID, payload.Mid, err))
	}

	submitted, err := c.gateway.Submit(ctx, domain.SubmitRequest{
		RunID:       payload.RunID,
		Eid:         payload.Eid,
		SQLText:     string(sqlBytes),
		SnippetName: payload.SnippetName,
	}, func(stage string) {
		c.publish(ctx, payload.RunID, stage, "", "")
	})
	if err != nil {
		return ExecuteResult{}, c.failExecute(ctx, payload, lastAttempt, err)
	}

	err = c.runner.RunInUserScope(ctx, payload.TenantID, payload.Mid, payload.UserID, func(ctx context.Context) error {
		return c.runs.MarkRunning(ctx, payload.RunID,
			submitted.TaskID, submitted.QueryDefinitionID, submitted.QueryCustomerKey, submitted.TargetDeName)
	})
	if err != nil {
		return ExecuteResult{}, c.failExecute(ctx, payload, lastAttempt, fmt.Errorf("persist submission: %w", err))
	}

	state := domain.PollJobState{
		RunID:             payload.RunID,
		TenantID:          payload.TenantID,
		Mid:               payload.Mid,
		UserID:            payload.UserID,
		TaskID:            submitted.TaskID,
		QueryDefinitionID: submitted.QueryDefinitionID,
		QueryCustomerKey:  submitted.QueryCustomerKey,
		TargetDeName:      submitted.TargetDeName,
		PollStartedAt:     c.now(),
	}
	if err := c.queue.EnqueuePoll(ctx, state, 0); err != nil {
		return ExecuteResult{}, c.failExecute(ctx, payload, lastAttempt, fmt.Errorf("enqueue poll job: %w", err))
	}

	log.Info("submission complete, poll job enqueued", "taskId", submitted.TaskID)
	return ExecuteResult{Status: "poll-enqueued", RunID: payload.RunID, TaskID: submitted.TaskID}, nil
}

// failExecute publishes the failure and, when the failure is unrecoverable
// or the queue is out of retries, finalizes the run. Retryable mid-flight
// failures leave the run status alone so the queue's redelivery can move it
// forward monotonically.
func (c *Coordinator) failExecute(ctx context.Context, payload domain.ExecuteJobPayload, final bool, cause error) error {
	unrecoverable := domain.IsUnrecoverable(cause)
	finalize := unrecoverable || final

	if finalize {
		err := c.runner.RunInTenantScope(ctx, payload.TenantID, payload.Mid, func(ctx context.Context) error {
			return c.runs.MarkFailed(ctx, payload.RunID, cause.Error())
		})
		if err != nil {
			c.logger.Error("persist failed status", "runId", payload.RunID, "error", err)
		}
	}
	c.publish(ctx, payload.RunID, domain.EventFailed, "submission failed", cause.Error())

	if unrecoverable {
		return fmt.Errorf("run %s: %w", payload.RunID, cause)
	}
	return fmt.Errorf("run %s (will retry): %w", payload.RunID, cause)
}

// HandlePoll evaluates one poll invocation and applies the decision's side
// effects. Terminal decisions persist the run status before the matching
// event is published, so stream consumers can never observe a state the
// database disagrees with.
func (c *Coordinator) HandlePoll(ctx context.Context, state domain.PollJobState) (PollResult, error) {
	log := c.logger.With("runId", state.RunID, "tenantId", state.TenantID, "mid", state.Mid)

	var stored domain.RunStatus
	err := c.runner.RunInTenantScope(ctx, state.TenantID, state.Mid, func(ctx context.Context) error {
		var getErr error
		stored, getErr = c.runs.GetStatus(ctx, state.RunID)
		if getErr != nil {
			return getErr
		}
		// Heartbeat for the sweeper: a running run with a fresh heartbeat
		// still owns a live poll chain and must not be re-adopted.
		return c.runs.TouchPolled(ctx, state.RunID)
	})
	if err != nil {
		var notFound *domain.NotFoundError
		if errors.As(err, &notFound) {
			// A run invisible under its own tenant scope cannot make
			// progress; retrying the poll would never succeed.
			return PollResult{}, domain.ErrTerminal("load run %s: %v", state.RunID, err)
		}
		return PollResult{}, fmt.Errorf("load run %s: %w", state.RunID, err)
	}

	decision := c.machine.Evaluate(ctx, state, stored)
	result := PollResult{Status: string(decision.Kind), RunID: state.RunID, Delay: decision.Delay}

	switch decision.Kind {
	case DecisionCanceled:
		// Status already terminal in the store; publish and clean up only.
		c.publish(ctx, state.RunID, domain.EventCanceled, "run canceled", "")
		c.cleanup.OnTerminal(ctx, state.RunID, state.QueryDefinitionID, state.QueryCustomerKey)
		log.Info("poll finished", "decision", decision.Kind)
		return result, nil

	case DecisionTimeout, DecisionBudgetExceeded, DecisionFailed, DecisionRowsetNotQueryable:
		if err := c.finalize(ctx, state, domain.RunStatusFailed, decision); err != nil {
			return PollResult{}, err
		}
		c.publish(ctx, state.RunID, domain.EventFailed, string(decision.Kind), decision.ErrorMessage)
		c.cleanup.OnTerminal(ctx, state.RunID, state.QueryDefinitionID, state.QueryCustomerKey)
		log.Info("poll finished", "decision", decision.Kind, "pollCount", state.PollCount)
		return result, nil

	case DecisionCompleted:
		if err := c.finalize(ctx, state, domain.RunStatusReady, decision); err != nil {
			return PollResult{}, err
		}
		c.publish(ctx, state.RunID, domain.EventFetchingResults, "results available", "")
		c.publish(ctx, state.RunID, domain.EventReady, "run complete", "")
		c.cleanup.OnTerminal(ctx, state.RunID, state.QueryDefinitionID, state.QueryCustomerKey)
		log.Info("poll finished", "decision", decision.Kind, "pollCount", state.PollCount, "rowCount", decision.RowCount)
		return result, nil

	case DecisionPolling:
		if err := c.queue.EnqueuePoll(ctx, decision.State, decision.Delay); err != nil {
			return PollResult{}, fmt.Errorf("reschedule poll for run %s: %w", state.RunID, err)
		}
		log.Debug("polling again", "pollCount", decision.State.PollCount, "delay", decision.Delay)
		return result, nil

	default:
		return PollResult{}, domain.ErrTerminal("unknown decision kind %q for run %s", decision.Kind, state.RunID)
	}
}

func (c *Coordinator) finalize(ctx context.Context, state domain.PollJobState, status domain.RunStatus, decision Decision) error {
	return c.runner.RunInTenantScope(ctx, state.TenantID, state.Mid, func(ctx context.Context) error {
		if status == domain.RunStatusReady {
			return c.runs.MarkReady(ctx, state.RunID, decision.RowCount)
		}
		return c.runs.MarkFailed(ctx, state.RunID, decision.ErrorMessage)
	})
}

// publish sends one progress event; a delivery failure never fails the job,
// since the durable run status is the source of truth.
func (c *Coordinator) publish(ctx context.Context, runID, status, message, errorMessage string) {
	if err := c.publisher.Publish(ctx, runID, status, message, errorMessage); err != nil {
		c.logger.Warn("publish run status", "runId", runID, "status", status, "error", err)
	}
}
