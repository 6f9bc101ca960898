// Package queue adapts the job ports onto asynq-backed Redis queues and
// hosts the worker-side task handlers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"querydeck/internal/domain"
	"querydeck/internal/service/run"
)

// Task types and queue names.
const (
	TaskTypeExecute = "run:execute"
	TaskTypePoll    = "run:poll"

	QueueExecute = "execute"
	QueuePoll    = "poll"
)

// executeMaxRetry bounds redelivery of the submission path; poll jobs get a
// smaller budget because the coordinator reschedules them itself.
const (
	executeMaxRetry = 3
	pollMaxRetry    = 5
)

// ExecuteTaskID returns the durable id of a run's execute job.
func ExecuteTaskID(runID string) string { return "execute:" + runID }

// PollTaskID returns the durable id of one poll attempt. The poll count is
// part of the id: re-enqueues of the same attempt collapse, while the next
// attempt gets a fresh id even though a task for the run may still be
// finishing.
func PollTaskID(runID string, pollCount int) string {
	return fmt.Sprintf("poll:%s:%d", runID, pollCount)
}

// AsynqQueue implements the job queue port over an asynq client.
type AsynqQueue struct {
	client *asynq.Client
}

// NewAsynqQueue wraps an asynq client.
func NewAsynqQueue(client *asynq.Client) *AsynqQueue {
	return &AsynqQueue{client: client}
}

// EnqueueExecute schedules the submission job for a run. A second enqueue
// for the same run is a no-op.
func (q *AsynqQueue) EnqueueExecute(ctx context.Context, payload domain.ExecuteJobPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal execute payload: %w", err)
	}
	_, err = q.client.EnqueueContext(ctx, asynq.NewTask(TaskTypeExecute, body),
		asynq.TaskID(ExecuteTaskID(payload.RunID)),
		asynq.Queue(QueueExecute),
		asynq.MaxRetry(executeMaxRetry),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue execute for run %s: %w", payload.RunID, err)
	}
	return nil
}

// EnqueuePoll schedules one poll attempt after delay. At-least-once
// redelivery of the enqueuing job collapses on the attempt's task id.
func (q *AsynqQueue) EnqueuePoll(ctx context.Context, state domain.PollJobState, delay time.Duration) error {
	body, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal poll state: %w", err)
	}
	opts := []asynq.Option{
		asynq.TaskID(PollTaskID(state.RunID, state.PollCount)),
		asynq.Queue(QueuePoll),
		asynq.MaxRetry(pollMaxRetry),
	}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}
	_, err = q.client.EnqueueContext(ctx, asynq.NewTask(TaskTypePoll, body), opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue poll for run %s: %w", state.RunID, err)
	}
	return nil
}

// Handlers are the worker-side entry points for queued tasks.
type Handlers struct {
	coord  *run.Coordinator
	logger *slog.Logger
}

// NewHandlers creates the task handlers.
func NewHandlers(coord *run.Coordinator, logger *slog.Logger) *Handlers {
	return &Handlers{coord: coord, logger: logger.With("component", "queue")}
}

// NewMux registers the handlers on a fresh asynq mux.
func NewMux(h *Handlers) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeExecute, h.HandleExecuteTask)
	mux.HandleFunc(TaskTypePoll, h.HandlePollTask)
	return mux
}

// HandleExecuteTask decodes and runs one execute job. It tells the
// coordinator when this is the final delivery so a retryable failure still
// finalizes the run.
func (h *Handlers) HandleExecuteTask(ctx context.Context, task *asynq.Task) error {
	var payload domain.ExecuteJobPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode execute payload: %v: %w", err, asynq.SkipRetry)
	}
	_, err := h.coord.HandleExecute(ctx, payload, lastAttempt(ctx))
	return classify(err)
}

// HandlePollTask decodes and runs one poll attempt. Rescheduling is the
// coordinator's job; a nil return just acknowledges this attempt.
func (h *Handlers) HandlePollTask(ctx context.Context, task *asynq.Task) error {
	var state domain.PollJobState
	if err := json.Unmarshal(task.Payload(), &state); err != nil {
		return fmt.Errorf("decode poll state: %v: %w", err, asynq.SkipRetry)
	}
	res, err := h.coord.HandlePoll(ctx, state)
	if err != nil {
		return classify(err)
	}
	h.logger.Debug("poll task done", "runId", res.RunID, "status", res.Status)
	return nil
}

// classify maps unrecoverable domain errors onto asynq's retry-skip
// sentinel so the queue archives them instead of redelivering.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if domain.IsUnrecoverable(err) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}

func lastAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return false
	}
	max, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return false
	}
	return retried >= max
}

// Servers hosts one asynq server per job kind. asynq's queue weights only
// set scheduling priority within a shared worker pool; a separate server
// per kind makes each concurrency setting a hard cap, so a deep poll
// backlog can never occupy the submission slots or vice versa.
type Servers struct {
	Execute *asynq.Server
	Poll    *asynq.Server
}

// NewServers builds the per-kind worker servers.
func NewServers(redisAddr string, redisDB int, executeConcurrency, pollConcurrency int, logger *slog.Logger) *Servers {
	return &Servers{
		Execute: newKindServer(redisAddr, redisDB, QueueExecute, executeConcurrency, logger),
		Poll:    newKindServer(redisAddr, redisDB, QueuePoll, pollConcurrency, logger),
	}
}

// Shutdown stops both servers, waiting for in-flight tasks.
func (s *Servers) Shutdown() {
	s.Execute.Shutdown()
	s.Poll.Shutdown()
}

func newKindServer(redisAddr string, redisDB int, queueName string, concurrency int, logger *slog.Logger) *asynq.Server {
	return asynq.NewServer(
		asynq.RedisClientOpt{Addr: redisAddr, DB: redisDB},
		asynq.Config{
			Concurrency: concurrency,
			Queues:      map[string]int{queueName: 1},
			Logger:      &slogAdapter{logger: logger.With("component", "asynq", "queue", queueName)},
			ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
				logger.Error("task failed", "type", task.Type(), "queue", queueName, "error", err)
			}),
		},
	)
}

// slogAdapter bridges asynq's logger interface onto slog.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Debug(args ...interface{}) { a.logger.Debug(fmt.Sprint(args...)) }
func (a *slogAdapter) Info(args ...interface{})  { a.logger.Info(fmt.Sprint(args...)) }
func (a *slogAdapter) Warn(args ...interface{})  { a.logger.Warn(fmt.Sprint(args...)) }
func (a *slogAdapter) Error(args ...interface{}) { a.logger.Error(fmt.Sprint(args...)) }
func (a *slogAdapter) Fatal(args ...interface{}) { a.logger.Error(fmt.Sprint(args...)) }
