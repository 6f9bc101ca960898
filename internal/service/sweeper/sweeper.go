// Package sweeper re-adopts runs whose poll chain was lost, typically after
// a worker crash between finishing one poll attempt and enqueuing the next.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"querydeck/internal/domain"
)

// serviceRunner opens a transaction under a named service identity instead
// of a tenant. The storage layer grants the sweeper read-only visibility
// across tenants through a dedicated policy.
type serviceRunner interface {
	RunInServiceScope(ctx context.Context, service string, fn func(ctx context.Context) error) error
}

// Sweeper periodically scans for runs stuck in the running status whose
// poll heartbeat has gone quiet and enqueues a fresh poll for each. A live
// chain refreshes the heartbeat on every attempt, at least as often as the
// backoff cap, so a quiet heartbeat means the chain is gone and re-adoption
// cannot create a second one.
type Sweeper struct {
	runner     serviceRunner
	runs       domain.RunRepository
	queue      domain.JobQueue
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time

	cron    *cron.Cron
	entryID cron.EntryID
}

// New creates a Sweeper. staleAfter is how long a running run's heartbeat
// may go quiet before the run is considered orphaned; it must comfortably
// exceed the poll backoff cap, and the default does.
func New(runner serviceRunner, runs domain.RunRepository, queue domain.JobQueue, staleAfter time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		runner:     runner,
		runs:       runs,
		queue:      queue,
		staleAfter: staleAfter,
		logger:     logger.With("component", "sweeper"),
		now:        time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (s *Sweeper) SetClock(now func() time.Time) { s.now = now }

// Start schedules Sweep on the given cron expression until Stop is called.
func (s *Sweeper) Start(schedule string) error {
	s.cron = cron.New()
	id, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := s.Sweep(ctx); err != nil {
			s.logger.Error("sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweeper: %w", err)
	}
	s.entryID = id
	s.cron.Start()
	s.logger.Info("sweeper scheduled", "schedule", schedule, "staleAfter", s.staleAfter)
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep runs one scan. Each orphan gets a poll job rebuilt from its
// persisted submission identifiers. The durable task id additionally
// collapses the enqueue when the first poll of a chain is still sitting in
// the queue unprocessed, which is the one case where the heartbeat is old
// but the chain is alive.
func (s *Sweeper) Sweep(ctx context.Context) error {
	cutoff := s.now().Add(-s.staleAfter)

	var stale []domain.Run
	err := s.runner.RunInServiceScope(ctx, "sweeper", func(ctx context.Context) error {
		var listErr error
		stale, listErr = s.runs.ListStaleRunning(ctx, cutoff)
		return listErr
	})
	if err != nil {
		return fmt.Errorf("list stale runs: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	s.logger.Info("found stale running runs", "count", len(stale), "cutoff", cutoff)
	var failed int
	for _, r := range stale {
		state := stateFor(r)
		if state.TaskID == "" {
			// Marked running but never got its submission identifiers
			// persisted; nothing to poll against.
			s.logger.Warn("stale run has no task id, skipping", "runId", r.ID, "tenantId", r.TenantID)
			continue
		}
		if err := s.queue.EnqueuePoll(ctx, state, 0); err != nil {
			failed++
			s.logger.Error("re-enqueue poll failed", "runId", r.ID, "error", err)
			continue
		}
		s.logger.Info("re-adopted orphaned run", "runId", r.ID, "tenantId", r.TenantID, "mid", r.Mid)
	}
	if failed > 0 {
		return fmt.Errorf("failed to re-enqueue %d of %d stale runs", failed, len(stale))
	}
	return nil
}

// stateFor rebuilds poll state from the persisted run. The poll count
// restarts, but the total runtime limit is anchored on the original start
// so a re-adopted run cannot outlive its deadline.
func stateFor(r domain.Run) domain.PollJobState {
	started := r.CreatedAt
	if r.StartedAt != nil {
		started = *r.StartedAt
	}
	return domain.PollJobState{
		RunID:             r.ID,
		TenantID:          r.TenantID,
		Mid:               r.Mid,
		UserID:            r.UserID,
		TaskID:            r.TaskID,
		QueryDefinitionID: r.QueryDefinitionID,
		QueryCustomerKey:  r.QueryCustomerKey,
		TargetDeName:      r.TargetDeName,
		PollStartedAt:     started,
	}
}
