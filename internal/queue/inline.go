package queue

import (
	"context"
	"sync"
	"time"

	"querydeck/internal/domain"
)

// ScheduledPoll is a poll attempt recorded by the inline queue.
type ScheduledPoll struct {
	State domain.PollJobState
	Delay time.Duration
}

// Inline is an in-process job queue used by tests and local tooling. It
// records enqueues in order and applies the same task-id collapse the Redis
// adapter gets from durable task ids.
type Inline struct {
	mu       sync.Mutex
	seen     map[string]struct{}
	executes []domain.ExecuteJobPayload
	polls    []ScheduledPoll
}

// NewInline creates an empty inline queue.
func NewInline() *Inline {
	return &Inline{seen: make(map[string]struct{})}
}

func (q *Inline) EnqueueExecute(_ context.Context, payload domain.ExecuteJobPayload) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := ExecuteTaskID(payload.RunID)
	if _, dup := q.seen[id]; dup {
		return nil
	}
	q.seen[id] = struct{}{}
	q.executes = append(q.executes, payload)
	return nil
}

func (q *Inline) EnqueuePoll(_ context.Context, state domain.PollJobState, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := PollTaskID(state.RunID, state.PollCount)
	if _, dup := q.seen[id]; dup {
		return nil
	}
	q.seen[id] = struct{}{}
	q.polls = append(q.polls, ScheduledPoll{State: state, Delay: delay})
	return nil
}

// PopExecute removes and returns the oldest pending execute payload.
func (q *Inline) PopExecute() (domain.ExecuteJobPayload, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.executes) == 0 {
		return domain.ExecuteJobPayload{}, false
	}
	p := q.executes[0]
	q.executes = q.executes[1:]
	return p, true
}

// PopPoll removes and returns the oldest pending poll attempt.
func (q *Inline) PopPoll() (ScheduledPoll, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.polls) == 0 {
		return ScheduledPoll{}, false
	}
	p := q.polls[0]
	q.polls = q.polls[1:]
	return p, true
}

// Pending reports the number of queued jobs of both kinds.
func (q *Inline) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.executes) + len(q.polls)
}
