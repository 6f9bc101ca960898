package run

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"querydeck/internal/domain"
)

// DecisionKind is the outcome of one poll evaluation.
type DecisionKind string

// Poll decision kinds. Everything except polling is terminal for the run.
const (
	DecisionPolling            DecisionKind = "polling"
	DecisionCompleted          DecisionKind = "completed"
	DecisionCanceled           DecisionKind = "canceled"
	DecisionTimeout            DecisionKind = "timeout"
	DecisionBudgetExceeded     DecisionKind = "budget-exceeded"
	DecisionFailed             DecisionKind = "failed"
	DecisionRowsetNotQueryable DecisionKind = "rowset-not-queryable"
)

// Decision is what the state machine hands back to the coordinator. State
// carries every counter the next invocation needs; the coordinator persists
// it into the next poll job so any worker can resume.
type Decision struct {
	Kind         DecisionKind
	Delay        time.Duration // next poll delay, set when Kind is polling
	ErrorMessage string
	RowCount     int
	State        domain.PollJobState
}

// StateMachine decides, per poll invocation, whether a run is done, failed,
// stuck, or should keep waiting. It holds no mutable state of its own: all
// decision inputs arrive as the job state, the stored run status, and
// remote signals fetched through the gateway.
type StateMachine struct {
	gateway domain.PlatformGateway
	policy  PollPolicy
	logger  *slog.Logger
	now     func() time.Time
	jitter  func(time.Duration) time.Duration
}

// NewStateMachine creates a StateMachine over the given gateway and policy.
func NewStateMachine(gateway domain.PlatformGateway, policy PollPolicy, logger *slog.Logger) *StateMachine {
	return &StateMachine{
		gateway: gateway,
		policy:  policy,
		logger:  logger,
		now:     time.Now,
		jitter:  policy.Jitter,
	}
}

// SetClock overrides the time source. Tests only.
func (m *StateMachine) SetClock(now func() time.Time) { m.now = now }

// SetJitter overrides the jitter function. Tests only.
func (m *StateMachine) SetJitter(fn func(time.Duration) time.Duration) { m.jitter = fn }

// Evaluate runs the decision procedure in strict priority order:
// cancellation, total timeout, poll budget, remote status, stuck detection,
// row-probe fast path, rowset readiness, backoff.
func (m *StateMachine) Evaluate(ctx context.Context, st domain.PollJobState, stored domain.RunStatus) Decision {
	now := m.now()

	// 1. Cancellation short-circuits before any remote call.
	if stored == domain.RunStatusCanceled {
		return Decision{Kind: DecisionCanceled, State: st}
	}

	// 2. Total runtime limit, measured from the persisted start so it
	// survives worker restarts.
	elapsed := now.Sub(st.PollStartedAt)
	if elapsed >= m.policy.MaxTotalDuration {
		return Decision{
			Kind:         DecisionTimeout,
			ErrorMessage: fmt.Sprintf("query did not complete within %s", m.policy.MaxTotalDuration),
			State:        st,
		}
	}

	// 3. Poll budget.
	if st.PollCount >= m.policy.PollBudget {
		return Decision{
			Kind:         DecisionBudgetExceeded,
			ErrorMessage: fmt.Sprintf("gave up after %d status checks", st.PollCount),
			State:        st,
		}
	}

	// 4. Remote activity status.
	status, err := m.gateway.ActivityStatus(ctx, st.TaskID)
	if err != nil {
		if domain.IsUnrecoverable(err) {
			return m.fatal(st, err)
		}
		m.logger.Warn("activity status fetch failed, polling again",
			"runId", st.RunID, "taskId", st.TaskID, "error", err)
		return m.keepPolling(st)
	}
	if msg := strings.TrimSpace(status.ErrorMessage); msg != "" {
		return Decision{Kind: DecisionFailed, ErrorMessage: msg, State: st}
	}
	normalized := strings.ToLower(strings.TrimSpace(status.Status))
	finished := normalized == "complete" || normalized == "completed"

	// 5. Stuck detection. A completion timestamp on a non-complete status
	// record makes the check eligible immediately.
	stuckConfirmed := false
	if !finished {
		eligible := status.CompletedAt != nil || elapsed >= m.policy.StuckThreshold
		if eligible {
			running, runErr := m.gateway.IsActivityRunning(ctx, st.TaskID)
			if runErr != nil {
				if domain.IsUnrecoverable(runErr) {
					return m.fatal(st, runErr)
				}
				return m.keepPolling(st)
			}
			if running {
				st.NotRunningConfirmations = 0
				st.NotRunningDetectedAt = nil
				return m.keepPolling(st)
			}
			st.NotRunningConfirmations++
			if st.NotRunningDetectedAt == nil {
				t := now
				st.NotRunningDetectedAt = &t
			}
			if st.NotRunningConfirmations >= m.policy.NotRunningConfirmations {
				stuckConfirmed = true
				m.logger.Info("task confirmed not running, treating as finished",
					"runId", st.RunID, "taskId", st.TaskID,
					"confirmations", st.NotRunningConfirmations)
			}
		}
	}

	// 6. Row-probe fast path: any row in the target rowset means the query
	// produced output, regardless of what the status record says.
	if st.TargetDeName != "" &&
		elapsed >= m.policy.RowProbeMinRuntime &&
		(st.RowProbeLastCheckedAt == nil || now.Sub(*st.RowProbeLastCheckedAt) >= m.policy.RowProbeMinInterval) {
		n, probeErr := m.gateway.ProbeRows(ctx, st.TargetDeName)
		if probeErr != nil {
			if domain.IsUnrecoverable(probeErr) {
				return m.fatal(st, probeErr)
			}
			return m.keepPolling(st)
		}
		if n > 0 {
			return Decision{Kind: DecisionCompleted, RowCount: n, State: st}
		}
		st.RowProbeAttempts++
		t := now
		st.RowProbeLastCheckedAt = &t
		if !finished && !stuckConfirmed {
			return m.keepPolling(st)
		}
	}

	// 7. Rowset readiness gate, reached only once the task is complete or
	// stuck-confirmed and the probe found nothing.
	if finished || stuckConfirmed {
		if st.TargetDeName == "" {
			return Decision{Kind: DecisionCompleted, State: st}
		}
		queryable, readyErr := m.gateway.RowsetQueryable(ctx, st.TargetDeName)
		if readyErr != nil {
			if domain.IsUnrecoverable(readyErr) {
				return m.fatal(st, readyErr)
			}
			return m.keepPolling(st)
		}
		if !queryable {
			st.RowsetReadyAttempts++
			if st.RowsetReadyAttempts >= m.policy.RowsetReadyMaxAttempts {
				return Decision{
					Kind: DecisionRowsetNotQueryable,
					ErrorMessage: fmt.Sprintf("result rowset %q not queryable after %d attempts",
						st.TargetDeName, st.RowsetReadyAttempts),
					State: st,
				}
			}
			return m.keepPolling(st)
		}
		return Decision{Kind: DecisionCompleted, State: st}
	}

	// 8. Keep waiting.
	return m.keepPolling(st)
}

func (m *StateMachine) keepPolling(st domain.PollJobState) Decision {
	delay := m.jitter(m.policy.BackoffDelay(st.PollCount))
	st.PollCount++
	return Decision{Kind: DecisionPolling, Delay: delay, State: st}
}

func (m *StateMachine) fatal(st domain.PollJobState, err error) Decision {
	return Decision{
		Kind:         DecisionFailed,
		ErrorMessage: fmt.Sprintf("tenant %s mid %s: %v", st.TenantID, st.Mid, err),
		State:        st,
	}
}
