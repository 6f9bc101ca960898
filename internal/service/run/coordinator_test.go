package run

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"querydeck/internal/db/crypto"
	"querydeck/internal/domain"
)

const testKey = "6368616e676520746869732070617373776f726420746f206120736563726574"

type fakeRunner struct {
	mu     sync.Mutex
	scopes []string
}

func (r *fakeRunner) RunInTenantScope(ctx context.Context, tenantID, mid string, fn func(ctx context.Context) error) error {
	r.mu.Lock()
	r.scopes = append(r.scopes, "tenant:"+tenantID+":"+mid)
	r.mu.Unlock()
	return fn(ctx)
}

func (r *fakeRunner) RunInUserScope(ctx context.Context, tenantID, mid, userID string, fn func(ctx context.Context) error) error {
	r.mu.Lock()
	r.scopes = append(r.scopes, "user:"+tenantID+":"+mid+":"+userID)
	r.mu.Unlock()
	return fn(ctx)
}

type fakeRuns struct {
	status domain.RunStatus

	statusErr  error
	markRunErr error
	markErr    error

	running []string // "id|taskId|deName"
	ready   map[string]int
	failed  map[string]string
	touched []string
}

func newFakeRuns(status domain.RunStatus) *fakeRuns {
	return &fakeRuns{status: status, ready: map[string]int{}, failed: map[string]string{}}
}

func (r *fakeRuns) GetByID(context.Context, string) (*domain.Run, error) { return nil, nil }

func (r *fakeRuns) GetStatus(context.Context, string) (domain.RunStatus, error) {
	return r.status, r.statusErr
}

func (r *fakeRuns) Create(_ context.Context, run *domain.Run) (*domain.Run, error) { return run, nil }

func (r *fakeRuns) MarkRunning(_ context.Context, id, taskID, _, _, targetDeName string) error {
	if r.markRunErr != nil {
		return r.markRunErr
	}
	r.running = append(r.running, id+"|"+taskID+"|"+targetDeName)
	return nil
}

func (r *fakeRuns) MarkReady(_ context.Context, id string, rowCount int) error {
	if r.markErr != nil {
		return r.markErr
	}
	r.ready[id] = rowCount
	return nil
}

func (r *fakeRuns) MarkFailed(_ context.Context, id, message string) error {
	if r.markErr != nil {
		return r.markErr
	}
	r.failed[id] = message
	return nil
}

func (r *fakeRuns) TouchPolled(_ context.Context, id string) error {
	r.touched = append(r.touched, id)
	return nil
}

func (r *fakeRuns) ListStaleRunning(context.Context, time.Time) ([]domain.Run, error) {
	return nil, nil
}

type enqueuedPoll struct {
	state domain.PollJobState
	delay time.Duration
}

type fakeQueue struct {
	enqueueErr error
	executes   []domain.ExecuteJobPayload
	polls      []enqueuedPoll
}

func (q *fakeQueue) EnqueueExecute(_ context.Context, payload domain.ExecuteJobPayload) error {
	q.executes = append(q.executes, payload)
	return q.enqueueErr
}

func (q *fakeQueue) EnqueuePoll(_ context.Context, state domain.PollJobState, delay time.Duration) error {
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.polls = append(q.polls, enqueuedPoll{state: state, delay: delay})
	return nil
}

type publishedEvent struct {
	runID, status, errorMessage string
}

type fakePublisher struct {
	events []publishedEvent
}

func (p *fakePublisher) Publish(_ context.Context, runID, status, _, errorMessage string) error {
	p.events = append(p.events, publishedEvent{runID: runID, status: status, errorMessage: errorMessage})
	return nil
}

func (p *fakePublisher) statuses() []string {
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.status)
	}
	return out
}

type coordFixture struct {
	coord     *Coordinator
	runner    *fakeRunner
	runs      *fakeRuns
	queue     *fakeQueue
	publisher *fakePublisher
	gateway   *fakeGateway
	enc       *crypto.Encryptor
}

func newCoordFixture(t *testing.T, runs *fakeRuns, g *fakeGateway, elapsed time.Duration) *coordFixture {
	t.Helper()
	enc, err := crypto.NewEncryptor(testKey)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := &fakeRunner{}
	queue := &fakeQueue{}
	publisher := &fakePublisher{}
	machine := newTestMachine(g, elapsed)

	coord := NewCoordinator(runner, runs, queue, publisher, g, machine, NewCleanup(g, logger), enc, logger)
	coord.SetClock(func() time.Time { return pollStart })
	return &coordFixture{
		coord: coord, runner: runner, runs: runs, queue: queue,
		publisher: publisher, gateway: g, enc: enc,
	}
}

func executePayload(t *testing.T, enc *crypto.Encryptor) domain.ExecuteJobPayload {
	t.Helper()
	sealed, err := enc.Encrypt([]byte("SELECT SubscriberKey FROM _Subscribers"))
	require.NoError(t, err)
	return domain.ExecuteJobPayload{
		RunID:        "run-1",
		TenantID:     "tenant-a",
		Mid:          "mid-1",
		UserID:       "user-1",
		Eid:          "eid-1",
		EncryptedSQL: sealed,
		SnippetName:  "weekly_report",
	}
}

func TestHandleExecute_HappyPath(t *testing.T) {
	t.Parallel()

	g := &fakeGateway{submitResult: domain.SubmitResult{
		TaskID:            "task-9",
		QueryDefinitionID: "qd-9",
		QueryCustomerKey:  "ck-9",
		TargetDeName:      "weekly_report_run1",
	}}
	fx := newCoordFixture(t, newFakeRuns(domain.RunStatusQueued), g, 0)

	res, err := fx.coord.HandleExecute(context.Background(), executePayload(t, fx.enc), false)
	require.NoError(t, err)
	assert.Equal(t, "poll-enqueued", res.Status)
	assert.Equal(t, "task-9", res.TaskID)

	// Stage events in submission order.
	assert.Equal(t, []string{
		domain.EventQueued,
		domain.EventValidatingQuery,
		domain.EventCreatingTarget,
		domain.EventExecutingQuery,
	}, fx.publisher.statuses())

	// The running transition carries every remote identifier.
	require.Len(t, fx.runs.running, 1)
	assert.Equal(t, "run-1|task-9|weekly_report_run1", fx.runs.running[0])
	assert.Equal(t, []string{"user:tenant-a:mid-1:user-1"}, fx.runner.scopes)

	require.Len(t, fx.queue.polls, 1)
	first := fx.queue.polls[0]
	assert.Zero(t, first.delay, "first poll runs immediately")
	assert.Equal(t, "task-9", first.state.TaskID)
	assert.Equal(t, pollStart, first.state.PollStartedAt)
	assert.Zero(t, first.state.PollCount)
}

func TestHandleExecute_UndecryptableSQLFinalizesImmediately(t *testing.T) {
	t.Parallel()

	g := &fakeGateway{}
	runs := newFakeRuns(domain.RunStatusQueued)
	fx := newCoordFixture(t, runs, g, 0)

	payload := executePayload(t, fx.enc)
	payload.EncryptedSQL = "not-a-ciphertext"

	_, err := fx.coord.HandleExecute(context.Background(), payload, false)
	require.Error(t, err)
	assert.True(t, domain.IsUnrecoverable(err))
	assert.Empty(t, g.calls, "nothing is submitted with unreadable input")
	assert.Contains(t, runs.failed["run-1"], "decrypt sql")
	assert.Contains(t, fx.publisher.statuses(), domain.EventFailed)
}

func TestHandleExecute_RetryableSubmitFailureLeavesStatusAlone(t *testing.T) {
	t.Parallel()

	g := &fakeGateway{submitErr: assert.AnError}
	runs := newFakeRuns(domain.RunStatusQueued)
	fx := newCoordFixture(t, runs, g, 0)

	_, err := fx.coord.HandleExecute(context.Background(), executePayload(t, fx.enc), false)
	require.Error(t, err)
	assert.False(t, domain.IsUnrecoverable(err))
	assert.Empty(t, runs.failed, "redelivery may still move the run forward")
	assert.Contains(t, fx.publisher.statuses(), domain.EventFailed)
	assert.Empty(t, fx.queue.polls)
}

func TestHandleExecute_LastAttemptFinalizesRetryableFailure(t *testing.T) {
	t.Parallel()

	g := &fakeGateway{submitErr: assert.AnError}
	runs := newFakeRuns(domain.RunStatusQueued)
	fx := newCoordFixture(t, runs, g, 0)

	_, err := fx.coord.HandleExecute(context.Background(), executePayload(t, fx.enc), true)
	require.Error(t, err)
	require.Contains(t, runs.failed, "run-1")
}

func TestHandleExecute_UnauthorizedSubmitFinalizes(t *testing.T) {
	t.Parallel()

	g := &fakeGateway{submitErr: domain.ErrUnauthorized("validate query: platform rejected credentials (401)")}
	runs := newFakeRuns(domain.RunStatusQueued)
	fx := newCoordFixture(t, runs, g, 0)

	_, err := fx.coord.HandleExecute(context.Background(), executePayload(t, fx.enc), false)
	require.Error(t, err)
	assert.True(t, domain.IsUnrecoverable(err))
	assert.Contains(t, runs.failed["run-1"], "401")
}

func pollState() domain.PollJobState {
	return domain.PollJobState{
		RunID:             "run-1",
		TenantID:          "tenant-a",
		Mid:               "mid-1",
		UserID:            "user-1",
		TaskID:            "task-9",
		QueryDefinitionID: "qd-9",
		QueryCustomerKey:  "ck-9",
		TargetDeName:      "weekly_report_run1",
		PollStartedAt:     pollStart,
	}
}

func TestHandlePoll_CompletedPersistsBeforePublishingAndCleansUp(t *testing.T) {
	t.Parallel()

	g := &fakeGateway{status: domain.ActivityStatus{Status: "Complete"}, probeRows: 42, queryable: true}
	runs := newFakeRuns(domain.RunStatusRunning)
	fx := newCoordFixture(t, runs, g, 10*time.Second)

	res, err := fx.coord.HandlePoll(context.Background(), pollState())
	require.NoError(t, err)
	assert.Equal(t, string(DecisionCompleted), res.Status)

	assert.Equal(t, 42, runs.ready["run-1"])
	assert.Equal(t, []string{domain.EventFetchingResults, domain.EventReady}, fx.publisher.statuses())
	assert.Equal(t, []string{"qd-9"}, g.deleted)
	assert.Empty(t, fx.queue.polls)
}

func TestHandlePoll_PersistFailureSkipsPublish(t *testing.T) {
	t.Parallel()

	g := &fakeGateway{status: domain.ActivityStatus{Status: "Complete"}, queryable: true}
	runs := newFakeRuns(domain.RunStatusRunning)
	runs.markErr = assert.AnError
	fx := newCoordFixture(t, runs, g, time.Second)

	_, err := fx.coord.HandlePoll(context.Background(), pollState())
	require.Error(t, err)
	assert.Empty(t, fx.publisher.statuses(), "no event without the durable status")
	assert.Empty(t, g.deleted, "no cleanup without finalization")
}

func TestHandlePoll_PollingReschedulesWithAdvancedState(t *testing.T) {
	t.Parallel()

	g := &fakeGateway{status: domain.ActivityStatus{Status: "Queued"}}
	runs := newFakeRuns(domain.RunStatusRunning)
	fx := newCoordFixture(t, runs, g, time.Second)

	st := pollState()
	st.PollCount = 3

	res, err := fx.coord.HandlePoll(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, string(DecisionPolling), res.Status)
	require.Len(t, fx.queue.polls, 1)
	next := fx.queue.polls[0]
	assert.Equal(t, 4, next.state.PollCount)
	assert.Equal(t, DefaultPolicy().BackoffDelay(3), next.delay)
	assert.Empty(t, fx.publisher.statuses())
	assert.Empty(t, runs.failed)
}

func TestHandlePoll_CanceledPublishesAndCleansUpOnly(t *testing.T) {
	t.Parallel()

	g := &fakeGateway{}
	runs := newFakeRuns(domain.RunStatusCanceled)
	fx := newCoordFixture(t, runs, g, time.Minute)

	res, err := fx.coord.HandlePoll(context.Background(), pollState())
	require.NoError(t, err)
	assert.Equal(t, string(DecisionCanceled), res.Status)

	assert.Equal(t, []string{domain.EventCanceled}, fx.publisher.statuses())
	assert.Equal(t, []string{"qd-9"}, g.deleted)
	assert.Empty(t, runs.failed, "already terminal in the store, nothing rewritten")
	assert.Empty(t, runs.ready)
	assert.Empty(t, fx.queue.polls)
}

func TestHandlePoll_TimeoutFailsRunWithMessage(t *testing.T) {
	t.Parallel()

	g := &fakeGateway{}
	runs := newFakeRuns(domain.RunStatusRunning)
	fx := newCoordFixture(t, runs, g, 30*time.Minute)

	res, err := fx.coord.HandlePoll(context.Background(), pollState())
	require.NoError(t, err)
	assert.Equal(t, string(DecisionTimeout), res.Status)
	assert.Contains(t, runs.failed["run-1"], "did not complete within")

	require.Len(t, fx.publisher.events, 1)
	assert.Equal(t, domain.EventFailed, fx.publisher.events[0].status)
	assert.NotEmpty(t, fx.publisher.events[0].errorMessage)
	assert.Equal(t, []string{"qd-9"}, g.deleted)
}

func TestHandlePoll_BudgetExceededFailsRun(t *testing.T) {
	t.Parallel()

	g := &fakeGateway{}
	runs := newFakeRuns(domain.RunStatusRunning)
	fx := newCoordFixture(t, runs, g, time.Minute)

	st := pollState()
	st.PollCount = DefaultPolicy().PollBudget

	res, err := fx.coord.HandlePoll(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, string(DecisionBudgetExceeded), res.Status)
	assert.Contains(t, runs.failed["run-1"], "gave up after")
}

func TestHandlePoll_MissingRunIsTerminal(t *testing.T) {
	t.Parallel()

	g := &fakeGateway{}
	runs := newFakeRuns(domain.RunStatusRunning)
	runs.statusErr = domain.ErrNotFound("run run-1 not found")
	fx := newCoordFixture(t, runs, g, time.Second)

	_, err := fx.coord.HandlePoll(context.Background(), pollState())
	require.Error(t, err)
	assert.True(t, domain.IsUnrecoverable(err))
	assert.Empty(t, g.calls, "no remote traffic for an invisible run")
}

func TestHandlePoll_TransientLoadFailureIsRetryable(t *testing.T) {
	t.Parallel()

	g := &fakeGateway{}
	runs := newFakeRuns(domain.RunStatusRunning)
	runs.statusErr = assert.AnError
	fx := newCoordFixture(t, runs, g, time.Second)

	_, err := fx.coord.HandlePoll(context.Background(), pollState())
	require.Error(t, err)
	assert.False(t, domain.IsUnrecoverable(err), "a flaky status load must redeliver, not archive")
}

func TestHandlePoll_RefreshesHeartbeat(t *testing.T) {
	t.Parallel()

	g := &fakeGateway{status: domain.ActivityStatus{Status: "Queued"}}
	runs := newFakeRuns(domain.RunStatusRunning)
	fx := newCoordFixture(t, runs, g, time.Second)

	_, err := fx.coord.HandlePoll(context.Background(), pollState())
	require.NoError(t, err)
	assert.Equal(t, []string{"run-1"}, runs.touched,
		"every poll marks the chain alive so the sweeper leaves it alone")
}

func TestHandlePoll_StatusLoadRunsInTenantScope(t *testing.T) {
	t.Parallel()

	g := &fakeGateway{status: domain.ActivityStatus{Status: "Queued"}}
	fx := newCoordFixture(t, newFakeRuns(domain.RunStatusRunning), g, time.Second)

	_, err := fx.coord.HandlePoll(context.Background(), pollState())
	require.NoError(t, err)
	require.NotEmpty(t, fx.runner.scopes)
	assert.Equal(t, "tenant:tenant-a:mid-1", fx.runner.scopes[0])
}
