package domain

import (
	"context"
	"time"
)

// RunRepository persists run lifecycle state. Every method must be called
// inside a tenant-scoped transaction; outside one the row-level security
// policies make the underlying store return zero rows.
type RunRepository interface {
	GetByID(ctx context.Context, id string) (*Run, error)
	GetStatus(ctx context.Context, id string) (RunStatus, error)
	Create(ctx context.Context, run *Run) (*Run, error)
	MarkRunning(ctx context.Context, id, taskID, queryDefinitionID, queryCustomerKey, targetDeName string) error
	MarkReady(ctx context.Context, id string, rowCount int) error
	MarkFailed(ctx context.Context, id, message string) error
	// TouchPolled refreshes the run's poll heartbeat; the sweeper treats a
	// running run with an old heartbeat as having lost its poll chain.
	TouchPolled(ctx context.Context, id string) error
	ListStaleRunning(ctx context.Context, olderThan time.Time) ([]Run, error)
}

// TxRunner executes fn inside a database transaction whose session context
// identifies the tenant and business unit, so the storage layer's row-level
// security policies can enforce visibility. Nested calls reuse an existing
// ambient scope instead of opening a nested transaction.
type TxRunner interface {
	RunInTenantScope(ctx context.Context, tenantID, mid string, fn func(ctx context.Context) error) error
	RunInUserScope(ctx context.Context, tenantID, mid, userID string, fn func(ctx context.Context) error) error
}

// JobQueue dispatches execute and poll jobs to workers with at-least-once
// delivery. A poll job's durable id is derived from the run id and poll
// count, so redelivered enqueues collapse instead of duplicating work.
type JobQueue interface {
	EnqueueExecute(ctx context.Context, payload ExecuteJobPayload) error
	EnqueuePoll(ctx context.Context, state PollJobState, delay time.Duration) error
}

// ProgressPublisher disseminates encrypted run-status events and keeps a
// resumable last-event snapshot for reconnecting clients.
type ProgressPublisher interface {
	Publish(ctx context.Context, runID, status, message, errorMessage string) error
}

// ActivityStatus is the remote platform's view of a submitted async activity.
type ActivityStatus struct {
	Status       string
	ErrorMessage string
	CompletedAt  *time.Time
}

// SubmitRequest carries everything the submission sequence needs to create
// and start the remote query object.
type SubmitRequest struct {
	RunID       string
	Eid         string
	SQLText     string
	SnippetName string
}

// SubmitResult identifies the remote objects created by a submission.
type SubmitResult struct {
	TaskID            string
	QueryDefinitionID string
	QueryCustomerKey  string
	TargetDeName      string
}

// PlatformGateway is the boundary to the remote marketing platform. Poll
// decisions read activity status and rowset signals through it; cleanup
// deletes transient query definitions through it.
type PlatformGateway interface {
	// Submit runs the platform submission sequence, invoking progress for
	// each intermediate stage (validating_query, creating_target,
	// executing_query).
	Submit(ctx context.Context, req SubmitRequest, progress func(stage string)) (SubmitResult, error)

	// ActivityStatus fetches the async-activity status record by task id.
	ActivityStatus(ctx context.Context, taskID string) (ActivityStatus, error)

	// IsActivityRunning asks the platform whether the task is actually
	// still executing. Used for stuck detection.
	IsActivityRunning(ctx context.Context, taskID string) (bool, error)

	// ProbeRows fetches a small page of the target rowset and returns the
	// number of rows seen. A credential error is returned as
	// *UnauthorizedError.
	ProbeRows(ctx context.Context, targetDeName string) (int, error)

	// RowsetQueryable verifies the target rowset exists and can be queried.
	// (false, nil) means not found yet.
	RowsetQueryable(ctx context.Context, targetDeName string) (bool, error)

	// ResolveQueryDefinitionID looks up a query definition id by customer key.
	ResolveQueryDefinitionID(ctx context.Context, customerKey string) (string, error)

	// DeleteQueryDefinition removes the transient remote query object.
	DeleteQueryDefinition(ctx context.Context, queryDefinitionID string) error
}
