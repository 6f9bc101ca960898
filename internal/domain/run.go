package domain

import "time"

// RunStatus represents the lifecycle state of a SQL run.
type RunStatus string

// Run lifecycle statuses. Ready, failed, and canceled are terminal: once a
// run reaches one of them it is never mutated again.
const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusRunning  RunStatus = "running"
	RunStatusReady    RunStatus = "ready"
	RunStatusFailed   RunStatus = "failed"
	RunStatusCanceled RunStatus = "canceled"
)

// IsTerminal reports whether the status is one of the terminal states.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusReady || s == RunStatusFailed || s == RunStatusCanceled
}

// Run stores the durable lifecycle record for one submitted SQL execution.
// Runs are owned by a tenant and only visible inside a matching tenant scope.
type Run struct {
	ID                string
	TenantID          string
	Mid               string
	UserID            string
	Status            RunStatus
	TaskID            string
	QueryDefinitionID string
	QueryCustomerKey  string
	TargetDeName      string
	ErrorMessage      *string
	EncryptedSQL      string
	RowCount          int
	CreatedAt         time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
	LastPolledAt      *time.Time
}

// Progress event statuses streamed to clients. The persisted run status
// values are a subset; the rest are intermediate stages.
const (
	EventQueued          = "queued"
	EventValidatingQuery = "validating_query"
	EventCreatingTarget  = "creating_target"
	EventExecutingQuery  = "executing_query"
	EventFetchingResults = "fetching_results"
	EventReady           = "ready"
	EventFailed          = "failed"
	EventCanceled        = "canceled"
)
