package domain

import "time"

// ExecuteJobPayload is the body of an execute job. The SQL text travels
// encrypted; it is decrypted only inside the submission sequence.
type ExecuteJobPayload struct {
	RunID        string `json:"runId"`
	TenantID     string `json:"tenantId"`
	Mid          string `json:"mid"`
	UserID       string `json:"userId"`
	Eid          string `json:"eid"`
	EncryptedSQL string `json:"sqlText"`
	SnippetName  string `json:"snippetName"`
}

// PollJobState is the body of a poll job. All mutable decision state lives
// here, not in worker memory: any worker may pick up the next attempt after
// a crash or rebalance, so every counter is re-serialized on each poll.
type PollJobState struct {
	RunID                   string     `json:"runId"`
	TenantID                string     `json:"tenantId"`
	Mid                     string     `json:"mid"`
	UserID                  string     `json:"userId"`
	TaskID                  string     `json:"taskId"`
	QueryDefinitionID       string     `json:"queryDefinitionId"`
	QueryCustomerKey        string     `json:"queryCustomerKey"`
	TargetDeName            string     `json:"targetDeName"`
	PollCount               int        `json:"pollCount"`
	PollStartedAt           time.Time  `json:"pollStartedAt"`
	NotRunningConfirmations int        `json:"notRunningConfirmations"`
	NotRunningDetectedAt    *time.Time `json:"notRunningDetectedAt,omitempty"`
	RowProbeAttempts        int        `json:"rowProbeAttempts,omitempty"`
	RowProbeLastCheckedAt   *time.Time `json:"rowProbeLastCheckedAt,omitempty"`
	RowsetReadyAttempts     int        `json:"rowsetReadyAttempts,omitempty"`
}
