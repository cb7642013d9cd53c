package domain

import (
	"context"
	"time"
)

// RunStatus is the lifecycle state of a dispatch run.
//
// A run starts as "started" before the first network attempt and moves to
// exactly one of "succeeded", "failed" or "in_progress". The terminal states
// are never left; "in_progress" means the remote system accepted the job
// asynchronously and this call will not retry it.
type RunStatus string

const (
	RunStatusStarted    RunStatus = "started"
	RunStatusInProgress RunStatus = "in_progress"
	RunStatusSucceeded  RunStatus = "succeeded"
	RunStatusFailed     RunStatus = "failed"
)

// Terminal reports whether the status can never change again.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// Run is the audit record of one dispatch attempt, retries folded in.
// Request and Response hold sanitized copies only; runs are never deleted by
// this service.
type Run struct {
	ID             string     `json:"id" bson:"id"`
	TenantID       string     `json:"tenant_id" bson:"tenant_id"`
	Provider       string     `json:"provider" bson:"provider"`
	WorkflowKey    string     `json:"workflow_key" bson:"workflow_key"`
	RequestID      string     `json:"request_id" bson:"request_id"`
	Action         string     `json:"action" bson:"action"`
	IdempotencyKey string     `json:"idempotency_key,omitempty" bson:"idempotency_key,omitempty"`
	Status         RunStatus  `json:"status" bson:"status"`
	HTTPStatus     int        `json:"http_status,omitempty" bson:"http_status,omitempty"`
	Request        any        `json:"request" bson:"request"`
	Response       any        `json:"response,omitempty" bson:"response,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty" bson:"error_message,omitempty"`
	StartedAt      time.Time  `json:"started_at" bson:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty" bson:"finished_at,omitempty"`
}

// RunRepository is the run ledger. Every filter includes the tenant id, so no
// dispatch can read or mutate another tenant's runs. Terminal states are
// enforced at the store: Mark* only applies to runs still in "started".
type RunRepository interface {
	InsertRun(ctx context.Context, run *Run) error
	MarkRunSucceeded(ctx context.Context, tenantID, runID string, httpStatus int, response any) error
	MarkRunInProgress(ctx context.Context, tenantID, runID string, httpStatus int) error
	MarkRunFailed(ctx context.Context, tenantID, runID string, httpStatus int, errorMessage string) error

	// FindSucceededRunByIdempotencyKey returns the newest succeeded run for
	// the tenant and idempotency key, or ErrRunNotFound.
	FindSucceededRunByIdempotencyKey(ctx context.Context, tenantID, idempotencyKey string) (*Run, error)
	GetRun(ctx context.Context, tenantID, runID string) (*Run, error)
	ListRecentRuns(ctx context.Context, tenantID string, limit int64) ([]Run, error)
}
