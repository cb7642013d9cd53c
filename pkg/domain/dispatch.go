package domain

import (
	"context"
	"encoding/json"
)

// TenantContext identifies the tenant a dispatch is performed on behalf of.
// It is created fresh per invocation and never persisted.
type TenantContext struct {
	TenantID  string   `json:"tenant_id"`
	UserID    string   `json:"user_id,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	RequestID string   `json:"request_id"`
}

// DispatchStatus is the caller-facing outcome of a dispatch.
type DispatchStatus string

const (
	DispatchStatusSucceeded  DispatchStatus = "succeeded"
	DispatchStatusInProgress DispatchStatus = "in_progress"
)

type DispatchParams struct {
	Tenant         TenantContext
	Provider       string
	WorkflowKey    string
	Action         string
	Input          map[string]any
	IdempotencyKey string
}

// DispatchResult is returned on success. Data carries the remote response
// verbatim; the copy written to the run ledger is sanitized separately.
type DispatchResult struct {
	RunID  string          `json:"run_id"`
	Status DispatchStatus  `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type DispatchService interface {
	Dispatch(ctx context.Context, params DispatchParams) (DispatchResult, error)
}
