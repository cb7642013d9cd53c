package domain

import (
	"errors"
	"fmt"
)

// ErrorCode classifies dispatch failures for callers.
type ErrorCode string

const (
	// ErrCodeValidation means the request was malformed and nothing was
	// persisted or sent.
	ErrCodeValidation ErrorCode = "VALIDATION_ERROR"
	// ErrCodeWorkflowNotFound means no active endpoint mapping exists or no
	// base address could be resolved from any configuration candidate.
	ErrCodeWorkflowNotFound ErrorCode = "WORKFLOW_NOT_FOUND"
	// ErrCodeRunNotFound means a run lookup missed. Distinct from
	// ErrCodeWorkflowNotFound, which signals a configuration problem.
	ErrCodeRunNotFound ErrorCode = "RUN_NOT_FOUND"
	// ErrCodeIntegration means the remote endpoint could not be reached or
	// kept answering non-2xx after the retry budget was exhausted. Always
	// carries the run id.
	ErrCodeIntegration ErrorCode = "INTEGRATION_ERROR"
	// ErrCodeInternal means the run ledger itself could not be written.
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// DispatchError is the structured error surfaced to dispatch callers.
type DispatchError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	RunID   string    `json:"run_id,omitempty"`
}

func (e *DispatchError) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("%s: %s (run %s)", e.Code, e.Message, e.RunID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewDispatchError(code ErrorCode, message string) *DispatchError {
	return &DispatchError{Code: code, Message: message}
}

// AsDispatchError unwraps err into a *DispatchError if one is in the chain.
func AsDispatchError(err error) (*DispatchError, bool) {
	var de *DispatchError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

var (
	// ErrRunNotFound is returned by run ledger lookups with no match.
	ErrRunNotFound = errors.New("run not found")
	// ErrMappingNotFound is returned when no active workflow endpoint
	// mapping exists for a (tenant, provider, workflow key).
	ErrMappingNotFound = errors.New("workflow endpoint mapping not found")
	// ErrConnectionNotFound is returned when a provider connection record
	// does not exist for an adapter id.
	ErrConnectionNotFound = errors.New("provider connection not found")
)
