package controllers

import (
	"errors"
	"strconv"
	"strings"

	"github.com/hookbridge/hookbridge/internal/middlewares"
	"github.com/hookbridge/hookbridge/pkg/domain"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog/log"
)

const defaultRunListLimit = 50

// DispatchController exposes the dispatch service and the run ledger over
// HTTP. The tenant always comes from the path; callers cannot dispatch or
// read runs on behalf of another tenant.
type DispatchController struct {
	dispatchService domain.DispatchService
	runRepository   domain.RunRepository
}

type DispatchControllerDependencies struct {
	DispatchService domain.DispatchService
	RunRepository   domain.RunRepository
}

func NewDispatchController(deps DispatchControllerDependencies) *DispatchController {
	return &DispatchController{
		dispatchService: deps.DispatchService,
		runRepository:   deps.RunRepository,
	}
}

type DispatchWorkflowRequest struct {
	Provider       string         `json:"provider"`
	WorkflowKey    string         `json:"workflow_key"`
	Action         string         `json:"action"`
	Input          map[string]any `json:"input"`
	IdempotencyKey string         `json:"idempotency_key"`
}

// dispatchResponse is the success envelope: {ok: true, run_id, status, data}.
type dispatchResponse struct {
	OK bool `json:"ok"`
	domain.DispatchResult
}

type errorBody struct {
	Code    domain.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

// errorResponse is the failure envelope: {ok: false, error: {code, message},
// run_id?}. The run id sits beside the error so callers can inspect the
// ledger for integration failures.
type errorResponse struct {
	OK    bool      `json:"ok"`
	Error errorBody `json:"error"`
	RunID string    `json:"run_id,omitempty"`
}

// DispatchWorkflow handles POST /tenants/:tenantID/dispatches.
func (c *DispatchController) DispatchWorkflow(ctx fiber.Ctx) error {
	var req DispatchWorkflowRequest

	if err := ctx.Bind().Body(&req); err != nil {
		return ctx.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: errorBody{
			Code:    domain.ErrCodeValidation,
			Message: "Invalid request body",
		}})
	}

	p := domain.DispatchParams{
		Tenant:         tenantContextFromRequest(ctx),
		Provider:       req.Provider,
		WorkflowKey:    req.WorkflowKey,
		Action:         req.Action,
		Input:          req.Input,
		IdempotencyKey: req.IdempotencyKey,
	}

	result, err := c.dispatchService.Dispatch(ctx.RequestCtx(), p)
	if err != nil {
		return dispatchErrorResponse(ctx, err)
	}

	status := fiber.StatusOK
	if result.Status == domain.DispatchStatusInProgress {
		status = fiber.StatusAccepted
	}

	return ctx.Status(status).JSON(dispatchResponse{OK: true, DispatchResult: result})
}

// GetRun handles GET /tenants/:tenantID/runs/:runID.
func (c *DispatchController) GetRun(ctx fiber.Ctx) error {
	tenantID := ctx.Params("tenantID")
	runID := ctx.Params("runID")

	run, err := c.runRepository.GetRun(ctx.RequestCtx(), tenantID, runID)
	if err != nil {
		if errors.Is(err, domain.ErrRunNotFound) {
			return ctx.Status(fiber.StatusNotFound).JSON(errorResponse{Error: errorBody{
				Code:    domain.ErrCodeRunNotFound,
				Message: "Run not found",
			}})
		}
		log.Error().Err(err).
			Str("tenant_id", tenantID).
			Str("run_id", runID).
			Msg("Failed to load run")
		return internalErrorResponse(ctx)
	}

	return ctx.JSON(run)
}

// ListRuns handles GET /tenants/:tenantID/runs.
func (c *DispatchController) ListRuns(ctx fiber.Ctx) error {
	tenantID := ctx.Params("tenantID")

	limit := int64(defaultRunListLimit)
	if raw := ctx.Query("limit"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 1 || parsed > 500 {
			return ctx.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: errorBody{
				Code:    domain.ErrCodeValidation,
				Message: "limit must be an integer between 1 and 500",
			}})
		}
		limit = parsed
	}

	runs, err := c.runRepository.ListRecentRuns(ctx.RequestCtx(), tenantID, limit)
	if err != nil {
		log.Error().Err(err).
			Str("tenant_id", tenantID).
			Msg("Failed to list runs")
		return internalErrorResponse(ctx)
	}

	return ctx.JSON(fiber.Map{"runs": runs})
}

func tenantContextFromRequest(ctx fiber.Ctx) domain.TenantContext {
	var roles []string
	if raw := ctx.Get("X-User-Roles"); raw != "" {
		for _, role := range strings.Split(raw, ",") {
			if role = strings.TrimSpace(role); role != "" {
				roles = append(roles, role)
			}
		}
	}

	return domain.TenantContext{
		TenantID:  ctx.Params("tenantID"),
		UserID:    ctx.Get("X-User-ID"),
		Roles:     roles,
		RequestID: middlewares.RequestIDFromContext(ctx),
	}
}

func dispatchErrorResponse(ctx fiber.Ctx, err error) error {
	de, ok := domain.AsDispatchError(err)
	if !ok {
		log.Error().Err(err).Msg("Dispatch failed with unclassified error")
		return internalErrorResponse(ctx)
	}

	return ctx.Status(statusForCode(de.Code)).JSON(errorResponse{
		Error: errorBody{
			Code:    de.Code,
			Message: de.Message,
		},
		RunID: de.RunID,
	})
}

func statusForCode(code domain.ErrorCode) int {
	switch code {
	case domain.ErrCodeValidation:
		return fiber.StatusBadRequest
	case domain.ErrCodeWorkflowNotFound, domain.ErrCodeRunNotFound:
		return fiber.StatusNotFound
	case domain.ErrCodeIntegration:
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

func internalErrorResponse(ctx fiber.Ctx) error {
	return ctx.Status(fiber.StatusInternalServerError).JSON(errorResponse{Error: errorBody{
		Code:    domain.ErrCodeInternal,
		Message: "Internal server error",
	}})
}
