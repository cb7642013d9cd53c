package managers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/hookbridge/hookbridge/pkg/domain"
	"github.com/hookbridge/hookbridge/pkg/redact"

	"github.com/google/uuid"
	"github.com/rs/xid"
	"github.com/rs/zerolog/log"
)

// RetryPolicy bounds the attempt loop for one endpoint class. Delays[i] is
// the wait before retry i+1; the last delay repeats if attempts outnumber
// delays.
type RetryPolicy struct {
	MaxAttempts int
	Delays      []time.Duration
}

func (p RetryPolicy) delay(retry int) time.Duration {
	if len(p.Delays) == 0 {
		return 0
	}
	if retry >= len(p.Delays) {
		retry = len(p.Delays) - 1
	}
	return p.Delays[retry]
}

// Production endpoints fail fast. Test endpoints may not be registered yet
// right after a deployment and are given room to come up.
var (
	DefaultProductionRetryPolicy = RetryPolicy{
		MaxAttempts: 2,
		Delays:      []time.Duration{250 * time.Millisecond, 750 * time.Millisecond},
	}
	DefaultTestRetryPolicy = RetryPolicy{
		MaxAttempts: 5,
		Delays: []time.Duration{
			200 * time.Millisecond,
			400 * time.Millisecond,
			800 * time.Millisecond,
			1200 * time.Millisecond,
			2000 * time.Millisecond,
		},
	}
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

// methodNotRegisteredSignature identifies the 404 body a webhook host returns
// for endpoints registered for GET only, e.g. "webhook is not registered for
// POST requests". It triggers the one-shot GET fallback.
const methodNotRegisteredSignature = "not registered for post"

type DispatchManagerDependencies struct {
	Resolver      domain.EndpointResolver
	RunRepository domain.RunRepository

	HTTPClient *http.Client

	// DefaultProvider is used when DispatchParams does not name one.
	DefaultProvider string

	// Zero-value policies fall back to the defaults above. Tests inject
	// delay-free policies.
	ProductionRetryPolicy RetryPolicy
	TestRetryPolicy       RetryPolicy
}

type dispatchManager struct {
	resolver         domain.EndpointResolver
	runRepository    domain.RunRepository
	httpClient       *http.Client
	defaultProvider  string
	productionPolicy RetryPolicy
	testPolicy       RetryPolicy
}

func NewDispatchManager(deps DispatchManagerDependencies) domain.DispatchService {
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	productionPolicy := deps.ProductionRetryPolicy
	if productionPolicy.MaxAttempts == 0 {
		productionPolicy = DefaultProductionRetryPolicy
	}
	testPolicy := deps.TestRetryPolicy
	if testPolicy.MaxAttempts == 0 {
		testPolicy = DefaultTestRetryPolicy
	}

	return &dispatchManager{
		resolver:         deps.Resolver,
		runRepository:    deps.RunRepository,
		httpClient:       httpClient,
		defaultProvider:  deps.DefaultProvider,
		productionPolicy: productionPolicy,
		testPolicy:       testPolicy,
	}
}

type dispatchEnvelope struct {
	Context        domain.TenantContext `json:"context"`
	Action         string               `json:"action"`
	Input          map[string]any       `json:"input"`
	IdempotencyKey string               `json:"idempotency_key,omitempty"`
}

func (m *dispatchManager) Dispatch(ctx context.Context, p domain.DispatchParams) (domain.DispatchResult, error) {
	if err := validateDispatchParams(p); err != nil {
		return domain.DispatchResult{}, err
	}

	tenant := p.Tenant
	if tenant.RequestID == "" {
		tenant.RequestID = xid.New().String()
	}
	provider := p.Provider
	if provider == "" {
		provider = m.defaultProvider
	}

	// The ledger must end up reflecting the true remote outcome even when
	// the caller disappears mid-flight, so the dispatch does not inherit
	// the caller's cancellation. Attempt duration stays bounded by the
	// HTTP client timeout and the retry budget.
	ctx = context.WithoutCancel(ctx)

	startedAt := time.Now()

	if p.IdempotencyKey != "" {
		prior, err := m.runRepository.FindSucceededRunByIdempotencyKey(ctx, tenant.TenantID, p.IdempotencyKey)
		if err == nil {
			data, marshalErr := json.Marshal(prior.Response)
			if marshalErr != nil {
				data = nil
			}

			log.Info().
				Str("event", "workflow_dispatch_replayed").
				Str("request_id", tenant.RequestID).
				Str("tenant_id", tenant.TenantID).
				Str("workflow_key", p.WorkflowKey).
				Str("run_id", prior.ID).
				Str("idempotency_key", p.IdempotencyKey).
				Msg("Dispatch replayed from ledger without network call")

			return domain.DispatchResult{
				RunID:  prior.ID,
				Status: domain.DispatchStatusSucceeded,
				Data:   data,
			}, nil
		}
		if !errors.Is(err, domain.ErrRunNotFound) {
			// A failed lookup cannot rule out an earlier success, so
			// proceeding could break at-most-once.
			return domain.DispatchResult{}, domain.NewDispatchError(
				domain.ErrCodeInternal,
				"idempotency lookup against run ledger failed",
			)
		}
	}

	endpoint, err := m.resolver.Resolve(ctx, tenant.TenantID, provider, p.WorkflowKey)
	if err != nil {
		if _, ok := domain.AsDispatchError(err); ok {
			return domain.DispatchResult{}, err
		}
		log.Error().Err(err).
			Str("tenant_id", tenant.TenantID).
			Str("workflow_key", p.WorkflowKey).
			Msg("Endpoint resolution failed")
		return domain.DispatchResult{}, domain.NewDispatchError(
			domain.ErrCodeInternal,
			"endpoint resolution failed",
		)
	}

	run := &domain.Run{
		ID:             xid.New().String(),
		TenantID:       tenant.TenantID,
		Provider:       provider,
		WorkflowKey:    p.WorkflowKey,
		RequestID:      tenant.RequestID,
		Action:         p.Action,
		IdempotencyKey: p.IdempotencyKey,
		Status:         domain.RunStatusStarted,
		Request:        redact.Sanitize(anyMap(p.Input)),
		StartedAt:      time.Now().UTC(),
	}

	// No network call is ever made without a ledger row; the row is the
	// only record of whether the remote system was contacted.
	if err := m.runRepository.InsertRun(ctx, run); err != nil {
		log.Error().Err(err).
			Str("tenant_id", tenant.TenantID).
			Str("workflow_key", p.WorkflowKey).
			Msg("Failed to insert dispatch run")
		return domain.DispatchResult{}, domain.NewDispatchError(
			domain.ErrCodeInternal,
			"failed to record dispatch run",
		)
	}

	outcome := m.executeAttempts(ctx, endpoint, tenant, p)

	latencyMs := time.Since(startedAt).Milliseconds()

	switch outcome.kind {
	case outcomeSucceeded:
		if err := m.runRepository.MarkRunSucceeded(ctx, tenant.TenantID, run.ID, outcome.status, redact.Sanitize(outcome.parsedBody)); err != nil {
			// Bookkeeping failure never changes the caller's result.
			log.Error().Err(err).Str("run_id", run.ID).Msg("Failed to mark run succeeded")
		}
		m.logDispatch("workflow_dispatch_succeeded", tenant, p.WorkflowKey, run.ID, outcome.status, latencyMs, nil)
		return domain.DispatchResult{
			RunID:  run.ID,
			Status: domain.DispatchStatusSucceeded,
			Data:   outcome.rawBody,
		}, nil

	case outcomeAccepted:
		if err := m.runRepository.MarkRunInProgress(ctx, tenant.TenantID, run.ID, outcome.status); err != nil {
			log.Error().Err(err).Str("run_id", run.ID).Msg("Failed to mark run in progress")
		}
		m.logDispatch("workflow_dispatch_accepted", tenant, p.WorkflowKey, run.ID, outcome.status, latencyMs, nil)
		return domain.DispatchResult{
			RunID:  run.ID,
			Status: domain.DispatchStatusInProgress,
		}, nil

	default:
		message := outcome.errorMessage()
		if err := m.runRepository.MarkRunFailed(ctx, tenant.TenantID, run.ID, outcome.status, message); err != nil {
			log.Error().Err(err).Str("run_id", run.ID).Msg("Failed to mark run failed")
		}
		m.logDispatch("workflow_dispatch_failed", tenant, p.WorkflowKey, run.ID, outcome.status, latencyMs, outcome.lastErr)
		return domain.DispatchResult{}, &domain.DispatchError{
			Code:    domain.ErrCodeIntegration,
			Message: message,
			RunID:   run.ID,
		}
	}
}

type outcomeKind int

const (
	outcomeFailed outcomeKind = iota
	outcomeSucceeded
	outcomeAccepted
)

type attemptOutcome struct {
	kind       outcomeKind
	status     int
	rawBody    json.RawMessage
	parsedBody any
	lastBody   []byte
	lastErr    error
}

func (o attemptOutcome) errorMessage() string {
	if o.lastErr != nil {
		return fmt.Sprintf("endpoint unreachable: %v", o.lastErr)
	}
	body := string(o.lastBody)
	if len(body) > 500 {
		body = body[:500]
	}
	return fmt.Sprintf("endpoint returned status %d: %s", o.status, body)
}

func (m *dispatchManager) executeAttempts(ctx context.Context, endpoint domain.ResolvedEndpoint, tenant domain.TenantContext, p domain.DispatchParams) attemptOutcome {
	policy := m.productionPolicy
	if endpoint.Class == domain.EndpointClassTest {
		policy = m.testPolicy
	}

	envelope := dispatchEnvelope{
		Context:        tenant,
		Action:         p.Action,
		Input:          p.Input,
		IdempotencyKey: p.IdempotencyKey,
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return attemptOutcome{kind: outcomeFailed, lastErr: fmt.Errorf("failed to encode dispatch envelope: %w", err)}
	}

	fallbackTried := false
	var last attemptOutcome

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				last.lastErr = ctx.Err()
				return last
			case <-time.After(policy.delay(attempt - 1)):
			}
		}

		status, body, err := m.post(ctx, endpoint.URL, payload, tenant)
		if err != nil {
			log.Debug().Err(err).
				Str("request_id", tenant.RequestID).
				Int("attempt", attempt+1).
				Msg("Dispatch attempt failed at network level")
			last = attemptOutcome{kind: outcomeFailed, lastErr: err}
			continue
		}

		if outcome, final := evaluateResponse(status, body); final {
			return outcome
		}

		if status == http.StatusNotFound && !fallbackTried && isMethodNotRegisteredBody(body) {
			fallbackTried = true

			fbStatus, fbBody, fbErr := m.getFallback(ctx, endpoint.URL, tenant, p)
			if fbErr != nil {
				log.Debug().Err(fbErr).
					Str("request_id", tenant.RequestID).
					Msg("GET fallback failed at network level")
			} else {
				if outcome, final := evaluateResponse(fbStatus, fbBody); final {
					return outcome
				}
				status, body = fbStatus, fbBody
			}
		}

		last = attemptOutcome{kind: outcomeFailed, status: status, lastBody: body}
	}

	return last
}

// evaluateResponse classifies one HTTP response. 202 means the remote system
// accepted the job asynchronously; any other 2xx is a synchronous success.
// Everything else is retryable until the budget runs out.
func evaluateResponse(status int, body []byte) (attemptOutcome, bool) {
	if status == http.StatusAccepted {
		return attemptOutcome{kind: outcomeAccepted, status: status}, true
	}
	if status >= 200 && status < 300 {
		parsed, raw := decodeResponseBody(body)
		return attemptOutcome{
			kind:       outcomeSucceeded,
			status:     status,
			rawBody:    raw,
			parsedBody: parsed,
		}, true
	}
	return attemptOutcome{}, false
}

func (m *dispatchManager) post(ctx context.Context, endpointURL string, payload []byte, tenant domain.TenantContext) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create dispatch request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", tenant.TenantID)
	req.Header.Set("X-Request-ID", tenant.RequestID)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return resp.StatusCode, body, nil
}

// getFallback retries the same URL once over GET for webhook hosts that only
// register the GET method. Context and input travel base64url-encoded so
// non-ASCII payloads survive query-string transport.
func (m *dispatchManager) getFallback(ctx context.Context, endpointURL string, tenant domain.TenantContext, p domain.DispatchParams) (int, []byte, error) {
	parsed, err := url.Parse(endpointURL)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to parse endpoint URL: %w", err)
	}

	contextJSON, err := json.Marshal(tenant)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to encode context: %w", err)
	}
	inputJSON, err := json.Marshal(anyMap(p.Input))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to encode input: %w", err)
	}

	query := parsed.Query()
	query.Set("action", p.Action)
	query.Set("request_id", tenant.RequestID)
	if p.IdempotencyKey != "" {
		query.Set("idempotency_key", p.IdempotencyKey)
	}
	query.Set("context", base64.URLEncoding.EncodeToString(contextJSON))
	query.Set("input", base64.URLEncoding.EncodeToString(inputJSON))
	parsed.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create fallback request: %w", err)
	}

	req.Header.Set("X-Tenant-ID", tenant.TenantID)
	req.Header.Set("X-Request-ID", tenant.RequestID)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read fallback response body: %w", err)
	}

	return resp.StatusCode, body, nil
}

func (m *dispatchManager) logDispatch(event string, tenant domain.TenantContext, workflowKey, runID string, httpStatus int, latencyMs int64, err error) {
	logEvent := log.Info()
	if err != nil || event == "workflow_dispatch_failed" {
		logEvent = log.Error().Err(err)
	}

	logEvent.
		Str("event", event).
		Str("request_id", tenant.RequestID).
		Str("tenant_id", tenant.TenantID).
		Str("workflow_key", workflowKey).
		Str("run_id", runID).
		Int("http_status", httpStatus).
		Int64("latency_ms", latencyMs).
		Msg("Workflow dispatch finished")
}

func validateDispatchParams(p domain.DispatchParams) error {
	if p.Tenant.TenantID == "" {
		return domain.NewDispatchError(domain.ErrCodeValidation, "tenant id is required")
	}
	if !identifierPattern.MatchString(p.WorkflowKey) {
		return domain.NewDispatchError(domain.ErrCodeValidation, "workflow_key must match ^[A-Za-z0-9_-]{1,100}$")
	}
	if !identifierPattern.MatchString(p.Action) {
		return domain.NewDispatchError(domain.ErrCodeValidation, "action must match ^[A-Za-z0-9_-]{1,100}$")
	}
	if p.IdempotencyKey != "" {
		if _, err := uuid.Parse(p.IdempotencyKey); err != nil {
			return domain.NewDispatchError(domain.ErrCodeValidation, "idempotency_key must be a valid UUID")
		}
	}
	return nil
}

func isMethodNotRegisteredBody(body []byte) bool {
	return strings.Contains(strings.ToLower(string(body)), methodNotRegisteredSignature)
}

// decodeResponseBody returns the response both parsed (for sanitized ledger
// storage) and raw (for the caller). Non-JSON bodies are carried as strings.
func decodeResponseBody(body []byte) (any, json.RawMessage) {
	if len(body) == 0 {
		return nil, nil
	}

	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		quoted, _ := json.Marshal(string(body))
		return string(body), quoted
	}

	return parsed, json.RawMessage(bytes.Clone(body))
}

func anyMap(input map[string]any) any {
	if input == nil {
		return map[string]any{}
	}
	return input
}
