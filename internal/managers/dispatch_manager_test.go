package managers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hookbridge/hookbridge/pkg/domain"
	"github.com/hookbridge/hookbridge/pkg/redact"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memRunRepo struct {
	mu        sync.Mutex
	runs      map[string]*domain.Run
	order     []string
	insertErr error
	findErr   error
}

func newMemRunRepo() *memRunRepo {
	return &memRunRepo{runs: map[string]*domain.Run{}}
}

func (r *memRunRepo) InsertRun(_ context.Context, run *domain.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.insertErr != nil {
		return r.insertErr
	}
	clone := *run
	r.runs[run.ID] = &clone
	r.order = append(r.order, run.ID)
	return nil
}

// mark mirrors the status guard of the mongo store: transitions only apply
// to runs still in "started", so terminal states stay terminal.
func (r *memRunRepo) mark(tenantID, runID string, mutate func(*domain.Run)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[runID]
	if !ok || run.TenantID != tenantID || run.Status != domain.RunStatusStarted {
		return domain.ErrRunNotFound
	}
	mutate(run)
	return nil
}

func (r *memRunRepo) MarkRunSucceeded(_ context.Context, tenantID, runID string, httpStatus int, response any) error {
	return r.mark(tenantID, runID, func(run *domain.Run) {
		now := time.Now().UTC()
		run.Status = domain.RunStatusSucceeded
		run.HTTPStatus = httpStatus
		run.Response = response
		run.FinishedAt = &now
	})
}

func (r *memRunRepo) MarkRunInProgress(_ context.Context, tenantID, runID string, httpStatus int) error {
	return r.mark(tenantID, runID, func(run *domain.Run) {
		run.Status = domain.RunStatusInProgress
		run.HTTPStatus = httpStatus
	})
}

func (r *memRunRepo) MarkRunFailed(_ context.Context, tenantID, runID string, httpStatus int, errorMessage string) error {
	return r.mark(tenantID, runID, func(run *domain.Run) {
		now := time.Now().UTC()
		run.Status = domain.RunStatusFailed
		if httpStatus > 0 {
			run.HTTPStatus = httpStatus
		}
		run.ErrorMessage = errorMessage
		run.FinishedAt = &now
	})
}

func (r *memRunRepo) FindSucceededRunByIdempotencyKey(_ context.Context, tenantID, idempotencyKey string) (*domain.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.findErr != nil {
		return nil, r.findErr
	}
	for i := len(r.order) - 1; i >= 0; i-- {
		run := r.runs[r.order[i]]
		if run.TenantID == tenantID && run.IdempotencyKey == idempotencyKey && run.Status == domain.RunStatusSucceeded {
			clone := *run
			return &clone, nil
		}
	}
	return nil, domain.ErrRunNotFound
}

func (r *memRunRepo) GetRun(_ context.Context, tenantID, runID string) (*domain.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[runID]
	if !ok || run.TenantID != tenantID {
		return nil, domain.ErrRunNotFound
	}
	clone := *run
	return &clone, nil
}

func (r *memRunRepo) ListRecentRuns(_ context.Context, tenantID string, limit int64) ([]domain.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	runs := []domain.Run{}
	for i := len(r.order) - 1; i >= 0 && int64(len(runs)) < limit; i-- {
		if r.runs[r.order[i]].TenantID == tenantID {
			runs = append(runs, *r.runs[r.order[i]])
		}
	}
	return runs, nil
}

func (r *memRunRepo) all() []domain.Run {
	r.mu.Lock()
	defer r.mu.Unlock()

	runs := make([]domain.Run, 0, len(r.order))
	for _, id := range r.order {
		runs = append(runs, *r.runs[id])
	}
	return runs
}

func (r *memRunRepo) only(t *testing.T) domain.Run {
	t.Helper()
	runs := r.all()
	require.Len(t, runs, 1)
	return runs[0]
}

type stubResolver struct {
	endpoint domain.ResolvedEndpoint
	err      error
}

func (s *stubResolver) Resolve(context.Context, string, string, string) (domain.ResolvedEndpoint, error) {
	if s.err != nil {
		return domain.ResolvedEndpoint{}, s.err
	}
	return s.endpoint, nil
}

// Zero delays keep the retry loops instant in tests; attempt counts are
// unchanged.
func newTestManager(resolver domain.EndpointResolver, repo domain.RunRepository) domain.DispatchService {
	return NewDispatchManager(DispatchManagerDependencies{
		Resolver:              resolver,
		RunRepository:         repo,
		DefaultProvider:       "n8n",
		ProductionRetryPolicy: RetryPolicy{MaxAttempts: 2},
		TestRetryPolicy:       RetryPolicy{MaxAttempts: 5},
	})
}

func dispatchParams(input map[string]any) domain.DispatchParams {
	return domain.DispatchParams{
		Tenant:      domain.TenantContext{TenantID: "acme", UserID: "u-1", Roles: []string{"admin"}, RequestID: "req-1"},
		WorkflowKey: "sync-orders",
		Action:      "run",
		Input:       input,
	}
}

func TestDispatchValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.DispatchParams)
	}{
		{"empty workflow key", func(p *domain.DispatchParams) { p.WorkflowKey = "" }},
		{"workflow key with spaces", func(p *domain.DispatchParams) { p.WorkflowKey = "bad key" }},
		{"workflow key too long", func(p *domain.DispatchParams) {
			key := make([]byte, 101)
			for i := range key {
				key[i] = 'a'
			}
			p.WorkflowKey = string(key)
		}},
		{"action with slash", func(p *domain.DispatchParams) { p.Action = "run/now" }},
		{"idempotency key not a uuid", func(p *domain.DispatchParams) { p.IdempotencyKey = "not-a-uuid" }},
		{"missing tenant", func(p *domain.DispatchParams) { p.Tenant.TenantID = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls++
			}))
			defer server.Close()

			repo := newMemRunRepo()
			manager := newTestManager(&stubResolver{endpoint: domain.ResolvedEndpoint{URL: server.URL, Class: domain.EndpointClassProduction}}, repo)

			params := dispatchParams(map[string]any{"k": "v"})
			tt.mutate(&params)

			_, err := manager.Dispatch(context.Background(), params)
			de, ok := domain.AsDispatchError(err)
			require.True(t, ok)
			assert.Equal(t, domain.ErrCodeValidation, de.Code)
			assert.Empty(t, repo.all(), "nothing may be persisted on validation failure")
			assert.Zero(t, calls, "nothing may be sent on validation failure")
		})
	}
}

func TestDispatchSuccess(t *testing.T) {
	var received struct {
		mu       sync.Mutex
		envelope map[string]any
		headers  http.Header
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.mu.Lock()
		defer received.mu.Unlock()
		received.headers = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&received.envelope)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":"done","access_token":"remote-secret"}`))
	}))
	defer server.Close()

	repo := newMemRunRepo()
	manager := newTestManager(&stubResolver{endpoint: domain.ResolvedEndpoint{URL: server.URL, Class: domain.EndpointClassProduction}}, repo)

	result, err := manager.Dispatch(context.Background(), dispatchParams(map[string]any{
		"order_id": "o-42",
		"api_key":  "caller-secret",
	}))
	require.NoError(t, err)

	assert.Equal(t, domain.DispatchStatusSucceeded, result.Status)
	assert.JSONEq(t, `{"result":"done","access_token":"remote-secret"}`, string(result.Data),
		"caller receives the raw response")

	run := repo.only(t)
	assert.Equal(t, result.RunID, run.ID)
	assert.Equal(t, domain.RunStatusSucceeded, run.Status)
	assert.Equal(t, http.StatusOK, run.HTTPStatus)
	assert.NotNil(t, run.FinishedAt)

	storedRequest := run.Request.(map[string]any)
	assert.Equal(t, "o-42", storedRequest["order_id"])
	assert.Equal(t, redact.Marker, storedRequest["api_key"], "ledger copy of the request is sanitized")

	storedResponse := run.Response.(map[string]any)
	assert.Equal(t, "done", storedResponse["result"])
	assert.Equal(t, redact.Marker, storedResponse["access_token"], "ledger copy of the response is sanitized")

	received.mu.Lock()
	defer received.mu.Unlock()
	assert.Equal(t, "acme", received.headers.Get("X-Tenant-ID"))
	assert.Equal(t, "req-1", received.headers.Get("X-Request-ID"))

	envelopeContext := received.envelope["context"].(map[string]any)
	assert.Equal(t, "acme", envelopeContext["tenant_id"])
	assert.Equal(t, "req-1", envelopeContext["request_id"])
	envelopeInput := received.envelope["input"].(map[string]any)
	assert.Equal(t, "caller-secret", envelopeInput["api_key"], "wire payload is never sanitized")
}

func TestDispatchIdempotencyReplay(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write([]byte(`{"result":"fresh"}`))
	}))
	defer server.Close()

	key := "b3f7b87e-4c6e-4f6e-9be0-1f84a1c6a001"

	repo := newMemRunRepo()
	finished := time.Now().UTC()
	require.NoError(t, repo.InsertRun(context.Background(), &domain.Run{
		ID:             "run-prior",
		TenantID:       "acme",
		WorkflowKey:    "sync-orders",
		IdempotencyKey: key,
		Status:         domain.RunStatusStarted,
		StartedAt:      finished,
	}))
	require.NoError(t, repo.MarkRunSucceeded(context.Background(), "acme", "run-prior", http.StatusOK, map[string]any{"result": "original"}))

	manager := newTestManager(&stubResolver{endpoint: domain.ResolvedEndpoint{URL: server.URL, Class: domain.EndpointClassProduction}}, repo)

	params := dispatchParams(map[string]any{"order_id": "o-42"})
	params.IdempotencyKey = key

	first, err := manager.Dispatch(context.Background(), params)
	require.NoError(t, err)
	second, err := manager.Dispatch(context.Background(), params)
	require.NoError(t, err)

	assert.Zero(t, calls, "replay must perform no network calls")
	assert.Equal(t, "run-prior", first.RunID)
	assert.Equal(t, first.Data, second.Data)
	assert.JSONEq(t, `{"result":"original"}`, string(first.Data))
	assert.Len(t, repo.all(), 1, "no new run row on replay")
}

func TestDispatchInsertsRunBeforeFirstAttempt(t *testing.T) {
	repo := newMemRunRepo()

	var ledgerAtCallTime []domain.Run
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ledgerAtCallTime = repo.all()
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	manager := newTestManager(&stubResolver{endpoint: domain.ResolvedEndpoint{URL: server.URL, Class: domain.EndpointClassProduction}}, repo)

	_, err := manager.Dispatch(context.Background(), dispatchParams(map[string]any{"k": "v"}))
	require.NoError(t, err)

	require.Len(t, ledgerAtCallTime, 1, "run row must exist before the first outbound request")
	assert.Equal(t, domain.RunStatusStarted, ledgerAtCallTime[0].Status)
}

func TestDispatchProductionRetryBudget(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	repo := newMemRunRepo()
	manager := newTestManager(&stubResolver{endpoint: domain.ResolvedEndpoint{URL: server.URL, Class: domain.EndpointClassProduction}}, repo)

	_, err := manager.Dispatch(context.Background(), dispatchParams(map[string]any{"k": "v"}))
	de, ok := domain.AsDispatchError(err)
	require.True(t, ok)
	assert.Equal(t, domain.ErrCodeIntegration, de.Code)
	assert.NotEmpty(t, de.RunID)

	assert.Equal(t, 2, calls, "production class gets exactly 2 attempts")

	run := repo.only(t)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Equal(t, http.StatusInternalServerError, run.HTTPStatus)
	assert.Contains(t, run.ErrorMessage, "500")
	assert.NotNil(t, run.FinishedAt)
}

func TestDispatchTestClassToleratesStartup404s(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls <= 3 {
			http.Error(w, "webhook not found", http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"result":"live"}`))
	}))
	defer server.Close()

	repo := newMemRunRepo()
	manager := newTestManager(&stubResolver{endpoint: domain.ResolvedEndpoint{
		URL:   server.URL + "/webhook-test/sync-orders",
		Class: domain.EndpointClassTest,
	}}, repo)

	result, err := manager.Dispatch(context.Background(), dispatchParams(map[string]any{"k": "v"}))
	require.NoError(t, err)

	assert.Equal(t, 4, calls, "succeeds on the 4th attempt")
	assert.Equal(t, domain.DispatchStatusSucceeded, result.Status)

	run := repo.only(t)
	assert.Equal(t, domain.RunStatusSucceeded, run.Status, "no intermediate failed state during startup 404s")
}

func TestDispatchMethodFallback(t *testing.T) {
	postCalls := 0
	getCalls := 0
	var fallbackQuery map[string][]string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			postCalls++
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"webhook is not registered for POST requests"}`))
		case http.MethodGet:
			getCalls++
			fallbackQuery = r.URL.Query()
			_, _ = w.Write([]byte(`{"result":"via-get"}`))
		}
	}))
	defer server.Close()

	repo := newMemRunRepo()
	manager := newTestManager(&stubResolver{endpoint: domain.ResolvedEndpoint{URL: server.URL, Class: domain.EndpointClassProduction}}, repo)

	params := dispatchParams(map[string]any{"note": "héllo wörld"})
	params.IdempotencyKey = "b3f7b87e-4c6e-4f6e-9be0-1f84a1c6a002"

	result, err := manager.Dispatch(context.Background(), params)
	require.NoError(t, err)

	assert.Equal(t, 1, postCalls)
	assert.Equal(t, 1, getCalls, "exactly one GET fallback call")
	assert.Equal(t, domain.DispatchStatusSucceeded, result.Status)
	assert.JSONEq(t, `{"result":"via-get"}`, string(result.Data))

	require.NotNil(t, fallbackQuery)
	assert.Equal(t, "run", fallbackQuery["action"][0])
	assert.Equal(t, "req-1", fallbackQuery["request_id"][0])
	assert.Equal(t, params.IdempotencyKey, fallbackQuery["idempotency_key"][0])

	inputJSON, err := base64.URLEncoding.DecodeString(fallbackQuery["input"][0])
	require.NoError(t, err)
	var input map[string]any
	require.NoError(t, json.Unmarshal(inputJSON, &input))
	assert.Equal(t, "héllo wörld", input["note"], "non-ASCII input survives the query-string transport")

	contextJSON, err := base64.URLEncoding.DecodeString(fallbackQuery["context"][0])
	require.NoError(t, err)
	var tenantContext map[string]any
	require.NoError(t, json.Unmarshal(contextJSON, &tenantContext))
	assert.Equal(t, "acme", tenantContext["tenant_id"])

	run := repo.only(t)
	assert.Equal(t, domain.RunStatusSucceeded, run.Status)
}

func TestDispatchFallbackFailureFallsThrough(t *testing.T) {
	postCalls := 0
	getCalls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			postCalls++
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`webhook is not registered for POST requests`))
		case http.MethodGet:
			getCalls++
			http.Error(w, "nope", http.StatusInternalServerError)
		}
	}))
	defer server.Close()

	repo := newMemRunRepo()
	manager := newTestManager(&stubResolver{endpoint: domain.ResolvedEndpoint{URL: server.URL, Class: domain.EndpointClassProduction}}, repo)

	_, err := manager.Dispatch(context.Background(), dispatchParams(map[string]any{"k": "v"}))
	de, ok := domain.AsDispatchError(err)
	require.True(t, ok)
	assert.Equal(t, domain.ErrCodeIntegration, de.Code)

	assert.Equal(t, 2, postCalls, "POST retries continue after a failed fallback")
	assert.Equal(t, 1, getCalls, "the fallback is attempted at most once per dispatch")

	run := repo.only(t)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
}

func TestDispatchAsyncAccept(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	repo := newMemRunRepo()
	manager := newTestManager(&stubResolver{endpoint: domain.ResolvedEndpoint{URL: server.URL, Class: domain.EndpointClassProduction}}, repo)

	result, err := manager.Dispatch(context.Background(), dispatchParams(map[string]any{"k": "v"}))
	require.NoError(t, err)

	assert.Equal(t, domain.DispatchStatusInProgress, result.Status)
	assert.Empty(t, result.Data)

	run := repo.only(t)
	assert.Equal(t, domain.RunStatusInProgress, run.Status)
	assert.Equal(t, http.StatusAccepted, run.HTTPStatus)
	assert.Nil(t, run.FinishedAt, "in_progress is not terminal")
}

func TestDispatchUnresolvableEndpoint(t *testing.T) {
	repo := newMemRunRepo()
	manager := newTestManager(&stubResolver{
		err: domain.NewDispatchError(domain.ErrCodeWorkflowNotFound, "no base address configured"),
	}, repo)

	_, err := manager.Dispatch(context.Background(), dispatchParams(map[string]any{"k": "v"}))
	de, ok := domain.AsDispatchError(err)
	require.True(t, ok)
	assert.Equal(t, domain.ErrCodeWorkflowNotFound, de.Code)
	assert.Empty(t, repo.all(), "no run row when resolution fails")
}

func TestDispatchLedgerInsertFailure(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer server.Close()

	repo := newMemRunRepo()
	repo.insertErr = assert.AnError
	manager := newTestManager(&stubResolver{endpoint: domain.ResolvedEndpoint{URL: server.URL, Class: domain.EndpointClassProduction}}, repo)

	_, err := manager.Dispatch(context.Background(), dispatchParams(map[string]any{"k": "v"}))
	de, ok := domain.AsDispatchError(err)
	require.True(t, ok)
	assert.Equal(t, domain.ErrCodeInternal, de.Code)
	assert.Zero(t, calls, "no network call without a ledger row")
}

func TestDispatchNetworkFailureExhaustsRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // refuse every connection

	repo := newMemRunRepo()
	manager := newTestManager(&stubResolver{endpoint: domain.ResolvedEndpoint{URL: server.URL, Class: domain.EndpointClassProduction}}, repo)

	_, err := manager.Dispatch(context.Background(), dispatchParams(map[string]any{"k": "v"}))
	de, ok := domain.AsDispatchError(err)
	require.True(t, ok)
	assert.Equal(t, domain.ErrCodeIntegration, de.Code)

	run := repo.only(t)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Contains(t, run.ErrorMessage, "unreachable")
	assert.NotNil(t, run.FinishedAt)
}

func TestRunTerminalStatesAreImmutable(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		terminate func(*memRunRepo) error
		want      domain.RunStatus
	}{
		{
			name: "succeeded stays succeeded",
			terminate: func(repo *memRunRepo) error {
				return repo.MarkRunSucceeded(ctx, "acme", "run-1", http.StatusOK, map[string]any{"result": "done"})
			},
			want: domain.RunStatusSucceeded,
		},
		{
			name: "failed stays failed",
			terminate: func(repo *memRunRepo) error {
				return repo.MarkRunFailed(ctx, "acme", "run-1", http.StatusInternalServerError, "endpoint returned status 500")
			},
			want: domain.RunStatusFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMemRunRepo()
			require.NoError(t, repo.InsertRun(ctx, &domain.Run{
				ID:        "run-1",
				TenantID:  "acme",
				Status:    domain.RunStatusStarted,
				StartedAt: time.Now().UTC(),
			}))
			require.NoError(t, tt.terminate(repo))

			before, err := repo.GetRun(ctx, "acme", "run-1")
			require.NoError(t, err)

			assert.ErrorIs(t, repo.MarkRunSucceeded(ctx, "acme", "run-1", http.StatusOK, map[string]any{"result": "late"}), domain.ErrRunNotFound)
			assert.ErrorIs(t, repo.MarkRunFailed(ctx, "acme", "run-1", http.StatusBadGateway, "late failure"), domain.ErrRunNotFound)
			assert.ErrorIs(t, repo.MarkRunInProgress(ctx, "acme", "run-1", http.StatusAccepted), domain.ErrRunNotFound)

			after, err := repo.GetRun(ctx, "acme", "run-1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, after.Status)
			assert.Equal(t, before, after, "terminal run row never changes")
		})
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts: 5,
		Delays:      []time.Duration{200 * time.Millisecond, 400 * time.Millisecond},
	}

	assert.Equal(t, 200*time.Millisecond, policy.delay(0))
	assert.Equal(t, 400*time.Millisecond, policy.delay(1))
	assert.Equal(t, 400*time.Millisecond, policy.delay(7), "last delay repeats")
	assert.Equal(t, time.Duration(0), RetryPolicy{MaxAttempts: 2}.delay(0))
}

func TestIsMethodNotRegisteredBody(t *testing.T) {
	assert.True(t, isMethodNotRegisteredBody([]byte(`webhook is not registered for POST requests`)))
	assert.True(t, isMethodNotRegisteredBody([]byte(`{"message":"This webhook is Not Registered for POST"}`)))
	assert.False(t, isMethodNotRegisteredBody([]byte(`not found`)))
}
