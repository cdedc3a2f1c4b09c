package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txcoord/txcoord/pkg/abort"
	"github.com/txcoord/txcoord/pkg/api/models"
	"github.com/txcoord/txcoord/pkg/api/response"
	"github.com/txcoord/txcoord/pkg/graph"
	"github.com/txcoord/txcoord/pkg/saga"
	"github.com/txcoord/txcoord/pkg/store"
	"github.com/txcoord/txcoord/pkg/twopc"
	"github.com/txcoord/txcoord/pkg/txn"
)

type fakeSagaRunner struct {
	gotID    string
	gotSteps map[string]graph.StepDef
	result   *saga.Result
	err      error
}

func (f *fakeSagaRunner) RunSagaWithID(_ context.Context, txID string, steps map[string]graph.StepDef) (*saga.Result, error) {
	f.gotID = txID
	f.gotSteps = steps
	if f.err != nil {
		return nil, f.err
	}
	res := *f.result
	res.TxID = txID
	return &res, nil
}

type fakeTwoPCRunner struct {
	gotNames []string
	outcome  *twopc.Outcome
	err      error
}

func (f *fakeTwoPCRunner) RunNamed(_ context.Context, txID string, names []string) (*twopc.Outcome, error) {
	f.gotNames = names
	if f.err != nil {
		return nil, f.err
	}
	out := *f.outcome
	out.TxID = txID
	return &out, nil
}

type fakeAborter struct {
	err   error
	calls int
}

func (f *fakeAborter) Abort(context.Context, string) error {
	f.calls++
	return f.err
}

func postJSON(t *testing.T, h http.HandlerFunc, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) response.ErrorDetail {
	t.Helper()
	var resp response.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

const twoStepSaga = `{
	"tx_id": "tx-1",
	"steps": {
		"reserve": {"service": "inventory", "operation": "reserve", "compensate_operation": "release"},
		"charge": {"service": "payments", "operation": "charge", "depends_on": ["reserve"]}
	}
}`

func TestSagaHandler_Submit(t *testing.T) {
	runner := &fakeSagaRunner{result: &saga.Result{Success: true, Status: txn.StatusSucceeded}}
	h := NewSagaHandler(runner, testLogger())

	rec := postJSON(t, h.Submit, twoStepSaga)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tx-1", runner.gotID)
	require.Len(t, runner.gotSteps, 2)
	assert.Equal(t, "charge", runner.gotSteps["charge"].ID)
	assert.Equal(t, []string{"reserve"}, runner.gotSteps["charge"].DependsOn)
	assert.Equal(t, "release", runner.gotSteps["reserve"].CompensateOperation)

	var res saga.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Success)
	assert.Equal(t, txn.StatusSucceeded, res.Status)
}

func TestSagaHandler_SubmitGeneratesID(t *testing.T) {
	runner := &fakeSagaRunner{result: &saga.Result{Success: true}}
	h := NewSagaHandler(runner, testLogger())

	rec := postJSON(t, h.Submit, `{"steps":{"a":{"service":"s","operation":"op"}}}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, runner.gotID, 36)
}

func TestSagaHandler_SubmitErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		wantCode int
		wantErr  string
	}{
		{"malformed json", `{"steps":`, nil, http.StatusBadRequest, response.ErrCodeBadRequest},
		{"unknown field", `{"stepz":{}}`, nil, http.StatusBadRequest, response.ErrCodeBadRequest},
		{"no steps", `{"steps":{}}`, nil, http.StatusBadRequest, response.ErrCodeValidationFailed},
		{"missing operation", `{"steps":{"a":{"service":"s"}}}`, nil, http.StatusBadRequest, response.ErrCodeValidationFailed},
		{"cycle", twoStepSaga, &graph.CycleError{}, http.StatusBadRequest, response.ErrCodeBadRequest},
		{"duplicate id", twoStepSaga, fmt.Errorf("%w: tx-1", abort.ErrAlreadyRunning), http.StatusConflict, response.ErrCodeConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewSagaHandler(&fakeSagaRunner{err: tt.err, result: &saga.Result{}}, testLogger())
			rec := postJSON(t, h.Submit, tt.body)
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantErr, decodeError(t, rec).Code)
		})
	}
}

func TestSagaHandler_Unavailable(t *testing.T) {
	h := NewSagaHandler(nil, testLogger())
	rec := postJSON(t, h.Submit, twoStepSaga)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSagaHandler_Plan(t *testing.T) {
	h := NewSagaHandler(nil, testLogger())

	rec := postJSON(t, h.Plan, twoStepSaga)

	require.Equal(t, http.StatusOK, rec.Code)
	var plan models.PlanResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &plan))
	assert.Equal(t, [][]string{{"reserve"}, {"charge"}}, plan.Levels)
	assert.Contains(t, plan.DOT, "digraph")
}

func TestSagaHandler_PlanRejectsCycle(t *testing.T) {
	h := NewSagaHandler(nil, testLogger())
	body := `{"steps":{
		"a":{"service":"s","operation":"op","depends_on":["b"]},
		"b":{"service":"s","operation":"op","depends_on":["a"]}}}`

	rec := postJSON(t, h.Plan, body)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeError(t, rec).Message, "cycle")
}

func TestTwoPCHandler_Submit(t *testing.T) {
	runner := &fakeTwoPCRunner{outcome: &twopc.Outcome{
		Decision: twopc.DecisionAborted,
		Participants: map[string]twopc.ParticipantState{
			"a": twopc.StateRolledBack,
			"b": twopc.StatePrepareFailed,
		},
		Reason: twopc.ReasonVotedNo,
	}}
	h := NewTwoPCHandler(runner, testLogger())

	rec := postJSON(t, h.Submit, `{"tx_id":"tx-2","participants":["a","b"]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"a", "b"}, runner.gotNames)
	var out twopc.Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "tx-2", out.TxID)
	assert.Equal(t, twopc.DecisionAborted, out.Decision)
	assert.Equal(t, twopc.StatePrepareFailed, out.Participants["b"])
}

func TestTwoPCHandler_Errors(t *testing.T) {
	h := NewTwoPCHandler(&fakeTwoPCRunner{}, testLogger())
	rec := postJSON(t, h.Submit, `{"participants":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, h.Submit, `{"participants":[""]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	h = NewTwoPCHandler(&fakeTwoPCRunner{err: fmt.Errorf("%w: unknown participant", twopc.ErrValidation)}, testLogger())
	rec = postJSON(t, h.Submit, `{"participants":["ghost"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func transactionRouter(h *TransactionHandler) http.Handler {
	r := chi.NewRouter()
	r.Get("/transactions", h.List)
	r.Get("/transactions/{id}", h.Get)
	r.Post("/transactions/{id}/abort", h.Abort)
	return r
}

func seedStore(t *testing.T) store.Store {
	t.Helper()
	s := store.NewMemoryStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	records := []*store.Record{
		{TxID: "s1", Kind: txn.KindSaga, Status: txn.StatusSucceeded, Success: true, CreatedAt: base},
		{TxID: "s2", Kind: txn.KindSaga, Status: txn.StatusCompensated, CreatedAt: base.Add(time.Second)},
		{TxID: "p1", Kind: txn.KindTwoPhase, Status: txn.StatusCommitted, Success: true, CreatedAt: base.Add(2 * time.Second)},
	}
	for _, r := range records {
		require.NoError(t, s.Save(context.Background(), r))
	}
	return s
}

func TestTransactionHandler_Get(t *testing.T) {
	router := transactionRouter(NewTransactionHandler(seedStore(t), testLogger()))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/transactions/p1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got store.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, txn.KindTwoPhase, got.Kind)
	assert.Equal(t, txn.StatusCommitted, got.Status)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/transactions/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTransactionHandler_List(t *testing.T) {
	router := transactionRouter(NewTransactionHandler(seedStore(t), testLogger()))

	tests := []struct {
		query   string
		wantIDs []string
		total   int
	}{
		{"", []string{"s1", "s2", "p1"}, 3},
		{"?kind=saga", []string{"s1", "s2"}, 2},
		{"?state=committed", []string{"p1"}, 1},
		{"?limit=1&offset=1", []string{"s2"}, 3},
		{"?state=aborted", []string{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/transactions"+tt.query, nil))
			require.Equal(t, http.StatusOK, rec.Code)

			var list models.ListResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
			ids := make([]string, 0, len(list.Items))
			for _, item := range list.Items {
				ids = append(ids, item.TxID)
			}
			assert.Equal(t, tt.wantIDs, ids)
			assert.Equal(t, tt.total, list.Total)
		})
	}
}

func TestTransactionHandler_ListRejectsBadQuery(t *testing.T) {
	router := transactionRouter(NewTransactionHandler(seedStore(t), testLogger()))
	for _, q := range []string{"?limit=0", "?limit=abc", "?limit=501", "?offset=-1", "?kind=xa"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/transactions"+q, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestTransactionHandler_Abort(t *testing.T) {
	notRunning := &fakeAborter{err: fmt.Errorf("%w: tx-1", saga.ErrTransactionNotFound)}
	running := &fakeAborter{}
	router := transactionRouter(NewTransactionHandler(nil, testLogger(), notRunning, running))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/transactions/tx-1/abort", bytes.NewReader(nil)))

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, notRunning.calls)
	assert.Equal(t, 1, running.calls)
	var resp models.AbortResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "tx-1", resp.TxID)
}

func TestTransactionHandler_AbortUnknown(t *testing.T) {
	router := transactionRouter(NewTransactionHandler(nil, testLogger(),
		&fakeAborter{err: saga.ErrTransactionNotFound},
		&fakeAborter{err: twopc.ErrTransactionNotFound},
	))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/transactions/nope/abort", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthHandler(t *testing.T) {
	busUp := true
	h := NewHealthHandler(func() []string { return []string{"tx-b", "tx-a"} })
	h.AddCheck("abort_bus", func(context.Context) bool { return busUp })

	get := func(fn http.HandlerFunc) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		fn(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		return rec
	}

	assert.Equal(t, http.StatusOK, get(h.Health).Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(h.Ready).Code, "not ready before recovery")

	h.SetReady(true)
	assert.Equal(t, http.StatusOK, get(h.Ready).Code)

	busUp = false
	rec := get(h.Ready)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"abort_bus":false`)

	rec = get(h.Status)
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		Active      []string          `json:"active"`
		ActiveCount int               `json:"active_transactions"`
		Build       map[string]string `json:"build"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, []string{"tx-a", "tx-b"}, status.Active)
	assert.Equal(t, 2, status.ActiveCount)
	assert.NotEmpty(t, status.Build["go_version"])
}
