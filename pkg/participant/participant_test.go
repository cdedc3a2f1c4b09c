package participant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/txcoord/txcoord/pkg/invoker"
)

func TestRegistry_Saga(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterSaga("payments", SagaFuncs{}))
	require.NoError(t, r.RegisterSaga("inventory", SagaFuncs{}))

	err := r.RegisterSaga("payments", SagaFuncs{})
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	p, err := r.Saga("payments")
	require.NoError(t, err)
	ok, err := p.Compensate(context.Background(), "tx", "refund", nil)
	assert.True(t, ok)
	assert.NoError(t, err)

	_, err = r.Saga("shipping")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, []string{"inventory", "payments"}, r.SagaServices())

	r.Unregister("payments")
	_, err = r.Saga("payments")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_TwoPhase(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterTwoPhase(TwoPhaseFuncs{ParticipantName: "db1"}))
	require.NoError(t, r.RegisterTwoPhase(TwoPhaseFuncs{ParticipantName: "db2"}))
	assert.Error(t, r.RegisterTwoPhase(TwoPhaseFuncs{}))

	ps, err := r.TwoPhaseAll([]string{"db2", "db1"})
	require.NoError(t, err)
	require.Len(t, ps, 2)
	assert.Equal(t, "db2", ps[0].Name())

	_, err = r.TwoPhaseAll([]string{"db1", "db3"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []string{"db1", "db2"}, r.TwoPhaseServices())
}

func TestRegistry_ConcurrentRegister(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- r.RegisterSaga("shared", SagaFuncs{})
		}()
	}
	wg.Wait()
	close(errs)

	var succeeded int
	for err := range errs {
		if err == nil {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded)
}

func newParticipantServer(t *testing.T, handler http.HandlerFunc) *HTTPParticipant {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p, err := NewHTTPParticipant("remote", srv.URL+"/")
	require.NoError(t, err)
	return p
}

func TestHTTPParticipant_RequestShape(t *testing.T) {
	var got HTTPRequest
	var path, key string
	p := newParticipantServer(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		key = r.Header.Get("Idempotency-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(HTTPResponse{OK: true})
	})

	ok, err := p.Execute(context.Background(), "tx-1", "charge", map[string]any{"amount": 5.0})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "/charge", path)
	assert.Equal(t, "tx-1:charge", key)
	assert.Equal(t, "tx-1", got.TxID)
	assert.Equal(t, 5.0, got.Payload["amount"])

	ok, err = p.Prepare(context.Background(), "tx-2")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "/prepare", path)
}

func TestHTTPParticipant_PropagatesTraceContext(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	var traceparent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent = r.Header.Get("traceparent")
		_ = json.NewEncoder(w).Encode(HTTPResponse{OK: true})
	}))
	defer srv.Close()

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	ctx, span := tp.Tracer("test").Start(context.Background(), "saga.step")
	defer span.End()

	p, err := NewHTTPParticipant("payments", srv.URL)
	require.NoError(t, err)
	ok, err := p.Execute(ctx, "tx-trace", "charge", nil)
	require.NoError(t, err)
	require.True(t, ok)

	require.NotEmpty(t, traceparent)
	assert.Contains(t, traceparent, span.SpanContext().TraceID().String())
}

func TestHTTPParticipant_StatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantOK    bool
		wantErr   bool
		permanent bool
	}{
		{"ok true", http.StatusOK, `{"ok":true}`, true, false, false},
		{"ok false", http.StatusOK, `{"ok":false,"reason":"insufficient funds"}`, false, false, false},
		{"conflict rejects", http.StatusConflict, `{}`, false, false, false},
		{"unprocessable rejects", http.StatusUnprocessableEntity, `{}`, false, false, false},
		{"server error transient", http.StatusServiceUnavailable, `down`, false, true, false},
		{"too many requests transient", http.StatusTooManyRequests, `slow down`, false, true, false},
		{"not found permanent", http.StatusNotFound, `missing`, false, true, true},
		{"garbage body permanent", http.StatusOK, `not json`, false, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newParticipantServer(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			ok, err := p.Commit(context.Background(), "tx")
			assert.Equal(t, tt.wantOK, ok)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.permanent, invoker.IsPermanent(err))
		})
	}
}

func TestHTTPParticipant_ServerErrorCarriesStatus(t *testing.T) {
	p := newParticipantServer(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	_, err := p.Rollback(context.Background(), "tx")
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusInternalServerError, statusErr.Code)
}

func TestNewHTTPParticipant_InvalidURL(t *testing.T) {
	_, err := NewHTTPParticipant("x", "not a url")
	assert.Error(t, err)
}
