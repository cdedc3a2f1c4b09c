package handlers

import (
	"context"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/txcoord/txcoord/pkg/api/models"
	"github.com/txcoord/txcoord/pkg/api/response"
	"github.com/txcoord/txcoord/pkg/graph"
	"github.com/txcoord/txcoord/pkg/logger"
	"github.com/txcoord/txcoord/pkg/saga"
)

// SagaRunner runs a saga to its end.
type SagaRunner interface {
	RunSagaWithID(ctx context.Context, txID string, steps map[string]graph.StepDef) (*saga.Result, error)
}

// SagaHandler handles the saga endpoints.
type SagaHandler struct {
	runner    SagaRunner
	logger    logger.Logger
	validator *validator.Validate
}

// NewSagaHandler creates a saga handler.
func NewSagaHandler(runner SagaRunner, log logger.Logger) *SagaHandler {
	if log == nil {
		log = logger.Global()
	}
	return &SagaHandler{
		runner:    runner,
		logger:    log,
		validator: validator.New(),
	}
}

// Submit handles POST /api/v1/sagas. The saga runs within the request and
// its Result is the response body, including failed and compensated sagas.
func (h *SagaHandler) Submit(w http.ResponseWriter, r *http.Request) {
	if h.runner == nil {
		response.Error(w, http.StatusServiceUnavailable, response.ErrCodeServiceUnavailable, "saga orchestrator unavailable", requestID(r))
		return
	}

	var req models.SagaRequest
	if !decode(w, r, h.validator, &req) {
		return
	}
	txID := req.TxID
	if txID == "" {
		txID = uuid.NewString()
	}

	res, err := h.runner.RunSagaWithID(r.Context(), txID, req.StepDefs())
	if err != nil {
		h.logger.WarnContext(r.Context(), "saga rejected", "tx_id", txID, "error", err)
		response.HandleError(w, err, requestID(r))
		return
	}
	response.JSON(w, http.StatusOK, res)
}

// Plan handles POST /api/v1/sagas/plan. It builds the dependency plan
// without contacting any participant.
func (h *SagaHandler) Plan(w http.ResponseWriter, r *http.Request) {
	var req models.SagaRequest
	if !decode(w, r, h.validator, &req) {
		return
	}

	plan, err := graph.Build(req.StepDefs())
	if err != nil {
		response.HandleError(w, err, requestID(r))
		return
	}
	dot, err := plan.DOT()
	if err != nil {
		response.HandleError(w, err, requestID(r))
		return
	}
	response.JSON(w, http.StatusOK, models.PlanResponse{
		Levels: plan.Levels(),
		DOT:    dot,
	})
}
