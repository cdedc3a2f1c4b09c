package handlers

import (
	"context"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/txcoord/txcoord/pkg/api/models"
	"github.com/txcoord/txcoord/pkg/api/response"
	"github.com/txcoord/txcoord/pkg/logger"
	"github.com/txcoord/txcoord/pkg/twopc"
)

// TwoPCRunner runs a two-phase commit across named participants.
type TwoPCRunner interface {
	RunNamed(ctx context.Context, txID string, names []string) (*twopc.Outcome, error)
}

// TwoPCHandler handles POST /api/v1/twopc.
type TwoPCHandler struct {
	runner    TwoPCRunner
	logger    logger.Logger
	validator *validator.Validate
}

func NewTwoPCHandler(runner TwoPCRunner, log logger.Logger) *TwoPCHandler {
	if log == nil {
		log = logger.Global()
	}
	return &TwoPCHandler{
		runner:    runner,
		logger:    log,
		validator: validator.New(),
	}
}

// Submit runs the transaction and responds with its Outcome. Aborted
// transactions are a normal outcome and still answer 200.
func (h *TwoPCHandler) Submit(w http.ResponseWriter, r *http.Request) {
	if h.runner == nil {
		response.Error(w, http.StatusServiceUnavailable, response.ErrCodeServiceUnavailable, "2pc coordinator unavailable", requestID(r))
		return
	}

	var req models.TwoPCRequest
	if !decode(w, r, h.validator, &req) {
		return
	}

	out, err := h.runner.RunNamed(r.Context(), req.TxID, req.Participants)
	if err != nil {
		h.logger.WarnContext(r.Context(), "2pc rejected", "tx_id", req.TxID, "error", err)
		response.HandleError(w, err, requestID(r))
		return
	}
	response.JSON(w, http.StatusOK, out)
}
