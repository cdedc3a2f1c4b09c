package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/txcoord/txcoord/pkg/api/models"
	"github.com/txcoord/txcoord/pkg/api/response"
	"github.com/txcoord/txcoord/pkg/logger"
	"github.com/txcoord/txcoord/pkg/store"
	"github.com/txcoord/txcoord/pkg/txn"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Aborter asks a running transaction to stop.
type Aborter interface {
	Abort(ctx context.Context, txID string) error
}

// TransactionHandler serves stored transactions of both kinds and accepts
// abort requests.
type TransactionHandler struct {
	store    store.Store
	aborters []Aborter
	logger   logger.Logger
}

// NewTransactionHandler creates a transaction handler. An abort request is
// offered to each aborter in turn until one accepts it.
func NewTransactionHandler(s store.Store, log logger.Logger, aborters ...Aborter) *TransactionHandler {
	if log == nil {
		log = logger.Global()
	}
	return &TransactionHandler{
		store:    s,
		aborters: aborters,
		logger:   log,
	}
}

// Get handles GET /api/v1/transactions/{id}.
func (h *TransactionHandler) Get(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		response.Error(w, http.StatusServiceUnavailable, response.ErrCodeServiceUnavailable, "transaction store unavailable", requestID(r))
		return
	}
	rec, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		response.HandleError(w, err, requestID(r))
		return
	}
	response.JSON(w, http.StatusOK, rec)
}

// List handles GET /api/v1/transactions?kind=&state=&limit=&offset=.
func (h *TransactionHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		response.Error(w, http.StatusServiceUnavailable, response.ErrCodeServiceUnavailable, "transaction store unavailable", requestID(r))
		return
	}

	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"), defaultListLimit)
	if err != nil || limit < 1 || limit > maxListLimit {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "limit must be between 1 and 500", requestID(r))
		return
	}
	offset, err := queryInt(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "offset must be a non-negative integer", requestID(r))
		return
	}

	kind := txn.Kind(q.Get("kind"))
	if kind != "" && kind != txn.KindSaga && kind != txn.KindTwoPhase {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "kind must be saga or 2pc", requestID(r))
		return
	}

	items, total, err := h.store.List(r.Context(), store.Filter{
		Kind:   kind,
		Status: txn.Status(q.Get("state")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to list transactions", "error", err)
		response.HandleError(w, err, requestID(r))
		return
	}
	if items == nil {
		items = []*store.Record{}
	}
	response.JSON(w, http.StatusOK, models.ListResponse{
		Items:  items,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// Abort handles POST /api/v1/transactions/{id}/abort. The request is
// accepted once delivered; the transaction stops at its next checkpoint.
func (h *TransactionHandler) Abort(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "id")

	err := errNoAborter
	for _, a := range h.aborters {
		err = a.Abort(r.Context(), txID)
		if err == nil || response.HTTPStatusFromError(err) != http.StatusNotFound {
			break
		}
	}
	if err != nil {
		if response.HTTPStatusFromError(err) != http.StatusNotFound {
			h.logger.ErrorContext(r.Context(), "abort failed", "tx_id", txID, "error", err)
		}
		response.HandleError(w, err, requestID(r))
		return
	}

	h.logger.InfoContext(r.Context(), "abort requested", "tx_id", txID)
	response.JSON(w, http.StatusAccepted, models.AbortResponse{TxID: txID, Status: "abort_requested"})
}

var errNoAborter = errors.New("no coordinator accepts abort requests")

func queryInt(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
