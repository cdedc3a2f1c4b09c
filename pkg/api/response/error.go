package response

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/txcoord/txcoord/pkg/abort"
	"github.com/txcoord/txcoord/pkg/graph"
	"github.com/txcoord/txcoord/pkg/saga"
	"github.com/txcoord/txcoord/pkg/store"
	"github.com/txcoord/txcoord/pkg/twopc"
	"github.com/txcoord/txcoord/pkg/txn"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error information.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// Error codes
const (
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodeInternalServer     = "INTERNAL_SERVER_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeGatewayTimeout     = "GATEWAY_TIMEOUT"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrServiceUnavailable = errors.New("service unavailable")
)

// HTTPStatusFromError maps coordinator and store errors to HTTP status codes.
func HTTPStatusFromError(err error) int {
	switch {
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, graph.ErrValidation),
		errors.Is(err, twopc.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, saga.ErrTransactionNotFound),
		errors.Is(err, twopc.ErrTransactionNotFound),
		errors.Is(err, abort.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, abort.ErrAlreadyRunning),
		errors.Is(err, txn.ErrDuplicateTxID),
		errors.Is(err, saga.ErrAlreadyFinished),
		errors.Is(err, twopc.ErrAlreadyFinished):
		return http.StatusConflict
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCodeFromStatus returns an error code for the given HTTP status.
func ErrorCodeFromStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return ErrCodeBadRequest
	case http.StatusNotFound:
		return ErrCodeNotFound
	case http.StatusMethodNotAllowed:
		return ErrCodeMethodNotAllowed
	case http.StatusConflict:
		return ErrCodeConflict
	case http.StatusServiceUnavailable:
		return ErrCodeServiceUnavailable
	case http.StatusGatewayTimeout:
		return ErrCodeGatewayTimeout
	default:
		return ErrCodeInternalServer
	}
}

// HandleError writes the response matching err. Internal errors are not
// echoed to the client.
func HandleError(w http.ResponseWriter, err error, requestID string) {
	status := HTTPStatusFromError(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal server error"
	}
	Error(w, status, ErrorCodeFromStatus(status), msg, requestID)
}

// ValidationError writes a 400 listing every failed field of a request body.
func ValidationError(w http.ResponseWriter, err error, requestID string) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		Error(w, http.StatusBadRequest, ErrCodeValidationFailed, err.Error(), requestID)
		return
	}
	fields := make(map[string]any, len(verrs))
	for _, fe := range verrs {
		fields[fe.Namespace()] = fe.Tag()
	}
	ErrorWithDetails(w, http.StatusBadRequest, ErrCodeValidationFailed, "request validation failed", fields, requestID)
}
