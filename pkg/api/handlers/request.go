package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/txcoord/txcoord/pkg/api/middleware"
	"github.com/txcoord/txcoord/pkg/api/response"
)

// maxBodyBytes caps a submitted transaction definition.
const maxBodyBytes = 1 << 20

// decode reads a JSON body into dst and validates it. On failure the error
// response is already written and false is returned.
func decode(w http.ResponseWriter, r *http.Request, v *validator.Validate, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest,
			fmt.Sprintf("invalid request body: %v", err), requestID(r))
		return false
	}
	if err := v.Struct(dst); err != nil {
		response.ValidationError(w, err, requestID(r))
		return false
	}
	return true
}

func requestID(r *http.Request) string {
	return middleware.GetRequestID(r.Context())
}
