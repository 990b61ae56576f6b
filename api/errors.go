package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/DevXPanda/HTCMS-sub001/billing"
	"github.com/DevXPanda/HTCMS-sub001/logging"
)

// retryAfterSeconds is sent with 503 responses for lock timeouts.
const retryAfterSeconds = "1"

// statusFor maps the engine error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch billing.KindOf(err) {
	case billing.KindValidation:
		return http.StatusBadRequest
	case billing.KindNotFound:
		return http.StatusNotFound
	case billing.KindConflict:
		return http.StatusConflict
	case billing.KindConcurrency:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError reports err with its stable code. Internal and invariant errors
// are logged and their message is not echoed to the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Code: billing.CodeOf(err), Error: err.Error()}

	switch status {
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", retryAfterSeconds)
	case http.StatusInternalServerError:
		logging.FromContext(r.Context()).Error("request failed",
			zap.String("code", resp.Code),
			zap.Error(err))
		resp.Error = "internal error"
	}
	writeJSON(w, status, resp)
}

// badRequest wraps a decode or validation failure as INVALID_REQUEST.
func badRequest(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Code: billing.ErrInvalidRequest.Code, Error: billing.ErrInvalidRequest.Message}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Namespace()] = describeField(fe)
		}
		resp.Details = fields
	} else {
		resp.Details = err.Error()
	}
	writeJSON(w, http.StatusBadRequest, resp)
}

func describeField(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "datetime":
		return fmt.Sprintf("must match layout %s", fe.Param())
	case "gt", "gte", "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	}
	return fmt.Sprintf("failed %s", fe.Tag())
}
