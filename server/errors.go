package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/c360studio/taskgate/llm"
	"github.com/c360studio/taskgate/review"
	"github.com/c360studio/taskgate/roles"
	"github.com/c360studio/taskgate/session"
	"github.com/c360studio/taskgate/store"
)

// errorBody is the uniform error response shape.
type errorBody struct {
	Error         string `json:"error"`
	Observed      string `json:"observed,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// validationError marks malformed request input.
type validationError struct {
	message string
}

func (e *validationError) Error() string { return e.message }

func invalid(message string) error { return &validationError{message: message} }

// writeError maps a domain error to its HTTP status. Conflicts carry
// the observed state; internals carry a correlation id that is also
// logged.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		conflict   *review.ConflictError
		precond    *review.PreconditionError
		validation *validationError
	)

	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Observed: conflict.Observed})
	case errors.As(err, &precond):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: precond.Message})
	case errors.Is(err, review.ErrForbidden), errors.Is(err, roles.ErrUnknownUser):
		writeJSON(w, http.StatusForbidden, errorBody{Error: err.Error()})
	case errors.As(err, &validation):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: validation.message})
	case store.IsTransient(err), llm.IsTransient(err):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "temporarily unavailable, retry shortly"})
	default:
		id := uuid.New().String()
		s.logger.Error("Unhandled request error",
			"method", r.Method,
			"path", r.URL.Path,
			"correlation_id", id,
			"error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", CorrelationID: id})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody decodes a JSON request body into v. An empty body is
// allowed when v's zero value is acceptable to the caller.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return invalid("malformed JSON body: " + err.Error())
	}
	return nil
}
