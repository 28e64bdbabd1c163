// Package transport contains the HTTP router, middleware chain, and the
// REST handlers for contracts, assignments and executions.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/haulflow/internal/observability"
	"github.com/pitabwire/haulflow/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:        http.StatusBadRequest,
	model.ErrUnauthorized:      http.StatusUnauthorized,
	model.ErrForbidden:         http.StatusForbidden,
	model.ErrNotFound:          http.StatusNotFound,
	model.ErrConflict:          http.StatusConflict,
	model.ErrValidationError:   http.StatusUnprocessableEntity,
	model.ErrInvalidTransition: http.StatusUnprocessableEntity,
	model.ErrOrphanedStage:     http.StatusUnprocessableEntity,
	model.ErrInternalError:     http.StatusInternalServerError,
	model.ErrStoreUnavailable:  http.StatusServiceUnavailable,
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes an ErrorEnvelope as a JSON response with the correct
// HTTP status code. If err does not wrap an *ErrorEnvelope, a generic 500 is
// returned.
func WriteError(w http.ResponseWriter, err error) {
	writeEnvelope(w, envelopeOf(err))
}

// WriteErrorCtx is WriteError with the envelope stamped with the trace ID of
// the active span.
func WriteErrorCtx(ctx context.Context, w http.ResponseWriter, err error) {
	ee := envelopeOf(err)
	if ee.TraceID == "" {
		ee.TraceID = observability.TraceIDFromContext(ctx)
	}
	writeEnvelope(w, ee)
}

// envelopeOf returns a copy so stamping a trace ID never mutates a shared
// error value.
func envelopeOf(err error) *model.ErrorEnvelope {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		return model.NewInternalError()
	}
	out := *ee
	return &out
}

func writeEnvelope(w http.ResponseWriter, ee *model.ErrorEnvelope) {
	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}
	WriteJSON(w, status, errorResponse{Error: ee})
}

// WriteNotFound writes a 404 error response. The router uses it for paths
// that match no route.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}
