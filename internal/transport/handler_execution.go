package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/haulflow/internal/command"
	"github.com/pitabwire/haulflow/internal/store"
	"github.com/pitabwire/haulflow/model"
)

// moveBody is shared by the move endpoints; each reads the fields it needs.
type moveBody struct {
	Direction      string   `json:"direction"`
	Target         string   `json:"target"`
	Weight         *float64 `json:"weight"`
	IdempotencyKey string   `json:"idempotency_key"`
}

// idempotencyKey prefers the header over the body field.
func (b moveBody) idempotencyKey(r *http.Request) string {
	if key := r.Header.Get("X-Idempotency-Key"); key != "" {
		return key
	}
	return b.IdempotencyKey
}

func (h *handlers) createExecution(w http.ResponseWriter, r *http.Request) {
	var in command.ExecutionInput
	if err := decode(r, &in); err != nil {
		fail(w, r, err)
		return
	}
	in.ContractID = chi.URLParam(r, "contractId")
	exec, err := h.svc.CreateExecution(r.Context(), model.MustRequestContext(r.Context()), in)
	if err != nil {
		fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, exec)
}

func (h *handlers) listExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := store.ExecutionFilters{
		Status:    q.Get("status"),
		DriverID:  q.Get("driver_id"),
		VehicleID: q.Get("vehicle_id"),
	}
	execs, err := h.svc.ListExecutions(r.Context(), model.MustRequestContext(r.Context()), chi.URLParam(r, "contractId"), filters)
	if err != nil {
		fail(w, r, err)
		return
	}
	if execs == nil {
		execs = []*model.Execution{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": execs})
}

func (h *handlers) getExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := h.svc.GetExecution(r.Context(), model.MustRequestContext(r.Context()), chi.URLParam(r, "executionId"))
	if err != nil {
		fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, exec)
}

func (h *handlers) deleteExecution(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteExecution(r.Context(), model.MustRequestContext(r.Context()), chi.URLParam(r, "executionId")); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) setCargo(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SelectedCargo []string `json:"selected_cargo"`
	}
	if err := decode(r, &body); err != nil {
		fail(w, r, err)
		return
	}
	exec, err := h.svc.SetCargo(r.Context(), model.MustRequestContext(r.Context()), chi.URLParam(r, "executionId"), body.SelectedCargo)
	if err != nil {
		fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, exec)
}

// A capture requirement is a normal outcome, so every move answers 200 with
// the MoveResult.
func (h *handlers) moveByButton(w http.ResponseWriter, r *http.Request) {
	var body moveBody
	if err := decode(r, &body); err != nil {
		fail(w, r, err)
		return
	}
	res, err := h.svc.MoveByButton(r.Context(), model.MustRequestContext(r.Context()),
		chi.URLParam(r, "executionId"), body.Direction, body.idempotencyKey(r))
	h.writeMove(w, r, res, err)
}

func (h *handlers) moveByDrag(w http.ResponseWriter, r *http.Request) {
	var body moveBody
	if err := decode(r, &body); err != nil {
		fail(w, r, err)
		return
	}
	if body.Target == "" {
		fail(w, r, model.NewFieldError("target", "REQUIRED", "target stage is required"))
		return
	}
	res, err := h.svc.MoveByDrag(r.Context(), model.MustRequestContext(r.Context()),
		chi.URLParam(r, "executionId"), body.Target, body.idempotencyKey(r))
	h.writeMove(w, r, res, err)
}

func (h *handlers) commitWithCapture(w http.ResponseWriter, r *http.Request) {
	var body moveBody
	if err := decode(r, &body); err != nil {
		fail(w, r, err)
		return
	}
	if body.Target == "" {
		fail(w, r, model.NewFieldError("target", "REQUIRED", "target stage is required"))
		return
	}
	if body.Weight == nil {
		fail(w, r, model.NewFieldError("weight", "REQUIRED", "a weight must be captured for this move"))
		return
	}
	res, err := h.svc.CommitWithCapture(r.Context(), model.MustRequestContext(r.Context()),
		chi.URLParam(r, "executionId"), body.Target, *body.Weight, body.idempotencyKey(r))
	h.writeMove(w, r, res, err)
}

func (h *handlers) reconcile(w http.ResponseWriter, r *http.Request) {
	var body moveBody
	if err := decode(r, &body); err != nil {
		fail(w, r, err)
		return
	}
	if body.Target == "" {
		fail(w, r, model.NewFieldError("target", "REQUIRED", "target stage is required"))
		return
	}
	res, err := h.svc.ReconcileStage(r.Context(), model.MustRequestContext(r.Context()),
		chi.URLParam(r, "executionId"), body.Target)
	h.writeMove(w, r, res, err)
}

func (h *handlers) writeMove(w http.ResponseWriter, r *http.Request, res model.MoveResult, err error) {
	if err != nil {
		fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}
