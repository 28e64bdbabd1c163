package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/haulflow/internal/command"
	"github.com/pitabwire/haulflow/internal/observability"
	"github.com/pitabwire/haulflow/model"
)

const maxBodyBytes = 1 << 20

type handlers struct {
	svc *command.Service
}

// decode reads a JSON body into dst. An empty body is a BAD_REQUEST.
func decode(r *http.Request, dst any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF):
		return model.NewBadRequestError("request body is required")
	default:
		return model.NewBadRequestError("invalid JSON body")
	}
}

// fail writes err, logging anything that is not a domain envelope.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	if model.CodeOf(err) == "" {
		observability.LoggerFrom(r.Context(), zap.NewNop()).Error("unhandled error", zap.Error(err))
	}
	WriteErrorCtx(r.Context(), w, err)
}

func (h *handlers) createContract(w http.ResponseWriter, r *http.Request) {
	var in command.ContractInput
	if err := decode(r, &in); err != nil {
		fail(w, r, err)
		return
	}
	c, err := h.svc.CreateContract(r.Context(), model.MustRequestContext(r.Context()), in)
	if err != nil {
		fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, c)
}

func (h *handlers) listContracts(w http.ResponseWriter, r *http.Request) {
	contracts, err := h.svc.ListContracts(r.Context(), model.MustRequestContext(r.Context()))
	if err != nil {
		fail(w, r, err)
		return
	}
	if contracts == nil {
		contracts = []*model.Contract{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": contracts})
}

func (h *handlers) getContract(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.GetContract(r.Context(), model.MustRequestContext(r.Context()), chi.URLParam(r, "contractId"))
	if err != nil {
		fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, c)
}

func (h *handlers) stageSequence(w http.ResponseWriter, r *http.Request) {
	contractID := chi.URLParam(r, "contractId")
	seq, err := h.svc.StageSequence(r.Context(), model.MustRequestContext(r.Context()), contractID)
	if err != nil {
		fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"contract_id": contractID, "stages": seq})
}

func (h *handlers) board(w http.ResponseWriter, r *http.Request) {
	b, err := h.svc.Board(r.Context(), model.MustRequestContext(r.Context()), chi.URLParam(r, "contractId"))
	if err != nil {
		fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, b)
}

func (h *handlers) addWaypoint(w http.ResponseWriter, r *http.Request) {
	var wp model.Waypoint
	if err := decode(r, &wp); err != nil {
		fail(w, r, err)
		return
	}
	c, err := h.svc.AddWaypoint(r.Context(), model.MustRequestContext(r.Context()), chi.URLParam(r, "contractId"), wp)
	if err != nil {
		fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, c)
}

func (h *handlers) editWaypoint(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Description string `json:"description"`
	}
	if err := decode(r, &body); err != nil {
		fail(w, r, err)
		return
	}
	c, err := h.svc.EditWaypoint(r.Context(), model.MustRequestContext(r.Context()),
		chi.URLParam(r, "contractId"), chi.URLParam(r, "waypointId"), body.Description)
	if err != nil {
		fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, c)
}

func (h *handlers) removeWaypoint(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.RemoveWaypoint(r.Context(), model.MustRequestContext(r.Context()),
		chi.URLParam(r, "contractId"), chi.URLParam(r, "waypointId"))
	if err != nil {
		fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, c)
}

func (h *handlers) reorderWaypoints(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WaypointIDs []string `json:"waypoint_ids"`
	}
	if err := decode(r, &body); err != nil {
		fail(w, r, err)
		return
	}
	c, err := h.svc.ReorderWaypoints(r.Context(), model.MustRequestContext(r.Context()), chi.URLParam(r, "contractId"), body.WaypointIDs)
	if err != nil {
		fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, c)
}

func (h *handlers) addAssignment(w http.ResponseWriter, r *http.Request) {
	var a model.Assignment
	if err := decode(r, &a); err != nil {
		fail(w, r, err)
		return
	}
	c, err := h.svc.AddAssignment(r.Context(), model.MustRequestContext(r.Context()), chi.URLParam(r, "contractId"), a)
	if err != nil {
		fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, c)
}

func (h *handlers) setVehicleForDriver(w http.ResponseWriter, r *http.Request) {
	var body struct {
		VehicleID string `json:"vehicle_id"`
	}
	if err := decode(r, &body); err != nil {
		fail(w, r, err)
		return
	}
	c, err := h.svc.SetVehicleForDriver(r.Context(), model.MustRequestContext(r.Context()),
		chi.URLParam(r, "contractId"), chi.URLParam(r, "driverId"), body.VehicleID)
	if err != nil {
		fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, c)
}

func (h *handlers) removeAssignment(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.RemoveAssignment(r.Context(), model.MustRequestContext(r.Context()),
		chi.URLParam(r, "contractId"), chi.URLParam(r, "driverId"))
	if err != nil {
		fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func (h *handlers) addVehicle(w http.ResponseWriter, r *http.Request) {
	var v model.Vehicle
	if err := decode(r, &v); err != nil {
		fail(w, r, err)
		return
	}
	c, err := h.svc.AddVehicle(r.Context(), model.MustRequestContext(r.Context()), chi.URLParam(r, "contractId"), v)
	if err != nil {
		fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, c)
}

func (h *handlers) removeVehicle(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.RemoveVehicle(r.Context(), model.MustRequestContext(r.Context()),
		chi.URLParam(r, "contractId"), chi.URLParam(r, "vehicleId"))
	if err != nil {
		fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}
