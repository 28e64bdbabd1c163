package command

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/haulflow/internal/assignment"
	"github.com/pitabwire/haulflow/internal/observability"
	"github.com/pitabwire/haulflow/internal/stage"
	"github.com/pitabwire/haulflow/internal/store"
	"github.com/pitabwire/haulflow/model"
)

// ContractInput creates a contract. ID is generated when empty.
type ContractInput struct {
	ID          string           `json:"id,omitempty"`
	Name        string           `json:"name"`
	Origin      string           `json:"origin"`
	Destination string           `json:"destination"`
	Waypoints   []model.Waypoint `json:"waypoints,omitempty"`
}

// RemovalResult reports a registry removal and the Pending executions whose
// reference was cleared by the cascade.
type RemovalResult struct {
	Contract          *model.Contract `json:"contract"`
	ClearedExecutions []string        `json:"cleared_executions"`
}

// CreateContract stores a new contract with an optional initial route.
func (s *Service) CreateContract(ctx context.Context, rctx *model.RequestContext, in ContractInput) (c *model.Contract, err error) {
	defer s.observe("contract.create", time.Now(), &err)

	if strings.TrimSpace(in.Name) == "" {
		return nil, model.NewFieldError("name", "REQUIRED", "contract name is required")
	}
	now := s.now()
	c = &model.Contract{
		ID:          in.ID,
		TenantID:    tenantOf(rctx),
		Name:        strings.TrimSpace(in.Name),
		Origin:      in.Origin,
		Destination: in.Destination,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if c.ID == "" {
		c.ID = s.newID()
	}
	for _, wp := range in.Waypoints {
		if err := stage.AddWaypoint(c, wp); err != nil {
			return nil, err
		}
	}
	if err := s.store.CreateContract(ctx, c); err != nil {
		return nil, err
	}
	observability.LoggerFrom(ctx, s.logger).Info("contract created",
		zap.String("contract_id", c.ID),
		zap.Int("waypoints", len(c.Waypoints)),
	)
	return c, nil
}

// GetContract loads a contract.
func (s *Service) GetContract(ctx context.Context, rctx *model.RequestContext, contractID string) (*model.Contract, error) {
	return s.store.GetContract(ctx, tenantOf(rctx), contractID)
}

// ListContracts lists the tenant's contracts.
func (s *Service) ListContracts(ctx context.Context, rctx *model.RequestContext) ([]*model.Contract, error) {
	return s.store.ListContracts(ctx, tenantOf(rctx))
}

// StageSequence returns the contract's current stage sequence.
func (s *Service) StageSequence(ctx context.Context, rctx *model.RequestContext, contractID string) ([]string, error) {
	c, err := s.store.GetContract(ctx, tenantOf(rctx), contractID)
	if err != nil {
		return nil, err
	}
	return stage.Sequence(c), nil
}

// AddWaypoint appends a waypoint to the route.
func (s *Service) AddWaypoint(ctx context.Context, rctx *model.RequestContext, contractID string, wp model.Waypoint) (*model.Contract, error) {
	return s.mutateContract(ctx, rctx, "waypoint.add", contractID, func(c *model.Contract) error {
		return stage.AddWaypoint(c, wp)
	})
}

// EditWaypoint changes a waypoint's description.
func (s *Service) EditWaypoint(ctx context.Context, rctx *model.RequestContext, contractID, waypointID, description string) (*model.Contract, error) {
	return s.mutateContract(ctx, rctx, "waypoint.edit", contractID, func(c *model.Contract) error {
		return stage.EditWaypoint(c, waypointID, description)
	})
}

// RemoveWaypoint deletes a waypoint. Executions sitting on it are left in
// place and report ORPHANED_STAGE on their next move.
func (s *Service) RemoveWaypoint(ctx context.Context, rctx *model.RequestContext, contractID, waypointID string) (*model.Contract, error) {
	return s.mutateContract(ctx, rctx, "waypoint.remove", contractID, func(c *model.Contract) error {
		return stage.RemoveWaypoint(c, waypointID)
	})
}

// ReorderWaypoints rearranges the route.
func (s *Service) ReorderWaypoints(ctx context.Context, rctx *model.RequestContext, contractID string, ids []string) (*model.Contract, error) {
	return s.mutateContract(ctx, rctx, "waypoint.reorder", contractID, func(c *model.Contract) error {
		return stage.ReorderWaypoints(c, ids)
	})
}

// AddAssignment attaches a driver to the contract.
func (s *Service) AddAssignment(ctx context.Context, rctx *model.RequestContext, contractID string, a model.Assignment) (*model.Contract, error) {
	return s.mutateContract(ctx, rctx, "assignment.add", contractID, func(c *model.Contract) error {
		return assignment.AddAssignment(c, a)
	})
}

// SetVehicleForDriver pairs (or, with an empty vehicleID, unpairs) a vehicle.
func (s *Service) SetVehicleForDriver(ctx context.Context, rctx *model.RequestContext, contractID, driverID, vehicleID string) (*model.Contract, error) {
	return s.mutateContract(ctx, rctx, "assignment.set_vehicle", contractID, func(c *model.Contract) error {
		return assignment.SetVehicleForDriver(c, driverID, vehicleID)
	})
}

// RemoveAssignment detaches a driver and clears it from Pending executions.
// Calling it again after a cascade that was cut short finishes the cascade.
func (s *Service) RemoveAssignment(ctx context.Context, rctx *model.RequestContext, contractID, driverID string) (RemovalResult, error) {
	c, err := s.mutateContract(ctx, rctx, "assignment.remove", contractID, func(c *model.Contract) error {
		_, err := assignment.RemoveAssignment(c, driverID)
		return err
	})
	if model.IsNotFound(err) {
		return s.resumeRemoval(ctx, rctx, "driver", contractID, err)
	}
	if err != nil {
		return RemovalResult{}, err
	}
	cleared, err := s.sweep(ctx, rctx, "driver", contractID)
	return RemovalResult{Contract: c, ClearedExecutions: cleared}, err
}

// AddVehicle puts a vehicle into the contract's pool.
func (s *Service) AddVehicle(ctx context.Context, rctx *model.RequestContext, contractID string, v model.Vehicle) (*model.Contract, error) {
	return s.mutateContract(ctx, rctx, "vehicle.add", contractID, func(c *model.Contract) error {
		return assignment.AddVehicle(c, v)
	})
}

// RemoveVehicle takes a vehicle out of the pool and clears it from Pending
// executions. Like RemoveAssignment it can be repeated to finish a cascade.
func (s *Service) RemoveVehicle(ctx context.Context, rctx *model.RequestContext, contractID, vehicleID string) (RemovalResult, error) {
	c, err := s.mutateContract(ctx, rctx, "vehicle.remove", contractID, func(c *model.Contract) error {
		_, err := assignment.RemoveVehicle(c, vehicleID)
		return err
	})
	if model.IsNotFound(err) {
		return s.resumeRemoval(ctx, rctx, "vehicle", contractID, err)
	}
	if err != nil {
		return RemovalResult{}, err
	}
	cleared, err := s.sweep(ctx, rctx, "vehicle", contractID)
	return RemovalResult{Contract: c, ClearedExecutions: cleared}, err
}

// resumeRemoval handles a removal of an entity that is already gone from the
// registry. If an earlier removal left Pending executions pointing at it, the
// sweep clears them and the call succeeds; otherwise notFound is returned.
func (s *Service) resumeRemoval(ctx context.Context, rctx *model.RequestContext, entity, contractID string, notFound error) (RemovalResult, error) {
	cleared, err := s.sweep(ctx, rctx, entity, contractID)
	if err != nil {
		if model.IsNotFound(err) {
			return RemovalResult{}, notFound
		}
		return RemovalResult{}, err
	}
	if len(cleared) == 0 {
		return RemovalResult{}, notFound
	}
	c, err := s.store.GetContract(ctx, tenantOf(rctx), contractID)
	if err != nil {
		return RemovalResult{}, err
	}
	return RemovalResult{Contract: c, ClearedExecutions: cleared}, nil
}

// mutateContract applies fn to a fresh copy of the contract and saves it,
// re-running both on a version conflict.
func (s *Service) mutateContract(
	ctx context.Context,
	rctx *model.RequestContext,
	operation, contractID string,
	fn func(*model.Contract) error,
) (result *model.Contract, err error) {
	defer s.observe(operation, time.Now(), &err)

	ctx, span := observability.StartSpan(ctx, "command."+operation,
		observability.AttrContractID.String(contractID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	err = s.retry(ctx, operation, func() error {
		// 1. Load the contract.
		c, err := s.store.GetContract(ctx, tenantOf(rctx), contractID)
		if err != nil {
			return err
		}

		// 2. Apply the change to the loaded copy.
		if err := fn(c); err != nil {
			return err
		}

		// 3. Compare-and-swap.
		if err := s.store.SaveContract(ctx, c); err != nil {
			return stale(err)
		}
		result = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	observability.LoggerFrom(ctx, s.logger).Info("contract updated",
		zap.String("operation", operation),
		zap.String("contract_id", contractID),
		zap.Int("version", result.Version),
		zap.String("actor", rctx.Actor()),
	)
	return result, nil
}

// sweep clears drivers and vehicles that are no longer in the registry from
// the contract's Pending executions. It reads the registry afresh, so it also
// repairs executions left behind by an earlier sweep that failed partway.
// Each execution is reloaded and re-checked inside its own retry loop, so an
// execution that left Pending in the meantime is never touched.
func (s *Service) sweep(ctx context.Context, rctx *model.RequestContext, entity, contractID string) ([]string, error) {
	c, err := s.store.GetContract(ctx, tenantOf(rctx), contractID)
	if err != nil {
		return nil, err
	}
	candidates, err := s.store.ListExecutions(ctx, tenantOf(rctx), contractID,
		store.ExecutionFilters{Status: model.StagePending})
	if err != nil {
		return nil, err
	}

	cleared := []string{}
	for _, candidate := range candidates {
		if !assignment.Unregistered(c, candidate) {
			continue
		}
		_, changed, err := s.clearUnregistered(ctx, rctx, c, candidate.ID, "cascade."+entity)
		if model.IsNotFound(err) {
			continue
		}
		if err != nil {
			s.recorder.RecordCascadeClear(entity, len(cleared))
			return cleared, err
		}
		if changed {
			cleared = append(cleared, candidate.ID)
		}
	}

	s.recorder.RecordCascadeClear(entity, len(cleared))
	if len(cleared) > 0 {
		observability.LoggerFrom(ctx, s.logger).Info("cleared removed "+entity+" from pending executions",
			zap.String("contract_id", contractID),
			zap.Strings("execution_ids", cleared),
		)
	}
	return cleared, nil
}

// clearUnregistered reloads one execution and clears its references that c
// no longer registers.
func (s *Service) clearUnregistered(
	ctx context.Context,
	rctx *model.RequestContext,
	c *model.Contract,
	executionID, operation string,
) (exec *model.Execution, changed bool, err error) {
	err = s.retry(ctx, operation, func() error {
		var err error
		exec, err = s.store.GetExecution(ctx, tenantOf(rctx), executionID)
		if err != nil {
			return err
		}
		changed = assignment.ClearUnregistered(c, exec)
		if !changed {
			return nil
		}
		return stale(s.store.SaveExecution(ctx, exec))
	})
	return exec, changed, err
}
