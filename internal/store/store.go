// Package store is the persistence boundary for contracts and executions.
//
// Both aggregates are saved with optimistic concurrency: Save succeeds only
// when the caller's Version matches the stored one, then bumps it.
package store

import (
	"context"

	"github.com/pitabwire/haulflow/model"
)

// ExecutionStore persists executions.
type ExecutionStore interface {
	// CreateExecution inserts a new execution. Returns CONFLICT if the id
	// is taken.
	CreateExecution(ctx context.Context, exec *model.Execution) error

	// GetExecution loads an execution scoped to a tenant. Returns NOT_FOUND
	// if it does not exist or belongs to another tenant.
	GetExecution(ctx context.Context, tenantID, executionID string) (*model.Execution, error)

	// SaveExecution writes exec if its Version still matches the stored
	// version, and increments exec.Version on success. Returns CONFLICT
	// otherwise. The write is all-or-nothing.
	SaveExecution(ctx context.Context, exec *model.Execution) error

	// ListExecutions returns the executions of a contract, oldest first.
	ListExecutions(ctx context.Context, tenantID, contractID string, filters ExecutionFilters) ([]*model.Execution, error)

	// DeleteExecution removes an execution.
	DeleteExecution(ctx context.Context, tenantID, executionID string) error
}

// ContractStore persists contracts.
type ContractStore interface {
	CreateContract(ctx context.Context, c *model.Contract) error
	GetContract(ctx context.Context, tenantID, contractID string) (*model.Contract, error)

	// SaveContract has the same compare-and-swap semantics as SaveExecution.
	SaveContract(ctx context.Context, c *model.Contract) error

	ListContracts(ctx context.Context, tenantID string) ([]*model.Contract, error)
}

// Store is the full repository the command service depends on.
type Store interface {
	ExecutionStore
	ContractStore

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error
}

// ExecutionFilters narrow ListExecutions. Empty fields match everything.
type ExecutionFilters struct {
	Status    string
	DriverID  string
	VehicleID string
}

func (f ExecutionFilters) match(e *model.Execution) bool {
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.DriverID != "" && e.DriverID != f.DriverID {
		return false
	}
	if f.VehicleID != "" && e.VehicleID != f.VehicleID {
		return false
	}
	return true
}
