package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/haulflow/model"
)

// MemoryStore is an in-memory Store used in tests and single-node setups.
// Values are cloned on the way in and out so callers never share state with
// the stored snapshot.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*model.Execution
	contracts  map[string]*model.Contract
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]*model.Execution),
		contracts:  make(map[string]*model.Contract),
	}
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// CreateExecution inserts a new execution.
func (s *MemoryStore) CreateExecution(_ context.Context, exec *model.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[exec.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("execution %q already exists", exec.ID))
	}
	s.executions[exec.ID] = exec.Clone()
	return nil
}

// GetExecution loads an execution scoped to tenant.
func (s *MemoryStore) GetExecution(_ context.Context, tenantID, executionID string) (*model.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, exists := s.executions[executionID]
	if !exists || exec.TenantID != tenantID {
		return nil, model.NewNotFoundError(fmt.Sprintf("execution %q not found", executionID))
	}
	return exec.Clone(), nil
}

// SaveExecution writes exec with optimistic locking.
func (s *MemoryStore) SaveExecution(_ context.Context, exec *model.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.executions[exec.ID]
	if !exists || existing.TenantID != exec.TenantID {
		return model.NewNotFoundError(fmt.Sprintf("execution %q not found", exec.ID))
	}
	if existing.Version != exec.Version {
		return model.NewConflictError(
			fmt.Sprintf("execution %q version conflict (expected %d, got %d)", exec.ID, exec.Version, existing.Version),
		)
	}

	exec.Version++
	exec.UpdatedAt = time.Now().UTC()
	s.executions[exec.ID] = exec.Clone()
	return nil
}

// ListExecutions returns a contract's executions ordered by creation time.
func (s *MemoryStore) ListExecutions(_ context.Context, tenantID, contractID string, filters ExecutionFilters) ([]*model.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.Execution
	for _, exec := range s.executions {
		if exec.TenantID != tenantID || exec.ContractID != contractID {
			continue
		}
		if !filters.match(exec) {
			continue
		}
		result = append(result, exec.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// DeleteExecution removes an execution.
func (s *MemoryStore) DeleteExecution(_ context.Context, tenantID, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, exists := s.executions[executionID]
	if !exists || exec.TenantID != tenantID {
		return model.NewNotFoundError(fmt.Sprintf("execution %q not found", executionID))
	}
	delete(s.executions, executionID)
	return nil
}

// CreateContract inserts a new contract.
func (s *MemoryStore) CreateContract(_ context.Context, c *model.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.contracts[c.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("contract %q already exists", c.ID))
	}
	s.contracts[c.ID] = c.Clone()
	return nil
}

// GetContract loads a contract scoped to tenant.
func (s *MemoryStore) GetContract(_ context.Context, tenantID, contractID string) (*model.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, exists := s.contracts[contractID]
	if !exists || c.TenantID != tenantID {
		return nil, model.NewNotFoundError(fmt.Sprintf("contract %q not found", contractID))
	}
	return c.Clone(), nil
}

// SaveContract writes c with optimistic locking.
func (s *MemoryStore) SaveContract(_ context.Context, c *model.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.contracts[c.ID]
	if !exists || existing.TenantID != c.TenantID {
		return model.NewNotFoundError(fmt.Sprintf("contract %q not found", c.ID))
	}
	if existing.Version != c.Version {
		return model.NewConflictError(
			fmt.Sprintf("contract %q version conflict (expected %d, got %d)", c.ID, c.Version, existing.Version),
		)
	}

	c.Version++
	c.UpdatedAt = time.Now().UTC()
	s.contracts[c.ID] = c.Clone()
	return nil
}

// ListContracts returns a tenant's contracts ordered by name.
func (s *MemoryStore) ListContracts(_ context.Context, tenantID string) ([]*model.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.Contract
	for _, c := range s.contracts {
		if c.TenantID == tenantID {
			result = append(result, c.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// Len returns the number of stored executions. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.executions)
}
