package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/haulflow/model"
)

// PGStore is a PostgreSQL-backed Store using pgx/v5. Nested collections
// (waypoints, assignments, vehicles, history, cargo) are JSONB columns so a
// single-row UPDATE keeps status and history atomic.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a PostgreSQL store on an existing pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Ping checks connectivity.
func (s *PGStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const executionColumns = `id, tenant_id, contract_id, trip_date, status, status_history,
	driver_id, driver_name, driver_phone, vehicle_id, vehicle_license,
	selected_cargo, total_loaded_weight, total_unloaded_weight,
	version, created_at, updated_at`

// CreateExecution inserts a new execution.
func (s *PGStore) CreateExecution(ctx context.Context, exec *model.Execution) error {
	history, cargo, err := marshalExecutionJSON(exec)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO executions (`+executionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO NOTHING`,
		exec.ID, exec.TenantID, exec.ContractID, exec.Date, exec.Status, history,
		exec.DriverID, exec.DriverName, exec.DriverPhone, exec.VehicleID, exec.VehicleLicense,
		cargo, exec.TotalLoadedWeight, exec.TotalUnloadedWeight,
		exec.Version, exec.CreatedAt, exec.UpdatedAt,
	)
	if err != nil {
		return storeErr("insert execution", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(fmt.Sprintf("execution %q already exists", exec.ID))
	}
	return nil
}

// GetExecution loads an execution scoped to tenant.
func (s *PGStore) GetExecution(ctx context.Context, tenantID, executionID string) (*model.Execution, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+executionColumns+`
		FROM executions
		WHERE id = $1 AND tenant_id = $2`,
		executionID, tenantID,
	)
	exec, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewNotFoundError(fmt.Sprintf("execution %q not found", executionID))
	}
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// SaveExecution writes exec with optimistic locking.
func (s *PGStore) SaveExecution(ctx context.Context, exec *model.Execution) error {
	history, cargo, err := marshalExecutionJSON(exec)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	tag, err := s.pool.Exec(ctx, `
		UPDATE executions SET
			status = $1,
			status_history = $2,
			driver_id = $3,
			driver_name = $4,
			driver_phone = $5,
			vehicle_id = $6,
			vehicle_license = $7,
			selected_cargo = $8,
			total_loaded_weight = $9,
			total_unloaded_weight = $10,
			version = $11,
			updated_at = $12
		WHERE id = $13 AND tenant_id = $14 AND version = $15`,
		exec.Status, history,
		exec.DriverID, exec.DriverName, exec.DriverPhone, exec.VehicleID, exec.VehicleLicense,
		cargo, exec.TotalLoadedWeight, exec.TotalUnloadedWeight,
		exec.Version+1, now,
		exec.ID, exec.TenantID, exec.Version,
	)
	if err != nil {
		return storeErr("update execution", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, "executions", "execution", exec.TenantID, exec.ID, exec.Version)
	}
	exec.Version++
	exec.UpdatedAt = now
	return nil
}

// ListExecutions returns a contract's executions ordered by creation time.
func (s *PGStore) ListExecutions(ctx context.Context, tenantID, contractID string, filters ExecutionFilters) ([]*model.Execution, error) {
	query := `SELECT ` + executionColumns + `
	          FROM executions
	          WHERE tenant_id = $1 AND contract_id = $2`
	args := []any{tenantID, contractID}
	argIdx := 3

	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}
	if filters.DriverID != "" {
		query += fmt.Sprintf(" AND driver_id = $%d", argIdx)
		args = append(args, filters.DriverID)
		argIdx++
	}
	if filters.VehicleID != "" {
		query += fmt.Sprintf(" AND vehicle_id = $%d", argIdx)
		args = append(args, filters.VehicleID)
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("query executions", err)
	}
	defer rows.Close()

	var result []*model.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, exec)
	}
	return result, rows.Err()
}

// DeleteExecution removes an execution.
func (s *PGStore) DeleteExecution(ctx context.Context, tenantID, executionID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM executions WHERE id = $1 AND tenant_id = $2`, executionID, tenantID)
	if err != nil {
		return storeErr("delete execution", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("execution %q not found", executionID))
	}
	return nil
}

const contractColumns = `id, tenant_id, name, origin, destination,
	waypoints, assignments, vehicles, version, created_at, updated_at`

// CreateContract inserts a new contract.
func (s *PGStore) CreateContract(ctx context.Context, c *model.Contract) error {
	waypoints, assignments, vehicles, err := marshalContractJSON(c)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO contracts (`+contractColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`,
		c.ID, c.TenantID, c.Name, c.Origin, c.Destination,
		waypoints, assignments, vehicles, c.Version, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return storeErr("insert contract", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(fmt.Sprintf("contract %q already exists", c.ID))
	}
	return nil
}

// GetContract loads a contract scoped to tenant.
func (s *PGStore) GetContract(ctx context.Context, tenantID, contractID string) (*model.Contract, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+contractColumns+`
		FROM contracts
		WHERE id = $1 AND tenant_id = $2`,
		contractID, tenantID,
	)
	c, err := scanContract(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewNotFoundError(fmt.Sprintf("contract %q not found", contractID))
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// SaveContract writes c with optimistic locking.
func (s *PGStore) SaveContract(ctx context.Context, c *model.Contract) error {
	waypoints, assignments, vehicles, err := marshalContractJSON(c)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	tag, err := s.pool.Exec(ctx, `
		UPDATE contracts SET
			name = $1,
			origin = $2,
			destination = $3,
			waypoints = $4,
			assignments = $5,
			vehicles = $6,
			version = $7,
			updated_at = $8
		WHERE id = $9 AND tenant_id = $10 AND version = $11`,
		c.Name, c.Origin, c.Destination, waypoints, assignments, vehicles,
		c.Version+1, now,
		c.ID, c.TenantID, c.Version,
	)
	if err != nil {
		return storeErr("update contract", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, "contracts", "contract", c.TenantID, c.ID, c.Version)
	}
	c.Version++
	c.UpdatedAt = now
	return nil
}

// ListContracts returns a tenant's contracts ordered by name.
func (s *PGStore) ListContracts(ctx context.Context, tenantID string) ([]*model.Contract, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+contractColumns+`
		FROM contracts
		WHERE tenant_id = $1
		ORDER BY name ASC`,
		tenantID,
	)
	if err != nil {
		return nil, storeErr("query contracts", err)
	}
	defer rows.Close()

	var result []*model.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// missOrConflict tells a missing row apart from a stale version after an
// UPDATE matched nothing.
func (s *PGStore) missOrConflict(ctx context.Context, table, kind, tenantID, id string, version int) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1 AND tenant_id = $2)`,
		id, tenantID,
	).Scan(&exists)
	if err != nil {
		return storeErr("check "+kind, err)
	}
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("%s %q not found", kind, id))
	}
	return model.NewConflictError(fmt.Sprintf("%s %q version conflict (expected %d)", kind, id, version))
}

// storeErr wraps a database error with op. Connection failures and timeouts
// also carry STORE_UNAVAILABLE so callers answer 503 instead of 500.
func storeErr(op string, err error) error {
	var (
		netErr  net.Error
		connErr *pgconn.ConnectError
	)
	if errors.As(err, &connErr) || errors.As(err, &netErr) || pgconn.Timeout(err) ||
		errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, errors.Join(model.NewStoreUnavailableError(), err))
	}
	return fmt.Errorf("%s: %w", op, err)
}

func marshalExecutionJSON(exec *model.Execution) (history, cargo []byte, err error) {
	history, err = json.Marshal(exec.StatusHistory)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal status history: %w", err)
	}
	cargo, err = json.Marshal(nonNil(exec.SelectedCargo))
	if err != nil {
		return nil, nil, fmt.Errorf("marshal selected cargo: %w", err)
	}
	return history, cargo, nil
}

func marshalContractJSON(c *model.Contract) (waypoints, assignments, vehicles []byte, err error) {
	if waypoints, err = json.Marshal(nonNil(c.Waypoints)); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal waypoints: %w", err)
	}
	if assignments, err = json.Marshal(nonNil(c.Assignments)); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal assignments: %w", err)
	}
	if vehicles, err = json.Marshal(nonNil(c.Vehicles)); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal vehicles: %w", err)
	}
	return waypoints, assignments, vehicles, nil
}

func scanExecution(row pgx.Row) (*model.Execution, error) {
	var exec model.Execution
	var history, cargo []byte
	err := row.Scan(
		&exec.ID, &exec.TenantID, &exec.ContractID, &exec.Date, &exec.Status, &history,
		&exec.DriverID, &exec.DriverName, &exec.DriverPhone, &exec.VehicleID, &exec.VehicleLicense,
		&cargo, &exec.TotalLoadedWeight, &exec.TotalUnloadedWeight,
		&exec.Version, &exec.CreatedAt, &exec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, storeErr("scan execution", err)
	}
	if err := json.Unmarshal(history, &exec.StatusHistory); err != nil {
		return nil, fmt.Errorf("unmarshal status history: %w", err)
	}
	if err := json.Unmarshal(cargo, &exec.SelectedCargo); err != nil {
		return nil, fmt.Errorf("unmarshal selected cargo: %w", err)
	}
	return &exec, nil
}

func scanContract(row pgx.Row) (*model.Contract, error) {
	var c model.Contract
	var waypoints, assignments, vehicles []byte
	err := row.Scan(
		&c.ID, &c.TenantID, &c.Name, &c.Origin, &c.Destination,
		&waypoints, &assignments, &vehicles, &c.Version, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, storeErr("scan contract", err)
	}
	if err := json.Unmarshal(waypoints, &c.Waypoints); err != nil {
		return nil, fmt.Errorf("unmarshal waypoints: %w", err)
	}
	if err := json.Unmarshal(assignments, &c.Assignments); err != nil {
		return nil, fmt.Errorf("unmarshal assignments: %w", err)
	}
	if err := json.Unmarshal(vehicles, &c.Vehicles); err != nil {
		return nil, fmt.Errorf("unmarshal vehicles: %w", err)
	}
	return &c, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
