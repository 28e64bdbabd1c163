package command

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/haulflow/internal/assignment"
	"github.com/pitabwire/haulflow/internal/audit"
	"github.com/pitabwire/haulflow/internal/observability"
	"github.com/pitabwire/haulflow/internal/stage"
	"github.com/pitabwire/haulflow/internal/store"
	"github.com/pitabwire/haulflow/internal/transition"
	"github.com/pitabwire/haulflow/model"
)

// ExecutionInput creates an execution.
type ExecutionInput struct {
	ContractID    string    `json:"contract_id"`
	Date          time.Time `json:"date"`
	DriverID      string    `json:"driver_id,omitempty"`
	SelectedCargo []string  `json:"selected_cargo,omitempty"`
}

// TransitionRequest is the single shape every move takes on its way to the
// transition engine. Drag and capture set TargetStageID; the button sets
// Direction, which is resolved against the freshly loaded sequence.
type TransitionRequest struct {
	ExecutionID    string
	TargetStageID  string
	Direction      string
	Weight         *float64
	Source         string
	IdempotencyKey string
}

// CreateExecution starts a trip in Pending, pre-filling driver and vehicle
// from the contract's assignment registry.
func (s *Service) CreateExecution(ctx context.Context, rctx *model.RequestContext, in ExecutionInput) (exec *model.Execution, err error) {
	defer s.observe("execution.create", time.Now(), &err)

	c, err := s.store.GetContract(ctx, tenantOf(rctx), in.ContractID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	date := in.Date
	if date.IsZero() {
		date = now
	}
	exec = &model.Execution{
		ID:            s.newID(),
		TenantID:      c.TenantID,
		ContractID:    c.ID,
		Date:          time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC),
		Status:        model.StagePending,
		StatusHistory: audit.Seed(now),
		SelectedCargo: cleanCargo(in.SelectedCargo),
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := assignment.Defaults(c, in.DriverID, exec); err != nil {
		return nil, err
	}
	if err := s.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}

	// A removal that committed after the contract was read above may have
	// swept before this execution existed. Re-check against the registry now.
	if exec.DriverID != "" || exec.VehicleID != "" {
		current, err := s.store.GetContract(ctx, c.TenantID, c.ID)
		if err != nil {
			return nil, err
		}
		if assignment.Unregistered(current, exec) {
			settled, _, err := s.clearUnregistered(ctx, rctx, current, exec.ID, "execution.create")
			if err != nil {
				return nil, err
			}
			exec = settled
		}
	}

	observability.LoggerFrom(ctx, s.logger).Info("execution created",
		zap.String("execution_id", exec.ID),
		zap.String("contract_id", exec.ContractID),
		zap.String("driver_id", exec.DriverID),
	)
	return exec, nil
}

// GetExecution loads an execution.
func (s *Service) GetExecution(ctx context.Context, rctx *model.RequestContext, executionID string) (*model.Execution, error) {
	return s.store.GetExecution(ctx, tenantOf(rctx), executionID)
}

// ListExecutions lists a contract's executions.
func (s *Service) ListExecutions(ctx context.Context, rctx *model.RequestContext, contractID string, filters store.ExecutionFilters) ([]*model.Execution, error) {
	if _, err := s.store.GetContract(ctx, tenantOf(rctx), contractID); err != nil {
		return nil, err
	}
	return s.store.ListExecutions(ctx, tenantOf(rctx), contractID, filters)
}

// DeleteExecution removes an execution. This is an operator action and
// bypasses the transition engine.
func (s *Service) DeleteExecution(ctx context.Context, rctx *model.RequestContext, executionID string) (err error) {
	defer s.observe("execution.delete", time.Now(), &err)

	if err := s.store.DeleteExecution(ctx, tenantOf(rctx), executionID); err != nil {
		return err
	}
	observability.LoggerFrom(ctx, s.logger).Info("execution deleted",
		zap.String("execution_id", executionID),
		zap.String("actor", rctx.Actor()),
	)
	return nil
}

// SetCargo replaces the cargo list. Cargo is fixed once the trip has left
// Pending because the skip rule depends on it.
func (s *Service) SetCargo(ctx context.Context, rctx *model.RequestContext, executionID string, cargo []string) (result *model.Execution, err error) {
	defer s.observe("execution.set_cargo", time.Now(), &err)

	err = s.retry(ctx, "execution.set_cargo", func() error {
		exec, err := s.store.GetExecution(ctx, tenantOf(rctx), executionID)
		if err != nil {
			return err
		}
		if exec.Status != model.StagePending {
			return model.NewFieldError("selected_cargo", "LOCKED",
				fmt.Sprintf("cargo can only change while the execution is %s", model.StagePending))
		}
		exec.SelectedCargo = cleanCargo(cargo)
		if err := s.store.SaveExecution(ctx, exec); err != nil {
			return stale(err)
		}
		result = exec
		return nil
	})
	return result, err
}

// Board groups a contract's executions by stage in sequence order.
func (s *Service) Board(ctx context.Context, rctx *model.RequestContext, contractID string) (*model.Board, error) {
	c, err := s.store.GetContract(ctx, tenantOf(rctx), contractID)
	if err != nil {
		return nil, err
	}
	execs, err := s.store.ListExecutions(ctx, tenantOf(rctx), contractID, store.ExecutionFilters{})
	if err != nil {
		return nil, err
	}

	seq := stage.Sequence(c)
	board := &model.Board{ContractID: c.ID, Columns: make([]model.BoardColumn, len(seq))}
	for i, id := range seq {
		board.Columns[i] = model.BoardColumn{Stage: id, Executions: []*model.Execution{}}
	}
	for _, exec := range execs {
		idx := stage.Index(seq, exec.Status)
		if idx < 0 {
			board.Orphaned = append(board.Orphaned, exec)
			continue
		}
		board.Columns[idx].Executions = append(board.Columns[idx].Executions, exec)
	}
	return board, nil
}

// MoveByButton moves one stage forward or backward.
func (s *Service) MoveByButton(ctx context.Context, rctx *model.RequestContext, executionID, direction, idempotencyKey string) (model.MoveResult, error) {
	if direction != model.DirectionForward && direction != model.DirectionBackward {
		return model.MoveResult{}, model.NewFieldError("direction", "INVALID",
			fmt.Sprintf("direction must be %q or %q", model.DirectionForward, model.DirectionBackward))
	}
	return s.Transition(ctx, rctx, TransitionRequest{
		ExecutionID:    executionID,
		Direction:      direction,
		Source:         model.SourceButton,
		IdempotencyKey: idempotencyKey,
	})
}

// MoveByDrag moves to the stage the card was dropped on.
func (s *Service) MoveByDrag(ctx context.Context, rctx *model.RequestContext, executionID, targetStageID, idempotencyKey string) (model.MoveResult, error) {
	return s.Transition(ctx, rctx, TransitionRequest{
		ExecutionID:    executionID,
		TargetStageID:  targetStageID,
		Source:         model.SourceDrag,
		IdempotencyKey: idempotencyKey,
	})
}

// CommitWithCapture completes a move that returned a capture requirement.
// targetStageID is the requirement's RequestedStage.
func (s *Service) CommitWithCapture(ctx context.Context, rctx *model.RequestContext, executionID, targetStageID string, weight float64, idempotencyKey string) (model.MoveResult, error) {
	return s.Transition(ctx, rctx, TransitionRequest{
		ExecutionID:    executionID,
		TargetStageID:  targetStageID,
		Weight:         &weight,
		Source:         model.SourceCapture,
		IdempotencyKey: idempotencyKey,
	})
}

// ReconcileStage places an execution on any stage of its contract's current
// route. It is the way out of ORPHANED_STAGE.
func (s *Service) ReconcileStage(ctx context.Context, rctx *model.RequestContext, executionID, targetStageID string) (model.MoveResult, error) {
	return s.Transition(ctx, rctx, TransitionRequest{
		ExecutionID:   executionID,
		TargetStageID: targetStageID,
		Source:        model.SourceReconcile,
	})
}

// Transition runs a move through the engine and persists the result.
func (s *Service) Transition(ctx context.Context, rctx *model.RequestContext, req TransitionRequest) (result model.MoveResult, err error) {
	operation := "execution." + req.Source
	defer s.observe(operation, time.Now(), &err)

	ctx, span := observability.StartSpan(ctx, "command."+operation,
		observability.AttrExecutionID.String(req.ExecutionID),
		observability.AttrSource.String(req.Source),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	// 1. Replay a previous answer for the same idempotency key, or claim the
	// key so a retry racing this request cannot run it a second time.
	var idemKey, hash string
	if req.IdempotencyKey != "" && s.idempotency != nil {
		idemKey = FormatIdempotencyKey(tenantOf(rctx), req.Source, req.IdempotencyKey)
		hash = hashInput(req.ExecutionID, req.TargetStageID, req.Direction, req.Weight)
		cached, err := s.claim(ctx, idemKey, hash)
		if err != nil {
			return model.MoveResult{}, err
		}
		if cached != nil {
			s.recorder.RecordIdempotentReplay()
			return *cached, nil
		}
		defer func() {
			if err == nil {
				return
			}
			if relErr := s.idempotency.Release(context.WithoutCancel(ctx), idemKey); relErr != nil {
				observability.LoggerFrom(ctx, s.logger).Warn("failed to release idempotency key",
					zap.String("execution_id", req.ExecutionID),
					zap.Error(relErr),
				)
			}
		}()
	}

	var (
		outcome  transition.Outcome
		exec     *model.Execution
		observed string
	)
	err = s.retry(ctx, operation, func() error {
		var err error

		// 2. Load the execution and derive its route from the current contract.
		exec, err = s.store.GetExecution(ctx, tenantOf(rctx), req.ExecutionID)
		if err != nil {
			return err
		}
		if err := authorizeMove(rctx, exec, req.Source); err != nil {
			return err
		}

		// A button press means one step from the stage the user saw. If a
		// competing write moved the execution, stepping again would skip
		// past what was asked for.
		if req.Direction != "" {
			if observed == "" {
				observed = exec.Status
			} else if exec.Status != observed {
				return model.NewConflictError(fmt.Sprintf(
					"execution %s moved from %q to %q while this request ran", exec.ID, observed, exec.Status))
			}
		}

		c, err := s.store.GetContract(ctx, exec.TenantID, exec.ContractID)
		if err != nil {
			return err
		}
		seq := stage.Sequence(c)

		// 3. Validate against this snapshot.
		outcome, err = s.decide(exec, seq, req)
		if err != nil {
			return err
		}
		if !outcome.Changed {
			return nil
		}

		// 4. Status and history go out in one versioned write.
		if err := audit.Verify(outcome.Execution); err != nil {
			return fmt.Errorf("refusing to save execution: %w", err)
		}
		return stale(s.store.SaveExecution(ctx, outcome.Execution))
	})
	if err != nil {
		s.recorder.RecordTransition(req.Source, "rejected")
		return model.MoveResult{}, err
	}

	result = model.MoveResult{
		Execution:       outcome.Execution,
		Changed:         outcome.Changed,
		CaptureRequired: outcome.Decision.Requirement(),
	}
	switch {
	case result.Changed:
		s.recorder.RecordTransition(req.Source, "committed")
		span.SetAttributes(observability.MoveAttributes(exec.Status, result.Execution.Status, result.Execution.Version)...)
		s.publish(ctx, rctx, exec, outcome, req)
	case result.CaptureRequired != nil:
		s.recorder.RecordTransition(req.Source, "capture_required")
	default:
		s.recorder.RecordTransition(req.Source, "noop")
	}

	// 5. Remember the answer for retries of the same request.
	if idemKey != "" {
		if err := s.idempotency.Store(ctx, idemKey, hash, result, s.idempotencyTTL); err != nil {
			observability.LoggerFrom(ctx, s.logger).Warn("failed to store idempotency result",
				zap.String("execution_id", req.ExecutionID),
				zap.Error(err),
			)
		}
	}
	return result, nil
}

// claim returns the cached result for key, or reserves key for this request
// and returns nil. A key held by a request that has not finished yet is a
// CONFLICT; the client retries with the same key and gets the replay.
func (s *Service) claim(ctx context.Context, key, hash string) (*model.MoveResult, error) {
	cached, found, err := s.idempotency.Check(ctx, key, hash)
	if err != nil {
		return nil, err
	}
	if !found {
		reserved, err := s.idempotency.Reserve(ctx, key, hash, reservationTTL)
		if err != nil {
			return nil, err
		}
		if reserved {
			return nil, nil
		}
		// Lost the race for the key: read what the winner left.
		if cached, _, err = s.idempotency.Check(ctx, key, hash); err != nil {
			return nil, err
		}
	}
	if cached == nil {
		return nil, model.NewConflictError("a request with this idempotency key is still in progress")
	}
	return cached, nil
}

// publish emits the committed transition. Failures are logged, never
// returned: the move is already durable.
func (s *Service) publish(ctx context.Context, rctx *model.RequestContext, before *model.Execution, outcome transition.Outcome, req TransitionRequest) {
	after := outcome.Execution
	evt := model.TransitionEvent{
		ID:          s.newID(),
		TenantID:    after.TenantID,
		ContractID:  after.ContractID,
		ExecutionID: after.ID,
		From:        before.Status,
		To:          after.Status,
		Source:      req.Source,
		Weight:      req.Weight,
		Version:     after.Version,
	}
	if last, ok := audit.Current(after.StatusHistory); ok {
		evt.Timestamp = last.Timestamp
	}
	if rctx != nil {
		evt.ActorID = rctx.SubjectID
	}

	logger := observability.LoggerFrom(ctx, s.logger)
	logger.Info("execution moved",
		zap.String("execution_id", after.ID),
		zap.String("from", evt.From),
		zap.String("to", evt.To),
		zap.String("source", evt.Source),
		zap.Int("version", after.Version),
	)
	if err := s.publisher.PublishTransition(ctx, evt); err != nil {
		s.recorder.RecordPublishFailure()
		logger.Warn("failed to publish transition",
			zap.String("execution_id", after.ID),
			zap.Error(err),
		)
	}
}

// authorizeMove restricts drivers to their own trips and keeps
// reconciliation for dispatchers.
func authorizeMove(rctx *model.RequestContext, exec *model.Execution, source string) error {
	if rctx == nil || rctx.HasRole(model.RoleDispatcher) || !rctx.HasRole(model.RoleDriver) {
		return nil
	}
	if source == model.SourceReconcile {
		return model.NewForbiddenError("only dispatchers can reconcile executions")
	}
	if exec.DriverID != rctx.SubjectID {
		return model.NewForbiddenError("execution is assigned to another driver")
	}
	return nil
}

func cleanCargo(cargo []string) []string {
	out := make([]string, 0, len(cargo))
	for _, c := range cargo {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}
