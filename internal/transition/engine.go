// Package transition implements the execution state machine. Every function
// here is pure: it takes an execution snapshot and a stage sequence, and
// returns either a new execution value or an error, never touching the input.
package transition

import (
	"fmt"
	"math"
	"time"

	"github.com/pitabwire/haulflow/internal/audit"
	"github.com/pitabwire/haulflow/internal/stage"
	"github.com/pitabwire/haulflow/model"
)

// Decision is a validated move that has not been applied yet.
type Decision struct {
	From      string
	Requested string
	To        string
	NoOp      bool
	// Capture names the weight field the move needs before it can commit,
	// or is empty when the move commits directly.
	Capture string
}

// Requirement returns the capture requirement of d, or nil.
func (d Decision) Requirement() *model.CaptureRequirement {
	if d.Capture == "" {
		return nil
	}
	return &model.CaptureRequirement{Field: d.Capture, Stage: d.To, RequestedStage: d.Requested}
}

// Outcome is the result of Move or CommitWithCapture. Execution is the
// input snapshot when nothing changed and a fresh copy when a transition
// was applied.
type Outcome struct {
	Execution *model.Execution
	Decision  Decision
	Changed   bool
}

// Plan validates a request to move exec to requested within seq.
func Plan(exec *model.Execution, requested string, seq []string) (Decision, error) {
	d := Decision{From: exec.Status, Requested: requested}

	// 1. Identity.
	if requested == exec.Status {
		d.To = exec.Status
		d.NoOp = true
		return d, nil
	}

	// 2. Adjacency.
	oldIdx := stage.Index(seq, exec.Status)
	if oldIdx < 0 {
		return Decision{}, model.NewOrphanedStageError(exec.Status)
	}
	newIdx := stage.Index(seq, requested)
	if newIdx < 0 {
		return Decision{}, model.NewInvalidTransitionError(
			fmt.Sprintf("stage %q is not part of the contract route", requested),
		)
	}
	if dist := newIdx - oldIdx; dist != 1 && dist != -1 {
		return Decision{}, model.NewInvalidTransitionError(
			fmt.Sprintf("cannot move from %q to %q: only adjacent stages are reachable (distance %d)",
				exec.Status, requested, abs(dist)),
		)
	}

	// 3. Skip rule, forward only. Each iteration moves the target strictly
	// right, so the loop ends within len(seq) steps.
	target := newIdx
	if newIdx > oldIdx {
		for target < len(seq) && skips(exec, seq[target]) {
			target++
		}
		if target >= len(seq) {
			return Decision{}, model.NewInvalidTransitionError(
				fmt.Sprintf("no stage after %q to skip to", requested),
			)
		}
	}
	d.To = seq[target]

	// 4. Capture gating.
	d.Capture = captureField(d.To)
	return d, nil
}

// Move plans and, when no capture is needed, applies a transition.
func Move(exec *model.Execution, requested string, seq []string, now time.Time) (Outcome, error) {
	d, err := Plan(exec, requested, seq)
	if err != nil {
		return Outcome{}, err
	}
	if d.NoOp || d.Capture != "" {
		return Outcome{Execution: exec, Decision: d}, nil
	}
	return Outcome{Execution: apply(exec, d, 0, now), Decision: d, Changed: true}, nil
}

// CommitWithCapture re-validates the move to requested and commits it with
// the supplied weight. requested is the stage originally asked for, which
// may differ from the landing stage when the skip rule fired.
func CommitWithCapture(exec *model.Execution, requested string, weight float64, seq []string, now time.Time) (Outcome, error) {
	if math.IsNaN(weight) || math.IsInf(weight, 0) {
		return Outcome{}, model.NewFieldError("weight", "INVALID", "weight must be a finite number")
	}
	if weight < 0 {
		return Outcome{}, model.NewFieldError("weight", "NEGATIVE", "weight must not be negative")
	}

	d, err := Plan(exec, requested, seq)
	if err != nil {
		return Outcome{}, err
	}
	if d.NoOp || d.Capture == "" {
		return Outcome{}, model.NewInvalidTransitionError(
			fmt.Sprintf("moving from %q to %q does not take a weight", exec.Status, requested),
		)
	}
	return Outcome{Execution: apply(exec, d, weight, now), Decision: d, Changed: true}, nil
}

// Reconcile places exec on any stage of seq regardless of adjacency. It is
// the operator's way out of an orphaned stage and records the move in the
// history like any other transition.
func Reconcile(exec *model.Execution, target string, seq []string, now time.Time) (Outcome, error) {
	if !stage.Contains(seq, target) {
		return Outcome{}, model.NewInvalidTransitionError(
			fmt.Sprintf("stage %q is not part of the contract route", target),
		)
	}
	d := Decision{From: exec.Status, Requested: target, To: target}
	if target == exec.Status {
		d.NoOp = true
		return Outcome{Execution: exec, Decision: d}, nil
	}
	return Outcome{Execution: apply(exec, d, 0, now), Decision: d, Changed: true}, nil
}

// apply sets status, the captured weight and the history entry on a copy.
func apply(exec *model.Execution, d Decision, weight float64, now time.Time) *model.Execution {
	out := exec.Clone()
	out.Status = d.To
	switch d.Capture {
	case model.CaptureTotalLoadedWeight:
		out.TotalLoadedWeight = weight
	case model.CaptureTotalUnloadedWeight:
		out.TotalUnloadedWeight = weight
	}
	at := audit.NextTimestamp(exec.StatusHistory, now)
	out.StatusHistory = audit.Append(exec.StatusHistory, model.StatusHistoryEntry{Status: d.To, Timestamp: at})
	out.UpdatedAt = at
	return out
}

func skips(exec *model.Execution, id string) bool {
	return id == model.StageLoaded && len(exec.SelectedCargo) == 0
}

func captureField(id string) string {
	switch id {
	case model.StageLoaded:
		return model.CaptureTotalLoadedWeight
	case model.StageUnloaded:
		return model.CaptureTotalUnloadedWeight
	}
	return ""
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
