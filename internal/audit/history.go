// Package audit manages the append-only status history carried by each
// execution.
package audit

import (
	"fmt"
	"time"

	"github.com/pitabwire/haulflow/model"
)

// Append returns history with entry added at the end. The input slice is
// never written through, so a caller holding the old history keeps an
// unchanged view.
func Append(history []model.StatusHistoryEntry, entry model.StatusHistoryEntry) []model.StatusHistoryEntry {
	out := make([]model.StatusHistoryEntry, len(history), len(history)+1)
	copy(out, history)
	return append(out, entry)
}

// Seed returns the initial history of a new execution.
func Seed(now time.Time) []model.StatusHistoryEntry {
	return []model.StatusHistoryEntry{{Status: model.StagePending, Timestamp: now}}
}

// FirstReached returns the timestamp of the first arrival at stage.
func FirstReached(history []model.StatusHistoryEntry, stage string) (time.Time, bool) {
	for _, h := range history {
		if h.Status == stage {
			return h.Timestamp, true
		}
	}
	return time.Time{}, false
}

// Current returns the most recent entry.
func Current(history []model.StatusHistoryEntry) (model.StatusHistoryEntry, bool) {
	if len(history) == 0 {
		return model.StatusHistoryEntry{}, false
	}
	return history[len(history)-1], true
}

// Verify checks that the history is non-empty and ends on the execution's
// current status. Entries are ordered by append, not by timestamp.
func Verify(exec *model.Execution) error {
	last, ok := Current(exec.StatusHistory)
	if !ok {
		return fmt.Errorf("execution %s has no status history", exec.ID)
	}
	if last.Status != exec.Status {
		return fmt.Errorf("execution %s status %q does not match last history entry %q", exec.ID, exec.Status, last.Status)
	}
	return nil
}

// NextTimestamp returns the timestamp for an entry appended now. A clock that
// stepped back is clamped to the last entry so timestamps never decrease.
func NextTimestamp(history []model.StatusHistoryEntry, now time.Time) time.Time {
	if last, ok := Current(history); ok && last.Timestamp.After(now) {
		return last.Timestamp
	}
	return now
}
