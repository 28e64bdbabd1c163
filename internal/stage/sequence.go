// Package stage derives the ordered stage sequence of a contract.
//
// The sequence is always recomputed from the contract snapshot passed in.
// Nothing here caches, so a waypoint edit is visible to the next lookup.
package stage

import (
	"slices"

	"github.com/pitabwire/haulflow/model"
)

var anchors = []string{
	model.StagePending,
	model.StageLoaded,
	model.StageUnloaded,
	model.StageDelivered,
}

// Sequence returns Pending, Loaded, the contract's waypoint ids in stored
// order, then Unloaded and Delivered.
func Sequence(c *model.Contract) []string {
	seq := make([]string, 0, len(c.Waypoints)+len(anchors))
	seq = append(seq, model.StagePending, model.StageLoaded)
	for _, wp := range c.Waypoints {
		seq = append(seq, wp.ID)
	}
	return append(seq, model.StageUnloaded, model.StageDelivered)
}

// Index returns the position of id in seq, or -1.
func Index(seq []string, id string) int {
	return slices.Index(seq, id)
}

// Contains reports whether id is a stage of seq.
func Contains(seq []string, id string) bool {
	return Index(seq, id) >= 0
}

// IsAnchor reports whether id is one of the four fixed stages.
func IsAnchor(id string) bool {
	return slices.Contains(anchors, id)
}

// Neighbour returns the stage adjacent to current in the given direction.
// ok is false when current is absent or already at that end of the sequence.
func Neighbour(seq []string, current, direction string) (string, bool) {
	idx := Index(seq, current)
	if idx < 0 {
		return "", false
	}
	switch direction {
	case model.DirectionForward:
		idx++
	case model.DirectionBackward:
		idx--
	default:
		return "", false
	}
	if idx < 0 || idx >= len(seq) {
		return "", false
	}
	return seq[idx], true
}
