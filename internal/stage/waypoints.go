package stage

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pitabwire/haulflow/model"
)

// AddWaypoint appends wp to the end of the contract's route.
func AddWaypoint(c *model.Contract, wp model.Waypoint) error {
	wp.ID = strings.TrimSpace(wp.ID)
	if err := validateWaypointID(c, wp.ID); err != nil {
		return err
	}
	c.Waypoints = append(c.Waypoints, wp)
	return nil
}

// EditWaypoint updates a waypoint's description. Ids are immutable: an id is
// a stage identifier that executions may currently be sitting on.
func EditWaypoint(c *model.Contract, id, description string) error {
	idx := slices.IndexFunc(c.Waypoints, func(wp model.Waypoint) bool { return wp.ID == id })
	if idx < 0 {
		return model.NewNotFoundError(fmt.Sprintf("waypoint %q not found in contract %s", id, c.ID))
	}
	c.Waypoints[idx].Description = description
	return nil
}

// RemoveWaypoint deletes a waypoint. Executions currently on it become
// orphaned until reconciled.
func RemoveWaypoint(c *model.Contract, id string) error {
	idx := slices.IndexFunc(c.Waypoints, func(wp model.Waypoint) bool { return wp.ID == id })
	if idx < 0 {
		return model.NewNotFoundError(fmt.Sprintf("waypoint %q not found in contract %s", id, c.ID))
	}
	c.Waypoints = slices.Delete(c.Waypoints, idx, idx+1)
	return nil
}

// ReorderWaypoints rearranges the route to match ids, which must be a
// permutation of the current waypoint ids.
func ReorderWaypoints(c *model.Contract, ids []string) error {
	if len(ids) != len(c.Waypoints) {
		return model.NewFieldError("waypoint_ids", "MISMATCH",
			fmt.Sprintf("expected %d waypoint ids, got %d", len(c.Waypoints), len(ids)))
	}
	reordered := make([]model.Waypoint, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		wp, ok := c.Waypoint(id)
		if !ok || seen[id] {
			return model.NewFieldError("waypoint_ids", "MISMATCH",
				fmt.Sprintf("waypoint ids must be a permutation of the current route (bad id %q)", id))
		}
		seen[id] = true
		reordered = append(reordered, wp)
	}
	c.Waypoints = reordered
	return nil
}

func validateWaypointID(c *model.Contract, id string) error {
	if id == "" {
		return model.NewFieldError("id", "REQUIRED", "waypoint id is required")
	}
	if IsAnchor(id) {
		return model.NewFieldError("id", "RESERVED", fmt.Sprintf("%q is a reserved stage name", id))
	}
	if _, ok := c.Waypoint(id); ok {
		return model.NewConflictError(fmt.Sprintf("waypoint %q already exists in contract %s", id, c.ID))
	}
	return nil
}
