package model

import "time"

// Contract is a recurring transport agreement between a fixed origin and
// destination. It owns the user-orderable waypoint list that shapes every
// execution's stage sequence, and the driver/vehicle assignment pool.
type Contract struct {
	ID          string       `json:"id"`
	TenantID    string       `json:"tenant_id"`
	Name        string       `json:"name"`
	Origin      string       `json:"origin"`
	Destination string       `json:"destination"`
	Waypoints   []Waypoint   `json:"waypoints"`
	Assignments []Assignment `json:"assignments"`
	Vehicles    []Vehicle    `json:"vehicles"`
	Version     int          `json:"version"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Waypoint is an operator-defined intermediate stage between Loaded and
// Unloaded. Its ID doubles as the stage identifier.
type Waypoint struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// Assignment pairs a driver attached to the contract with an optional
// vehicle from the contract's pool.
type Assignment struct {
	DriverID          string `json:"driver_id"`
	DriverName        string `json:"driver_name"`
	DriverPhone       string `json:"driver_phone,omitempty"`
	AssignedVehicleID string `json:"assigned_vehicle_id,omitempty"`
}

// Vehicle is a truck available to the contract.
type Vehicle struct {
	ID          string `json:"id"`
	License     string `json:"license"`
	Description string `json:"description,omitempty"`
}

// Clone returns a deep copy of the contract so callers can mutate the
// aggregate without touching a stored snapshot.
func (c *Contract) Clone() *Contract {
	if c == nil {
		return nil
	}
	out := *c
	out.Waypoints = append([]Waypoint(nil), c.Waypoints...)
	out.Assignments = append([]Assignment(nil), c.Assignments...)
	out.Vehicles = append([]Vehicle(nil), c.Vehicles...)
	return &out
}

// Waypoint returns the waypoint with the given id.
func (c *Contract) Waypoint(id string) (Waypoint, bool) {
	for _, wp := range c.Waypoints {
		if wp.ID == id {
			return wp, true
		}
	}
	return Waypoint{}, false
}

// Vehicle returns the pooled vehicle with the given id.
func (c *Contract) Vehicle(id string) (Vehicle, bool) {
	for _, v := range c.Vehicles {
		if v.ID == id {
			return v, true
		}
	}
	return Vehicle{}, false
}

// Assignment returns the assignment for the given driver.
func (c *Contract) Assignment(driverID string) (Assignment, bool) {
	for _, a := range c.Assignments {
		if a.DriverID == driverID {
			return a, true
		}
	}
	return Assignment{}, false
}
