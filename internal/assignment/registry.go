// Package assignment manages the driver and vehicle pool of a contract and
// the cascade that pool applies to executions that have not started.
//
// Registry functions mutate the *model.Contract passed in; callers are
// expected to hand in a clone and persist it with a versioned save.
package assignment

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pitabwire/haulflow/model"
)

// AddAssignment attaches a driver to the contract. A paired vehicle, if
// given, must be in the pool and free.
func AddAssignment(c *model.Contract, a model.Assignment) error {
	if strings.TrimSpace(a.DriverID) == "" {
		return model.NewFieldError("driver_id", "REQUIRED", "driver id is required")
	}
	if _, ok := c.Assignment(a.DriverID); ok {
		return model.NewConflictError(fmt.Sprintf("driver %q is already assigned to contract %s", a.DriverID, c.ID))
	}
	if a.AssignedVehicleID != "" {
		if err := checkVehicleFree(c, a.DriverID, a.AssignedVehicleID); err != nil {
			return err
		}
	}
	c.Assignments = append(c.Assignments, a)
	return nil
}

// SetVehicleForDriver pairs vehicleID with the driver, or clears the pairing
// when vehicleID is empty.
func SetVehicleForDriver(c *model.Contract, driverID, vehicleID string) error {
	idx := slices.IndexFunc(c.Assignments, func(a model.Assignment) bool { return a.DriverID == driverID })
	if idx < 0 {
		return model.NewNotFoundError(fmt.Sprintf("driver %q is not assigned to contract %s", driverID, c.ID))
	}
	if vehicleID != "" {
		if err := checkVehicleFree(c, driverID, vehicleID); err != nil {
			return err
		}
	}
	c.Assignments[idx].AssignedVehicleID = vehicleID
	return nil
}

// RemoveAssignment detaches the driver and returns the removed entry.
func RemoveAssignment(c *model.Contract, driverID string) (model.Assignment, error) {
	idx := slices.IndexFunc(c.Assignments, func(a model.Assignment) bool { return a.DriverID == driverID })
	if idx < 0 {
		return model.Assignment{}, model.NewNotFoundError(fmt.Sprintf("driver %q is not assigned to contract %s", driverID, c.ID))
	}
	removed := c.Assignments[idx]
	c.Assignments = slices.Delete(c.Assignments, idx, idx+1)
	return removed, nil
}

// AddVehicle puts a vehicle into the contract's pool.
func AddVehicle(c *model.Contract, v model.Vehicle) error {
	var details []model.FieldError
	if strings.TrimSpace(v.ID) == "" {
		details = append(details, model.FieldError{Field: "id", Code: "REQUIRED", Message: "vehicle id is required"})
	}
	if strings.TrimSpace(v.License) == "" {
		details = append(details, model.FieldError{Field: "license", Code: "REQUIRED", Message: "license plate is required"})
	}
	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	if _, ok := c.Vehicle(v.ID); ok {
		return model.NewConflictError(fmt.Sprintf("vehicle %q is already in contract %s", v.ID, c.ID))
	}
	c.Vehicles = append(c.Vehicles, v)
	return nil
}

// RemoveVehicle takes a vehicle out of the pool and clears any driver
// pairing that referenced it.
func RemoveVehicle(c *model.Contract, vehicleID string) (model.Vehicle, error) {
	idx := slices.IndexFunc(c.Vehicles, func(v model.Vehicle) bool { return v.ID == vehicleID })
	if idx < 0 {
		return model.Vehicle{}, model.NewNotFoundError(fmt.Sprintf("vehicle %q is not in contract %s", vehicleID, c.ID))
	}
	removed := c.Vehicles[idx]
	c.Vehicles = slices.Delete(c.Vehicles, idx, idx+1)
	for i := range c.Assignments {
		if c.Assignments[i].AssignedVehicleID == vehicleID {
			c.Assignments[i].AssignedVehicleID = ""
		}
	}
	return removed, nil
}

// Defaults copies the driver's details and paired vehicle onto exec. An
// empty driverID leaves the execution unassigned.
func Defaults(c *model.Contract, driverID string, exec *model.Execution) error {
	if driverID == "" {
		return nil
	}
	a, ok := c.Assignment(driverID)
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("driver %q is not assigned to contract %s", driverID, c.ID))
	}
	exec.DriverID = a.DriverID
	exec.DriverName = a.DriverName
	exec.DriverPhone = a.DriverPhone
	if v, ok := c.Vehicle(a.AssignedVehicleID); ok {
		exec.VehicleID = v.ID
		exec.VehicleLicense = v.License
	}
	return nil
}

// ClearDriver removes the driver reference from exec when it is still
// Pending and references driverID. It reports whether exec was changed.
func ClearDriver(exec *model.Execution, driverID string) bool {
	if exec.Status != model.StagePending || exec.DriverID != driverID {
		return false
	}
	exec.DriverID = ""
	exec.DriverName = ""
	exec.DriverPhone = ""
	return true
}

// ClearVehicle is ClearDriver for vehicle references.
func ClearVehicle(exec *model.Execution, vehicleID string) bool {
	if exec.Status != model.StagePending || exec.VehicleID != vehicleID {
		return false
	}
	exec.VehicleID = ""
	exec.VehicleLicense = ""
	return true
}

// Unregistered reports whether a Pending exec still references a driver or
// vehicle that is no longer in c's registry.
func Unregistered(c *model.Contract, exec *model.Execution) bool {
	if exec.Status != model.StagePending {
		return false
	}
	if exec.DriverID != "" {
		if _, ok := c.Assignment(exec.DriverID); !ok {
			return true
		}
	}
	if exec.VehicleID != "" {
		if _, ok := c.Vehicle(exec.VehicleID); !ok {
			return true
		}
	}
	return false
}

// ClearUnregistered clears every reference Unregistered would report. It
// reports whether exec was changed.
func ClearUnregistered(c *model.Contract, exec *model.Execution) bool {
	changed := false
	if _, ok := c.Assignment(exec.DriverID); exec.DriverID != "" && !ok {
		changed = ClearDriver(exec, exec.DriverID) || changed
	}
	if _, ok := c.Vehicle(exec.VehicleID); exec.VehicleID != "" && !ok {
		changed = ClearVehicle(exec, exec.VehicleID) || changed
	}
	return changed
}

func checkVehicleFree(c *model.Contract, driverID, vehicleID string) error {
	if _, ok := c.Vehicle(vehicleID); !ok {
		return model.NewNotFoundError(fmt.Sprintf("vehicle %q is not in contract %s", vehicleID, c.ID))
	}
	for _, a := range c.Assignments {
		if a.AssignedVehicleID == vehicleID && a.DriverID != driverID {
			return model.NewConflictError(fmt.Sprintf("vehicle %q is already paired with driver %q", vehicleID, a.DriverID))
		}
	}
	return nil
}
