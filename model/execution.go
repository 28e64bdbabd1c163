package model

import "time"

// Anchor stages present in every contract's sequence.
const (
	StagePending   = "Pending"
	StageLoaded    = "Loaded"
	StageUnloaded  = "Unloaded"
	StageDelivered = "Delivered"
)

// Weight fields a transition may require before it commits.
const (
	CaptureTotalLoadedWeight   = "totalLoadedWeight"
	CaptureTotalUnloadedWeight = "totalUnloadedWeight"
)

// Button directions.
const (
	DirectionForward  = "forward"
	DirectionBackward = "backward"
)

// Execution is one physical trip under a contract. Status holds a stage
// identifier rather than an index so it survives waypoint edits.
type Execution struct {
	ID                  string               `json:"id"`
	TenantID            string               `json:"tenant_id"`
	ContractID          string               `json:"contract_id"`
	Date                time.Time            `json:"date"`
	Status              string               `json:"status"`
	StatusHistory       []StatusHistoryEntry `json:"status_history"`
	DriverID            string               `json:"driver_id,omitempty"`
	DriverName          string               `json:"driver_name,omitempty"`
	DriverPhone         string               `json:"driver_phone,omitempty"`
	VehicleID           string               `json:"vehicle_id,omitempty"`
	VehicleLicense      string               `json:"vehicle_license,omitempty"`
	SelectedCargo       []string             `json:"selected_cargo"`
	TotalLoadedWeight   float64              `json:"total_loaded_weight"`
	TotalUnloadedWeight float64              `json:"total_unloaded_weight"`
	Version             int                  `json:"version"`
	CreatedAt           time.Time            `json:"created_at"`
	UpdatedAt           time.Time            `json:"updated_at"`
}

// StatusHistoryEntry records one committed arrival at a stage.
type StatusHistoryEntry struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Clone returns a deep copy of the execution.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	out := *e
	out.StatusHistory = append([]StatusHistoryEntry(nil), e.StatusHistory...)
	out.SelectedCargo = append([]string(nil), e.SelectedCargo...)
	return &out
}

// CaptureRequirement tells the caller which weight must be supplied before a
// move can commit. RequestedStage is the stage the caller asked for and must
// be passed back to CommitWithCapture; Stage is where the execution will land
// once the skip rule has been applied.
type CaptureRequirement struct {
	Field          string `json:"field"`
	Stage          string `json:"stage"`
	RequestedStage string `json:"requested_stage"`
}

// MoveResult is the outcome of a move command. Exactly one of Changed or
// CaptureRequired is meaningful: a no-op move has neither.
type MoveResult struct {
	Execution       *Execution          `json:"execution"`
	Changed         bool                `json:"changed"`
	CaptureRequired *CaptureRequirement `json:"capture_required,omitempty"`
}

// BoardColumn groups the executions currently sitting on one stage.
type BoardColumn struct {
	Stage      string       `json:"stage"`
	Executions []*Execution `json:"executions"`
}

// Board is the drag-and-drop view of a contract: one column per stage in
// sequence order, plus executions parked on stages that no longer exist.
type Board struct {
	ContractID string        `json:"contract_id"`
	Columns    []BoardColumn `json:"columns"`
	Orphaned   []*Execution  `json:"orphaned,omitempty"`
}

// TransitionEvent is published after a status change has been committed.
type TransitionEvent struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	ContractID  string    `json:"contract_id"`
	ExecutionID string    `json:"execution_id"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Source      string    `json:"source"`
	ActorID     string    `json:"actor_id,omitempty"`
	Weight      *float64  `json:"weight,omitempty"`
	Version     int       `json:"version"`
	Timestamp   time.Time `json:"timestamp"`
}

// Transition sources.
const (
	SourceButton    = "button"
	SourceDrag      = "drag"
	SourceCapture   = "capture"
	SourceReconcile = "reconcile"
)
