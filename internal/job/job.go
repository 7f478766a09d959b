// Package job defines the persistent data model for provisioning jobs:
// the top-level Job, per-unit UnitMapping state, validation results, and
// the aggregate progress/final-status rules.
package job

import (
	"time"

	"github.com/wifientist/rtools2-sub001/internal/workflow"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending              Status = "PENDING"
	StatusValidating           Status = "VALIDATING"
	StatusAwaitingConfirmation Status = "AWAITING_CONFIRMATION"
	StatusRunning              Status = "RUNNING"
	StatusCompleted            Status = "COMPLETED"
	StatusPartial              Status = "PARTIAL"
	StatusFailed               Status = "FAILED"
	StatusCancelled            Status = "CANCELLED"
)

// Terminal reports whether the status is final. Terminal jobs are frozen.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPartial, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// UnitStatus is the lifecycle state of a single unit within a job.
type UnitStatus string

const (
	UnitPending   UnitStatus = "PENDING"
	UnitRunning   UnitStatus = "RUNNING"
	UnitCompleted UnitStatus = "COMPLETED"
	UnitFailed    UnitStatus = "FAILED"
	UnitSkipped   UnitStatus = "SKIPPED"
	UnitCancelled UnitStatus = "CANCELLED"
)

// Terminal reports whether the unit status is final.
func (s UnitStatus) Terminal() bool {
	switch s {
	case UnitCompleted, UnitFailed, UnitSkipped, UnitCancelled:
		return true
	}
	return false
}

// PhaseStatus is the per-phase execution state (global or per-unit).
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "PENDING"
	PhaseRunning   PhaseStatus = "RUNNING"
	PhaseCompleted PhaseStatus = "COMPLETED"
	PhaseFailed    PhaseStatus = "FAILED"
	PhaseSkipped   PhaseStatus = "SKIPPED"
)

// UnitMapping holds per-unit state and planned/resolved resource identifiers.
// Mutations happen only under the unit's distributed lock; once the unit
// reaches a terminal status the mapping is frozen.
type UnitMapping struct {
	UnitID     string `json:"unit_id"`
	UnitNumber string `json:"unit_number"`

	// InputConfig is the original per-unit request payload (names,
	// passphrases, AP identifiers, VLAN, ...).
	InputConfig map[string]any `json:"input_config,omitempty"`

	// Plan holds the planned names and will_create_*/..._exists booleans
	// computed by the validate phase.
	Plan map[string]any `json:"plan,omitempty"`

	// Resolved holds upstream IDs discovered or created as phases complete.
	Resolved map[string]any `json:"resolved,omitempty"`

	Status          UnitStatus        `json:"status"`
	CurrentPhase    string            `json:"current_phase,omitempty"`
	CompletedPhases []string          `json:"completed_phases,omitempty"`
	SkippedPhases   []string          `json:"skipped_phases,omitempty"`
	FailedPhases    []string          `json:"failed_phases,omitempty"`
	PhaseErrors     map[string]string `json:"phase_errors,omitempty"`
}

// CompletedSet returns the completed and skipped phases as a set; both
// satisfy dependencies for dispatch purposes.
func (u *UnitMapping) CompletedSet() map[string]bool {
	set := make(map[string]bool, len(u.CompletedPhases)+len(u.SkippedPhases))
	for _, id := range u.CompletedPhases {
		set[id] = true
	}
	for _, id := range u.SkippedPhases {
		set[id] = true
	}
	return set
}

// HasFailed reports whether the given phase failed for this unit.
func (u *UnitMapping) HasFailed(phaseID string) bool {
	for _, id := range u.FailedPhases {
		if id == phaseID {
			return true
		}
	}
	return false
}

// ConflictDetail describes one plan-time conflict found by validation.
type ConflictDetail struct {
	UnitID       string `json:"unit_id,omitempty"`
	ResourceType string `json:"resource_type"`
	ResourceName string `json:"resource_name"`
	Description  string `json:"description"`
	Severity     string `json:"severity"` // warning or error
}

// ResourceAction describes one planned action against an upstream resource.
type ResourceAction struct {
	ResourceType string `json:"resource_type"`
	Name         string `json:"name"`
	Action       string `json:"action"` // create, reuse, rename, delete
	ExistingID   string `json:"existing_id,omitempty"`
}

// ValidationResult is the output of the validate phase (Phase 0).
type ValidationResult struct {
	Valid         bool             `json:"valid"`
	Conflicts     []ConflictDetail `json:"conflicts,omitempty"`
	Actions       []ResourceAction `json:"actions,omitempty"`
	Counts        map[string]int   `json:"counts,omitempty"`
	TotalAPICalls int              `json:"total_api_calls"`
}

// BlockingConflicts returns the error-severity conflicts.
func (v *ValidationResult) BlockingConflicts() []ConflictDetail {
	var out []ConflictDetail
	for _, c := range v.Conflicts {
		if c.Severity == "error" {
			out = append(out, c)
		}
	}
	return out
}

// CreatedResource records one upstream resource created by this job.
type CreatedResource struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	UnitID    string         `json:"unit_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Job is the top-level unit of work. The phase definitions are copied from
// the workflow at creation so later workflow edits cannot retroactively
// change a running job.
type Job struct {
	ID           string `json:"id"`
	UserID       string `json:"user_id"`
	VenueID      string `json:"venue_id"`
	TenantID     string `json:"tenant_id"`
	ControllerID string `json:"controller_id,omitempty"`

	WorkflowName string         `json:"workflow_name"`
	Options      map[string]any `json:"options,omitempty"`
	InputData    map[string]any `json:"input_data,omitempty"`

	PhaseDefinitions []workflow.PhaseDefinition `json:"phase_definitions"`

	MaxActivationSlots int `json:"max_activation_slots,omitempty"`

	// Units is authoritative per-unit state; persisted under one Redis key
	// per unit so workers can mutate different units without contention.
	Units map[string]*UnitMapping `json:"units,omitempty"`

	GlobalPhaseStatus  map[string]PhaseStatus    `json:"global_phase_status,omitempty"`
	GlobalPhaseResults map[string]map[string]any `json:"global_phase_results,omitempty"`

	CreatedResources map[string][]CreatedResource `json:"created_resources,omitempty"`

	Status           Status            `json:"status"`
	ValidationResult *ValidationResult `json:"validation_result,omitempty"`
	Errors           []string          `json:"errors,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// GlobalCompletedSet returns global phases whose status is COMPLETED or
// SKIPPED; both satisfy dependencies.
func (j *Job) GlobalCompletedSet() map[string]bool {
	set := make(map[string]bool, len(j.GlobalPhaseStatus))
	for id, st := range j.GlobalPhaseStatus {
		if st == PhaseCompleted || st == PhaseSkipped {
			set[id] = true
		}
	}
	return set
}

// Definition reconstructs the workflow definition view captured at creation.
func (j *Job) Definition() workflow.Definition {
	return workflow.Definition{
		Name:               j.WorkflowName,
		Phases:             j.PhaseDefinitions,
		MaxActivationSlots: j.MaxActivationSlots,
	}
}

// TrackResource appends a created-resource record under the given type.
// Callers must hold the job lock.
func (j *Job) TrackResource(resourceType string, rec CreatedResource) {
	if j.CreatedResources == nil {
		j.CreatedResources = make(map[string][]CreatedResource)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	j.CreatedResources[resourceType] = append(j.CreatedResources[resourceType], rec)
}
