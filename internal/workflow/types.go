// Package workflow provides the declarative workflow definition model for
// provd. A workflow is an immutable DAG of phases; definitions are named in
// a process-wide registry and copied into jobs at creation time.
package workflow

import "fmt"

// SlotAction declares how a phase interacts with the job's activation-slot gate.
type SlotAction string

const (
	SlotNone    SlotAction = ""        // No slot interaction
	SlotAcquire SlotAction = "acquire" // Block until a slot is acquired before executing
	SlotRelease SlotAction = "release" // Release the unit's slot after executing
)

// APICallsDynamic is the sentinel for phases whose upstream call count
// depends on runtime data (e.g. number of APs per unit).
const APICallsDynamic = -1

// Field describes one typed input or output of a phase contract.
type Field struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"` // string, int, bool, list, map
}

// Contract declares a phase's typed inputs and outputs. Inputs resolve from
// unit input config, prior phase outputs, or scheduler-populated fields
// (unit_id, unit_number). Outputs land in the unit's resolved block, or in
// the job's global phase results for global phases.
type Contract struct {
	Inputs  []Field `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs []Field `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// PhaseDefinition is a node in the workflow DAG.
type PhaseDefinition struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`

	// PerUnit phases run once per unit; global phases run exactly once per job.
	PerUnit bool `json:"per_unit" yaml:"per_unit"`

	// Critical failures abort the unit (per-unit) or the whole job (global).
	Critical bool `json:"critical" yaml:"critical"`

	// SkipIf is a gjson predicate evaluated against {"options":..., "input_data":...}.
	// A truthy result records the phase as skipped. Example: "options.skip_dpsk".
	SkipIf string `json:"skip_if,omitempty" yaml:"skip_if,omitempty"`

	ActivationSlot SlotAction `json:"activation_slot,omitempty" yaml:"activation_slot,omitempty"`

	Contract Contract `json:"contract,omitempty" yaml:"contract,omitempty"`

	// APICallsPerUnit estimates upstream calls; APICallsDynamic when data-dependent.
	APICallsPerUnit int `json:"api_calls_per_unit,omitempty" yaml:"api_calls_per_unit,omitempty"`
}

// Definition is a complete, immutable workflow.
type Definition struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Phases      []PhaseDefinition `json:"phases" yaml:"phases"`

	// ValidatePhase names the global phase the engine runs as Phase 0.
	ValidatePhase string `json:"validate_phase" yaml:"validate_phase"`

	// MaxActivationSlots bounds units simultaneously between an acquire
	// phase and its paired release phase. Zero means no gating.
	MaxActivationSlots int `json:"max_activation_slots,omitempty" yaml:"max_activation_slots,omitempty"`

	RequiresConfirmation bool `json:"requires_confirmation" yaml:"requires_confirmation"`

	DefaultOptions map[string]any `json:"default_options,omitempty" yaml:"default_options,omitempty"`
}

// Phase returns the definition for the given phase ID, or nil.
func (d *Definition) Phase(id string) *PhaseDefinition {
	for i := range d.Phases {
		if d.Phases[i].ID == id {
			return &d.Phases[i]
		}
	}
	return nil
}

// Validate checks structural consistency of the definition: non-empty name,
// unique phase IDs, a known validate phase, and a valid dependency graph.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("workflow has no name")
	}
	if len(d.Phases) == 0 {
		return fmt.Errorf("workflow %q has no phases", d.Name)
	}
	seen := make(map[string]bool, len(d.Phases))
	for _, p := range d.Phases {
		if p.ID == "" {
			return fmt.Errorf("workflow %q has a phase with no id", d.Name)
		}
		if seen[p.ID] {
			return fmt.Errorf("workflow %q has duplicate phase id %q", d.Name, p.ID)
		}
		seen[p.ID] = true
	}
	if d.ValidatePhase == "" {
		return fmt.Errorf("workflow %q has no validate phase", d.Name)
	}
	vp := d.Phase(d.ValidatePhase)
	if vp == nil {
		return fmt.Errorf("workflow %q: validate phase %q not found", d.Name, d.ValidatePhase)
	}
	if vp.PerUnit {
		return fmt.Errorf("workflow %q: validate phase %q must be global", d.Name, d.ValidatePhase)
	}
	if d.MaxActivationSlots < 0 {
		return fmt.Errorf("workflow %q: max_activation_slots must be >= 0", d.Name)
	}
	if _, err := NewGraph(d.Phases); err != nil {
		return fmt.Errorf("workflow %q: %w", d.Name, err)
	}
	return nil
}
