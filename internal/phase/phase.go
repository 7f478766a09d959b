// Package phase defines the executor contract every workflow phase
// honours: dynamic typed inputs/outputs, a dry-run validate, the context
// helper surface (activities, resource tracking, events), and the
// parallel-map primitive for intra-phase concurrency.
package phase

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Inputs carries a phase's resolved input fields. The scheduler assembles
// it from the unit's input config, prior phase outputs, global phase
// results, and the scheduler-populated unit_id / unit_number fields.
type Inputs map[string]any

// Outputs carries a phase's produced fields. Each field is stored into the
// unit's resolved block (per-unit phases) or the job's global results
// (global phases) under its name.
type Outputs map[string]any

// String returns a string input field, or "".
func (in Inputs) String(name string) string {
	s, _ := in[name].(string)
	return s
}

// Int returns an int input field, tolerating JSON float64 round-trips.
func (in Inputs) Int(name string) int {
	switch v := in[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// StringSlice returns a []string input field, tolerating []any.
func (in Inputs) StringSlice(name string) []string {
	switch v := in[name].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Validation is the dry-run result of one phase for one unit (or globally).
// Validate must never mutate upstream state.
type Validation struct {
	Valid              bool     `json:"valid"`
	WillCreate         bool     `json:"will_create,omitempty"`
	WillReuse          bool     `json:"will_reuse,omitempty"`
	ExistingResourceID string   `json:"existing_resource_id,omitempty"`
	EstimatedAPICalls  int      `json:"estimated_api_calls"`
	Actions            []Action `json:"actions,omitempty"`
	Notes              []string `json:"notes,omitempty"`
	Warnings           []string `json:"warnings,omitempty"`
	Errors             []string `json:"errors,omitempty"`
}

// Action is one planned operation reported by validate.
type Action struct {
	ResourceType string `json:"resource_type"`
	Name         string `json:"name"`
	Action       string `json:"action"` // create, reuse, rename, delete
	ExistingID   string `json:"existing_id,omitempty"`
}

// Executor is a phase implementation. Execute performs the work; Validate
// is the dry-run used by Phase 0 and plan summaries. Both must tolerate
// being re-run with the same inputs (idempotency): Execute re-checks for
// the resource at the top and short-circuits if it already exists.
type Executor interface {
	Execute(ctx context.Context, pc *Context, in Inputs) (Outputs, error)
	Validate(ctx context.Context, pc *Context, in Inputs) (*Validation, error)
}

// Registry maps phase IDs to executors. Registration happens at init;
// workflow references are checked against it at startup.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty executor registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide executor registry.
func DefaultRegistry() *Registry { return defaultRegistry }

// Register adds an executor. Panics on duplicates so miswiring fails at
// startup.
func (r *Registry) Register(phaseID string, ex Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[phaseID]; exists {
		panic(fmt.Sprintf("phase: executor %q already registered", phaseID))
	}
	r.executors[phaseID] = ex
}

// Get returns the executor for a phase ID.
func (r *Registry) Get(phaseID string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.executors[phaseID]
	if !ok {
		return nil, fmt.Errorf("no executor registered for phase %q", phaseID)
	}
	return ex, nil
}

// CheckWorkflow verifies every referenced phase ID has an executor.
func (r *Registry) CheckWorkflow(phaseIDs []string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var missing []string
	for _, id := range phaseIDs {
		if _, ok := r.executors[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("phases with no registered executor: %v", missing)
	}
	return nil
}
