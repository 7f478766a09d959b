// Package engine implements the workflow scheduler ("the Brain"): job
// creation, the validate/confirm lifecycle, and the per-unit DAG execution
// loop with bounded concurrency, activity tracking, slot gating,
// cancellation, and crash resumability.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wifientist/rtools2-sub001/internal/config"
	"github.com/wifientist/rtools2-sub001/internal/events"
	"github.com/wifientist/rtools2-sub001/internal/job"
	"github.com/wifientist/rtools2-sub001/internal/phase"
	"github.com/wifientist/rtools2-sub001/internal/ruckus"
	"github.com/wifientist/rtools2-sub001/internal/state"
	"github.com/wifientist/rtools2-sub001/internal/workflow"
)

// Engine orchestrates workflow jobs. One Engine serves many jobs; each
// running job has a single scheduler loop instance advancing it.
type Engine struct {
	store     *state.Manager
	client    ruckus.Client
	publisher events.Publisher
	workflows *workflow.Registry
	executors *phase.Registry
	cfg       *config.Config
	logger    *slog.Logger
}

// New creates an engine.
func New(store *state.Manager, client ruckus.Client, publisher events.Publisher,
	workflows *workflow.Registry, executors *phase.Registry, cfg *config.Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return &Engine{
		store:     store,
		client:    client,
		publisher: publisher,
		workflows: workflows,
		executors: executors,
		cfg:       cfg,
		logger:    logger,
	}
}

// CreateRequest carries everything needed to create a job.
type CreateRequest struct {
	WorkflowName string
	UserID       string
	VenueID      string
	TenantID     string
	ControllerID string
	Options      map[string]any
	InputData    map[string]any
}

// CreateJob builds a PENDING job from the named workflow: phase definitions
// are copied so later workflow edits cannot change this job, and options
// are merged over the workflow defaults.
func (e *Engine) CreateJob(ctx context.Context, req CreateRequest) (*job.Job, error) {
	def, err := e.workflows.Get(req.WorkflowName)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(def.Phases))
	for i, p := range def.Phases {
		ids[i] = p.ID
	}
	if err := e.executors.CheckWorkflow(ids); err != nil {
		return nil, fmt.Errorf("workflow %q: %w", def.Name, err)
	}

	options := make(map[string]any, len(def.DefaultOptions)+len(req.Options))
	for k, v := range def.DefaultOptions {
		options[k] = v
	}
	for k, v := range req.Options {
		options[k] = v
	}

	now := time.Now().UTC()
	j := &job.Job{
		ID:                 uuid.NewString(),
		UserID:             req.UserID,
		VenueID:            req.VenueID,
		TenantID:           req.TenantID,
		ControllerID:       req.ControllerID,
		WorkflowName:       def.Name,
		Options:            options,
		InputData:          req.InputData,
		PhaseDefinitions:   append([]workflow.PhaseDefinition(nil), def.Phases...),
		MaxActivationSlots: def.MaxActivationSlots,
		Units:              make(map[string]*job.UnitMapping),
		GlobalPhaseStatus:  make(map[string]job.PhaseStatus),
		GlobalPhaseResults: make(map[string]map[string]any),
		Status:             job.StatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	for _, p := range def.Phases {
		if !p.PerUnit {
			j.GlobalPhaseStatus[p.ID] = job.PhasePending
		}
	}
	if err := e.store.SaveJob(ctx, j); err != nil {
		return nil, err
	}
	e.logger.Info("job created", "job_id", j.ID, "workflow", def.Name, "venue", req.VenueID)
	return j, nil
}

// Validate runs the workflow's validate phase (Phase 0): it builds the
// unit mappings, computes the plan, and transitions the job to
// AWAITING_CONFIRMATION (or RUNNING when the workflow skips confirmation).
// Re-validation of a job already awaiting confirmation is idempotent and
// overwrites the previous plan.
func (e *Engine) Validate(ctx context.Context, jobID string) error {
	j, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	switch j.Status {
	case job.StatusPending, job.StatusAwaitingConfirmation, job.StatusValidating:
	default:
		return fmt.Errorf("job %s is %s, cannot validate", jobID, j.Status)
	}
	def, err := e.workflows.Get(j.WorkflowName)
	if err != nil {
		return err
	}

	if err := e.setStatus(ctx, j, job.StatusValidating, ""); err != nil {
		return err
	}

	pc := e.phaseContext(j, def.ValidatePhase, nil)
	in := phase.Inputs{
		"options":    j.Options,
		"input_data": j.InputData,
		"venue_id":   j.VenueID,
	}
	ex, err := e.executors.Get(def.ValidatePhase)
	if err != nil {
		return e.failJob(ctx, j, err.Error())
	}
	out, err := ex.Execute(ctx, pc, in)
	if err != nil {
		return e.failJob(ctx, j, fmt.Sprintf("validation error: %v", err))
	}

	units, _ := out["units"].(map[string]*job.UnitMapping)
	result, _ := out["validation_result"].(*job.ValidationResult)
	if result == nil {
		return e.failJob(ctx, j, "validate phase produced no validation result")
	}

	// Re-validation replaces the unit set wholesale.
	j.Units = units
	j.ValidationResult = result
	j.GlobalPhaseStatus[def.ValidatePhase] = job.PhaseCompleted
	globalOut := make(map[string]any, len(out))
	for k, v := range out {
		if k == "units" || k == "validation_result" {
			continue
		}
		globalOut[k] = v
	}
	j.GlobalPhaseResults[def.ValidatePhase] = globalOut

	for _, u := range units {
		if err := e.store.SaveUnit(ctx, j.ID, u); err != nil {
			return err
		}
	}

	if !result.Valid {
		var errs []string
		for _, c := range result.BlockingConflicts() {
			errs = append(errs, fmt.Sprintf("%s %q: %s", c.ResourceType, c.ResourceName, c.Description))
		}
		j.Errors = append(j.Errors, errs...)
		j.Status = job.StatusFailed
		now := time.Now().UTC()
		j.CompletedAt = &now
		if err := e.store.SaveJob(ctx, j); err != nil {
			return err
		}
		e.publishStatus(j, "validation failed")
		return nil
	}

	next := job.StatusAwaitingConfirmation
	if !def.RequiresConfirmation {
		next = job.StatusRunning
	}
	j.Status = next
	if err := e.store.SaveJob(ctx, j); err != nil {
		return err
	}
	e.publishStatus(j, "")
	e.logger.Info("job validated", "job_id", j.ID, "valid", result.Valid,
		"units", len(units), "estimated_api_calls", result.TotalAPICalls)
	return nil
}

// Confirm moves an AWAITING_CONFIRMATION job to RUNNING. Units named in
// excludeUnits (by unit number or unit ID) are marked SKIPPED and take no
// part in the run. The caller is responsible for starting Run afterwards.
func (e *Engine) Confirm(ctx context.Context, jobID string, excludeUnits []string) error {
	unlock, err := e.store.LockJob(ctx, jobID)
	if err != nil {
		return err
	}
	defer unlock()

	j, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status != job.StatusAwaitingConfirmation {
		return fmt.Errorf("job %s is %s, expected %s", jobID, j.Status, job.StatusAwaitingConfirmation)
	}
	if j.ValidationResult == nil || !j.ValidationResult.Valid {
		return fmt.Errorf("job %s has no valid plan", jobID)
	}

	if len(excludeUnits) > 0 {
		excluded := make(map[string]bool, len(excludeUnits))
		for _, id := range excludeUnits {
			excluded[id] = true
		}
		for _, u := range j.Units {
			if !excluded[u.UnitNumber] && !excluded[u.UnitID] {
				continue
			}
			u.Status = job.UnitSkipped
			if err := e.store.SaveUnit(ctx, j.ID, u); err != nil {
				return err
			}
			e.logger.Info("unit excluded at confirmation", "job_id", j.ID, "unit_id", u.UnitID)
		}
	}

	j.Status = job.StatusRunning
	if err := e.store.SaveJob(ctx, j); err != nil {
		return err
	}
	e.publishStatus(j, "")
	e.publisher.Publish(events.New(events.TypeJobStarted, j.ID, nil))
	return nil
}

// Cancel raises the job's cancel flag. Idempotent; returns nil even when
// the job is already terminal.
func (e *Engine) Cancel(ctx context.Context, jobID string) error {
	return e.store.SetCancelled(ctx, jobID)
}

// Resume re-dispatches RUNNING jobs after a worker crash: any unit with a
// current phase but no live worker is reset to pending and its phase
// retried. Phases are required to be idempotent, so this is safe.
func (e *Engine) Resume(ctx context.Context) error {
	jobs, err := e.store.ListJobs(ctx, "", "", "", job.StatusRunning)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		for _, u := range j.Units {
			if u.CurrentPhase == "" || u.Status.Terminal() {
				continue
			}
			unlock, err := e.store.LockUnit(ctx, j.ID, u.UnitID)
			if err != nil {
				return err
			}
			u.CurrentPhase = ""
			u.Status = job.UnitPending
			err = e.store.SaveUnit(ctx, j.ID, u)
			unlock()
			if err != nil {
				return err
			}
			e.logger.Info("reset orphaned unit phase", "job_id", j.ID, "unit_id", u.UnitID)
		}
		jobID := j.ID
		go func() {
			if err := e.Run(context.Background(), jobID); err != nil {
				e.logger.Error("resumed job failed", "job_id", jobID, "error", err)
			}
		}()
	}
	return nil
}

// setStatus persists a status transition and publishes it.
func (e *Engine) setStatus(ctx context.Context, j *job.Job, status job.Status, errMsg string) error {
	j.Status = status
	if status.Terminal() {
		now := time.Now().UTC()
		j.CompletedAt = &now
	}
	if errMsg != "" {
		j.Errors = append(j.Errors, errMsg)
	}
	if err := e.store.SaveJob(ctx, j); err != nil {
		return err
	}
	e.publishStatus(j, errMsg)
	return nil
}

func (e *Engine) failJob(ctx context.Context, j *job.Job, errMsg string) error {
	e.logger.Error("job failed", "job_id", j.ID, "error", errMsg)
	if err := e.setStatus(ctx, j, job.StatusFailed, errMsg); err != nil {
		return err
	}
	e.publisher.Publish(events.New(events.TypeJobFailed, j.ID, events.StatusChange{
		Status: string(job.StatusFailed), Error: errMsg,
	}))
	return nil
}

func (e *Engine) publishStatus(j *job.Job, errMsg string) {
	e.publisher.Publish(events.New(events.TypeStatus, j.ID, events.StatusChange{
		Status: string(j.Status), Error: errMsg,
	}))
}

// phaseContext builds the helper surface one phase invocation sees.
func (e *Engine) phaseContext(j *job.Job, phaseID string, u *job.UnitMapping) *phase.Context {
	pc := &phase.Context{
		JobID:          j.ID,
		VenueID:        j.VenueID,
		TenantID:       j.TenantID,
		PhaseID:        phaseID,
		Options:        j.Options,
		MapConcurrency: e.cfg.ParallelMapConcurrency,
		Client:         e.client,
		Store:          e.store,
		Publisher:      e.publisher,
		Logger:         e.logger,
	}
	if u != nil {
		pc.UnitID = u.UnitID
		pc.UnitNumber = u.UnitNumber
	}
	return pc
}
