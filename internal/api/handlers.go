package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/wifientist/rtools2-sub001/internal/engine"
	"github.com/wifientist/rtools2-sub001/internal/job"
	"github.com/wifientist/rtools2-sub001/internal/state"
	"github.com/wifientist/rtools2-sub001/internal/workflow"
)

// planRequest is the body of POST /{workflow}/plan.
type planRequest struct {
	UserID       string         `json:"user_id"`
	VenueID      string         `json:"venue_id"`
	TenantID     string         `json:"tenant_id"`
	ControllerID string         `json:"controller_id,omitempty"`
	Options      map[string]any `json:"options,omitempty"`
	Units        []any          `json:"units"`
}

// handlePlan creates a job and schedules Phase 0 in the background.
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	workflowName := r.PathValue("workflow")
	if _, err := s.workflows.Get(workflowName); err != nil {
		JSONError(w, err.Error(), http.StatusNotFound)
		return
	}

	var req planRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.VenueID == "" {
		JSONError(w, "venue_id is required", http.StatusBadRequest)
		return
	}
	if len(req.Units) == 0 {
		JSONError(w, "units is required and must be non-empty", http.StatusBadRequest)
		return
	}
	if tenant := r.Header.Get("X-Tenant-ID"); tenant != "" && req.TenantID != "" && tenant != req.TenantID {
		JSONError(w, "tenant mismatch", http.StatusForbidden)
		return
	}

	j, err := s.engine.CreateJob(r.Context(), engine.CreateRequest{
		WorkflowName: workflowName,
		UserID:       req.UserID,
		VenueID:      req.VenueID,
		TenantID:     req.TenantID,
		ControllerID: req.ControllerID,
		Options:      req.Options,
		InputData:    map[string]any{"units": req.Units},
	})
	if err != nil {
		JSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	go func() {
		ctx := context.Background()
		if err := s.engine.Validate(ctx, j.ID); err != nil {
			s.logger.Error("background validate", "job_id", j.ID, "error", err)
			return
		}
		// Workflows without a confirmation gate start running immediately.
		validated, err := s.store.GetJob(ctx, j.ID)
		if err != nil || validated.Status != job.StatusRunning {
			return
		}
		if err := s.engine.Run(ctx, j.ID); err != nil {
			s.logger.Error("job run", "job_id", j.ID, "error", err)
		}
	}()

	JSONResponse(w, map[string]any{
		"job_id": j.ID,
		"status": string(job.StatusValidating),
	})
}

// handleGetPlan polls the validation result.
func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	j, ok := s.loadWorkflowJob(w, r)
	if !ok {
		return
	}

	resp := map[string]any{
		"job_id": j.ID,
		"status": string(j.Status),
	}
	switch j.Status {
	case job.StatusPending, job.StatusValidating:
	case job.StatusFailed:
		resp["errors"] = j.Errors
		if j.ValidationResult != nil {
			resp["validation_result"] = j.ValidationResult
		}
	default:
		resp["validation_result"] = j.ValidationResult
	}
	JSONResponse(w, resp)
}

// confirmRequest is the optional body of POST /{workflow}/{job_id}/confirm.
type confirmRequest struct {
	// ExcludeUnits names units (by unit number or unit ID) to leave out of
	// the confirmed run; they are marked SKIPPED.
	ExcludeUnits []string `json:"exclude_units,omitempty"`
}

// handleConfirm moves an AWAITING_CONFIRMATION job to RUNNING and starts
// execution in the background.
func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	j, ok := s.loadWorkflowJob(w, r)
	if !ok {
		return
	}
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		JSONError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.engine.Confirm(r.Context(), j.ID, req.ExcludeUnits); err != nil {
		JSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	go func() {
		if err := s.engine.Run(context.Background(), j.ID); err != nil {
			s.logger.Error("job run", "job_id", j.ID, "error", err)
		}
	}()
	JSONResponse(w, map[string]any{
		"job_id": j.ID,
		"status": string(job.StatusRunning),
	})
}

// handleGraph returns the job's phase DAG for visualization.
func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	j, ok := s.loadWorkflowJob(w, r)
	if !ok {
		return
	}
	g, err := workflow.NewGraph(j.PhaseDefinitions)
	if err != nil {
		JSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	type node struct {
		ID             string `json:"id"`
		Name           string `json:"name"`
		PerUnit        bool   `json:"per_unit"`
		Critical       bool   `json:"critical"`
		ActivationSlot string `json:"activation_slot,omitempty"`
	}
	type edge struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	var nodes []node
	var edges []edge
	for _, p := range j.PhaseDefinitions {
		nodes = append(nodes, node{
			ID: p.ID, Name: p.Name, PerUnit: p.PerUnit,
			Critical: p.Critical, ActivationSlot: string(p.ActivationSlot),
		})
		for _, dep := range p.DependsOn {
			edges = append(edges, edge{From: dep, To: p.ID})
		}
	}
	JSONResponse(w, map[string]any{
		"nodes":  nodes,
		"edges":  edges,
		"levels": g.Levels(),
	})
}

// handleListJobs returns job summaries filtered by query parameters.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	jobs, err := s.store.ListJobs(r.Context(),
		q.Get("venue_id"), q.Get("user_id"), q.Get("workflow"), job.Status(q.Get("status")))
	if err != nil {
		JSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	type summary struct {
		ID        string       `json:"id"`
		Workflow  string       `json:"workflow"`
		Status    string       `json:"status"`
		VenueID   string       `json:"venue_id"`
		UserID    string       `json:"user_id,omitempty"`
		Progress  job.Progress `json:"progress"`
		CreatedAt string       `json:"created_at"`
	}
	out := make([]summary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, summary{
			ID:        j.ID,
			Workflow:  j.WorkflowName,
			Status:    string(j.Status),
			VenueID:   j.VenueID,
			UserID:    j.UserID,
			Progress:  j.ComputeProgress(),
			CreatedAt: j.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	JSONResponse(w, map[string]any{"jobs": out, "count": len(out)})
}

// handleJobStatus returns the full status snapshot for one job.
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	j, ok := s.loadJob(w, r, r.PathValue("id"))
	if !ok {
		return
	}

	resourceCounts := make(map[string]int, len(j.CreatedResources))
	for kind, recs := range j.CreatedResources {
		resourceCounts[kind] = len(recs)
	}
	unitStatuses := make(map[string]any, len(j.Units))
	for id, u := range j.Units {
		unitStatuses[id] = map[string]any{
			"unit_number":   u.UnitNumber,
			"status":        string(u.Status),
			"current_phase": u.CurrentPhase,
			"phase_errors":  u.PhaseErrors,
		}
	}

	JSONResponse(w, map[string]any{
		"job_id":            j.ID,
		"workflow":          j.WorkflowName,
		"status":            string(j.Status),
		"progress":          j.ComputeProgress(),
		"phases":            j.PhaseAggregates(),
		"units":             unitStatuses,
		"created_resources": resourceCounts,
		"errors":            j.Errors,
		"created_at":        j.CreatedAt,
		"completed_at":      j.CompletedAt,
	})
}

// handleCancel raises the job's cancel flag. Idempotent: 200 even when the
// job is already terminal.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.loadJob(w, r, id); !ok {
		return
	}
	if err := s.engine.Cancel(r.Context(), id); err != nil {
		JSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	JSONResponse(w, map[string]any{"job_id": id, "cancelled": true})
}

// handleDeleteJobs hard-deletes jobs. Admin only.
func (s *Server) handleDeleteJobs(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-Admin") != "true" {
		JSONError(w, "admin access required", http.StatusForbidden)
		return
	}
	var req struct {
		JobIDs []string `json:"job_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	results := make(map[string]string, len(req.JobIDs))
	for _, id := range req.JobIDs {
		if err := s.store.DeleteJob(r.Context(), id); err != nil {
			results[id] = err.Error()
		} else {
			results[id] = "deleted"
		}
	}
	JSONResponse(w, map[string]any{"results": results})
}

// handleHealth reports liveness and store connectivity.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		JSONResponseStatus(w, map[string]any{"status": "degraded", "redis": err.Error()},
			http.StatusServiceUnavailable)
		return
	}
	JSONResponse(w, map[string]any{
		"status":    "ok",
		"workflows": s.workflows.Names(),
	})
}

// loadWorkflowJob loads the job from the {workflow}/{job_id} route pair and
// verifies it belongs to the named workflow.
func (s *Server) loadWorkflowJob(w http.ResponseWriter, r *http.Request) (*job.Job, bool) {
	j, ok := s.loadJob(w, r, r.PathValue("job_id"))
	if !ok {
		return nil, false
	}
	if j.WorkflowName != r.PathValue("workflow") {
		JSONError(w, "job does not belong to this workflow", http.StatusNotFound)
		return nil, false
	}
	return j, true
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request, id string) (*job.Job, bool) {
	j, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, state.ErrNotFound) {
		JSONError(w, "job not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		JSONError(w, err.Error(), http.StatusInternalServerError)
		return nil, false
	}
	return j, true
}
