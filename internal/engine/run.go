package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/tidwall/gjson"

	"github.com/wifientist/rtools2-sub001/internal/activity"
	"github.com/wifientist/rtools2-sub001/internal/events"
	"github.com/wifientist/rtools2-sub001/internal/gate"
	"github.com/wifientist/rtools2-sub001/internal/job"
	"github.com/wifientist/rtools2-sub001/internal/phase"
	"github.com/wifientist/rtools2-sub001/internal/workflow"
)

// workResult is what a phase worker reports back to the scheduler loop.
type workResult struct {
	phaseID string
	unitID  string // empty for global phases
	outputs phase.Outputs
	err     error
}

// runState is the scheduler's in-memory view of one running job. It is
// owned by the single Run loop; workers never touch it.
type runState struct {
	j       *job.Job
	graph   *workflow.Graph
	order   []string
	tracker *activity.Tracker
	slots   *gate.SlotGate

	busy       map[string]string // unitID -> in-flight phase
	globalBusy map[string]bool
	inFlight   int
	results    chan workResult

	// aborted is set when a critical global phase fails; nothing new is
	// dispatched after that.
	aborted bool
}

// Run drives a RUNNING job to a terminal status. It owns the job's
// scheduler loop: exactly one Run per job may execute at a time. It
// returns once the job is terminal.
func (e *Engine) Run(ctx context.Context, jobID string) error {
	j, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return nil
	}
	if j.Status != job.StatusRunning {
		return fmt.Errorf("job %s is %s, expected %s", jobID, j.Status, job.StatusRunning)
	}
	graph, err := workflow.NewGraph(j.PhaseDefinitions)
	if err != nil {
		return e.failJob(ctx, j, fmt.Sprintf("invalid phase graph: %v", err))
	}

	tracker := activity.NewTracker(jobID, e.client, e.store,
		activity.WithPollInterval(e.cfg.ActivityPollInterval),
		activity.WithTimeout(e.cfg.ActivityTimeout()),
		activity.WithLogger(e.logger),
	)
	tracker.Start(ctx)
	defer tracker.Stop()

	rs := &runState{
		j:          j,
		graph:      graph,
		order:      graph.TopoOrder(),
		tracker:    tracker,
		slots:      gate.NewSlotGate(j.MaxActivationSlots),
		busy:       make(map[string]string),
		globalBusy: make(map[string]bool),
		results:    make(chan workResult),
	}

	runCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		cancelled, err := e.store.IsCancelled(ctx, jobID)
		if err != nil {
			e.logger.Warn("cancel flag check", "job_id", jobID, "error", err)
		}
		if cancelled {
			return e.cancelRun(ctx, rs, cancelWorkers)
		}

		progress := e.dispatch(runCtx, rs)
		if !progress && rs.inFlight == 0 {
			break
		}
		if rs.inFlight == 0 {
			// Dispatch made progress (skips, finalizations) without
			// launching workers; loop again immediately.
			continue
		}

		select {
		case res := <-rs.results:
			rs.inFlight--
			e.apply(ctx, rs, res)
		case <-ticker.C:
			// recheck the cancel flag
		case <-ctx.Done():
			return e.cancelRun(context.WithoutCancel(ctx), rs, cancelWorkers)
		}
	}

	return e.finishRun(ctx, rs)
}

// dispatch launches every runnable phase: the next ready global phase,
// then ready per-unit phases up to the unit concurrency bound. Skip
// predicates and unit finalization are resolved inline. Returns whether
// any state advanced.
func (e *Engine) dispatch(ctx context.Context, rs *runState) bool {
	if rs.aborted {
		return false
	}
	progress := false

	// Globals run one at a time, in topological order.
	if len(rs.globalBusy) == 0 {
		for _, id := range e.readyGlobals(rs) {
			def := rs.j.Definition()
			p := def.Phase(id)
			if e.skipPhase(p, rs.j, nil) {
				e.setGlobalStatus(ctx, rs, id, job.PhaseSkipped, "")
				progress = true
				continue
			}
			e.setGlobalStatus(ctx, rs, id, job.PhaseRunning, "")
			rs.globalBusy[id] = true
			rs.inFlight++
			progress = true
			e.publisher.Publish(events.New(events.TypePhaseStarted, rs.j.ID, events.PhaseUpdate{
				PhaseID: id, Status: string(job.PhaseRunning),
			}))
			go e.execute(ctx, rs, *p, nil, e.phaseInputs(rs.j, nil))
			break
		}
	}

	unitIDs := make([]string, 0, len(rs.j.Units))
	for id := range rs.j.Units {
		unitIDs = append(unitIDs, id)
	}
	sort.Strings(unitIDs)

	globalCompleted := rs.j.GlobalCompletedSet()
	for _, unitID := range unitIDs {
		u := rs.j.Units[unitID]
		if u.Status.Terminal() || rs.busy[unitID] != "" {
			continue
		}
		if len(rs.busy) >= e.cfg.MaxConcurrentUnits {
			break
		}
		next, blocked := e.nextUnitPhase(ctx, rs, u, globalCompleted)
		if next == nil {
			if blocked {
				continue // waiting on a slot or a running global
			}
			e.finalizeUnit(ctx, rs, u)
			progress = true
			continue
		}
		if e.startUnitPhase(ctx, rs, u, next) {
			progress = true
		}
	}
	return progress
}

// nextUnitPhase picks the unit's next runnable phase in topological order.
// Skip predicates are applied here so a skipped phase immediately unblocks
// its dependents. blocked reports that the unit has pending work it cannot
// start yet (activation slot contention, or a dependency still running).
func (e *Engine) nextUnitPhase(ctx context.Context, rs *runState, u *job.UnitMapping, globalCompleted map[string]bool) (*workflow.PhaseDefinition, bool) {
	def := rs.j.Definition()
	for {
		ready := rs.graph.ReadyPerUnit(u.CompletedSet(), globalCompleted)
		dispatched := false
		for _, id := range ready {
			if u.HasFailed(id) {
				continue
			}
			p := def.Phase(id)
			if e.skipPhase(p, rs.j, u) {
				u.SkippedPhases = append(u.SkippedPhases, id)
				e.saveUnit(ctx, rs.j.ID, u)
				dispatched = true // re-evaluate: dependents may now be ready
				break
			}
			if p.ActivationSlot == workflow.SlotAcquire && !rs.slots.TryAcquire(u.UnitID) {
				return nil, true
			}
			return p, false
		}
		if !dispatched {
			break
		}
	}

	// No runnable phase. If an uncompleted, unfailed per-unit phase is
	// still waiting on a global phase that may yet complete, hold the unit.
	for _, p := range rs.j.PhaseDefinitions {
		if !p.PerUnit || u.CompletedSet()[p.ID] || u.HasFailed(p.ID) {
			continue
		}
		for _, dep := range rs.graph.Dependencies(p.ID) {
			st, isGlobal := rs.j.GlobalPhaseStatus[dep]
			if isGlobal && (st == job.PhasePending || st == job.PhaseRunning) {
				return nil, true
			}
		}
	}
	return nil, false
}

// startUnitPhase persists the unit's transition into the phase and launches
// the worker.
func (e *Engine) startUnitPhase(ctx context.Context, rs *runState, u *job.UnitMapping, p *workflow.PhaseDefinition) bool {
	unlock, err := e.store.LockUnit(ctx, rs.j.ID, u.UnitID)
	if err != nil {
		e.logger.Warn("unit lock", "job_id", rs.j.ID, "unit_id", u.UnitID, "error", err)
		return false
	}
	u.Status = job.UnitRunning
	u.CurrentPhase = p.ID
	err = e.store.SaveUnit(ctx, rs.j.ID, u)
	unlock()
	if err != nil {
		e.logger.Error("save unit", "job_id", rs.j.ID, "unit_id", u.UnitID, "error", err)
		return false
	}

	rs.busy[u.UnitID] = p.ID
	rs.inFlight++
	e.publisher.Publish(events.New(events.TypePhaseStarted, rs.j.ID, events.PhaseUpdate{
		PhaseID: p.ID, UnitID: u.UnitID, Status: string(job.PhaseRunning),
	}))
	go e.execute(ctx, rs, *p, u, e.phaseInputs(rs.j, u))
	return true
}

// execute runs one phase in a worker goroutine and reports the result.
// The input snapshot is built by the scheduler loop before the worker
// starts; workers never read the loop-owned job state. Retryable failures
// are retried with exponential backoff up to the configured attempt
// budget.
func (e *Engine) execute(ctx context.Context, rs *runState, p workflow.PhaseDefinition, u *job.UnitMapping, in phase.Inputs) {
	pc := e.phaseContext(rs.j, p.ID, u)
	pc.Tracker = rs.tracker

	res := workResult{phaseID: p.ID}
	if u != nil {
		res.unitID = u.UnitID
	}

	ex, err := e.executors.Get(p.ID)
	if err != nil {
		res.err = err
		rs.results <- res
		return
	}

	for attempt := 1; ; attempt++ {
		res.outputs, res.err = ex.Execute(ctx, pc, in)
		if res.err == nil || ctx.Err() != nil {
			break
		}
		pe := phase.AsPhaseError(res.err)
		if !pe.Retryable || attempt >= e.cfg.PhaseRetryAttempts {
			break
		}
		delay := e.cfg.PhaseRetryBase * (1 << (attempt - 1))
		e.logger.Warn("phase retry", "job_id", rs.j.ID, "phase", p.ID,
			"unit", res.unitID, "attempt", attempt, "delay", delay, "error", res.err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			rs.results <- res
			return
		}
	}
	rs.results <- res
}

// apply folds one worker result back into scheduler state.
func (e *Engine) apply(ctx context.Context, rs *runState, res workResult) {
	def := rs.j.Definition()
	p := def.Phase(res.phaseID)

	update := events.PhaseUpdate{PhaseID: res.phaseID, UnitID: res.unitID}
	if res.err != nil {
		update.Status = string(job.PhaseFailed)
		update.Error = res.err.Error()
	} else {
		update.Status = string(job.PhaseCompleted)
	}

	if res.unitID == "" {
		delete(rs.globalBusy, res.phaseID)
		if res.err != nil {
			e.setGlobalStatus(ctx, rs, res.phaseID, job.PhaseFailed, res.err.Error())
			if p != nil && p.Critical {
				rs.aborted = true
				rs.j.Errors = append(rs.j.Errors,
					fmt.Sprintf("critical phase %s failed: %v", res.phaseID, res.err))
			}
		} else {
			e.setGlobalResult(ctx, rs, res.phaseID, res.outputs)
		}
		e.publisher.Publish(events.New(events.TypePhaseCompleted, rs.j.ID, update))
		return
	}

	u := rs.j.Units[res.unitID]
	delete(rs.busy, res.unitID)
	if u == nil {
		e.logger.Error("result for unknown unit", "job_id", rs.j.ID, "unit_id", res.unitID)
		return
	}

	unlock, err := e.store.LockUnit(ctx, rs.j.ID, u.UnitID)
	if err != nil {
		e.logger.Warn("unit lock", "job_id", rs.j.ID, "unit_id", u.UnitID, "error", err)
	}
	u.CurrentPhase = ""
	if res.err != nil {
		u.FailedPhases = append(u.FailedPhases, res.phaseID)
		if u.PhaseErrors == nil {
			u.PhaseErrors = make(map[string]string)
		}
		u.PhaseErrors[res.phaseID] = res.err.Error()
	} else {
		u.CompletedPhases = append(u.CompletedPhases, res.phaseID)
		if len(res.outputs) > 0 {
			if u.Resolved == nil {
				u.Resolved = make(map[string]any, len(res.outputs))
			}
			for k, v := range res.outputs {
				u.Resolved[k] = v
			}
		}
	}
	e.saveUnitLocked(ctx, rs.j.ID, u)
	if unlock != nil {
		unlock()
	}

	if p != nil && p.ActivationSlot == workflow.SlotRelease {
		rs.slots.Release(u.UnitID)
	}
	e.publisher.Publish(events.New(events.TypePhaseCompleted, rs.j.ID, update))

	// A critical phase failure ends the unit immediately.
	if res.err != nil && p != nil && p.Critical {
		e.finalizeUnit(ctx, rs, u)
	}
}

// finalizeUnit settles a unit with no more dispatchable work and releases
// any activation slot it still holds. A unit with unrun phases left
// behind (job abort, or a dependency global that failed) ends CANCELLED,
// not COMPLETED.
func (e *Engine) finalizeUnit(ctx context.Context, rs *runState, u *job.UnitMapping) {
	if u.Status.Terminal() {
		return
	}
	switch {
	case len(u.FailedPhases) > 0:
		u.Status = job.UnitFailed
	case e.unitWorkRemaining(rs, u):
		u.Status = job.UnitCancelled
	default:
		u.Status = job.UnitCompleted
	}
	u.CurrentPhase = ""
	e.saveUnit(ctx, rs.j.ID, u)
	rs.slots.Release(u.UnitID)
	e.publisher.Publish(events.New(events.TypeProgressUpdate, rs.j.ID, rs.j.ComputeProgress()))
}

// unitWorkRemaining reports whether the unit still has per-unit phases
// that neither ran, were skipped, nor failed.
func (e *Engine) unitWorkRemaining(rs *runState, u *job.UnitMapping) bool {
	done := u.CompletedSet()
	for _, p := range rs.j.PhaseDefinitions {
		if p.PerUnit && !done[p.ID] && !u.HasFailed(p.ID) {
			return true
		}
	}
	return false
}

// finishRun computes and persists the job's terminal status once every
// unit is settled and no workers remain.
func (e *Engine) finishRun(ctx context.Context, rs *runState) error {
	for _, u := range rs.j.Units {
		e.finalizeUnit(ctx, rs, u)
	}

	final := rs.j.FinalStatus()
	if rs.aborted {
		final = job.StatusFailed
	}
	if err := e.persistTerminal(ctx, rs, final); err != nil {
		return err
	}

	terminalType := events.TypeJobCompleted
	if final == job.StatusFailed {
		terminalType = events.TypeJobFailed
	}
	e.publisher.Publish(events.New(terminalType, rs.j.ID, events.StatusChange{Status: string(final)}))
	e.logger.Info("job finished", "job_id", rs.j.ID, "status", final,
		"progress", rs.j.ComputeProgress())
	return nil
}

// cancelRun tears the job down after its cancel flag was raised: no new
// work starts, in-flight workers drain, pending activity waiters wake with
// a cancelled result, and every non-terminal unit ends CANCELLED.
func (e *Engine) cancelRun(ctx context.Context, rs *runState, cancelWorkers context.CancelFunc) error {
	e.logger.Info("cancelling job", "job_id", rs.j.ID, "in_flight", rs.inFlight)
	cancelWorkers()
	rs.tracker.CancelAll(ctx)

	for rs.inFlight > 0 {
		res := <-rs.results
		rs.inFlight--
		// Successful work that finished during the drain still counts;
		// failures caused by the teardown are not recorded against units.
		if res.err == nil {
			e.apply(ctx, rs, res)
		} else if res.unitID != "" {
			if u := rs.j.Units[res.unitID]; u != nil {
				u.CurrentPhase = ""
				delete(rs.busy, res.unitID)
			}
		} else {
			delete(rs.globalBusy, res.phaseID)
		}
	}

	for _, u := range rs.j.Units {
		if u.Status.Terminal() {
			continue
		}
		u.Status = job.UnitCancelled
		u.CurrentPhase = ""
		e.saveUnit(ctx, rs.j.ID, u)
		rs.slots.Release(u.UnitID)
	}

	if err := e.persistTerminal(ctx, rs, job.StatusCancelled); err != nil {
		return err
	}
	e.publisher.Publish(events.New(events.TypeJobCancelled, rs.j.ID, events.StatusChange{
		Status: string(job.StatusCancelled),
	}))
	e.logger.Info("job cancelled", "job_id", rs.j.ID)
	return nil
}

// persistTerminal writes the terminal status through a fresh read so
// concurrent resource-tracking writes are not lost.
func (e *Engine) persistTerminal(ctx context.Context, rs *runState, final job.Status) error {
	return e.updateJob(ctx, rs.j.ID, func(j *job.Job) {
		j.Status = final
		j.Errors = append(j.Errors, diffStrings(j.Errors, rs.j.Errors)...)
		now := time.Now().UTC()
		j.CompletedAt = &now
		rs.j.Status = final
		rs.j.CompletedAt = &now
	})
}

// setGlobalStatus records a global phase transition in memory and in Redis.
func (e *Engine) setGlobalStatus(ctx context.Context, rs *runState, phaseID string, st job.PhaseStatus, errMsg string) {
	rs.j.GlobalPhaseStatus[phaseID] = st
	if errMsg != "" {
		rs.j.Errors = append(rs.j.Errors, fmt.Sprintf("phase %s: %s", phaseID, errMsg))
	}
	err := e.updateJob(ctx, rs.j.ID, func(j *job.Job) {
		if j.GlobalPhaseStatus == nil {
			j.GlobalPhaseStatus = make(map[string]job.PhaseStatus)
		}
		j.GlobalPhaseStatus[phaseID] = st
		if errMsg != "" {
			j.Errors = append(j.Errors, fmt.Sprintf("phase %s: %s", phaseID, errMsg))
		}
	})
	if err != nil {
		e.logger.Error("save global phase status", "job_id", rs.j.ID, "phase", phaseID, "error", err)
	}
}

// setGlobalResult stores a completed global phase's outputs.
func (e *Engine) setGlobalResult(ctx context.Context, rs *runState, phaseID string, out phase.Outputs) {
	rs.j.GlobalPhaseStatus[phaseID] = job.PhaseCompleted
	rs.j.GlobalPhaseResults[phaseID] = out
	err := e.updateJob(ctx, rs.j.ID, func(j *job.Job) {
		if j.GlobalPhaseStatus == nil {
			j.GlobalPhaseStatus = make(map[string]job.PhaseStatus)
		}
		if j.GlobalPhaseResults == nil {
			j.GlobalPhaseResults = make(map[string]map[string]any)
		}
		j.GlobalPhaseStatus[phaseID] = job.PhaseCompleted
		j.GlobalPhaseResults[phaseID] = out
	})
	if err != nil {
		e.logger.Error("save global phase result", "job_id", rs.j.ID, "phase", phaseID, "error", err)
	}
}

// updateJob applies a mutation to the stored job blob under the job lock,
// reading fresh first so writes from phase workers (resource tracking) are
// preserved.
func (e *Engine) updateJob(ctx context.Context, jobID string, mutate func(*job.Job)) error {
	unlock, err := e.store.LockJob(ctx, jobID)
	if err != nil {
		return err
	}
	defer unlock()
	j, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	mutate(j)
	return e.store.SaveJob(ctx, j)
}

// readyGlobals returns pending global phases whose dependencies are all
// satisfied. A per-unit dependency of a global phase acts as a barrier: it
// is satisfied once every unit has passed it or gone terminal.
func (e *Engine) readyGlobals(rs *runState) []string {
	var ready []string
	globalCompleted := rs.j.GlobalCompletedSet()
	for _, id := range rs.order {
		st, isGlobal := rs.j.GlobalPhaseStatus[id]
		if !isGlobal || st != job.PhasePending || rs.globalBusy[id] {
			continue
		}
		ok := true
		for _, dep := range rs.graph.Dependencies(id) {
			if _, depGlobal := rs.j.GlobalPhaseStatus[dep]; depGlobal {
				if !globalCompleted[dep] {
					ok = false
					break
				}
				continue
			}
			for _, u := range rs.j.Units {
				if !u.CompletedSet()[dep] && !u.Status.Terminal() {
					ok = false
					break
				}
			}
			if !ok {
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}

// phaseInputs assembles the input map one phase invocation sees: global
// phase outputs in topological order, then the unit's input config, plan,
// and resolved identifiers, then the scheduler-populated fields.
func (e *Engine) phaseInputs(j *job.Job, u *job.UnitMapping) phase.Inputs {
	in := make(phase.Inputs)
	graphOrder := make([]string, 0, len(j.GlobalPhaseResults))
	for id := range j.GlobalPhaseResults {
		graphOrder = append(graphOrder, id)
	}
	sort.Strings(graphOrder)
	for _, id := range graphOrder {
		for k, v := range j.GlobalPhaseResults[id] {
			in[k] = v
		}
	}
	in["options"] = j.Options
	in["input_data"] = j.InputData
	in["venue_id"] = j.VenueID
	if u != nil {
		for k, v := range u.InputConfig {
			in[k] = v
		}
		for k, v := range u.Plan {
			in[k] = v
		}
		for k, v := range u.Resolved {
			in[k] = v
		}
		in["unit_id"] = u.UnitID
		in["unit_number"] = u.UnitNumber
	}
	return in
}

// skipPhase evaluates a phase's skip_if predicate with gjson against the
// job options, input data, and (for per-unit phases) the unit's config and
// plan. A missing or falsy result means the phase runs.
func (e *Engine) skipPhase(p *workflow.PhaseDefinition, j *job.Job, u *job.UnitMapping) bool {
	if p == nil || p.SkipIf == "" {
		return false
	}
	doc := map[string]any{
		"options":    j.Options,
		"input_data": j.InputData,
	}
	if u != nil {
		doc["input_config"] = u.InputConfig
		doc["plan"] = u.Plan
		doc["resolved"] = u.Resolved
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		e.logger.Warn("skip_if marshal", "phase", p.ID, "error", err)
		return false
	}
	res := gjson.GetBytes(raw, p.SkipIf)
	return res.Exists() && res.Bool()
}

func (e *Engine) saveUnit(ctx context.Context, jobID string, u *job.UnitMapping) {
	unlock, err := e.store.LockUnit(ctx, jobID, u.UnitID)
	if err != nil {
		e.logger.Warn("unit lock", "job_id", jobID, "unit_id", u.UnitID, "error", err)
	}
	e.saveUnitLocked(ctx, jobID, u)
	if unlock != nil {
		unlock()
	}
}

func (e *Engine) saveUnitLocked(ctx context.Context, jobID string, u *job.UnitMapping) {
	if err := e.store.SaveUnit(ctx, jobID, u); err != nil {
		e.logger.Error("save unit", "job_id", jobID, "unit_id", u.UnitID, "error", err)
	}
}

// diffStrings returns the entries of want missing from have, preserving
// order.
func diffStrings(have, want []string) []string {
	seen := make(map[string]bool, len(have))
	for _, s := range have {
		seen[s] = true
	}
	var out []string
	for _, s := range want {
		if !seen[s] {
			out = append(out, s)
		}
	}
	return out
}
