package engine

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wifientist/rtools2-sub001/internal/config"
	"github.com/wifientist/rtools2-sub001/internal/events"
	"github.com/wifientist/rtools2-sub001/internal/job"
	"github.com/wifientist/rtools2-sub001/internal/phase"
	"github.com/wifientist/rtools2-sub001/internal/phases"
	"github.com/wifientist/rtools2-sub001/internal/ruckus"
	"github.com/wifientist/rtools2-sub001/internal/state"
	"github.com/wifientist/rtools2-sub001/internal/workflow"
)

type testEnv struct {
	eng   *Engine
	fake  *ruckus.Fake
	store *state.Manager
	pub   *events.MemoryPublisher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := config.Default()
	cfg.ActivityPollInterval = 5 * time.Millisecond
	cfg.ActivityTimeoutPolls = 400
	cfg.PhaseRetryBase = time.Millisecond

	fake := ruckus.NewFake()
	store := state.NewManager(rdb)
	pub := events.NewMemoryPublisher()
	workflows := workflow.NewRegistry()
	executors := phase.NewRegistry()
	phases.RegisterAll(workflows, executors)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &testEnv{
		eng:   New(store, fake, pub, workflows, executors, cfg, logger),
		fake:  fake,
		store: store,
		pub:   pub,
	}
}

func unitInput(number, ssid string, aps ...string) map[string]any {
	cfg := map[string]any{
		"unit_number":   number,
		"ssid_name":     ssid,
		"ssid_password": "longenough",
	}
	if len(aps) > 0 {
		ids := make([]any, len(aps))
		for i, a := range aps {
			ids[i] = a
		}
		cfg["ap_identifiers"] = ids
	}
	return cfg
}

// planJob creates and validates a per_unit_psk job, returning its fresh state.
func planJob(t *testing.T, env *testEnv, options map[string]any, units ...map[string]any) *job.Job {
	t.Helper()
	ctx := context.Background()
	raw := make([]any, len(units))
	for i, u := range units {
		raw[i] = u
	}
	j, err := env.eng.CreateJob(ctx, CreateRequest{
		WorkflowName: "per_unit_psk",
		UserID:       "user-1",
		VenueID:      "venue-1",
		TenantID:     "tenant-1",
		Options:      options,
		InputData:    map[string]any{"units": raw},
	})
	require.NoError(t, err)
	require.NoError(t, env.eng.Validate(ctx, j.ID))
	return reload(t, env, j.ID)
}

// provision drives a validated job through confirm and the scheduler loop.
func provision(t *testing.T, env *testEnv, jobID string) *job.Job {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, env.eng.Confirm(ctx, jobID, nil))
	require.NoError(t, env.eng.Run(ctx, jobID))
	return reload(t, env, jobID)
}

func reload(t *testing.T, env *testEnv, jobID string) *job.Job {
	t.Helper()
	j, err := env.store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	return j
}

func TestEngine_HappyPath(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.fake.SeedAPs("venue-1",
		ruckus.AP{Serial: "SN-101", Name: "AP 101"},
		ruckus.AP{Serial: "SN-102", Name: "AP 102"},
	)

	u101 := unitInput("101", "Unit101", "SN-101")
	u101["default_vlan"] = "110"
	u102 := unitInput("102", "Unit102", "SN-102")

	j := planJob(t, env, nil, u101, u102)
	require.Equal(t, job.StatusAwaitingConfirmation, j.Status)
	require.True(t, j.ValidationResult.Valid)

	j = provision(t, env, j.ID)
	assert.Equal(t, job.StatusCompleted, j.Status)
	require.NotNil(t, j.CompletedAt)

	for _, u := range j.Units {
		assert.Equal(t, job.UnitCompleted, u.Status, "unit %s: %+v", u.UnitID, u.PhaseErrors)
		assert.Contains(t, u.CompletedPhases, phases.PhaseActivateNetwork)
		assert.Contains(t, u.CompletedPhases, phases.PhaseAssignAPs)
	}

	assert.Len(t, j.CreatedResources["ap_groups"], 2)
	assert.Len(t, j.CreatedResources["wifi_networks"], 2)
	assert.Len(t, j.CreatedResources["dpsk_pools"], 2)
	assert.Equal(t, 2, env.fake.Calls("AssignAP"))
	assert.Equal(t, 1, env.fake.Calls("SetAPGroupVLAN"), "only unit 101 has a VLAN")
}

func TestEngine_RerunReusesExistingResources(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.fake.SeedAPGroup("venue-1", ruckus.APGroup{ID: "grp-101", Name: "101"})
	env.fake.SeedNetwork("venue-1", ruckus.WifiNetwork{ID: "net-101", Name: "Unit101", SSID: "Unit101"})
	_, err := env.fake.CreateDpskPool(ctx, "venue-1", "Unit101-dpsk", "net-101")
	require.NoError(t, err)
	poolCreates := env.fake.Calls("CreateDpskPool")

	j := planJob(t, env, nil, unitInput("101", "Unit101"))
	require.True(t, j.ValidationResult.Valid)
	assert.Equal(t, 1, j.ValidationResult.Counts["ap_groups_to_reuse"])

	j = provision(t, env, j.ID)
	assert.Equal(t, job.StatusCompleted, j.Status)

	assert.Equal(t, 0, env.fake.Calls("CreateAPGroup"), "resolved group ID must short-circuit")
	assert.Equal(t, 0, env.fake.Calls("CreateNetwork"), "resolved network ID must short-circuit")
	assert.Equal(t, poolCreates, env.fake.Calls("CreateDpskPool"), "resolved pool ID must short-circuit")
	assert.Empty(t, j.CreatedResources)

	u := j.Units["unit-101"]
	require.NotNil(t, u)
	assert.Equal(t, "grp-101", u.Resolved["ap_group_id"])
	assert.Equal(t, "net-101", u.Resolved["network_id"])
}

func TestEngine_PartialFailureIsolatesUnit(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.fake.SeedAPs("venue-1", ruckus.AP{Serial: "SN-102", Name: "AP 102"})

	j := planJob(t, env, nil,
		unitInput("101", "Unit101", "SN-ghost"),
		unitInput("102", "Unit102", "SN-102"),
	)
	// The unknown AP is a warning at plan time, not a blocker.
	require.True(t, j.ValidationResult.Valid)

	j = provision(t, env, j.ID)
	assert.Equal(t, job.StatusPartial, j.Status)

	failed := j.Units["unit-101"]
	require.NotNil(t, failed)
	assert.Equal(t, job.UnitFailed, failed.Status)
	assert.Contains(t, failed.FailedPhases, phases.PhaseAssignAPs)
	assert.Contains(t, failed.PhaseErrors[phases.PhaseAssignAPs], "SN-ghost")

	ok := j.Units["unit-102"]
	require.NotNil(t, ok)
	assert.Equal(t, job.UnitCompleted, ok.Status)

	// The failed unit's group and network were still created before the
	// assignment phase, and only the good unit's AP was moved.
	assert.Equal(t, 2, env.fake.Calls("CreateAPGroup"))
	assert.Equal(t, 1, env.fake.Calls("AssignAP"))
}

func TestEngine_Cancellation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.fake.SeedAPs("venue-1", ruckus.AP{Serial: "SN-101"})
	env.fake.PollsToComplete = 1 << 30 // activation never finishes

	j := planJob(t, env, nil, unitInput("101", "Unit101", "SN-101"))
	ctx := context.Background()
	require.NoError(t, env.eng.Confirm(ctx, j.ID, nil))

	done := make(chan error, 1)
	go func() { done <- env.eng.Run(ctx, j.ID) }()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, env.eng.Cancel(ctx, j.ID))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	j = reload(t, env, j.ID)
	assert.Equal(t, job.StatusCancelled, j.Status)
	require.NotNil(t, j.CompletedAt)
	for _, u := range j.Units {
		assert.Equal(t, job.UnitCancelled, u.Status)
		assert.Empty(t, u.CurrentPhase)
	}
}

func TestEngine_ValidationConflictFailsJob(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.fake.SeedNetwork("venue-1", ruckus.WifiNetwork{Name: "Unit101", SSID: "Different"})

	j := planJob(t, env, nil, unitInput("101", "Unit101"))
	assert.Equal(t, job.StatusFailed, j.Status)
	require.NotNil(t, j.ValidationResult)
	assert.False(t, j.ValidationResult.Valid)
	assert.NotEmpty(t, j.Errors)

	err := env.eng.Confirm(context.Background(), j.ID, nil)
	assert.Error(t, err, "a failed plan must not be confirmable")
}

func TestEngine_SkipDpskOption(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	j := planJob(t, env, map[string]any{"skip_dpsk": true}, unitInput("101", "Unit101"))
	j = provision(t, env, j.ID)

	assert.Equal(t, job.StatusCompleted, j.Status)
	u := j.Units["unit-101"]
	require.NotNil(t, u)
	assert.Contains(t, u.SkippedPhases, phases.PhaseCreateDpskPool)
	assert.Equal(t, 0, env.fake.Calls("CreateDpskPool"))
}

func TestEngine_ConfirmRequiresAwaiting(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	j, err := env.eng.CreateJob(ctx, CreateRequest{
		WorkflowName: "per_unit_psk",
		VenueID:      "venue-1",
		InputData:    map[string]any{"units": []any{}},
	})
	require.NoError(t, err)

	assert.Error(t, env.eng.Confirm(ctx, j.ID, nil), "PENDING jobs cannot be confirmed")
}

func TestEngine_CreateJobUnknownWorkflow(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	_, err := env.eng.CreateJob(context.Background(), CreateRequest{WorkflowName: "ghost"})
	assert.Error(t, err)
}

// Slot-gate scheduling is exercised with a purpose-built workflow whose
// executors record how many units sit between acquire and release at once.

type slotSeed struct{ n int }

func (s *slotSeed) Execute(ctx context.Context, pc *phase.Context, in phase.Inputs) (phase.Outputs, error) {
	units := make(map[string]*job.UnitMapping, s.n)
	for i := 0; i < s.n; i++ {
		id := string(rune('a' + i))
		units["unit-"+id] = &job.UnitMapping{UnitID: "unit-" + id, UnitNumber: id, Status: job.UnitPending}
	}
	return phase.Outputs{
		"units":             units,
		"validation_result": &job.ValidationResult{Valid: true},
	}, nil
}

func (s *slotSeed) Validate(ctx context.Context, pc *phase.Context, in phase.Inputs) (*phase.Validation, error) {
	return &phase.Validation{Valid: true}, nil
}

type slotProbe struct {
	current atomic.Int64
	peak    atomic.Int64
}

func (p *slotProbe) enter() {
	n := p.current.Add(1)
	for {
		prev := p.peak.Load()
		if n <= prev || p.peak.CompareAndSwap(prev, n) {
			return
		}
	}
}

type slotHold struct{ probe *slotProbe }

func (h *slotHold) Execute(ctx context.Context, pc *phase.Context, in phase.Inputs) (phase.Outputs, error) {
	h.probe.enter()
	time.Sleep(10 * time.Millisecond)
	return phase.Outputs{}, nil
}

func (h *slotHold) Validate(ctx context.Context, pc *phase.Context, in phase.Inputs) (*phase.Validation, error) {
	return &phase.Validation{Valid: true}, nil
}

type slotDone struct{ probe *slotProbe }

func (d *slotDone) Execute(ctx context.Context, pc *phase.Context, in phase.Inputs) (phase.Outputs, error) {
	d.probe.current.Add(-1)
	return phase.Outputs{}, nil
}

func (d *slotDone) Validate(ctx context.Context, pc *phase.Context, in phase.Inputs) (*phase.Validation, error) {
	return &phase.Validation{Valid: true}, nil
}

type noopExec struct{}

func (noopExec) Execute(ctx context.Context, pc *phase.Context, in phase.Inputs) (phase.Outputs, error) {
	return phase.Outputs{}, nil
}

func (noopExec) Validate(ctx context.Context, pc *phase.Context, in phase.Inputs) (*phase.Validation, error) {
	return &phase.Validation{Valid: true}, nil
}

type announceExec struct{}

func (announceExec) Execute(ctx context.Context, pc *phase.Context, in phase.Inputs) (phase.Outputs, error) {
	return phase.Outputs{"announce_token": "granted"}, nil
}

func (announceExec) Validate(ctx context.Context, pc *phase.Context, in phase.Inputs) (*phase.Validation, error) {
	return &phase.Validation{Valid: true}, nil
}

type tokenCheck struct {
	runs atomic.Int64
	seen atomic.Int64
}

func (c *tokenCheck) Execute(ctx context.Context, pc *phase.Context, in phase.Inputs) (phase.Outputs, error) {
	c.runs.Add(1)
	if in["announce_token"] == "granted" {
		c.seen.Add(1)
	}
	return phase.Outputs{}, nil
}

func (c *tokenCheck) Validate(ctx context.Context, pc *phase.Context, in phase.Inputs) (*phase.Validation, error) {
	return &phase.Validation{Valid: true}, nil
}

// A global phase in the middle of the DAG publishes outputs that later
// per-unit phases consume. The scheduler snapshots each worker's inputs
// before launch, so every unit phase started after the handoff sees the
// published value.
func TestEngine_GlobalHandoffFeedsLaterUnitPhases(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	check := &tokenCheck{}
	workflows := workflow.NewRegistry()
	workflows.Register(&workflow.Definition{
		Name:          "handoff",
		ValidatePhase: "seed",
		Phases: []workflow.PhaseDefinition{
			{ID: "seed", Name: "Seed"},
			{ID: "collect", Name: "Collect", PerUnit: true, DependsOn: []string{"seed"}},
			{ID: "announce", Name: "Announce", DependsOn: []string{"collect"}},
			{ID: "apply", Name: "Apply", PerUnit: true, DependsOn: []string{"announce"}},
		},
	})
	executors := phase.NewRegistry()
	executors.Register("seed", &slotSeed{n: 4})
	executors.Register("collect", noopExec{})
	executors.Register("announce", announceExec{})
	executors.Register("apply", check)

	eng := New(state.NewManager(rdb), ruckus.NewFake(), events.NewMemoryPublisher(),
		workflows, executors, config.Default(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx := context.Background()
	j, err := eng.CreateJob(ctx, CreateRequest{WorkflowName: "handoff", VenueID: "venue-1"})
	require.NoError(t, err)
	require.NoError(t, eng.Validate(ctx, j.ID))
	require.NoError(t, eng.Run(ctx, j.ID))

	final, err := eng.store.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, final.Status)
	assert.Equal(t, int64(4), check.runs.Load())
	assert.Equal(t, int64(4), check.seen.Load(), "every apply invocation must see the announced output")
}

type globalHold struct{ probe *slotProbe }

func (h *globalHold) Execute(ctx context.Context, pc *phase.Context, in phase.Inputs) (phase.Outputs, error) {
	h.probe.enter()
	time.Sleep(20 * time.Millisecond)
	h.probe.current.Add(-1)
	return phase.Outputs{}, nil
}

func (h *globalHold) Validate(ctx context.Context, pc *phase.Context, in phase.Inputs) (*phase.Validation, error) {
	return &phase.Validation{Valid: true}, nil
}

// Independent ready global phases still run one at a time, in topological
// order, never concurrently with each other.
func TestEngine_GlobalPhasesRunSequentially(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	probe := &slotProbe{}
	workflows := workflow.NewRegistry()
	workflows.Register(&workflow.Definition{
		Name:          "dual_global",
		ValidatePhase: "seed",
		Phases: []workflow.PhaseDefinition{
			{ID: "seed", Name: "Seed"},
			{ID: "left", Name: "Left", DependsOn: []string{"seed"}},
			{ID: "right", Name: "Right", DependsOn: []string{"seed"}},
		},
	})
	executors := phase.NewRegistry()
	executors.Register("seed", &slotSeed{n: 2})
	executors.Register("left", &globalHold{probe: probe})
	executors.Register("right", &globalHold{probe: probe})

	eng := New(state.NewManager(rdb), ruckus.NewFake(), events.NewMemoryPublisher(),
		workflows, executors, config.Default(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx := context.Background()
	j, err := eng.CreateJob(ctx, CreateRequest{WorkflowName: "dual_global", VenueID: "venue-1"})
	require.NoError(t, err)
	require.NoError(t, eng.Validate(ctx, j.ID))
	require.NoError(t, eng.Run(ctx, j.ID))

	final, err := eng.store.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, final.Status)
	assert.Equal(t, job.PhaseCompleted, final.GlobalPhaseStatus["left"])
	assert.Equal(t, job.PhaseCompleted, final.GlobalPhaseStatus["right"])
	assert.Equal(t, int64(1), probe.peak.Load(), "global phases overlapped")
}

func TestEngine_ConfirmExcludesUnits(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	j := planJob(t, env, nil,
		unitInput("101", "Unit101"),
		unitInput("102", "Unit102"),
	)
	require.Equal(t, job.StatusAwaitingConfirmation, j.Status)

	require.NoError(t, env.eng.Confirm(ctx, j.ID, []string{"101"}))
	require.NoError(t, env.eng.Run(ctx, j.ID))

	j = reload(t, env, j.ID)
	assert.Equal(t, job.StatusCompleted, j.Status, "skipped units do not count against the outcome")

	skipped := j.Units["unit-101"]
	require.NotNil(t, skipped)
	assert.Equal(t, job.UnitSkipped, skipped.Status)
	assert.Empty(t, skipped.CompletedPhases, "an excluded unit must not run any phase")

	ran := j.Units["unit-102"]
	require.NotNil(t, ran)
	assert.Equal(t, job.UnitCompleted, ran.Status)

	assert.Equal(t, 1, env.fake.Calls("CreateAPGroup"), "only the confirmed unit provisions resources")
	assert.Equal(t, 1, env.fake.Calls("CreateNetwork"))
}

type failExec struct{}

func (failExec) Execute(ctx context.Context, pc *phase.Context, in phase.Inputs) (phase.Outputs, error) {
	return nil, phase.Errorf(phase.KindUpstream, false, "upstream rejected the request")
}

func (failExec) Validate(ctx context.Context, pc *phase.Context, in phase.Inputs) (*phase.Validation, error) {
	return &phase.Validation{Valid: true}, nil
}

// When a critical global phase fails, units whose per-unit phases never ran
// end CANCELLED, not COMPLETED, and the job fails.
func TestEngine_CriticalGlobalFailureCancelsUnits(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	workflows := workflow.NewRegistry()
	workflows.Register(&workflow.Definition{
		Name:          "staged",
		ValidatePhase: "seed",
		Phases: []workflow.PhaseDefinition{
			{ID: "seed", Name: "Seed"},
			{ID: "stage", Name: "Stage", DependsOn: []string{"seed"}, Critical: true},
			{ID: "work", Name: "Work", PerUnit: true, DependsOn: []string{"stage"}},
		},
	})
	executors := phase.NewRegistry()
	executors.Register("seed", &slotSeed{n: 2})
	executors.Register("stage", failExec{})
	executors.Register("work", noopExec{})

	eng := New(state.NewManager(rdb), ruckus.NewFake(), events.NewMemoryPublisher(),
		workflows, executors, config.Default(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx := context.Background()
	j, err := eng.CreateJob(ctx, CreateRequest{WorkflowName: "staged", VenueID: "venue-1"})
	require.NoError(t, err)
	require.NoError(t, eng.Validate(ctx, j.ID))
	require.NoError(t, eng.Run(ctx, j.ID))

	final, err := eng.store.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, final.Status)
	assert.NotEmpty(t, final.Errors)
	require.Len(t, final.Units, 2)
	for _, u := range final.Units {
		assert.Equal(t, job.UnitCancelled, u.Status,
			"unit %s with unrun phases must not report COMPLETED", u.UnitID)
	}
}

func TestEngine_ActivationSlotBound(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	const slots = 2
	probe := &slotProbe{}

	workflows := workflow.NewRegistry()
	workflows.Register(&workflow.Definition{
		Name:               "slot_probe",
		ValidatePhase:      "seed",
		MaxActivationSlots: slots,
		Phases: []workflow.PhaseDefinition{
			{ID: "seed", Name: "Seed"},
			{ID: "hold", Name: "Hold", PerUnit: true, DependsOn: []string{"seed"},
				ActivationSlot: workflow.SlotAcquire},
			{ID: "done", Name: "Done", PerUnit: true, DependsOn: []string{"hold"},
				ActivationSlot: workflow.SlotRelease},
		},
	})
	executors := phase.NewRegistry()
	executors.Register("seed", &slotSeed{n: 6})
	executors.Register("hold", &slotHold{probe: probe})
	executors.Register("done", &slotDone{probe: probe})

	cfg := config.Default()
	cfg.ActivityPollInterval = 5 * time.Millisecond
	eng := New(state.NewManager(rdb), ruckus.NewFake(), events.NewMemoryPublisher(),
		workflows, executors, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx := context.Background()
	j, err := eng.CreateJob(ctx, CreateRequest{WorkflowName: "slot_probe", VenueID: "venue-1"})
	require.NoError(t, err)
	require.NoError(t, eng.Validate(ctx, j.ID))
	require.NoError(t, eng.Run(ctx, j.ID))

	final, err := eng.store.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, final.Status)
	assert.Len(t, final.Units, 6)
	assert.LessOrEqual(t, probe.peak.Load(), int64(slots),
		"units between acquire and release exceeded the slot bound")
	assert.Greater(t, probe.peak.Load(), int64(0))
}
