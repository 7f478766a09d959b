package phase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wifientist/rtools2-sub001/internal/activity"
	"github.com/wifientist/rtools2-sub001/internal/events"
	"github.com/wifientist/rtools2-sub001/internal/job"
	"github.com/wifientist/rtools2-sub001/internal/ruckus"
	"github.com/wifientist/rtools2-sub001/internal/state"
)

// Context is the helper surface a phase executes against. One Context is
// built per phase invocation; for per-unit phases UnitID and UnitNumber
// identify the current unit.
type Context struct {
	JobID      string
	VenueID    string
	TenantID   string
	PhaseID    string
	UnitID     string
	UnitNumber string

	Options map[string]any

	// MapConcurrency is the configured default bound for ParallelMap when
	// the caller does not set MapOptions.MaxConcurrent.
	MapConcurrency int

	Client    ruckus.Client
	Store     *state.Manager
	Publisher events.Publisher
	Tracker   *activity.Tracker
	Logger    *slog.Logger
}

// RegisterActivity enrolls an upstream activity ID into the job's pending
// set. Must precede WaitForActivity.
func (pc *Context) RegisterActivity(ctx context.Context, activityID string) error {
	return pc.Tracker.Register(ctx, pc.UnitID, pc.PhaseID, activityID)
}

// WaitForActivity suspends until the tracker reports the activity
// terminal. Each activity ID is consumed by exactly one waiter.
func (pc *Context) WaitForActivity(ctx context.Context, activityID string) activity.Result {
	return pc.Tracker.Wait(ctx, activityID)
}

// FireAndWait registers an activity and waits for its result.
func (pc *Context) FireAndWait(ctx context.Context, activityID string) (activity.Result, error) {
	if err := pc.RegisterActivity(ctx, activityID); err != nil {
		return activity.Result{}, fmt.Errorf("register activity %s: %w", activityID, err)
	}
	return pc.WaitForActivity(ctx, activityID), nil
}

// AwaitActivity is the common phase pattern: fire-and-wait, then convert a
// non-success result into a phase error (timeouts are retryable).
func (pc *Context) AwaitActivity(ctx context.Context, activityID, what string) error {
	res, err := pc.FireAndWait(ctx, activityID)
	if err != nil {
		return Errorf(KindInternal, false, "%s: %v", what, err)
	}
	if res.TimedOut {
		return Errorf(KindTimeout, true, "%s: activity %s timed out", what, activityID)
	}
	if !res.Success {
		return Errorf(KindUpstream, false, "%s: %s", what, res.Error)
	}
	return nil
}

// TrackResource appends a created-resource record to the job under the job
// lock so concurrent workers never lose writes.
func (pc *Context) TrackResource(ctx context.Context, resourceType string, rec job.CreatedResource) error {
	unlock, err := pc.Store.LockJob(ctx, pc.JobID)
	if err != nil {
		return fmt.Errorf("track resource: %w", err)
	}
	defer unlock()

	j, err := pc.Store.GetJob(ctx, pc.JobID)
	if err != nil {
		return fmt.Errorf("track resource: %w", err)
	}
	if rec.UnitID == "" {
		rec.UnitID = pc.UnitID
	}
	j.TrackResource(resourceType, rec)
	return pc.Store.SaveJob(ctx, j)
}

// Emit publishes a status message event and logs it.
func (pc *Context) Emit(message, level string, details any) {
	pc.Publisher.Publish(events.New(events.TypeMessage, pc.JobID, events.Message{
		Level:   level,
		Text:    message,
		PhaseID: pc.PhaseID,
		UnitID:  pc.UnitID,
		Details: details,
	}))
	switch level {
	case "error":
		pc.Logger.Error(message, "job_id", pc.JobID, "phase", pc.PhaseID, "unit", pc.UnitID)
	case "warning":
		pc.Logger.Warn(message, "job_id", pc.JobID, "phase", pc.PhaseID, "unit", pc.UnitID)
	default:
		pc.Logger.Info(message, "job_id", pc.JobID, "phase", pc.PhaseID, "unit", pc.UnitID)
	}
}
