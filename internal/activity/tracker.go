// Package activity provides the centralized tracker for upstream
// asynchronous operations. Phases register activity IDs and wait on them;
// one background loop per job coalesces all outstanding IDs into a small
// number of upstream status queries instead of one poll per activity.
package activity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/wifientist/rtools2-sub001/internal/ruckus"
	"github.com/wifientist/rtools2-sub001/internal/state"
)

// Result is delivered to the single waiter of an activity when it
// terminates.
type Result struct {
	Success  bool           `json:"success"`
	TimedOut bool           `json:"timed_out,omitempty"`
	Error    string         `json:"error,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// queryChunk caps how many IDs go into one upstream batch query.
const queryChunk = 50

// maxQueriesInFlight bounds concurrent status queries when the pending set
// spans multiple chunks.
const maxQueriesInFlight = 8

// Tracker coalesces polling for one job's pending activities.
//
// Guarantees: exactly one waiter per activity; registration is idempotent;
// termination fires once; the per-activity timeout is the backstop so no
// activity stays pending forever.
type Tracker struct {
	jobID  string
	client ruckus.Client
	store  *state.Manager
	logger *slog.Logger

	pollInterval time.Duration
	timeout      time.Duration

	mu      sync.Mutex
	waiters map[string]chan Result
	done    map[string]Result // terminal results with no waiter yet

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithPollInterval sets how often the pending set is polled.
func WithPollInterval(d time.Duration) Option {
	return func(t *Tracker) { t.pollInterval = d }
}

// WithTimeout sets the per-activity wall-clock budget. On timeout the
// waiter is woken with TimedOut; the upstream operation is not cancelled.
func WithTimeout(d time.Duration) Option {
	return func(t *Tracker) { t.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

// NewTracker creates a tracker for one job.
func NewTracker(jobID string, client ruckus.Client, store *state.Manager, opts ...Option) *Tracker {
	t := &Tracker{
		jobID:        jobID,
		client:       client,
		store:        store,
		logger:       slog.Default(),
		pollInterval: 3 * time.Second,
		timeout:      180 * time.Second,
		waiters:      make(map[string]chan Result),
		done:         make(map[string]Result),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start launches the background polling loop.
func (t *Tracker) Start(ctx context.Context) {
	t.wg.Add(1)
	go t.loop(ctx)
}

// Stop halts polling and waits for the loop to exit.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.wg.Wait()
}

// Register enrolls an activity into the job's pending set. Must be called
// before Wait. Idempotent.
func (t *Tracker) Register(ctx context.Context, unitID, phaseID, activityID string) error {
	return t.store.AddActivity(ctx, state.ActivityRef{
		ActivityID:  activityID,
		JobID:       t.jobID,
		UnitID:      unitID,
		PhaseID:     phaseID,
		SubmittedAt: time.Now().UTC(),
	})
}

// Wait blocks until the activity terminates, times out, or ctx is
// cancelled. Each activity has exactly one waiter: the result is consumed
// by whoever waits first.
func (t *Tracker) Wait(ctx context.Context, activityID string) Result {
	t.mu.Lock()
	if res, ok := t.done[activityID]; ok {
		delete(t.done, activityID)
		t.mu.Unlock()
		return res
	}
	ch, ok := t.waiters[activityID]
	if !ok {
		ch = make(chan Result, 1)
		t.waiters[activityID] = ch
	}
	t.mu.Unlock()

	select {
	case res := <-ch:
		return res
	case <-ctx.Done():
		return Result{Success: false, Error: "cancelled"}
	}
}

// CancelAll wakes every remaining waiter with a cancelled result and drops
// the job's pending set.
func (t *Tracker) CancelAll(ctx context.Context) {
	refs, err := t.store.PendingActivities(ctx, t.jobID)
	if err != nil {
		t.logger.Warn("cancel: list pending activities", "job_id", t.jobID, "error", err)
	}
	for _, ref := range refs {
		if err := t.store.RemoveActivity(ctx, t.jobID, ref.ActivityID); err != nil {
			t.logger.Warn("cancel: remove activity", "activity_id", ref.ActivityID, "error", err)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for id, ch := range t.waiters {
		ch <- Result{Success: false, Error: "cancelled"}
		delete(t.waiters, id)
	}
}

// deliver signals the activity's waiter, or parks the result if the waiter
// has not arrived yet.
func (t *Tracker) deliver(activityID string, res Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.waiters[activityID]; ok {
		ch <- res
		delete(t.waiters, activityID)
		return
	}
	t.done[activityID] = res
}

func (t *Tracker) loop(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.pollOnce(ctx)
		}
	}
}

// pollOnce snapshots the pending set and resolves terminal and timed-out
// activities.
func (t *Tracker) pollOnce(ctx context.Context) {
	refs, err := t.store.PendingActivities(ctx, t.jobID)
	if err != nil {
		t.logger.Warn("poll: list pending activities", "job_id", t.jobID, "error", err)
		return
	}
	if len(refs) == 0 {
		return
	}

	now := time.Now().UTC()
	byID := make(map[string]state.ActivityRef, len(refs))
	var ids []string
	for _, ref := range refs {
		if t.timeout > 0 && now.Sub(ref.SubmittedAt) > t.timeout {
			t.resolve(ctx, ref.ActivityID, Result{Success: false, TimedOut: true, Error: "activity timed out"})
			continue
		}
		byID[ref.ActivityID] = ref
		ids = append(ids, ref.ActivityID)
	}
	if len(ids) == 0 {
		return
	}

	// One upstream query per chunk, bounded in flight.
	sem := semaphore.NewWeighted(maxQueriesInFlight)
	var wg sync.WaitGroup
	for start := 0; start < len(ids); start += queryChunk {
		end := start + queryChunk
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		wg.Add(1)
		go func(chunk []string) {
			defer wg.Done()
			defer sem.Release(1)
			statuses, err := t.client.Activities(ctx, chunk)
			if err != nil {
				t.logger.Warn("poll: query activities", "count", len(chunk), "error", err)
				return
			}
			for _, st := range statuses {
				if !st.State.Terminal() {
					continue
				}
				res := Result{Success: st.State == ruckus.ActivitySuccess, Error: st.Error, Data: st.Data}
				t.resolve(ctx, st.ID, res)
			}
		}(chunk)
	}
	wg.Wait()
}

// resolve removes the activity from the pending index and wakes its waiter.
func (t *Tracker) resolve(ctx context.Context, activityID string, res Result) {
	if err := t.store.RemoveActivity(ctx, t.jobID, activityID); err != nil {
		t.logger.Warn("remove activity", "activity_id", activityID, "error", err)
	}
	t.deliver(activityID, res)
}
