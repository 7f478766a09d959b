package phase

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/wifientist/rtools2-sub001/internal/events"
	"github.com/wifientist/rtools2-sub001/internal/ruckus"
)

// ItemFailure records one failed parallel-map item.
type ItemFailure struct {
	Item  string `json:"item"`
	Error string `json:"error"`
}

// MapResult aggregates a parallel-map run.
type MapResult struct {
	Succeeded []string      `json:"succeeded"`
	Failed    []ItemFailure `json:"failed"`
}

// MapOptions configures ParallelMap.
type MapOptions struct {
	// MaxConcurrent bounds in-flight items. Zero falls back to the
	// context's configured default, then to 10.
	MaxConcurrent int
	// ItemName labels items in progress events ("ap", "passphrase", ...).
	ItemName string
	// EmitProgress publishes a progress message every ProgressInterval
	// completed items.
	EmitProgress     bool
	ProgressInterval int
}

// ParallelMap applies fn to each item with bounded concurrency. It is the
// sole intra-phase concurrency primitive: phases must not spawn unbounded
// goroutines.
//
// Failures whose error is an upstream "not found" count as success, so
// cascade deletes and re-runs stay idempotent. All other failures are
// recorded per item; the caller decides whether any failure fails the
// phase. Cancellation stops launching new items; in-flight items run to
// completion.
func ParallelMap(ctx context.Context, pc *Context, items []string, fn func(ctx context.Context, item string) error, opts MapOptions) MapResult {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = pc.MapConcurrency
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 10
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 10
	}
	if opts.ItemName == "" {
		opts.ItemName = "item"
	}

	var (
		mu     sync.Mutex
		result MapResult
		done   int
		wg     sync.WaitGroup
	)
	sem := semaphore.NewWeighted(int64(opts.MaxConcurrent))

	for _, item := range items {
		// Cooperative cancellation between launches.
		if ctx.Err() != nil {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(item string) {
			defer wg.Done()
			defer sem.Release(1)

			if pc.Publisher != nil {
				pc.Publisher.Publish(events.New(events.TypeTaskStarted, pc.JobID, events.TaskUpdate{
					PhaseID: pc.PhaseID, UnitID: pc.UnitID, Item: item,
				}))
			}

			err := fn(ctx, item)
			if err != nil && ruckus.IsNotFound(err) {
				err = nil
			}

			mu.Lock()
			if err != nil {
				result.Failed = append(result.Failed, ItemFailure{Item: item, Error: err.Error()})
			} else {
				result.Succeeded = append(result.Succeeded, item)
			}
			done++
			emitProgress := opts.EmitProgress && done%opts.ProgressInterval == 0
			completed := done
			mu.Unlock()

			if pc.Publisher != nil {
				update := events.TaskUpdate{PhaseID: pc.PhaseID, UnitID: pc.UnitID, Item: item}
				if err != nil {
					update.Error = err.Error()
				}
				pc.Publisher.Publish(events.New(events.TypeTaskCompleted, pc.JobID, update))
			}
			if emitProgress {
				pc.Emit(fmt.Sprintf("%d/%d %ss processed", completed, len(items), opts.ItemName), "info", nil)
			}
		}(item)
	}

	wg.Wait()
	return result
}
