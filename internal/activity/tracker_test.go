package activity

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wifientist/rtools2-sub001/internal/ruckus"
	"github.com/wifientist/rtools2-sub001/internal/state"
)

func testStore(t *testing.T) *state.Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return state.NewManager(rdb)
}

func mintActivity(t *testing.T, fake *ruckus.Fake) string {
	t.Helper()
	id, err := fake.ActivateNetwork(context.Background(), "venue-1", "net-1", "grp-1")
	require.NoError(t, err)
	return id
}

func TestTracker_WaitSuccess(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fake := ruckus.NewFake()
	tr := NewTracker("job-1", fake, testStore(t), WithPollInterval(10*time.Millisecond))

	id := mintActivity(t, fake)
	require.NoError(t, tr.Register(ctx, "unit-101", "activate_network", id))
	tr.Start(ctx)
	defer tr.Stop()

	res := tr.Wait(ctx, id)
	assert.True(t, res.Success)
	assert.Empty(t, res.Error)

	pending, err := tr.store.PendingActivities(ctx, "job-1")
	require.NoError(t, err)
	assert.Empty(t, pending, "terminal activities leave the pending set")
}

func TestTracker_WaitFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fake := ruckus.NewFake()
	fake.FailActivities = true
	tr := NewTracker("job-1", fake, testStore(t), WithPollInterval(10*time.Millisecond))

	id := mintActivity(t, fake)
	require.NoError(t, tr.Register(ctx, "unit-101", "activate_network", id))
	tr.Start(ctx)
	defer tr.Stop()

	res := tr.Wait(ctx, id)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "failed")
}

func TestTracker_SlowActivityNeedsMultiplePolls(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fake := ruckus.NewFake()
	fake.PollsToComplete = 3
	tr := NewTracker("job-1", fake, testStore(t), WithPollInterval(5*time.Millisecond))

	id := mintActivity(t, fake)
	require.NoError(t, tr.Register(ctx, "unit-101", "activate_network", id))
	tr.Start(ctx)
	defer tr.Stop()

	res := tr.Wait(ctx, id)
	assert.True(t, res.Success)
	assert.GreaterOrEqual(t, fake.Calls("Activities"), 3)
}

func TestTracker_Timeout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fake := ruckus.NewFake()
	fake.PollsToComplete = 1000 // never completes within the test
	tr := NewTracker("job-1", fake, testStore(t),
		WithPollInterval(5*time.Millisecond),
		WithTimeout(time.Nanosecond))

	id := mintActivity(t, fake)
	require.NoError(t, tr.Register(ctx, "unit-101", "activate_network", id))
	tr.Start(ctx)
	defer tr.Stop()

	res := tr.Wait(ctx, id)
	assert.False(t, res.Success)
	assert.True(t, res.TimedOut)
}

func TestTracker_ResultParkedBeforeWait(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fake := ruckus.NewFake()
	tr := NewTracker("job-1", fake, testStore(t), WithPollInterval(5*time.Millisecond))

	id := mintActivity(t, fake)
	require.NoError(t, tr.Register(ctx, "unit-101", "activate_network", id))
	tr.Start(ctx)
	defer tr.Stop()

	// Let the poller resolve the activity before anyone waits on it.
	require.Eventually(t, func() bool {
		pending, err := tr.store.PendingActivities(ctx, "job-1")
		return err == nil && len(pending) == 0
	}, time.Second, 5*time.Millisecond)

	res := tr.Wait(ctx, id)
	assert.True(t, res.Success, "parked result must still reach the waiter")
}

func TestTracker_CancelAllWakesWaiters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fake := ruckus.NewFake()
	fake.PollsToComplete = 1000
	tr := NewTracker("job-1", fake, testStore(t), WithPollInterval(time.Hour))

	id := mintActivity(t, fake)
	require.NoError(t, tr.Register(ctx, "unit-101", "activate_network", id))

	got := make(chan Result, 1)
	go func() { got <- tr.Wait(ctx, id) }()

	// Give the waiter time to park before cancelling.
	time.Sleep(20 * time.Millisecond)
	tr.CancelAll(ctx)

	select {
	case res := <-got:
		assert.False(t, res.Success)
		assert.Equal(t, "cancelled", res.Error)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by CancelAll")
	}

	pending, err := tr.store.PendingActivities(ctx, "job-1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestTracker_WaitHonorsContext(t *testing.T) {
	t.Parallel()
	fake := ruckus.NewFake()
	tr := NewTracker("job-1", fake, testStore(t), WithPollInterval(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res := tr.Wait(ctx, "never-resolves")
	assert.False(t, res.Success)
	assert.Equal(t, "cancelled", res.Error)
}
