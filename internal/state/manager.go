// Package state persists all engine runtime state in Redis so workers are
// stateless and restarts are safe. Jobs are stored as a JSON blob plus one
// authoritative key per unit; distributed locks serialize job-level and
// unit-level mutations across workers.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wifientist/rtools2-sub001/internal/job"
)

// ErrNotFound is returned when a job or unit does not exist.
var ErrNotFound = errors.New("not found")

// Manager is the Redis-backed state store.
type Manager struct {
	rdb    *redis.Client
	logger *slog.Logger

	jobTTL      time.Duration
	jobLockTTL  time.Duration
	unitLockTTL time.Duration
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithTTLs overrides the job persistence TTL and lock TTLs.
func WithTTLs(jobTTL, jobLockTTL, unitLockTTL time.Duration) ManagerOption {
	return func(m *Manager) {
		m.jobTTL = jobTTL
		m.jobLockTTL = jobLockTTL
		m.unitLockTTL = unitLockTTL
	}
}

// WithManagerLogger sets the logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a state manager on an existing Redis client.
func NewManager(rdb *redis.Client, opts ...ManagerOption) *Manager {
	m := &Manager{
		rdb:         rdb,
		logger:      slog.Default(),
		jobTTL:      7 * 24 * time.Hour,
		jobLockTTL:  5 * time.Minute,
		unitLockTTL: time.Minute,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open connects to Redis from a URL and verifies the connection.
func Open(ctx context.Context, redisURL string, opts ...ManagerOption) (*Manager, error) {
	ropts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(ropts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewManager(rdb, opts...), nil
}

// Close releases the Redis connection.
func (m *Manager) Close() error {
	return m.rdb.Close()
}

// Ping verifies the Redis connection is alive.
func (m *Manager) Ping(ctx context.Context) error {
	return m.rdb.Ping(ctx).Err()
}

// SaveJob writes the whole job blob with the configured TTL and maintains
// the created-at index, venue index, and active set.
func (m *Manager) SaveJob(ctx context.Context, j *job.Job) error {
	j.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", j.ID, err)
	}

	pipe := m.rdb.TxPipeline()
	pipe.Set(ctx, jobKey(j.ID), data, m.jobTTL)
	pipe.ZAdd(ctx, jobsIndexKey, redis.Z{Score: float64(j.CreatedAt.UnixMilli()), Member: j.ID})
	if j.VenueID != "" {
		pipe.SAdd(ctx, jobsByVenueKey(j.VenueID), j.ID)
	}
	if j.Status.Terminal() {
		pipe.SRem(ctx, jobsActiveKey, j.ID)
	} else {
		pipe.SAdd(ctx, jobsActiveKey, j.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save job %s: %w", j.ID, err)
	}
	return nil
}

// SaveUnit writes one unit under its own key so concurrent workers can
// mutate different units without contention.
func (m *Manager) SaveUnit(ctx context.Context, jobID string, u *job.UnitMapping) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal unit %s: %w", u.UnitID, err)
	}
	if err := m.rdb.Set(ctx, unitKey(jobID, u.UnitID), data, m.jobTTL).Err(); err != nil {
		return fmt.Errorf("save unit %s/%s: %w", jobID, u.UnitID, err)
	}
	return nil
}

// GetUnit reads one unit's authoritative state.
func (m *Manager) GetUnit(ctx context.Context, jobID, unitID string) (*job.UnitMapping, error) {
	data, err := m.rdb.Get(ctx, unitKey(jobID, unitID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("unit %s/%s: %w", jobID, unitID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get unit %s/%s: %w", jobID, unitID, err)
	}
	var u job.UnitMapping
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("unmarshal unit %s/%s: %w", jobID, unitID, err)
	}
	return &u, nil
}

// GetJob reassembles a fresh job view: the job blob overlaid with the
// authoritative per-unit keys.
func (m *Manager) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	data, err := m.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	var j job.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", jobID, err)
	}
	// Empty maps are dropped by omitempty on save; callers expect them
	// writable.
	if j.Units == nil {
		j.Units = make(map[string]*job.UnitMapping)
	}
	if j.GlobalPhaseStatus == nil {
		j.GlobalPhaseStatus = make(map[string]job.PhaseStatus)
	}
	if j.GlobalPhaseResults == nil {
		j.GlobalPhaseResults = make(map[string]map[string]any)
	}

	// Overlay per-unit keys over the blob's snapshot.
	var cursor uint64
	for {
		keys, next, err := m.rdb.Scan(ctx, cursor, unitKeyPattern(jobID), 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan units for job %s: %w", jobID, err)
		}
		for _, key := range keys {
			if strings.HasSuffix(key, ":lock") {
				continue
			}
			raw, err := m.rdb.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("get unit key %s: %w", key, err)
			}
			var u job.UnitMapping
			if err := json.Unmarshal(raw, &u); err != nil {
				return nil, fmt.Errorf("unmarshal unit key %s: %w", key, err)
			}
			j.Units[u.UnitID] = &u
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return &j, nil
}

// ListJobs returns jobs newest-first. Empty filters match everything.
func (m *Manager) ListJobs(ctx context.Context, venueID, userID, workflowName string, status job.Status) ([]*job.Job, error) {
	ids, err := m.rdb.ZRevRange(ctx, jobsIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	var out []*job.Job
	for _, id := range ids {
		j, err := m.GetJob(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue // expired blob, index entry not yet cleaned
		}
		if err != nil {
			return nil, err
		}
		if venueID != "" && j.VenueID != venueID {
			continue
		}
		if userID != "" && j.UserID != userID {
			continue
		}
		if workflowName != "" && j.WorkflowName != workflowName {
			continue
		}
		if status != "" && j.Status != status {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

// DeleteJob hard-deletes a job, its units, and its index entries.
func (m *Manager) DeleteJob(ctx context.Context, jobID string) error {
	j, err := m.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	keys := []string{jobKey(jobID), jobLockKey(jobID), cancelKey(jobID), jobActivitiesKey(jobID)}
	for unitID := range j.Units {
		keys = append(keys, unitKey(jobID, unitID), unitLockKey(jobID, unitID))
	}

	pipe := m.rdb.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.ZRem(ctx, jobsIndexKey, jobID)
	pipe.SRem(ctx, jobsActiveKey, jobID)
	if j.VenueID != "" {
		pipe.SRem(ctx, jobsByVenueKey(j.VenueID), jobID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	return nil
}

// CleanupExpiredJobs removes index entries whose job blobs have expired.
// TTL handles the blobs themselves; this sweeps the sorted-set index.
func (m *Manager) CleanupExpiredJobs(ctx context.Context) (int, error) {
	ids, err := m.rdb.ZRange(ctx, jobsIndexKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	removed := 0
	for _, id := range ids {
		exists, err := m.rdb.Exists(ctx, jobKey(id)).Result()
		if err != nil {
			return removed, err
		}
		if exists == 0 {
			pipe := m.rdb.TxPipeline()
			pipe.ZRem(ctx, jobsIndexKey, id)
			pipe.SRem(ctx, jobsActiveKey, id)
			if _, err := pipe.Exec(ctx); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

// SetCancelled raises the job's cancel flag. Idempotent.
func (m *Manager) SetCancelled(ctx context.Context, jobID string) error {
	if err := m.rdb.Set(ctx, cancelKey(jobID), "1", m.jobTTL).Err(); err != nil {
		return fmt.Errorf("set cancelled %s: %w", jobID, err)
	}
	return nil
}

// IsCancelled reads the job's cancel flag.
func (m *Manager) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	v, err := m.rdb.Get(ctx, cancelKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get cancelled %s: %w", jobID, err)
	}
	return v == "1", nil
}

// Publish sends a message to the given pub/sub channel.
func (m *Manager) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := m.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a pub/sub subscription on the given channels. Callers
// must Close the returned subscription.
func (m *Manager) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return m.rdb.Subscribe(ctx, channels...)
}
