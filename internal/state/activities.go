package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ActivityRef identifies one pending upstream asynchronous operation. Refs
// live in the global pending hash and the owning job's set until terminal.
type ActivityRef struct {
	ActivityID  string    `json:"activity_id"`
	JobID       string    `json:"job_id"`
	UnitID      string    `json:"unit_id,omitempty"`
	PhaseID     string    `json:"phase_id"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// AddActivity enrolls a pending activity. Idempotent: re-adding the same
// ID overwrites the ref.
func (m *Manager) AddActivity(ctx context.Context, ref ActivityRef) error {
	if ref.SubmittedAt.IsZero() {
		ref.SubmittedAt = time.Now().UTC()
	}
	data, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("marshal activity ref: %w", err)
	}
	pipe := m.rdb.TxPipeline()
	pipe.HSet(ctx, pendingActivitiesKey, ref.ActivityID, data)
	pipe.SAdd(ctx, jobActivitiesKey(ref.JobID), ref.ActivityID)
	pipe.Expire(ctx, jobActivitiesKey(ref.JobID), m.jobTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add activity %s: %w", ref.ActivityID, err)
	}
	return nil
}

// RemoveActivity drops a terminal activity from the pending index.
func (m *Manager) RemoveActivity(ctx context.Context, jobID, activityID string) error {
	pipe := m.rdb.TxPipeline()
	pipe.HDel(ctx, pendingActivitiesKey, activityID)
	pipe.SRem(ctx, jobActivitiesKey(jobID), activityID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove activity %s: %w", activityID, err)
	}
	return nil
}

// PendingActivities returns the pending refs for one job.
func (m *Manager) PendingActivities(ctx context.Context, jobID string) ([]ActivityRef, error) {
	ids, err := m.rdb.SMembers(ctx, jobActivitiesKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("pending activities for %s: %w", jobID, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	raw, err := m.rdb.HMGet(ctx, pendingActivitiesKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("pending activity refs: %w", err)
	}
	var out []ActivityRef
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			continue // removed between SMEMBERS and HMGET
		}
		var ref ActivityRef
		if err := json.Unmarshal([]byte(s), &ref); err != nil {
			return nil, fmt.Errorf("unmarshal activity ref: %w", err)
		}
		out = append(out, ref)
	}
	return out, nil
}
