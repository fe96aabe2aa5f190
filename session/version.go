package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/c360studio/taskgate/store"
)

// historyCap is the number of retained review-state snapshots.
const historyCap = 20

// IncrVersion atomically increments the session version counter and
// returns the new value.
func (r *Repository) IncrVersion(ctx context.Context, id string) (int64, error) {
	return r.store.HIncrBy(ctx, Key(id, "meta"), FieldVersion, 1)
}

// GetVersion reads the current version counter.
func (r *Repository) GetVersion(ctx context.Context, id string) (int64, error) {
	meta, err := r.GetMeta(ctx, id)
	if err != nil {
		return 0, err
	}
	return meta.Version, nil
}

// CheckVersionMatch compares a client-supplied version against the
// current one. Callers reject stale writes when ok is false.
func (r *Repository) CheckVersionMatch(ctx context.Context, id string, expected int64) (bool, int64, error) {
	current, err := r.GetVersion(ctx, id)
	if err != nil {
		return false, 0, err
	}
	return current == expected, current, nil
}

// SnapshotForHistory copies the current reviews into the capped versions
// list, tagged with the round and timestamp.
func (r *Repository) SnapshotForHistory(ctx context.Context, id string, round int) error {
	reviews, err := r.GetReviews(ctx, id)
	if err != nil {
		return err
	}

	entry := HistoryEntry{
		Round:     round,
		Timestamp: time.Now().UTC(),
		Reviews:   reviews,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}

	return r.store.Pipeline(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, Key(id, "versions"), data)
		pipe.LTrim(ctx, Key(id, "versions"), -historyCap, -1)
		pipe.Expire(ctx, Key(id, "versions"), r.ttl)
		return nil
	})
}

// GetHistory returns retained review-state snapshots, oldest first.
func (r *Repository) GetVersionHistory(ctx context.Context, id string) ([]HistoryEntry, error) {
	raw, err := r.store.LRange(ctx, Key(id, "versions"), 0, -1)
	if err != nil {
		return nil, err
	}
	entries := make([]HistoryEntry, 0, len(raw))
	for _, item := range raw {
		var e HistoryEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ── Acknowledgement ────────────────────────────────────────────────────

// SetAcknowledged stamps the acknowledgement time on a returned task.
func (r *Repository) SetAcknowledged(ctx context.Context, id string) error {
	return r.SetMetaField(ctx, id, FieldAcknowledgedAt, time.Now().UTC().Format(time.RFC3339))
}

// GetAcknowledgedAt returns the acknowledgement timestamp, or zero time
// if the task has not been acknowledged.
func (r *Repository) GetAcknowledgedAt(ctx context.Context, id string) (time.Time, error) {
	v, err := r.store.HGet(ctx, Key(id, "meta"), FieldAcknowledgedAt)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	if v == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse acknowledged_at: %w", err)
	}
	return ts, nil
}

// ClearAcknowledged removes the acknowledgement stamp.
func (r *Repository) ClearAcknowledged(ctx context.Context, id string) error {
	return r.store.HDel(ctx, Key(id, "meta"), FieldAcknowledgedAt)
}
