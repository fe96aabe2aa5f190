// Package events provides per-task presence tracking and the append-only
// event log that backs live client streams.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/c360studio/taskgate/session"
	"github.com/c360studio/taskgate/store"
)

// PresenceInfo describes one live viewer of a task.
type PresenceInfo struct {
	Role      string    `json:"role"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}

// Presence tracks the per-task viewer set. Clients heartbeat at a
// cadence shorter than the TTL; a silent viewer ages out with the hash.
type Presence struct {
	store  *store.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewPresence creates the presence tracker.
func NewPresence(st *store.Client, ttl time.Duration, logger *slog.Logger) *Presence {
	if logger == nil {
		logger = slog.Default()
	}
	return &Presence{store: st, ttl: ttl, logger: logger}
}

// Set records a viewer on a task and refreshes the presence TTL.
func (p *Presence) Set(ctx context.Context, id, user, role, action string) error {
	info := PresenceInfo{Role: role, Action: action, Timestamp: time.Now().UTC()}
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}

	key := session.Key(id, "presence")
	if err := p.store.HSet(ctx, key, user, data); err != nil {
		return err
	}
	return p.store.Expire(ctx, key, p.ttl)
}

// Get returns the live viewers of a task.
func (p *Presence) Get(ctx context.Context, id string) (map[string]PresenceInfo, error) {
	fields, err := p.store.HGetAll(ctx, session.Key(id, "presence"))
	if err != nil {
		return nil, err
	}
	viewers := make(map[string]PresenceInfo, len(fields))
	for user, raw := range fields {
		var info PresenceInfo
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			p.logger.Warn("Skipping malformed presence entry", slog.String("session", id), slog.String("user", user))
			continue
		}
		viewers[user] = info
	}
	return viewers, nil
}

// Remove drops one viewer from a task.
func (p *Presence) Remove(ctx context.Context, id, user string) error {
	return p.store.HDel(ctx, session.Key(id, "presence"), user)
}
