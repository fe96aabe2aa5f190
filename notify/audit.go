package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/taskgate/session"
	"github.com/c360studio/taskgate/store"
)

// globalAuditKey is the admin-facing mirror of all session audit entries.
const globalAuditKey = "audit:global"

// globalAuditCap bounds the global mirror.
const globalAuditCap = 1000

// AuditEntry is one append-only action record.
type AuditEntry struct {
	Timestamp time.Time      `json:"ts"`
	SessionID string         `json:"session_id"`
	Action    string         `json:"action"`
	Actor     string         `json:"actor"`
	Details   map[string]any `json:"details,omitempty"`
}

// Audit writes the per-session action log plus a capped global mirror.
// Entries are written synchronously on state transitions; failures are
// logged by callers but do not roll the transition back.
type Audit struct {
	store  *store.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewAudit creates the audit service. ttl matches the session lifetime.
func NewAudit(st *store.Client, ttl time.Duration, logger *slog.Logger) *Audit {
	if logger == nil {
		logger = slog.Default()
	}
	return &Audit{store: st, ttl: ttl, logger: logger}
}

// Record appends an entry to the session's audit log and the global
// mirror.
func (a *Audit) Record(ctx context.Context, sessionID, action, actor string, details map[string]any) error {
	entry := AuditEntry{
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		Action:    action,
		Actor:     actor,
		Details:   details,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	key := session.Key(sessionID, "audit")
	if err := a.store.RPush(ctx, key, data); err != nil {
		return err
	}
	if err := a.store.Expire(ctx, key, a.ttl); err != nil {
		a.logger.Warn("Audit TTL refresh failed", slog.String("session", sessionID), slog.String("error", err.Error()))
	}

	// Global mirror is best effort.
	if err := a.store.LPush(ctx, globalAuditKey, data); err != nil {
		a.logger.Warn("Global audit mirror failed", slog.String("error", err.Error()))
	} else if err := a.store.LTrim(ctx, globalAuditKey, 0, globalAuditCap-1); err != nil {
		a.logger.Warn("Global audit trim failed", slog.String("error", err.Error()))
	}
	return nil
}

// List returns the session's audit entries, oldest first.
func (a *Audit) List(ctx context.Context, sessionID string) ([]AuditEntry, error) {
	raw, err := a.store.LRange(ctx, session.Key(sessionID, "audit"), 0, -1)
	if err != nil {
		return nil, err
	}
	entries := make([]AuditEntry, 0, len(raw))
	for _, item := range raw {
		var e AuditEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ListGlobal returns the newest entries of the global mirror.
func (a *Audit) ListGlobal(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 || limit > globalAuditCap {
		limit = globalAuditCap
	}
	raw, err := a.store.LRange(ctx, globalAuditKey, 0, int64(limit-1))
	if err != nil {
		return nil, err
	}
	entries := make([]AuditEntry, 0, len(raw))
	for _, item := range raw {
		var e AuditEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}
