// Package notify provides per-user notification lists and the per-task
// audit trail.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/c360studio/taskgate/store"
)

// Notification types emitted by state transitions.
const (
	TypeTaskSubmitted   = "task_submitted"
	TypeTaskReturned    = "task_returned"
	TypeTaskApproved    = "task_approved"
	TypeTaskRejected    = "task_rejected"
	TypeTaskEscalated   = "task_escalated"
	TypeTaskResubmitted = "task_resubmitted"
)

// Notification is one entry of a user's notification list.
type Notification struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	SessionID     string    `json:"session_id"`
	TaskDisplayID string    `json:"task_display_id,omitempty"`
	Message       string    `json:"message"`
	Timestamp     time.Time `json:"timestamp"`
	Read          bool      `json:"read"`
}

// Notifier manages capped, TTL'd per-user notification lists, keyed by
// email and independent of session lifetime.
type Notifier struct {
	store  *store.Client
	cap    int
	ttl    time.Duration
	logger *slog.Logger
}

// NewNotifier creates the notification service.
func NewNotifier(st *store.Client, cap int, ttl time.Duration, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{store: st, cap: cap, ttl: ttl, logger: logger}
}

func notifKey(email string) string {
	return "notif:" + email
}

// Push prepends a notification, trims to the cap, and refreshes the TTL.
// A missing id gets a generated one.
func (n *Notifier) Push(ctx context.Context, email string, notif Notification) error {
	if notif.ID == "" {
		notif.ID = uuid.New().String()
	}
	if notif.Timestamp.IsZero() {
		notif.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	key := notifKey(email)
	return n.store.Pipeline(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, int64(n.cap-1))
		pipe.Expire(ctx, key, n.ttl)
		return nil
	})
}

// PushAsync pushes without surfacing failures. Notification delivery
// must never fail the state transition that produced it.
func (n *Notifier) PushAsync(ctx context.Context, email string, notif Notification) {
	if err := n.Push(ctx, email, notif); err != nil {
		n.logger.Warn("Notification push failed",
			slog.String("email", email),
			slog.String("type", notif.Type),
			slog.String("session", notif.SessionID),
			slog.String("error", err.Error()))
	}
}

// List returns a user's notifications, newest first. limit <= 0 returns
// the whole retained window.
func (n *Notifier) List(ctx context.Context, email string, unreadOnly bool, limit int) ([]Notification, error) {
	raw, err := n.store.LRange(ctx, notifKey(email), 0, -1)
	if err != nil {
		return nil, err
	}

	notifs := make([]Notification, 0, len(raw))
	for _, item := range raw {
		var notif Notification
		if err := json.Unmarshal([]byte(item), &notif); err != nil {
			n.logger.Warn("Skipping malformed notification", slog.String("email", email))
			continue
		}
		if unreadOnly && notif.Read {
			continue
		}
		notifs = append(notifs, notif)
		if limit > 0 && len(notifs) >= limit {
			break
		}
	}
	return notifs, nil
}

// UnreadCount returns the number of unread notifications.
func (n *Notifier) UnreadCount(ctx context.Context, email string) (int, error) {
	unread, err := n.List(ctx, email, true, 0)
	if err != nil {
		return 0, err
	}
	return len(unread), nil
}

// MarkOneRead atomically marks one notification as read, in place.
// Returns false if no notification with that id exists.
func (n *Notifier) MarkOneRead(ctx context.Context, email, id string) (bool, error) {
	res, err := n.store.Eval(ctx, store.MarkOneReadScript, []string{notifKey(email)}, id)
	if err != nil {
		return false, err
	}
	found, ok := res.(int64)
	return ok && found == 1, nil
}

// MarkAllRead atomically marks every notification as read. Returns the
// number updated.
func (n *Notifier) MarkAllRead(ctx context.Context, email string) (int, error) {
	res, err := n.store.Eval(ctx, store.MarkAllReadScript, []string{notifKey(email)})
	if err != nil {
		return 0, err
	}
	updated, _ := res.(int64)
	return int(updated), nil
}
