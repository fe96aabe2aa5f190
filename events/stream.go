package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360studio/taskgate/session"
	"github.com/c360studio/taskgate/store"
)

const (
	// streamCap is the approximate retained window of the event log.
	streamCap = 200

	// blockInterval is how long one blocking read waits before the
	// subscription loop re-checks client liveness.
	blockInterval = 2 * time.Second
)

// Terminal event types end a subscription.
const (
	EventComplete = "complete"
	EventError    = "error"
)

// Event is one entry of a session's event log.
type Event struct {
	Type   string `json:"event_type"`
	HuntID string `json:"hunt_id,omitempty"`
	Data   string `json:"data,omitempty"`
}

// StreamEvent is an event with its store-issued monotonic id, the
// canonical order within one session.
type StreamEvent struct {
	ID string `json:"id"`
	Event
}

// Stream publishes and replays per-session events.
type Stream struct {
	store  *store.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewStream creates the event stream service. ttl matches the session
// lifetime so event logs expire with their session.
func NewStream(st *store.Client, ttl time.Duration, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{store: st, ttl: ttl, logger: logger}
}

// Publish appends an event to the session's log, trims to the window,
// and refreshes the log TTL. Returns the issued event id.
func (s *Stream) Publish(ctx context.Context, id string, ev Event) (string, error) {
	key := session.Key(id, "events")
	values := map[string]any{"event_type": ev.Type}
	if ev.HuntID != "" {
		values["hunt_id"] = ev.HuntID
	}
	if ev.Data != "" {
		values["data"] = ev.Data
	}

	eventID, err := s.store.XAdd(ctx, key, values)
	if err != nil {
		return "", err
	}
	if err := s.store.XTrimApprox(ctx, key, streamCap); err != nil {
		s.logger.Warn("Event log trim failed", slog.String("session", id), slog.String("error", err.Error()))
	}
	if err := s.store.Expire(ctx, key, s.ttl); err != nil {
		s.logger.Warn("Event log TTL refresh failed", slog.String("session", id), slog.String("error", err.Error()))
	}
	return eventID, nil
}

// PublishAsync publishes without surfacing failures; event delivery must
// never fail the operation that produced the event.
func (s *Stream) PublishAsync(ctx context.Context, id string, ev Event) {
	if _, err := s.Publish(ctx, id, ev); err != nil {
		s.logger.Warn("Event publish failed",
			slog.String("session", id),
			slog.String("event_type", ev.Type),
			slog.String("error", err.Error()))
	}
}

// Replay returns events after lastID, supplying the gap for a
// reconnecting client.
func (s *Stream) Replay(ctx context.Context, id, lastID string) ([]StreamEvent, error) {
	entries, err := s.store.XRangeAfter(ctx, session.Key(id, "events"), lastID)
	if err != nil {
		return nil, err
	}
	return toStreamEvents(entries), nil
}

// Subscribe delivers events after lastID on the returned channel until a
// terminal event arrives or ctx is cancelled. An empty lastID or
// store.LatestID subscribes from the current tail, delivering only
// events published after the call; a reconnect passes the last received
// id. The tail is resolved to a concrete id before the read loop starts
// so nothing published between reads is skipped.
func (s *Stream) Subscribe(ctx context.Context, id, lastID string) <-chan StreamEvent {
	out := make(chan StreamEvent)
	key := session.Key(id, "events")

	cursor := lastID
	if cursor == "" || cursor == store.LatestID {
		tail, err := s.store.XLastID(ctx, key)
		if err != nil {
			s.logger.Warn("Event tail resolve failed", slog.String("session", id), slog.String("error", err.Error()))
			tail = "0"
		}
		cursor = tail
	}

	go func() {
		defer close(out)

		for {
			entries, err := s.store.XReadBlock(ctx, key, cursor, blockInterval)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("Event subscription read failed", slog.String("session", id), slog.String("error", err.Error()))
				select {
				case <-ctx.Done():
					return
				case <-time.After(blockInterval):
				}
				continue
			}

			for _, ev := range toStreamEvents(entries) {
				cursor = ev.ID
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				if ev.Type == EventComplete || ev.Type == EventError {
					return
				}
			}

			// Detect client disconnect between blocking reads.
			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}()

	return out
}

func toStreamEvents(entries []store.Entry) []StreamEvent {
	out := make([]StreamEvent, 0, len(entries))
	for _, e := range entries {
		out = append(out, StreamEvent{
			ID: e.ID,
			Event: Event{
				Type:   e.Values["event_type"],
				HuntID: e.Values["hunt_id"],
				Data:   e.Values["data"],
			},
		})
	}
	return out
}
