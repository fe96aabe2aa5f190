package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/c360studio/taskgate/store"
)

// ErrNotFound indicates the session does not exist or has expired.
var ErrNotFound = errors.New("session: not found")

// sessionFields is the full key family under one session namespace.
// Used for TTL refresh; EXPIRE on an absent key is a no-op.
var sessionFields = []string{
	"config", "notebook", "status", "meta", "results", "all_results",
	"turns", "history", "reviews", "feedback", "feedback_archive",
	"versions", "events", "audit", "presence",
}

// Key builds the store key for one field of a session.
func Key(id, field string) string {
	return "session:" + id + ":" + field
}

// IDFromKey extracts the session id from a session:* key, or "".
func IDFromKey(key string) string {
	parts := strings.Split(key, ":")
	if len(parts) != 3 || parts[0] != "session" {
		return ""
	}
	return parts[1]
}

// Repository reads and writes the per-task record with field granularity.
type Repository struct {
	store  *store.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRepository creates a session repository. ttl is the session
// lifetime, refreshed on every write.
func NewRepository(st *store.Client, ttl time.Duration, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{store: st, ttl: ttl, logger: logger}
}

// Store exposes the underlying client for collaborating services that
// share the session key family (events, audit, review machine).
func (r *Repository) Store() *store.Client {
	return r.store
}

// TTL returns the configured session lifetime.
func (r *Repository) TTL() time.Duration {
	return r.ttl
}

// Touch refreshes the TTL across the session's key family.
func (r *Repository) Touch(ctx context.Context, id string) error {
	keys := make([]string, len(sessionFields))
	for i, f := range sessionFields {
		keys[i] = Key(id, f)
	}
	return r.store.ExpireMany(ctx, keys, r.ttl)
}

// Create initialises a new session record from an uploaded notebook.
func (r *Repository) Create(ctx context.Context, id string, cfg json.RawMessage, nb *Notebook, trainerEmail string) error {
	nbData, err := json.Marshal(nb)
	if err != nil {
		return fmt.Errorf("marshal notebook: %w", err)
	}

	err = r.store.Pipeline(ctx, func(pipe redis.Pipeliner) error {
		if len(cfg) > 0 {
			pipe.Set(ctx, Key(id, "config"), []byte(cfg), r.ttl)
		}
		pipe.Set(ctx, Key(id, "notebook"), nbData, r.ttl)
		pipe.Set(ctx, Key(id, "status"), ExecPending, r.ttl)
		pipe.HSet(ctx, Key(id, "meta"), map[string]any{
			FieldVersion:      0,
			FieldReviewStatus: StatusDraft,
			FieldReviewRound:  0,
			FieldQCDone:       "false",
			FieldTrainerEmail: trainerEmail,
		})
		pipe.Expire(ctx, Key(id, "meta"), r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("create session %s: %w", id, err)
	}
	return nil
}

// Exists reports whether the session exists.
func (r *Repository) Exists(ctx context.Context, id string) (bool, error) {
	return r.store.Exists(ctx, Key(id, "meta"))
}

// GetFullState returns the composite session view, or ErrNotFound.
func (r *Repository) GetFullState(ctx context.Context, id string) (*FullState, error) {
	meta, err := r.store.HGetAll(ctx, Key(id, "meta"))
	if err != nil {
		return nil, err
	}
	if len(meta) == 0 {
		return nil, ErrNotFound
	}

	state := &FullState{ID: id, Meta: parseMeta(meta)}

	if cfg, err := r.store.Get(ctx, Key(id, "config")); err == nil {
		state.Config = json.RawMessage(cfg)
	}
	if nb, err := r.GetNotebook(ctx, id); err == nil {
		state.Notebook = nb
	}
	if status, err := r.store.Get(ctx, Key(id, "status")); err == nil {
		state.Status = string(status)
	}
	if results, err := r.GetResults(ctx, id); err == nil {
		state.Results = results
	}
	if all, err := r.getResultsList(ctx, Key(id, "all_results")); err == nil {
		state.AllResults = all
	}
	if turns, err := r.GetTurns(ctx, id); err == nil {
		state.Turns = turns
	}
	if history, err := r.GetHistory(ctx, id); err == nil {
		state.History = history
	}
	if reviews, err := r.GetReviews(ctx, id); err == nil {
		state.Reviews = reviews
	}
	if fb, err := r.GetFeedback(ctx, id); err == nil {
		state.Feedback = fb
	}

	return state, nil
}

// ── Notebook / config / status ─────────────────────────────────────────

// SetConfig overwrites the opaque task config.
func (r *Repository) SetConfig(ctx context.Context, id string, cfg json.RawMessage) error {
	return r.store.Set(ctx, Key(id, "config"), []byte(cfg), r.ttl)
}

// SetNotebook overwrites the notebook record.
func (r *Repository) SetNotebook(ctx context.Context, id string, nb *Notebook) error {
	data, err := json.Marshal(nb)
	if err != nil {
		return fmt.Errorf("marshal notebook: %w", err)
	}
	return r.store.Set(ctx, Key(id, "notebook"), data, r.ttl)
}

// GetNotebook reads the notebook record.
func (r *Repository) GetNotebook(ctx context.Context, id string) (*Notebook, error) {
	data, err := r.store.Get(ctx, Key(id, "notebook"))
	if err != nil {
		return nil, err
	}
	var nb Notebook
	if err := json.Unmarshal(data, &nb); err != nil {
		return nil, fmt.Errorf("unmarshal notebook: %w", err)
	}
	return &nb, nil
}

// SetStatus sets the execution status (pending/running/completed/failed).
func (r *Repository) SetStatus(ctx context.Context, id, status string) error {
	return r.store.Set(ctx, Key(id, "status"), []byte(status), r.ttl)
}

// GetStatus reads the execution status.
func (r *Repository) GetStatus(ctx context.Context, id string) (string, error) {
	b, err := r.store.Get(ctx, Key(id, "status"))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ── Results ────────────────────────────────────────────────────────────

// AppendResult atomically appends a hunt result to the current turn and
// the accumulated list, bumping the completion counters.
func (r *Repository) AppendResult(ctx context.Context, id string, res HuntResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	err = r.store.Pipeline(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, Key(id, "results"), data)
		pipe.RPush(ctx, Key(id, "all_results"), data)
		pipe.HIncrBy(ctx, Key(id, "meta"), FieldCompletedHunts, 1)
		if res.BreakFound {
			pipe.HIncrBy(ctx, Key(id, "meta"), FieldBreaksFound, 1)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return r.Touch(ctx, id)
}

// ResetResults clears the current-turn result list (start of a new turn).
func (r *Repository) ResetResults(ctx context.Context, id string) error {
	return r.store.Del(ctx, Key(id, "results"))
}

// GetResults returns the current turn's hunt results in order.
func (r *Repository) GetResults(ctx context.Context, id string) ([]HuntResult, error) {
	return r.getResultsList(ctx, Key(id, "results"))
}

func (r *Repository) getResultsList(ctx context.Context, key string) ([]HuntResult, error) {
	raw, err := r.store.LRange(ctx, key, 0, -1)
	if err != nil {
		return nil, err
	}
	results := make([]HuntResult, 0, len(raw))
	for _, item := range raw {
		var res HuntResult
		if err := json.Unmarshal([]byte(item), &res); err != nil {
			r.logger.Warn("Skipping malformed hunt result", slog.String("key", key), slog.String("error", err.Error()))
			continue
		}
		results = append(results, res)
	}
	return results, nil
}

// ── Turns & history ────────────────────────────────────────────────────

// AppendTurn appends a completed turn record.
func (r *Repository) AppendTurn(ctx context.Context, id string, turn Turn) error {
	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}
	if err := r.store.RPush(ctx, Key(id, "turns"), data); err != nil {
		return err
	}
	return r.Touch(ctx, id)
}

// GetTurns returns all turn records in order.
func (r *Repository) GetTurns(ctx context.Context, id string) ([]Turn, error) {
	raw, err := r.store.LRange(ctx, Key(id, "turns"), 0, -1)
	if err != nil {
		return nil, err
	}
	turns := make([]Turn, 0, len(raw))
	for _, item := range raw {
		var t Turn
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			continue
		}
		turns = append(turns, t)
	}
	return turns, nil
}

// AppendHistory appends a chat message.
func (r *Repository) AppendHistory(ctx context.Context, id string, msg ChatMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal chat message: %w", err)
	}
	return r.store.RPush(ctx, Key(id, "history"), data)
}

// GetHistory returns the chat history in order.
func (r *Repository) GetHistory(ctx context.Context, id string) ([]ChatMessage, error) {
	raw, err := r.store.LRange(ctx, Key(id, "history"), 0, -1)
	if err != nil {
		return nil, err
	}
	msgs := make([]ChatMessage, 0, len(raw))
	for _, item := range raw {
		var m ChatMessage
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// ── Reviews ────────────────────────────────────────────────────────────

// SetReview writes one review slot without touching the others.
func (r *Repository) SetReview(ctx context.Context, id, slot string, rev Review) error {
	reviews, err := r.GetReviews(ctx, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if reviews == nil {
		reviews = make(map[string]Review)
	}
	reviews[slot] = rev
	return r.SetReviews(ctx, id, reviews)
}

// SetReviews overwrites the reviews blob.
func (r *Repository) SetReviews(ctx context.Context, id string, reviews map[string]Review) error {
	data, err := json.Marshal(reviews)
	if err != nil {
		return fmt.Errorf("marshal reviews: %w", err)
	}
	if err := r.store.Set(ctx, Key(id, "reviews"), data, r.ttl); err != nil {
		return err
	}
	return r.Touch(ctx, id)
}

// GetReviews returns the reviews blob. An absent blob yields an empty map.
func (r *Repository) GetReviews(ctx context.Context, id string) (map[string]Review, error) {
	data, err := r.store.Get(ctx, Key(id, "reviews"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return map[string]Review{}, nil
		}
		return nil, err
	}
	var reviews map[string]Review
	if err := json.Unmarshal(data, &reviews); err != nil {
		return nil, fmt.Errorf("unmarshal reviews: %w", err)
	}
	return reviews, nil
}

// CountSubmittedReviews counts review slots with the submitted flag set.
func (r *Repository) CountSubmittedReviews(ctx context.Context, id string) (int, error) {
	reviews, err := r.GetReviews(ctx, id)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rev := range reviews {
		if rev.Submitted {
			n++
		}
	}
	return n, nil
}

// ── Feedback ───────────────────────────────────────────────────────────

// SetFeedback overwrites the current reviewer feedback.
func (r *Repository) SetFeedback(ctx context.Context, id string, fb *Feedback) error {
	data, err := json.Marshal(fb)
	if err != nil {
		return fmt.Errorf("marshal feedback: %w", err)
	}
	return r.store.Set(ctx, Key(id, "feedback"), data, r.ttl)
}

// GetFeedback reads the current feedback, ErrNotFound if none.
func (r *Repository) GetFeedback(ctx context.Context, id string) (*Feedback, error) {
	data, err := r.store.Get(ctx, Key(id, "feedback"))
	if err != nil {
		return nil, err
	}
	var fb Feedback
	if err := json.Unmarshal(data, &fb); err != nil {
		return nil, fmt.Errorf("unmarshal feedback: %w", err)
	}
	return &fb, nil
}

// ArchiveFeedback moves the current feedback onto the archive list and
// clears it. A session with no current feedback is a no-op.
func (r *Repository) ArchiveFeedback(ctx context.Context, id string) error {
	data, err := r.store.Get(ctx, Key(id, "feedback"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	return r.store.Pipeline(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, Key(id, "feedback_archive"), data)
		pipe.Expire(ctx, Key(id, "feedback_archive"), r.ttl)
		pipe.Del(ctx, Key(id, "feedback"))
		return nil
	})
}

// GetFeedbackArchive returns prior feedback records, oldest first.
func (r *Repository) GetFeedbackArchive(ctx context.Context, id string) ([]Feedback, error) {
	raw, err := r.store.LRange(ctx, Key(id, "feedback_archive"), 0, -1)
	if err != nil {
		return nil, err
	}
	archive := make([]Feedback, 0, len(raw))
	for _, item := range raw {
		var fb Feedback
		if err := json.Unmarshal([]byte(item), &fb); err != nil {
			continue
		}
		archive = append(archive, fb)
	}
	return archive, nil
}

// ── Meta ───────────────────────────────────────────────────────────────

// GetMeta returns the typed meta view, ErrNotFound for unknown sessions.
func (r *Repository) GetMeta(ctx context.Context, id string) (Meta, error) {
	fields, err := r.store.HGetAll(ctx, Key(id, "meta"))
	if err != nil {
		return Meta{}, err
	}
	if len(fields) == 0 {
		return Meta{}, ErrNotFound
	}
	return parseMeta(fields), nil
}

// SetMetaField writes one meta hash field.
func (r *Repository) SetMetaField(ctx context.Context, id, field string, value any) error {
	return r.store.HSet(ctx, Key(id, "meta"), field, value)
}

// GetReviewStatus reads the current review status.
func (r *Repository) GetReviewStatus(ctx context.Context, id string) (string, error) {
	v, err := r.store.HGet(ctx, Key(id, "meta"), FieldReviewStatus)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	return v, nil
}

// ── Enumeration ────────────────────────────────────────────────────────

// ListSessions enumerates all session ids. O(N) over the namespace;
// callers must scope by role.
func (r *Repository) ListSessions(ctx context.Context) ([]string, error) {
	keys, err := r.store.Keys(ctx, "session:*:meta")
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		if id := IDFromKey(k); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// ListSessionsByReviewStatus filters sessions by review status by
// scanning meta records.
func (r *Repository) ListSessionsByReviewStatus(ctx context.Context, status string) ([]string, error) {
	ids, err := r.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	var matched []string
	for _, id := range ids {
		current, err := r.GetReviewStatus(ctx, id)
		if err != nil {
			continue
		}
		if current == status || (current == "" && status == StatusDraft) {
			matched = append(matched, id)
		}
	}
	return matched, nil
}
