package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/c360studio/taskgate/review"
	"github.com/c360studio/taskgate/roles"
	"github.com/c360studio/taskgate/session"
)

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	state, err := s.repo.GetFullState(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// transition wraps a state-machine call with idempotency-key caching:
// a replayed request returns the recorded response without a second
// transition.
func (s *Server) transition(w http.ResponseWriter, r *http.Request, fn func(idemKey string) (*review.Result, error)) {
	key := r.Header.Get("Idempotency-Key")

	cached, err := s.idem.Check(r.Context(), key)
	if err != nil {
		// A cache outage turns a keyed retry into a fresh attempt; the
		// CAS still guards the transition, but make the degradation
		// visible.
		s.logger.Warn("Idempotency check failed", "key", key, "error", err)
	}
	if cached != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(cached.Status)
		_, _ = w.Write(cached.Body)
		return
	}

	result, err := fn(key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	body, _ := json.Marshal(result)
	if key != "" {
		if err := s.idem.Store(r.Context(), key, session.CachedResponse{Status: http.StatusOK, Body: body}); err != nil {
			s.logger.Warn("Idempotency store failed", "key", key, "error", err)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handleSubmitForReview(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.transition(w, r, func(string) (*review.Result, error) {
		return s.machine.SubmitForReview(r.Context(), id, caller(r))
	})
}

func (s *Server) handleResubmit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.transition(w, r, func(idemKey string) (*review.Result, error) {
		return s.machine.Resubmit(r.Context(), id, caller(r), idemKey)
	})
}

// handleWriteReview writes one review slot, guarded by the caller's last
// seen version. A stale version is a 409 carrying the current one, so a
// client that raced another writer re-reads instead of clobbering.
func (s *Server) handleWriteReview(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body struct {
		Version int64           `json:"version"`
		Slot    string          `json:"slot"`
		Review  *session.Review `json:"review"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Slot == "" || body.Review == nil {
		s.writeError(w, r, invalid("slot and review are required"))
		return
	}

	ok, current, err := s.repo.CheckVersionMatch(r.Context(), id, body.Version)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusConflict, errorBody{
			Error:    "stale version, re-read before writing",
			Observed: strconv.FormatInt(current, 10),
		})
		return
	}

	if err := s.repo.SetReview(r.Context(), id, body.Slot, *body.Review); err != nil {
		s.writeError(w, r, err)
		return
	}
	version, err := s.repo.IncrVersion(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": version})
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	result, err := s.machine.Acknowledge(r.Context(), id, caller(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleMarkQCDone(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	result, err := s.machine.MarkQCDone(r.Context(), id, caller(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	user := requireReviewer(w, r)
	if user == nil {
		return
	}

	var body struct {
		Comment string `json:"comment"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.machine.Approve(r.Context(), chi.URLParam(r, "id"), user, body.Comment)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleReturn(w http.ResponseWriter, r *http.Request) {
	user := requireReviewer(w, r)
	if user == nil {
		return
	}

	var body struct {
		Feedback *session.Feedback `json:"feedback"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.machine.Return(r.Context(), chi.URLParam(r, "id"), user, body.Feedback)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	user := requireReviewer(w, r)
	if user == nil {
		return
	}

	var body struct {
		Feedback *session.Feedback `json:"feedback"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.machine.Reject(r.Context(), chi.URLParam(r, "id"), user, body.Feedback)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) {
	if requireReviewer(w, r) == nil {
		return
	}

	history, err := s.repo.GetVersionHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": history})
}

func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	if requireReviewer(w, r) == nil {
		return
	}

	v1, err1 := strconv.Atoi(r.URL.Query().Get("v1"))
	v2, err2 := strconv.Atoi(r.URL.Query().Get("v2"))
	if err1 != nil || err2 != nil {
		s.writeError(w, r, invalid("v1 and v2 must be round numbers"))
		return
	}

	history, err := s.repo.GetVersionHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var a, b *session.HistoryEntry
	for i := range history {
		if history[i].Round == v1 {
			a = &history[i]
		}
		if history[i].Round == v2 {
			b = &history[i]
		}
	}
	if a == nil || b == nil {
		s.writeError(w, r, session.ErrNotFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"v1":      v1,
		"v2":      v2,
		"changes": session.DiffReviews(a.Reviews, b.Reviews),
	})
}

func (s *Server) handleSessionAudit(w http.ResponseWriter, r *http.Request) {
	if requireReviewer(w, r) == nil {
		return
	}

	entries, err := s.audit.List(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// handleGlobalAudit serves the capped cross-session trail. Admin only.
func (s *Server) handleGlobalAudit(w http.ResponseWriter, r *http.Request) {
	user := caller(r)
	if !user.IsAdmin() {
		s.writeError(w, r, review.ErrForbidden)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.audit.ListGlobal(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleBulkApprove(w http.ResponseWriter, r *http.Request) {
	user := requireReviewer(w, r)
	if user == nil {
		return
	}

	var body struct {
		SessionIDs []string `json:"session_ids"`
		Comment    string   `json:"comment"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.machine.BulkApprove(r.Context(), body.SessionIDs, user, body.Comment, s.cfg.BulkActions.MaxBatchSize)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleBulkResubmit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionIDs []string `json:"session_ids"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.machine.BulkResubmit(r.Context(), body.SessionIDs, caller(r), s.cfg.BulkActions.MaxBatchSize)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// queueEntry is one row of the role-scoped session list.
type queueEntry struct {
	SessionID    string `json:"session_id"`
	ReviewStatus string `json:"review_status"`
	ReviewRound  int    `json:"review_round"`
	Version      int64  `json:"version"`
	TrainerEmail string `json:"trainer_email"`
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	user := caller(r)
	statusFilter := r.URL.Query().Get("status")

	ids, err := s.repo.ListSessions(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	queue := []queueEntry{}
	for _, id := range ids {
		meta, err := s.repo.GetMeta(r.Context(), id)
		if err != nil {
			continue
		}
		if statusFilter != "" && meta.ReviewStatus != statusFilter {
			continue
		}

		trainer, err := s.directory.Resolve(r.Context(), meta.TrainerEmail)
		if err != nil || !roles.CanSee(user, trainer) {
			continue
		}

		queue = append(queue, queueEntry{
			SessionID:    id,
			ReviewStatus: meta.ReviewStatus,
			ReviewRound:  meta.ReviewRound,
			Version:      meta.Version,
			TrainerEmail: meta.TrainerEmail,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"sessions": queue})
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	user := caller(r)
	unreadOnly := r.URL.Query().Get("unread_only") == "true"
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	notifs, err := s.notifier.List(r.Context(), user.Email, unreadOnly, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	unread, err := s.notifier.UnreadCount(r.Context(), user.Email)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": notifs,
		"unread_count":  unread,
	})
}

func (s *Server) handleMarkOneRead(w http.ResponseWriter, r *http.Request) {
	found, err := s.notifier.MarkOneRead(r.Context(), caller(r).Email, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !found {
		s.writeError(w, r, session.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"read": true})
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	count, err := s.notifier.MarkAllRead(r.Context(), caller(r).Email)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"marked": count})
}

func (s *Server) handleGetPresence(w http.ResponseWriter, r *http.Request) {
	viewers, err := s.presence.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"viewers": viewers})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	user := caller(r)

	var body struct {
		Action string `json:"action"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Action == "" {
		body.Action = "viewing"
	}

	if err := s.presence.Set(r.Context(), chi.URLParam(r, "id"), user.Email, user.Role, body.Action); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "expires_in": s.cfg.Presence.TTLSeconds})
}

// changeFeedTick is the poll interval of the lightweight change feed.
const changeFeedTick = 2 * time.Second

// handleChangeFeed streams {version, review_status} whenever either
// changes, polling the meta hash every two seconds. Client disconnect
// is detected on each tick through the request context.
func (s *Server) handleChangeFeed(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	meta, err := s.repo.GetMeta(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	emit := func(m session.Meta) error {
		return sse.Send(map[string]any{
			"version":       m.Version,
			"review_status": m.ReviewStatus,
		})
	}
	if err := emit(meta); err != nil {
		return
	}

	lastVersion, lastStatus := meta.Version, meta.ReviewStatus
	ticker := time.NewTicker(changeFeedTick)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			meta, err := s.repo.GetMeta(r.Context(), id)
			if err != nil {
				// Session expired or backend gone; end the feed.
				return
			}
			if meta.Version != lastVersion || meta.ReviewStatus != lastStatus {
				if err := emit(meta); err != nil {
					return
				}
				lastVersion, lastStatus = meta.Version, meta.ReviewStatus
			}
		}
	}
}

// handleEventStream follows the session event log live. A reconnecting
// client passes its last seen id and gets the gap replayed first; a
// first connect carries no id and starts at the current tail.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	lastID := r.Header.Get("Last-Event-ID")
	if lastID == "" {
		lastID = r.URL.Query().Get("last_id")
	}

	if _, err := s.repo.GetMeta(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if lastID != "" {
		replay, err := s.stream.Replay(r.Context(), id, lastID)
		if err != nil {
			s.logger.Warn("Event replay failed", "session", id, "error", err)
			return
		}
		for _, ev := range replay {
			if err := sse.Send(ev); err != nil {
				return
			}
			lastID = ev.ID
		}
	}

	for ev := range s.stream.Subscribe(r.Context(), id, lastID) {
		if err := sse.Send(ev); err != nil {
			return
		}
	}
}
