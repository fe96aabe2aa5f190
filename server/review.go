package server

import (
	"encoding/json"
	"net/http"

	"github.com/c360studio/taskgate/agentic"
	"github.com/c360studio/taskgate/events"
)

// reviewRequest is the agentic review invocation body.
type reviewRequest struct {
	Session         string   `json:"session"`
	Checkpoint      string   `json:"checkpoint"`
	SelectedHuntIDs []string `json:"selected_hunt_ids,omitempty"`
}

// handleAgenticReview runs the rule engine over a session snapshot.
// With `?stream=1` or an event-stream Accept header the per-rule
// progress (including judge replays) is streamed as SSE; otherwise the
// aggregated result is returned as JSON.
func (s *Server) handleAgenticReview(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Session == "" {
		s.writeError(w, r, invalid("session is required"))
		return
	}
	if req.Checkpoint == "" {
		s.writeError(w, r, invalid("checkpoint is required"))
		return
	}

	state, err := s.repo.GetFullState(r.Context(), req.Session)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	snap, err := agentic.BuildSnapshot(req.Checkpoint, state, req.SelectedHuntIDs)
	if err != nil {
		s.writeError(w, r, invalid(err.Error()))
		return
	}

	if wantsSSE(r) {
		sse, err := newSSEWriter(w)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		result := s.engine.RunStream(r.Context(), snap, func(ev agentic.StreamEvent) {
			_ = sse.Send(ev)
		})
		s.publishReviewResult(r, req.Session, result)
		return
	}

	result := s.engine.Run(r.Context(), snap)
	s.publishReviewResult(r, req.Session, result)
	writeJSON(w, http.StatusOK, result)
}

// publishReviewResult mirrors the outcome onto the session event log so
// other viewers see the checkpoint verdict live.
func (s *Server) publishReviewResult(r *http.Request, id string, result *agentic.Result) {
	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	s.stream.PublishAsync(r.Context(), id, events.Event{
		Type: "agentic_review_completed",
		Data: string(data),
	})
}
