// Package session models the per-task record and its Redis key family.
// A session is logically one entity stored as related keys under
// session:{id}:* so that writing one field never requires reading the
// others.
package session

import (
	"encoding/json"
	"strconv"
	"time"
)

// Review statuses. Approved and rejected are terminal for the reviewer
// loop; escalated is terminal for non-admins.
const (
	StatusDraft     = "draft"
	StatusSubmitted = "submitted"
	StatusReturned  = "returned"
	StatusApproved  = "approved"
	StatusRejected  = "rejected"
	StatusEscalated = "escalated"
)

// Execution statuses for the hunt runner (distinct from review status).
const (
	ExecPending   = "pending"
	ExecRunning   = "running"
	ExecCompleted = "completed"
	ExecFailed    = "failed"
)

// Meta hash field names.
const (
	FieldVersion        = "version"
	FieldTotalHunts     = "total_hunts"
	FieldCompletedHunts = "completed_hunts"
	FieldBreaksFound    = "breaks_found"
	FieldReviewStatus   = "review_status"
	FieldReviewRound    = "review_round"
	FieldQCDone         = "qc_done"
	FieldAcknowledgedAt = "acknowledged_at"
	FieldResubmittedAt  = "resubmitted_at"
	FieldTrainerEmail   = "trainer_email"
)

// Notebook is the trainer-authored task content.
type Notebook struct {
	Prompt    string            `json:"prompt"`
	Reference string            `json:"reference"`
	Turns     []NotebookTurn    `json:"turns,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NotebookTurn carries per-turn copies of prompt and reference for
// multi-turn sessions.
type NotebookTurn struct {
	Prompt    string `json:"prompt"`
	Reference string `json:"reference"`
}

// HuntResult is one model attempt at the prompt.
type HuntResult struct {
	HuntID      int       `json:"hunt_id"`
	Model       string    `json:"model"`
	Response    string    `json:"response"`
	BreakFound  bool      `json:"break_found"`
	CompletedAt time.Time `json:"completed_at"`
}

// Turn records a completed trainer turn: the prompt, the grading
// criteria text, and the response the trainer selected.
type Turn struct {
	Prompt           string `json:"prompt"`
	Criteria         string `json:"criteria"`
	SelectedResponse string `json:"selected_response"`
}

// ChatMessage is one entry of the session chat history.
type ChatMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Review is the trainer's hand grade for one selected hunt (one slot).
type Review struct {
	Judgment     string `json:"judgment"`
	GradingBasis string `json:"grading_basis"`
	Explanation  string `json:"explanation"`
	Submitted    bool   `json:"submitted"`
	Model        string `json:"model,omitempty"`
}

// Feedback is a reviewer's comment record on a returned task.
type Feedback struct {
	Overall       string            `json:"overall"`
	Sections      map[string]string `json:"sections,omitempty"`
	Ratings       map[string]int    `json:"ratings,omitempty"`
	RevisionFlags map[string]bool   `json:"revision_flags,omitempty"`
	Reviewer      string            `json:"reviewer"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Meta is the typed view of the session meta hash.
type Meta struct {
	Version        int64  `json:"version"`
	TotalHunts     int    `json:"total_hunts"`
	CompletedHunts int    `json:"completed_hunts"`
	BreaksFound    int    `json:"breaks_found"`
	ReviewStatus   string `json:"review_status"`
	ReviewRound    int    `json:"review_round"`
	QCDone         bool   `json:"qc_done"`
	AcknowledgedAt string `json:"acknowledged_at,omitempty"`
	ResubmittedAt  string `json:"resubmitted_at,omitempty"`
	TrainerEmail   string `json:"trainer_email"`
}

// parseMeta builds a Meta from the raw hash fields.
func parseMeta(fields map[string]string) Meta {
	m := Meta{
		ReviewStatus:   fields[FieldReviewStatus],
		AcknowledgedAt: fields[FieldAcknowledgedAt],
		ResubmittedAt:  fields[FieldResubmittedAt],
		TrainerEmail:   fields[FieldTrainerEmail],
	}
	m.Version, _ = strconv.ParseInt(fields[FieldVersion], 10, 64)
	m.TotalHunts, _ = strconv.Atoi(fields[FieldTotalHunts])
	m.CompletedHunts, _ = strconv.Atoi(fields[FieldCompletedHunts])
	m.BreaksFound, _ = strconv.Atoi(fields[FieldBreaksFound])
	m.ReviewRound, _ = strconv.Atoi(fields[FieldReviewRound])
	m.QCDone = fields[FieldQCDone] == "true"
	if m.ReviewStatus == "" {
		m.ReviewStatus = StatusDraft
	}
	return m
}

// HistoryEntry is one historical review-state snapshot.
type HistoryEntry struct {
	Round     int               `json:"round"`
	Timestamp time.Time         `json:"timestamp"`
	Reviews   map[string]Review `json:"reviews"`
}

// FullState is the composite session view used for UI hydration.
type FullState struct {
	ID         string            `json:"id"`
	Config     json.RawMessage   `json:"config,omitempty"`
	Notebook   *Notebook         `json:"notebook,omitempty"`
	Status     string            `json:"status"`
	Meta       Meta              `json:"meta"`
	Results    []HuntResult      `json:"results,omitempty"`
	AllResults []HuntResult      `json:"all_results,omitempty"`
	Turns      []Turn            `json:"turns,omitempty"`
	History    []ChatMessage     `json:"history,omitempty"`
	Reviews    map[string]Review `json:"reviews,omitempty"`
	Feedback   *Feedback         `json:"feedback,omitempty"`
}
