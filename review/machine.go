package review

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/taskgate/config"
	"github.com/c360studio/taskgate/events"
	"github.com/c360studio/taskgate/metric"
	"github.com/c360studio/taskgate/notify"
	"github.com/c360studio/taskgate/roles"
	"github.com/c360studio/taskgate/session"
	"github.com/c360studio/taskgate/store"
)

// requiredReviews is the number of submitted review slots a task needs
// before it may enter review.
const requiredReviews = 4

// Result is the outcome of a successful transition.
type Result struct {
	SessionID    string `json:"session_id"`
	ReviewStatus string `json:"review_status"`
	ReviewRound  int    `json:"review_round"`
	Version      int64  `json:"version"`
}

// Machine performs CAS transitions on the review status. The CAS on
// meta.review_status is the single serialisation point for
// reviewer/trainer collisions; round increment, snapshot, and audit
// follow the winning CAS.
type Machine struct {
	repo      *session.Repository
	audit     *notify.Audit
	notifier  *notify.Notifier
	stream    *events.Stream
	directory roles.Directory
	identity  config.TaskIdentityConfig
	maxRounds int
	logger    *slog.Logger
}

// NewMachine wires the state machine.
func NewMachine(
	repo *session.Repository,
	audit *notify.Audit,
	notifier *notify.Notifier,
	stream *events.Stream,
	directory roles.Directory,
	identity config.TaskIdentityConfig,
	maxRounds int,
	logger *slog.Logger,
) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		repo:      repo,
		audit:     audit,
		notifier:  notifier,
		stream:    stream,
		directory: directory,
		identity:  identity,
		maxRounds: maxRounds,
		logger:    logger,
	}
}

// cas compares-and-swaps the review status. On mismatch it returns a
// ConflictError carrying the observed value.
func (m *Machine) cas(ctx context.Context, id, expected, next string) error {
	res, err := m.repo.Store().Eval(ctx, store.CASHashFieldScript,
		[]string{session.Key(id, "meta")}, session.FieldReviewStatus, expected, next)
	if err != nil {
		return err
	}
	arr, ok := res.([]any)
	if !ok || len(arr) != 2 {
		return fmt.Errorf("unexpected CAS reply: %v", res)
	}
	if swapped, _ := arr[0].(int64); swapped == 1 {
		return nil
	}
	observed, _ := arr[1].(string)
	if observed == "" {
		observed = session.StatusDraft
	}
	return &ConflictError{Expected: expected, Observed: observed}
}

// finish performs the common post-CAS steps: version bump, audit entry,
// event publication, and TTL refresh. Audit and events never roll the
// transition back.
func (m *Machine) finish(ctx context.Context, id, action, actor, newStatus string, round int, details map[string]any) (*Result, error) {
	version, err := m.repo.IncrVersion(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("bump version: %w", err)
	}

	if err := m.audit.Record(ctx, id, action, actor, details); err != nil {
		m.logger.Warn("Audit write failed", slog.String("session", id), slog.String("action", action), slog.String("error", err.Error()))
	}

	m.stream.PublishAsync(ctx, id, events.Event{
		Type: "review_status_changed",
		Data: fmt.Sprintf(`{"review_status":%q,"review_round":%d,"version":%d}`, newStatus, round, version),
	})

	if err := m.repo.Touch(ctx, id); err != nil {
		m.logger.Warn("TTL refresh failed", slog.String("session", id), slog.String("error", err.Error()))
	}

	metric.Transitions.WithLabelValues(action, "success").Inc()
	return &Result{SessionID: id, ReviewStatus: newStatus, ReviewRound: round, Version: version}, nil
}

// SubmitForReview transitions draft → submitted. Requires four submitted
// reviews and a completed quality check.
func (m *Machine) SubmitForReview(ctx context.Context, id string, trainer *roles.User) (*Result, error) {
	meta, err := m.repo.GetMeta(ctx, id)
	if err != nil {
		return nil, err
	}

	count, err := m.repo.CountSubmittedReviews(ctx, id)
	if err != nil {
		return nil, err
	}
	if count != requiredReviews {
		return nil, &PreconditionError{Message: fmt.Sprintf("Submit requires exactly %d completed reviews; found %d", requiredReviews, count)}
	}
	if !meta.QCDone {
		return nil, &PreconditionError{Message: "Complete the Quality Check before submitting"}
	}

	if err := m.cas(ctx, id, session.StatusDraft, session.StatusSubmitted); err != nil {
		metric.Transitions.WithLabelValues("submit_for_review", "conflict").Inc()
		return nil, err
	}

	round, err := m.incrRound(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.repo.SnapshotForHistory(ctx, id, round); err != nil {
		m.logger.Warn("History snapshot failed", slog.String("session", id), slog.String("error", err.Error()))
	}

	result, err := m.finish(ctx, id, "submit_for_review", trainer.Email, session.StatusSubmitted, round, map[string]any{"round": round})
	if err != nil {
		return nil, err
	}

	m.notifyReviewers(ctx, id, trainer, notify.TypeTaskSubmitted,
		fmt.Sprintf("%s submitted for review (round %d)", m.displayID(ctx, id), round), "")
	return result, nil
}

// Resubmit transitions returned → submitted, or returned → escalated
// when the next round would exceed the configured maximum. Requires a
// fresh quality check and an explicit acknowledgement of the return.
// dedupeID, when non-empty, keys the escalation/resubmission
// notification so a retried request does not duplicate it.
func (m *Machine) Resubmit(ctx context.Context, id string, trainer *roles.User, dedupeID string) (*Result, error) {
	meta, err := m.repo.GetMeta(ctx, id)
	if err != nil {
		return nil, err
	}

	if !meta.QCDone {
		return nil, &PreconditionError{Message: "Complete the Quality Check before resubmitting"}
	}
	ack, err := m.repo.GetAcknowledgedAt(ctx, id)
	if err != nil {
		return nil, err
	}
	if ack.IsZero() {
		return nil, &PreconditionError{Message: "Acknowledge the reviewer feedback before resubmitting"}
	}

	target := session.StatusSubmitted
	escalating := meta.ReviewRound+1 > m.maxRounds
	if escalating {
		target = session.StatusEscalated
	}

	if err := m.cas(ctx, id, session.StatusReturned, target); err != nil {
		metric.Transitions.WithLabelValues("resubmit", "conflict").Inc()
		return nil, err
	}

	// Terminal feedback moves to the archive; a fresh round starts clean.
	if err := m.repo.ArchiveFeedback(ctx, id); err != nil {
		m.logger.Warn("Feedback archive failed", slog.String("session", id), slog.String("error", err.Error()))
	}
	if err := m.repo.ClearAcknowledged(ctx, id); err != nil {
		m.logger.Warn("Acknowledgement clear failed", slog.String("session", id), slog.String("error", err.Error()))
	}
	if err := m.repo.SetMetaField(ctx, id, session.FieldResubmittedAt, time.Now().UTC().Format(time.RFC3339)); err != nil {
		m.logger.Warn("Resubmit stamp failed", slog.String("session", id), slog.String("error", err.Error()))
	}

	round, err := m.incrRound(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.repo.SnapshotForHistory(ctx, id, round); err != nil {
		m.logger.Warn("History snapshot failed", slog.String("session", id), slog.String("error", err.Error()))
	}

	action := "resubmit"
	if escalating {
		action = "escalate"
	}
	result, err := m.finish(ctx, id, action, trainer.Email, target, round, map[string]any{"round": round})
	if err != nil {
		return nil, err
	}

	display := m.displayID(ctx, id)
	if escalating {
		m.notifyAdmins(ctx, id,
			fmt.Sprintf("%s exceeded %d review rounds and was escalated", display, m.maxRounds), dedupeID)
	} else {
		m.notifyReviewers(ctx, id, trainer, notify.TypeTaskResubmitted,
			fmt.Sprintf("%s was resubmitted (round %d)", display, round), dedupeID)
	}
	return result, nil
}

// Approve transitions submitted|escalated → approved. The escalated
// source requires an admin caller.
func (m *Machine) Approve(ctx context.Context, id string, reviewer *roles.User, comment string) (*Result, error) {
	return m.reviewerTransition(ctx, id, reviewer, session.StatusApproved, "approve", notify.TypeTaskApproved,
		"was approved", map[string]any{"comment": comment})
}

// Reject transitions submitted|escalated → rejected. Terminal.
func (m *Machine) Reject(ctx context.Context, id string, reviewer *roles.User, fb *session.Feedback) (*Result, error) {
	if fb != nil {
		fb.Reviewer = reviewer.Email
		fb.CreatedAt = time.Now().UTC()
		if err := m.repo.SetFeedback(ctx, id, fb); err != nil {
			return nil, err
		}
	}
	return m.reviewerTransition(ctx, id, reviewer, session.StatusRejected, "reject", notify.TypeTaskRejected,
		"was rejected", nil)
}

// Return transitions submitted|escalated → returned, storing the
// reviewer's feedback and clearing the QC flag so the trainer must re-run
// quality checks before resubmitting.
func (m *Machine) Return(ctx context.Context, id string, reviewer *roles.User, fb *session.Feedback) (*Result, error) {
	if fb == nil {
		return nil, &PreconditionError{Message: "Returning a task requires feedback"}
	}
	fb.Reviewer = reviewer.Email
	fb.CreatedAt = time.Now().UTC()
	if err := m.repo.SetFeedback(ctx, id, fb); err != nil {
		return nil, err
	}

	result, err := m.reviewerTransition(ctx, id, reviewer, session.StatusReturned, "return", notify.TypeTaskReturned,
		"was returned with feedback", nil)
	if err != nil {
		return nil, err
	}

	// A returned task needs a fresh QC pass and a fresh acknowledgement.
	if err := m.repo.SetMetaField(ctx, id, session.FieldQCDone, "false"); err != nil {
		m.logger.Warn("QC clear failed", slog.String("session", id), slog.String("error", err.Error()))
	}
	if err := m.repo.ClearAcknowledged(ctx, id); err != nil {
		m.logger.Warn("Acknowledgement clear failed", slog.String("session", id), slog.String("error", err.Error()))
	}
	return result, nil
}

// reviewerTransition implements the shared submitted|escalated → target
// CAS with role gating on the escalated source.
func (m *Machine) reviewerTransition(ctx context.Context, id string, reviewer *roles.User, target, action, notifType, message string, details map[string]any) (*Result, error) {
	meta, err := m.repo.GetMeta(ctx, id)
	if err != nil {
		return nil, err
	}

	source := meta.ReviewStatus
	switch source {
	case session.StatusSubmitted:
	case session.StatusEscalated:
		if !reviewer.IsAdmin() {
			return nil, fmt.Errorf("%w: escalated tasks require an admin", ErrForbidden)
		}
	default:
		// Let the CAS report the observed state as a conflict.
		source = session.StatusSubmitted
	}

	if err := m.cas(ctx, id, source, target); err != nil {
		metric.Transitions.WithLabelValues(action, "conflict").Inc()
		return nil, err
	}

	result, err := m.finish(ctx, id, action, reviewer.Email, target, meta.ReviewRound, details)
	if err != nil {
		return nil, err
	}

	m.notifyTrainer(ctx, id, meta.TrainerEmail, notifType,
		fmt.Sprintf("%s %s", m.displayID(ctx, id), message))
	return result, nil
}

// Acknowledge stamps the trainer's acknowledgement on a returned task.
func (m *Machine) Acknowledge(ctx context.Context, id string, trainer *roles.User) (*Result, error) {
	meta, err := m.repo.GetMeta(ctx, id)
	if err != nil {
		return nil, err
	}
	if meta.ReviewStatus != session.StatusReturned {
		return nil, &PreconditionError{Message: "Only returned tasks can be acknowledged"}
	}

	if err := m.repo.SetAcknowledged(ctx, id); err != nil {
		return nil, err
	}
	return m.finish(ctx, id, "acknowledge", trainer.Email, meta.ReviewStatus, meta.ReviewRound, nil)
}

// MarkQCDone records the trainer's quality-check pass.
func (m *Machine) MarkQCDone(ctx context.Context, id string, trainer *roles.User) (*Result, error) {
	meta, err := m.repo.GetMeta(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := m.repo.SetMetaField(ctx, id, session.FieldQCDone, "true"); err != nil {
		return nil, err
	}
	return m.finish(ctx, id, "mark_qc_done", trainer.Email, meta.ReviewStatus, meta.ReviewRound, nil)
}

func (m *Machine) incrRound(ctx context.Context, id string) (int, error) {
	round, err := m.repo.Store().HIncrBy(ctx, session.Key(id, "meta"), session.FieldReviewRound, 1)
	if err != nil {
		return 0, fmt.Errorf("bump round: %w", err)
	}
	return int(round), nil
}

// ── Notification fan-out (fire and forget) ─────────────────────────────

func (m *Machine) notifyTrainer(ctx context.Context, id, email, notifType, message string) {
	if email == "" {
		return
	}
	m.notifier.PushAsync(ctx, email, notify.Notification{
		Type:          notifType,
		SessionID:     id,
		TaskDisplayID: m.displayID(ctx, id),
		Message:       message,
	})
}

func (m *Machine) notifyReviewers(ctx context.Context, id string, trainer *roles.User, notifType, message, dedupeID string) {
	reviewers, err := m.directory.ReviewersForPods(ctx, trainer.Pods)
	if err != nil {
		m.logger.Warn("Reviewer lookup failed", slog.String("session", id), slog.String("error", err.Error()))
		return
	}
	for _, r := range reviewers {
		m.notifier.PushAsync(ctx, r.Email, notify.Notification{
			ID:            dedupeID,
			Type:          notifType,
			SessionID:     id,
			TaskDisplayID: m.displayID(ctx, id),
			Message:       message,
		})
	}
}

func (m *Machine) notifyAdmins(ctx context.Context, id, message, dedupeID string) {
	admins, err := m.directory.Admins(ctx)
	if err != nil {
		m.logger.Warn("Admin lookup failed", slog.String("session", id), slog.String("error", err.Error()))
		return
	}
	for _, a := range admins {
		m.notifier.PushAsync(ctx, a.Email, notify.Notification{
			ID:            dedupeID,
			Type:          notify.TypeTaskEscalated,
			SessionID:     id,
			TaskDisplayID: m.displayID(ctx, id),
			Message:       message,
		})
	}
}

// displayID extracts a human task id from notebook metadata using the
// configured field and fallbacks, defaulting to the session id.
func (m *Machine) displayID(ctx context.Context, id string) string {
	nb, err := m.repo.GetNotebook(ctx, id)
	if err != nil || nb == nil || len(nb.Metadata) == 0 {
		return id
	}
	if v := nb.Metadata[m.identity.DisplayIDField]; v != "" {
		return m.identity.DisplayIDLabel + " " + v
	}
	for _, f := range m.identity.FallbackFields {
		if v := nb.Metadata[f]; v != "" {
			return m.identity.DisplayIDLabel + " " + v
		}
	}
	return id
}
