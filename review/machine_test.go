package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/c360studio/taskgate/config"
	"github.com/c360studio/taskgate/events"
	"github.com/c360studio/taskgate/notify"
	"github.com/c360studio/taskgate/roles"
	"github.com/c360studio/taskgate/session"
	"github.com/c360studio/taskgate/store"
)

type fixture struct {
	machine  *Machine
	repo     *session.Repository
	notifier *notify.Notifier
	audit    *notify.Audit
	trainer  *roles.User
	reviewer *roles.User
	admin    *roles.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st := store.NewClientFromRedis(rdb, nil, nil)
	repo := session.NewRepository(st, 4*time.Hour, nil)
	audit := notify.NewAudit(st, 4*time.Hour, nil)
	notifier := notify.NewNotifier(st, 100, 7*24*time.Hour, nil)
	stream := events.NewStream(st, 4*time.Hour, nil)
	directory := roles.NewStaticDirectory([]roles.User{
		{Email: "trainer@example.com", Role: roles.RoleTrainer, Pods: []string{"pod-a"}},
		{Email: "rev@example.com", Role: roles.RoleReviewer, Pods: []string{"pod-a"}},
		{Email: "admin@example.com", Role: roles.RoleAdmin, Pods: []string{"pod-a"}},
	})

	machine := NewMachine(repo, audit, notifier, stream, directory,
		config.DefaultConfig().TaskIdentity, 3, nil)

	f := &fixture{machine: machine, repo: repo, notifier: notifier, audit: audit}
	var err error
	ctx := context.Background()
	if f.trainer, err = directory.Resolve(ctx, "trainer@example.com"); err != nil {
		t.Fatal(err)
	}
	if f.reviewer, err = directory.Resolve(ctx, "rev@example.com"); err != nil {
		t.Fatal(err)
	}
	if f.admin, err = directory.Resolve(ctx, "admin@example.com"); err != nil {
		t.Fatal(err)
	}
	return f
}

// seedReady creates a session with four submitted reviews and QC done.
func (f *fixture) seedReady(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	nb := &session.Notebook{
		Prompt:   "prompt",
		Metadata: map[string]string{"task_id": "T-7"},
	}
	if err := f.repo.Create(ctx, id, json.RawMessage(`{}`), nb, "trainer@example.com"); err != nil {
		t.Fatal(err)
	}
	reviews := make(map[string]session.Review, 4)
	for i := 1; i <= 4; i++ {
		reviews[fmt.Sprint(i)] = session.Review{Judgment: "pass", Submitted: true}
	}
	if err := f.repo.SetReviews(ctx, id, reviews); err != nil {
		t.Fatal(err)
	}
	if err := f.repo.SetMetaField(ctx, id, session.FieldQCDone, "true"); err != nil {
		t.Fatal(err)
	}
}

func TestSubmitForReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedReady(t, "s1")

	res, err := f.machine.SubmitForReview(ctx, "s1", f.trainer)
	if err != nil {
		t.Fatalf("SubmitForReview: %v", err)
	}
	if res.ReviewStatus != session.StatusSubmitted {
		t.Errorf("expected submitted, got %q", res.ReviewStatus)
	}
	if res.ReviewRound != 1 {
		t.Errorf("expected round 1, got %d", res.ReviewRound)
	}
	if res.Version < 1 {
		t.Errorf("version not bumped: %d", res.Version)
	}

	// Reviewer in the trainer's pod is notified.
	notifs, err := f.notifier.List(ctx, "rev@example.com", false, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(notifs) != 1 || notifs[0].Type != notify.TypeTaskSubmitted {
		t.Errorf("reviewer notification wrong: %+v", notifs)
	}
	if notifs[0].TaskDisplayID != "Task T-7" {
		t.Errorf("display id wrong: %q", notifs[0].TaskDisplayID)
	}

	// Audit trail recorded.
	entries, err := f.audit.List(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) == 0 || entries[len(entries)-1].Action != "submit_for_review" {
		t.Errorf("audit missing: %+v", entries)
	}

	// History snapshot captured round 1.
	history, err := f.repo.GetVersionHistory(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Round != 1 {
		t.Errorf("history snapshot wrong: %+v", history)
	}
}

func TestSubmitWithoutQCRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedReady(t, "s1")
	if err := f.repo.SetMetaField(ctx, "s1", session.FieldQCDone, "false"); err != nil {
		t.Fatal(err)
	}

	before, _ := f.repo.GetVersion(ctx, "s1")

	_, err := f.machine.SubmitForReview(ctx, "s1", f.trainer)
	if !IsPrecondition(err) {
		t.Fatalf("expected precondition error, got %v", err)
	}
	var pre *PreconditionError
	errors.As(err, &pre)
	if pre.Message != "Complete the Quality Check before submitting" {
		t.Errorf("wrong message: %q", pre.Message)
	}

	status, _ := f.repo.GetReviewStatus(ctx, "s1")
	if status != session.StatusDraft {
		t.Errorf("status changed: %q", status)
	}
	after, _ := f.repo.GetVersion(ctx, "s1")
	if after != before {
		t.Errorf("version changed: %d -> %d", before, after)
	}
}

func TestSubmitRequiresFourReviews(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedReady(t, "s1")

	reviews := map[string]session.Review{
		"1": {Judgment: "pass", Submitted: true},
		"2": {Judgment: "pass", Submitted: true},
		"3": {Judgment: "pass", Submitted: false},
	}
	if err := f.repo.SetReviews(ctx, "s1", reviews); err != nil {
		t.Fatal(err)
	}

	_, err := f.machine.SubmitForReview(ctx, "s1", f.trainer)
	if !IsPrecondition(err) {
		t.Fatalf("expected precondition error, got %v", err)
	}
}

func TestConcurrentApproveSingleWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedReady(t, "s1")
	if _, err := f.machine.SubmitForReview(ctx, "s1", f.trainer); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.machine.Approve(ctx, "s1", f.reviewer, "")
		}(i)
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case IsConflict(err):
			conflicts++
			var conflict *ConflictError
			errors.As(err, &conflict)
			if conflict.Observed != session.StatusApproved {
				t.Errorf("loser observed %q, want approved", conflict.Observed)
			}
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Errorf("expected exactly one winner and one conflict, got %d/%d", wins, conflicts)
	}

	status, _ := f.repo.GetReviewStatus(ctx, "s1")
	if status != session.StatusApproved {
		t.Errorf("final status %q", status)
	}
}

func TestReturnClearsQCAndStoresFeedback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedReady(t, "s1")
	if _, err := f.machine.SubmitForReview(ctx, "s1", f.trainer); err != nil {
		t.Fatal(err)
	}

	fb := &session.Feedback{Overall: "criterion C2 misgraded"}
	res, err := f.machine.Return(ctx, "s1", f.reviewer, fb)
	if err != nil {
		t.Fatalf("Return: %v", err)
	}
	if res.ReviewStatus != session.StatusReturned {
		t.Errorf("expected returned, got %q", res.ReviewStatus)
	}

	meta, _ := f.repo.GetMeta(ctx, "s1")
	if meta.QCDone {
		t.Error("qc_done not cleared on return")
	}

	stored, err := f.repo.GetFeedback(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Overall != "criterion C2 misgraded" || stored.Reviewer != "rev@example.com" {
		t.Errorf("feedback wrong: %+v", stored)
	}

	// Trainer is notified of the return.
	notifs, _ := f.notifier.List(ctx, "trainer@example.com", true, 0)
	if len(notifs) != 1 || notifs[0].Type != notify.TypeTaskReturned {
		t.Errorf("trainer notification wrong: %+v", notifs)
	}
}

// returnAndPrepareResubmit walks s1 through return → ack → qc.
func (f *fixture) returnAndPrepareResubmit(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.machine.Return(ctx, id, f.reviewer, &session.Feedback{Overall: "fix"}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.machine.Acknowledge(ctx, id, f.trainer); err != nil {
		t.Fatal(err)
	}
	if _, err := f.machine.MarkQCDone(ctx, id, f.trainer); err != nil {
		t.Fatal(err)
	}
}

func TestResubmitArchivesFeedback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedReady(t, "s1")
	if _, err := f.machine.SubmitForReview(ctx, "s1", f.trainer); err != nil {
		t.Fatal(err)
	}
	f.returnAndPrepareResubmit(t, "s1")

	res, err := f.machine.Resubmit(ctx, "s1", f.trainer, "")
	if err != nil {
		t.Fatalf("Resubmit: %v", err)
	}
	if res.ReviewStatus != session.StatusSubmitted {
		t.Errorf("expected submitted, got %q", res.ReviewStatus)
	}
	if res.ReviewRound != 2 {
		t.Errorf("expected round 2, got %d", res.ReviewRound)
	}

	// Prior feedback moved to the archive; current feedback empty.
	archive, err := f.repo.GetFeedbackArchive(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(archive) != 1 || archive[0].Overall != "fix" {
		t.Errorf("archive wrong: %+v", archive)
	}
	if _, err := f.repo.GetFeedback(ctx, "s1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("feedback not cleared: %v", err)
	}

	// Acknowledgement resets for the next round.
	ack, _ := f.repo.GetAcknowledgedAt(ctx, "s1")
	if !ack.IsZero() {
		t.Error("acknowledged_at not cleared after resubmit")
	}
}

func TestResubmitRequiresAck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedReady(t, "s1")
	if _, err := f.machine.SubmitForReview(ctx, "s1", f.trainer); err != nil {
		t.Fatal(err)
	}
	if _, err := f.machine.Return(ctx, "s1", f.reviewer, &session.Feedback{Overall: "fix"}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.machine.MarkQCDone(ctx, "s1", f.trainer); err != nil {
		t.Fatal(err)
	}

	_, err := f.machine.Resubmit(ctx, "s1", f.trainer, "")
	if !IsPrecondition(err) {
		t.Fatalf("expected precondition error, got %v", err)
	}
}

func TestEscalationAfterMaxRounds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedReady(t, "s1")

	// Round 1 submit, then two return/resubmit cycles reach round 3.
	if _, err := f.machine.SubmitForReview(ctx, "s1", f.trainer); err != nil {
		t.Fatal(err)
	}
	for round := 2; round <= 3; round++ {
		f.returnAndPrepareResubmit(t, "s1")
		res, err := f.machine.Resubmit(ctx, "s1", f.trainer, "")
		if err != nil {
			t.Fatal(err)
		}
		if res.ReviewRound != round {
			t.Fatalf("expected round %d, got %d", round, res.ReviewRound)
		}
	}

	// The next resubmit would be round 4 > max_rounds 3: escalate.
	f.returnAndPrepareResubmit(t, "s1")
	res, err := f.machine.Resubmit(ctx, "s1", f.trainer, "")
	if err != nil {
		t.Fatal(err)
	}
	if res.ReviewStatus != session.StatusEscalated {
		t.Errorf("expected escalated, got %q", res.ReviewStatus)
	}
	if res.ReviewRound != 4 {
		t.Errorf("expected round 4, got %d", res.ReviewRound)
	}

	// Admin audience received the escalation notification.
	notifs, _ := f.notifier.List(ctx, "admin@example.com", true, 0)
	found := false
	for _, n := range notifs {
		if n.Type == notify.TypeTaskEscalated {
			found = true
		}
	}
	if !found {
		t.Errorf("admin not notified of escalation: %+v", notifs)
	}

	// Non-admin cannot act on an escalated task.
	_, err = f.machine.Approve(ctx, "s1", f.reviewer, "")
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("expected forbidden for reviewer, got %v", err)
	}

	// Admin approval works.
	final, err := f.machine.Approve(ctx, "s1", f.admin, "resolved")
	if err != nil {
		t.Fatalf("admin approve: %v", err)
	}
	if final.ReviewStatus != session.StatusApproved {
		t.Errorf("expected approved, got %q", final.ReviewStatus)
	}
}

func TestAcknowledgeOnlyWhenReturned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedReady(t, "s1")

	_, err := f.machine.Acknowledge(ctx, "s1", f.trainer)
	if !IsPrecondition(err) {
		t.Errorf("expected precondition error on draft, got %v", err)
	}
}

func TestRejectIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedReady(t, "s1")
	if _, err := f.machine.SubmitForReview(ctx, "s1", f.trainer); err != nil {
		t.Fatal(err)
	}

	res, err := f.machine.Reject(ctx, "s1", f.reviewer, &session.Feedback{Overall: "off topic"})
	if err != nil {
		t.Fatal(err)
	}
	if res.ReviewStatus != session.StatusRejected {
		t.Errorf("expected rejected, got %q", res.ReviewStatus)
	}

	// No further reviewer action possible.
	_, err = f.machine.Approve(ctx, "s1", f.reviewer, "")
	if !IsConflict(err) {
		t.Errorf("expected conflict on terminal state, got %v", err)
	}
}

func TestBulkApprovePartialSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedReady(t, "a")
	f.seedReady(t, "b")
	if _, err := f.machine.SubmitForReview(ctx, "a", f.trainer); err != nil {
		t.Fatal(err)
	}
	// "b" stays draft, "c" does not exist.

	res, err := f.machine.BulkApprove(ctx, []string{"a", "b", "c"}, f.reviewer, "lgtm", 4)
	if err != nil {
		t.Fatalf("BulkApprove: %v", err)
	}
	if len(res.Succeeded) != 1 || res.Succeeded[0] != "a" {
		t.Errorf("succeeded wrong: %+v", res.Succeeded)
	}
	if len(res.Failed) != 2 {
		t.Errorf("failed wrong: %+v", res.Failed)
	}
}

func TestBulkBatchSizeCapped(t *testing.T) {
	f := newFixture(t)

	_, err := f.machine.BulkApprove(context.Background(), []string{"a", "b", "c", "d", "e"}, f.reviewer, "", 4)
	if !IsPrecondition(err) {
		t.Errorf("expected precondition error, got %v", err)
	}
}
