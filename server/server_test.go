package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/c360studio/taskgate/agentic"
	"github.com/c360studio/taskgate/config"
	"github.com/c360studio/taskgate/events"
	"github.com/c360studio/taskgate/notify"
	"github.com/c360studio/taskgate/review"
	"github.com/c360studio/taskgate/roles"
	"github.com/c360studio/taskgate/session"
	"github.com/c360studio/taskgate/store"
)

type testEnv struct {
	server *Server
	ts     *httptest.Server
	repo   *session.Repository
	stream *events.Stream
	mr     *miniredis.Miniredis
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := config.DefaultConfig()
	// Deterministic rules only; council rules need live judge endpoints.
	cfg.Agentic.Rules = []config.RuleConfig{
		{ID: "selection_count", Enabled: true, Checkpoints: []string{"preflight", "final"}},
		{ID: "model_consistency", Enabled: true, Checkpoints: []string{"preflight", "final"}},
	}
	st := store.NewClientFromRedis(rdb, nil, nil)
	repo := session.NewRepository(st, cfg.Session.TTL(), nil)
	idem := session.NewIdempotency(st, cfg.Idempotency.TTL())
	audit := notify.NewAudit(st, cfg.Session.TTL(), nil)
	notifier := notify.NewNotifier(st, cfg.Notifications.Cap, cfg.Notifications.TTL(), nil)
	stream := events.NewStream(st, cfg.Session.TTL(), nil)
	presence := events.NewPresence(st, cfg.Presence.TTL(), nil)

	directory := roles.NewStaticDirectory([]roles.User{
		{Email: "trainer@example.com", Role: roles.RoleTrainer, Pods: []string{"pod-a"}},
		{Email: "other-trainer@example.com", Role: roles.RoleTrainer, Pods: []string{"pod-b"}},
		{Email: "rev@example.com", Role: roles.RoleReviewer, Pods: []string{"pod-a"}},
		{Email: "admin@example.com", Role: roles.RoleAdmin, Pods: []string{"pod-a", "pod-b"}},
		{Email: "root@example.com", Role: roles.RoleSuperAdmin},
	})

	machine := review.NewMachine(repo, audit, notifier, stream, directory, cfg.TaskIdentity, cfg.Review.MaxRounds, nil)
	engine := agentic.NewEngine(cfg.Agentic.Rules, agentic.NewHandlers(nil), nil)

	srv := New(Deps{
		Config:    cfg,
		Repo:      repo,
		Idem:      idem,
		Machine:   machine,
		Engine:    engine,
		Stream:    stream,
		Presence:  presence,
		Notifier:  notifier,
		Audit:     audit,
		Directory: directory,
	})

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &testEnv{server: srv, ts: ts, repo: repo, stream: stream, mr: mr}
}

// seedSession creates a session owned by trainer@example.com with four
// uniform hunt results, four submitted reviews, and qc done.
func (e *testEnv) seedSession(t *testing.T, id, trainerEmail string) {
	t.Helper()
	ctx := context.Background()
	nb := &session.Notebook{
		Prompt:    "write a haiku about redis",
		Reference: `[{"id":"C1","criteria1":"3 lines"},{"id":"C2","criteria2":"mentions code"}]`,
		Metadata:  map[string]string{"task_id": "T-9", "Domain": "creative writing"},
	}
	if err := e.repo.Create(ctx, id, json.RawMessage(`{}`), nb, trainerEmail); err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 4; i++ {
		err := e.repo.AppendResult(ctx, id, session.HuntResult{
			HuntID: i, Model: "qwen/qwen3-235b", Response: fmt.Sprintf("response %d", i),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	reviews := make(map[string]session.Review, 4)
	for i := 1; i <= 4; i++ {
		reviews[fmt.Sprint(i)] = session.Review{Judgment: "pass", Submitted: true, Model: "qwen/qwen3-235b"}
	}
	if err := e.repo.SetReviews(ctx, id, reviews); err != nil {
		t.Fatal(err)
	}
	if err := e.repo.SetMetaField(ctx, id, session.FieldQCDone, "true"); err != nil {
		t.Fatal(err)
	}
}

func (e *testEnv) do(t *testing.T, method, path, email string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, e.ts.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if email != "" {
		req.Header.Set("X-Trainer-Email", email)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out bytes.Buffer
	_, _ = out.ReadFrom(resp.Body)
	return resp, out.Bytes()
}

func TestIdentityRequired(t *testing.T) {
	e := newTestEnv(t)

	resp, _ := e.do(t, http.MethodGet, "/api/queue", "", nil, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("missing header status = %d", resp.StatusCode)
	}

	resp, _ = e.do(t, http.MethodGet, "/api/queue", "stranger@example.com", nil, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("unknown user status = %d", resp.StatusCode)
	}
}

func TestGetSession(t *testing.T) {
	e := newTestEnv(t)
	e.seedSession(t, "s1", "trainer@example.com")

	resp, body := e.do(t, http.MethodGet, "/api/session/s1", "trainer@example.com", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}

	var state session.FullState
	if err := json.Unmarshal(body, &state); err != nil {
		t.Fatal(err)
	}
	if state.Meta.ReviewStatus != session.StatusDraft || len(state.Reviews) != 4 {
		t.Errorf("state = %+v", state.Meta)
	}

	resp, _ = e.do(t, http.MethodGet, "/api/session/ghost", "trainer@example.com", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session status = %d", resp.StatusCode)
	}
}

func TestSubmitWithoutQCReturns400(t *testing.T) {
	e := newTestEnv(t)
	e.seedSession(t, "s1", "trainer@example.com")
	if err := e.repo.SetMetaField(context.Background(), "s1", session.FieldQCDone, "false"); err != nil {
		t.Fatal(err)
	}
	before, _ := e.repo.GetVersion(context.Background(), "s1")

	resp, body := e.do(t, http.MethodPost, "/api/session/s1/submit-for-review", "trainer@example.com", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), "Complete the Quality Check") {
		t.Errorf("body = %s", body)
	}

	status, _ := e.repo.GetReviewStatus(context.Background(), "s1")
	if status != session.StatusDraft {
		t.Errorf("status changed to %q", status)
	}
	after, _ := e.repo.GetVersion(context.Background(), "s1")
	if after != before {
		t.Errorf("version changed: %d -> %d", before, after)
	}
}

func TestIdempotentSubmit(t *testing.T) {
	e := newTestEnv(t)
	e.seedSession(t, "s1", "trainer@example.com")

	headers := map[string]string{"Idempotency-Key": "submit-s1-once"}
	resp1, body1 := e.do(t, http.MethodPost, "/api/session/s1/submit-for-review", "trainer@example.com", nil, headers)
	if resp1.StatusCode != http.StatusOK {
		t.Fatalf("first submit status = %d: %s", resp1.StatusCode, body1)
	}

	// The replay returns the same body without a second transition.
	resp2, body2 := e.do(t, http.MethodPost, "/api/session/s1/submit-for-review", "trainer@example.com", nil, headers)
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("replay status = %d: %s", resp2.StatusCode, body2)
	}
	if !bytes.Equal(body1, body2) {
		t.Errorf("bodies differ:\n%s\n%s", body1, body2)
	}

	meta, _ := e.repo.GetMeta(context.Background(), "s1")
	if meta.ReviewRound != 1 {
		t.Errorf("round = %d, want 1 (single transition)", meta.ReviewRound)
	}
}

func TestCorruptIdempotencyEntryDoesNotBlockTransition(t *testing.T) {
	e := newTestEnv(t)
	e.seedSession(t, "s1", "trainer@example.com")

	// An unreadable cache entry degrades the keyed retry into a fresh
	// attempt; the transition itself must still go through.
	if err := e.mr.Set("idem:broken", "not json"); err != nil {
		t.Fatal(err)
	}

	headers := map[string]string{"Idempotency-Key": "broken"}
	resp, body := e.do(t, http.MethodPost, "/api/session/s1/submit-for-review", "trainer@example.com", nil, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	status, _ := e.repo.GetReviewStatus(context.Background(), "s1")
	if status != session.StatusSubmitted {
		t.Errorf("status = %q", status)
	}
}

func TestReviewWriteVersionGuard(t *testing.T) {
	e := newTestEnv(t)
	e.seedSession(t, "s1", "trainer@example.com")

	write := func(version int64) (*http.Response, []byte) {
		return e.do(t, http.MethodPost, "/api/session/s1/reviews", "trainer@example.com", map[string]any{
			"version": version,
			"slot":    "1",
			"review":  session.Review{Judgment: "fail", Explanation: "misses C1", Submitted: true, Model: "qwen/qwen3-235b"},
		}, nil)
	}

	resp, body := write(0)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fresh write status = %d: %s", resp.StatusCode, body)
	}
	var out struct {
		Version int64 `json:"version"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Version != 1 {
		t.Errorf("version after write = %d", out.Version)
	}

	// A writer holding the old version must be told to re-read.
	resp, body = write(0)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("stale write status = %d: %s", resp.StatusCode, body)
	}
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		t.Fatal(err)
	}
	if eb.Observed != "1" {
		t.Errorf("observed = %q, want current version", eb.Observed)
	}

	if resp, body = write(1); resp.StatusCode != http.StatusOK {
		t.Fatalf("refreshed write status = %d: %s", resp.StatusCode, body)
	}
}

func TestConcurrentApproveConflict(t *testing.T) {
	e := newTestEnv(t)
	e.seedSession(t, "s1", "trainer@example.com")
	if _, body := e.do(t, http.MethodPost, "/api/session/s1/submit-for-review", "trainer@example.com", nil, nil); len(body) == 0 {
		t.Fatal("submit failed")
	}

	statuses := make([]int, 2)
	bodies := make([][]byte, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, body := e.do(t, http.MethodPost, "/api/tasks/s1/approve", "rev@example.com", map[string]string{"comment": "lgtm"}, nil)
			statuses[i], bodies[i] = resp.StatusCode, body
		}(i)
	}
	wg.Wait()

	var ok, conflict int
	for i, code := range statuses {
		switch code {
		case http.StatusOK:
			ok++
		case http.StatusConflict:
			conflict++
			var eb errorBody
			if err := json.Unmarshal(bodies[i], &eb); err != nil {
				t.Fatal(err)
			}
			if eb.Observed != session.StatusApproved {
				t.Errorf("observed = %q, want approved", eb.Observed)
			}
		default:
			t.Errorf("unexpected status %d: %s", code, bodies[i])
		}
	}
	if ok != 1 || conflict != 1 {
		t.Errorf("got %d ok / %d conflict", ok, conflict)
	}
}

func TestTrainerCannotApprove(t *testing.T) {
	e := newTestEnv(t)
	e.seedSession(t, "s1", "trainer@example.com")

	resp, _ := e.do(t, http.MethodPost, "/api/tasks/s1/approve", "trainer@example.com", nil, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestReturnAndDiff(t *testing.T) {
	e := newTestEnv(t)
	e.seedSession(t, "s1", "trainer@example.com")
	ctx := context.Background()

	e.do(t, http.MethodPost, "/api/session/s1/submit-for-review", "trainer@example.com", nil, nil)
	resp, body := e.do(t, http.MethodPost, "/api/tasks/s1/return", "rev@example.com",
		map[string]any{"feedback": map[string]string{"overall": "fix C2"}}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("return status = %d: %s", resp.StatusCode, body)
	}

	// Trainer revises slot 2, acknowledges, re-runs QC, resubmits.
	if err := e.repo.SetReview(ctx, "s1", "2", session.Review{Judgment: "fail", Explanation: "misses C2", Submitted: true, Model: "qwen/qwen3-235b"}); err != nil {
		t.Fatal(err)
	}
	e.do(t, http.MethodPost, "/api/session/s1/acknowledge", "trainer@example.com", nil, nil)
	e.do(t, http.MethodPost, "/api/session/s1/mark-qc-done", "trainer@example.com", nil, nil)
	resp, body = e.do(t, http.MethodPost, "/api/session/s1/resubmit", "trainer@example.com", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resubmit status = %d: %s", resp.StatusCode, body)
	}

	resp, body = e.do(t, http.MethodGet, "/api/tasks/s1/diff?v1=1&v2=2", "rev@example.com", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("diff status = %d: %s", resp.StatusCode, body)
	}
	var diff struct {
		Changes []session.ReviewChange `json:"changes"`
	}
	if err := json.Unmarshal(body, &diff); err != nil {
		t.Fatal(err)
	}
	if len(diff.Changes) == 0 {
		t.Error("expected changes between rounds")
	}
	found := false
	for _, c := range diff.Changes {
		if c.Slot == "2" && c.Field == "judgment" {
			found = true
		}
	}
	if !found {
		t.Errorf("missing slot 2 judgment change: %+v", diff.Changes)
	}
}

func TestQueueScoping(t *testing.T) {
	e := newTestEnv(t)
	e.seedSession(t, "a1", "trainer@example.com")       // pod-a
	e.seedSession(t, "b1", "other-trainer@example.com") // pod-b

	queueIDs := func(email string) []string {
		resp, body := e.do(t, http.MethodGet, "/api/queue", email, nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("queue status for %s = %d: %s", email, resp.StatusCode, body)
		}
		var out struct {
			Sessions []queueEntry `json:"sessions"`
		}
		if err := json.Unmarshal(body, &out); err != nil {
			t.Fatal(err)
		}
		ids := make([]string, len(out.Sessions))
		for i, s := range out.Sessions {
			ids[i] = s.SessionID
		}
		return ids
	}

	if ids := queueIDs("trainer@example.com"); len(ids) != 1 || ids[0] != "a1" {
		t.Errorf("trainer queue = %v", ids)
	}
	if ids := queueIDs("rev@example.com"); len(ids) != 1 || ids[0] != "a1" {
		t.Errorf("reviewer queue = %v", ids)
	}
	if ids := queueIDs("admin@example.com"); len(ids) != 2 {
		t.Errorf("admin queue = %v", ids)
	}
	if ids := queueIDs("root@example.com"); len(ids) != 2 {
		t.Errorf("super admin queue = %v", ids)
	}
}

func TestNotificationsEndpoints(t *testing.T) {
	e := newTestEnv(t)
	e.seedSession(t, "s1", "trainer@example.com")
	e.do(t, http.MethodPost, "/api/session/s1/submit-for-review", "trainer@example.com", nil, nil)

	resp, body := e.do(t, http.MethodGet, "/api/notifications", "rev@example.com", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var out struct {
		Notifications []notify.Notification `json:"notifications"`
		UnreadCount   int                   `json:"unread_count"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Notifications) != 1 || out.UnreadCount != 1 {
		t.Fatalf("notifications = %+v", out)
	}

	resp, _ = e.do(t, http.MethodPost, "/api/notifications/"+out.Notifications[0].ID+"/read", "rev@example.com", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("mark read status = %d", resp.StatusCode)
	}

	_, body = e.do(t, http.MethodGet, "/api/notifications", "rev@example.com", nil, nil)
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.UnreadCount != 0 {
		t.Errorf("unread after read = %d", out.UnreadCount)
	}

	resp, _ = e.do(t, http.MethodPost, "/api/notifications/ghost/read", "rev@example.com", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("ghost notification status = %d", resp.StatusCode)
	}
}

func TestAuditEndpoints(t *testing.T) {
	e := newTestEnv(t)
	e.seedSession(t, "s1", "trainer@example.com")
	e.do(t, http.MethodPost, "/api/session/s1/submit-for-review", "trainer@example.com", nil, nil)

	resp, body := e.do(t, http.MethodGet, "/api/tasks/s1/audit", "rev@example.com", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("session audit status = %d: %s", resp.StatusCode, body)
	}
	var out struct {
		Entries []notify.AuditEntry `json:"entries"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Entries) == 0 || out.Entries[0].Action != "submit_for_review" {
		t.Errorf("entries = %+v", out.Entries)
	}

	resp, _ = e.do(t, http.MethodGet, "/api/audit", "trainer@example.com", nil, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("global audit as trainer status = %d", resp.StatusCode)
	}

	resp, body = e.do(t, http.MethodGet, "/api/audit", "admin@example.com", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("global audit as admin status = %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Entries) == 0 {
		t.Error("global audit empty")
	}
}

func TestPresenceHeartbeat(t *testing.T) {
	e := newTestEnv(t)
	e.seedSession(t, "s1", "trainer@example.com")

	resp, _ := e.do(t, http.MethodPost, "/api/session/s1/presence", "rev@example.com", map[string]string{"action": "reviewing"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat status = %d", resp.StatusCode)
	}

	_, body := e.do(t, http.MethodGet, "/api/session/s1/presence", "trainer@example.com", nil, nil)
	var out struct {
		Viewers map[string]events.PresenceInfo `json:"viewers"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	v, ok := out.Viewers["rev@example.com"]
	if !ok || v.Role != roles.RoleReviewer || v.Action != "reviewing" {
		t.Errorf("viewers = %+v", out.Viewers)
	}
}

func TestAgenticPreflightUniformPasses(t *testing.T) {
	e := newTestEnv(t)
	e.seedSession(t, "s1", "trainer@example.com")

	req := map[string]any{
		"session":           "s1",
		"checkpoint":        "preflight",
		"selected_hunt_ids": []string{"1", "2", "3", "4"},
	}
	resp, body := e.do(t, http.MethodPost, "/api/review", "trainer@example.com", req, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}

	var result agentic.Result
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatal(err)
	}
	if !result.Passed || len(result.Issues) != 0 {
		t.Errorf("result = %+v", result)
	}
	if result.Checkpoint != "preflight" {
		t.Errorf("checkpoint = %q", result.Checkpoint)
	}
}

func TestAgenticPreflightMixedModelsFails(t *testing.T) {
	e := newTestEnv(t)
	e.seedSession(t, "s1", "trainer@example.com")
	// Overwrite hunt 2 with a different model.
	if err := e.repo.ResetResults(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	models := []string{"qwen/qwen3-235b", "openai/gpt-4o", "qwen/qwen3-235b", "qwen/qwen3-235b"}
	for i, m := range models {
		err := e.repo.AppendResult(context.Background(), "s1", session.HuntResult{HuntID: i + 1, Model: m})
		if err != nil {
			t.Fatal(err)
		}
	}

	req := map[string]any{
		"session":           "s1",
		"checkpoint":        "preflight",
		"selected_hunt_ids": []string{"1", "2", "3", "4"},
	}
	resp, body := e.do(t, http.MethodPost, "/api/review", "trainer@example.com", req, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}

	var result agentic.Result
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatal(err)
	}
	if result.Passed {
		t.Fatal("expected fail")
	}
	if len(result.Issues) != 1 || result.Issues[0].RuleID != "model_consistency" {
		t.Fatalf("issues = %+v", result.Issues)
	}
	msg := result.Issues[0].Message
	if !strings.Contains(msg, "qwen/qwen3-235b") || !strings.Contains(msg, "openai/gpt-4o") {
		t.Errorf("message does not name both models: %q", msg)
	}
}

func TestAgenticReviewValidation(t *testing.T) {
	e := newTestEnv(t)
	e.seedSession(t, "s1", "trainer@example.com")

	// Missing checkpoint.
	resp, _ := e.do(t, http.MethodPost, "/api/review", "trainer@example.com", map[string]any{"session": "s1"}, nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("missing checkpoint status = %d", resp.StatusCode)
	}

	// Wrong selection size.
	req := map[string]any{"session": "s1", "checkpoint": "preflight", "selected_hunt_ids": []string{"1"}}
	resp, _ = e.do(t, http.MethodPost, "/api/review", "trainer@example.com", req, nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("short selection status = %d", resp.StatusCode)
	}
}

// sseEvents reads `data:` frames from an SSE body into a channel of
// decoded values.
func sseEvents(body io.Reader) <-chan events.StreamEvent {
	out := make(chan events.StreamEvent, 8)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(body)
		for scanner.Scan() {
			payload, ok := strings.CutPrefix(scanner.Text(), "data: ")
			if !ok {
				continue
			}
			var ev events.StreamEvent
			if err := json.Unmarshal([]byte(payload), &ev); err != nil {
				continue
			}
			out <- ev
		}
	}()
	return out
}

func TestEventStreamReplayThenLive(t *testing.T) {
	e := newTestEnv(t)
	e.seedSession(t, "s1", "trainer@example.com")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id1, err := e.stream.Publish(ctx, "s1", events.Event{Type: "hunt_started", HuntID: "1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.stream.Publish(ctx, "s1", events.Event{Type: "hunt_completed", HuntID: "1"}); err != nil {
		t.Fatal(err)
	}

	// Reconnect after the first event: the gap is replayed, then the
	// stream goes live.
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, e.ts.URL+"/api/session/s1/stream?last_id="+id1, nil)
	req.Header.Set("X-Trainer-Email", "trainer@example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	got := sseEvents(resp.Body)
	select {
	case ev := <-got:
		if ev.Type != "hunt_completed" {
			t.Fatalf("replayed event = %+v", ev)
		}
	case <-ctx.Done():
		t.Fatal("no replayed event")
	}

	if _, err := e.stream.Publish(ctx, "s1", events.Event{Type: events.EventComplete}); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-got:
		if ev.Type != events.EventComplete {
			t.Fatalf("live event = %+v", ev)
		}
	case <-ctx.Done():
		t.Fatal("no live event after reconnect replay")
	}
}

func TestEventStreamFirstConnectEmptyLog(t *testing.T) {
	e := newTestEnv(t)
	e.seedSession(t, "s1", "trainer@example.com")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// No Last-Event-ID and nothing published yet: the stream must still
	// deliver events published after the connect.
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, e.ts.URL+"/api/session/s1/stream", nil)
	req.Header.Set("X-Trainer-Email", "trainer@example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	got := sseEvents(resp.Body)
	// Let the handler reach its subscription before publishing.
	time.Sleep(100 * time.Millisecond)
	if _, err := e.stream.Publish(ctx, "s1", events.Event{Type: events.EventComplete}); err != nil {
		t.Fatal(err)
	}

	var last events.StreamEvent
	for ev := range got {
		last = ev
	}
	if last.Type != events.EventComplete {
		t.Fatalf("expected terminal complete, got %+v", last)
	}
}

func TestChangeFeedEmitsOnTransition(t *testing.T) {
	if testing.Short() {
		t.Skip("change feed polls on a two second tick")
	}
	e := newTestEnv(t)
	e.seedSession(t, "s1", "trainer@example.com")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, e.ts.URL+"/api/session/s1/events", nil)
	req.Header.Set("X-Trainer-Email", "trainer@example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	type change struct {
		Version      int64  `json:"version"`
		ReviewStatus string `json:"review_status"`
	}
	changes := make(chan change, 4)
	go func() {
		defer close(changes)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			payload, ok := strings.CutPrefix(scanner.Text(), "data: ")
			if !ok {
				continue
			}
			var c change
			if err := json.Unmarshal([]byte(payload), &c); err != nil {
				continue
			}
			changes <- c
		}
	}()

	// Initial state arrives immediately.
	select {
	case c := <-changes:
		if c.ReviewStatus != session.StatusDraft {
			t.Fatalf("initial change = %+v", c)
		}
	case <-ctx.Done():
		t.Fatal("no initial event")
	}

	e.do(t, http.MethodPost, "/api/session/s1/submit-for-review", "trainer@example.com", nil, nil)

	select {
	case c := <-changes:
		if c.ReviewStatus != session.StatusSubmitted || c.Version < 1 {
			t.Fatalf("transition change = %+v", c)
		}
	case <-ctx.Done():
		t.Fatal("no change event after transition")
	}
}
