package poll

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/cenkalti/backoff/v4"

	"github.com/aristath/taskpilot/internal/events"
	"github.com/aristath/taskpilot/internal/gateway"
	"github.com/aristath/taskpilot/internal/store"
	"github.com/aristath/taskpilot/internal/task"
)

// stubGateway scripts SessionStatus responses per call and serves a fixed
// transcript.
type stubGateway struct {
	mu         sync.Mutex
	calls      int
	script     func(call int, sessionKey string) (gateway.SessionState, error)
	transcript func(sessionKey string) (string, error)
}

func (s *stubGateway) SessionStatus(ctx context.Context, sessionKey string) (gateway.SessionState, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()
	return s.script(call, sessionKey)
}

func (s *stubGateway) Transcript(ctx context.Context, sessionKey string) (string, error) {
	if s.transcript != nil {
		return s.transcript(sessionKey)
	}
	return "transcript for " + sessionKey, nil
}

func (s *stubGateway) statusCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testReconciler(t *testing.T, gw Gateway) (*Reconciler, *store.Store) {
	t.Helper()
	st, err := store.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	return NewReconciler(st, bus, gw), st
}

func seedRunningTask(t *testing.T, st *store.Store) *task.Task {
	t.Helper()
	tk := &task.Task{
		Title:    "Summarize incident",
		Agent:    "main",
		AIStatus: task.AIRunning,
	}
	if err := st.CreateTask(context.Background(), tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	session := task.SessionKey(tk.Agent, tk.ID)
	if err := st.PatchTask(context.Background(), tk.ID, store.TaskPatch{SessionID: &session}); err != nil {
		t.Fatalf("PatchTask: %v", err)
	}
	tk.SessionID = session
	return tk
}

func TestConsecutiveErrorsForceFailure(t *testing.T) {
	gw := &stubGateway{script: func(call int, _ string) (gateway.SessionState, error) {
		return "", fmt.Errorf("HTTP 502 from gateway")
	}}
	r, st := testReconciler(t, gw)
	tk := seedRunningTask(t, st)

	for i := 0; i < maxConsecutiveErrors; i++ {
		if err := r.Tick(context.Background()); err != nil {
			t.Fatalf("Tick %d: %v", i, err)
		}
	}

	got, err := st.GetTask(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.AIStatus != task.AIFailed {
		t.Fatalf("aiStatus = %s, want failed", got.AIStatus)
	}
	if !strings.Contains(got.AIResponseShort, fmt.Sprintf("%d consecutive", maxConsecutiveErrors)) {
		t.Errorf("aiResponseShort = %q, want the threshold named", got.AIResponseShort)
	}
	if !strings.Contains(got.AIResponseShort, "HTTP 502") {
		t.Errorf("aiResponseShort = %q, want the last gateway error", got.AIResponseShort)
	}

	// Terminal state removes the task from the pollable set.
	before := gw.statusCalls()
	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick after failure: %v", err)
	}
	if gw.statusCalls() != before {
		t.Error("task polled again after leaving running state")
	}
}

func TestSingleSuccessResetsConsecutiveErrors(t *testing.T) {
	// Errors on every call except one success in the middle. Without the
	// reset the failure would land one tick earlier.
	gw := &stubGateway{script: func(call int, _ string) (gateway.SessionState, error) {
		if call == maxConsecutiveErrors {
			return gateway.SessionRunning, nil
		}
		return "", fmt.Errorf("connection refused")
	}}
	r, st := testReconciler(t, gw)
	tk := seedRunningTask(t, st)

	// maxConsecutiveErrors-1 errors, one success, then maxConsecutiveErrors
	// more errors before the forced failure.
	total := maxConsecutiveErrors - 1 + 1 + maxConsecutiveErrors
	for i := 0; i < total; i++ {
		if err := r.Tick(context.Background()); err != nil {
			t.Fatalf("Tick %d: %v", i, err)
		}
		got, _ := st.GetTask(context.Background(), tk.ID)
		if i < total-1 && got.AIStatus != task.AIRunning {
			t.Fatalf("tick %d: aiStatus = %s, want still running", i, got.AIStatus)
		}
	}

	got, _ := st.GetTask(context.Background(), tk.ID)
	if got.AIStatus != task.AIFailed {
		t.Fatalf("aiStatus = %s, want failed after errors resumed", got.AIStatus)
	}
}

func TestSuccessfulProbeResetsCounterBeforeTranscriptFetch(t *testing.T) {
	// Three transport errors, then the status probe succeeds but the
	// transcript is not flushed yet. The successful probe must clear the
	// error streak so the transcript failure counts as the first of a new
	// one rather than crossing the threshold.
	gw := &stubGateway{
		script: func(call int, _ string) (gateway.SessionState, error) {
			if call < maxConsecutiveErrors {
				return "", fmt.Errorf("connection refused")
			}
			return gateway.SessionCompleted, nil
		},
		// Permanent so the in-tick retry loop gives up immediately.
		transcript: func(string) (string, error) {
			return "", backoff.Permanent(fmt.Errorf("gateway has not flushed the reply"))
		},
	}
	r, st := testReconciler(t, gw)
	tk := seedRunningTask(t, st)

	for i := 0; i < maxConsecutiveErrors; i++ {
		if err := r.Tick(context.Background()); err != nil {
			t.Fatalf("Tick %d: %v", i, err)
		}
	}

	got, _ := st.GetTask(context.Background(), tk.ID)
	if got.AIStatus != task.AIRunning {
		t.Fatalf("aiStatus = %s, want still running after one transcript failure", got.AIStatus)
	}

	r.mu.Lock()
	ctr := r.state[tk.ID]
	r.mu.Unlock()
	if ctr == nil || ctr.consecutive != 1 {
		t.Fatalf("consecutive = %v, want 1 after the probe reset", ctr)
	}
}

func TestAttemptCapTimesOut(t *testing.T) {
	gw := &stubGateway{script: func(call int, _ string) (gateway.SessionState, error) {
		return gateway.SessionRunning, nil
	}}
	r, st := testReconciler(t, gw)
	tk := seedRunningTask(t, st)

	for i := 0; i < maxAttempts; i++ {
		if err := r.Tick(context.Background()); err != nil {
			t.Fatalf("Tick %d: %v", i, err)
		}
	}

	got, _ := st.GetTask(context.Background(), tk.ID)
	if got.AIStatus != task.AIFailed {
		t.Fatalf("aiStatus = %s, want failed at the attempt cap", got.AIStatus)
	}
	want := fmt.Sprintf("timed out after %d attempts", maxAttempts)
	if !strings.Contains(got.AIResponseShort, want) {
		t.Errorf("aiResponseShort = %q, want %q", got.AIResponseShort, want)
	}
}

func TestCompletionStoresTranscript(t *testing.T) {
	transcript := "Looked into the incident.\n\nRoot cause: expired certificate."
	gw := &stubGateway{
		script: func(call int, _ string) (gateway.SessionState, error) {
			if call < 3 {
				return gateway.SessionRunning, nil
			}
			return gateway.SessionCompleted, nil
		},
		transcript: func(string) (string, error) { return transcript, nil },
	}
	r, st := testReconciler(t, gw)
	tk := seedRunningTask(t, st)

	for i := 0; i < 3; i++ {
		if err := r.Tick(context.Background()); err != nil {
			t.Fatalf("Tick %d: %v", i, err)
		}
	}

	got, _ := st.GetTask(context.Background(), tk.ID)
	if got.AIStatus != task.AICompleted || got.AIProgress != 100 {
		t.Fatalf("aiStatus=%s progress=%d, want completed/100", got.AIStatus, got.AIProgress)
	}
	if got.Status != task.StatusReview {
		t.Errorf("status = %s, want review", got.Status)
	}
	if got.AIResponse != transcript {
		t.Errorf("aiResponse = %q", got.AIResponse)
	}
	if got.AIResponseShort != task.Shorten(transcript) {
		t.Errorf("aiResponseShort = %q", got.AIResponseShort)
	}
	if got.AICompletedAt == 0 {
		t.Error("aiCompletedAt not stamped")
	}
}

func TestExternalWriterStopsPolling(t *testing.T) {
	gw := &stubGateway{script: func(call int, _ string) (gateway.SessionState, error) {
		return gateway.SessionRunning, nil
	}}
	r, st := testReconciler(t, gw)
	tk := seedRunningTask(t, st)

	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	// A peer writer stops the task.
	failed := task.AIFailed
	reason := "Stopped by user"
	if err := st.PatchTask(context.Background(), tk.ID, store.TaskPatch{AIStatus: &failed, AIResponseShort: &reason}); err != nil {
		t.Fatalf("PatchTask: %v", err)
	}

	before := gw.statusCalls()
	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if gw.statusCalls() != before {
		t.Error("stopped task still polled")
	}

	// A later retry starts with fresh counters.
	r.mu.Lock()
	if len(r.state) != 0 {
		t.Errorf("counters = %v, want pruned after the task left the running set", r.state)
	}
	r.mu.Unlock()
}

func TestInFlightGuardSkipsOverlappingPoll(t *testing.T) {
	gw := &stubGateway{script: func(call int, _ string) (gateway.SessionState, error) {
		return gateway.SessionRunning, nil
	}}
	r, st := testReconciler(t, gw)
	tk := seedRunningTask(t, st)

	if !r.acquire(tk.ID) {
		t.Fatal("acquire failed on idle task")
	}
	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if gw.statusCalls() != 0 {
		t.Error("in-flight task polled concurrently")
	}
	r.release(tk.ID)

	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if gw.statusCalls() != 1 {
		t.Errorf("calls = %d, want 1 after release", gw.statusCalls())
	}
}

func TestTasksPollIndependently(t *testing.T) {
	gw := &stubGateway{script: func(call int, sessionKey string) (gateway.SessionState, error) {
		if strings.Contains(sessionKey, "task:bad-") {
			return "", fmt.Errorf("gateway down")
		}
		return gateway.SessionCompleted, nil
	}}
	r, st := testReconciler(t, gw)

	good := seedRunningTask(t, st)
	bad := &task.Task{ID: "bad-1", Title: "Doomed", Agent: "main", AIStatus: task.AIRunning}
	if err := st.CreateTask(context.Background(), bad); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	session := task.SessionKey(bad.Agent, bad.ID)
	if err := st.PatchTask(context.Background(), bad.ID, store.TaskPatch{SessionID: &session}); err != nil {
		t.Fatalf("PatchTask: %v", err)
	}

	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	gotGood, _ := st.GetTask(context.Background(), good.ID)
	if gotGood.AIStatus != task.AICompleted {
		t.Errorf("good task aiStatus = %s, want completed despite the sibling's errors", gotGood.AIStatus)
	}
	gotBad, _ := st.GetTask(context.Background(), bad.ID)
	if gotBad.AIStatus != task.AIRunning {
		t.Errorf("bad task aiStatus = %s, want still running under the error threshold", gotBad.AIStatus)
	}
}
