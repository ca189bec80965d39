// Package poll converges in-flight dispatches into terminal task states by
// probing the gateway session bound to each running task.
package poll

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/taskpilot/internal/events"
	"github.com/aristath/taskpilot/internal/gateway"
	"github.com/aristath/taskpilot/internal/store"
	"github.com/aristath/taskpilot/internal/task"
)

const (
	// DefaultInterval is the wall-clock tick between reconciliation passes.
	DefaultInterval = 15 * time.Second

	// maxAttempts caps total polls per task before it is declared timed out.
	maxAttempts = 40

	// maxConsecutiveErrors caps gateway transport failures in a row before
	// the task is declared failed.
	maxConsecutiveErrors = 4

	probeTimeout = 10 * time.Second
)

// Gateway is the probe surface the reconciler needs.
type Gateway interface {
	SessionStatus(ctx context.Context, sessionKey string) (gateway.SessionState, error)
	Transcript(ctx context.Context, sessionKey string) (string, error)
}

// ParentNotifier is told when a subtask reaches a terminal state.
type ParentNotifier interface {
	SubtaskFinished(ctx context.Context, parentID string) error
}

type counters struct {
	attempts    int
	consecutive int
}

// Reconciler polls every running task with a bound session. Different tasks
// poll in parallel; an in-flight guard prevents two overlapping polls of the
// same task. Counters persist across ticks and are dropped the moment a task
// leaves the running set.
type Reconciler struct {
	store    *store.Store
	bus      *events.Bus
	gw       Gateway
	interval time.Duration

	// Parents, when set, is notified after a subtask finishes.
	Parents ParentNotifier

	mu       sync.Mutex
	state    map[string]*counters
	inflight map[string]bool
}

// NewReconciler builds a reconciler over the store and gateway probe.
func NewReconciler(st *store.Store, bus *events.Bus, gw Gateway) *Reconciler {
	return &Reconciler{
		store:    st,
		bus:      bus,
		gw:       gw,
		interval: DefaultInterval,
		state:    make(map[string]*counters),
		inflight: make(map[string]bool),
	}
}

// Run ticks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Tick(ctx); err != nil {
				log.Printf("poll: tick failed: %v", err)
			}
		}
	}
}

// Tick runs one reconciliation pass and waits for every poll it started.
func (r *Reconciler) Tick(ctx context.Context) error {
	tasks, err := r.store.ListPollable(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pollable tasks: %w", err)
	}
	r.prune(tasks)

	g, ctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		if !r.acquire(t.ID) {
			continue
		}
		g.Go(func() error {
			defer r.release(t.ID)
			r.pollOne(ctx, t)
			return nil
		})
	}
	return g.Wait()
}

func (r *Reconciler) pollOne(ctx context.Context, t *task.Task) {
	ctr := r.counter(t.ID)
	ctr.attempts++

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	state, err := r.gw.SessionStatus(probeCtx, t.SessionID)
	cancel()

	if err != nil {
		ctr.consecutive++
		if ctr.consecutive >= maxConsecutiveErrors {
			r.fail(t, fmt.Sprintf("Session polling failed after %d consecutive gateway errors (last: %v)", maxConsecutiveErrors, err))
			r.drop(t.ID)
		}
		return
	}
	// Any successful probe clears the error streak; a transcript fetch
	// failing below starts a fresh one.
	ctr.consecutive = 0

	switch state {
	case gateway.SessionRunning:
		if ctr.attempts >= maxAttempts {
			r.fail(t, fmt.Sprintf("Session polling timed out after %d attempts", maxAttempts))
			r.drop(t.ID)
		}
	case gateway.SessionCompleted:
		text, err := r.fetchTranscript(ctx, t.SessionID)
		if err != nil {
			// The gateway may not have flushed the reply yet; count it
			// like a transport failure and let the next tick retry.
			ctr.consecutive++
			if ctr.consecutive >= maxConsecutiveErrors {
				r.fail(t, fmt.Sprintf("Session polling failed after %d consecutive gateway errors (last: %v)", maxConsecutiveErrors, err))
				r.drop(t.ID)
			}
			return
		}
		r.complete(t, text)
		r.drop(t.ID)
	}
}

// fetchTranscript retries the transcript fetch with exponential backoff
// inside one tick before giving up.
func (r *Reconciler) fetchTranscript(ctx context.Context, sessionKey string) (string, error) {
	var text string

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 8 * time.Second

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		var err error
		text, err = r.gw.Transcript(ctx, sessionKey)
		return err
	}
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return "", err
	}
	return text, nil
}

func (r *Reconciler) complete(t *task.Task, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	completed := task.AICompleted
	review := task.StatusReview
	progress := 100
	short := task.Shorten(text)
	completedAt := task.Now()
	if err := r.store.PatchTask(ctx, t.ID, store.TaskPatch{
		AIStatus:        &completed,
		Status:          &review,
		AIProgress:      &progress,
		AIResponse:      &text,
		AIResponseShort: &short,
		AICompletedAt:   &completedAt,
	}); err != nil {
		log.Printf("poll: failed to mark task %s completed: %v", t.ID, err)
		return
	}
	r.bus.Publish(events.TopicTask, events.TaskCompletedEvent{ID: t.ID, Response: text, Timestamp: time.Now()})
	r.notifyParent(t)
}

func (r *Reconciler) fail(t *task.Task, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	failed := task.AIFailed
	short := task.Shorten(reason)
	if err := r.store.PatchTask(ctx, t.ID, store.TaskPatch{
		AIStatus:        &failed,
		AIResponseShort: &short,
	}); err != nil {
		log.Printf("poll: failed to mark task %s failed: %v", t.ID, err)
		return
	}
	r.bus.Publish(events.TopicTask, events.TaskFailedEvent{ID: t.ID, Reason: reason, Timestamp: time.Now()})
	r.notifyParent(t)
}

func (r *Reconciler) notifyParent(t *task.Task) {
	if r.Parents == nil || t.ParentTaskID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Parents.SubtaskFinished(ctx, t.ParentTaskID); err != nil {
		log.Printf("poll: parent rollup for %s: %v", t.ParentTaskID, err)
	}
}

func (r *Reconciler) counter(taskID string) *counters {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctr, ok := r.state[taskID]
	if !ok {
		ctr = &counters{}
		r.state[taskID] = ctr
	}
	return ctr
}

func (r *Reconciler) drop(taskID string) {
	r.mu.Lock()
	delete(r.state, taskID)
	r.mu.Unlock()
}

// prune discards counters for tasks no longer in the pollable set, so a task
// stopped by a peer writer never resumes with stale counts on a later retry.
func (r *Reconciler) prune(tasks []*task.Task) {
	live := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		live[t.ID] = true
	}

	r.mu.Lock()
	for id := range r.state {
		if !live[id] {
			delete(r.state, id)
		}
	}
	r.mu.Unlock()
}

func (r *Reconciler) acquire(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight[taskID] {
		return false
	}
	r.inflight[taskID] = true
	return true
}

func (r *Reconciler) release(taskID string) {
	r.mu.Lock()
	delete(r.inflight, taskID)
	r.mu.Unlock()
}
