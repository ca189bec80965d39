// Package schedule arranges at-most-once future invocations of the execution
// entry point for tasks with a scheduledAt timestamp.
package schedule

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// fireTimeout bounds a fired callback, which may walk the whole endpoint
// failover chain.
const fireTimeout = 3 * time.Minute

// RunFunc is the execution entry point invoked when a job fires. It must
// convert its own failures into terminal task state; the scheduler only logs
// the returned error.
type RunFunc func(ctx context.Context, taskID string) error

// SetFunc writes the task's scheduledJobId reference. Invoked by Schedule
// before the timer is armed, so the handle is on the row by the time the job
// can fire.
type SetFunc func(ctx context.Context, taskID, jobID string) error

// ClearFunc removes the task's scheduledJobId reference. Invoked on every
// exit path of a fired job, before the callback outcome is known.
type ClearFunc func(ctx context.Context, taskID string) error

type entry struct {
	taskID string
	timer  *time.Timer
}

// Scheduler owns one pending timer per job handle, at most one per task.
// Scheduling a task that already has a pending job replaces it.
type Scheduler struct {
	mu    sync.Mutex
	jobs  map[string]*entry // jobID -> pending entry
	tasks map[string]string // taskID -> jobID

	run   RunFunc
	set   SetFunc
	clear ClearFunc
}

// New creates a Scheduler.
func New(run RunFunc, set SetFunc, clear ClearFunc) *Scheduler {
	return &Scheduler{
		jobs:  make(map[string]*entry),
		tasks: make(map[string]string),
		run:   run,
		set:   set,
		clear: clear,
	}
}

// Schedule arranges exactly one invocation of the run callback for taskID at
// fireAt. Returns the opaque job handle. The handle is written through the
// set callback before the timer is armed, so an already-due job cannot fire
// and clear a reference that has not been stored yet. A previously pending
// job for the same task is cancelled first, preserving the
// single-outstanding-job invariant.
func (s *Scheduler) Schedule(ctx context.Context, taskID string, fireAt time.Time) (string, error) {
	s.mu.Lock()
	if prev, ok := s.tasks[taskID]; ok {
		s.removeLocked(prev)
	}
	s.mu.Unlock()

	jobID := uuid.NewString()
	if s.set != nil {
		if err := s.set(ctx, taskID, jobID); err != nil {
			return "", err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.tasks[taskID]; ok {
		s.removeLocked(prev)
	}
	delay := time.Until(fireAt)
	if delay < 0 {
		delay = 0
	}

	e := &entry{taskID: taskID}
	e.timer = time.AfterFunc(delay, func() {
		s.fire(jobID, taskID)
	})
	s.jobs[jobID] = e
	s.tasks[taskID] = jobID
	return jobID, nil
}

// Cancel stops a pending job. It is a no-op if the job already fired or was
// never scheduled.
func (s *Scheduler) Cancel(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(jobID)
}

// CancelTask stops the pending job for a task, if any. Used when the task is
// deleted.
func (s *Scheduler) CancelTask(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if jobID, ok := s.tasks[taskID]; ok {
		s.removeLocked(jobID)
	}
}

// Stop cancels every pending job.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for jobID := range s.jobs {
		s.removeLocked(jobID)
	}
}

// Pending reports whether the job handle still has a timer outstanding.
func (s *Scheduler) Pending(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[jobID]
	return ok
}

func (s *Scheduler) removeLocked(jobID string) {
	e, ok := s.jobs[jobID]
	if !ok {
		return
	}
	e.timer.Stop()
	delete(s.jobs, jobID)
	delete(s.tasks, e.taskID)
}

// fire runs when the timer elapses. The scheduledJobId reference is cleared
// on every exit path, including a panicking callback; callback failures never
// propagate past this method.
func (s *Scheduler) fire(jobID, taskID string) {
	s.mu.Lock()
	if _, ok := s.jobs[jobID]; !ok {
		// Cancelled between timer fire and lock acquisition.
		s.mu.Unlock()
		return
	}
	delete(s.jobs, jobID)
	delete(s.tasks, taskID)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[schedule] job %s for task %s panicked: %v", jobID, taskID, r)
		}
		if err := s.clear(ctx, taskID); err != nil {
			log.Printf("[schedule] failed to clear job reference for task %s: %v", taskID, err)
		}
	}()

	if err := s.run(ctx, taskID); err != nil {
		log.Printf("[schedule] job %s for task %s failed: %v", jobID, taskID, err)
	}
}
