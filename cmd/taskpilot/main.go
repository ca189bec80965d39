package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/taskpilot/internal/aggregate"
	"github.com/aristath/taskpilot/internal/config"
	"github.com/aristath/taskpilot/internal/dispatch"
	"github.com/aristath/taskpilot/internal/events"
	"github.com/aristath/taskpilot/internal/gateway"
	"github.com/aristath/taskpilot/internal/httpapi"
	"github.com/aristath/taskpilot/internal/poll"
	"github.com/aristath/taskpilot/internal/schedule"
	"github.com/aristath/taskpilot/internal/store"
	"github.com/aristath/taskpilot/internal/task"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	// Create signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadDefault()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	st, err := store.NewSQLiteStore(ctx, cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	bus := events.NewBus()
	defer bus.Close()

	endpoints, err := gateway.ParseEndpoints(cfg.Gateway.URLs, cfg.GatewayToken(), cfg.GatewayPassword())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing gateway urls: %v\n", err)
		os.Exit(1)
	}

	coordinator := dispatch.NewCoordinator(st, bus, cfg.ModelFor(cfg.DefaultAgent), endpoints)
	aggregator := aggregate.New(st, bus)
	coordinator.Parents = aggregator

	// The scheduler's fired callback loads the task fresh and dispatches it.
	// The job handle is written to the row before the timer is armed and
	// cleared on every exit path of a fire.
	sched := schedule.New(
		func(ctx context.Context, taskID string) error {
			t, err := st.GetTask(ctx, taskID)
			if err != nil {
				return err
			}
			_, err = coordinator.Dispatch(ctx, t)
			return err
		},
		func(ctx context.Context, taskID, jobID string) error {
			return st.PatchTask(ctx, taskID, store.TaskPatch{ScheduledJobID: &jobID})
		},
		func(ctx context.Context, taskID string) error {
			empty := ""
			return st.PatchTask(ctx, taskID, store.TaskPatch{ScheduledJobID: &empty})
		},
	)
	defer sched.Stop()
	rescheduleHeld(ctx, st, sched)

	reconciler := poll.NewReconciler(st, bus, gateway.NewMultiClient(endpoints))
	reconciler.Parents = aggregator
	go reconciler.Run(ctx)

	// Log the event stream.
	go func() {
		for ev := range bus.SubscribeAll(0) {
			if ev.TaskID() != "" {
				log.Printf("event %s task=%s", ev.EventType(), ev.TaskID())
				continue
			}
			log.Printf("event %s", ev.EventType())
		}
	}()

	api := httpapi.NewServer(st, bus, sched, coordinator, aggregator, cfg.DefaultAgent)
	api.Sessions = gateway.NewMultiClient(endpoints)
	server := &http.Server{Addr: cfg.Server.Addr, Handler: api.Router()}

	errChan := make(chan error, 1)
	go func() {
		log.Printf("taskpilot listening on %s", cfg.Server.Addr)
		errChan <- server.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		if err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		// Call stop() to restore default signal handling (double Ctrl+C =
		// force exit)
		stop()
		log.Println("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP shutdown error: %v", err)
		}
	}

	log.Println("Shutdown complete")
}

// rescheduleHeld re-arms scheduler entries for tasks that were waiting on a
// future fire time when the previous process exited. Fire times already in
// the past fire immediately.
func rescheduleHeld(ctx context.Context, st *store.Store, sched *schedule.Scheduler) {
	tasks, err := st.ListTasks(ctx)
	if err != nil {
		log.Printf("failed to list tasks for rescheduling: %v", err)
		return
	}
	for _, t := range tasks {
		if t.AIStatus != task.AIAssigned || t.ScheduledAt == 0 || t.ScheduledJobID == "" {
			continue
		}
		if _, err := sched.Schedule(ctx, t.ID, time.UnixMilli(t.ScheduledAt)); err != nil {
			log.Printf("failed to re-arm schedule for task %s: %v", t.ID, err)
		}
	}
}
