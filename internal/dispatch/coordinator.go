// Package dispatch sends AI-flagged tasks to the agent gateway, failing over
// across candidate endpoints and converting every outcome into a terminal
// task state.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/aristath/taskpilot/internal/events"
	"github.com/aristath/taskpilot/internal/gateway"
	"github.com/aristath/taskpilot/internal/store"
	"github.com/aristath/taskpilot/internal/task"
)

// endpointTimeout bounds one chat-completion attempt against one endpoint.
const endpointTimeout = 120 * time.Second

// ParentNotifier is told when a subtask reaches a terminal state so the
// parent's rollup can be recomputed.
type ParentNotifier interface {
	SubtaskFinished(ctx context.Context, parentID string) error
}

// Result describes one dispatch attempt: which endpoint served it, the
// extracted response, and the per-endpoint errors accumulated before success.
type Result struct {
	Endpoint string
	Response string
	Errors   []string
}

// Coordinator owns the Task and AgentRun side effects of dispatching. Per-URL
// errors are absorbed; the coordinator only raises after exhausting every
// candidate, and the task always lands in a terminal aiStatus.
type Coordinator struct {
	store     *store.Store
	bus       *events.Bus
	model     string
	endpoints []gateway.Endpoint
	breakers  *breakerRegistry

	// Parents, when set, is notified after a subtask finishes.
	Parents ParentNotifier

	// isLoopback may be replaced in tests that dial local fixtures.
	isLoopback func(host string) bool
}

// NewCoordinator builds a coordinator over an ordered endpoint list. The
// first endpoint is the configured primary; the rest are fallbacks.
func NewCoordinator(st *store.Store, bus *events.Bus, model string, endpoints []gateway.Endpoint) *Coordinator {
	return &Coordinator{
		store:      st,
		bus:        bus,
		model:      model,
		endpoints:  endpoints,
		breakers:   newBreakerRegistry(),
		isLoopback: hostIsLoopback,
	}
}

// Dispatch runs t against the first endpoint that answers with non-empty
// text. The task's scheduledJobId is cleared on every exit path.
func (c *Coordinator) Dispatch(ctx context.Context, t *task.Task) (*Result, error) {
	defer c.clearScheduledJob(t.ID)

	if len(c.endpoints) == 0 {
		reason := "no gateway endpoint configured"
		c.markFailed(t, "", reason)
		return nil, fmt.Errorf("%s", reason)
	}

	prompt, err := task.BuildPrompt(t.Title, t.Description)
	if err != nil {
		c.markFailed(t, "", err.Error())
		return nil, err
	}

	sessionKey := task.SessionKey(t.Agent, t.ID)
	runID, err := c.store.CreateRun(ctx, t.ID, t.Agent, prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to record agent run: %w", err)
	}

	running := task.AIRunning
	progress := 10
	note := "Dispatching to agent gateway"
	startedAt := task.Now()
	if err := c.store.PatchTask(ctx, t.ID, store.TaskPatch{
		AIStatus:        &running,
		AIProgress:      &progress,
		AIResponseShort: &note,
		SessionID:       &sessionKey,
		AIStartedAt:     &startedAt,
	}); err != nil {
		return nil, fmt.Errorf("failed to mark task running: %w", err)
	}

	res := &Result{}
	for _, ep := range c.endpoints {
		host := endpointHost(ep.BaseURL)
		if host == "" {
			res.Errors = append(res.Errors, fmt.Sprintf("invalid gateway url %q", ep.BaseURL))
			continue
		}
		if c.isLoopback(host) {
			res.Errors = append(res.Errors, fmt.Sprintf("%s is unreachable from execution environment", ep.BaseURL))
			continue
		}

		text, err := c.complete(ctx, ep, prompt, t.Agent, sessionKey, t.ID)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", ep.BaseURL, err))
			continue
		}

		res.Endpoint = ep.BaseURL
		res.Response = text
		c.markCompleted(t, runID, text)
		c.bus.Publish(events.TopicTask, events.TaskDispatchedEvent{
			ID: t.ID, Agent: t.Agent, Endpoint: ep.BaseURL, Timestamp: time.Now(),
		})
		c.bus.Publish(events.TopicTask, events.TaskCompletedEvent{
			ID: t.ID, Response: text, Timestamp: time.Now(),
		})
		c.notifyParent(t)
		return res, nil
	}

	reason := "gateway unreachable"
	if len(res.Errors) > 0 {
		reason = res.Errors[len(res.Errors)-1]
	}
	c.markFailed(t, runID, reason)
	return res, fmt.Errorf("dispatch failed for task %s: %s", t.ID, reason)
}

// complete sends one OpenAI-compatible chat-completion request through the
// endpoint's circuit breaker and returns the extracted text.
func (c *Coordinator) complete(ctx context.Context, ep gateway.Endpoint, prompt, agent, sessionKey, taskID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, endpointTimeout)
	defer cancel()

	cb := c.breakers.get(ep.BaseURL)
	out, err := cb.Execute(func() (interface{}, error) {
		client := openai.NewClient(
			option.WithBaseURL(strings.TrimRight(ep.BaseURL, "/")+"/v1"),
			option.WithAPIKey(credential(ep)),
			option.WithHeader("X-Taskpilot-Agent-Id", agent),
			option.WithHeader("X-Taskpilot-Session-Key", sessionKey),
			option.WithHeader("X-Taskpilot-Task-Id", taskID),
			option.WithMaxRetries(0),
		)
		completion, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
			Model: openai.ChatModel(c.model),
			Messages: []openai.ChatCompletionMessageParamUnion{
				openai.UserMessage(prompt),
			},
		})
		if err != nil {
			return nil, err
		}
		if len(completion.Choices) == 0 {
			return nil, fmt.Errorf("empty completion")
		}
		text := strings.TrimSpace(completion.Choices[0].Message.Content)
		if text == "" {
			return nil, fmt.Errorf("completion contained no text")
		}
		return text, nil
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

func (c *Coordinator) markCompleted(t *task.Task, runID, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	completed := task.AICompleted
	review := task.StatusReview
	progress := 100
	short := task.Shorten(text)
	completedAt := task.Now()
	if err := c.store.PatchTask(ctx, t.ID, store.TaskPatch{
		AIStatus:        &completed,
		Status:          &review,
		AIProgress:      &progress,
		AIResponse:      &text,
		AIResponseShort: &short,
		AICompletedAt:   &completedAt,
	}); err != nil {
		log.Printf("dispatch: failed to mark task %s completed: %v", t.ID, err)
	}
	if err := c.store.CompleteRun(ctx, runID, task.RunCompleted, text, 100); err != nil {
		log.Printf("dispatch: failed to complete run %s: %v", runID, err)
	}
}

func (c *Coordinator) markFailed(t *task.Task, runID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	failed := task.AIFailed
	progress := 0
	short := task.Shorten(reason)
	if err := c.store.PatchTask(ctx, t.ID, store.TaskPatch{
		AIStatus:        &failed,
		AIProgress:      &progress,
		AIResponseShort: &short,
	}); err != nil {
		log.Printf("dispatch: failed to mark task %s failed: %v", t.ID, err)
	}
	if runID != "" {
		if err := c.store.CompleteRun(ctx, runID, task.RunFailed, reason, 0); err != nil {
			log.Printf("dispatch: failed to fail run %s: %v", runID, err)
		}
	}
	c.bus.Publish(events.TopicTask, events.TaskFailedEvent{ID: t.ID, Reason: reason, Timestamp: time.Now()})
	c.notifyParent(t)
}

func (c *Coordinator) notifyParent(t *task.Task) {
	if c.Parents == nil || t.ParentTaskID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Parents.SubtaskFinished(ctx, t.ParentTaskID); err != nil {
		log.Printf("dispatch: parent rollup for %s: %v", t.ParentTaskID, err)
	}
}

// clearScheduledJob runs on every Dispatch exit path so nothing keeps
// referencing a fired or abandoned job.
func (c *Coordinator) clearScheduledJob(taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	empty := ""
	if err := c.store.PatchTask(ctx, taskID, store.TaskPatch{ScheduledJobID: &empty}); err != nil {
		log.Printf("dispatch: failed to clear scheduled job for task %s: %v", taskID, err)
	}
}

func credential(ep gateway.Endpoint) string {
	if ep.Token != "" {
		return ep.Token
	}
	return ep.Password
}

func endpointHost(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// hostIsLoopback reports whether host names a loopback address. Unresolvable
// hosts are not treated as loopback; they fail later at dial time.
func hostIsLoopback(host string) bool {
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	if host == "localhost" {
		return true
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return false
	}
	for _, ip := range ips {
		if ip.IsLoopback() {
			return true
		}
	}
	return false
}
