package task

import (
	"fmt"
	"strings"
	"time"
)

// ShortResponseLen is the size of the truncated response stored alongside the
// full text for list views and failure summaries.
const ShortResponseLen = 200

// Task is the tracked unit of work. AI-flagged tasks are executed by an
// external agent gateway; the orchestration core owns every aiStatus
// transition.
type Task struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	Status   Status   `json:"status"`
	AIStatus AIStatus `json:"aiStatus"`

	Agent            string `json:"agent,omitempty"`            // agent role the task is assigned to
	HeartbeatAgentID string `json:"heartbeatAgentId,omitempty"` // agent identity that may claim this task via heartbeat

	AIProgress      int      `json:"aiProgress"` // 0..100
	AIResponse      string   `json:"aiResponse,omitempty"`
	AIResponseShort string   `json:"aiResponseShort,omitempty"`
	AIBlockers      []string `json:"aiBlockers,omitempty"`

	DependsOn    []string `json:"dependsOn,omitempty"`
	ParentTaskID string   `json:"parentTaskId,omitempty"`

	ScheduledAt    int64  `json:"scheduledAt,omitempty"`    // unix millis; zero means not scheduled
	ScheduledJobID string `json:"scheduledJobId,omitempty"` // pending schedule entry, at most one per task

	SessionID string `json:"sessionId,omitempty"` // gateway conversation bound to this task

	CreatedAt     int64 `json:"createdAt"` // unix millis
	UpdatedAt     int64 `json:"updatedAt"`
	AIStartedAt   int64 `json:"aiStartedAt,omitempty"`
	AICompletedAt int64 `json:"aiCompletedAt,omitempty"`
}

// AgentRun records one execution attempt, separate from the owning task's
// live state. TaskID may be empty for orphaned runs.
type AgentRun struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"taskId,omitempty"`
	Agent       string    `json:"agent,omitempty"`
	Status      RunStatus `json:"status"`
	Prompt      string    `json:"prompt,omitempty"`
	Response    string    `json:"response,omitempty"`
	Progress    int       `json:"progress"`
	StartedAt   int64     `json:"startedAt"`
	CompletedAt int64     `json:"completedAt,omitempty"`
}

// BuildPrompt renders the gateway prompt for a task.
func BuildPrompt(title, description string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", fmt.Errorf("title required")
	}
	description = strings.TrimSpace(description)
	if description == "" {
		return "Task: " + title, nil
	}
	return fmt.Sprintf("Task: %s\n\nDescription: %s", title, description), nil
}

// SessionKey returns the deterministic key binding a task (and its retries)
// to one continuing gateway conversation.
func SessionKey(agentID, taskID string) string {
	return fmt.Sprintf("agent:%s:task:%s", agentID, taskID)
}

// Shorten truncates a response to ShortResponseLen characters.
func Shorten(s string) string {
	if len(s) <= ShortResponseLen {
		return s
	}
	return s[:ShortResponseLen]
}

// Now returns the current time in unix milliseconds, the timestamp unit used
// throughout the store.
func Now() int64 {
	return time.Now().UnixMilli()
}
