package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// SessionState is the reconciler's view of a gateway chat session.
type SessionState string

const (
	// SessionRunning means the session exists but has not produced a final
	// assistant reply yet.
	SessionRunning SessionState = "running"
	// SessionCompleted means the last message is an assistant message with
	// non-empty text content.
	SessionCompleted SessionState = "completed"
)

const (
	statusHistoryLimit     = 1
	transcriptHistoryLimit = 50
)

// Caller is the RPC surface MultiClient needs from Client.
type Caller interface {
	Call(ctx context.Context, baseURL, method string, params any, opts CallOptions) ([]byte, error)
}

type clientCaller struct{ c *Client }

func (cc clientCaller) Call(ctx context.Context, baseURL, method string, params any, opts CallOptions) ([]byte, error) {
	return cc.c.Call(ctx, baseURL, method, params, opts)
}

// MultiClient fans a call across an ordered endpoint list, returning the
// first success. Every endpoint failing surfaces the last error.
type MultiClient struct {
	Endpoints []Endpoint
	caller    Caller
}

// NewMultiClient builds a failover client over endpoints using a fresh
// connection-per-call Client.
func NewMultiClient(endpoints []Endpoint) *MultiClient {
	return &MultiClient{Endpoints: endpoints, caller: clientCaller{c: &Client{}}}
}

func (m *MultiClient) call(ctx context.Context, method string, params any) ([]byte, error) {
	if len(m.Endpoints) == 0 {
		return nil, fmt.Errorf("no gateway endpoints configured")
	}
	var lastErr error
	for _, ep := range m.Endpoints {
		payload, err := m.caller.Call(ctx, ep.BaseURL, method, params, CallOptions{
			Token:    ep.Token,
			Password: ep.Password,
		})
		if err == nil {
			return payload, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

type historyParams struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit"`
}

type sessionsParams struct {
	IncludeGlobal  bool `json:"includeGlobal"`
	IncludeUnknown bool `json:"includeUnknown"`
	Limit          int  `json:"limit"`
}

// Session is one live gateway conversation.
type Session struct {
	Key       string `json:"key"`
	Label     string `json:"label,omitempty"`
	UpdatedAt int64  `json:"updatedAt,omitempty"`
}

// Sessions lists the gateway's conversations, most recent first as the
// gateway returns them.
func (m *MultiClient) Sessions(ctx context.Context, limit int) ([]Session, error) {
	payload, err := m.call(ctx, "sessions.list", sessionsParams{
		IncludeGlobal:  true,
		IncludeUnknown: true,
		Limit:          limit,
	})
	if err != nil {
		return nil, err
	}

	var sessions []Session
	for _, entry := range gjson.GetBytes(payload, "sessions").Array() {
		sessions = append(sessions, Session{
			Key:       entry.Get("key").String(),
			Label:     entry.Get("label").String(),
			UpdatedAt: entry.Get("updatedAt").Int(),
		})
	}
	return sessions, nil
}

// SessionStatus probes the session identified by sessionKey. The session is
// completed exactly when its most recent message is an assistant message with
// at least one non-empty text part.
func (m *MultiClient) SessionStatus(ctx context.Context, sessionKey string) (SessionState, error) {
	payload, err := m.call(ctx, "chat.history", historyParams{SessionKey: sessionKey, Limit: statusHistoryLimit})
	if err != nil {
		return "", err
	}

	messages := gjson.GetBytes(payload, "messages")
	if !messages.IsArray() || len(messages.Array()) == 0 {
		return SessionRunning, nil
	}
	last := messages.Array()[len(messages.Array())-1]
	if messageText(last) == "" {
		return SessionRunning, nil
	}
	return SessionCompleted, nil
}

// Transcript fetches the assistant side of the session's recent history.
// Text parts within a message join with a newline; messages join with a blank
// line. Returns an error when the session has no assistant text at all, so
// callers can retry a gateway that has not flushed the reply yet.
func (m *MultiClient) Transcript(ctx context.Context, sessionKey string) (string, error) {
	payload, err := m.call(ctx, "chat.history", historyParams{SessionKey: sessionKey, Limit: transcriptHistoryLimit})
	if err != nil {
		return "", err
	}

	var parts []string
	for _, msg := range gjson.GetBytes(payload, "messages").Array() {
		if text := messageText(msg); text != "" {
			parts = append(parts, text)
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("session %s has no assistant output yet", sessionKey)
	}
	return strings.Join(parts, "\n\n"), nil
}

// messageText extracts the joined text parts of an assistant message entry,
// or "" when the entry is not an assistant message or carries no text.
func messageText(entry gjson.Result) string {
	msg := entry.Get("message")
	if msg.Get("role").String() != "assistant" {
		return ""
	}
	var texts []string
	for _, part := range msg.Get("content").Array() {
		if part.Get("type").String() != "text" {
			continue
		}
		if t := part.Get("text").String(); strings.TrimSpace(t) != "" {
			texts = append(texts, t)
		}
	}
	return strings.Join(texts, "\n")
}
