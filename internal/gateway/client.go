// Package gateway implements the RPC protocol client for the agent gateway.
//
// One call is one connection: dial, send a connect handshake, wait for the
// correlated response, then send the business request and wait for its
// response. There is no connection pooling; the observable timing of the
// handshake-then-call sequence is part of the contract with the gateway.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout bounds a full call (dial, handshake, request) unless the
// caller overrides it.
const DefaultTimeout = 15 * time.Second

const defaultPort = "18789"

// ProtocolError is any failure of the gateway RPC exchange: connect rejected,
// request timeout, malformed address, or the socket closing with requests
// pending. Its message is exactly what the caller should surface.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string { return e.Message }

// CallOptions carries per-call credentials and an optional timeout override.
type CallOptions struct {
	Token    string
	Password string
	Timeout  time.Duration
}

// Client issues one-shot RPC calls. The zero value is usable; Dial may be
// replaced in tests.
type Client struct {
	// Dial opens the transport connection. Defaults to a plain TCP dial.
	Dial func(ctx context.Context, addr string) (net.Conn, error)
}

// Call performs one full exchange against the gateway at baseURL: connect
// handshake, then method with params. Returns the response payload.
//
// A connect rejection short-circuits: the business request is never sent and
// the returned error carries the connect error's message.
func (c *Client) Call(ctx context.Context, baseURL, method string, params any, opts CallOptions) (json.RawMessage, error) {
	addr, err := rpcAddr(baseURL)
	if err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dial := c.Dial
	if dial == nil {
		dial = func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		}
	}

	conn, err := dial(ctx, addr)
	if err != nil {
		return nil, &ProtocolError{Message: fmt.Sprintf("gateway dial %s failed: %v", addr, err)}
	}

	call := newConn(conn)
	defer call.teardown()
	go call.readLoop()

	if _, err := call.roundTrip(ctx, "connect", buildConnectParams(opts.Token, opts.Password), "gateway connect failed"); err != nil {
		return nil, err
	}

	return call.roundTrip(ctx, method, params, "gateway request failed")
}

// conn is the per-call connection state: the pending-request map and the
// reader that resolves it.
type conn struct {
	sock    net.Conn
	enc     *json.Encoder
	encMu   sync.Mutex
	mu      sync.Mutex
	pending map[string]chan result
	closed  bool
}

type result struct {
	payload json.RawMessage
	err     error
}

func newConn(sock net.Conn) *conn {
	return &conn{
		sock:    sock,
		enc:     json.NewEncoder(sock),
		pending: make(map[string]chan result),
	}
}

// roundTrip sends one correlated request and waits for its response. A
// timeout or context cancellation rejects only this call; the deferred
// teardown in Call handles the connection.
func (c *conn) roundTrip(ctx context.Context, method string, params any, rejectMsg string) (json.RawMessage, error) {
	id := uuid.NewString()
	ch := make(chan result, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, &ProtocolError{Message: "gateway socket closed"}
	}
	c.pending[id] = ch
	c.mu.Unlock()

	c.encMu.Lock()
	err := c.enc.Encode(requestFrame{Type: "req", ID: id, Method: method, Params: params})
	c.encMu.Unlock()
	if err != nil {
		c.drop(id)
		return nil, &ProtocolError{Message: fmt.Sprintf("gateway write failed: %v", err)}
	}

	select {
	case res := <-ch:
		if res.err != nil {
			if pe, ok := res.err.(*ProtocolError); ok && pe.Message == "" {
				return nil, &ProtocolError{Message: rejectMsg}
			}
			return nil, res.err
		}
		return res.payload, nil
	case <-ctx.Done():
		c.drop(id)
		return nil, &ProtocolError{Message: "gateway request timed out"}
	}
}

// readLoop decodes frames until the socket errors or closes, then rejects
// every pending request.
func (c *conn) readLoop() {
	dec := json.NewDecoder(c.sock)
	for {
		var f responseFrame
		if err := dec.Decode(&f); err != nil {
			c.failAll(&ProtocolError{Message: "gateway socket closed"})
			return
		}
		if f.Type != "res" {
			// Event frames are ignored at this layer.
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		if ok {
			delete(c.pending, f.ID)
		}
		c.mu.Unlock()
		if !ok {
			continue
		}

		if !f.OK {
			msg := ""
			if f.Error != nil {
				msg = f.Error.Message
			}
			ch <- result{err: &ProtocolError{Message: msg}}
			continue
		}
		ch <- result{payload: f.Payload}
	}
}

func (c *conn) drop(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// failAll rejects every pending request with err and marks the connection
// unusable.
func (c *conn) failAll(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]chan result)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- result{err: err}
	}
	c.sock.Close()
}

func (c *conn) teardown() {
	c.failAll(&ProtocolError{Message: "gateway socket closed"})
}

// rpcAddr derives the socket address from a gateway base URL.
func rpcAddr(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return "", &ProtocolError{Message: fmt.Sprintf("invalid gateway url %q", baseURL)}
	}
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = defaultPort
	}
	return net.JoinHostPort(host, port), nil
}
