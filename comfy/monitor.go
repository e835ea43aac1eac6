package comfy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const dialTimeout = 10 * time.Second

// ReconnectOptions bound how hard a Session tries to re-establish a dropped
// websocket.
type ReconnectOptions struct {
	Attempts int
	Delay    time.Duration
}

// Session is a websocket connection to ComfyUI bound to one client id. It
// should be opened before queueing a prompt so no progress message is lost.
type Session struct {
	client   *Client
	clientID string
	opts     ReconnectOptions
	dialer   *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

type message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type executingData struct {
	Node     *string `json:"node"`
	PromptID string  `json:"prompt_id"`
}

type executionErrorData struct {
	PromptID         string `json:"prompt_id"`
	NodeID           string `json:"node_id"`
	NodeType         string `json:"node_type"`
	ExceptionMessage string `json:"exception_message"`
}

// Execution is the outcome of watching a prompt.
type Execution struct {
	// Done is set once ComfyUI reports the prompt finished.
	Done bool
	// Errors holds node execution errors reported for the prompt.
	Errors []string
}

// OpenSession dials the ComfyUI websocket for clientID.
func (c *Client) OpenSession(ctx context.Context, clientID string, opts ReconnectOptions) (*Session, error) {
	s := &Session{
		client:   c,
		clientID: clientID,
		opts:     opts,
		dialer:   &websocket.Dialer{HandshakeTimeout: dialTimeout},
	}
	conn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	s.conn = conn
	return s, nil
}

func (s *Session) wsURL() string {
	q := url.Values{}
	q.Set("clientId", s.clientID)
	return "ws://" + s.client.addr + "/ws?" + q.Encode()
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, resp, err := s.dialer.DialContext(ctx, s.wsURL(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect websocket: %w", err)
	}
	return conn, nil
}

func (s *Session) current() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Close closes the underlying connection. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

// Wait reads progress messages until promptID finishes or fails. Dropped
// connections are re-established as long as ComfyUI is still reachable.
func (s *Session) Wait(ctx context.Context, promptID string) (*Execution, error) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-stop:
		}
	}()

	exec := &Execution{}
	for {
		msgType, data, err := s.current().ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return exec, ctx.Err()
			}
			if err := s.reconnect(ctx, err); err != nil {
				return exec, err
			}
			continue
		}
		// Binary frames carry live previews.
		if msgType != websocket.TextMessage {
			continue
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "executing":
			var d executingData
			if err := json.Unmarshal(msg.Data, &d); err != nil {
				continue
			}
			if d.Node == nil && d.PromptID == promptID {
				exec.Done = true
				return exec, nil
			}
		case "execution_error":
			var d executionErrorData
			if err := json.Unmarshal(msg.Data, &d); err != nil {
				continue
			}
			if d.PromptID == promptID {
				exec.Errors = append(exec.Errors,
					fmt.Sprintf("Node %s (%s): %s", d.NodeID, d.NodeType, d.ExceptionMessage))
				return exec, nil
			}
		}
	}
}

func (s *Session) reconnect(ctx context.Context, cause error) error {
	slog.Warn("Websocket connection lost", slog.String("clientID", s.clientID), slog.String("error", cause.Error()))

	for attempt := 1; attempt <= s.opts.Attempts; attempt++ {
		if err := s.client.Ping(ctx); err != nil {
			return fmt.Errorf("comfyui unreachable during reconnect: %w", err)
		}

		conn, err := s.dial(ctx)
		if err == nil {
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				conn.Close()
				return errors.New("session closed")
			}
			s.conn.Close()
			s.conn = conn
			s.mu.Unlock()
			slog.Info("Websocket reconnected", slog.String("clientID", s.clientID), slog.Int("attempt", attempt))
			return nil
		}

		slog.Warn("Websocket reconnect failed",
			slog.String("clientID", s.clientID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.opts.Delay):
		}
	}

	return fmt.Errorf("failed to reconnect websocket after %d attempts: %w", s.opts.Attempts, cause)
}
