package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/google/uuid"

	"github.com/kalpana-labs/kalpana-controlplane/internal/logger"
)

// DefaultCallTimeout is the default VSCode-bridge command timeout,
// used when Call's context carries no deadline of its own.
const DefaultCallTimeout = 30 * time.Second

// EventHandler receives the bridge's two server-pushed frame types.
// Passing an explicit handler to Dial avoids a module-level callback
// global. The handler itself may be nil, in which case pushed frames
// are dropped; a non-nil handler must implement both methods.
type EventHandler interface {
	OnConnected()
	OnPushError(message string)
}

// Client is a single workspace's bridge connection: one WebSocket,
// one read loop fanning replies out to the Call that's waiting on
// each request id.
type Client struct {
	conn *websocket.Conn
	log  *logger.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Response
	closed  bool
}

// Dial opens a WebSocket connection to a workspace's bridge at wsURL
// (e.g. "ws://127.0.0.1:40011/ws") and starts its read loop. handler
// may be nil to ignore connected/error push frames.
func Dial(ctx context.Context, wsURL string, handler EventHandler) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("bridge: dial %s: %w", wsURL, err)
	}
	c := &Client{
		conn:    conn,
		log:     logger.Named("bridge.client"),
		pending: make(map[string]chan Response),
	}
	go c.readLoop(handler)
	return c, nil
}

func (c *Client) readLoop(handler EventHandler) {
	for {
		var resp Response
		if err := c.conn.ReadJSON(&resp); err != nil {
			c.failPending(err)
			return
		}

		switch {
		case resp.Type == typeConnected:
			if handler != nil {
				handler.OnConnected()
			}
		case resp.Type == typeError && resp.ID == "":
			if handler != nil {
				handler.OnPushError(resp.Error)
			}
		default:
			c.dispatch(resp)
		}
	}
}

func (c *Client) dispatch(resp Response) {
	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()
	if ok {
		ch <- resp
	}
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	resp := Response{Success: false, Error: fmt.Sprintf("bridge connection lost: %v", err)}
	for _, ch := range pending {
		ch <- resp
	}
}

// Call sends a request of type typ with payload (marshaled to JSON,
// or nil for no payload) and blocks until a matching reply arrives or
// ctx is done. If ctx carries no deadline, DefaultCallTimeout applies.
func (c *Client) Call(ctx context.Context, typ CommandType, payload interface{}) (*Response, error) {
	if typ == CommandRunCommand {
		if rc, ok := payload.(RunCommandPayload); ok {
			if err := ValidateRunCommand(rc.Command); err != nil {
				return nil, err
			}
		}
	}

	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("bridge: marshal payload: %w", err)
		}
		raw = b
	}

	req := Request{ID: uuid.NewString(), Type: typ, Payload: raw}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCallTimeout)
		defer cancel()
	}

	ch := make(chan Response, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("bridge: connection closed")
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return nil, fmt.Errorf("bridge: write request: %w", err)
	}

	select {
	case resp := <-ch:
		if !resp.Success {
			return &resp, fmt.Errorf("bridge: %s: %s", typ, resp.Error)
		}
		return &resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return nil, fmt.Errorf("bridge: %s: %w", typ, ctx.Err())
	}
}

// Close closes the underlying WebSocket connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
