// Package transport provides the production send collaborator: JSON
// command/ack frames over a WebSocket. A reconnect loop with exponential
// backoff owns the connection and drives the connectivity monitor, so the
// queue engine sees real online/offline transitions.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/matheus3301/offsync/internal/model"
	"github.com/matheus3301/offsync/internal/netmon"
	"github.com/matheus3301/offsync/internal/retry"
)

// ErrNotConnected is returned by Send while the link is down. The queue
// treats it like any other delivery failure.
var ErrNotConnected = errors.New("transport: not connected")

const defaultAckTimeout = 10 * time.Second

// reconnect attempts beyond this reuse the same (maximum) delay.
const maxBackoffAttempt = 10

// Frame is the wire format in both directions.
type Frame struct {
	Type    string         `json:"type"`
	ID      string         `json:"id,omitempty"`
	Message *model.Message `json:"message,omitempty"`
	Error   string         `json:"error,omitempty"`
}

const (
	frameSend    = "send"
	frameAck     = "ack"
	frameError   = "error"
	frameMessage = "message"
)

// MessageFunc receives unsolicited server messages (other participants'
// sends, status updates).
type MessageFunc func(model.Message)

// Client maintains the WebSocket connection.
type Client struct {
	url        string
	logger     *zap.Logger
	net        *netmon.Monitor
	policy     retry.Policy
	ackTimeout time.Duration
	onMessage  MessageFunc

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan Frame

	runCtx context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewClient creates a client for the given ws:// or wss:// URL. The retry
// policy shapes only the reconnect delays; reconnection never gives up.
func NewClient(url string, net *netmon.Monitor, logger *zap.Logger, policy retry.Policy) *Client {
	return &Client{
		url:        url,
		logger:     logger,
		net:        net,
		policy:     policy,
		ackTimeout: defaultAckTimeout,
		pending:    make(map[string]chan Frame),
	}
}

// OnMessage registers the handler for unsolicited server messages. Must be
// called before Start.
func (c *Client) OnMessage(fn MessageFunc) {
	c.onMessage = fn
}

// Start launches the connect/read/reconnect loop.
func (c *Client) Start(ctx context.Context) {
	c.runCtx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.run()
}

// Stop tears the connection down and waits for the loop to exit.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "shutting down")
	}
	c.mu.Unlock()
	if c.done != nil {
		<-c.done
	}
}

func (c *Client) run() {
	defer close(c.done)
	attempt := 0
	for {
		if c.runCtx.Err() != nil {
			return
		}

		conn, _, err := websocket.Dial(c.runCtx, c.url, nil)
		if err != nil {
			if c.runCtx.Err() != nil {
				return
			}
			delay := c.policy.Delay(min(attempt, maxBackoffAttempt))
			c.logger.Warn("connect failed, retrying",
				zap.String("url", c.url), zap.Duration("delay", delay), zap.Error(err))
			attempt++
			select {
			case <-time.After(delay):
			case <-c.runCtx.Done():
				return
			}
			continue
		}

		attempt = 0
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.logger.Info("connected", zap.String("url", c.url))
		c.net.SetOnline(true)

		readErr := c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		c.failPendingLocked()
		c.mu.Unlock()
		c.net.SetOnline(false)
		if c.runCtx.Err() != nil {
			return
		}
		c.logger.Warn("connection lost", zap.Error(readErr))
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(c.runCtx)
		if err != nil {
			return err
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		switch frame.Type {
		case frameAck, frameError:
			c.mu.Lock()
			ch := c.pending[frame.ID]
			delete(c.pending, frame.ID)
			c.mu.Unlock()
			if ch != nil {
				ch <- frame
			}
		case frameMessage:
			if c.onMessage != nil && frame.Message != nil {
				c.onMessage(*frame.Message)
			}
		default:
			c.logger.Debug("ignoring frame", zap.String("type", frame.Type))
		}
	}
}

// Send delivers one message and waits for the server's ack. It satisfies
// the queue's send contract: any error means "try again later".
func (c *Client) Send(ctx context.Context, msg model.Message) (model.Message, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return model.Message{}, ErrNotConnected
	}
	ch := make(chan Frame, 1)
	c.pending[msg.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
	}()

	buf, err := json.Marshal(Frame{Type: frameSend, ID: msg.ID, Message: &msg})
	if err != nil {
		return model.Message{}, err
	}
	if err := conn.Write(ctx, websocket.MessageText, buf); err != nil {
		return model.Message{}, fmt.Errorf("write send frame: %w", err)
	}

	select {
	case frame := <-ch:
		if frame.Type == frameError {
			return model.Message{}, fmt.Errorf("server rejected %s: %s", msg.ID, frame.Error)
		}
		if frame.Message != nil {
			return *frame.Message, nil
		}
		// Bare ack: echo the message as delivered.
		msg.Status = model.StatusSent
		return msg, nil
	case <-time.After(c.ackTimeout):
		return model.Message{}, fmt.Errorf("timed out waiting for ack of %s", msg.ID)
	case <-ctx.Done():
		return model.Message{}, ctx.Err()
	}
}

// failPendingLocked unblocks in-flight Sends when the connection drops.
func (c *Client) failPendingLocked() {
	for id, ch := range c.pending {
		ch <- Frame{Type: frameError, ID: id, Error: "connection lost"}
		delete(c.pending, id)
	}
}
