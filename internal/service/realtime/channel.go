// Package realtime keeps one authenticated websocket to the chat backend and
// delivers decoded envelopes to a single handler.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"e2ee_messenger/internal/model"
	"e2ee_messenger/internal/protocol/envelope"
	"e2ee_messenger/internal/utils/log"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Ready
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	}
	return "disconnected"
}

type (
	Options struct {
		URL          string
		MinBackoff   time.Duration
		MaxBackoff   time.Duration
		WriteTimeout time.Duration
		Dialer       *websocket.Dialer
	}

	// Channel owns at most one live socket at a time.
	Channel struct {
		opts Options

		mu       sync.Mutex
		state    State
		changed  chan struct{}
		conn     *websocket.Conn
		identity string
		cancel   context.CancelFunc
		done     chan struct{}

		writeMu sync.Mutex

		handlerMu sync.RWMutex
		onMessage func(*model.Envelope)
		onState   func(State)
	}

	controlFrame struct {
		Type         string          `json:"type"`
		Code         string          `json:"code"`
		Message      string          `json:"message"`
		ID           json.RawMessage `json:"id"`
		MessageID    json.RawMessage `json:"message_id"`
		ClientTempID string          `json:"client_temp_id"`
	}
)

func NewChannel(opts Options) *Channel {
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Channel{
		opts:    opts,
		changed: make(chan struct{}),
	}
}

// OnMessage sets the handler for inbound envelopes. Frames are delivered one
// at a time in arrival order.
func (c *Channel) OnMessage(fn func(*model.Envelope)) {
	c.handlerMu.Lock()
	c.onMessage = fn
	c.handlerMu.Unlock()
}

func (c *Channel) OnStateChange(fn func(State)) {
	c.handlerMu.Lock()
	c.onState = fn
	c.handlerMu.Unlock()
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Identity is the user the current session was opened for.
func (c *Channel) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()

	c.handlerMu.RLock()
	fn := c.onState
	c.handlerMu.RUnlock()
	if fn != nil {
		fn(s)
	}
}

// Connect opens a session for identity. Any existing session is torn down
// first. The token supplier is asked again on every reconnect.
func (c *Channel) Connect(identity string, token model.TokenSupplier) {
	c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	c.identity = identity
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go c.run(ctx, identity, token, done)
}

// Close tears the session down and returns once the socket is closed and the
// reconnect loop has stopped.
func (c *Channel) Close() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.identity = ""
	if cancel != nil {
		cancel()
	}
	conn := c.conn
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	if conn != nil {
		conn.Close()
	}
	<-done
	c.setState(Disconnected)
}

// WaitReady blocks until the channel is Ready, timeout elapses or ctx ends.
func (c *Channel) WaitReady(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		c.mu.Lock()
		state, changed := c.state, c.changed
		c.mu.Unlock()
		if state == Ready {
			return nil
		}
		select {
		case <-changed:
		case <-timer.C:
			return fmt.Errorf("%w: not ready after %s", model.ErrNotConnected, timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Send writes frame when the channel is Ready. Nothing is queued.
func (c *Channel) Send(ctx context.Context, frame model.OutboundFrame) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if state != Ready || conn == nil {
		return model.ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(c.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(frame); err != nil {
		conn.Close()
		return fmt.Errorf("%w: %v", model.ErrNotConnected, err)
	}
	return nil
}

func (c *Channel) run(ctx context.Context, identity string, token model.TokenSupplier, done chan struct{}) {
	defer close(done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.MinBackoff
	bo.MaxInterval = c.opts.MaxBackoff

	for ctx.Err() == nil {
		c.setState(Connecting)
		conn, err := c.dial(ctx, token)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("realtime dial failed", zap.String("identity", identity), zap.Error(err))
			c.setState(Disconnected)
			if !sleep(ctx, next(bo, c.opts.MaxBackoff)) {
				return
			}
			continue
		}
		bo.Reset()

		c.mu.Lock()
		if ctx.Err() != nil {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()
		c.setState(Ready)
		log.Info("realtime connected", zap.String("identity", identity))

		c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		c.setState(Disconnected)
		log.Info("realtime connection lost", zap.String("identity", identity))
		if !sleep(ctx, next(bo, c.opts.MaxBackoff)) {
			return
		}
	}
}

func (c *Channel) dial(ctx context.Context, token model.TokenSupplier) (*websocket.Conn, error) {
	tok, err := token(ctx)
	if err != nil {
		return nil, fmt.Errorf("token: %w", err)
	}
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("token", tok)
	u.RawQuery = q.Encode()

	conn, resp, err := c.opts.Dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug("realtime read ended", zap.Error(err))
			return
		}
		c.dispatch(data)
	}
}

func (c *Channel) dispatch(data []byte) {
	var ctl controlFrame
	if err := json.Unmarshal(data, &ctl); err != nil {
		log.Debug("dropping unparsable frame", zap.Error(err))
		return
	}
	switch ctl.Type {
	case "ack":
		id := ctl.MessageID
		if len(id) == 0 {
			id = ctl.ID
		}
		log.Debug("frame acknowledged", zap.String("client_temp_id", ctl.ClientTempID), zap.ByteString("id", id))
		return
	case "error":
		log.Warn("server rejected frame", zap.String("code", ctl.Code), zap.String("message", ctl.Message))
		return
	}

	env, err := envelope.DecodeEnvelope(data)
	if err != nil {
		log.Debug("dropping malformed envelope", zap.Error(err))
		return
	}

	c.handlerMu.RLock()
	fn := c.onMessage
	c.handlerMu.RUnlock()
	if fn != nil {
		fn(env)
	}
}

func next(bo *backoff.ExponentialBackOff, ceiling time.Duration) time.Duration {
	d := bo.NextBackOff()
	if d == backoff.Stop || d > ceiling {
		return ceiling
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
