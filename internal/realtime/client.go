// Package realtime owns the persistent bidirectional channel to the server:
// one authenticated websocket per identity, fire-and-forget publishing, and
// ordered delivery of received events to registered handlers.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/matheus3301/nebula/internal/status"
)

var (
	// ErrNotConnected is returned by Publish when no channel is open.
	ErrNotConnected = errors.New("realtime: not connected")
	// ErrUnauthorized is returned when the server rejects the credential.
	ErrUnauthorized = errors.New("realtime: unauthorized")
)

const readLimit = 1 << 20

// Handler receives the raw payload of one event.
type Handler func(data json.RawMessage)

// Options configures a Client.
type Options struct {
	URL        string
	Token      string
	Reconnect  Policy
	Status     *status.Machine
	Logger     *zap.Logger
	HTTPClient *http.Client
	// Post runs fn on the owner's event loop, in call order. When nil,
	// handlers run on the read goroutine.
	Post func(fn func())
}

// Client is the Connection Manager.
type Client struct {
	opts  Options
	log   *zap.Logger
	state *status.Machine
	recon *reconnector

	hmu         sync.RWMutex
	handlers    map[string][]Handler
	onReconnect []func()

	mu       sync.Mutex
	conn     *websocket.Conn
	identity string
	cancel   context.CancelFunc
	gen      uint64
}

// New creates a disconnected client.
func New(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Status == nil {
		opts.Status = status.NewMachine(nil)
	}
	return &Client{
		opts:     opts,
		log:      opts.Logger.Named("realtime"),
		state:    opts.Status,
		recon:    newReconnector(opts.Reconnect),
		handlers: make(map[string][]Handler),
	}
}

// State returns the channel lifecycle state.
func (c *Client) State() status.State {
	return c.state.Current()
}

// Identity returns the identity the channel is bound to, or "".
func (c *Client) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Connected reports whether a channel is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// On registers h for event. Handlers for one channel never run concurrently.
func (c *Client) On(event string, h Handler) {
	c.hmu.Lock()
	c.handlers[event] = append(c.handlers[event], h)
	c.hmu.Unlock()
}

// OnReconnect registers fn to run after the channel is re-established
// following an unexpected drop.
func (c *Client) OnReconnect(fn func()) {
	c.hmu.Lock()
	c.onReconnect = append(c.onReconnect, fn)
	c.hmu.Unlock()
}

// Connect opens the channel and binds identity. Calling it again with the
// same identity while connected or redialing is a no-op; a different
// identity tears the old channel down first.
func (c *Client) Connect(ctx context.Context, identity string) error {
	if identity == "" {
		return errors.New("realtime: empty identity")
	}

	c.mu.Lock()
	if c.cancel != nil && c.identity == identity {
		c.mu.Unlock()
		return nil
	}
	old, wasActive := c.teardownLocked()
	c.mu.Unlock()
	if old != nil {
		old.Close(websocket.StatusNormalClosure, "identity changed")
	}
	if wasActive {
		c.transition(status.Idle)
	}

	c.recon.reset()
	c.transition(status.Connecting)
	conn, err := c.dial(ctx, identity)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			c.transition(status.AuthRequired)
		} else {
			c.transition(status.Offline)
		}
		return err
	}

	life, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.identity = identity
	c.cancel = cancel
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	c.transition(status.Connected)
	c.recon.markConnected()
	c.log.Info("channel connected", zap.String("identity", identity))
	go c.readLoop(life, conn, gen)
	return nil
}

// Publish sends event with payload. There is no acknowledgement beyond the
// transport write.
func (c *Client) Publish(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := wsjson.Write(ctx, conn, outbound{Event: event, Data: payload}); err != nil {
		return fmt.Errorf("publish %s: %w", event, err)
	}
	c.log.Debug("published", zap.String("event", event))
	return nil
}

// Disconnect releases the channel and stops any redial. Safe to call when
// already disconnected.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn, _ := c.teardownLocked()
	c.mu.Unlock()

	if c.state.Current() != status.Idle {
		c.transition(status.Idle)
	}
	if conn == nil {
		return nil
	}
	c.log.Info("channel closed")
	if err := conn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
		c.log.Debug("close", zap.Error(err))
	}
	return nil
}

// teardownLocked clears the session and returns the open conn, if any.
func (c *Client) teardownLocked() (*websocket.Conn, bool) {
	active := c.cancel != nil
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	conn := c.conn
	c.conn = nil
	c.identity = ""
	c.gen++
	return conn, active
}

func (c *Client) dial(ctx context.Context, identity string) (*websocket.Conn, error) {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	conn, resp, err := websocket.Dial(ctx, c.opts.URL, &websocket.DialOptions{
		HTTPClient: c.opts.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return nil, fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	conn.SetReadLimit(readLimit)

	if err := wsjson.Write(ctx, conn, outbound{Event: EventBindIdentity, Data: identity}); err != nil {
		conn.Close(websocket.StatusInternalError, "bind failed")
		return nil, fmt.Errorf("bind identity: %w", err)
	}
	return conn, nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("channel dropped", zap.Error(err))
			c.redial(ctx, gen)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			c.log.Debug("ignoring malformed frame", zap.Int("bytes", len(data)))
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env Envelope) {
	c.hmu.RLock()
	hs := slices.Clone(c.handlers[env.Event])
	c.hmu.RUnlock()
	if len(hs) == 0 {
		c.log.Debug("no handler", zap.String("event", env.Event))
		return
	}
	c.run(func() {
		for _, h := range hs {
			h(env.Data)
		}
	})
}

func (c *Client) run(fn func()) {
	if c.opts.Post != nil {
		c.opts.Post(fn)
		return
	}
	fn()
}

// redial re-establishes a dropped channel following the reconnect policy.
func (c *Client) redial(ctx context.Context, gen uint64) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	identity := c.identity
	c.conn = nil
	c.mu.Unlock()

	c.recon.markDropped()
	if !c.opts.Reconnect.Enabled {
		c.giveUp(gen, status.Offline)
		return
	}
	c.transition(status.Reconnecting)

	for c.recon.shouldRetry() {
		delay := c.recon.nextDelay()
		c.log.Info("redialing", zap.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		c.transition(status.Connecting)
		conn, err := c.dial(ctx, identity)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrUnauthorized) {
				c.log.Warn("credential rejected on redial", zap.Error(err))
				c.giveUp(gen, status.AuthRequired)
				return
			}
			c.log.Warn("redial failed", zap.Error(err))
			c.transition(status.Reconnecting)
			continue
		}

		c.mu.Lock()
		if c.gen != gen || ctx.Err() != nil {
			c.mu.Unlock()
			conn.Close(websocket.StatusNormalClosure, "superseded")
			return
		}
		c.conn = conn
		c.gen++
		gen = c.gen
		c.mu.Unlock()

		c.transition(status.Connected)
		c.recon.markConnected()
		c.log.Info("channel re-established", zap.String("identity", identity))

		c.hmu.RLock()
		hooks := slices.Clone(c.onReconnect)
		c.hmu.RUnlock()
		for _, fn := range hooks {
			c.run(fn)
		}

		go c.readLoop(ctx, conn, gen)
		return
	}

	c.log.Warn("giving up on channel")
	c.giveUp(gen, status.Offline)
}

func (c *Client) giveUp(gen uint64, to status.State) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	c.mu.Unlock()
	c.transition(to)
}

func (c *Client) transition(to status.State) {
	if err := c.state.Transition(to); err != nil {
		c.log.Debug("status transition skipped", zap.Error(err))
	}
}
