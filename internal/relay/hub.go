// Package relay is the reference realtime relay: it binds each websocket to
// one identity, broadcasts the presence roster, forwards call signals and
// delivers message pushes handed to it by the API side.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/matheus3301/nebula/internal/metrics"
	"github.com/matheus3301/nebula/internal/realtime"
)

// Options tunes a Hub.
type Options struct {
	// RateLimit and Burst bound inbound frames per connection.
	RateLimit   rate.Limit
	Burst       int
	BindTimeout time.Duration
}

// DefaultOptions returns the limits used by nebula-relay.
func DefaultOptions() Options {
	return Options{RateLimit: 30, Burst: 50, BindTimeout: 10 * time.Second}
}

// Hub tracks bound connections by identity.
type Hub struct {
	auth     *Authenticator
	metrics  *metrics.Metrics
	log      *zap.Logger
	opts     Options
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool
	wg      sync.WaitGroup
}

// NewHub creates a hub. A nil auth accepts every connection.
func NewHub(auth *Authenticator, m *metrics.Metrics, logger *zap.Logger, opts Options) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultOptions()
	if opts.RateLimit <= 0 {
		opts.RateLimit = def.RateLimit
	}
	if opts.Burst <= 0 {
		opts.Burst = def.Burst
	}
	if opts.BindTimeout <= 0 {
		opts.BindTimeout = def.BindTimeout
	}
	return &Hub{
		auth:    auth,
		metrics: m,
		log:     logger.Named("relay"),
		opts:    opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
// The first frame must be bind-identity; with authentication enabled the
// bound identity must equal the token subject.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	subject, err := h.auth.Verify(bearer(r))
	if err != nil {
		h.metrics.RelayRejected("unauthorized")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	identity, err := h.readBind(conn)
	if err != nil {
		h.metrics.RelayRejected("bind")
		h.log.Info("bind failed", zap.Error(err))
		closeWith(conn, websocket.ClosePolicyViolation, "bind-identity required")
		return
	}
	if subject != "" && identity != subject {
		h.metrics.RelayRejected("identity_mismatch")
		h.log.Warn("identity does not match token", zap.String("identity", identity), zap.String("subject", subject))
		closeWith(conn, websocket.ClosePolicyViolation, "identity mismatch")
		return
	}

	c := &client{
		hub:     h,
		conn:    conn,
		id:      identity,
		connID:  uuid.NewString(),
		send:    make(chan []byte, 256),
		limiter: rate.NewLimiter(h.opts.RateLimit, h.opts.Burst),
		done:    make(chan struct{}),
	}
	if !h.register(c) {
		closeWith(conn, websocket.CloseGoingAway, "relay shutting down")
		return
	}
	go c.writePump()
	c.readPump()
	h.unregister(c)
}

func (h *Hub) readBind(conn *websocket.Conn) (string, error) {
	_ = conn.SetReadDeadline(time.Now().Add(h.opts.BindTimeout))
	var env realtime.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		return "", fmt.Errorf("read bind: %w", err)
	}
	if env.Event != realtime.EventBindIdentity {
		return "", fmt.Errorf("first frame is %q", env.Event)
	}
	identity, err := realtime.Decode[string](env.Data)
	if err != nil {
		return "", err
	}
	if identity == "" {
		return "", errors.New("empty identity")
	}
	return identity, nil
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	old := h.clients[c.id]
	h.clients[c.id] = c
	h.wg.Add(1)
	h.mu.Unlock()

	if old != nil {
		h.log.Info("replacing connection", zap.String("identity", c.id), zap.String("old", old.connID))
		old.close()
	} else {
		h.metrics.RelayConnections(1)
	}
	h.log.Info("bound", zap.String("identity", c.id), zap.String("conn", c.connID))
	h.broadcastRoster()
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	current := h.clients[c.id] == c
	if current {
		delete(h.clients, c.id)
	}
	h.mu.Unlock()
	c.close()
	h.wg.Done()

	if current {
		h.metrics.RelayConnections(-1)
		h.log.Info("unbound", zap.String("identity", c.id), zap.String("conn", c.connID))
		h.broadcastRoster()
	}
}

// Online returns the bound identities in sorted order.
func (h *Hub) Online() []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Deliver sends event to userID. It reports false when userID is not bound
// or its queue is full.
func (h *Hub) Deliver(userID, event string, payload any) bool {
	h.mu.RLock()
	c := h.clients[userID]
	h.mu.RUnlock()
	if c == nil {
		return false
	}
	frame, err := encode(event, payload)
	if err != nil {
		h.log.Warn("encode frame", zap.String("event", event), zap.Error(err))
		return false
	}
	return c.enqueue(frame)
}

func (h *Hub) broadcastRoster() {
	online := h.Online()
	frame, err := encode(realtime.EventPresenceRoster, online)
	if err != nil {
		h.log.Warn("encode roster", zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.enqueue(frame)
	}
}

// route handles one inbound frame from c.
func (h *Hub) route(c *client, env realtime.Envelope) {
	h.metrics.RelayFrame(env.Event)
	switch env.Event {
	case realtime.EventCallUser:
		p, err := realtime.Decode[realtime.CallUser](env.Data)
		if err != nil || p.ReceiverID == "" {
			h.log.Debug("bad call-user", zap.String("from", c.id), zap.Error(err))
			return
		}
		if !h.Deliver(p.ReceiverID, realtime.EventIncomingCall, realtime.IncomingCall{SenderID: c.id, Kind: p.Kind}) {
			h.Deliver(c.id, realtime.EventUserOffline, realtime.PeerSignal{UserID: p.ReceiverID})
		}
	case realtime.EventAnswerCall:
		p, err := realtime.Decode[realtime.AnswerCall](env.Data)
		if err != nil || p.SenderID == "" {
			h.log.Debug("bad answer-call", zap.String("from", c.id), zap.Error(err))
			return
		}
		h.Deliver(p.SenderID, realtime.EventCallAccepted, realtime.PeerSignal{UserID: c.id})
	case realtime.EventEndCall:
		p, err := realtime.Decode[realtime.EndCall](env.Data)
		if err != nil || p.TargetID == "" {
			h.log.Debug("bad end-call", zap.String("from", c.id), zap.Error(err))
			return
		}
		h.Deliver(p.TargetID, realtime.EventCallEnded, realtime.PeerSignal{UserID: c.id})
	case realtime.EventBindIdentity:
		h.log.Debug("ignoring rebind", zap.String("identity", c.id))
	default:
		h.log.Debug("ignoring event", zap.String("event", env.Event), zap.String("from", c.id))
	}
}

// Close drops every connection and waits for their handlers to return.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
	h.wg.Wait()
}

func encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(realtime.Envelope{Event: event, Data: data})
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}
