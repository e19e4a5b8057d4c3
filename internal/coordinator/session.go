// Package coordinator owns the state of one chat session and serialises every
// mutation of it on a single event loop: user intents, channel events, send
// completions and history pages all run there in arrival order.
package coordinator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/nebula/internal/backend"
	"github.com/matheus3301/nebula/internal/bus"
	"github.com/matheus3301/nebula/internal/call"
	"github.com/matheus3301/nebula/internal/chat"
	"github.com/matheus3301/nebula/internal/messages"
	"github.com/matheus3301/nebula/internal/metrics"
	"github.com/matheus3301/nebula/internal/outbox"
	"github.com/matheus3301/nebula/internal/presence"
	"github.com/matheus3301/nebula/internal/realtime"
	"github.com/matheus3301/nebula/internal/status"
	"github.com/matheus3301/nebula/internal/store"
	hist "github.com/matheus3301/nebula/internal/sync"
)

const (
	defaultCooldown = 2 * time.Second
	defaultTimeout  = 15 * time.Second
	queueSize       = 1024
	stateActive     = "active_conversation"
)

// Channel is the realtime surface a session drives.
type Channel interface {
	Connect(ctx context.Context, identity string) error
	Publish(ctx context.Context, event string, payload any) error
	On(event string, h realtime.Handler)
	OnReconnect(fn func())
	Disconnect() error
	State() status.State
}

// LocalStore persists drafts, contact flags and small session values.
type LocalStore interface {
	SaveDraft(identity string, d store.Draft) error
	ListDrafts(identity string) ([]store.Draft, error)
	SetPrefs(identity string, p store.Prefs) error
	AllPrefs(identity string) (map[string]store.Prefs, error)
	SetState(identity, key, value string) error
	GetState(identity, key string) (string, error)
}

// Options configures a Session. API and Channel are required.
type Options struct {
	API            backend.API
	Channel        Channel
	Store          LocalStore
	Status         *status.Machine
	Bus            *bus.Bus
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
	Now            func() time.Time
	PresenceWindow time.Duration
	CallCooldown   time.Duration
	RequestTimeout time.Duration
	// OutcomeWait bounds how long a call outcome the peer persists stays
	// pending locally. Defaults to twice RequestTimeout.
	OutcomeWait time.Duration
}

// Session is the conversation coordinator of one authenticated user.
type Session struct {
	api      backend.API
	channel  Channel
	local    LocalStore
	status   *status.Machine
	bus      *bus.Bus
	metrics  *metrics.Metrics
	log      *zap.Logger
	now      func() time.Time
	cooldown time.Duration
	timeout  time.Duration

	outcomeWait time.Duration

	queue    chan func()
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
	started  bool

	outbox  *outbox.Sender
	history *hist.Engine

	// Everything below is owned by the loop.
	self     *chat.User
	contacts map[string]*chat.Contact
	order    []string
	msgs     *messages.Store
	presence *presence.Tracker
	active   string
	drafts   map[string]store.Draft

	phase    call.Phase
	callSeq  uint64
	timer    *time.Timer
	awaiting map[string]string
	pushed   map[string]string
}

// New creates a session. Start must be called before any intent.
func New(opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Bus == nil {
		opts.Bus = bus.New()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CallCooldown <= 0 {
		opts.CallCooldown = defaultCooldown
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultTimeout
	}
	if opts.OutcomeWait <= 0 {
		opts.OutcomeWait = 2 * opts.RequestTimeout
	}
	s := &Session{
		api:      opts.API,
		channel:  opts.Channel,
		local:    opts.Store,
		status:   opts.Status,
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		log:      opts.Logger.Named("coordinator"),
		now:      opts.Now,
		cooldown: opts.CallCooldown,
		timeout:  opts.RequestTimeout,

		outcomeWait: opts.OutcomeWait,

		queue:    make(chan func(), queueSize),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		contacts: make(map[string]*chat.Contact),
		presence: presence.NewTracker(opts.PresenceWindow, opts.Now),
		drafts:   make(map[string]store.Draft),
		phase:    call.Idle{},
		awaiting: make(map[string]string),
		pushed:   make(map[string]string),
	}
	s.outbox = outbox.NewSender(opts.API, s.post, opts.RequestTimeout, opts.Metrics, opts.Logger)
	s.history = hist.NewEngine(opts.API, s.post, opts.RequestTimeout, opts.Metrics, opts.Logger)
	s.bindChannel()
	return s
}

// Bus returns the bus the session publishes on.
func (s *Session) Bus() *bus.Bus {
	return s.bus
}

// Start runs the event loop and the background workers until ctx ends or
// Close is called.
func (s *Session) Start(ctx context.Context) {
	if s.started {
		return
	}
	s.started = true
	s.outbox.Start(ctx)
	s.history.Start(ctx)
	go s.loop(ctx)
}

// Close stops the loop, drops the channel and waits for in-flight work.
func (s *Session) Close() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		if s.channel != nil {
			err = s.channel.Disconnect()
		}
		s.outbox.Stop()
		s.history.Stop()
		if s.started {
			<-s.stopped
		}
		if s.timer != nil {
			s.timer.Stop()
		}
	})
	return err
}

func (s *Session) loop(ctx context.Context) {
	defer close(s.stopped)
	for {
		select {
		case fn := <-s.queue:
			fn()
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

// post enqueues fn on the loop. Work posted after Close is dropped.
func (s *Session) post(fn func()) {
	select {
	case s.queue <- fn:
	case <-s.done:
	case <-s.stopped:
	}
}

// do runs fn on the loop and waits for its result.
func (s *Session) do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	select {
	case s.queue <- func() { errc <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	case <-s.stopped:
		return ErrClosed
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrClosed
	}
}

func query[T any](ctx context.Context, s *Session, fn func() (T, error)) (T, error) {
	var out T
	err := s.do(ctx, func() error {
		v, err := fn()
		out = v
		return err
	})
	return out, err
}

func (s *Session) emit(kind string, payload any) {
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: s.now(), Payload: payload})
}

func (s *Session) notice(kind, peer, text string, err error) {
	n := bus.Notice{Text: text, Peer: peer}
	if err != nil {
		n.Err = err.Error()
	}
	s.emit(kind, n)
}

func (s *Session) requireUser() error {
	if s.self == nil {
		return ErrNoUser
	}
	return nil
}

func (s *Session) requestCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

// persistDraft writes the draft of peer, logging rather than failing.
func (s *Session) persistDraft(d store.Draft) {
	if s.local == nil || s.self == nil {
		return
	}
	if err := s.local.SaveDraft(s.self.ID, d); err != nil {
		s.log.Warn("persist draft failed", zap.String("peer", d.Peer), zap.Error(err))
	}
}

func (s *Session) addContact(c chat.Contact) (*chat.Contact, bool) {
	if existing, ok := s.contacts[c.ID]; ok {
		return existing, false
	}
	cc := c
	s.contacts[c.ID] = &cc
	s.order = append(s.order, c.ID)
	return &cc, true
}

// refreshPreview recomputes the preview of key from its last message.
func (s *Session) refreshPreview(key string) {
	c, ok := s.contacts[key]
	if !ok {
		return
	}
	if last, ok := s.msgs.Last(key); ok {
		c.Preview = chat.PreviewOf(last, s.self.ID)
	}
}

func (s *Session) isBlocked(peer string) bool {
	c, ok := s.contacts[peer]
	return ok && c.Blocked
}
