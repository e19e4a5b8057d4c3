package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/nebula/internal/backend"
	"github.com/matheus3301/nebula/internal/bus"
	"github.com/matheus3301/nebula/internal/chat"
	"github.com/matheus3301/nebula/internal/realtime"
	"github.com/matheus3301/nebula/internal/status"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeServer plays both the request API and the relay for a set of users.
type fakeServer struct {
	clock *fakeClock

	mu       sync.Mutex
	users    map[string]chat.User
	contacts map[string][]string
	msgs     []chat.Message
	seq      int
	channels map[string]*fakeChannel
	gates    map[string]chan struct{}
	muted    map[string]bool
	failText string
	// deliver, when set, replaces channel routing for pushes.
	deliver func(userID, event string, payload any) bool
}

func newFakeServer(clock *fakeClock, users ...chat.User) *fakeServer {
	srv := &fakeServer{
		clock:    clock,
		users:    make(map[string]chat.User),
		contacts: make(map[string][]string),
		channels: make(map[string]*fakeChannel),
		gates:    make(map[string]chan struct{}),
		muted:    make(map[string]bool),
	}
	for _, u := range users {
		srv.users[u.ID] = u
	}
	return srv
}

func (srv *fakeServer) befriend(a, b string) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.contacts[a] = append(srv.contacts[a], b)
	srv.contacts[b] = append(srv.contacts[b], a)
}

func (srv *fakeServer) gate(text string) chan struct{} {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	ch := make(chan struct{})
	srv.gates[text] = ch
	return ch
}

// muteSignals stops routing call signals to users; pushes still flow.
func (srv *fakeServer) muteSignals(users ...string) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	for _, u := range users {
		srv.muted[u] = true
	}
}

// dropPushesTo loses every push addressed to user, as a dead socket would.
func (srv *fakeServer) dropPushesTo(user string) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.deliver = func(userID, event string, payload any) bool {
		if userID == user {
			return false
		}
		srv.mu.Lock()
		ch := srv.channels[userID]
		srv.mu.Unlock()
		if ch == nil {
			return false
		}
		ch.deliver(event, payload)
		return true
	}
}

func (srv *fakeServer) stored() []chat.Message {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return append([]chat.Message(nil), srv.msgs...)
}

// push delivers m to the receiver's channel, as the API does after a send.
func (srv *fakeServer) push(m chat.Message) {
	srv.mu.Lock()
	ch := srv.channels[m.Recipient]
	deliver := srv.deliver
	srv.mu.Unlock()
	if deliver != nil {
		deliver(m.Recipient, realtime.EventNewMessage, backend.MessageToWire(m))
		return
	}
	if ch != nil {
		ch.deliver(realtime.EventNewMessage, backend.MessageToWire(m))
	}
}

func (srv *fakeServer) route(from, event string, data any) {
	raw, _ := json.Marshal(data)
	srv.mu.Lock()
	defer srv.mu.Unlock()
	switch event {
	case realtime.EventCallUser:
		var p realtime.CallUser
		_ = json.Unmarshal(raw, &p)
		if target := srv.channels[p.ReceiverID]; target != nil {
			go target.deliver(realtime.EventIncomingCall, realtime.IncomingCall{SenderID: from, Kind: p.Kind})
		} else if self := srv.channels[from]; self != nil {
			go self.deliver(realtime.EventUserOffline, realtime.PeerSignal{UserID: p.ReceiverID})
		}
	case realtime.EventAnswerCall:
		var p realtime.AnswerCall
		_ = json.Unmarshal(raw, &p)
		if target := srv.channels[p.SenderID]; target != nil && !srv.muted[p.SenderID] {
			go target.deliver(realtime.EventCallAccepted, realtime.PeerSignal{UserID: from})
		}
	case realtime.EventEndCall:
		var p realtime.EndCall
		_ = json.Unmarshal(raw, &p)
		if target := srv.channels[p.TargetID]; target != nil && !srv.muted[p.TargetID] {
			go target.deliver(realtime.EventCallEnded, realtime.PeerSignal{UserID: from})
		}
	}
}

type fakeAPI struct {
	srv  *fakeServer
	self string
}

func (a *fakeAPI) CurrentUser(ctx context.Context) (backend.Identity, error) {
	a.srv.mu.Lock()
	defer a.srv.mu.Unlock()
	u, ok := a.srv.users[a.self]
	if !ok {
		return backend.Identity{}, backend.ErrUnauthenticated
	}
	id := backend.Identity{User: u}
	for _, cid := range a.srv.contacts[a.self] {
		id.Contacts = append(id.Contacts, chat.Contact{User: a.srv.users[cid]})
	}
	return id, nil
}

func (a *fakeAPI) History(ctx context.Context, contactID string) ([]chat.Message, error) {
	a.srv.mu.Lock()
	defer a.srv.mu.Unlock()
	var out []chat.Message
	for _, m := range a.srv.msgs {
		if (m.SenderID == a.self && m.Recipient == contactID) || (m.SenderID == contactID && m.Recipient == a.self) {
			m.Status = chat.StatusRead
			out = append(out, m)
		}
	}
	return out, nil
}

func (a *fakeAPI) Send(ctx context.Context, req backend.SendRequest) (chat.Message, error) {
	a.srv.mu.Lock()
	gate := a.srv.gates[req.Text]
	fail := a.srv.failText != "" && a.srv.failText == req.Text
	a.srv.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return chat.Message{}, ctx.Err()
		}
	}
	if fail {
		return chat.Message{}, &backend.StatusError{Code: 500, Message: "boom"}
	}

	a.srv.mu.Lock()
	a.srv.seq++
	m := chat.Message{
		ID:        fmt.Sprintf("m-%d", a.srv.seq),
		SenderID:  a.self,
		Recipient: req.ReceiverID,
		Body:      req.Text,
		Kind:      req.Kind,
		ReplyTo:   req.ReplyTo,
		Call:      req.Call,
		FileURL:   req.FileURL,
		FileName:  req.FileName,
		Status:    chat.StatusSent,
		Timestamp: a.srv.clock.Now(),
	}
	a.srv.msgs = append(a.srv.msgs, m)
	a.srv.mu.Unlock()

	a.srv.push(m)
	return m, nil
}

func (a *fakeAPI) AddContact(ctx context.Context, shareCode string) (chat.User, error) {
	a.srv.mu.Lock()
	defer a.srv.mu.Unlock()
	for _, u := range a.srv.users {
		if u.ShareID != shareCode {
			continue
		}
		if u.ID == a.self {
			return chat.User{}, &backend.StatusError{Code: 400, Message: "Cannot add yourself."}
		}
		a.srv.contacts[a.self] = append(a.srv.contacts[a.self], u.ID)
		return u, nil
	}
	return chat.User{}, fmt.Errorf("add contact: %w", backend.ErrNotFound)
}

func (a *fakeAPI) UpdateProfile(ctx context.Context, req backend.ProfileUpdate) (chat.User, error) {
	a.srv.mu.Lock()
	defer a.srv.mu.Unlock()
	u := a.srv.users[a.self]
	if req.Name != "" {
		u.Name = req.Name
	}
	if req.About != "" {
		u.About = req.About
	}
	a.srv.users[a.self] = u
	return u, nil
}

func (a *fakeAPI) Upload(ctx context.Context, req backend.UploadRequest) (string, error) {
	if _, err := io.ReadAll(req.Body); err != nil {
		return "", err
	}
	return "https://files.test/" + req.FileName, nil
}

type fakeChannel struct {
	srv *fakeServer

	mu        sync.Mutex
	identity  string
	state     status.State
	handlers  map[string]realtime.Handler
	reconnect []func()
	sent      []string
	connects  int
}

func newFakeChannel(srv *fakeServer) *fakeChannel {
	return &fakeChannel{srv: srv, state: status.Idle, handlers: make(map[string]realtime.Handler)}
}

func (c *fakeChannel) Connect(ctx context.Context, identity string) error {
	c.mu.Lock()
	c.identity = identity
	c.state = status.Connected
	c.connects++
	c.mu.Unlock()

	c.srv.mu.Lock()
	c.srv.channels[identity] = c
	roster := make([]string, 0, len(c.srv.channels))
	peers := make([]*fakeChannel, 0, len(c.srv.channels))
	for id, ch := range c.srv.channels {
		roster = append(roster, id)
		peers = append(peers, ch)
	}
	c.srv.mu.Unlock()
	for _, ch := range peers {
		ch.deliver(realtime.EventPresenceRoster, roster)
	}
	return nil
}

func (c *fakeChannel) Publish(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	if c.state != status.Connected {
		c.mu.Unlock()
		return realtime.ErrNotConnected
	}
	c.sent = append(c.sent, event)
	from := c.identity
	c.mu.Unlock()
	c.srv.route(from, event, payload)
	return nil
}

func (c *fakeChannel) On(event string, h realtime.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = h
}

func (c *fakeChannel) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnect = append(c.reconnect, fn)
}

func (c *fakeChannel) Disconnect() error {
	c.mu.Lock()
	id := c.identity
	c.state = status.Idle
	c.mu.Unlock()
	c.srv.mu.Lock()
	if c.srv.channels[id] == c {
		delete(c.srv.channels, id)
	}
	c.srv.mu.Unlock()
	return nil
}

func (c *fakeChannel) State() status.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeChannel) deliver(event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	c.mu.Lock()
	h := c.handlers[event]
	c.mu.Unlock()
	if h != nil {
		h(raw)
	}
}

func (c *fakeChannel) fireReconnect() {
	c.mu.Lock()
	hooks := append([]func(){}, c.reconnect...)
	c.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (c *fakeChannel) published() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

type harness struct {
	*Session
	channel *fakeChannel
	events  <-chan bus.Event
}

func newHarness(t *testing.T, srv *fakeServer, self string, opts ...func(*Options)) *harness {
	t.Helper()
	ch := newFakeChannel(srv)
	b := bus.New()
	events, unsub := b.Subscribe("", 512)
	o := Options{
		API:            &fakeAPI{srv: srv, self: self},
		Channel:        ch,
		Bus:            b,
		Now:            srv.clock.Now,
		CallCooldown:   10 * time.Millisecond,
		RequestTimeout: 2 * time.Second,
	}
	for _, fn := range opts {
		fn(&o)
	}
	s := New(o)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		_ = s.Close()
		cancel()
		unsub()
	})
	return &harness{Session: s, channel: ch, events: events}
}

// waitEvent drains events until one of kind arrives.
func (h *harness) waitEvent(t *testing.T, kind string) bus.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case evt := <-h.events:
			if evt.Kind == kind {
				return evt
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func outcomeWait(d time.Duration) func(*Options) {
	return func(o *Options) { o.OutcomeWait = d }
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
