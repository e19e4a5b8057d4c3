package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/matheus3301/nebula/internal/status"
)

type testServer struct {
	*httptest.Server
	frames chan Envelope
	conns  chan *websocket.Conn
	reject atomic.Bool
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		frames: make(chan Envelope, 64),
		conns:  make(chan *websocket.Conn, 8),
	}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ts.reject.Load() {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ts.conns <- conn
		for {
			var env Envelope
			if err := wsjson.Read(context.Background(), conn, &env); err != nil {
				return
			}
			ts.frames <- env
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func (ts *testServer) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-ts.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for connection")
		return nil
	}
}

func (ts *testServer) nextFrame(t *testing.T) Envelope {
	t.Helper()
	select {
	case f := <-ts.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for frame")
		return Envelope{}
	}
}

func newClient(t *testing.T, opts Options) *Client {
	t.Helper()
	c := New(opts)
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func send(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	if err := conn.Write(context.Background(), websocket.MessageText, []byte(raw)); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

func TestConnectBindsIdentityFirst(t *testing.T) {
	ts := newTestServer(t)
	c := newClient(t, Options{URL: ts.wsURL()})

	if err := c.Connect(context.Background(), "alice"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	ts.nextConn(t)
	f := ts.nextFrame(t)
	if f.Event != EventBindIdentity || string(f.Data) != `"alice"` {
		t.Errorf("first frame = %s %s, want bind-identity \"alice\"", f.Event, f.Data)
	}
	if c.State() != status.Connected {
		t.Errorf("state = %s, want CONNECTED", c.State())
	}
	if c.Identity() != "alice" {
		t.Errorf("identity = %q, want alice", c.Identity())
	}
}

func TestConnectIsIdempotentPerIdentity(t *testing.T) {
	ts := newTestServer(t)
	c := newClient(t, Options{URL: ts.wsURL()})
	ctx := context.Background()

	if err := c.Connect(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	ts.nextConn(t)
	if err := c.Connect(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ts.conns:
		t.Fatal("second Connect with the same identity opened a new channel")
	case <-time.After(100 * time.Millisecond):
	}

	if err := c.Connect(ctx, "bob"); err != nil {
		t.Fatal(err)
	}
	ts.nextConn(t)
	var binds []string
	for len(binds) < 2 {
		f := ts.nextFrame(t)
		if f.Event == EventBindIdentity {
			binds = append(binds, string(f.Data))
		}
	}
	if binds[1] != `"bob"` {
		t.Errorf("binds = %v, want bob last", binds)
	}
	if c.Identity() != "bob" {
		t.Errorf("identity = %q, want bob", c.Identity())
	}
}

func TestHandlersRunInReceiptOrder(t *testing.T) {
	ts := newTestServer(t)
	c := newClient(t, Options{URL: ts.wsURL()})

	got := make(chan int, 16)
	c.On(EventNewMessage, func(data json.RawMessage) {
		var n int
		if err := json.Unmarshal(data, &n); err != nil {
			t.Errorf("payload %s: %v", data, err)
		}
		got <- n
	})

	if err := c.Connect(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}
	conn := ts.nextConn(t)
	send(t, conn, `not json`)
	send(t, conn, `{"event":"something-else","data":{}}`)
	for i := range 5 {
		send(t, conn, `{"event":"new-message","data":`+string(rune('0'+i))+`}`)
	}

	for want := range 5 {
		select {
		case n := <-got:
			if n != want {
				t.Fatalf("handler got %d, want %d", n, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for event %d", want)
		}
	}
}

func TestPostRoutesHandlersThroughLoop(t *testing.T) {
	ts := newTestServer(t)
	loop := make(chan func(), 8)
	c := newClient(t, Options{URL: ts.wsURL(), Post: func(fn func()) { loop <- fn }})

	var ran atomic.Bool
	c.On(EventCallAccepted, func(json.RawMessage) { ran.Store(true) })
	if err := c.Connect(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}
	send(t, ts.nextConn(t), `{"event":"call-accepted","data":{}}`)

	select {
	case fn := <-loop:
		if ran.Load() {
			t.Fatal("handler ran before the loop executed it")
		}
		fn()
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for posted handler")
	}
	if !ran.Load() {
		t.Error("handler did not run")
	}
}

func TestPublish(t *testing.T) {
	ts := newTestServer(t)
	c := newClient(t, Options{URL: ts.wsURL()})
	ctx := context.Background()

	if err := c.Publish(ctx, EventCallUser, CallUser{ReceiverID: "bob"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Publish() before Connect error = %v, want ErrNotConnected", err)
	}

	if err := c.Connect(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	ts.nextConn(t)
	ts.nextFrame(t)
	if err := c.Publish(ctx, EventCallUser, CallUser{ReceiverID: "bob", Kind: "video"}); err != nil {
		t.Fatal(err)
	}
	f := ts.nextFrame(t)
	cu, err := Decode[CallUser](f.Data)
	if err != nil {
		t.Fatal(err)
	}
	if f.Event != EventCallUser || cu.ReceiverID != "bob" || cu.Kind != "video" {
		t.Errorf("frame = %s %+v", f.Event, cu)
	}
}

func TestDisconnectIsSafeTwice(t *testing.T) {
	ts := newTestServer(t)
	c := newClient(t, Options{URL: ts.wsURL()})
	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect() on idle client error = %v", err)
	}
	if err := c.Connect(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}
	for range 2 {
		if err := c.Disconnect(); err != nil {
			t.Fatalf("Disconnect() error = %v", err)
		}
	}
	if c.State() != status.Idle || c.Connected() {
		t.Errorf("state = %s connected = %v, want IDLE and closed", c.State(), c.Connected())
	}
}

func TestUnauthorizedDial(t *testing.T) {
	ts := newTestServer(t)
	ts.reject.Store(true)
	c := newClient(t, Options{URL: ts.wsURL(), Token: "bad"})

	err := c.Connect(context.Background(), "alice")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Connect() error = %v, want ErrUnauthorized", err)
	}
	if c.State() != status.AuthRequired {
		t.Errorf("state = %s, want AUTH_REQUIRED", c.State())
	}
}

func TestRedialAfterDrop(t *testing.T) {
	ts := newTestServer(t)
	reconnected := make(chan struct{}, 1)
	c := newClient(t, Options{
		URL:       ts.wsURL(),
		Reconnect: Policy{Enabled: true, BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, MaxAttempts: 5},
	})
	c.OnReconnect(func() { reconnected <- struct{}{} })

	if err := c.Connect(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}
	first := ts.nextConn(t)
	ts.nextFrame(t)
	first.Close(websocket.StatusGoingAway, "restart")

	ts.nextConn(t)
	if f := ts.nextFrame(t); f.Event != EventBindIdentity || string(f.Data) != `"alice"` {
		t.Errorf("redial frame = %s %s, want bind-identity alice", f.Event, f.Data)
	}
	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("OnReconnect hook did not fire")
	}
	waitFor(t, "CONNECTED", func() bool { return c.State() == status.Connected })
}

func TestDropWithoutReconnectGoesOffline(t *testing.T) {
	ts := newTestServer(t)
	c := newClient(t, Options{URL: ts.wsURL()})

	if err := c.Connect(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}
	ts.nextConn(t).Close(websocket.StatusGoingAway, "bye")

	waitFor(t, "OFFLINE", func() bool { return c.State() == status.Offline })
	if c.Identity() != "" {
		t.Errorf("identity = %q, want cleared", c.Identity())
	}
}

func TestReconnectorBackoff(t *testing.T) {
	r := newReconnector(Policy{Enabled: true, BaseDelay: time.Second, MaxDelay: 30 * time.Second, MaxAttempts: 7})
	r.jitter = func() float64 { return 0 }

	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for i, w := range want {
		if !r.shouldRetry() {
			t.Fatalf("attempt %d: shouldRetry() = false", i)
		}
		if got := r.nextDelay(); got != w*time.Second {
			t.Errorf("attempt %d: delay = %v, want %v", i, got, w*time.Second)
		}
	}
	if r.shouldRetry() {
		t.Error("shouldRetry() after max attempts = true")
	}
}

func TestReconnectorJitterBound(t *testing.T) {
	r := newReconnector(Policy{BaseDelay: time.Second, MaxDelay: time.Minute})
	r.jitter = func() float64 { return 0.999 }
	if got := r.nextDelay(); got < time.Second || got >= 1500*time.Millisecond {
		t.Errorf("delay = %v, want in [1s, 1.5s)", got)
	}
}

func TestReconnectorForgivesStableConnection(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := newReconnector(Policy{BaseDelay: time.Second, MaxDelay: time.Minute, MaxAttempts: 3})
	r.jitter = func() float64 { return 0 }
	r.now = func() time.Time { return now }

	r.nextDelay()
	r.nextDelay()
	r.markConnected()
	now = now.Add(10 * time.Second)
	r.markDropped()
	if got := r.nextDelay(); got != 4*time.Second {
		t.Errorf("flapping delay = %v, want 4s", got)
	}

	r.markConnected()
	now = now.Add(2 * time.Minute)
	r.markDropped()
	if got := r.nextDelay(); got != time.Second {
		t.Errorf("delay after stable connection = %v, want 1s", got)
	}
}
