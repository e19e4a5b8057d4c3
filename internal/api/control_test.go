package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/nebula/internal/backend"
	"github.com/matheus3301/nebula/internal/bus"
	"github.com/matheus3301/nebula/internal/call"
	"github.com/matheus3301/nebula/internal/chat"
	"github.com/matheus3301/nebula/internal/coordinator"
	"github.com/matheus3301/nebula/internal/realtime"
	"github.com/matheus3301/nebula/internal/status"
)

type fakeEngine struct {
	contacts []coordinator.ContactView
	active   string
	flags    chat.Flags
	sent     []string
}

func (f *fakeEngine) Status(context.Context) (coordinator.Status, error) {
	return coordinator.Status{Identity: "alice", Channel: status.Connected, Active: f.active, Call: coordinator.CallEvent{Phase: call.NameIdle}}, nil
}

func (f *fakeEngine) Self(context.Context) (chat.User, error) {
	return chat.User{ID: "alice", Name: "Alice", ShareID: "AL1CE"}, nil
}

func (f *fakeEngine) Contacts(context.Context) ([]coordinator.ContactView, error) {
	return f.contacts, nil
}

func (f *fakeEngine) Messages(_ context.Context, peer string) ([]chat.Message, error) {
	if peer == "" && f.active == "" {
		return nil, coordinator.ErrNoActiveConversation
	}
	return []chat.Message{{ID: "m1", SenderID: "bob", Recipient: "alice", Body: "hi", Kind: chat.KindText, Timestamp: time.UnixMilli(1000)}}, nil
}

func (f *fakeEngine) Select(_ context.Context, peer string) (coordinator.Conversation, error) {
	for _, c := range f.contacts {
		if c.ID == peer {
			f.active = peer
			return coordinator.Conversation{Peer: peer, Draft: "draft"}, nil
		}
	}
	return coordinator.Conversation{}, fmt.Errorf("%w: %s", coordinator.ErrUnknownContact, peer)
}

func (f *fakeEngine) Refresh(context.Context, string) error { return nil }

func (f *fakeEngine) SetDraft(context.Context, string, string) error { return nil }

func (f *fakeEngine) SendText(_ context.Context, text string) (string, error) {
	if f.active == "" {
		return "", coordinator.ErrNoActiveConversation
	}
	f.sent = append(f.sent, text)
	return "temp-1", nil
}

func (f *fakeEngine) SendFile(context.Context, string) (string, error) { return "temp-2", nil }

func (f *fakeEngine) AddContact(_ context.Context, code string) (chat.Contact, error) {
	return chat.Contact{}, fmt.Errorf("add: %w", backend.ErrNotFound)
}

func (f *fakeEngine) UpdateProfile(_ context.Context, upd backend.ProfileUpdate) (chat.User, error) {
	return chat.User{ID: "alice", Name: upd.Name}, nil
}

func (f *fakeEngine) SetFlags(_ context.Context, peer string, flags chat.Flags) (chat.Contact, error) {
	f.flags = flags
	return chat.Contact{User: chat.User{ID: peer}, Flags: flags}, nil
}

func (f *fakeEngine) StartCall(_ context.Context, peer string, media call.Media) (coordinator.CallEvent, error) {
	return coordinator.CallEvent{}, realtime.ErrNotConnected
}

func (f *fakeEngine) AnswerCall(context.Context) (coordinator.CallEvent, error) {
	return coordinator.CallEvent{}, fmt.Errorf("%w: answer while idle", call.ErrIllegalTransition)
}

func (f *fakeEngine) EndCall(context.Context) (coordinator.CallEvent, error) {
	return coordinator.CallEvent{Phase: call.NameEnded, Peer: "bob", Outcome: &chat.CallDetails{Status: chat.CallMissed}}, nil
}

func serve(t *testing.T, engine Engine, b *bus.Bus) *Client {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "nebula-api-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	socket := filepath.Join(dir, "d.sock")

	srv := grpc.NewServer()
	Register(srv, NewControlService("test", engine, b, nil))
	lis, err := net.Listen("unix", socket)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("unix://"+socket, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return NewClient(conn)
}

func codeOf(err error) codes.Code {
	return grpcstatus.Code(err)
}

func TestControlUnaryMethods(t *testing.T) {
	engine := &fakeEngine{contacts: []coordinator.ContactView{{Contact: chat.Contact{User: chat.User{ID: "bob", Name: "Bob"}, Flags: chat.Flags{Muted: true}}, Online: true}}}
	client := serve(t, engine, bus.New())
	ctx := context.Background()

	st, err := client.Call(ctx, MethodGetStatus, nil)
	if err != nil {
		t.Fatal(err)
	}
	if st["session"] != "test" || st["identity"] != "alice" || st["channel"] != "CONNECTED" {
		t.Errorf("status = %v", st)
	}

	out, err := client.Call(ctx, MethodListContacts, nil)
	if err != nil {
		t.Fatal(err)
	}
	contacts := out["contacts"].([]any)
	if len(contacts) != 1 || contacts[0].(map[string]any)["online"] != true {
		t.Errorf("contacts = %v", contacts)
	}

	if _, err := client.Call(ctx, MethodSendText, map[string]any{"text": "hi"}); codeOf(err) != codes.FailedPrecondition {
		t.Errorf("send without selection code = %v", codeOf(err))
	}
	if _, err := client.Call(ctx, MethodSelectConversation, map[string]any{"contact_id": "zed"}); codeOf(err) != codes.NotFound {
		t.Errorf("select unknown code = %v", codeOf(err))
	}
	conv, err := client.Call(ctx, MethodSelectConversation, map[string]any{"contact_id": "bob"})
	if err != nil {
		t.Fatal(err)
	}
	if conv["draft"] != "draft" {
		t.Errorf("conversation = %v", conv)
	}
	sent, err := client.Call(ctx, MethodSendText, map[string]any{"text": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if sent["temp_id"] != "temp-1" {
		t.Errorf("send = %v", sent)
	}

	msgs, err := client.Call(ctx, MethodListMessages, map[string]any{"contact_id": "bob"})
	if err != nil {
		t.Fatal(err)
	}
	first := msgs["messages"].([]any)[0].(map[string]any)
	if first["text"] != "hi" || first["timestamp_ms"] != float64(1000) {
		t.Errorf("message = %v", first)
	}
}

func TestControlSetContactFlagsIsPartial(t *testing.T) {
	engine := &fakeEngine{contacts: []coordinator.ContactView{{Contact: chat.Contact{User: chat.User{ID: "bob"}, Flags: chat.Flags{Muted: true}}}}}
	client := serve(t, engine, bus.New())

	if _, err := client.Call(context.Background(), MethodSetContactFlags, map[string]any{"contact_id": "bob", "blocked": true}); err != nil {
		t.Fatal(err)
	}
	if !engine.flags.Muted || !engine.flags.Blocked || engine.flags.Favorite {
		t.Errorf("flags = %+v, want muted and blocked", engine.flags)
	}
	if _, err := client.Call(context.Background(), MethodSetContactFlags, map[string]any{"contact_id": "zed"}); codeOf(err) != codes.NotFound {
		t.Errorf("unknown contact code = %v", codeOf(err))
	}
}

func TestControlCallErrors(t *testing.T) {
	client := serve(t, &fakeEngine{}, bus.New())
	ctx := context.Background()

	if _, err := client.Call(ctx, MethodStartCall, map[string]any{"kind": "hologram"}); codeOf(err) != codes.InvalidArgument {
		t.Errorf("bad kind code = %v", codeOf(err))
	}
	if _, err := client.Call(ctx, MethodStartCall, map[string]any{"contact_id": "bob"}); codeOf(err) != codes.Unavailable {
		t.Errorf("offline code = %v", codeOf(err))
	}
	if _, err := client.Call(ctx, MethodAnswerCall, nil); codeOf(err) != codes.FailedPrecondition {
		t.Errorf("answer code = %v", codeOf(err))
	}
	ended, err := client.Call(ctx, MethodEndCall, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ended["phase"] != "ended" {
		t.Errorf("end = %v", ended)
	}
	if _, err := client.Call(ctx, MethodAddContact, map[string]any{"share_code": "X"}); codeOf(err) != codes.NotFound {
		t.Errorf("add contact code = %v", codeOf(err))
	}
}

func TestControlWatchEvents(t *testing.T) {
	b := bus.New()
	client := serve(t, &fakeEngine{}, b)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	stream, err := client.Watch(ctx, "message.")
	if err != nil {
		t.Fatal(err)
	}

	// The subscription is registered once the handler runs; keep publishing
	// until the first envelope arrives.
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.Emit(bus.KindCallPhase, coordinator.CallEvent{Phase: call.NameIdle})
				b.Emit(bus.KindMessageAppended, coordinator.MessageEvent{Peer: "bob", Message: chat.Message{ID: "m1", Body: "hi"}})
			case <-ctx.Done():
				return
			}
		}
	}()

	env, err := stream.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if env["kind"] != bus.KindMessageAppended || env["session"] != "test" || env["event_id"] == "" {
		t.Errorf("envelope = %v", env)
	}
	payload := env["payload"].(map[string]any)
	if payload["contact_id"] != "bob" {
		t.Errorf("payload = %v", payload)
	}
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{coordinator.ErrNoUser, codes.Unauthenticated},
		{fmt.Errorf("x: %w", backend.ErrUnauthenticated), codes.Unauthenticated},
		{coordinator.ErrBlocked, codes.PermissionDenied},
		{coordinator.ErrEmptyMessage, codes.InvalidArgument},
		{&backend.StatusError{Code: 400, Message: "Cannot add yourself."}, codes.InvalidArgument},
		{&backend.StatusError{Code: 502}, codes.Unavailable},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		if got := codeOf(toStatus(tt.err)); got != tt.want {
			t.Errorf("toStatus(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
	if toStatus(nil) != nil {
		t.Error("nil error should map to nil")
	}
}
