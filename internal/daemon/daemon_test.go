package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/nebula/internal/api"
	"github.com/matheus3301/nebula/internal/backend"
	"github.com/matheus3301/nebula/internal/bus"
	"github.com/matheus3301/nebula/internal/config"
	"github.com/matheus3301/nebula/internal/coordinator"
	"github.com/matheus3301/nebula/internal/lock"
	"github.com/matheus3301/nebula/internal/metrics"
	"github.com/matheus3301/nebula/internal/realtime"
	"github.com/matheus3301/nebula/internal/relay"
	"github.com/matheus3301/nebula/internal/session"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// fakeServer serves /api/current_user and, when hub is set, the realtime
// channel on /ws.
func fakeServer(t *testing.T, user map[string]any, hub *relay.Hub) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/current_user", func(w http.ResponseWriter, _ *http.Request) {
		if user == nil {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"not logged in"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(user)
	})
	if hub != nil {
		mux.Handle("/ws", hub)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// home points the session layout at a short temp dir (macOS 104-char socket limit).
func home(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "nebula-d-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	t.Setenv(session.HomeEnv, dir)
	return dir
}

func dial(t *testing.T, socketPath string) *api.Client {
	t.Helper()
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return api.NewClient(conn)
}

func waitStatus(t *testing.T, client *api.Client, want func(map[string]any) bool) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last map[string]any
	for time.Now().Before(deadline) {
		resp, err := client.Call(context.Background(), api.MethodGetStatus, nil)
		if err == nil {
			last = resp
			if want(resp) {
				return resp
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("status never matched; last = %v", last)
	return nil
}

func testConfig(serverURL string) *config.Session {
	cfg := config.Default()
	cfg.ServerURL = serverURL
	cfg.LogLevel = "error"
	cfg.Reconnect.Enabled = false
	return &cfg
}

// TestDaemonAuthRequired verifies the daemon reports AUTH_REQUIRED when the
// backend has no logged-in user, and never opens the channel.
func TestDaemonAuthRequired(t *testing.T) {
	home(t)
	srv := fakeServer(t, nil, nil)

	p := Params{SessionName: "anon", Config: testConfig(srv.URL)}
	app := fxtest.New(t, Module(p), fx.NopLogger)
	app.RequireStart()

	client := dial(t, session.SocketPath("anon"))
	resp := waitStatus(t, client, func(m map[string]any) bool {
		return m["channel"] == "AUTH_REQUIRED"
	})
	if resp["session"] != "anon" {
		t.Errorf("session = %v, want anon", resp["session"])
	}
	if resp["identity"] != "" {
		t.Errorf("identity = %v, want empty", resp["identity"])
	}

	if _, err := client.Call(context.Background(), api.MethodGetProfile, nil); err == nil {
		t.Error("GetProfile without a user should fail")
	}

	app.RequireStop()
	if _, err := os.Stat(session.SocketPath("anon")); !os.IsNotExist(err) {
		t.Errorf("socket still present after stop: %v", err)
	}
	if _, err := os.Stat(session.LockPath("anon")); !os.IsNotExist(err) {
		t.Errorf("lock still present after stop: %v", err)
	}
}

// TestDaemonConnects runs the full graph against a backend with a user and
// a relay, and checks the identity lands in the status and the lock file.
func TestDaemonConnects(t *testing.T) {
	home(t)
	hub := relay.NewHub(nil, nil, zap.NewNop(), relay.DefaultOptions())
	t.Cleanup(hub.Close)
	srv := fakeServer(t, map[string]any{
		"_id":         "u1",
		"displayName": "Alice",
		"shareId":     "ALICE1",
		"contacts": []map[string]any{
			{"_id": "u2", "displayName": "Bob"},
		},
	}, hub)

	p := Params{SessionName: "alice", Config: testConfig(srv.URL)}
	app := fxtest.New(t, Module(p), fx.NopLogger)
	app.RequireStart()

	client := dial(t, session.SocketPath("alice"))
	resp := waitStatus(t, client, func(m map[string]any) bool {
		return m["channel"] == "CONNECTED"
	})
	if resp["identity"] != "u1" || resp["name"] != "Alice" {
		t.Errorf("identity = %v/%v, want u1/Alice", resp["identity"], resp["name"])
	}
	if n, _ := resp["contacts"].(float64); n != 1 {
		t.Errorf("contacts = %v, want 1", resp["contacts"])
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		h, err := lock.ReadHolder(session.LockPath("alice"))
		if err == nil && h.Identity == "u1" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("lock holder = %+v (%v), want identity u1", h, err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if online := hub.Online(); len(online) != 1 || online[0] != "u1" {
		t.Errorf("relay online = %v, want [u1]", online)
	}

	app.RequireStop()
}

// TestSecondDaemonRefused verifies the session lock keeps a second daemon
// from starting on the same session.
func TestSecondDaemonRefused(t *testing.T) {
	home(t)
	srv := fakeServer(t, nil, nil)

	first := fxtest.New(t, Module(Params{SessionName: "dup", Config: testConfig(srv.URL)}), fx.NopLogger)
	first.RequireStart()
	defer first.RequireStop()

	dir, err := os.MkdirTemp("/tmp", "nebula-s-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	second := fx.New(Module(Params{
		SessionName: "dup",
		SocketPath:  filepath.Join(dir, "d.sock"),
		Config:      testConfig(srv.URL),
	}), fx.NopLogger)
	if err := second.Err(); err == nil {
		_ = second.Stop(context.Background())
		t.Fatal("second daemon built its graph; want lock error")
	}
}

// TestFxModuleWiring verifies NewServer resolves from Params and removes a
// stale socket left by a crashed daemon.
func TestFxModuleWiring(t *testing.T) {
	tmpDir, err := os.MkdirTemp("/tmp", "nebula-fx-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	socketPath := filepath.Join(tmpDir, "d.sock")
	if err := os.WriteFile(socketPath, nil, 0600); err != nil {
		t.Fatal(err)
	}

	p := Params{SessionName: "fxtest", SocketPath: socketPath}
	sess := coordinator.New(coordinator.Options{
		API:     backend.NewClient("http://127.0.0.1:1", "", time.Second),
		Channel: realtime.New(realtime.Options{URL: "ws://127.0.0.1:1/ws"}),
	})
	control := api.NewControlService("fxtest", sess, bus.New(), nil)
	srv, err := NewServer(p, zap.NewNop(), control)
	if err != nil {
		t.Fatalf("NewServer() with Params failed: %v", err)
	}

	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatalf("socket not created at %s: %v", socketPath, err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		t.Errorf("mode = %v, want a socket", info.Mode())
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("perm = %o, want 600", perm)
	}

	srv.Stop(context.Background())
	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Errorf("socket still present after stop: %v", err)
	}
}

func TestMetricsServer(t *testing.T) {
	m := metrics.New()
	m.BusDrop("message.appended")

	cfg := config.Default()
	cfg.MetricsAddr = "127.0.0.1:0"
	ms := NewMetricsServer(cfg, m, zap.NewNop())

	rec := httptest.NewRecorder()
	ms.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	ms.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("GET /healthz = %d, want 204", rec.Code)
	}

	// No address means nothing is bound.
	off := NewMetricsServer(config.Default(), m, zap.NewNop())
	if err := off.Start(); err != nil {
		t.Fatalf("Start without addr: %v", err)
	}
	off.Stop(context.Background())
}
