package client

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/nebula/internal/api"
	"github.com/matheus3301/nebula/internal/backend"
	"github.com/matheus3301/nebula/internal/bus"
	"github.com/matheus3301/nebula/internal/coordinator"
	"github.com/matheus3301/nebula/internal/realtime"
	"google.golang.org/grpc"
)

func socketDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "nebula-c-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func TestProbeWithoutDaemon(t *testing.T) {
	socket := filepath.Join(socketDir(t), "d.sock")
	if Probe(socket) {
		t.Error("Probe() = true with nothing listening")
	}
	if _, err := Ensure("main", socket, false); err == nil {
		t.Error("Ensure without autostart should fail when no daemon answers")
	}
}

func TestProbeAndCall(t *testing.T) {
	socket := filepath.Join(socketDir(t), "d.sock")

	sess := coordinator.New(coordinator.Options{
		API:     backend.NewClient("http://127.0.0.1:1", "", time.Second),
		Channel: realtime.New(realtime.Options{URL: "ws://127.0.0.1:1/ws"}),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess.Start(ctx)
	defer func() { _ = sess.Close() }()

	srv := grpc.NewServer()
	api.Register(srv, api.NewControlService("main", sess, bus.New(), nil))
	lis, err := net.Listen("unix", socket)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	if !WaitReady(socket, 3*time.Second) {
		t.Fatal("WaitReady() = false with a server listening")
	}

	c, err := Ensure("main", socket, false)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()

	resp, err := c.Call(context.Background(), api.MethodGetStatus, nil)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if resp["session"] != "main" {
		t.Errorf("session = %v, want main", resp["session"])
	}
	if resp["channel"] != "IDLE" {
		t.Errorf("channel = %v, want IDLE", resp["channel"])
	}
}
