// Package client dials a session daemon's control socket.
package client

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/matheus3301/nebula/internal/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// DaemonBinary is the executable started by Spawn.
const DaemonBinary = "nebulad"

// Client wraps the gRPC connection to the daemon.
type Client struct {
	conn *grpc.ClientConn
	*api.Client
}

// New dials the daemon's Unix domain socket. The connection is lazy; use
// Probe to check the daemon answers.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn, Client: api.NewClient(conn)}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Probe reports whether a daemon is running and responsive on socketPath.
func Probe(socketPath string) bool {
	c, err := New(socketPath)
	if err != nil {
		return false
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = c.Call(ctx, api.MethodGetStatus, nil)
	return err == nil
}

// Spawn starts a daemon for the session in the background. The binary next
// to the running executable wins over one on PATH.
func Spawn(sessionName string) error {
	bin := DaemonBinary
	if executable, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(executable), DaemonBinary)
		if _, err := os.Stat(sibling); err == nil {
			bin = sibling
		}
	}
	cmd := exec.Command(bin, "--session", sessionName)
	// Inherit stderr so daemon startup errors are visible.
	cmd.Stderr = os.Stderr
	return cmd.Start()
}

// WaitReady polls the daemon with a real gRPC call until it answers or
// timeout passes.
func WaitReady(socketPath string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if Probe(socketPath) {
			return true
		}
		time.Sleep(300 * time.Millisecond)
	}
	return false
}

// Ensure returns a client for the session, starting the daemon first when
// autostart is set and none answers.
func Ensure(sessionName, socketPath string, autostart bool) (*Client, error) {
	if !Probe(socketPath) {
		if !autostart {
			return nil, fmt.Errorf("daemon not running for session %q", sessionName)
		}
		if err := Spawn(sessionName); err != nil {
			return nil, fmt.Errorf("start daemon: %w", err)
		}
		if !WaitReady(socketPath, 10*time.Second) {
			return nil, fmt.Errorf("daemon for session %q did not become ready", sessionName)
		}
	}
	return New(socketPath)
}
