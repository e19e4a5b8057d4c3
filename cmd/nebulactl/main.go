package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/matheus3301/nebula/internal/client"
	"github.com/matheus3301/nebula/internal/session"
	"github.com/spf13/cobra"
)

var (
	sessionFlag string
	jsonFlag    bool
	autostart   bool
	timeout     time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "nebulactl",
	Short:         "Control a nebula session daemon",
	Long:          "Command-line client for a running nebulad. Every command talks to the\nsession's control socket.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&sessionFlag, "session", "", "session name (overrides config default)")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&autostart, "autostart", false, "start the daemon if it is not running")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// connect resolves the session and dials its daemon.
func connect() (*client.Client, error) {
	name := session.Resolve(sessionFlag)
	if err := session.ValidateName(name); err != nil {
		return nil, err
	}
	c, err := client.Ensure(name, session.SocketPath(name), autostart)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to daemon for session %q: %w", name, err)
	}
	return c, nil
}

// call runs one unary method and prints the raw response when --json is set.
// It returns the response for human formatting otherwise.
func call(cmd *cobra.Command, method string, req map[string]any) (map[string]any, bool, error) {
	c, err := connect()
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	resp, err := c.Call(ctx, method, req)
	if err != nil {
		return nil, false, err
	}
	if jsonFlag {
		outputJSON(resp)
		return resp, true, nil
	}
	return resp, false, nil
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
