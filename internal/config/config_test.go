package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	if err := Save(path, &Config{DefaultSession: "work"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultSession != "work" {
		t.Errorf("DefaultSession = %q, want %q", loaded.DefaultSession, "work")
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load("/nonexistent/config.toml"); err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestSavePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := Save(path, &Config{DefaultSession: "main"}); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("permissions = %o, want 600", perm)
	}
}

func TestLoadSessionMissingUsesDefaults(t *testing.T) {
	cfg, err := LoadSession(filepath.Join(t.TempDir(), "session.toml"))
	if err != nil {
		t.Fatalf("LoadSession() error = %v", err)
	}
	if cfg.PresenceWindow.Duration != 120*time.Second {
		t.Errorf("presence_window = %v, want 120s", cfg.PresenceWindow)
	}
	if cfg.CallCooldown.Duration != time.Second || !cfg.Reconnect.Enabled || cfg.Reconnect.MaxAttempts != 10 {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestLoadSessionOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.toml")
	content := `
server_url = "https://chat.example.com/api"
token = "abc"
log_level = "debug"
presence_window = "90s"

[reconnect]
max_attempts = 3
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadSession(path)
	if err != nil {
		t.Fatalf("LoadSession() error = %v", err)
	}
	if cfg.PresenceWindow.Duration != 90*time.Second || cfg.LogLevel != "debug" || cfg.Token != "abc" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Reconnect.MaxAttempts != 3 || cfg.Reconnect.BaseDelay.Duration != time.Second || !cfg.Reconnect.Enabled {
		t.Errorf("reconnect = %+v, want overlay on defaults", cfg.Reconnect)
	}
	if cfg.CallCooldown.Duration != time.Second {
		t.Errorf("call_cooldown = %v, want default 1s", cfg.CallCooldown)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Session)
		want   string
	}{
		{"bad log level", func(s *Session) { s.LogLevel = "loud" }, "LogLevel"},
		{"missing server", func(s *Session) { s.ServerURL = "" }, "ServerURL"},
		{"bad metrics addr", func(s *Session) { s.MetricsAddr = "nope" }, "MetricsAddr"},
		{"zero window", func(s *Session) { s.PresenceWindow = Duration{} }, "presence_window"},
		{"inverted backoff", func(s *Session) { s.Reconnect.MaxDelay = Duration{time.Millisecond} }, "max_delay"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Default()
			tt.mutate(&s)
			err := s.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}

func TestLoadSessionRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.toml")
	if err := os.WriteFile(path, []byte(`call_cooldown = "soon"`), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSession(path); err == nil {
		t.Error("LoadSession() accepted an unparsable duration")
	}
}

func TestChannelURL(t *testing.T) {
	tests := []struct {
		server, realtime, want string
	}{
		{"http://localhost:5000", "", "ws://localhost:5000/ws"},
		{"https://chat.example.com/", "", "wss://chat.example.com/ws"},
		{"http://x", "ws://relay:9000/ws", "ws://relay:9000/ws"},
	}
	for _, tt := range tests {
		s := Default()
		s.ServerURL, s.RealtimeURL = tt.server, tt.realtime
		got, err := s.ChannelURL()
		if err != nil || got != tt.want {
			t.Errorf("ChannelURL(%q, %q) = %q, %v; want %q", tt.server, tt.realtime, got, err, tt.want)
		}
	}
}

func TestSessionRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.toml")
	in := Default()
	in.Token = "tok"
	in.CallCooldown = Duration{2 * time.Second}
	if err := Save(path, in); err != nil {
		t.Fatal(err)
	}
	out, err := LoadSession(path)
	if err != nil {
		t.Fatal(err)
	}
	if out.Token != "tok" || out.CallCooldown.Duration != 2*time.Second {
		t.Errorf("round trip = %+v", out)
	}
}
