package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// Duration is a time.Duration written as a Go duration string in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Reconnect configures redial of the realtime channel.
type Reconnect struct {
	Enabled     bool     `toml:"enabled"`
	BaseDelay   Duration `toml:"base_delay"`
	MaxDelay    Duration `toml:"max_delay"`
	MaxAttempts int      `toml:"max_attempts" validate:"min=0"`
}

// Session is one session's session.toml.
type Session struct {
	ServerURL      string    `toml:"server_url" validate:"required,url"`
	RealtimeURL    string    `toml:"realtime_url" validate:"omitempty,url"`
	Token          string    `toml:"token"`
	LogLevel       string    `toml:"log_level" validate:"oneof=debug info warn error"`
	MetricsAddr    string    `toml:"metrics_addr" validate:"omitempty,hostname_port"`
	PresenceWindow Duration  `toml:"presence_window"`
	CallCooldown   Duration  `toml:"call_cooldown"`
	RequestTimeout Duration  `toml:"request_timeout"`
	Reconnect      Reconnect `toml:"reconnect"`
}

// Default returns the built-in session settings.
func Default() Session {
	return Session{
		ServerURL:      "http://localhost:5000",
		LogLevel:       "info",
		PresenceWindow: Duration{120 * time.Second},
		CallCooldown:   Duration{time.Second},
		RequestTimeout: Duration{15 * time.Second},
		Reconnect: Reconnect{
			Enabled:     true,
			BaseDelay:   Duration{time.Second},
			MaxDelay:    Duration{30 * time.Second},
			MaxAttempts: 10,
		},
	}
}

// LoadSession overlays the file at path on Default and validates the
// result. A missing file yields the defaults.
func LoadSession(path string) (Session, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Session{}, fmt.Errorf("read %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Session{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks field formats and duration bounds.
func (s Session) Validate() error {
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return err
	}
	positive := []struct {
		name string
		d    Duration
	}{
		{"presence_window", s.PresenceWindow},
		{"call_cooldown", s.CallCooldown},
		{"request_timeout", s.RequestTimeout},
		{"reconnect.base_delay", s.Reconnect.BaseDelay},
		{"reconnect.max_delay", s.Reconnect.MaxDelay},
	}
	for _, p := range positive {
		if p.d.Duration <= 0 {
			return fmt.Errorf("invalid config: %s must be positive", p.name)
		}
	}
	if s.Reconnect.MaxDelay.Duration < s.Reconnect.BaseDelay.Duration {
		return errors.New("invalid config: reconnect.max_delay is below base_delay")
	}
	return nil
}

// ChannelURL returns realtime_url, or server_url with a ws(s) scheme and
// the /ws path when it is unset.
func (s Session) ChannelURL() (string, error) {
	if s.RealtimeURL != "" {
		return s.RealtimeURL, nil
	}
	u, err := url.Parse(s.ServerURL)
	if err != nil {
		return "", fmt.Errorf("parse server_url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}
