package session

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/matheus3301/nebula/internal/config"
)

const DefaultSessionName = "main"

// Resolve determines the active session name using precedence:
// 1. flagOverride (--session flag)
// 2. config.toml default_session
// 3. "main"
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.Load(GlobalConfigPath())
	if err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}

// LoadConfig validates name and reads its session.toml over the defaults.
func LoadConfig(name string) (config.Session, error) {
	if err := ValidateName(name); err != nil {
		return config.Session{}, err
	}
	return config.LoadSession(ConfigPath(name))
}

// SetDefault records name as default_session in the global config, keeping
// the rest of the file.
func SetDefault(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	path := GlobalConfigPath()
	cfg, err := config.Load(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg = &config.Config{}
	case err != nil:
		return fmt.Errorf("read %s: %w", path, err)
	}
	cfg.DefaultSession = name
	return config.Save(path, cfg)
}
