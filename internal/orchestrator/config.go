package orchestrator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/animus-labs/appbootstrap/internal/marker"
	"github.com/animus-labs/appbootstrap/internal/platform/env"
	"github.com/animus-labs/appbootstrap/internal/settings"
)

// FailurePolicy decides what happens to a partially installed tree.
type FailurePolicy string

const (
	// FailureKeep leaves promoted files and the artifact for inspection.
	FailureKeep FailurePolicy = "keep"
	// FailureClean removes everything the failed run promoted or downloaded.
	FailureClean FailurePolicy = "clean"
)

func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch p := FailurePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "", FailureKeep:
		return FailureKeep, nil
	case FailureClean:
		return FailureClean, nil
	default:
		return "", fmt.Errorf("unsupported failure policy %q", s)
	}
}

type Config struct {
	Root             string
	MarkerName       string
	ConfigFile       string
	ConfigFileMode   os.FileMode
	FrontendDir      string
	ProbeInterval    time.Duration
	ProbeMaxAttempts int
	FailurePolicy    FailurePolicy
}

func DefaultConfig() Config {
	return Config{
		Root:             "/var/www/html",
		MarkerName:       marker.DefaultName,
		ConfigFile:       ".env",
		ConfigFileMode:   settings.DefaultFileMode,
		FrontendDir:      "frontend",
		ProbeInterval:    time.Second,
		ProbeMaxAttempts: 60,
		FailurePolicy:    FailureKeep,
	}
}

func ConfigFromEnv() (Config, error) {
	def := DefaultConfig()
	interval, err := env.Duration("PROBE_INTERVAL", def.ProbeInterval)
	if err != nil {
		return Config{}, err
	}
	attempts, err := env.Int("PROBE_MAX_ATTEMPTS", def.ProbeMaxAttempts)
	if err != nil {
		return Config{}, err
	}
	policy, err := ParseFailurePolicy(env.String("BOOTSTRAP_FAILURE_POLICY", string(def.FailurePolicy)))
	if err != nil {
		return Config{}, err
	}
	mode, err := env.FileMode("CONFIG_FILE_MODE", def.ConfigFileMode)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Root:             env.String("INSTALL_ROOT", def.Root),
		MarkerName:       env.String("MARKER_FILE", def.MarkerName),
		ConfigFile:       def.ConfigFile,
		ConfigFileMode:   mode,
		FrontendDir:      env.String("FRONTEND_DIR", def.FrontendDir),
		ProbeInterval:    interval,
		ProbeMaxAttempts: attempts,
		FailurePolicy:    policy,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if !filepath.IsAbs(c.Root) {
		return fmt.Errorf("INSTALL_ROOT must be absolute, got %q", c.Root)
	}
	if strings.TrimSpace(c.MarkerName) == "" {
		return errors.New("MARKER_FILE is required")
	}
	if c.ProbeInterval <= 0 {
		return errors.New("PROBE_INTERVAL must be positive")
	}
	if c.ProbeMaxAttempts < 1 {
		return errors.New("PROBE_MAX_ATTEMPTS must be >= 1")
	}
	if _, err := ParseFailurePolicy(string(c.FailurePolicy)); err != nil {
		return err
	}
	return nil
}
