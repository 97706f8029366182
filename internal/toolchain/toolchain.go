// Package toolchain runs the application's own tools: dependency
// installation, the one-time initialization sequence and best-effort
// housekeeping commands.
package toolchain

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/animus-labs/appbootstrap/internal/domain"
	"github.com/animus-labs/appbootstrap/internal/settings"
)

const (
	keyPrefix = "base64:"
	keyBytes  = 32

	maxLoggedOutput = 8 << 10
)

// Outcome records a best-effort step. Err is never escalated.
type Outcome struct {
	Step string
	Err  error
}

type Toolchain struct {
	runner Runner
	plan   Plan
	logger *slog.Logger

	// Rand supplies application key material.
	Rand io.Reader
}

func New(runner Runner, plan Plan, logger *slog.Logger) *Toolchain {
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Toolchain{runner: runner, plan: plan, logger: logger, Rand: rand.Reader}
}

// InstallDependencies runs the dependency steps in root. The first failure
// aborts.
func (t *Toolchain) InstallDependencies(ctx context.Context, root string) error {
	for _, step := range t.plan.Dependencies {
		if err := t.runStep(ctx, root, step); err != nil {
			return err
		}
	}
	return nil
}

// Initialize performs the first-install sequence: application key, schema
// migration, front-end build, then best-effort steps. It stops at the first
// failure of a required step. The returned outcomes describe the best-effort
// steps only.
func (t *Toolchain) Initialize(ctx context.Context, root string, rendered *settings.Rendered, configPath string) ([]Outcome, error) {
	if err := t.ensureAppKey(rendered, configPath); err != nil {
		return nil, err
	}

	for _, step := range t.plan.Migrate {
		if err := t.runStep(ctx, root, step); err != nil {
			return nil, err
		}
	}

	if err := t.buildAssets(ctx, root); err != nil {
		return nil, err
	}

	outcomes := make([]Outcome, 0, len(t.plan.BestEffort))
	for _, step := range t.plan.BestEffort {
		err := t.runStep(ctx, root, step)
		if err != nil {
			t.logger.Warn("best-effort step failed, continuing", "step", step.label(), "error", err)
		}
		outcomes = append(outcomes, Outcome{Step: step.label(), Err: err})
	}
	return outcomes, nil
}

func (t *Toolchain) buildAssets(ctx context.Context, root string) error {
	if len(t.plan.Assets.Steps) == 0 {
		return nil
	}
	manifest := filepath.Join(root, t.plan.Assets.Dir, "package.json")
	if _, err := os.Stat(manifest); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			t.logger.Info("front-end build skipped", "reason", "no package.json", "dir", t.plan.Assets.Dir)
			return nil
		}
		return domain.Errorf(domain.KindTool, "stat %s: %w", manifest, err)
	}
	for _, step := range t.plan.Assets.Steps {
		if step.Dir == "" {
			step.Dir = t.plan.Assets.Dir
		}
		if err := t.runStep(ctx, root, step); err != nil {
			return err
		}
	}
	return nil
}

func (t *Toolchain) ensureAppKey(rendered *settings.Rendered, configPath string) error {
	if v, _ := rendered.Get(settings.KeyAppKey); strings.TrimSpace(v) != "" {
		t.logger.Info("step skipped", "step", "key-generate", "reason", "application key already set")
		return nil
	}
	t.logger.Info("step started", "step", "key-generate")
	key, err := GenerateKey(t.Rand)
	if err != nil {
		t.logger.Error("step failed", "step", "key-generate", "error", err)
		return domain.Errorf(domain.KindTool, "generate application key: %w", err)
	}
	if err := settings.UpdateFile(configPath, settings.KeyAppKey, key); err != nil {
		t.logger.Error("step failed", "step", "key-generate", "error", err)
		return domain.Errorf(domain.KindTool, "persist application key: %w", err)
	}
	rendered.Set(settings.KeyAppKey, key)
	t.logger.Info("step succeeded", "step", "key-generate")
	return nil
}

func (t *Toolchain) runStep(ctx context.Context, root string, step Step) error {
	name := step.label()
	cmd := Command{
		Name: name,
		Args: step.Command,
		Dir:  filepath.Join(root, step.Dir),
		Env:  step.Env,
	}
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	t.logger.Info("step started", "step", name, "command", cmd.String(), "dir", cmd.Dir)
	res, err := t.runner.Run(ctx, cmd)
	if err != nil {
		t.logger.Error("step failed",
			"step", name,
			"exit_code", res.ExitCode,
			"duration_ms", res.Duration.Milliseconds(),
			"output", truncate(res.Output, maxLoggedOutput),
		)
		return domain.Errorf(domain.KindTool, "%s: %w\n%s", name, err, strings.TrimRight(res.Output, "\n"))
	}
	t.logger.Info("step succeeded", "step", name, "duration_ms", res.Duration.Milliseconds())
	return nil
}

// GenerateKey returns a random application key in the framework's
// "base64:<32 bytes>" format.
func GenerateKey(r io.Reader) (string, error) {
	buf := make([]byte, keyBytes)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return keyPrefix + base64.StdEncoding.EncodeToString(buf), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
