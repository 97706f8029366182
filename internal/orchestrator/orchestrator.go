// Package orchestrator drives one bootstrap run through the state machine:
// probe backing services, install the application once per volume, and
// finalize permissions on every start.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/animus-labs/appbootstrap/internal/archive"
	"github.com/animus-labs/appbootstrap/internal/domain"
	"github.com/animus-labs/appbootstrap/internal/fetch"
	"github.com/animus-labs/appbootstrap/internal/lock"
	"github.com/animus-labs/appbootstrap/internal/marker"
	"github.com/animus-labs/appbootstrap/internal/settings"
	"github.com/animus-labs/appbootstrap/internal/toolchain"
)

type Prober interface {
	AwaitAll(ctx context.Context, endpoints []domain.Endpoint, interval time.Duration, maxAttempts int) error
}

type Fetcher interface {
	FetchRelease(ctx context.Context, license string) (fetch.Artifact, error)
}

type Extractor interface {
	Extract(ctx context.Context, art fetch.Artifact, targetDir string) (archive.Tree, error)
}

type Toolchain interface {
	InstallDependencies(ctx context.Context, root string) error
	Initialize(ctx context.Context, root string, rendered *settings.Rendered, configPath string) ([]toolchain.Outcome, error)
}

type Finalizer interface {
	Finalize(ctx context.Context, root string) error
}

type FinalizerFunc func(ctx context.Context, root string) error

func (f FinalizerFunc) Finalize(ctx context.Context, root string) error {
	return f(ctx, root)
}

// Observer is told about every state change, in order.
type Observer interface {
	OnTransition(t domain.Transition)
}

type Deps struct {
	Prober    Prober
	Fetcher   Fetcher
	Extractor Extractor
	Toolchain Toolchain
	Finalizer Finalizer
	Locker    lock.Locker
	Observers []Observer
	Now       func() time.Time
}

type Result struct {
	State       domain.State
	Installed   bool
	Transitions []domain.Transition
	Outcomes    []toolchain.Outcome
	StartedAt   time.Time
	FinishedAt  time.Time
}

type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
}

func New(cfg Config, deps Deps, logger *slog.Logger) *Orchestrator {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{cfg: cfg, deps: deps, logger: logger}
}

// run carries the mutable state of one invocation.
type run struct {
	o        *Orchestrator
	result   Result
	tree     archive.Tree
	artifact fetch.Artifact
}

// Run executes the full bootstrap. The returned error, when non-nil, is a
// *domain.Error labelled with the failing stage.
func (o *Orchestrator) Run(ctx context.Context, req domain.Request) (Result, error) {
	r := &run{o: o, result: Result{State: domain.StateFresh, StartedAt: o.deps.Now()}}
	err := r.execute(ctx, req)
	if err != nil {
		r.fail(err)
	}
	r.result.FinishedAt = o.deps.Now()
	return r.result, err
}

func (r *run) execute(ctx context.Context, req domain.Request) error {
	o := r.o
	if err := o.cfg.Validate(); err != nil {
		return domain.AtStage(domain.StateFresh, domain.KindConfiguration, err)
	}
	if err := req.Validate(); err != nil {
		return domain.AtStage(domain.StateFresh, domain.KindConfiguration, err)
	}
	endpoints, err := settings.Endpoints(req)
	if err != nil {
		return domain.AtStage(domain.StateFresh, domain.KindConfiguration, err)
	}
	rendered := settings.Render(req)
	m := marker.New(o.cfg.Root, o.cfg.MarkerName)

	done, err := m.Exists()
	if err != nil {
		return domain.AtStage(domain.StateFresh, domain.KindPermission, err)
	}
	if done {
		r.logCompleted(m)
		r.advance(domain.StateAlreadyDone, nil)
	} else {
		if err := r.install(ctx, req, endpoints, rendered, m); err != nil {
			return err
		}
	}

	r.advance(domain.StateFinalizePermissions, nil)
	if err := o.deps.Finalizer.Finalize(ctx, o.cfg.Root); err != nil {
		return domain.AtStage(domain.StateFinalizePermissions, domain.KindPermission, err)
	}
	r.advance(domain.StateReady, nil)
	o.logger.Info("bootstrap ready",
		"installed", r.result.Installed,
		"duration_ms", o.deps.Now().Sub(r.result.StartedAt).Milliseconds(),
	)
	return nil
}

// install runs from probing to marked_done, or to already_done when another
// instance finished while this one waited for the lock.
func (r *run) install(ctx context.Context, req domain.Request, endpoints []domain.Endpoint, rendered settings.Rendered, m marker.Marker) error {
	o := r.o
	r.advance(domain.StateProbing, nil)
	if err := o.deps.Prober.AwaitAll(ctx, endpoints, o.cfg.ProbeInterval, o.cfg.ProbeMaxAttempts); err != nil {
		return domain.AtStage(domain.StateProbing, domain.KindTransientNetwork, err)
	}

	o.logger.Info("acquiring install lock", "stage", domain.StateProbing)
	lease, err := o.deps.Locker.Acquire(ctx)
	if err != nil {
		return domain.AtStage(domain.StateProbing, domain.KindLock, err)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if relErr := lease.Release(releaseCtx); relErr != nil {
			o.logger.Warn("install lock release failed", "error", relErr)
		}
	}()

	done, err := m.Exists()
	if err != nil {
		return domain.AtStage(domain.StateProbing, domain.KindPermission, err)
	}
	if done {
		o.logger.Info("install completed by another instance while waiting for the lock")
		r.advance(domain.StateAlreadyDone, nil)
		return nil
	}

	r.advance(domain.StateFetching, nil)
	r.artifact, err = o.deps.Fetcher.FetchRelease(ctx, req.LicenseKey)
	if err != nil {
		return domain.AtStage(domain.StateFetching, domain.KindTransientNetwork, err)
	}

	r.advance(domain.StateExtracting, nil)
	r.tree, err = o.deps.Extractor.Extract(ctx, r.artifact, o.cfg.Root)
	if err != nil {
		return domain.AtStage(domain.StateExtracting, domain.KindExtraction, err)
	}
	if rmErr := r.artifact.Remove(); rmErr != nil {
		o.logger.Warn("artifact not removed", "path", r.artifact.Path, "error", rmErr)
	}
	r.artifact = fetch.Artifact{}

	r.advance(domain.StateConfiguring, nil)
	configPath := filepath.Join(o.cfg.Root, o.cfg.ConfigFile)
	if err := r.writeConfig(configPath, rendered); err != nil {
		return domain.AtStage(domain.StateConfiguring, domain.KindPermission, err)
	}

	r.advance(domain.StateInstallingDeps, nil)
	if err := o.deps.Toolchain.InstallDependencies(ctx, o.cfg.Root); err != nil {
		return domain.AtStage(domain.StateInstallingDeps, domain.KindTool, err)
	}

	r.advance(domain.StateInitializing, nil)
	outcomes, err := o.deps.Toolchain.Initialize(ctx, o.cfg.Root, &rendered, configPath)
	r.result.Outcomes = outcomes
	if err != nil {
		return domain.AtStage(domain.StateInitializing, domain.KindTool, err)
	}

	select {
	case <-lease.Lost():
		return domain.AtStage(domain.StateInitializing, domain.KindLock, fmt.Errorf("completion marker not written: %w", lock.ErrLost))
	default:
	}
	if err := m.Write(o.deps.Now()); err != nil {
		return domain.AtStage(domain.StateInitializing, domain.KindPermission, fmt.Errorf("write completion marker: %w", err))
	}
	r.result.Installed = true
	r.advance(domain.StateMarkedDone, nil)
	return nil
}

func (r *run) writeConfig(configPath string, rendered settings.Rendered) error {
	o := r.o
	if err := settings.WriteFile(configPath, rendered, o.cfg.ConfigFileMode); err != nil {
		return err
	}
	o.logger.Info("configuration written", "path", configPath, "keys", len(rendered.Entries()))

	frontend := filepath.Join(o.cfg.Root, o.cfg.FrontendDir)
	info, err := os.Stat(frontend)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return nil
	}
	path := filepath.Join(frontend, ".env")
	if err := settings.WriteFile(path, settings.RenderFrontend(rendered), 0o644); err != nil {
		return err
	}
	o.logger.Info("front-end configuration written", "path", path)
	return nil
}

func (r *run) logCompleted(m marker.Marker) {
	at, err := m.CompletedAt()
	if err != nil {
		r.o.logger.Warn("completion marker unreadable", "path", m.Path, "error", err)
		return
	}
	r.o.logger.Info("application already installed", "marker", m.Path, "completed_at", at)
}

func (r *run) advance(to domain.State, cause error) {
	from := r.result.State
	if !domain.CanTransition(from, to) {
		panic(fmt.Sprintf("orchestrator: invalid transition %s -> %s", from, to))
	}
	t := domain.Transition{From: from, To: to, At: r.o.deps.Now(), Err: cause}
	r.result.State = to
	r.result.Transitions = append(r.result.Transitions, t)

	if to == domain.StateFailed {
		r.o.logger.Error("bootstrap failed", "from", from, "stage", domain.StageOf(cause), "kind", domain.KindOf(cause), "error", cause)
	} else {
		r.o.logger.Info("state changed", "from", from, "to", to)
	}
	for _, obs := range r.o.deps.Observers {
		obs.OnTransition(t)
	}
}

func (r *run) fail(err error) {
	o := r.o
	if r.result.State.Terminal() {
		return
	}
	r.advance(domain.StateFailed, err)

	if o.cfg.FailurePolicy != FailureClean {
		if len(r.tree.Promoted) > 0 || r.artifact.Path != "" {
			o.logger.Info("partial install kept for inspection", "promoted", len(r.tree.Promoted), "artifact", r.artifact.Path)
		}
		return
	}
	if err := r.tree.Remove(); err != nil {
		o.logger.Warn("partial install not fully removed", "error", err)
	}
	if err := r.artifact.Remove(); err != nil {
		o.logger.Warn("artifact not removed", "path", r.artifact.Path, "error", err)
	}
	configPath := filepath.Join(o.cfg.Root, o.cfg.ConfigFile)
	if len(r.tree.Promoted) > 0 {
		if err := os.Remove(configPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			o.logger.Warn("configuration not removed", "path", configPath, "error", err)
		}
	}
	o.logger.Info("partial install removed", "entries", len(r.tree.Promoted))
}

// WaitOnly validates req and blocks until every backing service is
// reachable. It never touches the install root.
func (o *Orchestrator) WaitOnly(ctx context.Context, req domain.Request) error {
	if err := req.Validate(); err != nil {
		return domain.AtStage(domain.StateFresh, domain.KindConfiguration, err)
	}
	endpoints, err := settings.Endpoints(req)
	if err != nil {
		return domain.AtStage(domain.StateFresh, domain.KindConfiguration, err)
	}
	if err := o.deps.Prober.AwaitAll(ctx, endpoints, o.cfg.ProbeInterval, o.cfg.ProbeMaxAttempts); err != nil {
		return domain.AtStage(domain.StateProbing, domain.KindTransientNetwork, err)
	}
	o.logger.Info("backing services reachable", "endpoints", len(endpoints))
	return nil
}
