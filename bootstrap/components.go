package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/animus-labs/appbootstrap/internal/archive"
	"github.com/animus-labs/appbootstrap/internal/domain"
	"github.com/animus-labs/appbootstrap/internal/fetch"
	"github.com/animus-labs/appbootstrap/internal/lock"
	"github.com/animus-labs/appbootstrap/internal/orchestrator"
	"github.com/animus-labs/appbootstrap/internal/perms"
	"github.com/animus-labs/appbootstrap/internal/platform/env"
	"github.com/animus-labs/appbootstrap/internal/platform/metrics"
	"github.com/animus-labs/appbootstrap/internal/platform/objectstore"
	"github.com/animus-labs/appbootstrap/internal/platform/postgres"
	"github.com/animus-labs/appbootstrap/internal/probe"
	"github.com/animus-labs/appbootstrap/internal/settings"
	"github.com/animus-labs/appbootstrap/internal/toolchain"
)

type components struct {
	orchestrator *orchestrator.Orchestrator
	tracker      *orchestrator.Tracker
	metrics      *metrics.Bootstrap
}

func configError(what string, err error) error {
	return domain.Errorf(domain.KindConfiguration, "%s: %w", what, err)
}

// newComponents wires every stage from the environment. Nothing here touches
// the network or the install root.
func newComponents(logger *slog.Logger, req domain.Request, id string) (*components, error) {
	cfg, err := orchestrator.ConfigFromEnv()
	if err != nil {
		return nil, configError("orchestrator config", err)
	}
	rendered := settings.Render(req)
	m := metrics.New(service)
	tracker := orchestrator.NewTracker()

	prober, err := newProber(logger, rendered, m)
	if err != nil {
		return nil, err
	}

	fetchCfg, err := fetch.ConfigFromEnv()
	if err != nil {
		return nil, configError("fetch config", err)
	}
	fetcher := fetch.New(fetchCfg, &http.Client{}, logger)
	mirrorCfg, mirrorEnabled, err := objectstore.ConfigFromEnv()
	if err != nil {
		return nil, configError("artifact mirror config", err)
	}
	if mirrorEnabled {
		store, err := objectstore.NewStore(mirrorCfg)
		if err != nil {
			return nil, configError("artifact mirror", err)
		}
		fetcher.Mirror = store
	}

	installer := archive.New(env.String("MANIFEST_FILE", archive.DefaultManifest), logger)
	installer.RunID = id

	plan, err := toolchain.LoadPlan(env.String("BOOTSTRAP_PLAN_FILE", ""), cfg.FrontendDir)
	if err != nil {
		return nil, configError("tool plan", err)
	}

	lockCfg, err := lock.ConfigFromEnv(cfg.Root)
	if err != nil {
		return nil, configError("lock config", err)
	}
	locker, err := lock.New(lockCfg, id, logger)
	if err != nil {
		return nil, configError("lock", err)
	}

	policy, err := perms.PolicyFromEnv()
	if err != nil {
		return nil, configError("permission policy", err)
	}
	policy.Overrides = map[string]os.FileMode{cfg.ConfigFile: cfg.ConfigFileMode}

	o := orchestrator.New(cfg, orchestrator.Deps{
		Prober:    prober,
		Fetcher:   fetcher,
		Extractor: installer,
		Toolchain: toolchain.New(toolchain.ExecRunner{}, plan, logger),
		Finalizer: orchestrator.FinalizerFunc(func(ctx context.Context, root string) error {
			return perms.Finalize(ctx, root, policy, logger)
		}),
		Locker:    locker,
		Observers: []orchestrator.Observer{tracker, m},
	}, logger)
	return &components{orchestrator: o, tracker: tracker, metrics: m}, nil
}

// newProber adds protocol checks on top of the TCP probe: a postgres login
// when the application uses pgsql, and a redis PING for the cache.
func newProber(logger *slog.Logger, rendered settings.Rendered, recorder probe.Recorder) (*probe.Prober, error) {
	p := probe.New(logger)
	p.Recorder = recorder

	deep, err := env.Bool("PROBE_DEEP_CHECKS", true)
	if err != nil {
		return nil, configError("probe config", err)
	}
	if !deep {
		return p, nil
	}
	if conn, _ := rendered.Get(settings.KeyDBConnection); strings.EqualFold(conn, "pgsql") {
		pgCfg, err := postgres.ConfigFromEnv(settings.DatabaseURL(rendered))
		if err != nil {
			return nil, configError(fmt.Sprintf("%s check", settings.EndpointDatabase), err)
		}
		p.Checks[settings.EndpointDatabase] = probe.PostgresCheck(pgCfg)
	}
	p.Checks[settings.EndpointCache] = probe.RedisCheck(settings.RedisPassword(rendered))
	return p, nil
}
