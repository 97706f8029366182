package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/animus-labs/appbootstrap/internal/domain"
	"github.com/animus-labs/appbootstrap/internal/orchestrator"
	"github.com/animus-labs/appbootstrap/internal/platform/env"
	"github.com/animus-labs/appbootstrap/internal/platform/httpserver"
	"github.com/animus-labs/appbootstrap/internal/platform/runid"
	"github.com/animus-labs/appbootstrap/internal/settings"
)

const service = "bootstrap"

const usage = `Usage: bootstrap [run|wait|render] [flags] [-- command [args...]]

  run     install the application once per volume, then finalize permissions (default)
  wait    only wait for the database and cache to accept connections
  render  print the rendered application configuration and exit

A command after "--" replaces the bootstrap process once it succeeds.
`

type options struct {
	command    string
	handoff    []string
	root       string
	logLevel   string
	logFormat  string
	statusAddr string
	timeout    time.Duration
	runID      string
}

func parseArgs(args []string, stderr io.Writer) (options, error) {
	timeout, err := env.Duration("BOOTSTRAP_TIMEOUT", 30*time.Minute)
	if err != nil {
		return options{}, err
	}
	opts := options{command: "run"}

	fs := pflag.NewFlagSet(service, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	fs.StringVar(&opts.root, "root", env.String("INSTALL_ROOT", ""), "application install root")
	fs.StringVar(&opts.logLevel, "log-level", env.String("BOOTSTRAP_LOG_LEVEL", "info"), "debug, info, warn or error")
	fs.StringVar(&opts.logFormat, "log-format", env.String("BOOTSTRAP_LOG_FORMAT", "json"), "json or text")
	fs.StringVar(&opts.statusAddr, "status-addr", env.String("BOOTSTRAP_STATUS_ADDR", ""), "serve /healthz, /readyz, /status and /metrics on this address")
	fs.DurationVar(&opts.timeout, "timeout", timeout, "overall deadline for the bootstrap")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	positional := fs.Args()
	if dash := fs.ArgsLenAtDash(); dash >= 0 {
		opts.handoff = positional[dash:]
		positional = positional[:dash]
	}
	switch len(positional) {
	case 0:
	case 1:
		opts.command = positional[0]
	default:
		return options{}, fmt.Errorf("unexpected arguments %v", positional[1:])
	}
	switch opts.command {
	case "run", "wait", "render":
	default:
		return options{}, fmt.Errorf("unknown command %q", opts.command)
	}
	if opts.command == "render" && len(opts.handoff) > 0 {
		return options{}, errors.New("render does not take a command")
	}
	if opts.timeout <= 0 {
		return options{}, errors.New("timeout must be positive")
	}
	if opts.root != "" {
		if err := os.Setenv("INSTALL_ROOT", opts.root); err != nil {
			return options{}, err
		}
	}
	return opts, nil
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	handlerOpts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	default:
		return nil, fmt.Errorf("log format %q must be json or text", format)
	}
}

func main() {
	opts, err := parseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "bootstrap:", err)
		os.Exit(2)
	}
	logger, err := newLogger(os.Stdout, opts.logLevel, opts.logFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bootstrap:", err)
		os.Exit(2)
	}
	opts.runID = runid.New()
	logger = logger.With("run_id", opts.runID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)

	err = execute(ctx, logger, opts, os.Stdout)
	cancel()
	stop()
	if err != nil {
		logger.Error("bootstrap failed",
			"stage", domain.StageOf(err),
			"kind", domain.KindOf(err),
			"error", err,
		)
		os.Exit(domain.ExitCode(err))
	}

	if len(opts.handoff) > 0 {
		if err := handoff(logger, opts.handoff); err != nil {
			logger.Error("command hand-off failed", "command", opts.handoff[0], "error", err)
			os.Exit(1)
		}
	}
}

func execute(ctx context.Context, logger *slog.Logger, opts options, stdout io.Writer) error {
	req := settings.RequestFromEnv()
	switch opts.command {
	case "render":
		if err := req.Validate(); err != nil {
			return err
		}
		_, err := stdout.Write(settings.Render(req).Encode())
		return err
	case "wait":
		c, err := newComponents(logger, req, opts.runID)
		if err != nil {
			return err
		}
		return c.orchestrator.WaitOnly(ctx, req)
	default:
		c, err := newComponents(logger, req, opts.runID)
		if err != nil {
			return err
		}
		stopStatus := serveStatus(ctx, logger, opts.statusAddr, c)
		defer stopStatus()

		res, err := c.orchestrator.Run(ctx, req)
		logger.Info("bootstrap finished",
			"state", res.State,
			"installed", res.Installed,
			"duration_ms", res.FinishedAt.Sub(res.StartedAt).Milliseconds(),
		)
		return err
	}
}

// serveStatus starts the status server when addr is set. The returned func
// stops it.
func serveStatus(ctx context.Context, logger *slog.Logger, addr string, c *components) func() {
	if addr == "" {
		return func() {}
	}
	srvCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	handler := orchestrator.StatusHandler(logger, service, c.tracker, c.metrics.Handler())
	go func() {
		defer close(done)
		ready := make(chan net.Addr, 1)
		err := httpserver.Run(srvCtx, logger, httpserver.Config{Service: service, Addr: addr}, handler, ready)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("status server stopped", "error", err)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// handoff replaces the current process with args.
func handoff(logger *slog.Logger, args []string) error {
	path, err := exec.LookPath(args[0])
	if err != nil {
		return err
	}
	logger.Info("handing off", "command", path)
	return syscall.Exec(path, args, os.Environ())
}
