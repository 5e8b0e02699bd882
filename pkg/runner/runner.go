// Package runner is the SDK entry point: it parses the runtime CLI,
// loads configuration, builds the engine and either executes a one-shot
// subcommand or serves the control protocol over stdin/stdout.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"runplane/internal/config"
	"runplane/internal/dispatch"
	"runplane/internal/engine"
	"runplane/internal/logger"
	"runplane/internal/observability"
	"runplane/internal/transport"
	"runplane/pkg/runtime"
)

// Options describes a runtime implementation to the runner.
type Options struct {
	// Name and Version identify the runtime; Name also selects the
	// config file location and the environment variable prefix.
	Name    string
	Version string

	// Mode is fixed per implementation.
	Mode runtime.Mode

	// New constructs the runtime implementation.
	New func() runtime.Runtime

	// Conf, when non-nil, is a pointer to the configuration value with
	// its defaults set. It is written to disk on first start and loaded
	// from the config file afterwards.
	Conf any

	// EngineOptions are passed through to the engine.
	EngineOptions []engine.Option
}

// Exit codes of the runtime process.
const (
	exitOK     = 0
	exitError  = 1
	exitForced = 3
)

// Main runs the runtime CLI and exits the process.
func Main(opts Options) {
	os.Exit(Run(opts))
}

// Run runs the runtime CLI and returns the process exit code.
func Run(opts Options) int {
	cli := newCLI(opts)
	if err := cli.root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitError
	}
	return cli.exitCode
}

// newEnv loads the configuration and assembles the execution
// environment shared by every callback of this process.
func (c *cli) newEnv(args []string) (*runtime.Env, error) {
	confPath := c.confFile
	if confPath == "" {
		var err error
		confPath, err = config.Path(c.opts.Name)
		if err != nil {
			return nil, err
		}
	}

	conf := c.opts.Conf
	if conf == nil {
		conf = &map[string]any{}
	}
	if err := config.LoadOrInit(c.opts.Name, confPath, conf); err != nil {
		return nil, err
	}

	return &runtime.Env{
		Name:     c.opts.Name,
		Version:  c.opts.Version,
		Args:     args,
		WorkDir:  c.workDir,
		Conf:     conf,
		ConfPath: confPath,
	}, nil
}

// serve runs the server-mode control loop over stdin/stdout until the
// runtime is stopped or the channel breaks.
func (c *cli) serve(ctx context.Context, env *runtime.Env, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics()

	if addr := os.Getenv("RUNPLANE_OTLP_ENDPOINT"); addr != "" {
		shutdown, err := observability.InitTracer(ctx, c.opts.Name, addr)
		if err != nil {
			log.Warn("tracing disabled", "error", err)
		} else {
			defer shutdown(context.Background())
		}
	}

	if addr := os.Getenv("RUNPLANE_METRICS_ADDR"); addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			log.Info("metrics listening", "addr", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Warn("metrics server error", "error", err)
			}
		}()
	}

	conn := transport.NewStreamConn(os.Stdin, os.Stdout, nil)

	engOpts := append([]engine.Option{
		engine.WithLogger(log),
		engine.WithMetrics(metrics),
	}, c.opts.EngineOptions...)
	eng := engine.New(c.opts.New(), env, c.opts.Mode, conn, engOpts...)

	srv := dispatch.New(conn, eng, log, metrics)
	err := srv.Serve(ctx)

	switch {
	case err != nil:
		c.exitCode = exitError
		return err
	case eng.Forced():
		c.exitCode = exitForced
	default:
		c.exitCode = exitOK
	}
	return nil
}

// output prints a one-shot subcommand result as JSON on stdout, the way
// the orchestrator-side tooling consumes it.
func output(v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(append(buf, '\n'))
	return err
}

func (c *cli) newLogger() *slog.Logger {
	level := slog.LevelInfo
	if c.verbose {
		level = slog.LevelDebug
	}
	return logger.New(c.opts.Name, level)
}
