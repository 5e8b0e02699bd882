// Package main is an example server-mode runtime that executes its
// commands as real processes, either directly or inside Docker
// containers, and streams their output back to the orchestrator.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"sync"

	"runplane/internal/logger"
	"runplane/internal/spawn"
	"runplane/pkg/api"
	"runplane/pkg/runner"
	"runplane/pkg/runtime"
)

type conf struct {
	// Backend selects command execution: "exec" or "docker".
	Backend string `json:"backend" yaml:"backend" toml:"backend" mapstructure:"backend"`
	// Image is the container image for the docker backend.
	Image string `json:"image" yaml:"image" toml:"image" mapstructure:"image"`
}

type echoRuntime struct {
	once sync.Once
	cmdr *spawn.Commander
	err  error
}

func (r *echoRuntime) commander(env *runtime.Env) (*spawn.Commander, error) {
	r.once.Do(func() {
		cfg, _ := env.Conf.(*conf)
		if cfg == nil {
			cfg = &conf{Backend: "exec"}
		}
		log := logger.New(env.Name, slog.LevelInfo)

		var backend spawn.Backend
		switch cfg.Backend {
		case "docker":
			backend, r.err = spawn.NewDockerBackend(cfg.Image)
		default:
			backend = spawn.NewExecBackend(env.WorkDir)
		}
		if r.err == nil {
			r.cmdr = spawn.NewCommander(backend, log)
		}
	})
	return r.cmdr, r.err
}

func (r *echoRuntime) Deploy(ctx context.Context, env *runtime.Env) (*api.DeployResult, error) {
	return &api.DeployResult{
		Valid: api.Valid(""),
		Vols: []api.Volume{
			{Name: "work", Path: "/work"},
		},
	}, nil
}

func (r *echoRuntime) Start(ctx context.Context, env *runtime.Env) (any, error) {
	if _, err := r.commander(env); err != nil {
		return nil, err
	}
	return nil, nil
}

func (r *echoRuntime) Stop(ctx context.Context, env *runtime.Env) error {
	return nil
}

func (r *echoRuntime) RunCommand(ctx context.Context, env *runtime.Env, cmd runtime.Command, io runtime.CommandIO) (int, error) {
	cmdr, err := r.commander(env)
	if err != nil {
		return 0, err
	}
	return cmdr.RunCommand(ctx, env, cmd, io)
}

func (r *echoRuntime) KillCommand(ctx context.Context, env *runtime.Env, kill api.KillProcess) error {
	cmdr, err := r.commander(env)
	if err != nil {
		return err
	}
	return cmdr.KillCommand(ctx, env, kill)
}

func (r *echoRuntime) Offer(ctx context.Context, env *runtime.Env) (*api.OfferTemplate, error) {
	return &api.OfferTemplate{
		Constraints: "(golem.inf.mem.gib>=0.5)",
		Properties: map[string]any{
			"golem.runtime.name":    env.Name,
			"golem.runtime.version": env.Version,
		},
	}, nil
}

func (r *echoRuntime) Test(ctx context.Context, env *runtime.Env) error {
	cmdr, err := r.commander(env)
	if err != nil {
		return err
	}
	if cmdr == nil {
		return fmt.Errorf("command backend unavailable")
	}
	return nil
}

func main() {
	log.SetFlags(0)
	runner.Main(runner.Options{
		Name:    "echo-runtime",
		Version: "0.3.1",
		Mode:    runtime.ModeServer,
		New:     func() runtime.Runtime { return &echoRuntime{} },
		Conf:    &conf{Backend: "exec"},
	})
}
