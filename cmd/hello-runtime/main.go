// Package main is an example self-contained, command-mode runtime: its
// payload is fixed, it executes no commands, and start is a one-shot,
// blocking invocation.
package main

import (
	"context"

	"runplane/pkg/api"
	"runplane/pkg/runner"
	"runplane/pkg/runtime"
)

type conf struct {
	Greeting string `json:"greeting" yaml:"greeting" toml:"greeting" mapstructure:"greeting"`
}

type helloRuntime struct{}

func (helloRuntime) Deploy(ctx context.Context, env *runtime.Env) (*api.DeployResult, error) {
	return &api.DeployResult{Valid: api.Valid("")}, nil
}

func (helloRuntime) Start(ctx context.Context, env *runtime.Env) (any, error) {
	greeting := "hello"
	if cfg, ok := env.Conf.(*conf); ok && cfg.Greeting != "" {
		greeting = cfg.Greeting
	}
	return map[string]string{"greeting": greeting}, nil
}

func (helloRuntime) Stop(ctx context.Context, env *runtime.Env) error {
	return nil
}

func main() {
	runner.Main(runner.Options{
		Name:    "hello-runtime",
		Version: "0.1.0",
		Mode:    runtime.ModeCommand,
		New:     func() runtime.Runtime { return helloRuntime{} },
		Conf:    &conf{Greeting: "hello"},
	})
}
