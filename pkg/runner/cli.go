package runner

import (
	"errors"

	"github.com/spf13/cobra"

	"runplane/internal/engine"
	"runplane/pkg/api"
	"runplane/pkg/runtime"
)

// cli holds the cobra command tree and the flags shared by every
// subcommand.
type cli struct {
	opts Options
	root *cobra.Command

	workDir  string
	confFile string
	verbose  bool

	exitCode int
}

func newCLI(opts Options) *cli {
	c := &cli{opts: opts}

	c.root = &cobra.Command{
		Use:           opts.Name,
		Short:         opts.Name + " runtime",
		Version:       opts.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	c.root.PersistentFlags().StringVarP(&c.workDir, "workdir", "w", "", "working directory for the payload")
	c.root.PersistentFlags().StringVarP(&c.confFile, "config", "c", "", "config file (default is per-runtime, under the user config dir)")
	c.root.PersistentFlags().BoolVar(&c.verbose, "verbose", false, "enable debug logging")

	c.root.AddCommand(
		c.deployCmd(),
		c.startCmd(),
		c.runCmd(),
		c.offerTemplateCmd(),
		c.testCmd(),
	)
	return c
}

func (c *cli) deployCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deploy [args...]",
		Short: "Deploy and configure the runtime",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := c.newEnv(args)
			if err != nil {
				return err
			}
			eng := engine.New(c.opts.New(), env, c.opts.Mode, nil,
				append([]engine.Option{engine.WithLogger(c.newLogger())}, c.opts.EngineOptions...)...)
			res, err := eng.Deploy(cmd.Context())
			if err != nil {
				return err
			}
			if res == nil {
				res = &api.DeployResult{
					StartMode: c.opts.Mode.StartMode(),
					Valid:     api.Valid(""),
				}
			}
			return output(res)
		},
	}
}

func (c *cli) startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start [args...]",
		Short: "Start the runtime",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := c.newEnv(args)
			if err != nil {
				return err
			}
			log := c.newLogger()

			if c.opts.Mode == runtime.ModeCommand {
				// One-shot start: invoke the callback and print its
				// output, no control channel involved.
				eng := engine.New(c.opts.New(), env, c.opts.Mode, nil,
					append([]engine.Option{engine.WithLogger(log)}, c.opts.EngineOptions...)...)
				out, err := eng.StartLocal(cmd.Context())
				if err != nil {
					return err
				}
				return output(out)
			}

			return c.serve(cmd.Context(), env, log)
		},
	}
}

func (c *cli) runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <bin> [args...]",
		Short: "Run a single runtime command",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := c.newEnv(nil)
			if err != nil {
				return err
			}
			eng := engine.New(c.opts.New(), env, c.opts.Mode, nil,
				append([]engine.Option{engine.WithLogger(c.newLogger())}, c.opts.EngineOptions...)...)

			pid, err := eng.RunLocal(cmd.Context(), api.RunProcess{
				Bin:     args[0],
				Args:    args[1:],
				WorkDir: c.workDir,
			})
			if err != nil {
				if errors.Is(err, engine.ErrUnsupported) {
					return errors.New("this runtime does not support command execution")
				}
				return err
			}
			return output(api.RunResult{PID: pid})
		},
	}
}

func (c *cli) offerTemplateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "offer-template",
		Short: "Output the market offer template JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := c.newEnv(nil)
			if err != nil {
				return err
			}
			eng := engine.New(c.opts.New(), env, c.opts.Mode, nil,
				append([]engine.Option{engine.WithLogger(c.newLogger())}, c.opts.EngineOptions...)...)
			tpl, err := eng.Offer(cmd.Context())
			if err != nil {
				return err
			}
			return output(tpl)
		},
	}
}

func (c *cli) testCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Perform a runtime self-test",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := c.newEnv(nil)
			if err != nil {
				return err
			}
			eng := engine.New(c.opts.New(), env, c.opts.Mode, nil,
				append([]engine.Option{engine.WithLogger(c.newLogger())}, c.opts.EngineOptions...)...)
			return eng.Test(cmd.Context())
		},
	}
}
