package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/skobkin/clawlink/internal/app"
	"github.com/skobkin/clawlink/internal/config"
	"github.com/skobkin/clawlink/internal/logging"
)

// globalFlags are the persistent flags shared by every command. Values left
// unset fall back to the config file.
type globalFlags struct {
	dataDir  string
	endpoint string
	token    string
	agentID  string
	logLevel string
	quiet    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   app.Name,
		Short: "Chat with agents through an OpenClaw gateway",
		Long: `clawlink keeps a WebSocket link to an OpenClaw gateway, routes agent
events to rooms and retries messages that could not be delivered.

Settings come from the config file in the user config directory and can be
overridden per run with the persistent flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if flags.logLevel == "" {
				return nil
			}
			if _, err := logging.ParseLevel(flags.logLevel); err != nil {
				return err
			}

			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.dataDir, "data-dir", "", "directory holding config, database and log (default: user config dir)")
	pf.StringVar(&flags.endpoint, "endpoint", "", "gateway websocket endpoint, e.g. ws://127.0.0.1:18789")
	pf.StringVar(&flags.token, "token", "", "gateway auth token")
	pf.StringVar(&flags.agentID, "agent", "", "agent id to address")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.BoolVarP(&flags.quiet, "quiet", "q", false, "do not write logs to stderr")

	root.AddCommand(
		newSendCmd(flags),
		newWatchCmd(flags),
		newQueueCmd(flags),
		newRoomsCmd(flags),
		newConfigCmd(flags),
		newVersionCmd(),
	)

	return root
}

// openRuntime assembles the runtime with flag overrides applied. The caller
// owns the returned runtime and must Close it.
func openRuntime(cmd *cobra.Command, flags *globalFlags) (*app.Runtime, error) {
	return initRuntime(cmd, flags, true)
}

// openRuntimeFromFile ignores the gateway flag overrides so that config
// written back contains only file values.
func openRuntimeFromFile(cmd *cobra.Command, flags *globalFlags) (*app.Runtime, error) {
	return initRuntime(cmd, flags, false)
}

func initRuntime(cmd *cobra.Command, flags *globalFlags, overrides bool) (*app.Runtime, error) {
	opts := app.Options{Quiet: flags.quiet}
	if flags.dataDir != "" {
		paths, err := app.PathsIn(flags.dataDir)
		if err != nil {
			return nil, err
		}
		opts.Paths = &paths
	}
	if overrides {
		opts.Override = func(cfg *config.AppConfig) {
			applyOverrides(cfg, flags)
		}
	}

	rt, err := app.Initialize(cmd.Context(), opts)
	if err != nil {
		return nil, fmt.Errorf("start runtime: %w", err)
	}

	return rt, nil
}

func applyOverrides(cfg *config.AppConfig, flags *globalFlags) {
	if flags.endpoint != "" {
		cfg.Gateway.Endpoint = flags.endpoint
	}
	if flags.token != "" {
		cfg.Gateway.Token = flags.token
	}
	if flags.agentID != "" {
		cfg.Gateway.AgentID = flags.agentID
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			line := app.Name + " " + app.BuildVersion()
			if date := app.BuildDateYMD(); date != "" {
				line += " (" + date + ")"
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
			fmt.Fprintln(cmd.OutOrStdout(), app.SourceURL)

			return nil
		},
	}
}
