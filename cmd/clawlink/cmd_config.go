package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/skobkin/clawlink/internal/config"
)

const redacted = "********"

func newConfigCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change the saved configuration",
	}

	cmd.AddCommand(newConfigShowCmd(flags), newConfigSetCmd(flags), newConfigPathCmd(flags))

	return cmd
}

func newConfigShowCmd(flags *globalFlags) *cobra.Command {
	var showToken bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd, flags)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			cfg := rt.CurrentConfig()
			if cfg.Gateway.Token != "" && !showToken {
				cfg.Gateway.Token = redacted
			}
			raw, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(raw))

			return nil
		},
	}

	cmd.Flags().BoolVar(&showToken, "show-token", false, "print the token instead of a placeholder")

	return cmd
}

func newConfigSetCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "set <key=value>...",
		Short: "Change saved settings",
		Long: `Change one or more saved settings and write the config file.

Keys: ` + strings.Join(settableKeys, ", "),
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntimeFromFile(cmd, flags)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			cfg := rt.CurrentConfig()
			for _, arg := range args {
				key, value, ok := strings.Cut(arg, "=")
				if !ok {
					return fmt.Errorf("expected key=value, got %q", arg)
				}
				if err := setConfigValue(&cfg, strings.TrimSpace(key), strings.TrimSpace(value)); err != nil {
					return err
				}
			}
			if err := rt.SaveConfig(cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %s\n", rt.Paths.ConfigFile)

			return nil
		},
	}
}

func newConfigPathCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print where the config file lives",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntimeFromFile(cmd, flags)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			fmt.Fprintln(cmd.OutOrStdout(), rt.Paths.ConfigFile)

			return nil
		},
	}
}

var settableKeys = []string{
	"gateway.endpoint",
	"gateway.token",
	"gateway.agent_id",
	"gateway.client_id",
	"gateway.scopes",
	"reconnect.max_attempts",
	"queue.retry_budget",
	"rooms.label_prefix",
	"logging.level",
	"logging.log_to_file",
}

func setConfigValue(cfg *config.AppConfig, key, value string) error {
	switch key {
	case "gateway.endpoint":
		cfg.Gateway.Endpoint = value
	case "gateway.token":
		cfg.Gateway.Token = value
	case "gateway.agent_id":
		cfg.Gateway.AgentID = value
	case "gateway.client_id":
		cfg.Gateway.ClientID = value
	case "gateway.scopes":
		cfg.Gateway.Scopes = nil
		for _, scope := range strings.Split(value, ",") {
			if scope = strings.TrimSpace(scope); scope != "" {
				cfg.Gateway.Scopes = append(cfg.Gateway.Scopes, scope)
			}
		}
	case "reconnect.max_attempts":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("%s must be a non-negative integer", key)
		}
		cfg.Reconnect.MaxAttempts = n
	case "queue.retry_budget":
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return fmt.Errorf("%s must be a positive integer", key)
		}
		cfg.Queue.RetryBudget = n
	case "rooms.label_prefix":
		cfg.Rooms.LabelPrefix = value
	case "logging.level":
		cfg.Logging.Level = value
	case "logging.log_to_file":
		v, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s must be true or false", key)
		}
		cfg.Logging.LogToFile = v
	default:
		return fmt.Errorf("unknown config key %q", key)
	}

	return nil
}
