package command

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"shipchat/config"
)

// NewInfoCmd creates the info command.
func NewInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the client configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := loadConfig(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Device ID:       %s\n", cfg.DeviceID)
			fmt.Fprintf(out, "User ID:         %s\n", valueOr(cfg.UserID, "(not set)"))
			fmt.Fprintf(out, "API:             %s\n", cfg.APIBaseURL)
			switch cfg.PushTransport {
			case config.PushTransportNATS:
				fmt.Fprintf(out, "Push:            nats %s\n", strings.Join(cfg.NATSServers, ","))
			default:
				fmt.Fprintf(out, "Push:            websocket %s\n", cfg.PushURL)
			}
			fmt.Fprintf(out, "Token:           %s\n", tokenState())
			fmt.Fprintf(out, "Config File:     %s\n", cfgPath)
			fmt.Fprintf(out, "Data Directory:  %s\n", filepath.Dir(cfgPath))
			if err := cfg.Validate(); err != nil {
				fmt.Fprintf(out, "Status:          incomplete (%v)\n", err)
			} else {
				fmt.Fprintln(out, "Status:          ready")
			}
			return nil
		},
	}
}

func tokenState() string {
	if config.Token() == "" {
		return "missing (set " + config.EnvToken + ")"
	}
	return "set"
}

func valueOr(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
