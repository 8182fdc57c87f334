package command

import (
	"os"

	"github.com/spf13/cobra"
)

const AppName = "shipchat"

// NewRootCmd builds the shipchat command tree.
func NewRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           AppName,
		Short:         "Shipchat - conversations attached to shipment requests",
		Long:          "Shipchat lists, reads and answers the chat threads bound to shipment requests.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.Version = version
	cmd.SetVersionTemplate(AppName + " version {{.Version}}\n")
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.PersistentFlags().String("log-level", "", "override the configured log level")
	cmd.PersistentFlags().String("metrics-addr", "", "serve prometheus metrics on this address")

	cmd.AddCommand(
		NewInfoCmd(),
		NewListCmd(),
		NewThreadCmd(),
		NewSendCmd(),
		NewReactCmd(),
		NewReadCmd(),
	)

	return cmd
}
