package cli

import (
	"github.com/spf13/cobra"
)

// NewRemoveCommand creates the remove command.
func NewRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove the runner's public IP from the configured clusters",
		Long: `Resolve the runner's public IPv4 address and delete every firewall rule
carrying exactly that address from every configured cluster. Clusters
with no matching rules count as success.

Example:
  fwgate remove --database-id 1234`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, rootOpts)
			if err != nil {
				return err
			}
			setupLogging(cfg.Log)

			if err := buildOrchestrator(cfg).Remove(cmd.Context()); err != nil {
				return WrapExitError(ExitOperationFailed, "failed to remove runner IP", err)
			}
			return nil
		},
	}

	return cmd
}
