package cli

import (
	"github.com/spf13/cobra"
)

// NewCleanupCommand creates the cleanup command.
func NewCleanupCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove all automation-created rules from the configured clusters",
		Long: `Delete every firewall rule whose label carries the automation marker from
every configured cluster, whatever its address. Use this to sweep out
rules left behind by CI runs that crashed before removing themselves.

The runner's own IP plays no part here, so no detection endpoint is
contacted.

Example:
  fwgate cleanup --database-id 1234 --keyvalue-id 5678`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, rootOpts)
			if err != nil {
				return err
			}
			setupLogging(cfg.Log)

			if err := buildOrchestrator(cfg).Cleanup(cmd.Context()); err != nil {
				return WrapExitError(ExitOperationFailed, "failed to clean up automation rules", err)
			}
			return nil
		},
	}

	return cmd
}
