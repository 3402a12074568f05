package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/dokzlo13/fwgate/internal/config"
)

// AddOptions holds flags for the add command.
type AddOptions struct {
	*RootOptions
	WaitTimeout time.Duration
}

// NewAddCommand creates the add command.
func NewAddCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AddOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Whitelist the runner's public IP on the configured clusters",
		Long: `Resolve the runner's public IPv4 address and append an ip_addr firewall
rule for it to every configured cluster, then wait for the change to
propagate. If any cluster fails, the rules created during this run are
removed again before the command exits.

Example:
  fwgate add --database-id 1234 --wait-timeout 10s`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts.RootOptions)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("wait-timeout") {
				cfg.Wait.Timeout = config.Duration(opts.WaitTimeout)
			}
			setupLogging(cfg.Log)

			if err := buildOrchestrator(cfg).Add(cmd.Context()); err != nil {
				return WrapExitError(ExitOperationFailed, "failed to whitelist runner IP", err)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&opts.WaitTimeout, "wait-timeout", 0, "cap on the propagation wait after a successful add")

	return cmd
}
