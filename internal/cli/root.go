package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dokzlo13/fwgate/internal/config"
	"github.com/dokzlo13/fwgate/internal/dbaas"
	"github.com/dokzlo13/fwgate/internal/publicip"
	"github.com/dokzlo13/fwgate/internal/reconcile"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	APIURL     string
	Token      string
	DatabaseID string
	KeyValueID string
	JobToken   string
	Verbose    bool
	LogJSON    bool
}

// NewRootCommand creates the root command for the fwgate CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "fwgate",
		Short: "Manage CI runner access to managed database firewalls",
		Long: `fwgate opens and closes managed database firewalls for CI runners.

It resolves the runner's public IPv4 address, whitelists it on the
configured clusters through the provider API, and removes it again when
the job is done. A bulk cleanup mode sweeps out rules left behind by
runs that never got to clean up after themselves.`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			return NewExitError(ExitConfigError, fmt.Sprintf("unknown command %q", args[0]))
		},
	}

	cmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return WrapExitError(ExitConfigError, "invalid usage", err)
	})

	// Global flags; each overrides the matching config file / environment value.
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to configuration file (optional)")
	cmd.PersistentFlags().StringVar(&opts.APIURL, "api-url", "", "provider API base URL")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", "", "provider API bearer token")
	cmd.PersistentFlags().StringVar(&opts.DatabaseID, "database-id", "", "relational database cluster id")
	cmd.PersistentFlags().StringVar(&opts.KeyValueID, "keyvalue-id", "", "key-value cluster id")
	cmd.PersistentFlags().StringVar(&opts.JobToken, "job-token", "", "CI run identifier recorded in rule labels")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVar(&opts.LogJSON, "log-json", false, "emit logs as JSON")

	cmd.AddCommand(NewAddCommand(opts))
	cmd.AddCommand(NewRemoveCommand(opts))
	cmd.AddCommand(NewCleanupCommand(opts))

	return cmd
}

// loadConfig merges flag overrides onto the file/environment configuration
// and validates the result.
func loadConfig(cmd *cobra.Command, opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitConfigError, "failed to load configuration", err)
	}

	if opts.APIURL != "" {
		cfg.API.URL = opts.APIURL
	}
	if opts.Token != "" {
		cfg.API.Token = opts.Token
	}
	if opts.DatabaseID != "" {
		cfg.Clusters.Database = opts.DatabaseID
	}
	if opts.KeyValueID != "" {
		cfg.Clusters.KeyValue = opts.KeyValueID
	}
	if opts.JobToken != "" {
		cfg.JobToken = opts.JobToken
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}
	if cmd.Flags().Changed("log-json") {
		cfg.Log.JSON = opts.LogJSON
	}

	if err := cfg.Validate(); err != nil {
		return nil, WrapExitError(ExitConfigError, "invalid configuration", err)
	}
	return cfg, nil
}

func setupLogging(cfg config.LogConfig) {
	// ISO 8601 format with timezone
	zerolog.TimeFieldFormat = time.RFC3339

	if cfg.JSON {
		// JSON output for CI log collectors
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		// Text output (with optional colors)
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "2006-01-02T15:04:05.000Z07:00",
			NoColor:    !cfg.Colors,
		})
	}

	switch cfg.Level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	// One invocation is one run; stamp every event with its id so aggregated
	// CI logs stay attributable.
	log.Logger = log.Logger.With().Str("run_id", uuid.NewString()).Logger()
}

// buildOrchestrator wires the provider client, the IP resolver, and the
// reconciler together from a validated configuration.
func buildOrchestrator(cfg *config.Config) *reconcile.Orchestrator {
	client := dbaas.NewClient(dbaas.Config{
		BaseURL:        cfg.API.URL,
		Token:          cfg.API.Token,
		ConnectTimeout: cfg.API.ConnectTimeout.Duration(),
		Timeout:        cfg.API.Timeout.Duration(),
		RateLimitPause: cfg.API.RateLimitPause.Duration(),
	})

	resolver := publicip.NewResolver(publicip.Config{
		Endpoints:      cfg.Resolver.Endpoints,
		ConnectTimeout: cfg.Resolver.ConnectTimeout.Duration(),
		Timeout:        cfg.Resolver.Timeout.Duration(),
	})

	rec := reconcile.New(client, reconcile.Config{
		JobToken:          cfg.JobToken,
		DeleteInterval:    cfg.Reconcile.DeleteInterval.Duration(),
		RateLimitAttempts: cfg.Reconcile.RateLimitAttempts,
		RateLimitBackoff:  cfg.Reconcile.RateLimitBackoff.Duration(),
	})

	return reconcile.NewOrchestrator(rec, resolver, targetsFromConfig(cfg), reconcile.WaitConfig{
		Increment: cfg.Wait.Increment.Duration(),
		Threshold: cfg.Wait.Threshold.Duration(),
		Timeout:   cfg.Wait.Timeout.Duration(),
	})
}

// targetsFromConfig lists the configured clusters, relational first.
func targetsFromConfig(cfg *config.Config) []reconcile.Target {
	var targets []reconcile.Target
	if cfg.Clusters.Database != "" {
		targets = append(targets, reconcile.Target{ID: cfg.Clusters.Database, Kind: reconcile.KindRelational})
	}
	if cfg.Clusters.KeyValue != "" {
		targets = append(targets, reconcile.Target{ID: cfg.Clusters.KeyValue, Kind: reconcile.KindKeyValue})
	}
	return targets
}
