package main

import (
	"os"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/fwgate/internal/cli"
)

func main() {
	// Cancel on shutdown signal so an interrupted add still rolls back
	ctx := cli.SignalContext()

	rootCmd := cli.NewRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("fwgate failed")
		os.Exit(cli.GetExitCode(err))
	}
}
