package main

import (
	"context"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cryguy/workerdev/internal/logging"
)

var version = "dev"

func main() {
	logging.Init("workerdev")
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		log.Error().Err(err).Msg("workerdev failed")
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "workerdev",
		Short:         "Local development loop for workers",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to the project file (searched upwards from the working directory by default)")

	cmd.AddCommand(newDevCommand(opts))
	cmd.AddCommand(newKVCommand(opts))
	return cmd
}
