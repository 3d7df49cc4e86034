package main

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sliverarmory/interpose/internal/logging"
)

type rootOptions struct {
	logLevel string
	pretty   bool
}

func (o *rootOptions) logger(cmd *cobra.Command, component string) zerolog.Logger {
	return logging.NewWithComponent(logging.Config{
		Level:  o.logLevel,
		Pretty: o.pretty,
		Output: cmd.ErrOrStderr(),
	}, component)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:          "interpose",
		Short:        "Inspect process memory and script archives",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&opts.pretty, "pretty", true, "Human readable log output")

	rootCmd.AddCommand(
		newScanCmd(opts),
		newSymbolCmd(opts),
		newArchiveCmd(opts),
		newConfigCmd(),
	)
	return rootCmd
}
