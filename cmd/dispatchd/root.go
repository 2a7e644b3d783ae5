package main

import (
	"github.com/spf13/cobra"
)

type rootOptions struct {
	envPrefix string
	logLevel  string
	console   bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "dispatchd",
		Short: "Order event reliability and courier dispatch engine",
		Long: `dispatchd receives ordering-platform and courier webhooks, logs them
durably before acknowledging, and dispatches couriers ahead of each
order's promised time.

Configuration is read from the environment. Nested keys are joined with a
double underscore, for example DISPATCH_WEBHOOKS__ACK_MODE=after_process.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.envPrefix, "env-prefix", defaultEnvPrefix, "prefix of configuration environment variables")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&opts.console, "console", false, "human readable log output")

	root.AddCommand(newServeCommand(opts))
	root.AddCommand(newMigrateCommand(opts))
	return root
}
