package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

// rootOptions holds flags shared by every subcommand.
type rootOptions struct {
	configPath string
}

// configFile returns the config path from --config, $MSGLINE_CONFIG or the default.
func (o *rootOptions) configFile() string {
	if o.configPath != "" {
		return o.configPath
	}
	if p := os.Getenv("MSGLINE_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "msgline",
		Short: "msgline: compose inbound chat messages into envelope lines",
		Long: `msgline receives WhatsApp webhook deliveries, renders each message as a
single envelope line (prefix, media path, reply context) and streams the
lines to feed consumers.

Running msgline without a subcommand is the same as "msgline serve".`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"path to config.yaml (default: $MSGLINE_CONFIG or ./config.yaml)")

	root.AddCommand(serveCmd(opts))
	root.AddCommand(formatCmd(opts))
	root.AddCommand(encryptCmd())
	root.AddCommand(versionCmd())
	return root
}

func serveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook channel, scheduler and line feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the msgline version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println("msgline " + version)
		},
	}
}
