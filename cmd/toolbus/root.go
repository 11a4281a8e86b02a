package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/toolbus-io/toolbus"
)

var (
	flagConfig  string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "toolbus",
	Short: "Supervise tool servers speaking JSON-RPC over stdio",
	Long: `toolbus launches tool servers as subprocesses, performs the capability
handshake, and routes JSON-RPC requests to them over stdin/stdout. Servers
are declared in a config file, either JSON with an "mcpServers" object or
TOML with a [servers] table.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "toolbus.json", "path to the servers config file")
	pf.BoolVar(&flagVerbose, "verbose", false, "enable debug logging")

	rootCmd.AddCommand(serversCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(callCmd)
}

// newLogger builds the CLI logger. Logs go to stderr so stdout stays clean
// for command output.
func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if flagVerbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadConfig() (toolbus.Config, error) {
	return toolbus.LoadConfig(flagConfig)
}
