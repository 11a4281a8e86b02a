package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/toolbus-io/toolbus"
)

var flagCallTimeout time.Duration

var callCmd = &cobra.Command{
	Use:   "call <server> <method> [params-json]",
	Short: "Send a single request to a configured server",
	Long: `Call connects the named server, sends one request, and prints the raw
JSON result to stdout. Params default to an empty object. Progress
notifications from the server are written to stderr as they arrive.

Examples:
  toolbus call search tools/list
  toolbus call search tools/call '{"name":"web_search","arguments":{"query":"golang"}}'`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runCall,
}

func init() {
	callCmd.Flags().DurationVar(&flagCallTimeout, "timeout", 60*time.Second, "overall timeout for the call")
}

func runCall(cmd *cobra.Command, args []string) error {
	server, method := args[0], args[1]

	var params json.RawMessage
	if len(args) == 3 {
		if !json.Valid([]byte(args[2])) {
			return fmt.Errorf("params must be valid JSON")
		}
		params = json.RawMessage(args[2])
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	hub := toolbus.NewHub(cfg,
		toolbus.WithHubLogger(newLogger()),
		toolbus.WithProgressListener(printProgress),
	)
	defer hub.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), flagCallTimeout)
	defer cancel()

	if err := hub.Connect(ctx, server); err != nil {
		return err
	}

	result, err := hub.Execute(ctx, server, method, params)
	if err != nil {
		return err
	}

	var pretty json.RawMessage = result
	if indented, err := json.MarshalIndent(json.RawMessage(result), "", "  "); err == nil {
		pretty = indented
	}
	fmt.Println(string(pretty))
	return nil
}

func printProgress(server string, progress toolbus.ProgressParams) {
	fmt.Fprintf(os.Stderr, "[%s] %s: %.0f%%", server, progress.OperationID, progress.Progress*100)
	if progress.Message != "" {
		fmt.Fprintf(os.Stderr, " %s", progress.Message)
	}
	fmt.Fprintln(os.Stderr)
}
