package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/toolbus-io/toolbus"
)

var flagConnectTimeout time.Duration

var connectCmd = &cobra.Command{
	Use:   "connect [server...]",
	Short: "Connect configured servers and report the outcome",
	Long: `Connect launches each named server, runs the capability handshake, and
prints the result per server. With no arguments every configured server is
connected. Connections are torn down before the command exits; use this to
verify a config file.`,
	RunE: runConnect,
}

func init() {
	connectCmd.Flags().DurationVar(&flagConnectTimeout, "timeout", 30*time.Second, "overall timeout for connecting")
}

func runConnect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	hub := toolbus.NewHub(cfg, toolbus.WithHubLogger(newLogger()))
	defer hub.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), flagConnectTimeout)
	defer cancel()

	var results []toolbus.ConnectResult
	if len(args) == 0 {
		results, _ = hub.ConnectAll(ctx)
	} else {
		for _, name := range args {
			results = append(results, toolbus.ConnectResult{
				Server: name,
				Err:    hub.Connect(ctx, name),
			})
		}
	}

	failures := 0
	for _, res := range results {
		if res.Err != nil {
			failures++
			fmt.Printf("%s\tFAILED\t%s\n", res.Server, res.Err)
			continue
		}
		sess, _ := hub.Session(res.Server)
		fmt.Printf("%s\tok\tcapabilities=%s\n", res.Server, describeCapabilities(sess.Capabilities()))
	}
	if failures > 0 {
		return fmt.Errorf("%d of %d servers failed to connect", failures, len(results))
	}
	return nil
}

func describeCapabilities(caps toolbus.Capabilities) string {
	var enabled []string
	for _, c := range []struct {
		name string
		on   bool
	}{
		{"tools", caps.Tools},
		{"progress", caps.Progress},
		{"completion", caps.Completion},
		{"sampling", caps.Sampling},
		{"cancellation", caps.Cancellation},
	} {
		if c.on {
			enabled = append(enabled, c.name)
		}
	}
	if len(enabled) == 0 {
		return "none"
	}
	out := enabled[0]
	for _, name := range enabled[1:] {
		out += "," + name
	}
	return out
}
