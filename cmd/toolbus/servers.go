package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "List the servers declared in the config file",
	RunE:  runServers,
}

func runServers(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	names := make([]string, 0, len(cfg.Servers))
	for name := range cfg.Servers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		spec := cfg.Servers[name]
		command := spec.Command
		if len(spec.Args) > 0 {
			command += " " + strings.Join(spec.Args, " ")
		}
		fmt.Printf("%s\t%s\n", name, command)
	}
	return nil
}
