// Package cmd implements the cosim command line.
package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/kilianp07/cosim/config"
	"github.com/kilianp07/cosim/core/topology"
)

// Exit codes returned by the binary.
const (
	ExitRuntime = 1
	ExitConfig  = 2
)

var (
	cfgPath string
	ports   topology.Options
)

var rootCmd = &cobra.Command{
	Use:          "cosim",
	Short:        "Real-time grid co-simulation",
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgPath, "config", "c", "", "settings file (yaml or json)")
	pf.Uint16Var(&ports.ModelPort, "model-listen-port", topology.DefaultModelPort, "default port resource models listen on")
	pf.Uint16Var(&ports.AgentPort, "agent-listen-port", topology.DefaultAgentPort, "default port resource agents listen on")
	pf.Uint16Var(&ports.GridPort, "grid-listen-port", topology.DefaultGridPort, "port the grid model listens on")
}

// Execute runs the CLI.
func Execute() error { return rootCmd.Execute() }

// ExitCode maps an Execute error to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ce *config.Error
	if errors.As(err, &ce) {
		return ExitConfig
	}
	return ExitRuntime
}
