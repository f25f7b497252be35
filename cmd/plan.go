package cmd

import (
	"github.com/spf13/cobra"

	"github.com/kilianp07/cosim/config"
)

var planCmd = &cobra.Command{
	Use:   "plan HOST",
	Short: "Print the address plan of a host document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		plan, err := config.LoadPlan(args[0], ports)
		if err != nil {
			return err
		}
		out, err := plan.YAML()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

func init() {
	rootCmd.AddCommand(planCmd)
}
