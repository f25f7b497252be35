package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kilianp07/cosim/app"
	"github.com/kilianp07/cosim/config"
	"github.com/kilianp07/cosim/infra/logger"
)

var (
	outputDir string
	timeLimit float64
)

var runCmd = &cobra.Command{
	Use:   "run HOST GRID RESOURCE SENSOR NETWORK",
	Short: "Run the simulation from the five testbed documents",
	Args:  cobra.ExactArgs(5),
	RunE:  run,
}

func init() {
	runCmd.Flags().StringVarP(&outputDir, "output", "o", "output", "directory receiving the host address mapping")
	runCmd.Flags().Float64Var(&timeLimit, "time-limit", 0, "stop after this many minutes, 0 keeps the settings value")
	rootCmd.AddCommand(runCmd)
}

func run(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("time-limit") {
		if timeLimit < 0 {
			return &config.Error{Field: "time-limit", Msg: "must not be negative"}
		}
		cfg.Scheduler.TimeLimitMinutes = timeLimit
	}
	files := config.Files{Host: args[0], Grid: args[1], Resource: args[2], Sensor: args[3], Network: args[4]}
	tb, err := config.LoadTestbed(files, ports, app.ResourceKinds())
	if err != nil {
		return err
	}
	svc, err := app.New(cfg, tb, app.Options{OutputDir: outputDir})
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.New("main").Errorf("service close: %v", err)
		}
	}()
	return svc.Run(ctx)
}
