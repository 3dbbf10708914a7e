package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilnworks/kiln/pkg/config"
	"github.com/kilnworks/kiln/pkg/log"
	"github.com/kilnworks/kiln/pkg/supervisor"
	"github.com/kilnworks/kiln/pkg/worker"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "kiln",
		Short:        "Single-host GPU inference orchestrator",
		Long:         "Kiln schedules image-generation tasks across per-GPU worker processes on one host.",
		SilenceUsage: true,
	}
	root.AddCommand(newServerCmd(), newWorkerCmd(), newVersionCmd())
	return root
}

func newServerCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log.Init(log.Config{
				Level:      log.Level(cfg.LogLevel),
				JSONOutput: cfg.LogJSON,
				Output:     os.Stderr,
			})

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return supervisor.New(cfg).Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "kiln.json", "path to config file")
	return cmd
}

// newWorkerCmd is the entry point the registry spawns for each device.
// Stdout carries the wire protocol, so all logging goes to stderr.
func newWorkerCmd() *cobra.Command {
	var (
		deviceID          int
		outputDir         string
		heartbeatInterval time.Duration
		logLevel          string
	)

	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run a single-device worker (spawned by the orchestrator)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Init(log.Config{
				Level:      log.Level(logLevel),
				JSONOutput: true,
				Output:     os.Stderr,
			})

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt := worker.New(worker.Options{
				DeviceID:          deviceID,
				OutputDir:         outputDir,
				HeartbeatInterval: heartbeatInterval,
			})
			if err := rt.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&deviceID, "device", 0, "device id this worker owns")
	cmd.Flags().StringVar(&outputDir, "output-dir", "./outputs", "directory for generated artifacts")
	cmd.Flags().DurationVar(&heartbeatInterval, "heartbeat-interval", 10*time.Second, "liveness reporting interval")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("kiln %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
