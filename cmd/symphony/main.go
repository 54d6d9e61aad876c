package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ttheew/symphony/pkg/conductor"
	"github.com/ttheew/symphony/pkg/config"
	"github.com/ttheew/symphony/pkg/log"
	"github.com/ttheew/symphony/pkg/node"
	"github.com/ttheew/symphony/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Exit codes: 0 clean shutdown, 1 fatal startup or runtime failure
// (configuration, bind, certificates), 2 irrecoverable data-integrity
// violation.
const (
	exitOK        = 0
	exitFailure   = 1
	exitIntegrity = 2
)

func exitCode(err error) int {
	if errors.Is(err, storage.ErrCorrupt) {
		return exitIntegrity
	}
	return exitFailure
}

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitFailure)
	}
}

var rootCmd = &cobra.Command{
	Use:   "symphony",
	Short: "Symphony - lightweight process orchestrator",
	Long: `Symphony runs long-lived workloads across a fleet of machines.

A single conductor process schedules deployments onto node processes over
persistent mutually-authenticated streams. Nodes supervise the workloads,
restart them per policy, and stream status and logs back.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Symphony version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "symphony.yaml", "path to the config file")

	rootCmd.AddCommand(conductorCmd)
	rootCmd.AddCommand(nodeCmd)
}

var conductorCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Run the control plane",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoad(config.ModeConductor)

		c, err := conductor.New(cfg.Conductor)
		if err != nil {
			log.Errorf("failed to start conductor", err)
			os.Exit(exitCode(err))
		}
		if err := c.Run(); err != nil {
			os.Exit(exitCode(err))
		}
		os.Exit(exitOK)
	},
}

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run a worker node",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoad(config.ModeNode)

		agent := node.NewAgent(cfg.Node)
		if err := agent.Run(); err != nil {
			log.Errorf("node agent failed", err)
			os.Exit(exitFailure)
		}
		os.Exit(exitOK)
	},
}

// mustLoad reads the config file, checks it matches the requested mode and
// initializes logging. Config problems are fatal.
func mustLoad(mode config.Mode) *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitFailure)
	}
	if cfg.Mode != mode {
		fmt.Fprintf(os.Stderr, "Error: config file is for mode %q, expected %q\n", cfg.Mode, mode)
		os.Exit(exitFailure)
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Logging.Level),
		JSONOutput: cfg.Logging.JSON,
	})
	return cfg
}
