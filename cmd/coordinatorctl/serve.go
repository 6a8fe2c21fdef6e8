package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/streamplane/coordinator/pkg/api"
	"github.com/streamplane/coordinator/pkg/config"
	"github.com/streamplane/coordinator/pkg/coordinator"
	"github.com/streamplane/coordinator/pkg/log"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the coordinator",
	Long: `Start the query-plan coordinator: opens its catalog store, installs the
topology root, and serves batch submission, health and metrics over HTTP
until interrupted.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "YAML config file (overrides defaults; flags below override the file)")
	serveCmd.Flags().String("data-dir", "", "Catalog data directory")
	serveCmd.Flags().String("listen-addr", "", "HTTP submit/health/metrics bind address")
	serveCmd.Flags().String("merger-rule", "", "Query merger rule (SyntaxBasedComplete)")
	serveCmd.Flags().String("amendment-mode", "", "Placement amendment mode (PESSIMISTIC, OPTIMISTIC)")
	serveCmd.Flags().Int("amendment-threads", 0, "Placement amendment worker pool size")
	serveCmd.Flags().Bool("incremental-placement", true, "Restrict placement to change-log operators only")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Default()

	if file, _ := cmd.Flags().GetString("config"); file != "" {
		merged, err := config.LoadFile(cfg, file)
		if err != nil {
			return err
		}
		cfg = merged
	}

	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("listen-addr"); v != "" {
		cfg.ListenAddr = v
	}
	if v, _ := cmd.Flags().GetString("merger-rule"); v != "" {
		cfg.QueryMergerRule = mergerRuleFlag(v)
	}
	if v, _ := cmd.Flags().GetString("amendment-mode"); v != "" {
		cfg.PlacementAmendmentMode = amendmentModeFlag(v)
	}
	if v, _ := cmd.Flags().GetInt("amendment-threads"); v > 0 {
		cfg.PlacementAmendmentThreadCount = v
	}
	if cmd.Flags().Changed("incremental-placement") {
		cfg.EnableIncrementalPlacement, _ = cmd.Flags().GetBool("incremental-placement")
	}

	// The root command already initialized logging from --log-level/--log-json;
	// re-init from the merged config only when the caller left those flags at
	// their defaults, so a config file's log settings aren't silently ignored.
	if !cmd.Flags().Changed("log-level") && !cmd.Flags().Changed("log-json") {
		log.Init(log.Config{Level: cfg.LogLevel, JSONOutput: cfg.LogJSON, ComponentLevels: cfg.LogComponentLevels})
	}

	coord, err := coordinator.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to build coordinator: %w", err)
	}
	coord.Start()

	server := api.New(coord, cfg.ListenAddr)
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	fmt.Printf("coordinator listening on %s (data dir %s)\n", cfg.ListenAddr, cfg.DataDir)
	fmt.Println("Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\nhttp server error: %v\n", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "http server shutdown: %v\n", err)
	}
	if err := coord.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown coordinator: %w", err)
	}

	fmt.Println("✓ Shutdown complete")
	return nil
}
