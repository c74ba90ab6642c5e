// Command netstore bootstraps the persistence and notification core:
// it loads configuration, opens the kvstore engine, wires every store
// behind one Orchestrator, starts the metrics/health HTTP endpoints,
// and blocks until signaled. Mounting an HTTP/WebSocket API in front of
// the Orchestrator is an external collaborator's job (see SPEC_FULL.md
// §1); this binary only gets the engine to a ready state and exposes
// it, the way the teacher's `manager.Manager` is built by
// `cmd/warren/main.go` before `pkg/api` is layered on top.
//
// Grounded on the teacher's cmd/warren/main.go: a cobra rootCmd with
// PersistentFlags and cobra.OnInitialize(initLogging), one subcommand
// per lifecycle operation.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/netstore/internal/config"
	"github.com/cuemby/netstore/internal/health"
	"github.com/cuemby/netstore/internal/kvstore"
	"github.com/cuemby/netstore/internal/log"
	"github.com/cuemby/netstore/internal/metrics"
	"github.com/cuemby/netstore/internal/orchestrator"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "netstore",
	Short:   "netstore - multi-tenant API-design collaboration storage core",
	Version: Version,
}

var (
	configPath string
)

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"netstore version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Force JSON log output")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("netstore version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

var loadedConfig config.Config

func initLogging() {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if v, _ := rootCmd.PersistentFlags().GetString("log-level"); v != "" {
		cfg.Log.Level = log.Level(v)
	}
	if v, _ := rootCmd.PersistentFlags().GetBool("log-json"); v {
		cfg.Log.JSONOutput = true
	}
	log.Init(cfg.Log)
	loadedConfig = cfg
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Open the store and run until signaled",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadedConfig

		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		dbPath := cfg.DataDir + "/netstore.db"

		engine, err := kvstore.Open(dbPath)
		if err != nil {
			return fmt.Errorf("open kvstore: %w", err)
		}
		defer engine.Close()

		orc, err := orchestrator.New(engine, cfg.OrchestratorConfig())
		if err != nil {
			return fmt.Errorf("wire orchestrator: %w", err)
		}
		_ = orc // exposed for an external API layer to consume; this binary only brings it up

		checker := health.New(Version)
		checker.Register("kvstore", true, true, "ready")
		checker.Register("notify", true, true, "ready")

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", checker.HealthHandler())
		mux.HandleFunc("/ready", checker.ReadyHandler())
		mux.HandleFunc("/healthz", checker.LivenessHandler())

		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		errCh := make(chan error, 1)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
		log.Info(fmt.Sprintf("netstore serving metrics/health on %s, data dir %s", cfg.MetricsAddr, cfg.DataDir))

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigCh:
			log.Info("shutting down")
		case err := <-errCh:
			log.Err(err, "metrics server error")
		}

		_ = srv.Shutdown(context.Background())
		return nil
	},
}
