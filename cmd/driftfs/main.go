// driftfs is an ephemeral object storage service with per-object TTLs.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/driftfs/driftfs/internal/config"
	"github.com/driftfs/driftfs/internal/httpapi"
	"github.com/driftfs/driftfs/internal/object"
	"github.com/driftfs/driftfs/internal/store"
	"github.com/driftfs/driftfs/internal/volume"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "driftfs",
		Short: "driftfs - ephemeral object storage with per-object expiry",
		Long: `driftfs stores uploaded blobs on a set of local volumes and hands back
an opaque handle. Objects live until their TTL runs out; a background
reaper reclaims expired objects and their disk space.

Start a server:

  driftfs serve --config /etc/driftfs/server.yaml

Upload and fetch:

  curl -T report.pdf 'http://localhost:8080/api/objects?ttl=3600&name=report.pdf'
  curl http://localhost:8080/api/objects/<id>/download`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the object storage server",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("driftfs %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Build Time: %s\n", BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func runServe(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return errors.New("--config is required")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if logLevel == "" {
		logLevel = cfg.LogLevel
	}
	setupLogging(logLevel)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log.Info().
		Str("version", Version).
		Str("listen", cfg.Listen).
		Strs("volumes", cfg.Volumes).
		Str("max_object_size", cfg.MaxObjectSize.String()).
		Str("default_ttl", cfg.DefaultTTL).
		Msg("driftfs starting")

	volumes, err := volume.NewSet(cfg.Volumes)
	if err != nil {
		return fmt.Errorf("prepare volumes: %w", err)
	}

	meta, err := store.Open(filepath.Join(cfg.DataDir, "metadata.db"))
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}
	defer func() {
		if err := meta.Close(); err != nil {
			log.Error().Err(err).Msg("close metadata store")
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := object.InitMetrics(registry)

	svc, err := object.NewService(volumes, meta, object.Options{
		MaxObjectSize: cfg.MaxObjectSize.Bytes(),
		DefaultTTL:    cfg.TTL(),
		Metrics:       metrics,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Clear out anything that expired while the server was down.
	if res, err := svc.Reap(ctx); err != nil {
		log.Error().Err(err).Msg("startup reap failed")
	} else if res.Reclaimed > 0 {
		log.Info().Int("reclaimed", res.Reclaimed).Msg("startup reap reclaimed expired objects")
	}

	go svc.RunReaper(ctx, cfg.ReapEvery())

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           httpapi.NewServer(svc, metrics, registry).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Listen).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	log.Info().Msg("driftfs stopped")
	return nil
}
