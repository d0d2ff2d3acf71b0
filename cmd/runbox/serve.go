package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/michaelbrown/runbox/internal/language"
	"github.com/michaelbrown/runbox/internal/logging"
	"github.com/michaelbrown/runbox/internal/metrics"
	"github.com/michaelbrown/runbox/internal/sandbox"
	"github.com/michaelbrown/runbox/internal/server"
	"github.com/michaelbrown/runbox/internal/session"
	"github.com/michaelbrown/runbox/internal/storage/sqlite"
)

var (
	portFlag int
	pullFlag bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the runbox server",
	Long: `Start the runbox HTTP server.

Clients connect to /ws and send start, input and install messages. The browser
client is served at the root URL, the JSON API under /api and Prometheus
metrics at /metrics.

Examples:
  runbox serve
  runbox serve --port 9090
  runbox serve --pull
  RUNBOX_SANDBOX_NETWORK=false runbox serve`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().BoolVar(&pullFlag, "pull", false, "Pull every language image in the background at startup")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer log.Sync()

	registry, err := language.Load(cfg.LanguagesFile)
	if err != nil {
		return fmt.Errorf("loading languages: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Open storage
	store, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	if n, err := store.MarkInterrupted(ctx); err != nil {
		log.Warn("marking interrupted runs", zap.Error(err))
	} else if n > 0 {
		log.Info("marked runs from previous process as failed", zap.Int64("runs", n))
	}

	docker, err := sandbox.NewDocker(cfg.DockerRuntime(), log)
	if err != nil {
		return fmt.Errorf("connecting to docker: %w", err)
	}
	defer docker.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	engineUp := true
	if err := docker.Ping(pingCtx); err != nil {
		engineUp = false
		log.Warn("docker engine not reachable", zap.Error(err))
	} else if n, err := docker.Cleanup(pingCtx); err != nil {
		log.Warn("removing leftover sandboxes", zap.Error(err))
	} else if n > 0 {
		log.Info("removed leftover sandboxes", zap.Int("count", n))
	}
	cancel()

	if pullFlag && engineUp {
		go func() {
			images := registry.Images()
			if err := docker.Prepull(ctx, images); err != nil {
				log.Warn("pulling language images", zap.Error(err))
				return
			}
			log.Info("language images ready", zap.Strings("images", images))
		}()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	sessions := session.NewManager(context.Background(), registry, docker, session.Options{
		MaxSessions: cfg.Limits.MaxSessions,
		Observer:    session.Observers{session.NewRecorder(store, log), m},
		Logger:      log,
	})

	srv := server.New(sessions, server.Options{
		Store:      store,
		Metrics:    m,
		Engine:     docker,
		Logger:     log,
		MaxRunTime: cfg.Limits.MaxRunTime,
		StaticDir:  cfg.Server.StaticDir,
	})

	// Determine port
	port := cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}

	log.Info("languages loaded", zap.Strings("languages", registry.IDs()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(port)
	})
	g.Go(func() error {
		<-gctx.Done()
		return srv.Shutdown(context.Background())
	})
	return g.Wait()
}
