package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aigoflow/grammar-tracer/internal/config"
	"github.com/aigoflow/grammar-tracer/internal/matcher"
	"github.com/aigoflow/grammar-tracer/internal/repository"
	"github.com/aigoflow/grammar-tracer/internal/services"
	"github.com/aigoflow/grammar-tracer/internal/stats"
	"github.com/aigoflow/grammar-tracer/internal/store"
	"github.com/aigoflow/grammar-tracer/pkg/server"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var normalize bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the tracing gateway in front of one or more inference servers",
		Long: `Forwards every request to the configured upstream. Chat completions that
request logprobs are serialized per rejection log, matched to the bytes they
appended, and written out as dashboard traces.

Configuration comes from the environment (optionally --env) and, for several
upstreams, from the YAML file named by UPSTREAMS_FILE.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, root, normalize)
		},
	}
	cmd.Flags().BoolVar(&normalize, "normalize", false, "Softmax candidate lists that carry logits only")
	return cmd
}

func runServe(cmd *cobra.Command, root *rootOptions, normalize bool) error {
	cfg, err := config.Load(root.envFile)
	if err != nil {
		return err
	}
	level := cfg.SlogLevel()
	if root.logLevel != "" {
		level = parseLevel(root.logLevel)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	// Initialize database
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	names := make([]string, 0, len(cfg.Upstreams))
	for _, u := range cfg.Upstreams {
		names = append(names, u.Name)
	}
	db.Event("info", "startup", "Gateway starting", map[string]interface{}{
		"upstreams": names,
		"db_path":   cfg.DBPath,
		"nats_url":  cfg.NatsURL,
	})

	repo := repository.NewSQLiteRepository(db)

	natsService, err := services.NewNATSService(cfg)
	if err != nil {
		db.Event("error", "nats.failed", "NATS service initialization failed", map[string]interface{}{
			"nats_url": cfg.NatsURL,
			"error":    err.Error(),
		})
		return err
	}
	defer natsService.Close()

	traceService := services.NewTraceService(repo, natsService, stats.ExportOptions{NormalizeLogits: normalize})
	registry := matcher.NewRegistry(matcher.Options{SettleQuiet: cfg.SettleQuiet, SettleMax: cfg.SettleMax})

	type gateway struct {
		upstream config.Upstream
		monitor  *services.MonitoringService
		health   *services.HealthService
		server   *server.Server
	}
	gateways := make([]gateway, 0, len(cfg.Upstreams))
	for _, upstream := range cfg.Upstreams {
		if err := os.MkdirAll(upstream.OutputDir, 0o755); err != nil {
			return fmt.Errorf("create output directory for %s: %w", upstream.Name, err)
		}
		monitor := services.NewMonitoringService(natsService.GetConnection(), upstream.Name, cfg.TraceSubject)
		health := services.NewHealthService(natsService.GetConnection(), cfg, upstream, monitor)
		gw, err := services.NewGatewayService(cfg, upstream, registry, traceService, monitor)
		if err != nil {
			return err
		}
		gateways = append(gateways, gateway{
			upstream: upstream,
			monitor:  monitor,
			health:   health,
			server:   server.NewServer(upstream.ListenAddr, gw, traceService, health),
		})
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := natsService.Start(ctx); err != nil {
			db.Event("error", "nats.failed", "NATS service failed", map[string]interface{}{"error": err.Error()})
			return err
		}
		return nil
	})

	for _, gw := range gateways {
		g.Go(func() error { return gw.monitor.Start(ctx) })
		g.Go(func() error { return gw.health.Start(ctx) })
		g.Go(func() error {
			if err := gw.server.Start(ctx); err != nil {
				db.Event("error", "http.failed", "HTTP server failed", map[string]interface{}{
					"upstream": gw.upstream.Name,
					"error":    err.Error(),
				})
				return fmt.Errorf("gateway %s: %w", gw.upstream.Name, err)
			}
			return nil
		})

		db.Event("info", "server.ready", "Gateway ready to accept requests", map[string]interface{}{
			"upstream":      gw.upstream.Name,
			"listen_addr":   gw.upstream.ListenAddr,
			"upstream_url":  gw.upstream.URL,
			"rejection_log": gw.upstream.RejectionLog,
		})
	}

	err = g.Wait()
	slog.Info("Shutting down gateway")
	db.Event("info", "shutdown", "Gateway stopped", nil)
	return err
}
