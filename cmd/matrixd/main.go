package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"hivematrix/config"
	"hivematrix/native/matrix"
	"hivematrix/observability/logging"
	telemetry "hivematrix/observability/otel"
	"hivematrix/server"
	"hivematrix/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config.yaml", "path to matrixd configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("MATRIXD_ENV"))

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("matrixd: load config: %v", err)
	}

	logger := logging.Setup("matrixd", env, logging.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "matrixd",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		log.Fatalf("matrixd: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	dsn, err := storage.FileDSN(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("matrixd: resolve storage DSN: %v", err)
	}
	store, err := storage.Open(dsn)
	if err != nil {
		log.Fatalf("matrixd: open storage: %v", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := store.SeedRoot(ctx, cfg.RootMember, time.Now().UTC()); err != nil {
		log.Fatalf("matrixd: seed root member: %v", err)
	}

	engine, err := matrix.New(store, store, matrix.WithParams(cfg.EngineParams()))
	if err != nil {
		log.Fatalf("matrixd: build engine: %v", err)
	}

	srv, err := server.New(server.Config{ListenAddress: cfg.ListenAddress}, engine, store, logger)
	if err != nil {
		log.Fatalf("matrixd: build server: %v", err)
	}

	go runSweeper(ctx, engine, cfg.SweepInterval.Duration, logger)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("matrixd shutting down")
}

// runSweeper drives the expiry sweep on a fixed interval until the context
// is cancelled.
func runSweeper(ctx context.Context, engine *matrix.Engine, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := engine.Sweep(ctx)
			if err != nil {
				logger.Error("expiry sweep failed", "error", err)
				continue
			}
			if result.Reallocated+result.Promoted+result.Forfeited > 0 {
				logger.Info("expiry sweep completed",
					"reallocated", result.Reallocated,
					"promoted", result.Promoted,
					"forfeited", result.Forfeited,
				)
			}
		}
	}
}
