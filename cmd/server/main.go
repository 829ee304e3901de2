package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/wav-stream-converter/internal/config"
	"github.com/skypro1111/wav-stream-converter/internal/metrics"
	"github.com/skypro1111/wav-stream-converter/internal/server"
	"github.com/skypro1111/wav-stream-converter/internal/transcode"
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// A missing default config file means "run with defaults"
	path := *configPath
	if path == defaultConfigPath {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			path = ""
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)
	logger.Info("Service starting",
		slog.String("service", server.ServiceName),
		slog.String("version", server.ServiceVersion),
		slog.String("config_path", path),
	)
	logger.Info("Configuration loaded",
		slog.String("listen_address", cfg.Server.GetListenAddress()),
		slog.Int("max_concurrent_conversions", cfg.Server.MaxConcurrentConversions),
		slog.Int64("max_input_bytes", cfg.Server.MaxInputBytes),
		slog.String("ffmpeg_path", cfg.Transcode.FFmpegPath),
		slog.String("profile", cfg.Transcode.Profile),
		slog.String("bitrate", cfg.Transcode.Bitrate),
		slog.String("log_level", cfg.Logging.Level),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("Service failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Service stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	appMetrics := metrics.NewMetrics(reg)
	logger.Info("Prometheus metrics initialized")

	transcoder := transcode.NewFFmpeg(cfg.Transcode, logger)
	registry := transcode.NewRegistry(transcode.RegistryConfig{
		MaxConcurrent: cfg.Server.MaxConcurrentConversions,
		Options: transcode.Options{
			MaxInputBytes:  cfg.Server.MaxInputBytes,
			ReadBufferSize: cfg.Transcode.ReadBufferSize,
		},
	}, transcoder, appMetrics, logger)
	logger.Info("Conversion registry initialized", slog.String("transcoder", transcoder.Name()))

	gin.SetMode(gin.ReleaseMode)
	httpServer := server.NewHTTPServer(cfg, registry, appMetrics, reg, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(httpServer.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Starting graceful shutdown...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GetShutdownTimeoutDuration())
		defer cancel()

		// Stop HTTP server first (stop accepting new connections)
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
		if err := registry.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping conversions", slog.String("error", err.Error()))
		}

		stats := registry.Stats()
		logger.Info("Final server statistics",
			slog.Uint64("conversions_started", stats.Started),
			slog.Uint64("conversions_finished", stats.Finished),
			slog.Uint64("conversions_failed", stats.Failed),
			slog.Uint64("conversions_rejected", stats.Rejected),
		)
		return nil
	})

	return g.Wait()
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // Add source info for debug level
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}
	return slog.New(handler)
}
