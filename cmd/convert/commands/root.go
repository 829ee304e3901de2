package commands

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/skypro1111/wav-stream-converter/internal/config"
)

// Version is set at build time with -ldflags
var Version = "dev"

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "convert",
	Short: "Stream WAV files through the conversion server",
	Long: `Stream a local WAV file to a conversion server over WebSocket and
collect the transcoded output while it is produced.

The output is either stored as a downloadable artifact (local directory or
S3, see the storage section of the config file) or piped into a player
command for immediate playback.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
}

// Execute runs the root command. Ctrl-C cancels the running conversion.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

// loadConfig reads --config over the defaults
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
		if err := cfg.Logging.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// newLogger builds the CLI logger. Log lines share stderr with the
// progress line, so the default level only shows warnings.
func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if logLevel != "" || cfg.Level == "debug" || cfg.Level == "error" {
		level = parseLevel(cfg.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
