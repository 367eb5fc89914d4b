package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/KathyLau/un-webtv-transcriber/internal/config"
	"github.com/KathyLau/un-webtv-transcriber/internal/runtime"
	"github.com/KathyLau/un-webtv-transcriber/internal/stream"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		streamURL   string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "transcriber.yaml", "Path to configuration file")
	flag.StringVar(&streamURL, "url", "", "HLS playlist URL (overrides stream.url)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if streamURL != "" {
		cfg.Stream.URL = streamURL
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Telemetry.LogLevel)}))
	rt := runtime.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		if errors.Is(err, stream.ErrStreamUnavailable) {
			os.Exit(2)
		}
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
