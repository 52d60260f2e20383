// Command gateway is the nulpoint LLM relay server.
//
// It reads configuration from environment variables (or config.yaml) and
// relays Claude, Codex, OpenAI-compatible and Gemini traffic to the
// providers listed in the catalog file.
//
// Quick-start (in-memory affinity, no Redis required):
//
//	CATALOG_FILE=catalog.yaml ./gateway
//
// Validate a catalog without starting the server:
//
//	./gateway -check-catalog
//
// See .env.example for all available configuration variables.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nulpointcorp/llm-relay/internal/app"
	"github.com/nulpointcorp/llm-relay/internal/config"
	"github.com/nulpointcorp/llm-relay/internal/providers/catalog"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	checkCatalog := flag.Bool("check-catalog", false, "validate CATALOG_FILE and exit")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger := buildLogger(cfg.LogLevel).With(slog.String("service", "llm-relay"))
	slog.SetDefault(logger)

	if *checkCatalog {
		os.Exit(runCatalogCheck(cfg.CatalogFile, logger))
	}

	// Graceful shutdown on SIGINT / SIGTERM; open streams are drained.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, version)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		logger.Error("relay stopped", slog.String("error", err.Error()))
		a.Close()
		os.Exit(1)
	}
}

// runCatalogCheck loads the catalog and reports what it contains. The exit
// code is non-zero when the file does not parse or validate.
func runCatalogCheck(path string, log *slog.Logger) int {
	store, err := catalog.Open(path)
	if err != nil {
		log.Error("catalog invalid", slog.String("path", path), slog.String("error", err.Error()))
		return 1
	}

	enabled := 0
	for _, p := range store.Snapshot().Providers() {
		if p.Enabled {
			enabled++
		}
	}
	log.Info("catalog ok",
		slog.String("path", path),
		slog.Int("providers", len(store.Snapshot().Providers())),
		slog.Int("enabled", enabled),
		slog.Int("endpoints", len(store.AllEndpoints())),
	)
	return 0
}

// buildLogger constructs a JSON slog.Logger for the given level string.
// Unknown level strings default to INFO.
func buildLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     l,
		AddSource: l <= slog.LevelDebug,
	}))
}
