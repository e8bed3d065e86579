package main

import (
	"context"
	"log/slog"
	"os"

	clideltascan "github.com/deltascan/deltascan/internal/cli/deltascan"
	"github.com/deltascan/deltascan/internal/config"
	"github.com/deltascan/deltascan/internal/observability"
)

func main() {
	cfg, err := config.LoadFromEnv("deltascan")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stderr)
	code := clideltascan.Run(context.Background(), os.Args[1:], clideltascan.Options{
		Config: cfg,
		Logger: logger,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	})
	os.Exit(code)
}
