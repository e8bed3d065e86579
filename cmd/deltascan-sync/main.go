package main

import (
	"context"
	"log/slog"
	"os"

	clisync "github.com/deltascan/deltascan/internal/cli/deltascansync"
	"github.com/deltascan/deltascan/internal/config"
	"github.com/deltascan/deltascan/internal/engine"
	"github.com/deltascan/deltascan/internal/observability"
	"github.com/deltascan/deltascan/internal/scan"
	"github.com/deltascan/deltascan/internal/sync"
	"github.com/deltascan/deltascan/internal/unity"
)

func main() {
	cfg, err := config.LoadFromEnv("deltascan-sync")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stderr)

	// The sync pipeline needs the workspace twice: table credentials for the
	// Delta read and OAuth tokens for the PostgreSQL write.
	client, err := unity.New(unity.Config{
		WorkspaceURL: cfg.Workspace.URL,
		Token:        cfg.Workspace.Token,
		Timeout:      cfg.Workspace.HTTPTimeout,
	})
	if err != nil {
		logger.Error("failed to build workspace client", slog.Any("error", err))
		os.Exit(1)
	}

	eng := engine.New(engine.Config{
		Memory:     cfg.Engine.Memory,
		Path:       cfg.Engine.Path,
		Extensions: engineExtensions(cfg.Engine.Extensions),
	})
	scanner := scan.New(eng, client, scan.Options{
		DefaultLimit:   cfg.Query.DefaultLimit,
		StorageAccount: cfg.Azure.StorageAccount,
		SASToken:       cfg.Azure.SASToken,
		Logger:         logger,
	})

	pipeline, err := sync.NewPipeline(scanner, client, cfg.Postgres, sync.PipelineOptions{Logger: logger})
	if err != nil {
		logger.Error("failed to build sync pipeline", slog.Any("error", err))
		os.Exit(1)
	}

	code := clisync.Run(context.Background(), os.Args[1:], clisync.Options{
		Pipeline: pipeline,
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
	})
	if err := scanner.Close(); err != nil {
		logger.Error("failed to close engine", slog.Any("error", err))
		if code == 0 {
			code = 1
		}
	}
	os.Exit(code)
}

func engineExtensions(names []string) engine.Extensions {
	if len(names) == 0 {
		return engine.AllExtensions()
	}
	var exts engine.Extensions
	for _, name := range names {
		switch name {
		case "delta":
			exts.Delta = true
		case "httpfs":
			exts.HTTPFS = true
		case "azure":
			exts.Azure = true
		}
	}
	return exts
}
