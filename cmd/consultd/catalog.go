package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/curatedhealth/vital-expert-platform-sub045/agent/catalog"
	"github.com/curatedhealth/vital-expert-platform-sub045/internal/database"
	"github.com/curatedhealth/vital-expert-platform-sub045/llm/embedding"

	"go.uber.org/zap"
)

// =============================================================================
// 📇 Expert Catalog Commands
// =============================================================================

func runCatalog(args []string) {
	if len(args) < 1 || args[0] != "import" {
		printCatalogUsage()
		os.Exit(1)
	}

	fs := flag.NewFlagSet("catalog import", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	file := fs.String("file", "", "JSON file with an array of agent profiles")
	timeout := fs.Duration("timeout", 5*time.Minute, "Overall import timeout")
	_ = fs.Parse(args[1:])

	if *file == "" {
		fmt.Fprintln(os.Stderr, "--file is required")
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	profiles, err := catalog.LoadProfiles(*file)
	if err != nil {
		logger.Fatal("failed to load profiles", zap.Error(err))
	}

	db, err := database.Open(cfg.Database, logger)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	store := catalog.NewGormStore(db.DB(), logger)
	embedder := embedding.NewOpenAIProvider(embedding.OpenAIConfigFrom(cfg.Embedding))
	n, err := catalog.Import(ctx, store, embedder, profiles, logger)
	if err != nil {
		logger.Error("catalog import failed", zap.Int("imported", n), zap.Error(err))
		os.Exit(1)
	}
	fmt.Printf("Imported %d agent profiles\n", n)
}

func printCatalogUsage() {
	fmt.Println(`Expert Catalog Commands

Usage:
  consultd catalog import --file <profiles.json> [--config <path>] [--timeout 5m]

Profiles are embedded with the configured embedding model and upserted into
the agent_profiles table. Run 'consultd migrate up' first.`)
}
