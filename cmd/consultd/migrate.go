package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/curatedhealth/vital-expert-platform-sub045/config"
	"github.com/curatedhealth/vital-expert-platform-sub045/internal/migration"
)

// =============================================================================
// 🗄️ Database Migration Commands
// =============================================================================

// migrateAction 一个 migrate 子命令。arg 为位置参数（版本号或步数）。
type migrateAction struct {
	needsArg bool
	run      func(ctx context.Context, cli *migration.CLI, arg string) error
}

var migrateActions = map[string]migrateAction{
	"up": {run: func(ctx context.Context, cli *migration.CLI, _ string) error {
		return cli.RunUp(ctx)
	}},
	"down": {run: func(ctx context.Context, cli *migration.CLI, _ string) error {
		return cli.RunDown(ctx)
	}},
	"reset": {run: func(ctx context.Context, cli *migration.CLI, _ string) error {
		return cli.RunDownAll(ctx)
	}},
	"status": {run: func(ctx context.Context, cli *migration.CLI, _ string) error {
		return cli.RunStatus(ctx)
	}},
	"version": {run: func(ctx context.Context, cli *migration.CLI, _ string) error {
		return cli.RunVersion(ctx)
	}},
	"steps": {needsArg: true, run: func(ctx context.Context, cli *migration.CLI, arg string) error {
		n, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("invalid step count: %s", arg)
		}
		return cli.RunSteps(ctx, n)
	}},
	"goto": {needsArg: true, run: func(ctx context.Context, cli *migration.CLI, arg string) error {
		v, err := strconv.ParseUint(arg, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version number: %s", arg)
		}
		return cli.RunGoto(ctx, uint(v))
	}},
	"force": {needsArg: true, run: func(ctx context.Context, cli *migration.CLI, arg string) error {
		v, err := strconv.ParseInt(arg, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version number: %s", arg)
		}
		return cli.RunForce(ctx, int(v))
	}},
}

// runMigrate handles the migrate command and its subcommands
func runMigrate(args []string) {
	if len(args) < 1 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		printMigrateUsage()
		if len(args) < 1 {
			os.Exit(1)
		}
		return
	}

	name, rest := args[0], args[1:]
	action, ok := migrateActions[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown migrate subcommand: %s\n", name)
		printMigrateUsage()
		os.Exit(1)
	}

	var arg string
	if action.needsArg {
		if len(rest) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: consultd migrate %s <n>\n", name)
			os.Exit(1)
		}
		arg, rest = rest[0], rest[1:]
	}

	migrator, err := createMigrator(flag.NewFlagSet("migrate "+name, flag.ExitOnError), rest)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		os.Exit(1)
	}
	defer migrator.Close()

	if err := action.run(context.Background(), migration.NewCLI(migrator), arg); err != nil {
		fmt.Fprintf(os.Stderr, "migrate %s failed: %v\n", name, err)
		os.Exit(1)
	}
}

// createMigrator 优先使用 --db-type/--db-url，否则从配置文件读取数据库配置
func createMigrator(fs *flag.FlagSet, args []string) (*migration.DefaultMigrator, error) {
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *dbType != "" && *dbURL != "" {
		return migration.NewMigratorFromURL(*dbType, *dbURL)
	}

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if *dbType != "" {
		cfg.Database.Driver = *dbType
	}
	return migration.NewMigratorFromDatabaseConfig(cfg.Database)
}

func printMigrateUsage() {
	fmt.Println(`Database Migration Commands

Usage:
  consultd migrate <subcommand> [arg] [options]

Subcommands:
  up            Apply all pending migrations
  down          Rollback the last migration
  steps <n>     Apply (n>0) or rollback (n<0) n migrations
  goto <v>      Migrate to a specific version
  force <v>     Force set migration version (use with caution)
  status        Show migration status
  version       Show current migration version
  reset         Rollback all migrations

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)

Examples:
  consultd migrate up --config /etc/consultd/config.yaml
  consultd migrate status
  consultd migrate goto 1
  consultd migrate steps -1`)
}
