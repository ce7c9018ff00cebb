// Command migrate manages the PostgreSQL schema of the dashboard store.
//
// Usage:
//
//	migrate up           # apply all pending migrations
//	migrate down         # roll back the last migration
//	migrate down-all     # roll back every migration
//	migrate version      # show the current version
//	migrate to N         # migrate to version N
//	migrate force N      # set the version to N without running anything
//	migrate create NAME  # add a pair of migration files
//
// SQLite databases are migrated from the models when the server opens them
// and are not handled here.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"sitebuilder/internal/config"
	"sitebuilder/internal/database"
	"sitebuilder/internal/logging"
)

// defaultMigrationsDir is where create writes when MIGRATIONS_PATH is unset.
const defaultMigrationsDir = "internal/database/migrations"

func main() {
	config.LoadDotEnv()
	logging.Init()
	defer logging.Sync()
	log := logging.L()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	if err := run(os.Args[1], os.Args[2:], log); err != nil {
		log.Fatal("migrate failed", zap.String("command", os.Args[1]), zap.Error(err))
	}
}

func run(command string, args []string, log *zap.Logger) error {
	switch command {
	case "help", "-h", "--help":
		printUsage()
		return nil
	case "create":
		if len(args) < 1 {
			return errors.New("usage: migrate create <name>")
		}
		dir := os.Getenv("MIGRATIONS_PATH")
		if dir == "" {
			dir = defaultMigrationsDir
		}
		up, down, err := createMigration(dir, args[0], time.Now())
		if err != nil {
			return err
		}
		fmt.Printf("Created migration files:\n  %s\n  %s\n", up, down)
		return nil
	}

	cfg := config.Load()
	if cfg.Database.Type != "postgres" {
		return fmt.Errorf("migrations target PostgreSQL, not %q", cfg.Database.Type)
	}
	mg, err := database.OpenMigrator(cfg.Database.URL, os.Getenv("MIGRATIONS_PATH"), log)
	if err != nil {
		return err
	}
	defer mg.Close()

	switch command {
	case "up":
		return mg.Up()
	case "down":
		return mg.Down(1)
	case "down-all":
		log.Warn("rolling back every migration in 5 seconds; press Ctrl+C to cancel")
		time.Sleep(5 * time.Second)
		return mg.Reset()
	case "version":
		v, err := mg.Version()
		if err != nil {
			return err
		}
		fmt.Printf("Version: %d\nDirty:   %v\nApplied: %v\n", v.Number, v.Dirty, v.Applied())
		if v.Dirty {
			fmt.Printf("\nThe last migration failed halfway. Fix it, then run 'migrate force %d'.\n", v.Number-1)
		}
		return nil
	case "to":
		if len(args) < 1 {
			return errors.New("usage: migrate to <version>")
		}
		v, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version %q", args[0])
		}
		return mg.To(uint(v))
	case "force":
		if len(args) < 1 {
			return errors.New("usage: migrate force <version>")
		}
		v, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version %q", args[0])
		}
		return mg.Force(v)
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", command)
	}
}

// createMigration writes the next numbered up/down pair into dir.
func createMigration(dir, name string, now time.Time) (string, string, error) {
	name = strings.ToLower(strings.NewReplacer(" ", "_", "-", "_").Replace(strings.TrimSpace(name)))
	if name == "" {
		return "", "", errors.New("migration name is empty")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", "", fmt.Errorf("read migrations directory: %w", err)
	}
	next := 1
	for _, e := range entries {
		if e.IsDir() || len(e.Name()) < 6 {
			continue
		}
		if v, err := strconv.Atoi(e.Name()[:6]); err == nil && v >= next {
			next = v + 1
		}
	}

	prefix := fmt.Sprintf("%06d_%s", next, name)
	up := filepath.Join(dir, prefix+".up.sql")
	down := filepath.Join(dir, prefix+".down.sql")
	stamp := now.UTC().Format(time.RFC3339)
	if err := os.WriteFile(up, []byte(fmt.Sprintf("-- Migration: %s\n-- Created: %s\n\n", name, stamp)), 0o644); err != nil {
		return "", "", err
	}
	if err := os.WriteFile(down, []byte(fmt.Sprintf("-- Rollback: %s\n-- Created: %s\n\n", name, stamp)), 0o644); err != nil {
		return "", "", err
	}
	return up, down, nil
}

func printUsage() {
	fmt.Print(`
Site builder database migrations (PostgreSQL)

Usage:
  migrate <command> [arguments]

Commands:
  up              Apply all pending migrations
  down            Roll back the last migration
  down-all        Roll back all migrations (deletes all data)
  version         Show the current migration version
  to <N>          Migrate to version N
  force <N>       Set the version to N (fixes a dirty state)
  create <name>   Create new migration files
  help            Show this help

Environment:
  DATABASE_URL      postgres:// connection URL
  MIGRATIONS_PATH   Directory of migration files (default: embedded)
`)
}
