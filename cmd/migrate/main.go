// Package main provides a CLI tool for running database migrations.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/citation-checker/internal/config"
	"github.com/citation-checker/internal/logging"
	"github.com/citation-checker/internal/storage"
)

func main() {
	var (
		action = flag.String("action", "up", "Migration action: up, down, version")
		dbType = flag.String("db", "postgres", "Database type: postgres (ledger), clickhouse (job events)")
		dir    = flag.String("dir", "migrations", "Root directory holding postgres/ and clickhouse/")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().WithFields(map[string]interface{}{"db": *dbType, "action": *action})

	switch *dbType {
	case "postgres":
		err = runPostgresMigrations(cfg, *action, *dir+"/postgres")
	case "clickhouse":
		err = runClickHouseMigrations(cfg, *action, *dir+"/clickhouse")
	default:
		err = fmt.Errorf("unknown database type: %s", *dbType)
	}
	if err != nil {
		logger.WithError(err).Fatal("Migration failed")
	}
	logger.Info("Migration finished")
}

func runPostgresMigrations(cfg *config.Config, action, migrationsPath string) error {
	m := storage.NewMigrator(cfg.Database.Postgres.URL(), migrationsPath)

	switch action {
	case "up":
		return m.Up()
	case "down":
		return m.Down()
	case "version":
		version, dirty, err := m.Version()
		if err != nil {
			return err
		}
		logging.WithFields(map[string]interface{}{"version": version, "dirty": dirty}).Info("Current Postgres migration version")
		return nil
	default:
		return fmt.Errorf("unknown action: %s", action)
	}
}

func runClickHouseMigrations(cfg *config.Config, action, migrationsPath string) error {
	if action != "up" {
		return fmt.Errorf("ClickHouse migrations only support 'up' action")
	}
	if _, err := os.Stat(migrationsPath); os.IsNotExist(err) {
		return fmt.Errorf("migrations directory not found: %s", migrationsPath)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := storage.NewClickHouseDB(ctx, &cfg.Database.ClickHouse)
	if err != nil {
		return fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.WithError(err).Warn("Error closing ClickHouse connection")
		}
	}()

	return storage.RunClickHouseMigrations(ctx, db, migrationsPath)
}
