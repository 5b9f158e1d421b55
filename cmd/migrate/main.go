package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"gis-polygon/internal/config"
	"gis-polygon/internal/database"
	"gis-polygon/internal/database/migrations"
	"gis-polygon/internal/logger"

	"github.com/uptrace/bun/migrate"
	"go.uber.org/zap"
)

const usage = "usage: migrate <init|up|down|status>"

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	cfg := config.Load()
	logr, err := logger.New(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logr.Sync()

	db, err := database.New(cfg.DatabaseURL, cfg)
	if err != nil {
		logr.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	migrator := migrate.NewMigrator(db, migrations.Migrations)

	switch os.Args[1] {
	case "init":
		if err := migrator.Init(ctx); err != nil {
			logr.Fatal("init failed", zap.Error(err))
		}
		logr.Info("migration tables created")

	case "up":
		if err := migrator.Lock(ctx); err != nil {
			logr.Fatal("lock failed", zap.Error(err))
		}
		defer migrator.Unlock(ctx) //nolint:errcheck

		group, err := migrator.Migrate(ctx)
		if err != nil {
			logr.Fatal("migrate failed", zap.Error(err))
		}
		if group.IsZero() {
			logr.Info("no new migrations to run")
			return
		}
		logr.Info("migrated", zap.String("group", group.String()))

	case "down":
		if err := migrator.Lock(ctx); err != nil {
			logr.Fatal("lock failed", zap.Error(err))
		}
		defer migrator.Unlock(ctx) //nolint:errcheck

		group, err := migrator.Rollback(ctx)
		if err != nil {
			logr.Fatal("rollback failed", zap.Error(err))
		}
		if group.IsZero() {
			logr.Info("no groups to roll back")
			return
		}
		logr.Info("rolled back", zap.String("group", group.String()))

	case "status":
		ms, err := migrator.MigrationsWithStatus(ctx)
		if err != nil {
			logr.Fatal("status failed", zap.Error(err))
		}
		logr.Info("migrations",
			zap.String("all", ms.String()),
			zap.String("unapplied", ms.Unapplied().String()),
			zap.String("last_group", ms.LastGroup().String()),
		)

	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
}
