// Command migrate applies the base schema: the partitioned audit_log
// parent table and the non-partitioned ancillary tables. Monthly
// partitions themselves are managed at runtime, not here.
package main

import (
	"database/sql"
	"embed"
	"flag"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/caretrail/auditcore/internal/infrastructure/config"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const (
	exitOK            = 0
	exitGeneral       = 1
	exitConfiguration = 2
	exitConnectivity  = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "", "path to config file (optional)")
		action     = flag.String("action", "up", "up, down, version, or force")
		steps      = flag.Int("steps", 0, "number of migrations to apply (0 = all)")
		forceTo    = flag.Int("force", -1, "version to force (with -action force)")
	)
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init failed:", err)
		return exitGeneral
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("config load failed", zap.Error(err))
		return exitConfiguration
	}
	if cfg.Database.URL == "" {
		logger.Error("database url is not configured")
		return exitConfiguration
	}

	m, db, err := newMigrator(cfg.Database.URL)
	if err != nil {
		logger.Error("connecting to database failed", zap.Error(err))
		return exitConnectivity
	}
	defer db.Close()

	switch *action {
	case "up":
		if *steps > 0 {
			err = m.Steps(*steps)
		} else {
			err = m.Up()
		}
	case "down":
		if *steps > 0 {
			err = m.Steps(-*steps)
		} else {
			err = m.Down()
		}
	case "version":
		version, dirty, verr := m.Version()
		if verr != nil && verr != migrate.ErrNilVersion {
			logger.Error("reading schema version failed", zap.Error(verr))
			return exitGeneral
		}
		logger.Info("schema version",
			zap.Uint("version", version),
			zap.Bool("dirty", dirty))
		return exitOK
	case "force":
		if *forceTo < 0 {
			logger.Error("force requires -force <version>")
			return exitConfiguration
		}
		err = m.Force(*forceTo)
	default:
		logger.Error("unknown action", zap.String("action", *action))
		return exitConfiguration
	}

	if err == migrate.ErrNoChange {
		logger.Info("schema already up to date")
		return exitOK
	}
	if err != nil {
		logger.Error("migration failed", zap.Error(err))
		return exitGeneral
	}

	logger.Info("migration complete", zap.String("action", *action))
	return exitOK
}

func newMigrator(url string) (*migrate.Migrate, *sql.DB, error) {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return nil, nil, fmt.Errorf("loading embedded migrations: %w", err)
	}

	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("pinging database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("initializing migrate driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("initializing migrator: %w", err)
	}
	return m, db, nil
}
