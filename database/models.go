// Package database provides persistence for the adaptation engine.
//
// This package includes:
//   - Connection management using GORM (PostgreSQL in production)
//   - Schema initialization, engine flags and snapshot import/export
//   - Typed errors used by the service and API layers
//
// Key Concepts:
//   - Every counter and strength update is a single SQL statement so
//     concurrent writers never lose an update
//   - Rows are scoped by user_id; one store per deployment
//   - SQL is portable between PostgreSQL and SQLite (ON CONFLICT, CASE
//     clamps, ROUND(CAST(.. AS NUMERIC))) so tests run in memory
//
// Data Models:
//
//	All data models are defined in the models_pkg package to avoid circular
//	import dependencies with the per-entity repositories.
package database

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	models "alin-engine/database/models_pkg"
)

// Database holds the GORM database connection and provides access to the underlying DB instance.
type Database struct {
	db *gorm.DB
}

// DB returns the underlying GORM database instance for direct access when needed.
func (d *Database) DB() *gorm.DB {
	return d.db
}

// Dialect returns the GORM dialector name ("postgres", "sqlite", ...)
func (d *Database) Dialect() string {
	return d.db.Dialector.Name()
}

// Connect establishes a PostgreSQL connection using GORM
func Connect(dsn string) (*Database, error) {
	db, err := Open(postgres.Open(dsn))
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)
	sqlDB.SetConnMaxIdleTime(2 * time.Minute)

	return db, nil
}

// Open wraps any GORM dialector
func Open(dialector gorm.Dialector) (*Database, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &Database{db: db}, nil
}

// Ping checks the connection is alive
func (d *Database) Ping(ctx context.Context) error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Core data models
type Prediction = models.Prediction
type Outcome = models.Outcome
type DomainState = models.DomainState
type DomainHistoryEntry = models.DomainHistoryEntry
type ConsequencePattern = models.ConsequencePattern
type BehavioralGene = models.BehavioralGene
type GeneMutation = models.GeneMutation
type GeneAuditEntry = models.GeneAuditEntry
type CalibrationSnapshot = models.CalibrationSnapshot
type EngineFlag = models.EngineFlag
