// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package database is the engine's persistence gateway: typed access to
// runs, steps, executions, workspaces, runners, debug sessions and trigger
// records, with the two primitives everything else leans on — Atomic
// (flattened transactions) and ClaimExecution (idempotency hinge).
package database

import (
	"context"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/engine/models"
)

// GormDB wraps the GORM database connection
type GormDB struct {
	db *gorm.DB
}

// NewGormDB creates a new GORM database connection
func NewGormDB(cfg *config.DatabaseConfig) (*GormDB, error) {
	var dialector gorm.Dialector

	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.GetDSN())
	case "postgres":
		dialector = postgres.Open(cfg.GetDSN())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent), // Reduce GORM log noise
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &GormDB{db: db}, nil
}

// AutoMigrate runs database migrations. Idempotent.
func (db *GormDB) AutoMigrate() error {
	return db.db.AutoMigrate(
		&models.Repository{},
		&models.Pipeline{},
		&models.PipelineRun{},
		&models.StepRun{},
		&models.StepExecution{},
		&models.Workspace{},
		&models.Runner{},
		&models.DebugSession{},
		&models.TriggerRecord{},
	)
}

// ValidateSchema checks that the engine tables exist.
func (db *GormDB) ValidateSchema() error {
	var missingTables []string

	for name, model := range map[string]interface{}{
		"pipelines":       &models.Pipeline{},
		"pipeline_runs":   &models.PipelineRun{},
		"step_runs":       &models.StepRun{},
		"step_executions": &models.StepExecution{},
		"workspaces":      &models.Workspace{},
		"runners":         &models.Runner{},
		"debug_sessions":  &models.DebugSession{},
		"trigger_records": &models.TriggerRecord{},
	} {
		if !db.db.Migrator().HasTable(model) {
			missingTables = append(missingTables, name)
		}
	}

	if len(missingTables) > 0 {
		return fmt.Errorf("missing tables: %v — run 'lazyaf-migrate' to create them", missingTables)
	}
	return nil
}

// Close closes the database connection
func (db *GormDB) Close() error {
	sqlDB, err := db.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// txKey carries an open transaction through context so nested Atomic calls
// flatten into the outermost transaction.
type txKey struct{}

// conn returns the transaction bound to ctx, or the base connection.
func (db *GormDB) conn(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}
	return db.db.WithContext(ctx)
}

// Atomic runs fn in a transaction. Nested calls reuse the outer transaction
// instead of opening savepoints, so a conceptual nesting of atomics commits
// or rolls back as a single unit.
func (db *GormDB) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}
	return db.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}
