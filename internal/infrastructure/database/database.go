package database

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/splitlab/splitlab/internal/experiments"
)

// NewPostgres opens the durable store. TranslateError is required: the
// ledger's conflict-safe assignment insert depends on duplicate-key errors
// surfacing as gorm.ErrDuplicatedKey.
func NewPostgres(dsn string, maxOpen, maxIdle int, connMaxLifetime time.Duration) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("unwrap sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)

	return db, nil
}

// NewSQLiteMemory opens an in-memory store with the same error translation
// guarantees as the postgres handle. Used by the test suites.
func NewSQLiteMemory() (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Every sqlite :memory: connection is its own database; pin the pool to
	// one connection so all sessions see the same store.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("unwrap sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	return db, nil
}

// Migrate creates or updates the engine's tables and indexes.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&experiments.Experiment{}, &experiments.Participation{}); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}
