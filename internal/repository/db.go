package repository

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/timmy/visionsearch/internal/config"
	"github.com/timmy/visionsearch/internal/domain"
	"github.com/timmy/visionsearch/internal/logger"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// pgvector HNSW indexes support at most this many dimensions.
const maxHNSWDimensions = 2000

// InitDB opens the database connection described by cfg.
// Parameters:
//   - cfg: database configuration including driver and connection settings.
// Returns:
//   - *gorm.DB: initialized database handle.
//   - error: non-nil if the connection cannot be opened.
func InitDB(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	logLevel := gormlogger.Warn
	if cfg.LogQueries {
		logLevel = gormlogger.Info
	}
	gormConfig := &gorm.Config{
		Logger: gormlogger.Default.LogMode(logLevel),
	}

	var db *gorm.DB
	var err error

	switch cfg.Driver {
	case "postgres":
		logger.Info("Initializing database: driver=postgres, host=%s, dbname=%s", cfg.Host, cfg.DBName)
		db, err = initPostgres(cfg, gormConfig)
	case "sqlite", "":
		logger.Info("Initializing database: driver=sqlite, path=%s", cfg.Path)
		db, err = initSQLite(cfg, gormConfig)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB instance: %w", err)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	return db, nil
}

// initPostgres initializes a PostgreSQL database connection using the unified DSN
func initPostgres(cfg *config.DatabaseConfig, gormConfig *gorm.Config) (*gorm.DB, error) {
	// Simple protocol keeps transaction poolers (pgbouncer, Supabase 6543) working.
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  cfg.DSN(),
		PreferSimpleProtocol: true,
	}), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	return db, nil
}

// initSQLite initializes a SQLite database connection
func initSQLite(cfg *config.DatabaseConfig, gormConfig *gorm.Config) (*gorm.DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(cfg.DSN()), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite: %w", err)
	}

	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")

	return db, nil
}

// isPostgres reports whether db talks to PostgreSQL.
func isPostgres(db *gorm.DB) bool {
	return db.Dialector.Name() == "postgres"
}

// Migrate creates the media_items table and one nullable vector column per model.
// On PostgreSQL the columns are pgvector vector(dim) and, when vectorIndex is "hnsw",
// each gets a cosine HNSW index. On SQLite the columns hold the vector text form.
// Parameters:
//   - db: database handle.
//   - table: model descriptor table.
//   - vectorIndex: "hnsw" or "none".
// Returns:
//   - error: non-nil if any statement fails.
func Migrate(db *gorm.DB, table *domain.ModelTable, vectorIndex string) error {
	pg := isPostgres(db)

	if pg {
		if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
			return fmt.Errorf("failed to enable pgvector: %w", err)
		}
	}

	if err := db.AutoMigrate(&domain.MediaItem{}); err != nil {
		return fmt.Errorf("failed to migrate media_items: %w", err)
	}

	for _, desc := range table.Descriptors() {
		col := desc.Column()
		if db.Migrator().HasColumn(&domain.MediaItem{}, col) {
			continue
		}
		colType := "TEXT"
		if pg {
			colType = fmt.Sprintf("vector(%d)", desc.Dimensions)
		}
		if err := db.Exec(fmt.Sprintf("ALTER TABLE media_items ADD COLUMN %s %s", col, colType)).Error; err != nil {
			return fmt.Errorf("failed to add column %s: %w", col, err)
		}
		logger.Info("Added vector column: column=%s, type=%s", col, colType)
	}

	if !pg || vectorIndex != "hnsw" {
		return nil
	}
	for _, desc := range table.Descriptors() {
		if desc.Dimensions > maxHNSWDimensions {
			logger.Warn("Skipping HNSW index: model=%s, dim=%d exceeds %d", desc.Key, desc.Dimensions, maxHNSWDimensions)
			continue
		}
		stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_media_items_%s ON media_items USING hnsw (%s vector_cosine_ops)",
			desc.Column(), desc.Column())
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to create index on %s: %w", desc.Column(), err)
		}
	}
	return nil
}
