package ingest

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// OpenDatabaseFromEnv connects to the relational store named by DATABASE_DSN.
// The driver comes from DATABASE_DRIVER or is inferred from the DSN scheme.
func OpenDatabaseFromEnv() (*gorm.DB, error) {
	dsn := strings.TrimSpace(os.Getenv("DATABASE_DSN"))
	if dsn == "" {
		return nil, errors.New("ingest: DATABASE_DSN environment variable is required")
	}

	driver := strings.TrimSpace(os.Getenv("DATABASE_DRIVER"))
	if driver == "" {
		driver = inferDriverFromDSN(dsn)
		if driver == "" {
			return nil, errors.New("ingest: DATABASE_DRIVER environment variable is required when DSN does not contain a scheme")
		}
	}

	return openDatabase(driver, dsn)
}

func openDatabase(driver string, dsn string) (*gorm.DB, error) {
	switch strings.ToLower(driver) {
	case "mysql":
		db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
		if err != nil {
			return nil, fmt.Errorf("ingest: open mysql: %w", err)
		}
		return db, nil
	case "postgres", "postgresql":
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
		if err != nil {
			return nil, fmt.Errorf("ingest: open postgres: %w", err)
		}
		return db, nil
	case "sqlite", "sqlite3":
		db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
		if err != nil {
			return nil, fmt.Errorf("ingest: open sqlite: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("ingest: unsupported database driver %q", driver)
	}
}

func inferDriverFromDSN(dsn string) string {
	lowered := strings.ToLower(dsn)
	switch {
	case strings.HasPrefix(lowered, "postgres://"), strings.HasPrefix(lowered, "postgresql://"), strings.Contains(lowered, "host="):
		return "postgres"
	case strings.HasPrefix(lowered, "file:"), strings.HasSuffix(lowered, ".db"), lowered == ":memory:":
		return "sqlite"
	case strings.Contains(lowered, "@tcp("), strings.Contains(lowered, "parsetime="):
		return "mysql"
	default:
		return ""
	}
}

// AutoMigrate creates or updates the documents, chunks and reindex_queue
// tables.
func AutoMigrate(db *gorm.DB) error {
	if db == nil {
		return errors.New("ingest: database connection is not configured")
	}
	return db.AutoMigrate(&Document{}, &Chunk{}, &ReindexEntry{})
}
