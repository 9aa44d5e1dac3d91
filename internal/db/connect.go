// Package db provides database connection and schema management.
package db

import (
	"fmt"

	"github.com/voyantlabs/concourse/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DSN builds a MySQL DSN from connection settings.
func DSN(host string, port int, user, password, database string) string {
	cred := user
	if password != "" {
		cred = user + ":" + password
	}
	return fmt.Sprintf("%s@tcp(%s:%d)/%s?parseTime=true", cred, host, port, database)
}

// Connect opens a GORM connection using the configured backend.
func Connect(cfg *config.Config) (*gorm.DB, error) {
	if cfg == nil {
		return nil, fmt.Errorf("db: config is required")
	}
	switch cfg.Database.Driver {
	case "sqlite":
		return ConnectSQLite(cfg.Database.Path)
	case "mysql":
		return ConnectMySQL(cfg.Database.Host, cfg.Database.Port, cfg.Database.User, cfg.Database.Password, cfg.Database.Database)
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", cfg.Database.Driver)
	}
}

// ConnectSQLite opens a GORM connection to a SQLite database file. The path
// ":memory:" yields an in-memory database.
func ConnectSQLite(path string) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("db: sqlite path is required")
	}
	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect sqlite %s: %w", path, err)
	}
	// SQLite permits one writer at a time, and every pooled connection to
	// ":memory:" sees a different database. A single connection serves both.
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("db: sqlite pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return gdb, nil
}

// ConnectMySQL opens a GORM connection to a MySQL server.
func ConnectMySQL(host string, port int, user, password, database string) (*gorm.DB, error) {
	dsn := DSN(host, port, user, password, database)
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect to %s:%d/%s: %w", host, port, database, err)
	}
	return gdb, nil
}
