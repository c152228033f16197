// Package db provides PostgreSQL access for the session orchestrator.
//
// This file implements the core database connection and lifecycle management.
//
// Purpose:
// - Establish and maintain a PostgreSQL connection pool
// - Initialize the orchestrator schema on startup
// - Provide a centralized database handle for the pool, session and usage stores
// - Validate database configuration for security
//
// Schema:
//   - sessions: the session lifecycle state machine (Session entity)
//   - instance_pool: the tiered instance pool (InstancePool entity)
//   - usage: monthly per-owner consumed-minutes ledger, atomic-add only
//   - connections: push-notification subscriber records
//
// Dependencies:
// - PostgreSQL 12+
// - lib/pq driver for database/sql
package db

import (
	"database/sql"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// Config holds database configuration.
type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// Database represents the database connection.
type Database struct {
	db *sql.DB
}

// validateConfig validates database configuration to prevent SQL injection via
// connection-string parameters.
func validateConfig(config Config) error {
	if config.Host == "" {
		return fmt.Errorf("database host cannot be empty")
	}
	if net.ParseIP(config.Host) == nil {
		hostnameRegex := regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-\.]{0,253}[a-zA-Z0-9])?$`)
		if !hostnameRegex.MatchString(config.Host) {
			return fmt.Errorf("invalid database host: %s", config.Host)
		}
	}

	if config.Port == "" {
		return fmt.Errorf("database port cannot be empty")
	}
	port, err := strconv.Atoi(config.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid database port: %s (must be 1-65535)", config.Port)
	}

	if config.User == "" {
		return fmt.Errorf("database user cannot be empty")
	}
	userRegex := regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	if !userRegex.MatchString(config.User) {
		return fmt.Errorf("invalid database user: %s (only alphanumeric, underscore, and hyphen allowed)", config.User)
	}

	if config.DBName == "" {
		return fmt.Errorf("database name cannot be empty")
	}
	dbNameRegex := regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	if !dbNameRegex.MatchString(config.DBName) {
		return fmt.Errorf("invalid database name: %s (only alphanumeric, underscore, and hyphen allowed)", config.DBName)
	}

	validSSLModes := []string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"}
	if config.SSLMode != "" {
		valid := false
		for _, mode := range validSSLModes {
			if config.SSLMode == mode {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("invalid SSL mode: %s (must be one of: %s)", config.SSLMode, strings.Join(validSSLModes, ", "))
		}
	}

	if config.SSLMode == "" || config.SSLMode == "disable" {
		fmt.Println("WARNING: Database SSL/TLS is DISABLED - this is insecure for production")
		fmt.Println("         Set DB_SSL_MODE to 'require', 'verify-ca', or 'verify-full'")
	}

	return nil
}

// NewDatabase creates a new database connection with connection pooling.
func NewDatabase(config Config) (*Database, error) {
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}

	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}

	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	sqlDB, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)
	sqlDB.SetConnMaxIdleTime(1 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Database{db: sqlDB}, nil
}

// NewDatabaseForTesting wraps an existing sql.DB (typically from sqlmock) for
// dependency injection in unit tests. Do not use in production code.
func NewDatabaseForTesting(sqlDB *sql.DB) *Database {
	return &Database{db: sqlDB}
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.db.Close()
}

// DB returns the underlying sql.DB.
func (d *Database) DB() *sql.DB {
	return d.db
}

// Migrate runs the orchestrator's schema migrations. Every statement is
// idempotent so Migrate can run on every process start.
func (d *Database) Migrate() error {
	migrations := []string{
		// Sessions: the primary entity.
		`CREATE TABLE IF NOT EXISTS sessions (
			id VARCHAR(64) PRIMARY KEY,
			owner_id VARCHAR(255) NOT NULL,
			owner_display_name VARCHAR(255),
			plan VARCHAR(50) NOT NULL DEFAULT 'pro',
			status VARCHAR(50) NOT NULL DEFAULT 'pending',
			instance_id VARCHAR(255),
			instance_ip VARCHAR(45),
			connection_info JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			expires_at TIMESTAMP NOT NULL,
			last_active_at TIMESTAMP,
			last_heartbeat_at TIMESTAMP,
			idle_warning_sent_at TIMESTAMP,
			focus_mode BOOLEAN NOT NULL DEFAULT false,
			termination_reason VARCHAR(100),
			metadata JSONB NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_owner_id ON sessions(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_owner_status ON sessions(owner_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at)`,

		// InstancePool: the tiered instance pool.
		`CREATE TABLE IF NOT EXISTS instance_pool (
			instance_id VARCHAR(255) PRIMARY KEY,
			status VARCHAR(50) NOT NULL DEFAULT 'available',
			plan VARCHAR(50) NOT NULL DEFAULT 'pro',
			session_id VARCHAR(64),
			owner_id VARCHAR(255),
			assigned_at TIMESTAMP,
			released_at TIMESTAMP,
			instance_state VARCHAR(50),
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_instance_pool_status ON instance_pool(status)`,
		`CREATE INDEX IF NOT EXISTS idx_instance_pool_plan_status ON instance_pool(plan, status)`,
		`CREATE INDEX IF NOT EXISTS idx_instance_pool_session_id ON instance_pool(session_id)`,

		// Usage: monthly per-owner ledger. Composite key (owner_id, usage_month);
		// writes are atomic-add only, never read-modify-write.
		`CREATE TABLE IF NOT EXISTS usage (
			owner_id VARCHAR(255) NOT NULL,
			usage_month CHAR(7) NOT NULL,
			consumed_minutes DOUBLE PRECISION NOT NULL DEFAULT 0,
			session_count INT NOT NULL DEFAULT 0,
			plan VARCHAR(50) NOT NULL DEFAULT 'pro',
			quota_minutes DOUBLE PRECISION NOT NULL DEFAULT -1,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (owner_id, usage_month)
		)`,

		// Connections: push-notification subscriber records.
		`CREATE TABLE IF NOT EXISTS connections (
			connection_id VARCHAR(255) PRIMARY KEY,
			session_id VARCHAR(64) NOT NULL,
			owner_id VARCHAR(255) NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_connections_session_id ON connections(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_connections_owner_id ON connections(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_connections_expires_at ON connections(expires_at)`,
	}

	for i, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}

	return nil
}
