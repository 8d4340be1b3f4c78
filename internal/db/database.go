// Package db provides PostgreSQL database access and management for the
// log-archive ingestion core.
//
// This file implements the core database connection and lifecycle management.
//
// Purpose:
// - Establish and maintain a PostgreSQL connection pool
// - Initialize the relational schema on startup
// - Provide a centralized database instance for all handlers/components
// - Execute raw SQL queries and transactions
// - Validate database configuration for security
//
// Implementation Details:
// - Uses database/sql with the lib/pq PostgreSQL driver
// - Connection pool configured for steady throughput (5min max lifetime)
// - Schema initialization runs CREATE TABLE IF NOT EXISTS on startup
// - Validates hostname, port, username, database name, SSL mode
//
// Dependencies:
// - PostgreSQL 12+ (required)
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

// validateConfig validates database configuration to prevent SQL injection
// via connection-string parameter splicing.
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

// NewDatabaseForTesting creates a Database from an existing sql.DB connection.
// Intended only for unit tests that inject sqlmock.
func NewDatabaseForTesting(db *sql.DB) *Database {
	return &Database{db: db}
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.db.Close()
}

// DB returns the underlying sql.DB.
func (d *Database) DB() *sql.DB {
	return d.db
}

// Migrate runs schema migrations. Every statement is CREATE ... IF NOT
// EXISTS so re-running it on an already-migrated database is a no-op.
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS principals (
			id VARCHAR(64) PRIMARY KEY,
			handle VARCHAR(255) UNIQUE NOT NULL,
			handle_lower VARCHAR(255) UNIQUE NOT NULL,
			email VARCHAR(255) UNIQUE NOT NULL,
			role VARCHAR(20) NOT NULL DEFAULT 'user',
			password_hash VARCHAR(255) NOT NULL,
			quota_bytes BIGINT NOT NULL DEFAULT 10737418240,
			used_bytes BIGINT NOT NULL DEFAULT 0,
			quota_override BOOLEAN NOT NULL DEFAULT false,
			active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_login_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_principals_handle_lower ON principals(handle_lower)`,

		`CREATE TABLE IF NOT EXISTS sessions (
			id VARCHAR(64) PRIMARY KEY,
			principal_id VARCHAR(64) NOT NULL REFERENCES principals(id) ON DELETE CASCADE,
			token_fingerprint VARCHAR(128) UNIQUE NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			issued_ip VARCHAR(64),
			user_agent TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_principal_id ON sessions(principal_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_fingerprint ON sessions(token_fingerprint)`,

		`CREATE TABLE IF NOT EXISTS parser_descriptors (
			mode_key VARCHAR(64) PRIMARY KEY,
			display_name VARCHAR(255) NOT NULL,
			description TEXT,
			enabled BOOLEAN NOT NULL DEFAULT true,
			visible_to_users BOOLEAN NOT NULL DEFAULT true,
			admin_only BOOLEAN NOT NULL DEFAULT false,
			output_shape VARCHAR(32) NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS parser_permissions (
			principal_id VARCHAR(64) NOT NULL REFERENCES principals(id) ON DELETE CASCADE,
			mode_key VARCHAR(64) NOT NULL REFERENCES parser_descriptors(mode_key) ON DELETE CASCADE,
			allow BOOLEAN NOT NULL,
			PRIMARY KEY (principal_id, mode_key)
		)`,

		`CREATE TABLE IF NOT EXISTS log_files (
			id VARCHAR(64) PRIMARY KEY,
			principal_id VARCHAR(64) NOT NULL REFERENCES principals(id),
			stored_path TEXT,
			original_name VARCHAR(1024) NOT NULL,
			size_bytes BIGINT NOT NULL,
			content_sha256 VARCHAR(64) NOT NULL,
			pinned BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			soft_deleted_at TIMESTAMPTZ,
			hard_deleted_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_log_files_principal_id ON log_files(principal_id)`,
		`CREATE INDEX IF NOT EXISTS idx_log_files_created_at ON log_files(created_at)`,

		`CREATE TABLE IF NOT EXISTS analyses (
			id VARCHAR(64) PRIMARY KEY,
			principal_id VARCHAR(64) NOT NULL REFERENCES principals(id),
			log_file_id VARCHAR(64) NOT NULL REFERENCES log_files(id),
			mode_keys TEXT NOT NULL,
			timezone VARCHAR(64) NOT NULL,
			window_start TIMESTAMPTZ,
			window_end TIMESTAMPTZ,
			status VARCHAR(20) NOT NULL DEFAULT 'pending',
			progress_pct INT NOT NULL DEFAULT 0,
			cancel_requested BOOLEAN NOT NULL DEFAULT false,
			source_deleted BOOLEAN NOT NULL DEFAULT false,
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ,
			duration_ms BIGINT,
			error_kind VARCHAR(64),
			error_message TEXT,
			session_label VARCHAR(255),
			external_ref VARCHAR(255),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_analyses_principal_id ON analyses(principal_id)`,
		`CREATE INDEX IF NOT EXISTS idx_analyses_log_file_id ON analyses(log_file_id)`,
		`CREATE INDEX IF NOT EXISTS idx_analyses_status ON analyses(status)`,

		`CREATE TABLE IF NOT EXISTS analysis_results (
			analysis_id VARCHAR(64) NOT NULL REFERENCES analyses(id) ON DELETE CASCADE,
			mode_key VARCHAR(64) NOT NULL,
			raw_text_ref TEXT,
			structured_payload TEXT NOT NULL DEFAULT '{}',
			schema_version INT NOT NULL DEFAULT 1,
			outcome VARCHAR(20) NOT NULL,
			warnings TEXT,
			produced_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (analysis_id, mode_key)
		)`,

		`CREATE TABLE IF NOT EXISTS retention_policies (
			scope VARCHAR(20) NOT NULL,
			scope_id VARCHAR(64) NOT NULL DEFAULT '',
			soft_after_days INT NOT NULL,
			hard_after_soft_days INT NOT NULL,
			PRIMARY KEY (scope, scope_id)
		)`,

		`CREATE TABLE IF NOT EXISTS audit_events (
			id BIGSERIAL PRIMARY KEY,
			principal_id VARCHAR(64) REFERENCES principals(id) ON DELETE SET NULL,
			at TIMESTAMPTZ NOT NULL DEFAULT now(),
			action VARCHAR(128) NOT NULL,
			entity_kind VARCHAR(64),
			entity_id VARCHAR(64),
			ip VARCHAR(64) NOT NULL,
			geo VARCHAR(64),
			user_agent TEXT,
			outcome VARCHAR(20) NOT NULL,
			detail_json TEXT,
			request_id VARCHAR(64)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_principal_id ON audit_events(principal_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_at ON audit_events(at)`,

		`CREATE TABLE IF NOT EXISTS deletion_log (
			id BIGSERIAL PRIMARY KEY,
			log_file_id VARCHAR(64) NOT NULL,
			kind VARCHAR(10) NOT NULL,
			actor VARCHAR(64) NOT NULL,
			at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w\nstatement: %s", err, migration)
		}
	}

	return nil
}
