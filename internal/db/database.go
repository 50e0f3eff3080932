// Package db provides PostgreSQL access and schema management for the
// Strato control plane.
package db

import (
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// Config holds database connection parameters.
type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// Database wraps the connection pool.
type Database struct {
	db *sql.DB
}

// validateConfig guards against malformed connection parameters ending up
// interpolated into the libpq connection string.
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
		return fmt.Errorf("invalid database port: %s", config.Port)
	}
	identRegex := regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	if config.User == "" || !identRegex.MatchString(config.User) {
		return fmt.Errorf("invalid database user: %s", config.User)
	}
	if config.DBName == "" || !identRegex.MatchString(config.DBName) {
		return fmt.Errorf("invalid database name: %s", config.DBName)
	}
	return nil
}

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

// ConfigFromURL decomposes a postgres:// connection URL, as read from the
// DATABASE_URL configuration value, into the discrete fields NewDatabase
// validates individually. sslmode is taken from the URL's query string,
// defaulting to "disable" when absent, matching NewDatabase's own default.
func ConfigFromURL(rawURL string) (Config, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Config{}, fmt.Errorf("parsing database url: %w", err)
	}

	port := u.Port()
	if port == "" {
		port = "5432"
	}
	password, _ := u.User.Password()

	cfg := Config{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   strings.TrimPrefix(u.Path, "/"),
		SSLMode:  u.Query().Get("sslmode"),
	}
	return cfg, nil
}

// NewDatabaseForTesting wraps an existing *sql.DB (e.g. sqlmock) for tests.
func NewDatabaseForTesting(db *sql.DB) *Database {
	return &Database{db: db}
}

func (d *Database) Close() error  { return d.db.Close() }
func (d *Database) DB() *sql.DB   { return d.db }

// Migrate creates every table the control plane depends on. Statements are
// idempotent (CREATE TABLE IF NOT EXISTS) so Migrate is safe to run on every
// startup.
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS organizations (
			id VARCHAR(255) PRIMARY KEY,
			name VARCHAR(255) UNIQUE NOT NULL,
			display_name VARCHAR(255) NOT NULL,
			description TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS organizational_units (
			id VARCHAR(255) PRIMARY KEY,
			org_id VARCHAR(255) NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
			name VARCHAR(255) NOT NULL,
			parent_kind VARCHAR(30) NOT NULL,
			parent_id VARCHAR(255) NOT NULL,
			path TEXT NOT NULL,
			depth INT NOT NULL DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS projects (
			id VARCHAR(255) PRIMARY KEY,
			org_id VARCHAR(255) NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
			name VARCHAR(255) NOT NULL,
			parent_kind VARCHAR(30) NOT NULL,
			parent_id VARCHAR(255) NOT NULL,
			path TEXT NOT NULL,
			depth INT NOT NULL DEFAULT 0,
			environments JSONB NOT NULL DEFAULT '[]',
			default_environment VARCHAR(63) NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS groups (
			id VARCHAR(255) PRIMARY KEY,
			org_id VARCHAR(255) NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
			name VARCHAR(255) NOT NULL,
			display_name VARCHAR(255),
			description TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(org_id, name)
		)`,

		`CREATE TABLE IF NOT EXISTS group_memberships (
			id VARCHAR(255) PRIMARY KEY,
			user_id VARCHAR(255) NOT NULL,
			group_id VARCHAR(255) NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(user_id, group_id)
		)`,

		`CREATE TABLE IF NOT EXISTS users (
			id VARCHAR(255) PRIMARY KEY,
			org_id VARCHAR(255) REFERENCES organizations(id) ON DELETE CASCADE,
			username VARCHAR(255) UNIQUE NOT NULL,
			email VARCHAR(255) UNIQUE NOT NULL,
			display_name VARCHAR(255),
			system_admin BOOLEAN DEFAULT false,
			org_role VARCHAR(30) DEFAULT 'user',
			provider VARCHAR(50) DEFAULT 'local',
			active BOOLEAN DEFAULT true,
			password_hash VARCHAR(255),
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			last_login TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS api_keys (
			id VARCHAR(255) PRIMARY KEY,
			user_id VARCHAR(255) NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			name VARCHAR(255) NOT NULL,
			token_hash VARCHAR(255) NOT NULL,
			prefix VARCHAR(20) NOT NULL,
			last_used_at TIMESTAMP,
			expires_at TIMESTAMP,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS resource_quotas (
			id VARCHAR(255) PRIMARY KEY,
			scope_kind VARCHAR(30) NOT NULL,
			scope_id VARCHAR(255) NOT NULL,
			environment VARCHAR(63),
			max_cpu BIGINT NOT NULL DEFAULT 0,
			max_memory BIGINT NOT NULL DEFAULT 0,
			max_disk BIGINT NOT NULL DEFAULT 0,
			max_vms BIGINT NOT NULL DEFAULT 0,
			reserved_cpu BIGINT NOT NULL DEFAULT 0,
			reserved_memory BIGINT NOT NULL DEFAULT 0,
			reserved_disk BIGINT NOT NULL DEFAULT 0,
			reserved_vms BIGINT NOT NULL DEFAULT 0,
			enabled BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(scope_kind, scope_id, environment)
		)`,

		`CREATE TABLE IF NOT EXISTS reservations (
			handle VARCHAR(255) PRIMARY KEY,
			vm_id VARCHAR(255) NOT NULL,
			project_id VARCHAR(255) NOT NULL,
			environment VARCHAR(63) NOT NULL,
			cpu BIGINT NOT NULL,
			memory BIGINT NOT NULL,
			disk BIGINT NOT NULL,
			committed BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS agents (
			id VARCHAR(255) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			hostname VARCHAR(255),
			version VARCHAR(50),
			capabilities JSONB NOT NULL DEFAULT '[]',
			total_cpu BIGINT NOT NULL DEFAULT 0,
			total_memory BIGINT NOT NULL DEFAULT 0,
			total_disk BIGINT NOT NULL DEFAULT 0,
			available_cpu BIGINT NOT NULL DEFAULT 0,
			available_memory BIGINT NOT NULL DEFAULT 0,
			available_disk BIGINT NOT NULL DEFAULT 0,
			status VARCHAR(30) NOT NULL DEFAULT 'connecting',
			last_heartbeat TIMESTAMP,
			certificate_serial VARCHAR(255),
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS vms (
			id VARCHAR(255) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			owner_user_id VARCHAR(255) NOT NULL,
			project_id VARCHAR(255) NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			environment VARCHAR(63) NOT NULL,
			cpu BIGINT NOT NULL,
			memory BIGINT NOT NULL,
			disk BIGINT NOT NULL,
			assigned_agent_id VARCHAR(255),
			state VARCHAR(30) NOT NULL DEFAULT 'pending',
			reservation_handle VARCHAR(255),
			scheduling_strategy VARCHAR(30),
			failure_reason TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS certificates (
			serial VARCHAR(255) PRIMARY KEY,
			subject_agent_id VARCHAR(255) NOT NULL,
			spiffe_uri VARCHAR(500) NOT NULL,
			public_key_fingerprint VARCHAR(64) NOT NULL DEFAULT '',
			issued_at TIMESTAMP NOT NULL,
			not_after TIMESTAMP NOT NULL,
			status VARCHAR(30) NOT NULL DEFAULT 'active',
			revoked_at TIMESTAMP,
			revocation_reason VARCHAR(255)
		)`,

		`CREATE TABLE IF NOT EXISTS join_tokens (
			id VARCHAR(255) PRIMARY KEY,
			agent_id VARCHAR(255) NOT NULL,
			token_hash VARCHAR(255) NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			used_at TIMESTAMP,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			created_by VARCHAR(255)
		)`,

		`CREATE TABLE IF NOT EXISTS audit_log (
			id VARCHAR(255) PRIMARY KEY,
			actor VARCHAR(255) NOT NULL,
			action VARCHAR(255) NOT NULL,
			resource VARCHAR(255),
			ip_address VARCHAR(45),
			details JSONB,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_ous_org ON organizational_units(org_id)`,
		`CREATE INDEX IF NOT EXISTS idx_projects_org ON projects(org_id)`,
		`CREATE INDEX IF NOT EXISTS idx_vms_project ON vms(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_vms_agent ON vms(assigned_agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_certificates_agent ON certificates(subject_agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_certificates_fingerprint ON certificates(public_key_fingerprint)`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_committed ON reservations(committed, created_at)`,
	}

	for i, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}

	return nil
}
