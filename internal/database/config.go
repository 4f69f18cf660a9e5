package database

import "time"

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"

	defaultMaxIdleConns    = 12
	defaultMaxOpenConns    = 12
	defaultConnMaxLifetime = time.Hour
)

// Config holds database configuration settings
type Config struct {
	// Required settings
	Driver string
	// DSN is a file path for sqlite3 and a connection string for postgres
	DSN string

	// Optional settings (will use defaults if not set)
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	CacheSizeKB     int
	BusyTimeoutMS   int
}

// NewConfig creates a new database configuration with default values
func NewConfig(driver, dsn string) *Config {
	if driver == "" {
		driver = DriverSQLite
	}
	return &Config{
		Driver:          driver,
		DSN:             dsn,
		MaxIdleConns:    0, // Will be set to default if not specified
		MaxOpenConns:    0, // Will be set to default if not specified
		ConnMaxLifetime: defaultConnMaxLifetime,
		CacheSizeKB:     -64000, // 64MB
		BusyTimeoutMS:   5000,
	}
}

func (c *Config) dialect() string {
	if c.Driver == DriverPostgres {
		return "postgres"
	}
	return "sqlite"
}
