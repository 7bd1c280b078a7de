package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite" // pure go sqlite driver
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Config describes one remote store connection.
type Config struct {
	Driver string
	// Endpoint is a postgres URL or a sqlite file path.
	Endpoint string
	// Credential, when set, replaces the password in a postgres URL.
	Credential string
}

// DSN returns the driver-specific data source name.
func (c Config) DSN() (string, error) {
	switch c.Driver {
	case DriverPostgres:
		u, err := url.Parse(c.Endpoint)
		if err != nil {
			return "", fmt.Errorf("invalid postgres endpoint: %w", err)
		}
		if c.Credential != "" {
			user := "postgres"
			if u.User != nil && u.User.Username() != "" {
				user = u.User.Username()
			}
			u.User = url.UserPassword(user, c.Credential)
		}
		return u.String(), nil
	case DriverSQLite:
		if c.Endpoint == "" {
			return "", fmt.Errorf("sqlite endpoint is required")
		}
		if strings.Contains(c.Endpoint, "_pragma") {
			return c.Endpoint, nil
		}
		sep := "?"
		if strings.Contains(c.Endpoint, "?") {
			sep = "&"
		}
		return c.Endpoint + sep + "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", nil
	}
	return "", fmt.Errorf("unsupported driver %q", c.Driver)
}

func NewDB(ctx context.Context, cfg Config) (*sqlx.DB, error) {
	dsn, err := cfg.DSN()
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.Driver == DriverSQLite {
		// one writer; also keeps a :memory: database on a single connection
		db.SetMaxOpenConns(1)
	}

	// Test the connection
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}
