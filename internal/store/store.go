// Package store reads member profiles for the public map.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // SQLite driver
)

// Supported drivers, as registered with database/sql.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrDisabled is returned by Open when no driver is configured.
var ErrDisabled = errors.New("profile store is not configured")

// Store wraps the profiles table.
type Store struct {
	db     *sql.DB
	driver string

	markersQuery string
	detailQuery  string
}

// Open connects to the profile database. The connection is verified with a
// ping before returning.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	switch driver {
	case "":
		return nil, ErrDisabled
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	return &Store{
		db:     db,
		driver: driver,
		markersQuery: `SELECT id, username, display_name, nickname, country, province, city, lat, lng
			FROM profiles
			WHERE lat IS NOT NULL AND lng IS NOT NULL`,
		detailQuery: rebind(driver, `SELECT gender, age, bio, wechat, parent_contact
			FROM profiles
			WHERE id = ?`),
	}, nil
}

// Driver returns the configured driver name.
func (s *Store) Driver() string { return s.driver }

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func rebind(driver, query string) string {
	if driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
