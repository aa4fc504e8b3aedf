package database

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// NewPostgresDB opens a connection pool against connStr and verifies it
// with a Ping before returning, matching the connect-then-Ping shape the
// teacher's DatabaseFailoverService.Initialize uses for its primary/
// standby pair (internal/failover/database_failover.go), here applied to
// the single pool TMKService and RewrapService share.
func NewPostgresDB(connStr string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database not accessible: %w", err)
	}

	return db, nil
}
