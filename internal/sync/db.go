package sync

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// ConnectFunc opens the target PostgreSQL database from a DSN.
type ConnectFunc func(ctx context.Context, dsn string) (*sql.DB, error)

// BuildDSN assembles a PostgreSQL URL for a Databricks-managed instance.
// OAuth tokens act as the password and usernames may contain @, so both are
// percent-encoded. TLS is mandatory on managed instances.
func BuildDSN(username, token, hostname, database string) string {
	return fmt.Sprintf("postgresql://%s:%s@%s:5432/%s?sslmode=require",
		url.QueryEscape(username), url.QueryEscape(token), hostname, database)
}

// Connect opens and pings the target database via the pgx stdlib driver.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres db: %w", err)
	}

	return db, nil
}
