// Package engine manages the embedded DuckDB connection: lifecycle,
// extension loading and storage credential configuration. The connection is
// not safe for unmoderated concurrent use; callers serialize access.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/marcboeker/go-duckdb/v2"
)

var ErrNotInitialized = errors.New("engine: not initialized")

// azureSecretName is the fixed secret registered for catalog-issued
// credentials. CREATE OR REPLACE gives rotation semantics: a new credential
// overwrites the previous one instead of accumulating.
const azureSecretName = "deltascan_azure"

type Extensions struct {
	Delta  bool
	HTTPFS bool
	Azure  bool
}

func AllExtensions() Extensions {
	return Extensions{Delta: true, HTTPFS: true, Azure: true}
}

type Config struct {
	// Memory selects an in-memory database; otherwise Path is opened.
	Memory     bool
	Path       string
	Extensions Extensions
}

type OpenFunc func(dsn string) (*sql.DB, error)

type state int

const (
	stateUninitialized state = iota
	stateReady
)

type Engine struct {
	cfg   Config
	open  OpenFunc
	db    *sql.DB
	state state
}

func New(cfg Config) *Engine {
	return NewWithOpener(cfg, func(dsn string) (*sql.DB, error) {
		return sql.Open("duckdb", dsn)
	})
}

func NewWithOpener(cfg Config, open OpenFunc) *Engine {
	return &Engine{cfg: cfg, open: open}
}

// Initialize opens the connection and loads the configured extensions. It is
// a no-op when already ready. Any failing step closes the handle and leaves
// the engine uninitialized, so a later call starts from scratch.
func (e *Engine) Initialize(ctx context.Context) error {
	if e.state == stateReady {
		return nil
	}

	dsn := e.cfg.Path
	if e.cfg.Memory {
		dsn = ""
	}
	db, err := e.open(dsn)
	if err != nil {
		return fmt.Errorf("initialize engine: open duckdb: %w", err)
	}

	steps := make([]string, 0, 7)
	if e.cfg.Extensions.Delta {
		steps = append(steps, "INSTALL delta", "LOAD delta")
	}
	if e.cfg.Extensions.HTTPFS {
		steps = append(steps, "INSTALL httpfs", "LOAD httpfs")
	}
	if e.cfg.Extensions.Azure {
		steps = append(steps, "INSTALL azure", "LOAD azure")
		steps = append(steps, "SET azure_transport_option_type = 'curl'")
	}
	for _, stmt := range steps {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return fmt.Errorf("initialize engine: %s: %w", strings.ToLower(stmt), err)
		}
	}

	e.db = db
	e.state = stateReady
	return nil
}

// Close releases the connection and resets the engine; the next Initialize
// starts over. Closing an already-closed engine is a no-op.
func (e *Engine) Close() error {
	if e.state != stateReady {
		return nil
	}
	err := e.db.Close()
	e.db = nil
	e.state = stateUninitialized
	if err != nil {
		return fmt.Errorf("close engine: %w", err)
	}
	return nil
}

// CreateAzureSecret registers the delegated SAS credential under the fixed
// secret name, replacing any previous one.
func (e *Engine) CreateAzureSecret(ctx context.Context, account, sasToken string) error {
	conn := fmt.Sprintf("AccountName=%s;SharedAccessSignature=%s", account, sasToken)
	stmt := fmt.Sprintf(
		"CREATE OR REPLACE SECRET %s (TYPE AZURE, CONNECTION_STRING %s)",
		azureSecretName, quoteString(conn),
	)
	if err := e.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("configure storage secret for account %q: %w", account, err)
	}
	return nil
}

// SetAzureConnectionString configures session-level storage access for the
// direct-path branch, without a named secret.
func (e *Engine) SetAzureConnectionString(ctx context.Context, conn string) error {
	stmt := fmt.Sprintf("SET azure_storage_connection_string = %s", quoteString(conn))
	if err := e.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("configure storage connection string: %w", err)
	}
	return nil
}

func (e *Engine) Exec(ctx context.Context, stmt string) error {
	if e.state != stateReady {
		return ErrNotInitialized
	}
	if _, err := e.db.ExecContext(ctx, stmt); err != nil {
		return err
	}
	return nil
}

// Query runs a statement and materializes all rows, preserving the engine's
// column order.
func (e *Engine) Query(ctx context.Context, stmt string) ([]string, [][]any, error) {
	if e.state != stateReady {
		return nil, nil, ErrNotInitialized
	}

	rows, err := e.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("query columns: %w", err)
	}

	result := make([][]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		targets := make([]any, len(columns))
		for i := range values {
			targets[i] = &values[i]
		}
		if err := rows.Scan(targets...); err != nil {
			return nil, nil, fmt.Errorf("scan row: %w", err)
		}
		result = append(result, values)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate rows: %w", err)
	}
	return columns, result, nil
}

func quoteString(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}
