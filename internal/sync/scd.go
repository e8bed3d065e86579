// Package sync replicates Delta table contents into PostgreSQL with SCD
// Type 2 history: changed rows are closed (end_date set, is_current cleared)
// and the incoming version is inserted as the new current row.
package sync

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/deltascan/deltascan/internal/config"
	"github.com/deltascan/deltascan/internal/observability"
	"github.com/deltascan/deltascan/internal/scan"
	"github.com/deltascan/deltascan/internal/unity"
)

// scdColumns are appended to every target table, after the business columns.
var scdColumns = []string{"effective_date", "end_date", "is_current", "created_at", "updated_at"}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Reader is the Delta side of the pipeline, satisfied by scan.Scanner.
type Reader interface {
	Query(ctx context.Context, tablePath, sqlText string, opts scan.QueryOptions) (scan.Result, error)
}

// CredentialIssuer mints OAuth tokens for managed PostgreSQL instances,
// satisfied by unity.Client.
type CredentialIssuer interface {
	GenerateDatabaseCredential(ctx context.Context, instanceNames ...string) (unity.DatabaseCredential, error)
}

type Request struct {
	DeltaTable string
	Schema     string
	Table      string
	// BusinessKeys identify a logical row across versions. The partial
	// unique index enforcing "one current row per key" is built on them.
	BusinessKeys []string
	// ColumnMapping renames source columns before they reach PostgreSQL;
	// unmapped columns keep their names.
	ColumnMapping map[string]string
	// DeltaQuery overrides the full-table read. It runs through the scanner,
	// so $TABLE substitution applies.
	DeltaQuery string
}

type Summary struct {
	SourceTable      string
	TargetTable      string
	RecordsProcessed int
	BusinessKeys     []string
	TokenExpiration  string
}

type Pipeline struct {
	reader  Reader
	creds   CredentialIssuer
	pg      config.PostgresConfig
	connect ConnectFunc
	logger  *slog.Logger
}

type PipelineOptions struct {
	Connect ConnectFunc
	Logger  *slog.Logger
}

func NewPipeline(reader Reader, creds CredentialIssuer, pg config.PostgresConfig, opts PipelineOptions) (*Pipeline, error) {
	if reader == nil {
		return nil, fmt.Errorf("reader is required")
	}
	if creds == nil {
		return nil, fmt.Errorf("credential issuer is required")
	}
	if strings.TrimSpace(pg.InstanceName) == "" {
		return nil, fmt.Errorf("postgres instance name is required")
	}
	if strings.TrimSpace(pg.Database) == "" {
		return nil, fmt.Errorf("postgres database is required")
	}

	connect := opts.Connect
	if connect == nil {
		connect = Connect
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Pipeline{reader: reader, creds: creds, pg: pg, connect: connect, logger: logger}, nil
}

// Run executes the full sync: read Delta rows, apply the column mapping,
// mint a database token, ensure the target table and index, and upsert.
func (p *Pipeline) Run(ctx context.Context, req Request) (Summary, error) {
	if err := validateRequest(req); err != nil {
		return Summary{}, err
	}

	summary := Summary{
		SourceTable:  req.DeltaTable,
		TargetTable:  req.Schema + "." + req.Table,
		BusinessKeys: req.BusinessKeys,
	}

	query := req.DeltaQuery
	if strings.TrimSpace(query) == "" {
		query = "SELECT * FROM " + scan.Placeholder
	}
	result, err := p.reader.Query(ctx, req.DeltaTable, query, scan.QueryOptions{})
	if err != nil {
		return Summary{}, fmt.Errorf("read delta table %q: %w", req.DeltaTable, err)
	}
	p.logger.Info("read delta table", "table", req.DeltaTable, "rows", len(result.Rows))
	if len(result.Rows) == 0 {
		return summary, nil
	}

	columns, rows := applyMapping(result, req.ColumnMapping)
	for _, column := range columns {
		if !identPattern.MatchString(column) {
			return Summary{}, fmt.Errorf("invalid target column name %q", column)
		}
	}
	for _, key := range req.BusinessKeys {
		if !containsString(columns, key) {
			return Summary{}, fmt.Errorf("business key %q is not a result column", key)
		}
	}
	summary.RecordsProcessed = len(rows)

	cred, err := p.creds.GenerateDatabaseCredential(ctx, p.pg.InstanceName)
	if err != nil {
		return Summary{}, fmt.Errorf("generate database credential: %w", err)
	}
	observability.IncCredentialIssued("database")
	summary.TokenExpiration = cred.ExpirationTime

	dsn := BuildDSN(p.pg.Username, cred.Token, p.pg.Hostname(p.pg.InstanceName), p.pg.Database)
	db, err := p.connect(ctx, dsn)
	if err != nil {
		return Summary{}, fmt.Errorf("connect to postgres: %w", err)
	}
	defer db.Close()

	if err := p.ensureTable(ctx, db, req, columns, rows[0]); err != nil {
		return Summary{}, err
	}
	if err := p.ensureCurrentIndex(ctx, db, req); err != nil {
		return Summary{}, err
	}
	if err := p.upsert(ctx, db, req, columns, rows); err != nil {
		return Summary{}, err
	}

	p.logger.Info("sync complete",
		"source", req.DeltaTable, "target", summary.TargetTable, "rows", len(rows))
	return summary, nil
}

func validateRequest(req Request) error {
	if strings.TrimSpace(req.DeltaTable) == "" {
		return fmt.Errorf("delta table is required")
	}
	if !identPattern.MatchString(req.Schema) {
		return fmt.Errorf("invalid schema name %q", req.Schema)
	}
	if !identPattern.MatchString(req.Table) {
		return fmt.Errorf("invalid table name %q", req.Table)
	}
	if len(req.BusinessKeys) == 0 {
		return fmt.Errorf("at least one business key is required")
	}
	for _, key := range req.BusinessKeys {
		if !identPattern.MatchString(key) {
			return fmt.Errorf("invalid business key %q", key)
		}
	}
	for from, to := range req.ColumnMapping {
		if from == "" || !identPattern.MatchString(to) {
			return fmt.Errorf("invalid column mapping %q -> %q", from, to)
		}
	}
	return nil
}

// applyMapping renames columns per the mapping and keeps the rest, preserving
// the source column order.
func applyMapping(result scan.Result, mapping map[string]string) ([]string, []map[string]any) {
	if len(mapping) == 0 {
		return result.Columns, result.Rows
	}

	columns := make([]string, len(result.Columns))
	for i, column := range result.Columns {
		if renamed, ok := mapping[column]; ok {
			columns[i] = renamed
		} else {
			columns[i] = column
		}
	}

	rows := make([]map[string]any, 0, len(result.Rows))
	for _, row := range result.Rows {
		mapped := make(map[string]any, len(row))
		for i, column := range result.Columns {
			mapped[columns[i]] = row[column]
		}
		rows = append(rows, mapped)
	}
	return columns, rows
}

func (p *Pipeline) ensureTable(ctx context.Context, db *sql.DB, req Request, columns []string, first map[string]any) error {
	if _, err := db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+quoteIdent(req.Schema)); err != nil {
		return fmt.Errorf("create schema %q: %w", req.Schema, err)
	}

	defs := make([]string, 0, len(columns)+6)
	defs = append(defs, "scd_id BIGSERIAL PRIMARY KEY")
	for _, column := range columns {
		defs = append(defs, quoteIdent(column)+" "+columnType(first[column]))
	}
	defs = append(defs,
		"effective_date TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP",
		"end_date TIMESTAMP",
		"is_current BOOLEAN NOT NULL DEFAULT TRUE",
		"created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP",
		"updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP",
	)

	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", p.qualifiedTable(req), strings.Join(defs, ", "))
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create table %s.%s: %w", req.Schema, req.Table, err)
	}
	return nil
}

// ensureCurrentIndex rebuilds the partial unique index that makes the upsert
// conflict on "current row per business key". Recreating it keeps the index
// aligned with the requested keys when they change between runs.
func (p *Pipeline) ensureCurrentIndex(ctx context.Context, db *sql.DB, req Request) error {
	indexName := fmt.Sprintf("idx_%s_business_key_current", req.Table)

	dropStmt := fmt.Sprintf("DROP INDEX IF EXISTS %s.%s", quoteIdent(req.Schema), quoteIdent(indexName))
	if _, err := db.ExecContext(ctx, dropStmt); err != nil {
		return fmt.Errorf("drop index %q: %w", indexName, err)
	}

	createStmt := fmt.Sprintf("CREATE UNIQUE INDEX %s ON %s (%s) WHERE is_current = TRUE",
		quoteIdent(indexName), p.qualifiedTable(req), quoteIdents(req.BusinessKeys))
	if _, err := db.ExecContext(ctx, createStmt); err != nil {
		return fmt.Errorf("create index %q: %w", indexName, err)
	}
	return nil
}

// upsert runs the two-statement SCD Type 2 write in one transaction: the
// first insert conflicts on current rows and closes the ones whose data
// changed, the second re-inserts everything and lets untouched current rows
// win the conflict.
func (p *Pipeline) upsert(ctx context.Context, db *sql.DB, req Request, columns []string, rows []map[string]any) error {
	target := p.qualifiedTable(req)
	insertColumns := quoteIdents(columns) + ", " + strings.Join(scdColumns, ", ")
	valuesClause, args := buildValues(columns, rows)
	conflict := fmt.Sprintf("ON CONFLICT (%s) WHERE is_current = TRUE", quoteIdents(req.BusinessKeys))

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert transaction: %w", err)
	}
	defer tx.Rollback()

	if changed := changedPredicate(target, columns, req.BusinessKeys); changed != "" {
		closeStmt := fmt.Sprintf(
			"INSERT INTO %s (%s) VALUES %s %s DO UPDATE SET end_date = CURRENT_TIMESTAMP, is_current = FALSE, updated_at = CURRENT_TIMESTAMP WHERE %s",
			target, insertColumns, valuesClause, conflict, changed)
		if _, err := tx.ExecContext(ctx, closeStmt, args...); err != nil {
			return fmt.Errorf("close changed rows in %s.%s: %w", req.Schema, req.Table, err)
		}
	}

	insertStmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s %s DO NOTHING",
		target, insertColumns, valuesClause, conflict)
	if _, err := tx.ExecContext(ctx, insertStmt, args...); err != nil {
		return fmt.Errorf("insert rows into %s.%s: %w", req.Schema, req.Table, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert transaction: %w", err)
	}
	return nil
}

// buildValues renders one parenthesized tuple per row: numbered placeholders
// for the business columns followed by the SCD metadata literals.
func buildValues(columns []string, rows []map[string]any) (string, []any) {
	tuples := make([]string, 0, len(rows))
	args := make([]any, 0, len(rows)*len(columns))

	n := 1
	for _, row := range rows {
		parts := make([]string, 0, len(columns)+5)
		for _, column := range columns {
			parts = append(parts, fmt.Sprintf("$%d", n))
			args = append(args, row[column])
			n++
		}
		parts = append(parts, "CURRENT_TIMESTAMP", "NULL", "TRUE", "CURRENT_TIMESTAMP", "CURRENT_TIMESTAMP")
		tuples = append(tuples, "("+strings.Join(parts, ", ")+")")
	}
	return strings.Join(tuples, ", "), args
}

// changedPredicate compares every non-key column between the existing current
// row and the incoming one. Empty when the business keys cover all columns,
// in which case nothing can change and no row needs closing.
func changedPredicate(target string, columns, businessKeys []string) string {
	clauses := make([]string, 0, len(columns))
	for _, column := range columns {
		if containsString(businessKeys, column) {
			continue
		}
		clauses = append(clauses, fmt.Sprintf("%s.%s IS DISTINCT FROM EXCLUDED.%s",
			target, quoteIdent(column), quoteIdent(column)))
	}
	return strings.Join(clauses, " OR ")
}

func (p *Pipeline) qualifiedTable(req Request) string {
	return quoteIdent(req.Schema) + "." + quoteIdent(req.Table)
}

// columnType maps a sample value to a PostgreSQL type. Scan results widen
// integers to float64, so numeric columns land on DOUBLE PRECISION; raw int64
// is still handled for readers that skip normalization.
func columnType(value any) string {
	switch value.(type) {
	case int64:
		return "INTEGER"
	case float64:
		return "DOUBLE PRECISION"
	case bool:
		return "BOOLEAN"
	case time.Time:
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteIdents(names []string) string {
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = quoteIdent(name)
	}
	return strings.Join(quoted, ", ")
}

func containsString(values []string, want string) bool {
	for _, value := range values {
		if value == want {
			return true
		}
	}
	return false
}
