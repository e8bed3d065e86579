// Package scan exposes the public operation surface: resolve a table path,
// obtain and register storage credentials, and run SQL against the table via
// the engine's delta_scan reader.
package scan

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/deltascan/deltascan/internal/observability"
	"github.com/deltascan/deltascan/internal/tablepath"
	"github.com/deltascan/deltascan/internal/unity"
)

// Placeholder is the literal token callers put in custom SQL where the
// resolved delta_scan expression should be substituted. SQL without the
// token runs unmodified, which allows raw passthrough queries.
const Placeholder = "$TABLE"

// schemaProbeView is the fixed temporary view used by TableSchema. The
// scanner mutex keeps overlapping calls on one scanner from racing on it;
// sharing a connection across scanners stays unsupported.
const schemaProbeView = "deltascan_schema_probe"

type Engine interface {
	Initialize(ctx context.Context) error
	Close() error
	Exec(ctx context.Context, stmt string) error
	Query(ctx context.Context, stmt string) ([]string, [][]any, error)
	CreateAzureSecret(ctx context.Context, account, sasToken string) error
	SetAzureConnectionString(ctx context.Context, conn string) error
}

type Catalog interface {
	GetTable(ctx context.Context, fullName string) (unity.TableInfo, error)
	IssueTableCredential(ctx context.Context, tableID, operation string) (unity.TableCredential, error)
}

type Options struct {
	// DefaultLimit caps the generated SELECT when no SQL is supplied.
	DefaultLimit int
	// StorageAccount and SASToken enable the direct-path branch: a
	// long-lived credential applied at the session level, never via the
	// catalog.
	StorageAccount string
	SASToken       string
	Logger         *slog.Logger
}

type QueryOptions struct {
	Limit int
}

// Result holds ordered columns and rows as column-name → value records.
// 64-bit integers are widened to float64, which loses precision above 2^53;
// an accepted limitation inherited from the JSON-facing contract.
type Result struct {
	Columns []string
	Rows    []map[string]any
}

type Stats struct {
	Count float64
}

type ColumnInfo struct {
	Name string
	Type string
}

// Scanner owns one engine connection. All operations are serialized through
// an internal mutex; one call at a time per scanner.
type Scanner struct {
	mu      sync.Mutex
	engine  Engine
	catalog Catalog
	opts    Options
	logger  *slog.Logger
}

// New builds a Scanner. catalog may be nil, which disables catalog-backed
// resolution entirely.
func New(eng Engine, catalog Catalog, opts Options) *Scanner {
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 10
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scanner{engine: eng, catalog: catalog, opts: opts, logger: logger}
}

// Initialize eagerly starts the engine. Every query operation also does this
// lazily, so calling it is optional.
func (s *Scanner) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Initialize(ctx)
}

// Close releases the engine connection. The next operation re-initializes
// transparently.
func (s *Scanner) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Close()
}

// Query resolves tablePath, builds or rewrites the SQL statement and runs it.
func (s *Scanner) Query(ctx context.Context, tablePath, sqlText string, opts QueryOptions) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	result, err := s.query(ctx, tablePath, sqlText, opts)
	observability.ObserveScanQuery("query", err, time.Since(start))
	return result, err
}

// TableStats returns the row count of the table behind tablePath.
func (s *Scanner) TableStats(ctx context.Context, tablePath string) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	stats, err := s.tableStats(ctx, tablePath)
	observability.ObserveScanQuery("stats", err, time.Since(start))
	return stats, err
}

// TableSchema describes the columns of the table behind tablePath without
// reading any rows.
func (s *Scanner) TableSchema(ctx context.Context, tablePath string) ([]ColumnInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	columns, err := s.tableSchema(ctx, tablePath)
	observability.ObserveScanQuery("schema", err, time.Since(start))
	return columns, err
}

func (s *Scanner) query(ctx context.Context, tablePath, sqlText string, opts QueryOptions) (Result, error) {
	deltaPath, err := s.prepare(ctx, tablePath)
	if err != nil {
		return Result{}, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = s.opts.DefaultLimit
	}
	stmt := buildStatement(sqlText, deltaPath, limit)
	s.logger.Debug("executing query", "table", tablePath, "sql", stmt)

	columns, raw, err := s.engine.Query(ctx, stmt)
	if err != nil {
		return Result{}, fmt.Errorf("execute query on %q: %w", tablePath, err)
	}

	rows := make([]map[string]any, 0, len(raw))
	for _, values := range raw {
		record := make(map[string]any, len(columns))
		for i, column := range columns {
			record[column] = normalizeValue(values[i])
		}
		rows = append(rows, record)
	}
	return Result{Columns: columns, Rows: rows}, nil
}

func (s *Scanner) tableStats(ctx context.Context, tablePath string) (Stats, error) {
	deltaPath, err := s.prepare(ctx, tablePath)
	if err != nil {
		return Stats{}, err
	}

	stmt := fmt.Sprintf("SELECT COUNT(*) AS count FROM %s", scanExpr(deltaPath))
	_, raw, err := s.engine.Query(ctx, stmt)
	if err != nil {
		return Stats{}, fmt.Errorf("count rows of %q: %w", tablePath, err)
	}
	if len(raw) == 0 || len(raw[0]) == 0 {
		return Stats{}, nil
	}
	return Stats{Count: countValue(raw[0][0])}, nil
}

func (s *Scanner) tableSchema(ctx context.Context, tablePath string) ([]ColumnInfo, error) {
	deltaPath, err := s.prepare(ctx, tablePath)
	if err != nil {
		return nil, err
	}

	viewStmt := fmt.Sprintf(
		"CREATE OR REPLACE TEMP VIEW %s AS SELECT * FROM %s LIMIT 0",
		schemaProbeView, scanExpr(deltaPath),
	)
	if err := s.engine.Exec(ctx, viewStmt); err != nil {
		return nil, fmt.Errorf("probe schema of %q: %w", tablePath, err)
	}

	columns, raw, err := s.engine.Query(ctx, "DESCRIBE "+schemaProbeView)
	if err != nil {
		return nil, fmt.Errorf("describe schema of %q: %w", tablePath, err)
	}

	nameIdx, typeIdx := -1, -1
	for i, column := range columns {
		switch column {
		case "column_name":
			nameIdx = i
		case "column_type":
			typeIdx = i
		}
	}
	if nameIdx < 0 || typeIdx < 0 {
		return nil, fmt.Errorf("describe schema of %q: unexpected columns %v", tablePath, columns)
	}

	schema := make([]ColumnInfo, 0, len(raw))
	for _, values := range raw {
		schema = append(schema, ColumnInfo{
			Name: stringValue(values[nameIdx]),
			Type: stringValue(values[typeIdx]),
		})
	}
	return schema, nil
}

// prepare lazily initializes the engine and resolves the table path,
// configuring storage credentials as a side effect.
func (s *Scanner) prepare(ctx context.Context, tablePath string) (string, error) {
	if err := s.engine.Initialize(ctx); err != nil {
		return "", fmt.Errorf("initialize engine for %q: %w", tablePath, err)
	}
	return s.resolve(ctx, tablePath)
}

func (s *Scanner) resolve(ctx context.Context, tablePath string) (string, error) {
	ref := tablepath.Classify(tablePath)

	switch ref.Kind {
	case tablepath.KindCatalogTable:
		if s.catalog == nil {
			s.logger.Debug("no catalog configured, using raw path", "table", tablePath)
			return tablePath, nil
		}
		info, err := s.catalog.GetTable(ctx, ref.Raw)
		if err != nil {
			return "", fmt.Errorf("resolve table %q: %w", tablePath, err)
		}
		cred, err := s.catalog.IssueTableCredential(ctx, info.TableID, "READ")
		if err != nil {
			return "", fmt.Errorf("issue credential for %q: %w", tablePath, err)
		}
		observability.IncCredentialIssued("table")
		if err := s.engine.CreateAzureSecret(ctx, cred.StorageAccount, cred.SASToken); err != nil {
			return "", fmt.Errorf("register credential for %q: %w", tablePath, err)
		}
		s.logger.Debug("resolved cataloged table",
			"table", tablePath, "account", cred.StorageAccount, "expires", cred.ExpirationTime)
		return cred.URL, nil

	case tablepath.KindStoragePath:
		if s.opts.SASToken == "" {
			return tablePath, nil
		}
		account, ok := tablepath.StorageAccount(tablePath)
		if !ok {
			account = s.opts.StorageAccount
		}
		if account == "" {
			return tablePath, nil
		}
		conn := fmt.Sprintf("AccountName=%s;SharedAccessSignature=%s", account, s.opts.SASToken)
		if err := s.engine.SetAzureConnectionString(ctx, conn); err != nil {
			return "", fmt.Errorf("configure storage access for %q: %w", tablePath, err)
		}
		return tablePath, nil

	default:
		// Neither branch matched: hand the raw path to the engine and let
		// its own path resolution report the failure, if any.
		return tablePath, nil
	}
}

func buildStatement(sqlText, deltaPath string, limit int) string {
	trimmed := strings.TrimSpace(sqlText)
	if trimmed == "" {
		return fmt.Sprintf("SELECT * FROM %s LIMIT %d", scanExpr(deltaPath), limit)
	}
	if strings.Contains(trimmed, Placeholder) {
		return strings.ReplaceAll(trimmed, Placeholder, scanExpr(deltaPath))
	}
	return trimmed
}

func scanExpr(deltaPath string) string {
	return "delta_scan('" + strings.ReplaceAll(deltaPath, "'", "''") + "')"
}

// normalizeValue widens 64-bit integers to float64 and converts raw byte
// slices to strings.
func normalizeValue(value any) any {
	switch typed := value.(type) {
	case int64:
		return float64(typed)
	case uint64:
		return float64(typed)
	case []byte:
		return string(typed)
	default:
		return typed
	}
}

func countValue(value any) float64 {
	switch typed := value.(type) {
	case int64:
		return float64(typed)
	case uint64:
		return float64(typed)
	case float64:
		return typed
	case []byte:
		return parseCount(string(typed))
	case string:
		return parseCount(typed)
	default:
		return 0
	}
}

func parseCount(raw string) float64 {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0
	}
	return parsed
}

func stringValue(value any) string {
	switch typed := value.(type) {
	case string:
		return typed
	case []byte:
		return string(typed)
	default:
		return fmt.Sprintf("%v", typed)
	}
}
