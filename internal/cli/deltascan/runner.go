// Package deltascan implements the scanner command line: query, stats and
// schema against a single table, plus table discovery in object storage.
package deltascan

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/deltascan/deltascan/internal/config"
	"github.com/deltascan/deltascan/internal/engine"
	"github.com/deltascan/deltascan/internal/export"
	"github.com/deltascan/deltascan/internal/scan"
	"github.com/deltascan/deltascan/internal/storage/s3"
	"github.com/deltascan/deltascan/internal/unity"
)

// Scanner is the slice of scan.Scanner the runner needs.
type Scanner interface {
	Query(ctx context.Context, tablePath, sqlText string, opts scan.QueryOptions) (scan.Result, error)
	TableStats(ctx context.Context, tablePath string) (scan.Stats, error)
	TableSchema(ctx context.Context, tablePath string) ([]scan.ColumnInfo, error)
	Close() error
}

type Lister interface {
	ListTables(ctx context.Context, prefix string) ([]string, error)
}

type Options struct {
	Config config.Config
	// Scanner and Lister override the instances built from Config.
	Scanner   Scanner
	Lister    Lister
	Logger    *slog.Logger
	Stdout    io.Writer
	Stderr    io.Writer
	WriteFile func(path string, data []byte) error
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}
	writeFile := defaults.WriteFile
	if writeFile == nil {
		writeFile = func(path string, data []byte) error {
			return os.WriteFile(path, data, 0o644)
		}
	}
	cfg := defaults.Config

	fs := flag.NewFlagSet("deltascan", flag.ContinueOnError)
	fs.SetOutput(stderr)

	table := fs.String("table", "", "table identifier: catalog.schema.table or a storage path")
	query := fs.String("query", "", "SQL to run; $TABLE expands to the resolved delta_scan expression")
	limit := fs.Int("limit", limitOr(cfg.Query.DefaultLimit, 10), "row limit when no query is given")
	format := fs.String("format", "table", "output format: table, json or parquet")
	output := fs.String("output", "", "write output to a file instead of stdout")
	prefix := fs.String("prefix", "", "object store prefix for the tables command")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	command := "query"
	if fs.NArg() > 0 {
		command = strings.TrimSpace(fs.Arg(0))
	}
	switch *format {
	case "table", "json", "parquet":
	default:
		_, _ = fmt.Fprintf(stderr, "unknown format %q\n\n", *format)
		writeUsage(stderr)
		return 2
	}
	if *format == "parquet" && *output == "" {
		_, _ = fmt.Fprintln(stderr, "-output is required with -format parquet")
		return 2
	}

	switch command {
	case "query", "stats", "schema":
		if strings.TrimSpace(*table) == "" {
			_, _ = fmt.Fprintln(stderr, "-table is required")
			writeUsage(stderr)
			return 2
		}
		scanner, err := buildScanner(defaults, cfg)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "setup failed: %v\n", err)
			return 1
		}
		code := runScanCommand(ctx, scanner, command, *table, *query, *limit, *format, *output, writeFile, stdout, stderr)
		// The engine connection is released even when the command failed.
		if err := scanner.Close(); err != nil {
			_, _ = fmt.Fprintf(stderr, "close engine: %v\n", err)
			if code == 0 {
				code = 1
			}
		}
		return code

	case "tables":
		lister, err := buildLister(defaults, cfg)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "setup failed: %v\n", err)
			return 1
		}
		tables, err := lister.ListTables(ctx, *prefix)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "list tables: %v\n", err)
			return 1
		}
		if *format == "json" {
			data, err := json.MarshalIndent(tables, "", "  ")
			if err != nil {
				_, _ = fmt.Fprintf(stderr, "encode tables: %v\n", err)
				return 1
			}
			_, _ = fmt.Fprintln(stdout, string(data))
			return 0
		}
		for _, name := range tables {
			_, _ = fmt.Fprintln(stdout, name)
		}
		return 0

	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		writeUsage(stderr)
		return 2
	}
}

func runScanCommand(ctx context.Context, scanner Scanner, command, table, query string, limit int, format, output string, writeFile func(string, []byte) error, stdout, stderr io.Writer) int {
	var result scan.Result
	var err error

	switch command {
	case "query":
		result, err = scanner.Query(ctx, table, query, scan.QueryOptions{Limit: limit})
	case "stats":
		var stats scan.Stats
		stats, err = scanner.TableStats(ctx, table)
		if err == nil {
			result = scan.Result{
				Columns: []string{"count"},
				Rows:    []map[string]any{{"count": stats.Count}},
			}
		}
	case "schema":
		var columns []scan.ColumnInfo
		columns, err = scanner.TableSchema(ctx, table)
		if err == nil {
			result = scan.Result{Columns: []string{"column_name", "column_type"}}
			for _, column := range columns {
				result.Rows = append(result.Rows, map[string]any{
					"column_name": column.Name,
					"column_type": column.Type,
				})
			}
		}
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%s failed: %v\n", command, err)
		return 1
	}

	if err := emit(result, format, output, writeFile, stdout); err != nil {
		_, _ = fmt.Fprintf(stderr, "write output: %v\n", err)
		return 1
	}
	return 0
}

func emit(result scan.Result, format, output string, writeFile func(string, []byte) error, stdout io.Writer) error {
	switch format {
	case "json":
		data, err := json.MarshalIndent(result.Rows, "", "  ")
		if err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		if output != "" {
			return writeFile(output, append(data, '\n'))
		}
		_, _ = fmt.Fprintln(stdout, string(data))
		return nil

	case "parquet":
		data, err := export.EncodeParquet(result)
		if err != nil {
			return fmt.Errorf("encode parquet: %w", err)
		}
		return writeFile(output, data)

	default:
		text := FormatTable(result)
		if output != "" {
			return writeFile(output, []byte(text))
		}
		_, _ = fmt.Fprint(stdout, text)
		return nil
	}
}

// FormatTable renders a result as an aligned text table: header, dashed
// separator, one line per row, columns padded to the widest cell.
func FormatTable(result scan.Result) string {
	widths := make([]int, len(result.Columns))
	for i, column := range result.Columns {
		widths[i] = len(column)
	}
	cells := make([][]string, 0, len(result.Rows))
	for _, row := range result.Rows {
		line := make([]string, len(result.Columns))
		for i, column := range result.Columns {
			line[i] = formatValue(row[column])
			if len(line[i]) > widths[i] {
				widths[i] = len(line[i])
			}
		}
		cells = append(cells, line)
	}

	var b strings.Builder
	for i, column := range result.Columns {
		if i > 0 {
			b.WriteString("  ")
		}
		pad(&b, column, widths[i])
	}
	b.WriteByte('\n')
	for i, width := range widths {
		if i > 0 {
			b.WriteString("  ")
		}
		b.WriteString(strings.Repeat("-", width))
	}
	b.WriteByte('\n')
	for _, line := range cells {
		for i, cell := range line {
			if i > 0 {
				b.WriteString("  ")
			}
			pad(&b, cell, widths[i])
		}
		b.WriteByte('\n')
	}
	b.WriteString(fmt.Sprintf("(%d rows)\n", len(result.Rows)))
	return b.String()
}

func formatValue(value any) string {
	if value == nil {
		return "NULL"
	}
	return fmt.Sprintf("%v", value)
}

func pad(b *strings.Builder, s string, width int) {
	b.WriteString(s)
	for i := len(s); i < width; i++ {
		b.WriteByte(' ')
	}
}

func buildScanner(defaults Options, cfg config.Config) (Scanner, error) {
	if defaults.Scanner != nil {
		return defaults.Scanner, nil
	}

	eng := engine.New(engine.Config{
		Memory:     cfg.Engine.Memory,
		Path:       cfg.Engine.Path,
		Extensions: engineExtensions(cfg.Engine.Extensions),
	})

	var catalog scan.Catalog
	if cfg.Workspace.URL != "" && cfg.Workspace.Token != "" {
		client, err := unity.New(unity.Config{
			WorkspaceURL: cfg.Workspace.URL,
			Token:        cfg.Workspace.Token,
			Timeout:      cfg.Workspace.HTTPTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("build catalog client: %w", err)
		}
		catalog = client
	}

	return scan.New(eng, catalog, scan.Options{
		DefaultLimit:   cfg.Query.DefaultLimit,
		StorageAccount: cfg.Azure.StorageAccount,
		SASToken:       cfg.Azure.SASToken,
		Logger:         defaults.Logger,
	}), nil
}

func buildLister(defaults Options, cfg config.Config) (Lister, error) {
	if defaults.Lister != nil {
		return defaults.Lister, nil
	}
	store, err := s3.New(s3.Config{
		Endpoint:        cfg.ObjectStore.Endpoint,
		Region:          cfg.ObjectStore.Region,
		Bucket:          cfg.ObjectStore.Bucket,
		AccessKeyID:     cfg.ObjectStore.AccessKeyID,
		SecretAccessKey: cfg.ObjectStore.SecretAccessKey,
		UseSSL:          cfg.ObjectStore.UseSSL,
		Prefix:          cfg.ObjectStore.Prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("build object store: %w", err)
	}
	return store, nil
}

func engineExtensions(names []string) engine.Extensions {
	if len(names) == 0 {
		return engine.AllExtensions()
	}
	var exts engine.Extensions
	for _, name := range names {
		switch name {
		case "delta":
			exts.Delta = true
		case "httpfs":
			exts.HTTPFS = true
		case "azure":
			exts.Azure = true
		}
	}
	return exts
}

func limitOr(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: deltascan [flags] [command]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  query    run SQL against a table (default)")
	_, _ = fmt.Fprintln(w, "  stats    row count of a table")
	_, _ = fmt.Fprintln(w, "  schema   column names and types of a table")
	_, _ = fmt.Fprintln(w, "  tables   list Delta table roots in the object store")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "flags:")
	_, _ = fmt.Fprintln(w, "  -table   catalog.schema.table or a storage path")
	_, _ = fmt.Fprintln(w, "  -query   SQL with $TABLE standing in for the table")
	_, _ = fmt.Fprintln(w, "  -limit   row limit when no query is given")
	_, _ = fmt.Fprintln(w, "  -format  table, json or parquet")
	_, _ = fmt.Fprintln(w, "  -output  write output to a file")
	_, _ = fmt.Fprintln(w, "  -prefix  object store prefix for tables")
}
