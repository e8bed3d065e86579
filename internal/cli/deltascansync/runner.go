// Package deltascansync implements the SCD sync command line: read a Delta
// table through the scanner and upsert it into PostgreSQL with history.
package deltascansync

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/deltascan/deltascan/internal/sync"
)

// Pipeline is the slice of sync.Pipeline the runner needs.
type Pipeline interface {
	Run(ctx context.Context, req sync.Request) (sync.Summary, error)
}

type Options struct {
	Pipeline Pipeline
	Stdout   io.Writer
	Stderr   io.Writer
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
	if defaults.Pipeline == nil {
		_, _ = fmt.Fprintln(stderr, "pipeline is not configured")
		return 1
	}

	fs := flag.NewFlagSet("deltascan-sync", flag.ContinueOnError)
	fs.SetOutput(stderr)

	deltaTable := fs.String("delta-table", "", "source Delta table (catalog.schema.table or storage path)")
	pgSchema := fs.String("pg-schema", "", "target PostgreSQL schema")
	pgTable := fs.String("pg-table", "", "target PostgreSQL table")
	businessKeys := fs.String("business-keys", "", "comma-separated business key columns")
	columnMapping := fs.String("column-mapping", "", "JSON object renaming source columns")
	deltaQuery := fs.String("delta-query", "", "SQL override for the Delta read; $TABLE expands to the table")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	missing := []string{}
	if strings.TrimSpace(*deltaTable) == "" {
		missing = append(missing, "-delta-table")
	}
	if strings.TrimSpace(*pgSchema) == "" {
		missing = append(missing, "-pg-schema")
	}
	if strings.TrimSpace(*pgTable) == "" {
		missing = append(missing, "-pg-table")
	}
	if strings.TrimSpace(*businessKeys) == "" {
		missing = append(missing, "-business-keys")
	}
	if len(missing) > 0 {
		_, _ = fmt.Fprintf(stderr, "missing required flags: %s\n", strings.Join(missing, ", "))
		return 2
	}

	keys := []string{}
	for _, key := range strings.Split(*businessKeys, ",") {
		if key = strings.TrimSpace(key); key != "" {
			keys = append(keys, key)
		}
	}

	var mapping map[string]string
	if strings.TrimSpace(*columnMapping) != "" {
		if err := json.Unmarshal([]byte(*columnMapping), &mapping); err != nil {
			_, _ = fmt.Fprintf(stderr, "invalid -column-mapping: %v\n", err)
			return 2
		}
	}

	summary, err := defaults.Pipeline.Run(ctx, sync.Request{
		DeltaTable:    *deltaTable,
		Schema:        *pgSchema,
		Table:         *pgTable,
		BusinessKeys:  keys,
		ColumnMapping: mapping,
		DeltaQuery:    *deltaQuery,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "sync failed: %v\n", err)
		return 1
	}

	_, _ = fmt.Fprintf(stdout, "synced %d rows from %s to %s\n",
		summary.RecordsProcessed, summary.SourceTable, summary.TargetTable)
	if summary.TokenExpiration != "" {
		_, _ = fmt.Fprintf(stdout, "database token expires %s\n", summary.TokenExpiration)
	}
	return 0
}
