// Package export encodes scan results for downstream consumption.
package export

import (
	"bytes"
	"fmt"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/deltascan/deltascan/internal/scan"
)

// EncodeParquet serializes a result to Parquet. Scan results carry no static
// schema, so one is derived from the result columns and the first non-null
// value observed per column; columns that are null throughout become
// optional strings.
func EncodeParquet(result scan.Result) ([]byte, error) {
	if len(result.Columns) == 0 {
		return nil, fmt.Errorf("result has no columns")
	}

	group := parquet.Group{}
	for _, column := range result.Columns {
		group[column] = parquet.Optional(columnNode(result, column))
	}
	schema := parquet.NewSchema("result", group)

	rows := make([]map[string]any, 0, len(result.Rows))
	for _, row := range result.Rows {
		record := make(map[string]any, len(result.Columns))
		for _, column := range result.Columns {
			value := normalizeForParquet(row[column])
			if value == nil {
				continue
			}
			record[column] = value
		}
		rows = append(rows, record)
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[map[string]any](buf, schema)
	if _, err := writer.Write(rows); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

func columnNode(result scan.Result, column string) parquet.Node {
	for _, row := range result.Rows {
		switch row[column].(type) {
		case nil:
			continue
		case float64:
			return parquet.Leaf(parquet.DoubleType)
		case bool:
			return parquet.Leaf(parquet.BooleanType)
		default:
			return parquet.String()
		}
	}
	return parquet.String()
}

func normalizeForParquet(value any) any {
	switch typed := value.(type) {
	case nil:
		return nil
	case float64, bool, string:
		return typed
	case time.Time:
		return typed.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%v", typed)
	}
}
