package export

import (
	"bytes"
	"testing"

	"github.com/parquet-go/parquet-go"

	"github.com/deltascan/deltascan/internal/scan"
)

func TestEncodeParquet(t *testing.T) {
	result := scan.Result{
		Columns: []string{"mission_id", "incident_name", "active"},
		Rows: []map[string]any{
			{"mission_id": float64(1), "incident_name": "storm", "active": true},
			{"mission_id": float64(2), "incident_name": nil, "active": false},
		},
	}

	data, err := EncodeParquet(result)
	if err != nil {
		t.Fatalf("EncodeParquet() error = %v", err)
	}

	file, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	if file.NumRows() != 2 {
		t.Fatalf("NumRows() = %d, want 2", file.NumRows())
	}

	fields := file.Schema().Fields()
	names := map[string]bool{}
	for _, field := range fields {
		names[field.Name()] = true
	}
	for _, column := range result.Columns {
		if !names[column] {
			t.Fatalf("schema is missing column %q (fields %v)", column, names)
		}
	}
}

func TestEncodeParquetAllNullColumn(t *testing.T) {
	result := scan.Result{
		Columns: []string{"id", "notes"},
		Rows: []map[string]any{
			{"id": float64(1), "notes": nil},
		},
	}

	data, err := EncodeParquet(result)
	if err != nil {
		t.Fatalf("EncodeParquet() error = %v", err)
	}
	if len(data) == 0 {
		t.Fatal("EncodeParquet() returned empty payload")
	}
}

func TestEncodeParquetNoColumns(t *testing.T) {
	if _, err := EncodeParquet(scan.Result{}); err == nil {
		t.Fatal("EncodeParquet() expected error for empty column set")
	}
}

func TestEncodeParquetEmptyRows(t *testing.T) {
	result := scan.Result{Columns: []string{"id"}}
	data, err := EncodeParquet(result)
	if err != nil {
		t.Fatalf("EncodeParquet() error = %v", err)
	}
	file, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	if file.NumRows() != 0 {
		t.Fatalf("NumRows() = %d, want 0", file.NumRows())
	}
}
