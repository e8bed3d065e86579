package deltascansync

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/deltascan/deltascan/internal/sync"
)

type fakePipeline struct {
	summary sync.Summary
	err     error
	req     sync.Request
	calls   int
}

func (f *fakePipeline) Run(ctx context.Context, req sync.Request) (sync.Summary, error) {
	f.calls++
	f.req = req
	if f.err != nil {
		return sync.Summary{}, f.err
	}
	return f.summary, nil
}

func TestRunSync(t *testing.T) {
	pipeline := &fakePipeline{summary: sync.Summary{
		SourceTable:      "main.ops.missions",
		TargetTable:      "gold.missions",
		RecordsProcessed: 3,
		TokenExpiration:  "2026-01-01T00:00:00Z",
	}}
	var stdout, stderr bytes.Buffer

	code := Run(context.Background(), []string{
		"-delta-table", "main.ops.missions",
		"-pg-schema", "gold",
		"-pg-table", "missions",
		"-business-keys", "mission_id, name",
		"-column-mapping", `{"name":"mission_name"}`,
		"-delta-query", "SELECT * FROM $TABLE WHERE active",
	}, Options{Pipeline: pipeline, Stdout: &stdout, Stderr: &stderr})
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}

	req := pipeline.req
	if req.DeltaTable != "main.ops.missions" || req.Schema != "gold" || req.Table != "missions" {
		t.Fatalf("request = %+v", req)
	}
	if len(req.BusinessKeys) != 2 || req.BusinessKeys[0] != "mission_id" || req.BusinessKeys[1] != "name" {
		t.Fatalf("business keys = %v", req.BusinessKeys)
	}
	if req.ColumnMapping["name"] != "mission_name" {
		t.Fatalf("column mapping = %v", req.ColumnMapping)
	}
	if req.DeltaQuery != "SELECT * FROM $TABLE WHERE active" {
		t.Fatalf("delta query = %q", req.DeltaQuery)
	}
	if !strings.Contains(stdout.String(), "synced 3 rows") {
		t.Fatalf("stdout = %q", stdout.String())
	}
}

func TestRunSyncMissingFlags(t *testing.T) {
	pipeline := &fakePipeline{}
	var stderr bytes.Buffer

	code := Run(context.Background(), []string{"-delta-table", "main.ops.missions"}, Options{
		Pipeline: pipeline,
		Stderr:   &stderr,
	})
	if code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
	if pipeline.calls != 0 {
		t.Fatal("pipeline should not run with missing flags")
	}
	out := stderr.String()
	for _, flagName := range []string{"-pg-schema", "-pg-table", "-business-keys"} {
		if !strings.Contains(out, flagName) {
			t.Fatalf("stderr %q does not name %s", out, flagName)
		}
	}
}

func TestRunSyncInvalidMapping(t *testing.T) {
	var stderr bytes.Buffer
	code := Run(context.Background(), []string{
		"-delta-table", "t",
		"-pg-schema", "s",
		"-pg-table", "t",
		"-business-keys", "id",
		"-column-mapping", "{broken",
	}, Options{Pipeline: &fakePipeline{}, Stderr: &stderr})
	if code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
	if !strings.Contains(stderr.String(), "column-mapping") {
		t.Fatalf("stderr = %q", stderr.String())
	}
}

func TestRunSyncPipelineError(t *testing.T) {
	pipeline := &fakePipeline{err: fmt.Errorf("credential rejected")}
	var stderr bytes.Buffer

	code := Run(context.Background(), []string{
		"-delta-table", "t",
		"-pg-schema", "s",
		"-pg-table", "t",
		"-business-keys", "id",
	}, Options{Pipeline: pipeline, Stderr: &stderr})
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "credential rejected") {
		t.Fatalf("stderr = %q", stderr.String())
	}
}
