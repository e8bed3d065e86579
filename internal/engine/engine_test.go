package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func newMockEngine(t *testing.T, cfg Config) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	eng := NewWithOpener(cfg, func(dsn string) (*sql.DB, error) {
		return db, nil
	})
	return eng, mock
}

func expectSetup(mock sqlmock.Sqlmock, ext Extensions) {
	statements := []string{}
	if ext.Delta {
		statements = append(statements, "INSTALL delta", "LOAD delta")
	}
	if ext.HTTPFS {
		statements = append(statements, "INSTALL httpfs", "LOAD httpfs")
	}
	if ext.Azure {
		statements = append(statements, "INSTALL azure", "LOAD azure", "SET azure_transport_option_type = 'curl'")
	}
	for _, stmt := range statements {
		mock.ExpectExec(regexp.QuoteMeta(stmt)).WillReturnResult(sqlmock.NewResult(0, 0))
	}
}

func assertMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInitializeRunsSetupExactlyOnce(t *testing.T) {
	eng, mock := newMockEngine(t, Config{Memory: true, Extensions: AllExtensions()})
	expectSetup(mock, AllExtensions())

	if err := eng.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	// Second call must be a no-op; any statement would fail the mock.
	if err := eng.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() second call error = %v", err)
	}
	assertMock(t, mock)
}

func TestInitializeSkipsDisabledExtensions(t *testing.T) {
	ext := Extensions{Delta: true}
	eng, mock := newMockEngine(t, Config{Memory: true, Extensions: ext})
	expectSetup(mock, ext)

	if err := eng.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	assertMock(t, mock)
}

func TestInitializeFailureLeavesEngineUninitialized(t *testing.T) {
	eng, mock := newMockEngine(t, Config{Memory: true, Extensions: AllExtensions()})
	mock.ExpectExec(regexp.QuoteMeta("INSTALL delta")).WillReturnError(fmt.Errorf("no network"))
	mock.ExpectClose()

	if err := eng.Initialize(context.Background()); err == nil {
		t.Fatal("Initialize() expected error")
	}
	if err := eng.Exec(context.Background(), "SELECT 1"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Exec() error = %v, want ErrNotInitialized", err)
	}
	assertMock(t, mock)
}

func TestExecBeforeInitialize(t *testing.T) {
	eng := New(Config{Memory: true, Extensions: AllExtensions()})
	if err := eng.Exec(context.Background(), "SELECT 1"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Exec() error = %v, want ErrNotInitialized", err)
	}
	if _, _, err := eng.Query(context.Background(), "SELECT 1"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Query() error = %v, want ErrNotInitialized", err)
	}
}

func TestCreateAzureSecretStatement(t *testing.T) {
	ext := Extensions{}
	eng, mock := newMockEngine(t, Config{Memory: true, Extensions: ext})
	if err := eng.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	mock.ExpectExec(regexp.QuoteMeta(
		"CREATE OR REPLACE SECRET deltascan_azure (TYPE AZURE, CONNECTION_STRING 'AccountName=acct;SharedAccessSignature=tok')",
	)).WillReturnResult(sqlmock.NewResult(0, 0))

	if err := eng.CreateAzureSecret(context.Background(), "acct", "tok"); err != nil {
		t.Fatalf("CreateAzureSecret() error = %v", err)
	}
	assertMock(t, mock)
}

func TestCreateAzureSecretReplacesPreviousCredential(t *testing.T) {
	eng, mock := newMockEngine(t, Config{Memory: true})
	if err := eng.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	for _, token := range []string{"first", "second"} {
		mock.ExpectExec(regexp.QuoteMeta(
			"CREATE OR REPLACE SECRET deltascan_azure (TYPE AZURE, CONNECTION_STRING 'AccountName=acct;SharedAccessSignature=" + token + "')",
		)).WillReturnResult(sqlmock.NewResult(0, 0))
	}

	if err := eng.CreateAzureSecret(context.Background(), "acct", "first"); err != nil {
		t.Fatalf("CreateAzureSecret() error = %v", err)
	}
	if err := eng.CreateAzureSecret(context.Background(), "acct", "second"); err != nil {
		t.Fatalf("CreateAzureSecret() error = %v", err)
	}
	assertMock(t, mock)
}

func TestSetAzureConnectionStringEscapesQuotes(t *testing.T) {
	eng, mock := newMockEngine(t, Config{Memory: true})
	if err := eng.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	mock.ExpectExec(regexp.QuoteMeta(
		"SET azure_storage_connection_string = 'AccountName=a;Sig=x''y'",
	)).WillReturnResult(sqlmock.NewResult(0, 0))

	if err := eng.SetAzureConnectionString(context.Background(), "AccountName=a;Sig=x'y"); err != nil {
		t.Fatalf("SetAzureConnectionString() error = %v", err)
	}
	assertMock(t, mock)
}

func TestQueryPreservesColumnOrder(t *testing.T) {
	eng, mock := newMockEngine(t, Config{Memory: true})
	if err := eng.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, name FROM t")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).
			AddRow(int64(1), "alpha").
			AddRow(int64(2), "beta"))

	columns, rows, err := eng.Query(context.Background(), "SELECT id, name FROM t")
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(columns) != 2 || columns[0] != "id" || columns[1] != "name" {
		t.Fatalf("columns = %v", columns)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d", len(rows))
	}
	if rows[1][1] != "beta" {
		t.Fatalf("rows[1][1] = %v", rows[1][1])
	}
	assertMock(t, mock)
}

func TestCloseResetsAndIsIdempotent(t *testing.T) {
	eng, mock := newMockEngine(t, Config{Memory: true})
	if err := eng.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	mock.ExpectClose()

	if err := eng.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("Close() second call error = %v", err)
	}
	if err := eng.Exec(context.Background(), "SELECT 1"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Exec() after Close error = %v, want ErrNotInitialized", err)
	}
	assertMock(t, mock)
}
