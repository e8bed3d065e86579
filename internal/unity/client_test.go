package unity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/deltascan/deltascan/internal/tablepath"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := New(Config{WorkspaceURL: server.URL, Token: "test-token"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return client
}

func TestNewRequiresWorkspaceAndToken(t *testing.T) {
	if _, err := New(Config{Token: "t"}); err == nil {
		t.Fatal("New() should reject empty workspace URL")
	}
	if _, err := New(Config{WorkspaceURL: "https://example.com"}); err == nil {
		t.Fatal("New() should reject empty token")
	}
}

func TestGetTable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("method = %s", r.Method)
		}
		if r.URL.Path != "/api/2.1/unity-catalog/tables/cat.sch.tbl" {
			t.Fatalf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Fatalf("Authorization = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"table_id":  "abc",
			"full_name": "cat.sch.tbl",
		})
	})

	info, err := client.GetTable(context.Background(), "cat.sch.tbl")
	if err != nil {
		t.Fatalf("GetTable() error = %v", err)
	}
	if info.TableID != "abc" {
		t.Fatalf("TableID = %q", info.TableID)
	}
}

func TestGetTableRejectsInvalidIdentifier(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected for invalid identifier")
	})

	_, err := client.GetTable(context.Background(), "only.two")
	if !errors.Is(err, tablepath.ErrInvalidIdentifier) {
		t.Fatalf("error = %v, want ErrInvalidIdentifier", err)
	}
}

func TestGetTableNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error_code":"TABLE_DOES_NOT_EXIST"}`, http.StatusNotFound)
	})

	_, err := client.GetTable(context.Background(), "cat.sch.missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("StatusCode = %d, want 404", apiErr.StatusCode)
	}
	if apiErr.Op != "lookup table" {
		t.Fatalf("Op = %q", apiErr.Op)
	}
}

func TestIssueTableCredential(t *testing.T) {
	expiry := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/2.1/unity-catalog/temporary-table-credentials" {
			t.Fatalf("path = %s", r.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body["table_id"] != "abc" {
			t.Fatalf("table_id = %q", body["table_id"])
		}
		if body["operation"] != "READ" {
			t.Fatalf("operation = %q", body["operation"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"url":             "abfss://x@acct.dfs.core.windows.net/p",
			"expiration_time": expiry.UnixMilli(),
			"azure_user_delegation_sas": map[string]string{
				"sas_token": "tok",
			},
		})
	})

	cred, err := client.IssueTableCredential(context.Background(), "abc", "read")
	if err != nil {
		t.Fatalf("IssueTableCredential() error = %v", err)
	}
	if cred.URL != "abfss://x@acct.dfs.core.windows.net/p" {
		t.Fatalf("URL = %q", cred.URL)
	}
	if cred.StorageAccount != "acct" {
		t.Fatalf("StorageAccount = %q", cred.StorageAccount)
	}
	if cred.SASToken != "tok" {
		t.Fatalf("SASToken = %q", cred.SASToken)
	}
	if !cred.ExpirationTime.Equal(expiry) {
		t.Fatalf("ExpirationTime = %v, want %v", cred.ExpirationTime, expiry)
	}
}

func TestIssueTableCredentialMalformedURL(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"url": "s3://bucket/no-azure-account",
			"azure_user_delegation_sas": map[string]string{
				"sas_token": "tok",
			},
		})
	})

	_, err := client.IssueTableCredential(context.Background(), "abc", "READ")
	if !errors.Is(err, ErrMalformedCredentialURL) {
		t.Fatalf("error = %v, want ErrMalformedCredentialURL", err)
	}
}

func TestIssueTableCredentialServerError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "denied", http.StatusForbidden)
	})

	_, err := client.IssueTableCredential(context.Background(), "abc", "READ")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.Op != "issue table credential" {
		t.Fatalf("Op = %q", apiErr.Op)
	}
}

func TestGenerateDatabaseCredential(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/2.0/database/credentials" {
			t.Fatalf("path = %s", r.URL.Path)
		}
		var body struct {
			RequestID     string   `json:"request_id"`
			InstanceNames []string `json:"instance_names"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body.RequestID == "" {
			t.Fatal("request_id is empty")
		}
		if len(body.InstanceNames) != 1 || body.InstanceNames[0] != "pg-main" {
			t.Fatalf("instance_names = %v", body.InstanceNames)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"token":           "oauth-token",
			"expiration_time": "2026-03-01T12:00:00Z",
		})
	})

	cred, err := client.GenerateDatabaseCredential(context.Background(), "pg-main")
	if err != nil {
		t.Fatalf("GenerateDatabaseCredential() error = %v", err)
	}
	if cred.Token != "oauth-token" {
		t.Fatalf("Token = %q", cred.Token)
	}
	if cred.ExpirationTime != "2026-03-01T12:00:00Z" {
		t.Fatalf("ExpirationTime = %q", cred.ExpirationTime)
	}
}
