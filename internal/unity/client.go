// Package unity is a minimal client for the Unity Catalog REST API: table
// lookup, temporary table credential issuance and database OAuth credential
// generation. Credentials are short-lived and fetched fresh per call; nothing
// is cached or retried.
package unity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/deltascan/deltascan/internal/tablepath"
)

var ErrMalformedCredentialURL = errors.New("unity: credential URL does not name a storage account")

// APIError is a non-2xx response from the workspace API.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("unity: %s failed status=%d body=%s", e.Op, e.StatusCode, e.Body)
}

type Config struct {
	WorkspaceURL string
	Token        string
	Timeout      time.Duration
	HTTPClient   *http.Client
}

type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.WorkspaceURL) == "" {
		return nil, fmt.Errorf("workspace URL is required")
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("workspace token is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.WorkspaceURL), "/"),
		token:   strings.TrimSpace(cfg.Token),
		client:  client,
	}, nil
}

// TableInfo is the catalog's view of a table. Only TableID is consumed
// downstream; the rest is carried for callers that want to log it.
type TableInfo struct {
	TableID         string `json:"table_id"`
	FullName        string `json:"full_name"`
	CatalogName     string `json:"catalog_name"`
	SchemaName      string `json:"schema_name"`
	Name            string `json:"name"`
	TableType       string `json:"table_type"`
	StorageLocation string `json:"storage_location"`
}

// TableCredential is a short-lived scoped credential for one table. It is
// owned by the call that requested it and discarded once handed to the
// engine; never persisted, never reused.
type TableCredential struct {
	URL            string
	StorageAccount string
	SASToken       string
	ExpirationTime time.Time
}

type DatabaseCredential struct {
	Token          string
	ExpirationTime string
}

// GetTable fetches table metadata by its three-part name.
func (c *Client) GetTable(ctx context.Context, fullName string) (TableInfo, error) {
	catalog, schema, table, err := tablepath.Split(fullName)
	if err != nil {
		return TableInfo{}, err
	}

	endpoint := fmt.Sprintf("%s/api/2.1/unity-catalog/tables/%s.%s.%s", c.baseURL, catalog, schema, table)
	body, err := c.do(ctx, http.MethodGet, endpoint, nil, "lookup table")
	if err != nil {
		return TableInfo{}, err
	}

	var info TableInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return TableInfo{}, fmt.Errorf("decode table metadata: %w", err)
	}
	if info.TableID == "" {
		return TableInfo{}, fmt.Errorf("table metadata for %q has no table_id", fullName)
	}
	return info, nil
}

// IssueTableCredential exchanges a table id for a temporary storage
// credential scoped to the given operation (defaults to READ).
func (c *Client) IssueTableCredential(ctx context.Context, tableID, operation string) (TableCredential, error) {
	if strings.TrimSpace(tableID) == "" {
		return TableCredential{}, fmt.Errorf("table id is required")
	}
	if operation == "" {
		operation = "READ"
	}

	payload, err := json.Marshal(map[string]string{
		"table_id":  tableID,
		"operation": strings.ToUpper(operation),
	})
	if err != nil {
		return TableCredential{}, fmt.Errorf("marshal credential request: %w", err)
	}

	endpoint := c.baseURL + "/api/2.1/unity-catalog/temporary-table-credentials"
	body, err := c.do(ctx, http.MethodPost, endpoint, payload, "issue table credential")
	if err != nil {
		return TableCredential{}, err
	}

	var parsed struct {
		URL              string `json:"url"`
		ExpirationTimeMs int64  `json:"expiration_time"`
		AzureSAS         struct {
			SASToken string `json:"sas_token"`
		} `json:"azure_user_delegation_sas"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return TableCredential{}, fmt.Errorf("decode credential response: %w", err)
	}

	account, ok := tablepath.StorageAccount(parsed.URL)
	if !ok {
		return TableCredential{}, fmt.Errorf("%w: %q", ErrMalformedCredentialURL, parsed.URL)
	}
	return TableCredential{
		URL:            parsed.URL,
		StorageAccount: account,
		SASToken:       parsed.AzureSAS.SASToken,
		ExpirationTime: time.UnixMilli(parsed.ExpirationTimeMs).UTC(),
	}, nil
}

// GenerateDatabaseCredential issues an OAuth token for a Databricks-managed
// PostgreSQL instance.
func (c *Client) GenerateDatabaseCredential(ctx context.Context, instanceNames ...string) (DatabaseCredential, error) {
	if len(instanceNames) == 0 {
		return DatabaseCredential{}, fmt.Errorf("at least one instance name is required")
	}

	payload, err := json.Marshal(map[string]any{
		"request_id":     uuid.NewString(),
		"instance_names": instanceNames,
	})
	if err != nil {
		return DatabaseCredential{}, fmt.Errorf("marshal database credential request: %w", err)
	}

	endpoint := c.baseURL + "/api/2.0/database/credentials"
	body, err := c.do(ctx, http.MethodPost, endpoint, payload, "generate database credential")
	if err != nil {
		return DatabaseCredential{}, err
	}

	var parsed struct {
		Token          string `json:"token"`
		ExpirationTime string `json:"expiration_time"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return DatabaseCredential{}, fmt.Errorf("decode database credential response: %w", err)
	}
	if parsed.Token == "" {
		return DatabaseCredential{}, fmt.Errorf("database credential response has no token")
	}
	return DatabaseCredential{Token: parsed.Token, ExpirationTime: parsed.ExpirationTime}, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload []byte, op string) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}
