package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	Workspace     WorkspaceConfig
	Azure         AzureConfig
	Engine        EngineConfig
	Query         QueryConfig
	ObjectStore   ObjectStoreConfig
	Postgres      PostgresConfig
	Observability ObservabilityConfig
}

type ServiceConfig struct {
	Name string
}

// WorkspaceConfig enables the catalog-backed resolution path. Leaving URL or
// Token empty is not an error; catalog lookups are simply skipped and raw
// paths are handed to the engine.
type WorkspaceConfig struct {
	URL         string
	Token       string
	HTTPTimeout time.Duration
}

// AzureConfig is the direct-path fallback: a long-lived SAS token applied at
// the session level, independent of catalog credentials.
type AzureConfig struct {
	StorageAccount string
	SASToken       string
}

type EngineConfig struct {
	Memory     bool
	Path       string
	Extensions []string
}

type QueryConfig struct {
	DefaultLimit int
}

type ObjectStoreConfig struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Prefix          string
}

type PostgresConfig struct {
	InstanceName      string
	Username          string
	Database          string
	Schema            string
	InstanceHostnames map[string]string
}

type ObservabilityConfig struct {
	LogLevel slog.Level
	LogJSON  bool
}

// Hostname resolves the PostgreSQL hostname for an instance, falling back to
// the managed-database naming convention.
func (p PostgresConfig) Hostname(instanceName string) string {
	if host, ok := p.InstanceHostnames[instanceName]; ok {
		return host
	}
	return instanceName + ".database.azuredatabricks.net"
}

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup("DELTASCAN_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid DELTASCAN_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	if err := applyString(lookup, "DELTASCAN_SERVICE_NAME", &cfg.Service.Name); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DELTASCAN_WORKSPACE_URL", &cfg.Workspace.URL); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DELTASCAN_WORKSPACE_TOKEN", &cfg.Workspace.Token); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "DELTASCAN_WORKSPACE_HTTP_TIMEOUT", &cfg.Workspace.HTTPTimeout); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DELTASCAN_AZURE_STORAGE_ACCOUNT", &cfg.Azure.StorageAccount); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DELTASCAN_AZURE_SAS_TOKEN", &cfg.Azure.SASToken); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "DELTASCAN_ENGINE_MEMORY", &cfg.Engine.Memory); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DELTASCAN_ENGINE_DB_PATH", &cfg.Engine.Path); err != nil {
		return Config{}, err
	}
	if err := applyStringList(lookup, "DELTASCAN_ENGINE_EXTENSIONS", &cfg.Engine.Extensions); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "DELTASCAN_QUERY_DEFAULT_LIMIT", &cfg.Query.DefaultLimit); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DELTASCAN_OBJECTSTORE_ENDPOINT", &cfg.ObjectStore.Endpoint); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DELTASCAN_OBJECTSTORE_REGION", &cfg.ObjectStore.Region); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DELTASCAN_OBJECTSTORE_BUCKET", &cfg.ObjectStore.Bucket); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DELTASCAN_OBJECTSTORE_ACCESS_KEY", &cfg.ObjectStore.AccessKeyID); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DELTASCAN_OBJECTSTORE_SECRET_KEY", &cfg.ObjectStore.SecretAccessKey); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "DELTASCAN_OBJECTSTORE_USE_SSL", &cfg.ObjectStore.UseSSL); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DELTASCAN_OBJECTSTORE_PREFIX", &cfg.ObjectStore.Prefix); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DELTASCAN_PG_INSTANCE_NAME", &cfg.Postgres.InstanceName); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DELTASCAN_PG_USERNAME", &cfg.Postgres.Username); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DELTASCAN_PG_DATABASE", &cfg.Postgres.Database); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DELTASCAN_PG_SCHEMA", &cfg.Postgres.Schema); err != nil {
		return Config{}, err
	}
	if err := applyStringMap(lookup, "DELTASCAN_PG_INSTANCE_HOSTNAMES", &cfg.Postgres.InstanceHostnames); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "DELTASCAN_LOG_JSON", &cfg.Observability.LogJSON); err != nil {
		return Config{}, err
	}
	if err := applyLogLevel(lookup, "DELTASCAN_LOG_LEVEL", &cfg.Observability.LogLevel); err != nil {
		return Config{}, err
	}

	if cfg.Service.Name == "" {
		return Config{}, fmt.Errorf("service name is required")
	}
	if cfg.Query.DefaultLimit <= 0 {
		return Config{}, fmt.Errorf("query default limit must be > 0")
	}
	for _, ext := range cfg.Engine.Extensions {
		switch ext {
		case "delta", "httpfs", "azure":
		default:
			return Config{}, fmt.Errorf("unknown engine extension %q", ext)
		}
	}
	return cfg, nil
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "deltascan"},
		Workspace: WorkspaceConfig{
			HTTPTimeout: 30 * time.Second,
		},
		Engine: EngineConfig{
			Memory:     true,
			Extensions: []string{"delta", "httpfs", "azure"},
		},
		Query: QueryConfig{
			DefaultLimit: 10,
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint: "localhost:9000",
			Region:   "us-east-1",
			UseSSL:   false,
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  true,
		},
	}

	switch profile {
	case ProfileTest:
		cfg.Observability.LogLevel = slog.LevelWarn
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.ObjectStore.UseSSL = true
	}

	return cfg
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyStringList(lookup LookupFunc, key string, dst *[]string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	values := []string{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			values = append(values, part)
		}
	}
	*dst = values
	return nil
}

func applyStringMap(lookup LookupFunc, key string, dst *map[string]string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	values := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = values
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	level := strings.ToLower(strings.TrimSpace(raw))
	switch level {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
	return nil
}
