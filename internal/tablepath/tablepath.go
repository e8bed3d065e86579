// Package tablepath classifies table path strings into cataloged table names
// and direct storage paths.
package tablepath

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var ErrInvalidIdentifier = errors.New("tablepath: invalid table identifier")

var storageAccountPattern = regexp.MustCompile(`@([^.]+)\.dfs\.`)

type Kind int

const (
	// KindUnknown paths are handed to the engine untouched; the engine's own
	// path resolution reports the failure, if any.
	KindUnknown Kind = iota
	KindCatalogTable
	KindStoragePath
)

// Ref is the parsed form of a table path. Catalog, Schema and Table are set
// only for KindCatalogTable.
type Ref struct {
	Kind    Kind
	Raw     string
	Catalog string
	Schema  string
	Table   string
}

// Classify inspects a table path string. A three-part dotted name with no
// storage scheme prefix is a cataloged table; an abfss:// URI or anything
// naming an ADLS endpoint is a direct storage path. Everything else is
// KindUnknown.
func Classify(path string) Ref {
	ref := Ref{Kind: KindUnknown, Raw: path}

	if strings.HasPrefix(path, "abfss://") || strings.Contains(path, "dfs.core.windows.net") {
		ref.Kind = KindStoragePath
		return ref
	}

	if hasSchemePrefix(path) {
		return ref
	}
	catalog, schema, table, err := Split(path)
	if err != nil {
		return ref
	}
	ref.Kind = KindCatalogTable
	ref.Catalog = catalog
	ref.Schema = schema
	ref.Table = table
	return ref
}

// Split breaks a catalog.schema.table identifier into its three parts.
func Split(identifier string) (catalog, schema, table string, err error) {
	parts := strings.Split(identifier, ".")
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("%w: %q must have exactly 3 parts", ErrInvalidIdentifier, identifier)
	}
	for _, part := range parts {
		if part == "" {
			return "", "", "", fmt.Errorf("%w: %q has an empty segment", ErrInvalidIdentifier, identifier)
		}
	}
	return parts[0], parts[1], parts[2], nil
}

// StorageAccount extracts the storage account name from an ADLS URL, the
// segment between "@" and the first "." of the dfs endpoint.
func StorageAccount(path string) (string, bool) {
	match := storageAccountPattern.FindStringSubmatch(path)
	if match == nil {
		return "", false
	}
	return match[1], true
}

func hasSchemePrefix(path string) bool {
	return strings.HasPrefix(path, "abfss://") ||
		strings.HasPrefix(path, "s3://") ||
		strings.HasPrefix(path, "/")
}
