// Package storage discovers Delta tables in object storage for the
// direct-path side of the scanner.
package storage

import (
	"context"
	"errors"
	"time"
)

var ErrObjectNotFound = errors.New("object not found")

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// TableLister enumerates Delta table roots under a prefix. A table root is
// any prefix that contains a _delta_log/ directory.
type TableLister interface {
	ListTables(ctx context.Context, prefix string) ([]string, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
}
