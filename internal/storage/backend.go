package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
)

// ErrNotFound is returned by Read and ReadTo when no object exists at a path.
var ErrNotFound = errors.New("object not found")

// Backend stores exported map artifacts (local disk, S3/MinIO, Azure Blob).
type Backend interface {
	// Write stores data at path, replacing any existing object.
	Write(ctx context.Context, path string, data []byte) error

	// WriteReader streams size bytes from reader to path. size <= 0 means unknown.
	WriteReader(ctx context.Context, path string, reader io.Reader, size int64) error

	Read(ctx context.Context, path string) ([]byte, error)

	ReadTo(ctx context.Context, path string, writer io.Writer) error

	// List returns the paths of all objects under prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes the object at path. Deleting a missing object is not an error.
	Delete(ctx context.Context, path string) error

	Exists(ctx context.Context, path string) (bool, error)

	Close() error

	// Type returns the storage type identifier ("local", "s3", "azure").
	Type() string
}

var contentTypes = map[string]string{
	".geojson": "application/geo+json",
	".json":    "application/json",
	".fgb":     "application/flatgeobuf",
	".arrow":   "application/vnd.apache.arrow.stream",
	".msgpack": "application/msgpack",
	".gz":      "application/gzip",
}

// ContentType guesses the MIME type of an object from its extension.
func ContentType(p string) string {
	if ct, ok := contentTypes[strings.ToLower(path.Ext(p))]; ok {
		return ct
	}
	return "application/octet-stream"
}
