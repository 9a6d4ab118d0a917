// Package storage defines the object store gateway that every dochub backend
// implements, along with the value types that flow through it.
//
// A container is a logical and security partition; objects (blobs) live in
// exactly one container and are identified by (container, id). Callers depend
// only on this package, never on a specific backend package.
package storage

import (
	"context"
	"fmt"
	"io"
	"iter"
	"path/filepath"
	"strings"
	"time"
)

// ObjectRef identifies a single blob.
type ObjectRef struct {
	Partition string `json:"container"`
	ID        string `json:"id"`
}

// UID returns the composite identity of the blob.
func (r ObjectRef) UID() string {
	return r.Partition + "/" + r.ID
}

func (r ObjectRef) String() string {
	return r.UID()
}

// ObjectInfo describes a stored blob.
type ObjectInfo struct {
	Ref          ObjectRef
	Size         int64
	ContentType  string
	ETag         string
	LastModified time.Time
}

// Gateway is the contract between dochub and an object storage service.
//
// Every method may fail with a backend fault. Faults are wrapped; the only
// conditions callers may inspect are ErrContainerNotFound and ErrBlobNotFound.
type Gateway interface {
	// ContainerExists reports whether the partition exists.
	ContainerExists(ctx context.Context, partition string) (bool, error)

	// EnsureContainer creates the partition if it does not exist yet.
	EnsureContainer(ctx context.Context, partition string) error

	// BlobExists reports whether the blob exists. A missing container is
	// reported as false, not as an error.
	BlobExists(ctx context.Context, ref ObjectRef) (bool, error)

	// OpenBlob opens the blob for reading. The caller must close the reader.
	OpenBlob(ctx context.Context, ref ObjectRef) (io.ReadCloser, error)

	// WriteBlob creates or replaces the blob.
	WriteBlob(ctx context.Context, ref ObjectRef, contentType string, body io.Reader) error

	// DeleteBlob removes the blob and reports whether anything was deleted.
	DeleteBlob(ctx context.Context, ref ObjectRef) (bool, error)

	// ListContainers yields every container name. Pagination happens
	// internally; each call starts a fresh listing.
	ListContainers(ctx context.Context) iter.Seq2[string, error]

	// ListBlobs yields every blob name in the partition.
	ListBlobs(ctx context.Context, partition string) iter.Seq2[string, error]

	// SignReadURL returns a URL granting read access to the blob between
	// start and expiry without further authentication.
	SignReadURL(ctx context.Context, ref ObjectRef, start, expiry time.Time) (string, error)
}

// NormalizePartition lowercases and trims a container name the way the HTTP
// layer does before anything reaches a gateway.
func NormalizePartition(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ValidateID rejects ids that cannot be used safely as a relative file path:
// empty names, "." and "..", traversal components, absolute paths and NUL bytes.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidName)
	}
	if strings.ContainsRune(id, 0) {
		return fmt.Errorf("%w: null bytes not allowed", ErrInvalidName)
	}
	if id == "." || id == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, id)
	}
	for _, sep := range []string{"/", "\\"} {
		for _, part := range strings.Split(id, sep) {
			if part == ".." {
				return fmt.Errorf("%w: path traversal not allowed", ErrInvalidName)
			}
		}
	}
	if filepath.IsAbs(id) || strings.HasPrefix(id, "/") || strings.HasPrefix(id, "\\") {
		return fmt.Errorf("%w: absolute paths not allowed", ErrInvalidName)
	}
	return nil
}

// Collect drains a listing into a slice, stopping at the first error.
func Collect(seq iter.Seq2[string, error]) ([]string, error) {
	var out []string
	for name, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, name)
	}
	return out, nil
}
