// Package testutil provides shared test utilities and fakes for dochub tests.
package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dochub/dochub/internal/storage"
)

// TempFile creates a file with the given content and returns its path.
func TempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

// DirEntries returns the names in dir, failing the test if it cannot be read.
func DirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read dir: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

type memBlob struct {
	data        []byte
	contentType string
}

// MemGateway is an in-memory storage.Gateway with fault injection and call
// accounting.
type MemGateway struct {
	mu         sync.Mutex
	containers map[string]map[string]memBlob

	// Hooks run before the matching call is answered. A non-nil error is
	// returned to the caller as-is.
	BeforeExists func(ctx context.Context, ref storage.ObjectRef) error
	BeforeOpen   func(ctx context.Context, ref storage.ObjectRef) error
	SignErr      error

	// Optional latency added to existence checks and opens, honoring ctx.
	Delay time.Duration

	ContainerChecks atomic.Int64
	ExistsCalls     atomic.Int64
	OpenCalls       atomic.Int64
	SignCalls       atomic.Int64

	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

var _ storage.Gateway = (*MemGateway)(nil)

// NewMemGateway returns an empty gateway.
func NewMemGateway() *MemGateway {
	return &MemGateway{containers: make(map[string]map[string]memBlob)}
}

// Put stores data under container/id, creating the container if needed.
func (g *MemGateway) Put(container, id, data string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.containers[container] == nil {
		g.containers[container] = make(map[string]memBlob)
	}
	g.containers[container][id] = memBlob{data: []byte(data)}
}

// Remove deletes container/id without counting as a gateway call.
func (g *MemGateway) Remove(container, id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.containers[container], id)
}

// MaxInFlight returns the highest number of concurrent exists/open calls seen.
func (g *MemGateway) MaxInFlight() int64 {
	return g.maxInFlight.Load()
}

func (g *MemGateway) enter(ctx context.Context) (func(), error) {
	n := g.inFlight.Add(1)
	for {
		peak := g.maxInFlight.Load()
		if n <= peak || g.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}
	done := func() { g.inFlight.Add(-1) }
	if g.Delay > 0 {
		select {
		case <-time.After(g.Delay):
		case <-ctx.Done():
			done()
			return nil, ctx.Err()
		}
	}
	return done, nil
}

func (g *MemGateway) lookup(ref storage.ObjectRef) (memBlob, bool, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	blobs, ok := g.containers[ref.Partition]
	if !ok {
		return memBlob{}, false, false
	}
	b, ok := blobs[ref.ID]
	return b, true, ok
}

// ContainerExists reports whether the container exists.
func (g *MemGateway) ContainerExists(ctx context.Context, name string) (bool, error) {
	g.ContainerChecks.Add(1)
	if err := ctx.Err(); err != nil {
		return false, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.containers[name]
	return ok, nil
}

// EnsureContainer creates the container.
func (g *MemGateway) EnsureContainer(_ context.Context, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.containers[name] == nil {
		g.containers[name] = make(map[string]memBlob)
	}
	return nil
}

// BlobExists reports whether the blob exists.
func (g *MemGateway) BlobExists(ctx context.Context, ref storage.ObjectRef) (bool, error) {
	g.ExistsCalls.Add(1)
	done, err := g.enter(ctx)
	if err != nil {
		return false, err
	}
	defer done()
	if g.BeforeExists != nil {
		if err := g.BeforeExists(ctx, ref); err != nil {
			return false, err
		}
	}
	_, _, ok := g.lookup(ref)
	return ok, nil
}

// OpenBlob returns the blob content.
func (g *MemGateway) OpenBlob(ctx context.Context, ref storage.ObjectRef) (io.ReadCloser, error) {
	g.OpenCalls.Add(1)
	done, err := g.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer done()
	if g.BeforeOpen != nil {
		if err := g.BeforeOpen(ctx, ref); err != nil {
			return nil, err
		}
	}
	b, containerOK, ok := g.lookup(ref)
	switch {
	case !containerOK:
		return nil, fmt.Errorf("open %s: %w", ref.UID(), storage.ErrContainerNotFound)
	case !ok:
		return nil, fmt.Errorf("open %s: %w", ref.UID(), storage.ErrBlobNotFound)
	}
	return io.NopCloser(bytes.NewReader(b.data)), nil
}

// WriteBlob stores the body.
func (g *MemGateway) WriteBlob(_ context.Context, ref storage.ObjectRef, contentType string, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	blobs, ok := g.containers[ref.Partition]
	if !ok {
		return fmt.Errorf("write %s: %w", ref.UID(), storage.ErrContainerNotFound)
	}
	blobs[ref.ID] = memBlob{data: data, contentType: contentType}
	return nil
}

// DeleteBlob removes the blob.
func (g *MemGateway) DeleteBlob(_ context.Context, ref storage.ObjectRef) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	blobs := g.containers[ref.Partition]
	if _, ok := blobs[ref.ID]; !ok {
		return false, nil
	}
	delete(blobs, ref.ID)
	return true, nil
}

// ListContainers yields container names in order.
func (g *MemGateway) ListContainers(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		g.mu.Lock()
		names := make([]string, 0, len(g.containers))
		for name := range g.containers {
			names = append(names, name)
		}
		g.mu.Unlock()
		sort.Strings(names)
		for _, name := range names {
			if !yield(name, ctx.Err()) {
				return
			}
		}
	}
}

// ListBlobs yields blob ids in order.
func (g *MemGateway) ListBlobs(ctx context.Context, name string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		g.mu.Lock()
		blobs, ok := g.containers[name]
		ids := make([]string, 0, len(blobs))
		for id := range blobs {
			ids = append(ids, id)
		}
		g.mu.Unlock()
		if !ok {
			yield("", fmt.Errorf("list %s: %w", name, storage.ErrContainerNotFound))
			return
		}
		sort.Strings(ids)
		for _, id := range ids {
			if !yield(id, ctx.Err()) {
				return
			}
		}
	}
}

// SignReadURL returns a deterministic fake signed URL carrying the window.
func (g *MemGateway) SignReadURL(_ context.Context, ref storage.ObjectRef, start, expiry time.Time) (string, error) {
	g.SignCalls.Add(1)
	if g.SignErr != nil {
		return "", g.SignErr
	}
	q := url.Values{}
	q.Set("st", start.UTC().Format(time.RFC3339))
	q.Set("se", expiry.UTC().Format(time.RFC3339))
	q.Set("sp", "r")
	return "https://store.test/" + ref.Partition + "/" + ref.ID + "?" + q.Encode(), nil
}
