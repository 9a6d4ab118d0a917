package local

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dochub/dochub/internal/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	t.Setenv("DOCHUB_TEST", "1")
	store, err := NewStore(Config{
		DataDir:       t.TempDir(),
		PublicURL:     "http://files.example.com/",
		SigningSecret: "test-secret",
		PageSize:      2,
	}, zerolog.Nop())
	require.NoError(t, err)
	return store
}

func putBlob(t *testing.T, s *Store, container, id, content string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.EnsureContainer(ctx, container))
	require.NoError(t, s.WriteBlob(ctx, storage.ObjectRef{Partition: container, ID: id}, "application/pdf", strings.NewReader(content)))
}

func TestNewStoreRequiresDataDir(t *testing.T) {
	_, err := NewStore(Config{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestEnsureContainer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exists, err := s.ContainerExists(ctx, "docs")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, s.EnsureContainer(ctx, "docs"))
	require.NoError(t, s.EnsureContainer(ctx, "docs"), "ensure must be idempotent")

	exists, err = s.ContainerExists(ctx, "docs")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestEnsureContainerRejectsTraversal(t *testing.T) {
	s := newTestStore(t)
	err := s.EnsureContainer(context.Background(), "../escape")
	assert.ErrorIs(t, err, storage.ErrInvalidName)

	err = s.EnsureContainer(context.Background(), "a/b")
	assert.ErrorIs(t, err, storage.ErrInvalidName)
}

func TestWriteAndOpenBlob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	putBlob(t, s, "docs", "a.pdf", "hello world")

	ref := storage.ObjectRef{Partition: "docs", ID: "a.pdf"}
	exists, err := s.BlobExists(ctx, ref)
	require.NoError(t, err)
	assert.True(t, exists)

	r, err := s.OpenBlob(ctx, ref)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	info, err := s.HeadBlob(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, int64(11), info.Size)
	assert.Equal(t, "application/pdf", info.ContentType)
	assert.Equal(t, `"5eb63bbbe01eeed093cb22bb8f5acdc3"`, info.ETag)
}

func TestWriteBlobReplaces(t *testing.T) {
	s := newTestStore(t)
	putBlob(t, s, "docs", "a.pdf", "first")
	putBlob(t, s, "docs", "a.pdf", "second")

	r, err := s.OpenBlob(context.Background(), storage.ObjectRef{Partition: "docs", ID: "a.pdf"})
	require.NoError(t, err)
	defer func() { _ = r.Close() }()
	data, _ := io.ReadAll(r)
	assert.Equal(t, "second", string(data))
}

func TestWriteBlobMissingContainer(t *testing.T) {
	s := newTestStore(t)
	err := s.WriteBlob(context.Background(), storage.ObjectRef{Partition: "nope", ID: "a"}, "", bytes.NewReader(nil))
	assert.ErrorIs(t, err, storage.ErrContainerNotFound)
}

func TestWriteBlobCanceled(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.EnsureContainer(context.Background(), "docs"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.WriteBlob(ctx, storage.ObjectRef{Partition: "docs", ID: "a"}, "", strings.NewReader("data"))
	assert.ErrorIs(t, err, context.Canceled)

	exists, err := s.BlobExists(context.Background(), storage.ObjectRef{Partition: "docs", ID: "a"})
	require.NoError(t, err)
	assert.False(t, exists)

	// No staged upload may be left behind.
	entries, err := os.ReadDir(filepath.Join(s.DataDir(), "containers", "docs", blobsDir))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOpenBlobNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.OpenBlob(ctx, storage.ObjectRef{Partition: "docs", ID: "a.pdf"})
	assert.ErrorIs(t, err, storage.ErrContainerNotFound)

	require.NoError(t, s.EnsureContainer(ctx, "docs"))
	_, err = s.OpenBlob(ctx, storage.ObjectRef{Partition: "docs", ID: "a.pdf"})
	assert.ErrorIs(t, err, storage.ErrBlobNotFound)
}

func TestBlobExistsInvalidNames(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"", "..", "../x", "/abs"} {
		exists, err := s.BlobExists(context.Background(), storage.ObjectRef{Partition: "docs", ID: id})
		require.NoError(t, err, id)
		assert.False(t, exists, id)
	}
}

func TestDeleteBlob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	putBlob(t, s, "docs", "a.pdf", "x")
	ref := storage.ObjectRef{Partition: "docs", ID: "a.pdf"}

	deleted, err := s.DeleteBlob(ctx, ref)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.DeleteBlob(ctx, ref)
	require.NoError(t, err)
	assert.False(t, deleted)

	exists, err := s.BlobExists(ctx, ref)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestListContainersPaginates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, name := range []string{"charlie", "alpha", "bravo", "delta", "echo"} {
		require.NoError(t, s.EnsureContainer(ctx, name))
	}

	names, err := storage.Collect(s.ListContainers(ctx))
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "bravo", "charlie", "delta", "echo"}, names)

	// Restartable: a second listing yields the same result.
	again, err := storage.Collect(s.ListContainers(ctx))
	require.NoError(t, err)
	assert.Equal(t, names, again)
}

func TestListContainersEarlyStop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.EnsureContainer(ctx, fmt.Sprintf("c%d", i)))
	}

	var seen []string
	for name, err := range s.ListContainers(ctx) {
		require.NoError(t, err)
		seen = append(seen, name)
		if len(seen) == 3 {
			break
		}
	}
	assert.Equal(t, []string{"c0", "c1", "c2"}, seen)
}

func TestListBlobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"b.pdf", "a.pdf", "nested/c.pdf", "d.txt", "e.txt"} {
		putBlob(t, s, "docs", id, id)
	}

	ids, err := storage.Collect(s.ListBlobs(ctx, "docs"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a.pdf", "b.pdf", "d.txt", "e.txt", "nested/c.pdf"}, ids)

	_, err = storage.Collect(s.ListBlobs(ctx, "missing"))
	assert.ErrorIs(t, err, storage.ErrContainerNotFound)
}

func TestPageAfter(t *testing.T) {
	names := []string{"c", "a", "b", "d"}

	page, next, err := pageAfter(names, "", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, page)
	assert.Equal(t, "c", next)

	page, next, err = pageAfter(names, next, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"d"}, page)
	assert.Empty(t, next)
}

func TestSignAndVerifyReadURL(t *testing.T) {
	s := newTestStore(t)
	putBlob(t, s, "team", "x.pdf", "content")
	ref := storage.ObjectRef{Partition: "team", ID: "x.pdf"}

	now := time.Now()
	link, err := s.SignReadURL(context.Background(), ref, now.Add(-5*time.Minute), now.Add(10*time.Minute))
	require.NoError(t, err)

	u, err := url.Parse(link)
	require.NoError(t, err)
	assert.Equal(t, "files.example.com", u.Host)
	assert.Equal(t, "/blob/team/x.pdf", u.Path)

	token := u.Query().Get("sig")
	require.NotEmpty(t, token)
	assert.NoError(t, s.VerifyReadToken(token, ref))

	// Scoped to one blob.
	err = s.VerifyReadToken(token, storage.ObjectRef{Partition: "team", ID: "y.pdf"})
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyReadTokenWindow(t *testing.T) {
	s := newTestStore(t)
	ref := storage.ObjectRef{Partition: "team", ID: "x.pdf"}
	issued := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return issued }

	link, err := s.SignReadURL(context.Background(), ref, issued.Add(-5*time.Minute), issued.Add(10*time.Minute))
	require.NoError(t, err)
	u, err := url.Parse(link)
	require.NoError(t, err)
	token := u.Query().Get("sig")

	s.now = func() time.Time { return issued.Add(9 * time.Minute) }
	assert.NoError(t, s.VerifyReadToken(token, ref))

	s.now = func() time.Time { return issued.Add(11 * time.Minute) }
	assert.ErrorIs(t, s.VerifyReadToken(token, ref), ErrInvalidToken)

	s.now = func() time.Time { return issued.Add(-6 * time.Minute) }
	assert.ErrorIs(t, s.VerifyReadToken(token, ref), ErrInvalidToken)
}

func TestVerifyReadTokenRejectsOtherKey(t *testing.T) {
	a := newTestStore(t)
	b, err := NewStore(Config{DataDir: t.TempDir(), SigningSecret: "other"}, zerolog.Nop())
	require.NoError(t, err)

	ref := storage.ObjectRef{Partition: "team", ID: "x.pdf"}
	now := time.Now()
	link, err := b.SignReadURL(context.Background(), ref, now, now.Add(time.Minute))
	require.NoError(t, err)
	u, _ := url.Parse(link)

	assert.ErrorIs(t, a.VerifyReadToken(u.Query().Get("sig"), ref), ErrInvalidToken)
	assert.ErrorIs(t, a.VerifyReadToken("garbage", ref), ErrInvalidToken)
}

func TestBlobPathEscapesSegments(t *testing.T) {
	assert.Equal(t, "/blob/docs/reports/q%201.pdf", BlobPath(storage.ObjectRef{Partition: "docs", ID: "reports/q 1.pdf"}))
}

func TestDeriveSigningKey(t *testing.T) {
	k1, err := deriveSigningKey("secret")
	require.NoError(t, err)
	k2, err := deriveSigningKey("secret")
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 32)

	r1, err := deriveSigningKey("")
	require.NoError(t, err)
	r2, err := deriveSigningKey("")
	require.NoError(t, err)
	assert.NotEqual(t, r1, r2)
}
