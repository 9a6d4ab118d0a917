// Package local implements the storage gateway on the local filesystem.
package local

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dochub/dochub/internal/storage"
	"github.com/rs/zerolog"
)

const (
	containerMetaFile = "_meta.json"
	blobsDir          = "blobs"
	metaDir           = "meta"
	defaultPageSize   = 1000
)

// ContainerMeta contains container metadata.
type ContainerMeta struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// BlobMeta contains blob metadata.
type BlobMeta struct {
	ID           string    `json:"id"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"content_type"`
	ETag         string    `json:"etag"` // MD5 of content
	LastModified time.Time `json:"last_modified"`
}

// Config configures a Store.
type Config struct {
	DataDir       string
	PublicURL     string // Base URL prepended to signed read links
	SigningSecret string // Secret the link signing key is derived from; random when empty
	PageSize      int    // Listing page size (default 1000)
}

// Store keeps containers and blobs in a directory tree:
//
//	{dataDir}/
//	  containers/
//	    {container}/
//	      _meta.json        # container metadata
//	      blobs/{id}        # blob content
//	      meta/{id}.json    # blob metadata
type Store struct {
	dataDir    string
	publicURL  string
	signingKey []byte
	pageSize   int
	now        func() time.Time
	logger     zerolog.Logger
	mu         sync.RWMutex
}

var _ storage.Gateway = (*Store)(nil)

// NewStore creates a store rooted at cfg.DataDir.
func NewStore(cfg Config, logger zerolog.Logger) (*Store, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data dir is required")
	}
	if err := os.MkdirAll(filepath.Join(cfg.DataDir, "containers"), 0755); err != nil {
		return nil, fmt.Errorf("create containers dir: %w", err)
	}

	logger = logger.With().Str("component", "local-store").Logger()

	key, err := deriveSigningKey(cfg.SigningSecret)
	if err != nil {
		return nil, fmt.Errorf("derive signing key: %w", err)
	}
	if cfg.SigningSecret == "" {
		logger.Warn().Msg("no signing secret configured, read links will not survive a restart")
	}

	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	return &Store{
		dataDir:    cfg.DataDir,
		publicURL:  strings.TrimSuffix(cfg.PublicURL, "/"),
		signingKey: key,
		pageSize:   pageSize,
		now:        time.Now,
		logger:     logger,
	}, nil
}

// DataDir returns the data directory path.
func (s *Store) DataDir() string {
	return s.dataDir
}

// syncedWriteFile writes data to a file and fsyncs it.
// fsync is skipped when DOCHUB_TEST is set, tests discard their temp dirs anyway.
func syncedWriteFile(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(data); err != nil {
		return err
	}
	return syncFile(f)
}

func syncFile(f *os.File) error {
	if os.Getenv("DOCHUB_TEST") != "" {
		return nil
	}
	return f.Sync()
}

// validateContainer rejects container names that would escape the data dir.
func validateContainer(name string) error {
	if err := storage.ValidateID(name); err != nil {
		return err
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("%w: container names cannot contain separators", storage.ErrInvalidName)
	}
	return nil
}

func (s *Store) containerPath(name string) string {
	return filepath.Join(s.dataDir, "containers", name)
}

func (s *Store) blobPath(ref storage.ObjectRef) string {
	return filepath.Join(s.containerPath(ref.Partition), blobsDir, filepath.FromSlash(ref.ID))
}

func (s *Store) blobMetaPath(ref storage.ObjectRef) string {
	return filepath.Join(s.containerPath(ref.Partition), metaDir, filepath.FromSlash(ref.ID)+".json")
}

func (s *Store) validateRef(ref storage.ObjectRef) error {
	if err := validateContainer(ref.Partition); err != nil {
		return fmt.Errorf("invalid container name: %w", err)
	}
	if err := storage.ValidateID(ref.ID); err != nil {
		return fmt.Errorf("invalid blob id: %w", err)
	}
	return nil
}

// containerExists checks the container metadata file (caller must hold lock).
func (s *Store) containerExists(name string) (bool, error) {
	_, err := os.Stat(filepath.Join(s.containerPath(name), containerMetaFile))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat container: %w", err)
}

// ContainerExists reports whether the container exists.
func (s *Store) ContainerExists(_ context.Context, name string) (bool, error) {
	if err := validateContainer(name); err != nil {
		return false, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.containerExists(name)
}

// EnsureContainer creates the container if needed.
func (s *Store) EnsureContainer(_ context.Context, name string) error {
	if err := validateContainer(name); err != nil {
		return fmt.Errorf("invalid container name: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.containerExists(name)
	if err != nil || exists {
		return err
	}

	dir := s.containerPath(name)
	for _, sub := range []string{blobsDir, metaDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return fmt.Errorf("create container dir: %w", err)
		}
	}

	data, err := json.MarshalIndent(ContainerMeta{Name: name, CreatedAt: s.now().UTC()}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal container meta: %w", err)
	}
	if err := syncedWriteFile(filepath.Join(dir, containerMetaFile), data, 0644); err != nil {
		return fmt.Errorf("write container meta: %w", err)
	}

	s.logger.Info().Str("container", name).Msg("container created")
	return nil
}

// BlobExists reports whether the blob exists.
func (s *Store) BlobExists(_ context.Context, ref storage.ObjectRef) (bool, error) {
	if err := s.validateRef(ref); err != nil {
		return false, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := os.Stat(s.blobMetaPath(ref))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat blob meta: %w", err)
}

// HeadBlob returns blob metadata.
func (s *Store) HeadBlob(_ context.Context, ref storage.ObjectRef) (*storage.ObjectInfo, error) {
	if err := s.validateRef(ref); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, err := s.getBlobMeta(ref)
	if err != nil {
		return nil, err
	}
	return &storage.ObjectInfo{
		Ref:          ref,
		Size:         meta.Size,
		ContentType:  meta.ContentType,
		ETag:         meta.ETag,
		LastModified: meta.LastModified,
	}, nil
}

// getBlobMeta reads blob metadata (caller must hold lock).
func (s *Store) getBlobMeta(ref storage.ObjectRef) (*BlobMeta, error) {
	exists, err := s.containerExists(ref.Partition)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, storage.ErrContainerNotFound
	}

	data, err := os.ReadFile(s.blobMetaPath(ref))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, storage.ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read blob meta: %w", err)
	}

	var meta BlobMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal blob meta: %w", err)
	}
	return &meta, nil
}

// OpenBlob opens a blob for reading.
func (s *Store) OpenBlob(_ context.Context, ref storage.ObjectRef) (io.ReadCloser, error) {
	if err := s.validateRef(ref); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.getBlobMeta(ref); err != nil {
		return nil, err
	}

	f, err := os.Open(s.blobPath(ref))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, storage.ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open blob: %w", err)
	}
	return f, nil
}

// WriteBlob stores a blob, replacing any previous content.
// Content is staged in a temp file and renamed into place.
func (s *Store) WriteBlob(ctx context.Context, ref storage.ObjectRef, contentType string, body io.Reader) error {
	if err := s.validateRef(ref); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.containerExists(ref.Partition)
	if err != nil {
		return err
	}
	if !exists {
		return storage.ErrContainerNotFound
	}

	blobPath := s.blobPath(ref)
	metaPath := s.blobMetaPath(ref)
	for _, dir := range []string{filepath.Dir(blobPath), filepath.Dir(metaPath)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create blob dir: %w", err)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(blobPath), ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	hasher := md5.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), contextReader{ctx: ctx, r: body})
	if err != nil {
		return fmt.Errorf("write blob: %w", err)
	}
	if err := syncFile(tmp); err != nil {
		return fmt.Errorf("sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmpName, blobPath); err != nil {
		return fmt.Errorf("rename blob: %w", err)
	}
	committed = true

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	meta := BlobMeta{
		ID:           ref.ID,
		Size:         written,
		ContentType:  contentType,
		ETag:         fmt.Sprintf("\"%s\"", hex.EncodeToString(hasher.Sum(nil))),
		LastModified: s.now().UTC(),
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal blob meta: %w", err)
	}
	if err := syncedWriteFile(metaPath, data, 0644); err != nil {
		return fmt.Errorf("write blob meta: %w", err)
	}

	s.logger.Debug().
		Str("container", ref.Partition).
		Str("id", ref.ID).
		Int64("size", written).
		Msg("blob written")
	return nil
}

// DeleteBlob removes a blob and its metadata.
func (s *Store) DeleteBlob(_ context.Context, ref storage.ObjectRef) (bool, error) {
	if err := s.validateRef(ref); err != nil {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.blobMetaPath(ref))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("remove blob meta: %w", err)
	}
	if err := os.Remove(s.blobPath(ref)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return true, fmt.Errorf("remove blob: %w", err)
	}
	return true, nil
}

// ListContainers yields container names in lexical order, one page at a time.
func (s *Store) ListContainers(_ context.Context) iter.Seq2[string, error] {
	return s.paginate(func(marker string) ([]string, string, error) {
		return s.listContainersPage(marker, s.pageSize)
	})
}

// ListBlobs yields blob ids of a container in lexical order.
func (s *Store) ListBlobs(_ context.Context, name string) iter.Seq2[string, error] {
	return s.paginate(func(marker string) ([]string, string, error) {
		return s.listBlobsPage(name, marker, s.pageSize)
	})
}

// paginate turns a page function into a lazy sequence. Each page returns the
// marker of the next one, or "" when the listing is complete.
func (s *Store) paginate(page func(marker string) ([]string, string, error)) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		marker := ""
		for {
			names, next, err := page(marker)
			if err != nil {
				yield("", err)
				return
			}
			for _, name := range names {
				if !yield(name, nil) {
					return
				}
			}
			if next == "" {
				return
			}
			marker = next
		}
	}
}

func (s *Store) listContainersPage(marker string, maxKeys int) ([]string, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(s.dataDir, "containers"))
	if err != nil {
		return nil, "", fmt.Errorf("read containers dir: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if ok, _ := s.containerExists(entry.Name()); ok {
			names = append(names, entry.Name())
		}
	}
	return pageAfter(names, marker, maxKeys)
}

func (s *Store) listBlobsPage(name, marker string, maxKeys int) ([]string, string, error) {
	if err := validateContainer(name); err != nil {
		return nil, "", storage.ErrContainerNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	exists, err := s.containerExists(name)
	if err != nil {
		return nil, "", err
	}
	if !exists {
		return nil, "", storage.ErrContainerNotFound
	}

	root := filepath.Join(s.containerPath(name), metaDir)
	var ids []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		ids = append(ids, strings.TrimSuffix(filepath.ToSlash(rel), ".json"))
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("walk blobs: %w", err)
	}
	return pageAfter(ids, marker, maxKeys)
}

// pageAfter sorts names and returns up to maxKeys entries strictly after marker.
func pageAfter(names []string, marker string, maxKeys int) ([]string, string, error) {
	sort.Strings(names)
	start := 0
	if marker != "" {
		start = sort.SearchStrings(names, marker)
		if start < len(names) && names[start] == marker {
			start++
		}
	}
	end := start + maxKeys
	if end >= len(names) {
		return names[start:], "", nil
	}
	return names[start:end], names[end-1], nil
}

// contextReader aborts a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
