// Package bundle builds zip archives of many blobs from one container.
//
// A build checks every requested id concurrently, downloads the ones that
// exist into a private temporary workspace, adds a readme and a report of
// the ids it could not include, and returns the zipped workspace in memory.
// The workspace and the intermediate archive file are removed on every exit
// path.
package bundle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dochub/dochub/internal/metrics"
	"github.com/dochub/dochub/internal/storage"
	"github.com/rs/zerolog"
)

// Report entry names written next to the downloaded files.
const (
	ReadmeName  = "Readme.txt"
	MissingName = "MissingFiles.txt"
)

// Concurrency limits for existence checks and downloads.
const (
	DefaultConcurrency = 16
	MaxConcurrency     = 32
)

// Reasons recorded for ids that are not in the archive.
const (
	ReasonAbsent   = "File does not exist at generation time."
	ReasonRemoved  = "File was removed before it could be downloaded."
	ReasonEmpty    = "empty file name"
	ReasonInvalid  = "invalid file name"
	ReasonReserved = "reserved file name"
	ReasonConflict = "file name conflicts with another requested file"
)

// Bundle errors.
var (
	ErrNotFound        = fmt.Errorf("bundle: %w", storage.ErrContainerNotFound)
	ErrArchiveTooLarge = errors.New("archive exceeds the configured size limit")
)

// MissingEntry is one requested occurrence that did not make it into the
// archive.
type MissingEntry struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// Outcome is the result of a successful build.
type Outcome struct {
	Archive   []byte
	Filename  string
	Included  []string // one entry per requested occurrence in the archive
	Missing   []MissingEntry
	CreatedAt time.Time
}

// Config holds builder settings.
type Config struct {
	Concurrency    int    // Parallel checks and downloads (default: 16, max: 32)
	TempDir        string // Workspace root; os.TempDir() when empty
	MaxArchiveSize int64  // 0 means unlimited
	FilenamePrefix string // default: dochub
}

// Recorder observes finished builds.
type Recorder interface {
	RecordArchive(result string, size int64, missing int)
}

// Builder builds archives from a storage gateway. It holds no per-build
// state and is safe for concurrent use.
type Builder struct {
	gateway  storage.Gateway
	cfg      Config
	now      func() time.Time
	recorder Recorder
	logger   zerolog.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithClock overrides the time source used for the readme and file name.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// WithRecorder reports build results to r.
func WithRecorder(r Recorder) Option {
	return func(b *Builder) { b.recorder = r }
}

// NewBuilder creates a builder over gw.
func NewBuilder(gw storage.Gateway, cfg Config, logger zerolog.Logger, opts ...Option) *Builder {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Concurrency > MaxConcurrency {
		cfg.Concurrency = MaxConcurrency
	}
	if cfg.FilenamePrefix == "" {
		cfg.FilenamePrefix = "dochub"
	}
	b := &Builder{
		gateway: gw,
		cfg:     cfg,
		now:     time.Now,
		logger:  logger.With().Str("component", "bundle").Logger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ParseIDs splits a ;-joined id list. Tokens are kept verbatim, so an empty
// string yields a single empty id and duplicates are preserved.
func ParseIDs(raw string) []string {
	return strings.Split(raw, ";")
}

// ArchiveFilename returns "<prefix>-<YYYYMMDDHHMMSSfff>.zip".
func ArchiveFilename(prefix string, t time.Time) string {
	return fmt.Sprintf("%s-%s%03d.zip", prefix, t.Format("20060102150405"), t.Nanosecond()/int(time.Millisecond))
}

// BuildArchive builds an archive of the ;-joined ids in raw from partition.
// Ids that are absent or unusable are listed in the outcome and in
// MissingFiles.txt instead of failing the build. A missing partition returns
// ErrNotFound; any other store fault aborts the build and is returned. No
// partial archive is ever returned.
func (b *Builder) BuildArchive(ctx context.Context, partition, raw string) (*Outcome, error) {
	out, err := b.build(ctx, partition, raw)
	b.record(out, err)
	return out, err
}

func (b *Builder) build(ctx context.Context, partition, raw string) (*Outcome, error) {
	exists, err := b.gateway.ContainerExists(ctx, partition)
	if err != nil {
		return nil, fmt.Errorf("check container %q: %w", partition, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, partition)
	}

	ids := ParseIDs(raw)
	started := b.now()
	log := b.logger.With().Str("container", partition).Int("requested", len(ids)).Logger()

	workspace, err := os.MkdirTemp(b.cfg.TempDir, "bundle-*")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	defer b.remove(log, "workspace", workspace)

	tally, err := b.gather(ctx, log, partition, ids, workspace)
	if err != nil {
		return nil, err
	}

	if err := writeReports(workspace, started, tally); err != nil {
		return nil, err
	}

	archive, err := os.CreateTemp(b.cfg.TempDir, "bundle-*.zip")
	if err != nil {
		return nil, fmt.Errorf("create archive file: %w", err)
	}
	defer b.remove(log, "archive", archive.Name())

	err = zipDir(ctx, workspace, archive, b.cfg.MaxArchiveSize, started)
	if cerr := archive.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close archive: %w", cerr)
	}
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(archive.Name())
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}

	log.Info().
		Int("included", len(tally.included)).
		Int("missing", len(tally.missing)).
		Int("bytes", len(data)).
		Dur("elapsed", b.now().Sub(started)).
		Msg("archive built")

	return &Outcome{
		Archive:   data,
		Filename:  ArchiveFilename(b.cfg.FilenamePrefix, started),
		Included:  tally.included,
		Missing:   tally.missing,
		CreatedAt: started,
	}, nil
}

// remove deletes a transient path. Failures are logged, never returned.
func (b *Builder) remove(log zerolog.Logger, what, path string) {
	if err := os.RemoveAll(path); err != nil {
		log.Warn().Err(err).Str(what, path).Msg("cleanup failed")
	}
}

func (b *Builder) record(out *Outcome, err error) {
	if b.recorder == nil {
		return
	}
	switch {
	case err == nil:
		b.recorder.RecordArchive(metrics.ResultOK, int64(len(out.Archive)), len(out.Missing))
	case errors.Is(err, ErrNotFound):
		b.recorder.RecordArchive(metrics.ResultNotFound, 0, 0)
	case errors.Is(err, ErrArchiveTooLarge):
		b.recorder.RecordArchive(metrics.ResultTooLarge, 0, 0)
	default:
		b.recorder.RecordArchive(metrics.ResultError, 0, 0)
	}
}
