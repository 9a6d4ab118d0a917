package bundle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dochub/dochub/internal/storage"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// checkResult is the classification of one requested occurrence.
type checkResult struct {
	id     string
	exists bool
	reason string // set when the id was rejected without a store call
}

// downloadResult reports a finished download. reason is set when the blob
// could not be stored and its occurrences must be reported missing.
type downloadResult struct {
	id     string
	reason string
}

type downloadState int

const (
	downloadPending downloadState = iota + 1
	downloadDone
	downloadFailed
)

// tally is owned by the collector goroutine until gather returns.
type tally struct {
	included  []string
	missing   []MissingEntry
	downloads map[string]downloadState
	failed    map[string]string // id -> reason for failed downloads
}

func (t *tally) miss(id, reason string) {
	t.missing = append(t.missing, MissingEntry{ID: id, Reason: reason})
}

// demote moves every included occurrence of id to the missing list.
func (t *tally) demote(id, reason string) {
	t.downloads[id] = downloadFailed
	t.failed[id] = reason
	kept := t.included[:0]
	for _, inc := range t.included {
		if inc == id {
			t.miss(id, reason)
			continue
		}
		kept = append(kept, inc)
	}
	t.included = kept
}

// classify rejects ids that cannot be stored as a workspace file without a
// store round trip.
func classify(id string) string {
	if id == "" {
		return ReasonEmpty
	}
	if err := storage.ValidateID(id); err != nil {
		return ReasonInvalid
	}
	if path.Clean(id) != id || strings.ContainsRune(id, '\\') {
		return ReasonInvalid
	}
	first, _, _ := strings.Cut(id, "/")
	if strings.EqualFold(first, ReadmeName) || strings.EqualFold(first, MissingName) {
		return ReasonReserved
	}
	return ""
}

// gather checks every occurrence and downloads each existing id once into
// workspace. Checks and downloads share one semaphore of cfg.Concurrency
// slots. Results are consumed in completion order by a single collector.
func (b *Builder) gather(ctx context.Context, log zerolog.Logger, partition string, ids []string, workspace string) (*tally, error) {
	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, b.cfg.Concurrency)

	// Both channels are sized so senders never block.
	checks := make(chan checkResult, len(ids))
	downloads := make(chan downloadResult, len(ids))

	t := &tally{
		downloads: make(map[string]downloadState),
		failed:    make(map[string]string),
	}

	acquire := func() error {
		select {
		case sem <- struct{}{}:
			return nil
		case <-gctx.Done():
			return gctx.Err()
		}
	}

	download := func(id string) {
		g.Go(func() error {
			if err := acquire(); err != nil {
				return err
			}
			defer func() { <-sem }()

			reason, err := b.download(gctx, storage.ObjectRef{Partition: partition, ID: id}, workspace)
			if err != nil {
				if gctx.Err() == nil {
					log.Error().Err(err).Str("phase", "download").Str("id", id).Msg("archive build aborted")
				}
				return err
			}
			downloads <- downloadResult{id: id, reason: reason}
			return nil
		})
	}

	// Collector: the only writer of t while the group runs.
	g.Go(func() error {
		received, pending := 0, 0
		for received < len(ids) || pending > 0 {
			select {
			case r := <-checks:
				received++
				switch {
				case r.reason != "":
					t.miss(r.id, r.reason)
				case !r.exists:
					t.miss(r.id, ReasonAbsent)
				default:
					switch t.downloads[r.id] {
					case 0:
						t.downloads[r.id] = downloadPending
						pending++
						download(r.id)
						t.included = append(t.included, r.id)
					case downloadFailed:
						t.miss(r.id, t.failed[r.id])
					default:
						t.included = append(t.included, r.id)
					}
				}
			case d := <-downloads:
				pending--
				if d.reason != "" {
					t.demote(d.id, d.reason)
				} else {
					t.downloads[d.id] = downloadDone
				}
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	// Feeder: one check per occurrence, duplicates included.
	for _, id := range ids {
		if reason := classify(id); reason != "" {
			checks <- checkResult{id: id, reason: reason}
			continue
		}
		if err := acquire(); err != nil {
			break
		}
		g.Go(func() error {
			exists, err := b.gateway.BlobExists(gctx, storage.ObjectRef{Partition: partition, ID: id})
			<-sem
			if err != nil {
				if gctx.Err() == nil {
					log.Error().Err(err).Str("phase", "check").Str("id", id).Msg("archive build aborted")
				}
				return fmt.Errorf("check %q: %w", id, err)
			}
			checks <- checkResult{id: id, exists: exists}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return t, nil
}

// download copies one blob into the workspace. A blob that vanished since
// its check, or whose name collides with another entry, yields a reason
// instead of an error.
func (b *Builder) download(ctx context.Context, ref storage.ObjectRef, workspace string) (string, error) {
	r, err := b.gateway.OpenBlob(ctx, ref)
	if err != nil {
		if storage.IsNotFound(err) {
			return ReasonRemoved, nil
		}
		return "", fmt.Errorf("open %q: %w", ref.ID, err)
	}
	defer func() { _ = r.Close() }()

	dest := filepath.Join(workspace, filepath.FromSlash(ref.ID))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		if isNameConflict(err) {
			return ReasonConflict, nil
		}
		return "", fmt.Errorf("create directory for %q: %w", ref.ID, err)
	}
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if isNameConflict(err) {
			return ReasonConflict, nil
		}
		return "", fmt.Errorf("create %q: %w", ref.ID, err)
	}

	_, err = io.Copy(f, &contextReader{ctx: ctx, r: r})
	if cerr := f.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dest)
		if storage.IsNotFound(err) {
			return ReasonRemoved, nil
		}
		return "", fmt.Errorf("download %q: %w", ref.ID, err)
	}
	return "", nil
}

// isNameConflict reports whether a workspace path error comes from two ids
// mapping onto the same file or a file standing where a directory must be.
func isNameConflict(err error) bool {
	return errors.Is(err, fs.ErrExist) || errors.Is(err, syscall.ENOTDIR) || errors.Is(err, syscall.EISDIR)
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
