package bundle

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
)

// writeReports adds the readme and, when anything is missing, the missing
// files report to the workspace.
func writeReports(workspace string, at time.Time, t *tally) error {
	readme := fmt.Sprintf("This is a zip file dynamically generated by dochub at %s\n\nIncluded: %d\nMissing: %d\n",
		at.Format(time.RFC1123), len(t.included), len(t.missing))
	if err := os.WriteFile(filepath.Join(workspace, ReadmeName), []byte(readme), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", ReadmeName, err)
	}

	if len(t.missing) == 0 {
		return nil
	}
	var sb strings.Builder
	for _, m := range t.missing {
		fmt.Fprintf(&sb, "%s : %s\n", m.ID, m.Reason)
	}
	if err := os.WriteFile(filepath.Join(workspace, MissingName), []byte(sb.String()), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", MissingName, err)
	}
	return nil
}

// limitWriter fails once more than max bytes have been written.
type limitWriter struct {
	w       io.Writer
	max     int64
	written int64
}

func (l *limitWriter) Write(p []byte) (int, error) {
	if l.max > 0 && l.written+int64(len(p)) > l.max {
		return 0, fmt.Errorf("%w (%d bytes)", ErrArchiveTooLarge, l.max)
	}
	n, err := l.w.Write(p)
	l.written += int64(n)
	return n, err
}

// zipDir writes every regular file under dir to w as a deflated zip. Entry
// names are slash-separated paths relative to dir, in sorted order.
func zipDir(ctx context.Context, dir string, w io.Writer, maxSize int64, modified time.Time) error {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			rel, err := filepath.Rel(dir, p)
			if err != nil {
				return err
			}
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk workspace: %w", err)
	}
	sort.Strings(files)

	zw := zip.NewWriter(&limitWriter{w: w, max: maxSize})
	for _, name := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := addFile(zw, filepath.Join(dir, filepath.FromSlash(name)), name, modified); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish archive: %w", err)
	}
	return nil
}

func addFile(zw *zip.Writer, src, name string, modified time.Time) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer func() { _ = f.Close() }()

	entry, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: modified,
	})
	if err != nil {
		return fmt.Errorf("add %s: %w", name, err)
	}
	if _, err := io.Copy(entry, f); err != nil {
		return fmt.Errorf("compress %s: %w", name, err)
	}
	return nil
}
