package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/dochub/dochub/internal/bundle"
	"github.com/dochub/dochub/internal/config"
	"github.com/dochub/dochub/internal/links"
	"github.com/dochub/dochub/internal/storage"
	"github.com/dochub/dochub/internal/storage/backend"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var zipOutput string

// session is what every data command needs: the loaded config, a logger and
// the configured gateway.
type session struct {
	cfg    *config.Config
	logger zerolog.Logger
	gw     storage.Gateway
	stop   func()
}

func openSession(cmd *cobra.Command) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, stop := setupLogging(cfg.Logging, cmd.ErrOrStderr())
	gw, err := backend.Open(cmd.Context(), cfg.Storage, logger)
	if err != nil {
		stop()
		return nil, err
	}
	return &session{cfg: cfg, logger: logger, gw: gw, stop: stop}, nil
}

// withSession opens a session for the duration of fn.
func withSession(fn func(cmd *cobra.Command, s *session, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.stop()
		return fn(cmd, s, args)
	}
}

func newFileCmds() []*cobra.Command {
	containersCmd := &cobra.Command{
		Use:   "containers",
		Short: "List containers",
		Args:  cobra.NoArgs,
		RunE:  withSession(runContainers),
	}

	blobsCmd := &cobra.Command{
		Use:   "blobs <container>",
		Short: "List the files in a container",
		Args:  cobra.ExactArgs(1),
		RunE:  withSession(runBlobs),
	}

	uploadCmd := &cobra.Command{
		Use:   "upload <container> <file>...",
		Short: "Upload files into a container, creating it if needed",
		Args:  cobra.MinimumNArgs(2),
		RunE:  withSession(runUpload),
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <container> <id>",
		Short: "Delete a file",
		Args:  cobra.ExactArgs(2),
		RunE:  withSession(runDelete),
	}

	linkCmd := &cobra.Command{
		Use:   "link <container> <id>",
		Short: "Print a short-lived read link for a file",
		Args:  cobra.ExactArgs(2),
		RunE:  withSession(runLink),
	}

	zipCmd := &cobra.Command{
		Use:   "zip <container> <ids>",
		Short: "Build a zip archive from a ;-separated list of file ids",
		Long: `Build a zip archive from a ;-separated list of file ids.

Files that do not exist are listed in MissingFiles.txt inside the archive
and reported on stderr.

Examples:
  dochub zip reports "q1.pdf;q2.pdf" -o reports.zip`,
		Args: cobra.ExactArgs(2),
		RunE: withSession(runZip),
	}
	zipCmd.Flags().StringVarP(&zipOutput, "output", "o", "", "output file (default: generated archive name)")

	return []*cobra.Command{containersCmd, blobsCmd, uploadCmd, deleteCmd, linkCmd, zipCmd}
}

func runContainers(cmd *cobra.Command, s *session, _ []string) error {
	for name, err := range s.gw.ListContainers(cmd.Context()) {
		if err != nil {
			return fmt.Errorf("list containers: %w", err)
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), name)
	}
	return nil
}

func runBlobs(cmd *cobra.Command, s *session, args []string) error {
	container := storage.NormalizePartition(args[0])
	for name, err := range s.gw.ListBlobs(cmd.Context(), container) {
		if err != nil {
			return fmt.Errorf("list %s: %w", container, err)
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), name)
	}
	return nil
}

func runUpload(cmd *cobra.Command, s *session, args []string) error {
	ctx := cmd.Context()
	container := storage.NormalizePartition(args[0])
	if err := s.gw.EnsureContainer(ctx, container); err != nil {
		return err
	}
	for _, path := range args[1:] {
		ref, err := uploadFile(ctx, s.gw, container, path)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), ref.UID())
	}
	return nil
}

func uploadFile(ctx context.Context, gw storage.Gateway, container, path string) (storage.ObjectRef, error) {
	ref := storage.ObjectRef{Partition: container, ID: filepath.Base(path)}
	if err := storage.ValidateID(ref.ID); err != nil {
		return ref, err
	}

	f, err := os.Open(path)
	if err != nil {
		return ref, err
	}
	defer func() { _ = f.Close() }()

	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := gw.WriteBlob(ctx, ref, contentType, f); err != nil {
		return ref, fmt.Errorf("upload %s: %w", path, err)
	}
	return ref, nil
}

func runDelete(cmd *cobra.Command, s *session, args []string) error {
	ref := storage.ObjectRef{Partition: storage.NormalizePartition(args[0]), ID: args[1]}
	deleted, err := s.gw.DeleteBlob(cmd.Context(), ref)
	if err != nil && !storage.IsNotFound(err) {
		return err
	}
	if !deleted {
		return fmt.Errorf("%s not found", ref.UID())
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", ref.UID())
	return nil
}

func runLink(cmd *cobra.Command, s *session, args []string) error {
	issuer := links.NewIssuer(s.gw, s.logger)
	link, err := issuer.IssueReadLink(cmd.Context(), storage.NormalizePartition(args[0]), args[1])
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), link.URL)
	_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "valid until %s\n", link.ValidUntil.Format(time.RFC3339))
	return nil
}

func runZip(cmd *cobra.Command, s *session, args []string) error {
	builder := bundle.NewBuilder(s.gw, bundle.Config{
		Concurrency:    s.cfg.Archive.Concurrency,
		TempDir:        s.cfg.Archive.TempDir,
		MaxArchiveSize: s.cfg.Archive.MaxArchiveSize.Bytes(),
		FilenamePrefix: s.cfg.Archive.FilenamePrefix,
	}, s.logger)

	out, err := builder.BuildArchive(cmd.Context(), storage.NormalizePartition(args[0]), args[1])
	if err != nil {
		return err
	}

	dest := zipOutput
	if dest == "" {
		dest = out.Filename
	}
	if err := os.WriteFile(dest, out.Archive, 0o644); err != nil {
		return fmt.Errorf("write archive: %w", err)
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d included, %d missing\n", dest, len(out.Included), len(out.Missing))
	for _, m := range out.Missing {
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "missing %s: %s\n", m.ID, m.Reason)
	}
	return nil
}
