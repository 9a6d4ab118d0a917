package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"github.com/dochub/dochub/internal/bundle"
	"github.com/dochub/dochub/internal/links"
	"github.com/dochub/dochub/internal/logging/audit"
	"github.com/dochub/dochub/internal/metrics"
	"github.com/dochub/dochub/internal/storage"
)

// multipartMemory is the part of an upload kept in memory before spilling to
// temp files.
const multipartMemory = 32 << 20

// FileItem describes a stored blob in API responses.
type FileItem struct {
	Container   string `json:"container"`
	ID          string `json:"id"`
	UID         string `json:"uid"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

func newFileItem(ref storage.ObjectRef) FileItem {
	return FileItem{Container: ref.Partition, ID: ref.ID, UID: ref.UID()}
}

// blobHeader is implemented by backends that expose blob metadata.
type blobHeader interface {
	HeadBlob(ctx context.Context, ref storage.ObjectRef) (*storage.ObjectInfo, error)
}

// refFromPath reads {container} and {id...} from the request path.
func refFromPath(r *http.Request) storage.ObjectRef {
	return storage.ObjectRef{
		Partition: storage.NormalizePartition(r.PathValue("container")),
		ID:        r.PathValue("id"),
	}
}

// storageError answers 404 for absent containers and blobs, 500 otherwise.
func (s *Server) storageError(w http.ResponseWriter, r *http.Request, op string, err error) {
	if storage.IsNotFound(err) {
		s.jsonError(w, err.Error(), http.StatusNotFound)
		return
	}
	s.logger.Error().Err(err).
		Str("request_id", w.Header().Get(RequestIDHeader)).
		Str("operation", op).
		Str("path", r.URL.Path).
		Msg("storage operation failed")
	s.jsonError(w, "internal error", http.StatusInternalServerError)
}

func (s *Server) handleListContainers(w http.ResponseWriter, r *http.Request) {
	names, err := storage.Collect(s.gateway.ListContainers(r.Context()))
	if err != nil {
		s.storageError(w, r, "list containers", err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, names)
}

func (s *Server) handleListBlobs(w http.ResponseWriter, r *http.Request) {
	container := storage.NormalizePartition(r.PathValue("container"))
	names, err := storage.Collect(s.gateway.ListBlobs(r.Context(), container))
	if err != nil {
		s.storageError(w, r, "list blobs", err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, names)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	ref := refFromPath(r)
	if err := storage.ValidateID(ref.ID); err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	deleted, err := s.gateway.DeleteBlob(r.Context(), ref)
	if err != nil && !storage.IsNotFound(err) {
		s.audit.LogAdminOp("delete", ref.Partition, ref.ID, audit.ResultFailed, err.Error(), sourceIP(r))
		s.storageError(w, r, "delete", err)
		return
	}
	if !deleted {
		s.jsonError(w, fmt.Sprintf("%s not found", ref.UID()), http.StatusNotFound)
		return
	}

	s.audit.LogAdminOp("delete", ref.Partition, ref.ID, audit.ResultAllowed, "", sourceIP(r))
	writeJSON(w, http.StatusOK, newFileItem(ref))
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.cfg.MaxUploadSize > 0 {
		if r.ContentLength > s.cfg.MaxUploadSize {
			s.jsonError(w, fmt.Sprintf("upload exceeds %d bytes", s.cfg.MaxUploadSize), http.StatusRequestEntityTooLarge)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadSize)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.jsonError(w, fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit), http.StatusRequestEntityTooLarge)
			return
		}
		s.jsonError(w, "invalid multipart form: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	container := storage.NormalizePartition(r.FormValue("container"))
	if container == "" {
		s.jsonError(w, "container is required", http.StatusBadRequest)
		return
	}

	files := uploadedFiles(r.MultipartForm)
	if len(files) == 0 {
		s.jsonError(w, "no files uploaded", http.StatusBadRequest)
		return
	}
	for _, fh := range files {
		if err := storage.ValidateID(fh.Filename); err != nil {
			s.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	if err := s.gateway.EnsureContainer(r.Context(), container); err != nil {
		s.audit.LogAdminOp("upload", container, "", audit.ResultFailed, err.Error(), sourceIP(r))
		s.storageError(w, r, "ensure container", err)
		return
	}

	var last FileItem
	for _, fh := range files {
		item, err := s.storeUpload(r.Context(), container, fh)
		if err != nil {
			s.audit.LogAdminOp("upload", container, fh.Filename, audit.ResultFailed, err.Error(), sourceIP(r))
			s.storageError(w, r, "upload", err)
			return
		}
		s.audit.LogAdminOp("upload", container, item.ID, audit.ResultAllowed, "", sourceIP(r))
		last = item
	}

	w.Header().Set("Location", "/api/file/get/"+url.PathEscape(last.Container)+"/"+escapeID(last.ID))
	writeJSON(w, http.StatusCreated, last)
}

// uploadedFiles returns every file part, ordered by field name and then by
// position within the field.
func uploadedFiles(form *multipart.Form) []*multipart.FileHeader {
	fields := make([]string, 0, len(form.File))
	for field := range form.File {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var files []*multipart.FileHeader
	for _, field := range fields {
		files = append(files, form.File[field]...)
	}
	return files
}

func (s *Server) storeUpload(ctx context.Context, container string, fh *multipart.FileHeader) (FileItem, error) {
	f, err := fh.Open()
	if err != nil {
		return FileItem{}, fmt.Errorf("open upload %q: %w", fh.Filename, err)
	}
	defer func() { _ = f.Close() }()

	contentType := fh.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	ref := storage.ObjectRef{Partition: container, ID: fh.Filename}
	if err := s.gateway.WriteBlob(ctx, ref, contentType, f); err != nil {
		return FileItem{}, err
	}

	item := newFileItem(ref)
	item.ContentType = contentType
	item.Size = fh.Size
	return item, nil
}

func (s *Server) issueLink(w http.ResponseWriter, r *http.Request) (links.Link, bool) {
	ref := refFromPath(r)
	if err := storage.ValidateID(ref.ID); err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return links.Link{}, false
	}

	link, err := s.issuer.IssueReadLink(r.Context(), ref.Partition, ref.ID)
	if err != nil {
		if links.IsNotFound(err) {
			s.jsonError(w, fmt.Sprintf("%s not found", ref.UID()), http.StatusNotFound)
			return links.Link{}, false
		}
		s.storageError(w, r, "issue link", err)
		return links.Link{}, false
	}
	s.audit.LogLinkIssued(ref.Partition, ref.ID, link.ValidUntil, sourceIP(r))
	return link, true
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	link, ok := s.issueLink(w, r)
	if !ok {
		return
	}
	http.Redirect(w, r, link.URL, http.StatusFound)
}

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	link, ok := s.issueLink(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, link)
}

func (s *Server) handleZip(w http.ResponseWriter, r *http.Request) {
	container := storage.NormalizePartition(r.PathValue("container"))

	if s.limiter != nil && !s.limiter.Allow() {
		s.metrics.RecordArchive(metrics.ResultLimited, 0, 0)
		s.audit.LogArchive(container, 0, 0, audit.ResultDenied, sourceIP(r))
		w.Header().Set("Retry-After", "1")
		s.jsonError(w, "too many archive requests", http.StatusTooManyRequests)
		return
	}

	raw := r.FormValue("files")
	requested := len(bundle.ParseIDs(raw))

	out, err := s.builder.BuildArchive(r.Context(), container, raw)
	if err != nil {
		s.audit.LogArchive(container, requested, 0, audit.ResultFailed, sourceIP(r))
		switch {
		case errors.Is(err, bundle.ErrNotFound):
			s.jsonError(w, fmt.Sprintf("container %q not found", container), http.StatusNotFound)
		case errors.Is(err, bundle.ErrArchiveTooLarge):
			s.jsonError(w, err.Error(), http.StatusRequestEntityTooLarge)
		default:
			s.logger.Error().Err(err).
				Str("request_id", w.Header().Get(RequestIDHeader)).
				Str("container", container).
				Msg("archive build failed")
			s.jsonError(w, "failed to build archive", http.StatusInternalServerError)
		}
		return
	}
	s.audit.LogArchive(container, requested, len(out.Missing), audit.ResultAllowed, sourceIP(r))

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", out.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(out.Archive)))
	w.Header().Set(MissingFilesHeader, strconv.Itoa(len(out.Missing)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out.Archive)
}

// handleBlob serves a blob to the holder of a signed read link.
func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	ref := refFromPath(r)
	if err := s.verifier.VerifyReadToken(r.URL.Query().Get("sig"), ref); err != nil {
		s.jsonError(w, "invalid or expired link", http.StatusForbidden)
		return
	}

	if h, ok := s.gateway.(blobHeader); ok {
		info, err := h.HeadBlob(r.Context(), ref)
		if err != nil {
			s.storageError(w, r, "head blob", err)
			return
		}
		if info.ContentType != "" {
			w.Header().Set("Content-Type", info.ContentType)
		}
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
		if info.ETag != "" {
			w.Header().Set("ETag", info.ETag)
		}
	}

	body, err := s.gateway.OpenBlob(r.Context(), ref)
	if err != nil {
		w.Header().Del("Content-Length")
		s.storageError(w, r, "open blob", err)
		return
	}
	defer func() { _ = body.Close() }()

	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		s.logger.Warn().Err(err).Str("uid", ref.UID()).Msg("blob stream interrupted")
	}
}

// escapeID escapes each path segment of a blob id.
func escapeID(id string) string {
	u := url.URL{Path: id}
	return u.EscapedPath()
}
