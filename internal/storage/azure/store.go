// Package azure implements the storage gateway on Azure Blob Storage.
package azure

import (
	"context"
	"fmt"
	"io"
	"iter"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
	"github.com/dochub/dochub/internal/storage"
	"github.com/rs/zerolog"
)

// Azurite development account, published in the Azure storage emulator docs.
const (
	EmulatorAccountName = "devstoreaccount1"
	EmulatorAccountKey  = "Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw=="
	EmulatorEndpoint    = "http://127.0.0.1:10000/devstoreaccount1"

	// placeholderAccount is the unfilled template value that selects the emulator.
	placeholderAccount = "{StorageAccountName}"
)

// Config holds Azure storage account settings.
type Config struct {
	AccountName string
	AccountKey  string
	Endpoint    string // Service URL; defaults to https://{account}.blob.core.windows.net
	UseEmulator bool
}

// resolve applies emulator and endpoint defaults.
func (c Config) resolve() Config {
	if c.UseEmulator || c.AccountName == placeholderAccount {
		c.AccountName = EmulatorAccountName
		c.AccountKey = EmulatorAccountKey
		if c.Endpoint == "" {
			c.Endpoint = EmulatorEndpoint
		}
		c.UseEmulator = true
	}
	if c.Endpoint == "" {
		c.Endpoint = fmt.Sprintf("https://%s.blob.core.windows.net/", c.AccountName)
	}
	return c
}

// Store is a storage gateway backed by an Azure storage account.
type Store struct {
	client *azblob.Client
	logger zerolog.Logger
}

var _ storage.Gateway = (*Store)(nil)

// NewStore creates a shared-key client for the configured account.
func NewStore(cfg Config, logger zerolog.Logger) (*Store, error) {
	cfg = cfg.resolve()
	if cfg.AccountName == "" || cfg.AccountKey == "" {
		return nil, fmt.Errorf("azure account name and key are required")
	}

	cred, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("create shared key credential: %w", err)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(cfg.Endpoint, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create blob client: %w", err)
	}

	logger = logger.With().Str("component", "azure-store").Logger()
	logger.Info().
		Str("account", cfg.AccountName).
		Bool("emulator", cfg.UseEmulator).
		Msg("using Azure blob storage")

	return &Store{client: client, logger: logger}, nil
}

func (s *Store) blobClient(ref storage.ObjectRef) *blob.Client {
	return s.client.ServiceClient().NewContainerClient(ref.Partition).NewBlobClient(ref.ID)
}

// mapError translates Azure not-found codes into storage sentinels.
func mapError(op string, err error) error {
	switch {
	case bloberror.HasCode(err, bloberror.ContainerNotFound):
		return fmt.Errorf("%s: %w", op, storage.ErrContainerNotFound)
	case bloberror.HasCode(err, bloberror.BlobNotFound):
		return fmt.Errorf("%s: %w", op, storage.ErrBlobNotFound)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// ContainerExists reports whether the container exists.
func (s *Store) ContainerExists(ctx context.Context, name string) (bool, error) {
	_, err := s.client.ServiceClient().NewContainerClient(name).GetProperties(ctx, nil)
	if err == nil {
		return true, nil
	}
	if bloberror.HasCode(err, bloberror.ContainerNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("get container properties: %w", err)
}

// EnsureContainer creates the container if it does not exist.
func (s *Store) EnsureContainer(ctx context.Context, name string) error {
	_, err := s.client.CreateContainer(ctx, name, nil)
	if err == nil {
		s.logger.Info().Str("container", name).Msg("container created")
		return nil
	}
	if bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return nil
	}
	return fmt.Errorf("create container: %w", err)
}

// BlobExists reports whether the blob exists.
func (s *Store) BlobExists(ctx context.Context, ref storage.ObjectRef) (bool, error) {
	_, err := s.blobClient(ref).GetProperties(ctx, nil)
	if err == nil {
		return true, nil
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("get blob properties: %w", err)
}

// OpenBlob streams the blob content.
func (s *Store) OpenBlob(ctx context.Context, ref storage.ObjectRef) (io.ReadCloser, error) {
	resp, err := s.client.DownloadStream(ctx, ref.Partition, ref.ID, nil)
	if err != nil {
		return nil, mapError("download blob", err)
	}
	return resp.Body, nil
}

// WriteBlob uploads the blob as a block blob.
func (s *Store) WriteBlob(ctx context.Context, ref storage.ObjectRef, contentType string, body io.Reader) error {
	opts := &azblob.UploadStreamOptions{}
	if contentType != "" {
		opts.HTTPHeaders = &blob.HTTPHeaders{BlobContentType: &contentType}
	}
	if _, err := s.client.UploadStream(ctx, ref.Partition, ref.ID, body, opts); err != nil {
		return mapError("upload blob", err)
	}
	s.logger.Debug().Str("container", ref.Partition).Str("id", ref.ID).Msg("blob uploaded")
	return nil
}

// DeleteBlob deletes the blob if it exists.
func (s *Store) DeleteBlob(ctx context.Context, ref storage.ObjectRef) (bool, error) {
	_, err := s.client.DeleteBlob(ctx, ref.Partition, ref.ID, nil)
	if err == nil {
		return true, nil
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("delete blob: %w", err)
}

// ListContainers pages through the account's containers.
func (s *Store) ListContainers(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		pager := s.client.NewListContainersPager(nil)
		for pager.More() {
			page, err := pager.NextPage(ctx)
			if err != nil {
				yield("", fmt.Errorf("list containers: %w", err))
				return
			}
			for _, item := range page.ContainerItems {
				if item.Name == nil {
					continue
				}
				if !yield(*item.Name, nil) {
					return
				}
			}
		}
	}
}

// ListBlobs pages through a container's blobs.
func (s *Store) ListBlobs(ctx context.Context, name string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		pager := s.client.NewListBlobsFlatPager(name, nil)
		for pager.More() {
			page, err := pager.NextPage(ctx)
			if err != nil {
				yield("", mapError("list blobs", err))
				return
			}
			if page.Segment == nil {
				continue
			}
			for _, item := range page.Segment.BlobItems {
				if item.Name == nil {
					continue
				}
				if !yield(*item.Name, nil) {
					return
				}
			}
		}
	}
}

// SignReadURL returns the blob URL with a read-only service SAS.
func (s *Store) SignReadURL(_ context.Context, ref storage.ObjectRef, start, expiry time.Time) (string, error) {
	start = start.UTC()
	u, err := s.blobClient(ref).GetSASURL(sas.BlobPermissions{Read: true}, expiry.UTC(), &blob.GetSASURLOptions{
		StartTime: &start,
	})
	if err != nil {
		return "", fmt.Errorf("generate SAS: %w", err)
	}
	return u, nil
}
