// Package s3 implements the storage gateway on Amazon S3 and S3-compatible
// services. Containers map to buckets.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/dochub/dochub/internal/storage"
	"github.com/rs/zerolog"
)

// Config holds S3 connection settings.
type Config struct {
	Region    string
	Endpoint  string // Custom endpoint (MinIO, LocalStack); enables path-style addressing
	AccessKey string // Static credentials; the default AWS chain is used when empty
	SecretKey string
}

// API is the subset of the S3 client the store uses.
type API interface {
	s3.HeadBucketAPIClient
	s3.HeadObjectAPIClient
	s3.ListBucketsAPIClient
	s3.ListObjectsV2APIClient
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Store is a storage gateway backed by S3.
type Store struct {
	api     API
	presign *s3.PresignClient
	region  string
	now     func() time.Time
	logger  zerolog.Logger
}

var _ storage.Gateway = (*Store)(nil)

// NewStore loads AWS configuration and creates the client.
func NewStore(ctx context.Context, cfg Config, logger zerolog.Logger) (*Store, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)
	logger = logger.With().Str("component", "s3-store").Logger()
	logger.Info().Str("region", cfg.Region).Str("endpoint", cfg.Endpoint).Msg("using S3 storage")

	return newStore(client, s3.NewPresignClient(client), cfg.Region, logger), nil
}

func newStore(api API, presign *s3.PresignClient, region string, logger zerolog.Logger) *Store {
	return &Store{
		api:     api,
		presign: presign,
		region:  region,
		now:     time.Now,
		logger:  logger,
	}
}

// isCode reports whether err is an S3 API error with one of the given codes.
func isCode(err error, codes ...string) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, code := range codes {
		if apiErr.ErrorCode() == code {
			return true
		}
	}
	return false
}

func mapError(op string, err error) error {
	switch {
	case isCode(err, "NoSuchBucket"):
		return fmt.Errorf("%s: %w", op, storage.ErrContainerNotFound)
	case isCode(err, "NoSuchKey", "NotFound"):
		return fmt.Errorf("%s: %w", op, storage.ErrBlobNotFound)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// ContainerExists reports whether the bucket exists.
func (s *Store) ContainerExists(ctx context.Context, name string) (bool, error) {
	_, err := s.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(name)})
	if err == nil {
		return true, nil
	}
	if isCode(err, "NotFound", "NoSuchBucket") {
		return false, nil
	}
	return false, fmt.Errorf("head bucket %q: %w", name, err)
}

// EnsureContainer creates the bucket if it does not exist.
func (s *Store) EnsureContainer(ctx context.Context, name string) error {
	exists, err := s.ContainerExists(ctx, name)
	if err != nil || exists {
		return err
	}
	_, err = s.api.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(name)})
	if err != nil && !isCode(err, "BucketAlreadyOwnedByYou", "BucketAlreadyExists") {
		return fmt.Errorf("create bucket %q: %w", name, err)
	}
	s.logger.Info().Str("container", name).Msg("bucket created")
	return nil
}

// BlobExists reports whether the object exists.
func (s *Store) BlobExists(ctx context.Context, ref storage.ObjectRef) (bool, error) {
	_, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(ref.Partition),
		Key:    aws.String(ref.ID),
	})
	if err == nil {
		return true, nil
	}
	if isCode(err, "NotFound", "NoSuchKey", "NoSuchBucket") {
		return false, nil
	}
	return false, fmt.Errorf("head object %q: %w", ref.UID(), err)
}

// OpenBlob streams the object body.
func (s *Store) OpenBlob(ctx context.Context, ref storage.ObjectRef) (io.ReadCloser, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(ref.Partition),
		Key:    aws.String(ref.ID),
	})
	if err != nil {
		return nil, mapError(fmt.Sprintf("get object %q", ref.UID()), err)
	}
	return out.Body, nil
}

// WriteBlob uploads the object.
func (s *Store) WriteBlob(ctx context.Context, ref storage.ObjectRef, contentType string, body io.Reader) error {
	in := &s3.PutObjectInput{
		Bucket: aws.String(ref.Partition),
		Key:    aws.String(ref.ID),
		Body:   body,
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := s.api.PutObject(ctx, in); err != nil {
		return mapError(fmt.Sprintf("put object %q", ref.UID()), err)
	}
	s.logger.Debug().Str("container", ref.Partition).Str("id", ref.ID).Msg("object uploaded")
	return nil
}

// DeleteBlob deletes the object. S3 deletes are idempotent, so existence is
// checked first to report whether anything was removed.
func (s *Store) DeleteBlob(ctx context.Context, ref storage.ObjectRef) (bool, error) {
	exists, err := s.BlobExists(ctx, ref)
	if err != nil || !exists {
		return false, err
	}
	_, err = s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(ref.Partition),
		Key:    aws.String(ref.ID),
	})
	if err != nil {
		return false, fmt.Errorf("delete object %q: %w", ref.UID(), err)
	}
	return true, nil
}

// ListContainers pages through the account's buckets.
func (s *Store) ListContainers(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		paginator := s3.NewListBucketsPaginator(s.api, &s3.ListBucketsInput{})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				yield("", fmt.Errorf("list buckets: %w", err))
				return
			}
			for _, b := range page.Buckets {
				if !yield(aws.ToString(b.Name), nil) {
					return
				}
			}
		}
	}
}

// ListBlobs pages through a bucket's keys.
func (s *Store) ListBlobs(ctx context.Context, name string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		paginator := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{Bucket: aws.String(name)})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				yield("", mapError("list objects", err))
				return
			}
			for _, obj := range page.Contents {
				if !yield(aws.ToString(obj.Key), nil) {
					return
				}
			}
		}
	}
}

// SignReadURL presigns a GetObject request. SigV4 presigned URLs are valid
// from the moment of signing, so start is not expressible and only the
// expiry is honored.
func (s *Store) SignReadURL(ctx context.Context, ref storage.ObjectRef, _, expiry time.Time) (string, error) {
	ttl := expiry.Sub(s.now())
	if ttl <= 0 {
		return "", fmt.Errorf("expiry %s is in the past", expiry)
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(ref.Partition),
		Key:    aws.String(ref.ID),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign get object %q: %w", ref.UID(), err)
	}
	return req.URL, nil
}
