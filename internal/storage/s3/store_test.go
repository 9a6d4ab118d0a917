package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/dochub/dochub/internal/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI is an in-memory S3 that answers with the same error codes the
// service does.
type fakeAPI struct {
	mu       sync.Mutex
	buckets  map[string]map[string][]byte
	pageSize int
	faultKey string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{buckets: make(map[string]map[string][]byte), pageSize: 2}
}

func apiErr(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code}
}

func (f *fakeAPI) HeadBucket(_ context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.buckets[aws.ToString(in.Bucket)]; !ok {
		return nil, apiErr("NotFound")
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeAPI) CreateBucket(_ context.Context, in *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(in.Bucket)
	if _, ok := f.buckets[name]; ok {
		return nil, apiErr("BucketAlreadyOwnedByYou")
	}
	f.buckets[name] = make(map[string][]byte)
	return &s3.CreateBucketOutput{}, nil
}

func (f *fakeAPI) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Key)
	if key == f.faultKey {
		return nil, apiErr("InternalError")
	}
	objects, ok := f.buckets[aws.ToString(in.Bucket)]
	if !ok {
		return nil, apiErr("NotFound")
	}
	data, ok := objects[key]
	if !ok {
		return nil, apiErr("NotFound")
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (f *fakeAPI) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	objects, ok := f.buckets[aws.ToString(in.Bucket)]
	if !ok {
		return nil, apiErr("NoSuchBucket")
	}
	data, ok := objects[aws.ToString(in.Key)]
	if !ok {
		return nil, apiErr("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeAPI) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	objects, ok := f.buckets[aws.ToString(in.Bucket)]
	if !ok {
		return nil, apiErr("NoSuchBucket")
	}
	objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeAPI) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if objects, ok := f.buckets[aws.ToString(in.Bucket)]; ok {
		delete(objects, aws.ToString(in.Key))
	}
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeAPI) ListBuckets(_ context.Context, in *s3.ListBucketsInput, _ ...func(*s3.Options)) (*s3.ListBucketsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.buckets))
	for name := range f.buckets {
		names = append(names, name)
	}
	page, next := f.page(names, aws.ToString(in.ContinuationToken))

	out := &s3.ListBucketsOutput{}
	for _, name := range page {
		out.Buckets = append(out.Buckets, types.Bucket{Name: aws.String(name)})
	}
	if next != "" {
		out.ContinuationToken = aws.String(next)
	}
	return out, nil
}

func (f *fakeAPI) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	objects, ok := f.buckets[aws.ToString(in.Bucket)]
	if !ok {
		return nil, apiErr("NoSuchBucket")
	}
	keys := make([]string, 0, len(objects))
	for key := range objects {
		keys = append(keys, key)
	}
	page, next := f.page(keys, aws.ToString(in.ContinuationToken))

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(next != "")}
	for _, key := range page {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(key)})
	}
	if next != "" {
		out.NextContinuationToken = aws.String(next)
	}
	return out, nil
}

// page returns the sorted names after marker and the token for the next page.
func (f *fakeAPI) page(names []string, marker string) ([]string, string) {
	sort.Strings(names)
	start := sort.SearchStrings(names, marker)
	if marker != "" && start < len(names) && names[start] == marker {
		start++
	}
	end := min(start+f.pageSize, len(names))
	page := names[start:end]
	if end < len(names) {
		return page, page[len(page)-1]
	}
	return page, ""
}

func newTestStore(t *testing.T) (*Store, *fakeAPI) {
	t.Helper()
	api := newFakeAPI()
	client := s3.New(s3.Options{
		Region:      "us-east-1",
		Credentials: credentials.NewStaticCredentialsProvider("AKIDEXAMPLE", "secret", ""),
	})
	return newStore(api, s3.NewPresignClient(client), "us-east-1", zerolog.Nop()), api
}

func TestContainerLifecycle(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	exists, err := s.ContainerExists(ctx, "docs")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, s.EnsureContainer(ctx, "docs"))
	require.NoError(t, s.EnsureContainer(ctx, "docs"))

	exists, err = s.ContainerExists(ctx, "docs")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestBlobRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureContainer(ctx, "docs"))

	ref := storage.ObjectRef{Partition: "docs", ID: "a.pdf"}
	require.NoError(t, s.WriteBlob(ctx, ref, "application/pdf", strings.NewReader("payload")))

	exists, err := s.BlobExists(ctx, ref)
	require.NoError(t, err)
	assert.True(t, exists)

	r, err := s.OpenBlob(ctx, ref)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "payload", string(data))

	deleted, err := s.DeleteBlob(ctx, ref)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.DeleteBlob(ctx, ref)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestOpenBlobNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.OpenBlob(ctx, storage.ObjectRef{Partition: "docs", ID: "a"})
	assert.ErrorIs(t, err, storage.ErrContainerNotFound)

	require.NoError(t, s.EnsureContainer(ctx, "docs"))
	_, err = s.OpenBlob(ctx, storage.ObjectRef{Partition: "docs", ID: "a"})
	assert.ErrorIs(t, err, storage.ErrBlobNotFound)
}

func TestBlobExistsFault(t *testing.T) {
	s, api := newTestStore(t)
	api.faultKey = "broken"
	require.NoError(t, s.EnsureContainer(context.Background(), "docs"))

	_, err := s.BlobExists(context.Background(), storage.ObjectRef{Partition: "docs", ID: "broken"})
	require.Error(t, err)
	assert.False(t, storage.IsNotFound(err))
}

func TestListing(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	for _, name := range []string{"c", "a", "b"} {
		require.NoError(t, s.EnsureContainer(ctx, name))
	}
	for _, id := range []string{"z.txt", "x.txt", "y.txt"} {
		require.NoError(t, s.WriteBlob(ctx, storage.ObjectRef{Partition: "a", ID: id}, "", strings.NewReader(id)))
	}

	containers, err := storage.Collect(s.ListContainers(ctx))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, containers)

	blobs, err := storage.Collect(s.ListBlobs(ctx, "a"))
	require.NoError(t, err)
	assert.Equal(t, []string{"x.txt", "y.txt", "z.txt"}, blobs)

	_, err = storage.Collect(s.ListBlobs(ctx, "missing"))
	assert.ErrorIs(t, err, storage.ErrContainerNotFound)
}

func TestSignReadURL(t *testing.T) {
	s, _ := newTestStore(t)
	now := time.Now()
	s.now = func() time.Time { return now }

	link, err := s.SignReadURL(context.Background(),
		storage.ObjectRef{Partition: "team", ID: "x.pdf"},
		now.Add(-5*time.Minute), now.Add(10*time.Minute))
	require.NoError(t, err)

	u, err := url.Parse(link)
	require.NoError(t, err)
	assert.Contains(t, u.Host+u.Path, "team")
	assert.True(t, strings.HasSuffix(u.Path, "/x.pdf"))
	assert.Equal(t, "600", u.Query().Get("X-Amz-Expires"))
	assert.NotEmpty(t, u.Query().Get("X-Amz-Signature"))

	_, err = s.SignReadURL(context.Background(), storage.ObjectRef{Partition: "team", ID: "x.pdf"}, now, now.Add(-time.Second))
	assert.Error(t, err)
}

func TestMapError(t *testing.T) {
	assert.ErrorIs(t, mapError("get", apiErr("NoSuchKey")), storage.ErrBlobNotFound)
	assert.ErrorIs(t, mapError("get", apiErr("NotFound")), storage.ErrBlobNotFound)
	assert.ErrorIs(t, mapError("get", apiErr("NoSuchBucket")), storage.ErrContainerNotFound)

	other := errors.New("timeout")
	err := mapError("get", other)
	assert.ErrorIs(t, err, other)
	assert.False(t, storage.IsNotFound(err))
}
