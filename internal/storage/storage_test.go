package storage

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitebuilder/internal/config"
)

func TestLocalRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	key := ArtifactKey("boulangerie-martin", "job-1")
	assert.Equal(t, "boulangerie-martin/job-1.zip", key)

	require.NoError(t, s.Upload(ctx, key, strings.NewReader("zip-bytes"), 9))
	ok, err := s.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	var buf bytes.Buffer
	require.NoError(t, s.Download(ctx, key, &buf))
	assert.Equal(t, "zip-bytes", buf.String())

	require.NoError(t, s.Upload(ctx, key, strings.NewReader("v2"), 2))
	buf.Reset()
	require.NoError(t, s.Download(ctx, key, &buf))
	assert.Equal(t, "v2", buf.String())

	require.NoError(t, s.Upload(ctx, "other/job-2.zip", strings.NewReader("x"), 1))
	keys, err := s.List(ctx, "boulangerie-martin/")
	require.NoError(t, err)
	assert.Equal(t, []string{"boulangerie-martin/job-1.zip"}, keys)

	require.NoError(t, s.Delete(ctx, key))
	require.NoError(t, s.Delete(ctx, key))
	ok, err = s.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, s.Download(ctx, key, &buf), ErrNotFound)
}

func TestLocalRejectsEscapingKeys(t *testing.T) {
	s, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	for _, key := range []string{"../x.zip", "a/../../x.zip", "", "/"} {
		err := s.Upload(context.Background(), key, strings.NewReader("x"), 1)
		assert.ErrorIs(t, err, ErrInvalidKey, key)
		assert.Empty(t, s.Location(key))
	}
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	f.types[aws.ToString(in.Key)] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) UploadPart(ctx context.Context, in *s3.UploadPartInput, opts ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	panic("multipart not expected")
}

func (f *fakeS3) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	panic("multipart not expected")
}

func (f *fakeS3) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	panic("multipart not expected")
}

func (f *fakeS3) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, opts ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &s3.ListObjectsV2Output{}
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
		}
	}
	return out, nil
}

func TestS3Store(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	s := NewS3WithClient(fake, config.S3Config{Bucket: "artifacts", Prefix: "/sites/"})

	key := ArtifactKey("cafe", "job-9")
	require.NoError(t, s.Upload(ctx, key, bytes.NewReader([]byte("archive")), 7))
	assert.Contains(t, fake.objects, "sites/cafe/job-9.zip")
	assert.Equal(t, "application/zip", fake.types["sites/cafe/job-9.zip"])
	assert.Equal(t, "s3://artifacts/sites/cafe/job-9.zip", s.Location(key))

	ok, err := s.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	var buf bytes.Buffer
	require.NoError(t, s.Download(ctx, key, &buf))
	assert.Equal(t, "archive", buf.String())

	keys, err := s.List(ctx, "cafe/")
	require.NoError(t, err)
	assert.Equal(t, []string{"cafe/job-9.zip"}, keys)

	require.NoError(t, s.Delete(ctx, key))
	ok, err = s.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, s.Download(ctx, key, &buf), ErrNotFound)

	assert.ErrorIs(t, s.Upload(ctx, "../escape.zip", bytes.NewReader(nil), 0), ErrInvalidKey)
}

func TestNewPicksBackend(t *testing.T) {
	dir := t.TempDir()
	s, err := New(context.Background(), &config.Config{ArtifactsDir: dir}, nil)
	require.NoError(t, err)
	local, ok := s.(*Local)
	require.True(t, ok)
	assert.Equal(t, dir+"/a/b.zip", local.Location("a/b.zip"))
}
