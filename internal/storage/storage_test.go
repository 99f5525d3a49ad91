package storage

import (
	"bytes"
	"context"
	"errors"
	"image/color"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/disintegration/imaging"
	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stolink/imageworker/internal/provider"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(2, 2, color.White), imaging.PNG))
	return buf.Bytes()
}

func TestKey(t *testing.T) {
	art := provider.Artifact{Data: pngBytes(t), ContentType: "image/png"}

	assert.Equal(t, "media/c1/j1.png", Key("c1", "j1", art))
	assert.Equal(t, "media/j1.png", Key("", "j1", art))
	assert.Equal(t, Key("c1", "j1", art), Key("c1", "j1", art))
}

func TestKeyIsUniquePerJob(t *testing.T) {
	art := provider.Artifact{Data: pngBytes(t), ContentType: "image/png"}

	assert.NotEqual(t, Key("a/b", "c", art), Key("a", "b/c", art))
	assert.NotEqual(t, Key("c1", "../c2/j9", art), Key("c2", "j9", art))
	assert.NotEqual(t, Key("..", "j1", art), Key("", "j1", art))

	tests := []struct {
		characterID, jobID string
	}{
		{"a/b", "c"},
		{"c1", "../c2/j9"},
		{"", "../../etc/j1"},
		{"..", "j1"},
		{".", "j1"},
		{"c%2F1", "j1"},
	}
	for _, tt := range tests {
		key := Key(tt.characterID, tt.jobID, art)
		assert.True(t, strings.HasPrefix(key, "media/"), key)
		segments := strings.Split(key, "/")
		for _, seg := range segments {
			assert.NotEqual(t, "..", seg, key)
			assert.NotEqual(t, ".", seg, key)
		}
		want := 2
		if tt.characterID != "" {
			want = 3
		}
		assert.Len(t, segments, want, key)
	}
}

func TestPublicURLRoundTripsEscapedKey(t *testing.T) {
	art := provider.Artifact{Data: pngBytes(t), ContentType: "image/png"}
	key := Key("a/b", "j 1", art)

	u := (&S3Store{opts: S3Options{PublicBaseURL: "https://cdn.test"}}).PublicURL(key)
	assert.Equal(t, "https://cdn.test/media/a%252Fb/j%25201.png", u)

	got, ok := keyFromURL(u, "https://cdn.test")
	require.True(t, ok)
	assert.Equal(t, key, got)
}

func TestExtensionFallsBackToContentType(t *testing.T) {
	assert.Equal(t, ".jpg", Extension(provider.Artifact{ContentType: "image/jpeg"}))
	assert.Equal(t, ".bin", Extension(provider.Artifact{}))
}

type fakeUploader struct {
	in  *s3.PutObjectInput
	err error
}

func (f *fakeUploader) Upload(_ context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	f.in = in
	if f.err != nil {
		return nil, f.err
	}
	return &manager.UploadOutput{}, nil
}

type fakeS3 struct {
	data []byte
	key  string
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.key = aws.ToString(in.Key)
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(f.data)), ContentType: aws.String("image/png")}, nil
}

func TestS3PutReturnsPublicURL(t *testing.T) {
	up := &fakeUploader{}
	st := newS3Store(&fakeS3{}, up, S3Options{Bucket: "media-bucket", Region: "ap-northeast-2"}, NewHTTPFetcher(nil))

	url, err := st.Put(context.Background(), "media/c1/j1.png", provider.Artifact{Data: []byte("x"), ContentType: "image/png"})
	require.NoError(t, err)
	assert.Equal(t, "https://media-bucket.s3.ap-northeast-2.amazonaws.com/media/c1/j1.png", url)
	assert.Equal(t, "media-bucket", aws.ToString(up.in.Bucket))
	assert.Equal(t, "image/png", aws.ToString(up.in.ContentType))

	cdn := newS3Store(&fakeS3{}, up, S3Options{Bucket: "b", PublicBaseURL: "https://cdn.example.com/"}, NewHTTPFetcher(nil))
	url, err = cdn.Put(context.Background(), "media/j1.png", provider.Artifact{Data: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/media/j1.png", url)
}

func TestS3PutClassifiesFailure(t *testing.T) {
	up := &fakeUploader{err: &smithy.GenericAPIError{Code: "SlowDown"}}
	st := newS3Store(&fakeS3{}, up, S3Options{Bucket: "b", Region: "r"}, NewHTTPFetcher(nil))

	_, err := st.Put(context.Background(), "k", provider.Artifact{Data: []byte("x")})
	perr, ok := provider.AsError(err)
	require.True(t, ok)
	assert.Equal(t, provider.CapabilityStorage, perr.Capability)
	assert.Equal(t, provider.Transient, perr.Kind)
}

func TestS3FetchOwnObject(t *testing.T) {
	api := &fakeS3{data: []byte("png-bytes")}
	st := newS3Store(api, &fakeUploader{}, S3Options{Bucket: "b", PublicBaseURL: "https://cdn.example.com"}, NewHTTPFetcher(nil))

	art, err := st.Fetch(context.Background(), "https://cdn.example.com/media/c1/j1.png")
	require.NoError(t, err)
	assert.Equal(t, "media/c1/j1.png", api.key)
	assert.Equal(t, []byte("png-bytes"), art.Data)
}

func TestS3FetchForeignURLUsesHTTP(t *testing.T) {
	img := pngBytes(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(img)
	}))
	defer srv.Close()

	api := &fakeS3{}
	st := newS3Store(api, &fakeUploader{}, S3Options{Bucket: "b", PublicBaseURL: "https://cdn.example.com"}, NewHTTPFetcher(srv.Client()))

	art, err := st.Fetch(context.Background(), srv.URL+"/a.png")
	require.NoError(t, err)
	assert.Empty(t, api.key)
	assert.Equal(t, img, art.Data)
	assert.Equal(t, "image/png", art.ContentType)
}

func TestHTTPFetcherStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   provider.Kind
	}{
		{http.StatusNotFound, provider.Permanent},
		{http.StatusForbidden, provider.Permanent},
		{http.StatusBadGateway, provider.Transient},
		{http.StatusTooManyRequests, provider.Transient},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		_, err := NewHTTPFetcher(srv.Client()).Fetch(context.Background(), srv.URL)
		srv.Close()

		perr, ok := provider.AsError(err)
		require.True(t, ok)
		assert.Equal(t, tt.want, perr.Kind, "status %d", tt.status)
	}
}

func TestClassifyMinio(t *testing.T) {
	notFound := minio.ErrorResponse{StatusCode: http.StatusNotFound, Code: "NoSuchKey"}
	unavailable := minio.ErrorResponse{StatusCode: http.StatusServiceUnavailable, Code: "SlowDown"}

	perr, _ := provider.AsError(classifyMinio("get", notFound))
	assert.Equal(t, provider.Permanent, perr.Kind)

	perr, _ = provider.AsError(classifyMinio("get", unavailable))
	assert.Equal(t, provider.Transient, perr.Kind)

	perr, _ = provider.AsError(classifyMinio("get", errors.New("connection refused")))
	assert.Equal(t, provider.Transient, perr.Kind)
}
