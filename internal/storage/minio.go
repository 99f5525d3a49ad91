package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/stolink/imageworker/internal/provider"
)

// MinioOptions configures a MinioStore.
type MinioOptions struct {
	Endpoint      string
	Bucket        string
	AccessKey     string
	SecretKey     string
	UseSSL        bool
	PublicBaseURL string
}

// MinioStore stores artifacts on an S3-compatible server such as a local MinIO.
type MinioStore struct {
	client *minio.Client
	opts   MinioOptions
	http   *HTTPFetcher
}

// NewMinioStore creates a store for the configured endpoint.
func NewMinioStore(opts MinioOptions, httpClient *http.Client) (*MinioStore, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	if opts.PublicBaseURL == "" {
		opts.PublicBaseURL = client.EndpointURL().String() + "/" + opts.Bucket
	}
	opts.PublicBaseURL = strings.TrimRight(opts.PublicBaseURL, "/")
	return &MinioStore{client: client, opts: opts, http: NewHTTPFetcher(httpClient)}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.opts.Bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.opts.Bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.opts.Bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("make bucket %s: %w", s.opts.Bucket, err)
	}
	return nil
}

// Put implements provider.ObjectStore.
func (s *MinioStore) Put(ctx context.Context, key string, a provider.Artifact) (string, error) {
	_, err := s.client.PutObject(ctx, s.opts.Bucket, key, bytes.NewReader(a.Data), int64(len(a.Data)),
		minio.PutObjectOptions{ContentType: ContentType(a)})
	if err != nil {
		return "", classifyMinio("upload "+key, err)
	}
	return s.opts.PublicBaseURL + "/" + urlPath(key), nil
}

// Fetch downloads an image, reading own objects through the client.
func (s *MinioStore) Fetch(ctx context.Context, url string) (provider.Artifact, error) {
	key, ok := keyFromURL(url, s.opts.PublicBaseURL)
	if !ok {
		return s.http.Fetch(ctx, url)
	}

	obj, err := s.client.GetObject(ctx, s.opts.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return provider.Artifact{}, classifyMinio("get "+key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(io.LimitReader(obj, MaxFetchSize+1))
	if err != nil {
		return provider.Artifact{}, classifyMinio("get "+key, err)
	}
	if len(data) > MaxFetchSize {
		return provider.Artifact{}, provider.NewPermanent(provider.CapabilityStorage, "get "+key,
			fmt.Errorf("object exceeds %d bytes", MaxFetchSize))
	}
	return provider.Artifact{Data: data}, nil
}

func classifyMinio(op string, err error) error {
	if perr := provider.ClassifyContext(provider.CapabilityStorage, op, err); perr != nil {
		return perr
	}
	var resp minio.ErrorResponse
	if errors.As(err, &resp) && resp.StatusCode != 0 {
		return &provider.Error{Capability: provider.CapabilityStorage, Kind: provider.ClassifyHTTPStatus(resp.StatusCode), Op: op, Err: err}
	}
	// No response status: the request never reached the server.
	return provider.NewTransient(provider.CapabilityStorage, op, err)
}
