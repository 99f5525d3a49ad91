package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/stolink/imageworker/internal/provider"
)

// S3API is the subset of the S3 client used for reads.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Uploader is the subset of the S3 transfer manager used for writes.
type Uploader interface {
	Upload(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Options configures an S3Store.
type S3Options struct {
	Bucket string
	Region string
	// PublicBaseURL is the CDN origin serving the bucket. When empty, the
	// virtual-hosted S3 URL is returned.
	PublicBaseURL string
}

// S3Store stores artifacts in an S3 bucket.
type S3Store struct {
	api      S3API
	uploader Uploader
	opts     S3Options
	http     *HTTPFetcher
}

// NewS3Store creates a store backed by client.
func NewS3Store(client *s3.Client, opts S3Options, httpClient *http.Client) *S3Store {
	return newS3Store(client, manager.NewUploader(client), opts, NewHTTPFetcher(httpClient))
}

func newS3Store(api S3API, uploader Uploader, opts S3Options, fetcher *HTTPFetcher) *S3Store {
	opts.PublicBaseURL = strings.TrimRight(opts.PublicBaseURL, "/")
	return &S3Store{api: api, uploader: uploader, opts: opts, http: fetcher}
}

// Put implements provider.ObjectStore.
func (s *S3Store) Put(ctx context.Context, key string, a provider.Artifact) (string, error) {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.opts.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(a.Data),
		ContentType: aws.String(ContentType(a)),
	})
	if err != nil {
		return "", provider.ClassifyAWS(provider.CapabilityStorage, "upload "+key, err)
	}
	return s.PublicURL(key), nil
}

// PublicURL returns the URL an object is served from.
func (s *S3Store) PublicURL(key string) string {
	return s.baseURL() + "/" + urlPath(key)
}

func (s *S3Store) baseURL() string {
	if s.opts.PublicBaseURL != "" {
		return s.opts.PublicBaseURL
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", s.opts.Bucket, s.opts.Region)
}

// Fetch downloads an image. URLs served from this store are read from the
// bucket directly, others over HTTP.
func (s *S3Store) Fetch(ctx context.Context, url string) (provider.Artifact, error) {
	key, ok := keyFromURL(url, s.baseURL())
	if !ok {
		return s.http.Fetch(ctx, url)
	}

	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return provider.Artifact{}, provider.ClassifyAWS(provider.CapabilityStorage, "get "+key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, MaxFetchSize+1))
	if err != nil {
		return provider.Artifact{}, provider.NewTransient(provider.CapabilityStorage, "get "+key, err)
	}
	if len(data) > MaxFetchSize {
		return provider.Artifact{}, provider.NewPermanent(provider.CapabilityStorage, "get "+key,
			fmt.Errorf("object exceeds %d bytes", MaxFetchSize))
	}
	return provider.Artifact{Data: data, ContentType: aws.ToString(out.ContentType)}, nil
}
