package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/stolink/imageworker/internal/provider"
)

// MaxFetchSize caps the size of a downloaded source image.
const MaxFetchSize = 20 << 20

// HTTPFetcher downloads images over plain HTTP(S).
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher creates a fetcher. A nil client gets one with a 30s timeout.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPFetcher{client: client}
}

// Fetch downloads url. Failures are classified as storage provider errors.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (provider.Artifact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return provider.Artifact{}, provider.NewPermanent(provider.CapabilityStorage, "fetch", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		if perr := provider.ClassifyContext(provider.CapabilityStorage, "fetch", err); perr != nil {
			return provider.Artifact{}, perr
		}
		return provider.Artifact{}, provider.NewTransient(provider.CapabilityStorage, "fetch", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return provider.Artifact{}, &provider.Error{
			Capability: provider.CapabilityStorage,
			Kind:       provider.ClassifyHTTPStatus(resp.StatusCode),
			Op:         "fetch",
			Err:        fmt.Errorf("GET %s: status %d", url, resp.StatusCode),
		}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxFetchSize+1))
	if err != nil {
		return provider.Artifact{}, provider.NewTransient(provider.CapabilityStorage, "fetch", err)
	}
	if len(data) > MaxFetchSize {
		return provider.Artifact{}, provider.NewPermanent(provider.CapabilityStorage, "fetch",
			fmt.Errorf("source image exceeds %d bytes", MaxFetchSize))
	}
	return provider.Artifact{Data: data, ContentType: mimetype.Detect(data).String()}, nil
}
