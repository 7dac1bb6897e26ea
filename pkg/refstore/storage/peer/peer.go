// Package peer provides a read-only blob tier backed by another cluster's
// /blobs HTTP API.
package peer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tendant/simple-refstore/pkg/refstore"
)

// Config options for the peer backend
type Config struct {
	BaseURL       string   // Root URL of the peer's refstore API
	Token         string   // Optional bearer token
	StorageLayers []string // Tiers the peer consults; empty means all of its local tiers
	RetryMax      int      // Retries per request (default 3)
	Timeout       time.Duration
	Logger        *slog.Logger
}

// Backend fetches blobs from a peer. It never forwards to the peer's own
// peers: every request names the storage layers to consult.
type Backend struct {
	baseURL *url.URL
	token   string
	layers  []string
	client  *retryablehttp.Client
}

// New creates a peer backend
func New(config Config) (*Backend, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("peer base url is required")
	}
	baseURL, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing peer url: %w", err)
	}
	if baseURL.Scheme == "" {
		baseURL.Scheme = "http"
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := retryablehttp.NewClient()
	client.Logger = logger
	if config.RetryMax > 0 {
		client.RetryMax = config.RetryMax
	}
	if config.Timeout > 0 {
		client.HTTPClient.Timeout = config.Timeout
	}

	return &Backend{
		baseURL: baseURL,
		token:   config.Token,
		layers:  config.StorageLayers,
		client:  client,
	}, nil
}

// StorageLayers returns the configured tier filter, which may be empty
func (b *Backend) StorageLayers() []string {
	return b.layers
}

func (b *Backend) request(ctx context.Context, method, namespace string, id refstore.BlobIdentifier, layers []string) (*http.Response, error) {
	u := b.baseURL.JoinPath("blobs", namespace, id.String())
	q := u.Query()
	q.Set("localOnly", "true")
	if len(layers) > 0 {
		q.Set("storageLayers", strings.Join(layers, ","))
	}
	u.RawQuery = q.Encode()

	req, err := retryablehttp.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, &refstore.StorageError{Backend: "peer", Key: u.String(), Op: strings.ToLower(method), Err: err}
	}
	return resp, nil
}

// Get fetches the blob using the configured storage layers
func (b *Backend) Get(ctx context.Context, namespace string, id refstore.BlobIdentifier) (io.ReadCloser, error) {
	return b.GetFromLayers(ctx, namespace, id, b.layers)
}

// GetFromLayers fetches the blob, asking the peer to consult only layers
func (b *Backend) GetFromLayers(ctx context.Context, namespace string, id refstore.BlobIdentifier, layers []string) (io.ReadCloser, error) {
	resp, err := b.request(ctx, http.MethodGet, namespace, id, layers)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return resp.Body, nil
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, refstore.ErrBlobNotFound
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &refstore.StorageError{
			Backend: "peer",
			Key:     id.String(),
			Op:      "get",
			Err:     fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(body))),
		}
	}
}

// Exists asks the peer with a HEAD request
func (b *Backend) Exists(ctx context.Context, namespace string, id refstore.BlobIdentifier) (bool, error) {
	resp, err := b.request(ctx, http.MethodHead, namespace, id, b.layers)
	if err != nil {
		return false, err
	}
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, &refstore.StorageError{Backend: "peer", Key: id.String(), Op: "exists", Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}
}

func (b *Backend) Put(ctx context.Context, namespace string, id refstore.BlobIdentifier, reader io.Reader) error {
	return refstore.ErrReadOnlyTier
}

func (b *Backend) Delete(ctx context.Context, namespace string, id refstore.BlobIdentifier) error {
	return refstore.ErrReadOnlyTier
}
