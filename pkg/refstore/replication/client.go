package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tendant/simple-refstore/pkg/refstore"
	"github.com/tendant/simple-refstore/pkg/refstore/api/problem"
)

// ClientConfig configures the HTTP client of a source cluster
type ClientConfig struct {
	BaseURL      string
	Token        string
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Timeout      time.Duration
	Logger       *slog.Logger
}

// Client talks to the refstore HTTP API of a source cluster
type Client struct {
	baseURL *url.URL
	token   string
	http    *retryablehttp.Client
}

// NewClient creates a source client
func NewClient(config ClientConfig) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("source base url is required")
	}
	baseURL, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing source url: %w", err)
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
	if config.RetryWaitMin > 0 {
		client.RetryWaitMin = config.RetryWaitMin
	}
	if config.RetryWaitMax > 0 {
		client.RetryWaitMax = config.RetryWaitMax
	}
	if config.Timeout > 0 {
		client.HTTPClient.Timeout = config.Timeout
	}

	return &Client{baseURL: baseURL, token: config.Token, http: client}, nil
}

// BaseURL returns the source cluster's root URL
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// unexpectedStatusError reports a response the client has no mapping for
type unexpectedStatusError struct {
	URL    string
	Status int
	Body   string
}

func (e *unexpectedStatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d: %s", e.URL, e.Status, e.Body)
}

func (c *Client) get(ctx context.Context, u *url.URL) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", u, err)
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, u *url.URL, notFound error, v any) error {
	resp, err := c.get(ctx, u)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && notFound != nil {
		return notFound
	}
	if resp.StatusCode != http.StatusOK {
		return statusError(u, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response of %s: %w", u, err)
	}
	return nil
}

func statusError(u *url.URL, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &unexpectedStatusError{URL: u.String(), Status: resp.StatusCode, Body: string(body)}
}

type snapshotsResponse struct {
	Snapshots []refstore.SnapshotInfo `json:"snapshots"`
}

// GetSnapshots lists the snapshots of ns, newest first
func (c *Client) GetSnapshots(ctx context.Context, ns string) ([]refstore.SnapshotInfo, error) {
	var out snapshotsResponse
	if err := c.getJSON(ctx, c.baseURL.JoinPath("replication-log", "snapshots", ns), nil, &out); err != nil {
		return nil, err
	}
	return out.Snapshots, nil
}

type incrementalResponse struct {
	Events []refstore.ReplicationLogEvent `json:"events"`
}

// GetIncremental returns up to count events after the watermark. A rejected
// cursor is returned as an *refstore.InvalidCursorError carrying the
// snapshot the source suggested, if any.
func (c *Client) GetIncremental(ctx context.Context, ns string, after refstore.Watermark, count int) ([]refstore.ReplicationLogEvent, error) {
	u := c.baseURL.JoinPath("replication-log", "incremental", ns)
	q := u.Query()
	if !after.IsZero() {
		q.Set("lastBucket", after.Bucket)
		q.Set("lastEvent", after.Event.String())
	}
	if count > 0 {
		q.Set("count", strconv.Itoa(count))
	}
	u.RawQuery = q.Encode()

	resp, err := c.get(ctx, u)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var out incrementalResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("decoding response of %s: %w", u, err)
		}
		return out.Events, nil
	case http.StatusNotFound:
		return nil, refstore.ErrNamespaceNotFound
	case http.StatusBadRequest:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		p := problem.Decode(body)
		if p == nil || !p.IsUseSnapshot() {
			return nil, &unexpectedStatusError{URL: u.String(), Status: resp.StatusCode, Body: string(body)}
		}
		cursorErr := &refstore.InvalidCursorError{Namespace: ns, Cursor: after, Reason: p.Detail}
		if p.SnapshotID != "" {
			id, err := refstore.ParseBlobIdentifier(p.SnapshotID)
			if err != nil {
				return nil, fmt.Errorf("source suggested invalid snapshot %q: %w", p.SnapshotID, err)
			}
			cursorErr.Snapshot = &refstore.SnapshotInfo{
				SourceNamespace:   ns,
				SnapshotNamespace: p.SnapshotNamespace,
				SnapshotBlob:      id,
			}
		}
		return nil, cursorErr
	default:
		return nil, statusError(u, resp)
	}
}

// GetBlob downloads a blob, ErrBlobNotFound when the source does not have it
func (c *Client) GetBlob(ctx context.Context, ns string, id refstore.BlobIdentifier) ([]byte, error) {
	u := c.baseURL.JoinPath("blobs", ns, id.String())
	resp, err := c.get(ctx, u)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("reading blob %s: %w", id, err)
		}
		return data, nil
	case http.StatusNotFound:
		return nil, refstore.ErrBlobNotFound
	default:
		return nil, statusError(u, resp)
	}
}

type referencesResponse struct {
	References []refstore.BlobIdentifier `json:"references"`
}

// GetReferences returns every blob reachable from the document id
func (c *Client) GetReferences(ctx context.Context, ns string, id refstore.BlobIdentifier) ([]refstore.BlobIdentifier, error) {
	var out referencesResponse
	if err := c.getJSON(ctx, c.baseURL.JoinPath("objects", ns, id.String(), "references"), refstore.ErrBlobNotFound, &out); err != nil {
		return nil, err
	}
	return out.References, nil
}

// GetRef downloads the structured payload of a reference
func (c *Client) GetRef(ctx context.Context, ns, bucket, key string) ([]byte, error) {
	u := c.baseURL.JoinPath("refs", ns, bucket, key+".uecb")
	resp, err := c.get(ctx, u)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return io.ReadAll(resp.Body)
	case http.StatusNotFound:
		return nil, refstore.ErrRefNotFound
	default:
		return nil, statusError(u, resp)
	}
}
