// Package objstore is the object-storage adapter for staging buckets and
// gs:// sources, backed by Google Cloud Storage.
package objstore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"
)

type Client struct {
	logger  logger.Logger
	timeout time.Duration

	mu     sync.Mutex
	client *storage.Client
}

func New(conf *config.Config, log logger.Logger) *Client {
	return &Client{
		logger:  log.Child("objstore"),
		timeout: conf.GetDuration("ImportService.objstore.timeout", 10, time.Minute),
	}
}

// ParseGSURL splits a gs://bucket/object URL.
func ParseGSURL(rawURL string) (bucket, object string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("parsing %q: %w", rawURL, err)
	}
	if u.Scheme != "gs" || u.Host == "" {
		return "", "", fmt.Errorf("%q is not a gs:// URL", rawURL)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

func (c *Client) getClient(ctx context.Context) (*storage.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}
	c.client = client
	return c.client, nil
}

// UserClient builds a one-off storage client authenticated with the given
// token source, used when reading objects as the submitter's pet identity.
// The caller owns the returned client.
func (c *Client) UserClient(ctx context.Context, ts oauth2.TokenSource) (*storage.Client, error) {
	client, err := storage.NewClient(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("creating user storage client: %w", err)
	}
	return client, nil
}

// Reader opens an object for streaming reads with service-account
// credentials.
func (c *Client) Reader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	client, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}
	rc, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening gs://%s/%s: %w", bucket, object, err)
	}
	return rc, nil
}

// ReaderAs opens an object for streaming reads using the given token source.
func (c *Client) ReaderAs(ctx context.Context, ts oauth2.TokenSource, bucket, object string) (io.ReadCloser, error) {
	client, err := c.UserClient(ctx, ts)
	if err != nil {
		return nil, err
	}
	rc, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("opening gs://%s/%s: %w", bucket, object, err)
	}
	return &userReader{ReadCloser: rc, client: client}, nil
}

// userReader ties the one-off client's lifetime to the reader's.
type userReader struct {
	io.ReadCloser
	client *storage.Client
}

func (r *userReader) Close() error {
	err := r.ReadCloser.Close()
	if cerr := r.client.Close(); err == nil {
		err = cerr
	}
	return err
}

// Writer opens an object for streaming writes. The write is finalized on
// Close.
func (c *Client) Writer(ctx context.Context, bucket, object string) (io.WriteCloser, error) {
	client, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}
	w := client.Bucket(bucket).Object(object).NewWriter(ctx)
	// Small chunks keep translation memory bounded regardless of file size.
	w.ChunkSize = 1 << 20
	return w, nil
}

// Move copies src onto dst and deletes src.
func (c *Client) Move(ctx context.Context, srcBucket, srcObject, dstBucket, dstObject string) error {
	client, err := c.getClient(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	src := client.Bucket(srcBucket).Object(srcObject)
	dst := client.Bucket(dstBucket).Object(dstObject)
	if _, err := dst.CopierFrom(src).Run(ctx); err != nil {
		return fmt.Errorf("copying gs://%s/%s to gs://%s/%s: %w", srcBucket, srcObject, dstBucket, dstObject, err)
	}
	if err := src.Delete(ctx); err != nil {
		return fmt.Errorf("deleting gs://%s/%s: %w", srcBucket, srcObject, err)
	}
	return nil
}

// RawClient exposes the underlying service-account client for codecs that
// need random access (parquet footers).
func (c *Client) RawClient(ctx context.Context) (*storage.Client, error) {
	return c.getClient(ctx)
}
