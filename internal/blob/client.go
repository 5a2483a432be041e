// Package blob counts raw scrape objects in the S3-compatible store that
// feeds the pipeline. Gap detection compares these counts against warehouse
// rows for the same business date.
package blob

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config holds connection parameters for the object store.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// Client wraps minio-go for date-scoped prefix counting.
type Client struct {
	mc     *minio.Client
	bucket string
}

// NewClient constructs a client for the configured store.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("blob endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("blob bucket is required")
	}

	endpoint := cfg.Endpoint
	useSSL := cfg.UseSSL
	if u, err := url.Parse(cfg.Endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
		if u.Scheme == "https" {
			useSSL = true
		}
	}

	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create blob client: %w", err)
	}
	return &Client{mc: mc, bucket: cfg.Bucket}, nil
}

// CountForDate counts objects under prefix/YYYY-MM-DD/.
func (c *Client) CountForDate(ctx context.Context, prefix string, date time.Time) (int64, error) {
	full := strings.TrimSuffix(prefix, "/") + "/" + date.UTC().Format("2006-01-02") + "/"

	var count int64
	for obj := range c.mc.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{
		Prefix:    full,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return 0, fmt.Errorf("list %s: %w", full, obj.Err)
		}
		count++
	}
	return count, nil
}

// Ping lists buckets as a connectivity check.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.mc.ListBuckets(ctx)
	if err != nil {
		return fmt.Errorf("blob ping: %w", err)
	}
	return nil
}
