package s3

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Client wraps minio-go for the object operations the bucket
// specialization proxies to a bucket's own S3-compatible server:
// upload, download, delete, list, head, and presigned URLs, all against
// arbitrary caller-supplied keys.
type Client struct {
	mc     *minio.Client
	bucket string
}

// NewClient creates a new S3-compatible client from configuration.
func NewClient(cfg *Config) (*Client, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid s3 config: %w", err)
	}

	lookup := minio.BucketLookupAuto
	if cfg.ForcePathStyle {
		lookup = minio.BucketLookupPath
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure:       cfg.UseSSL,
		Region:       cfg.Region,
		BucketLookup: lookup,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &Client{mc: mc, bucket: cfg.Bucket}, nil
}

// NewClientFromMap creates a new client from a map configuration.
func NewClientFromMap(data map[string]interface{}) (*Client, error) {
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, err
	}
	return NewClient(cfg)
}

// ObjectInfo is the metadata returned by Stat and List.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	ETag         string
	LastModified time.Time
}

// PutObject uploads reader's contents at key and returns the server's
// ETag for the written object.
func (c *Client) PutObject(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (string, error) {
	info, err := c.mc.PutObject(ctx, c.bucket, key, reader, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("s3: put s3://%s/%s: %w", c.bucket, key, err)
	}
	return info.ETag, nil
}

// GetObject downloads the object at key. Caller must close the reader.
func (c *Client) GetObject(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := c.mc.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("s3: get s3://%s/%s: %w", c.bucket, key, err)
	}
	return obj, nil
}

// DeleteObject removes the object at key.
func (c *Client) DeleteObject(ctx context.Context, key string) error {
	if err := c.mc.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("s3: delete s3://%s/%s: %w", c.bucket, key, err)
	}
	return nil
}

// ListObjects lists every object whose key starts with prefix.
func (c *Client) ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	for obj := range c.mc.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("s3: list s3://%s/%s*: %w", c.bucket, prefix, obj.Err)
		}
		out = append(out, ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			ContentType:  obj.ContentType,
			ETag:         obj.ETag,
			LastModified: obj.LastModified,
		})
	}
	return out, nil
}

// HeadObject returns metadata for key without downloading its body, or
// nil if key doesn't exist.
func (c *Client) HeadObject(ctx context.Context, key string) (*ObjectInfo, error) {
	stat, err := c.mc.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, nil
		}
		return nil, fmt.Errorf("s3: head s3://%s/%s: %w", c.bucket, key, err)
	}
	return &ObjectInfo{
		Key:          key,
		Size:         stat.Size,
		ContentType:  stat.ContentType,
		ETag:         stat.ETag,
		LastModified: stat.LastModified,
	}, nil
}

// PresignedGetURL returns a time-limited download URL for key.
func (c *Client) PresignedGetURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	reqParams := make(url.Values)
	u, err := c.mc.PresignedGetObject(ctx, c.bucket, key, expiry, reqParams)
	if err != nil {
		return "", fmt.Errorf("s3: presign get s3://%s/%s: %w", c.bucket, key, err)
	}
	return u.String(), nil
}

// PresignedPutURL returns a time-limited upload URL for key.
func (c *Client) PresignedPutURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := c.mc.PresignedPutObject(ctx, c.bucket, key, expiry)
	if err != nil {
		return "", fmt.Errorf("s3: presign put s3://%s/%s: %w", c.bucket, key, err)
	}
	return u.String(), nil
}

// TestConnection checks that the configured bucket exists.
func (c *Client) TestConnection(ctx context.Context) error {
	exists, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("s3: check bucket existence: %w", err)
	}
	if !exists {
		return fmt.Errorf("s3: bucket %q does not exist", c.bucket)
	}
	return nil
}

// EnsureBucket creates the bucket if it doesn't already exist.
func (c *Client) EnsureBucket(ctx context.Context, region string) error {
	exists, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("s3: check bucket existence: %w", err)
	}
	if !exists {
		if err := c.mc.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
			return fmt.Errorf("s3: create bucket %q: %w", c.bucket, err)
		}
	}
	return nil
}

// Bucket returns the configured bucket name.
func (c *Client) Bucket() string {
	return c.bucket
}
