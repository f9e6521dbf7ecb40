package download

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Resolver turns a source reference into a fetchable HTTP(S) URL.
type Resolver interface {
	Resolve(ctx context.Context, rawURL string) (string, error)
}

// MirrorConfig points at an S3-compatible bucket holding release assets.
type MirrorConfig struct {
	Endpoint  string `json:"endpoint" yaml:"endpoint" toml:"endpoint"`
	Bucket    string `json:"bucket" yaml:"bucket" toml:"bucket"`
	AccessKey string `json:"access_key" yaml:"access_key" toml:"access_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key" toml:"secret_key"`
	UseSSL    bool   `json:"use_ssl" yaml:"use_ssl" toml:"use_ssl"`
	// Prefix is the key prefix under which engine releases are mirrored.
	Prefix string        `json:"prefix" yaml:"prefix" toml:"prefix"`
	Expiry time.Duration `json:"expiry" yaml:"expiry" toml:"expiry"`
}

// Enabled reports whether a mirror endpoint is configured.
func (c MirrorConfig) Enabled() bool { return strings.TrimSpace(c.Endpoint) != "" }

// MinioResolver presigns s3://bucket/key references; other URLs pass through.
type MinioResolver struct {
	client *minio.Client
	bucket string
	expiry time.Duration
}

// NewMinioResolver builds a resolver against cfg.Endpoint.
func NewMinioResolver(cfg MirrorConfig) (*MinioResolver, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("mirror endpoint is required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	exp := cfg.Expiry
	if exp <= 0 {
		exp = time.Hour
	}
	return &MinioResolver{client: client, bucket: cfg.Bucket, expiry: exp}, nil
}

// ReleaseBase is the s3:// reference engine installs are fetched from, or ""
// when no mirror is configured.
func (c MirrorConfig) ReleaseBase() string {
	if !c.Enabled() || c.Bucket == "" {
		return ""
	}
	base := "s3://" + c.Bucket
	if p := strings.Trim(c.Prefix, "/"); p != "" {
		base += "/" + p
	}
	return base
}

// Bucket returns the default bucket for mirror references.
func (r *MinioResolver) Bucket() string { return r.bucket }

// Resolve presigns a GET for s3://bucket/key; http(s) URLs are returned unchanged.
func (r *MinioResolver) Resolve(ctx context.Context, rawURL string) (string, error) {
	bucket, key, ok := ParseS3(rawURL)
	if !ok {
		return rawURL, nil
	}
	if bucket == "" {
		bucket = r.bucket
	}
	u, err := r.client.PresignedGetObject(ctx, bucket, key, r.expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign s3://%s/%s: %w", bucket, key, err)
	}
	return u.String(), nil
}

// ParseS3 splits s3://bucket/key. ok is false for other schemes.
func ParseS3(raw string) (bucket, key string, ok bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "s3" {
		return "", "", false
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), true
}
