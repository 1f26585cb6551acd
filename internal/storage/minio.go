package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/usermgmt/apiserver/config"
)

// MinioClient stores snapshots in a single MinIO (or any S3-compatible) bucket.
type MinioClient struct {
	client *minio.Client
	bucket string
	region string
}

// NewMinioClient validates cfg and builds a client. A configured region
// spares the client a bucket-location lookup before every first request.
func NewMinioClient(cfg config.MinioConfig) (*MinioClient, error) {
	switch {
	case strings.TrimSpace(cfg.Endpoint) == "":
		return nil, errors.New("minio endpoint is required")
	case strings.TrimSpace(cfg.AccessKey) == "" || strings.TrimSpace(cfg.SecretKey) == "":
		return nil, errors.New("minio access key and secret key are required")
	case strings.TrimSpace(cfg.Bucket) == "":
		return nil, errors.New("minio bucket is required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinioClient{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

// EnsureBucket creates the bucket in the configured region when missing.
func (m *MinioClient) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{Region: m.region})
}

func (m *MinioClient) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}

// Get opens the object under key. The object is stat'ed up front so a missing
// key is reported here as ErrObjectNotFound rather than on first read.
func (m *MinioClient) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, minioError(key, err)
	}
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, minioError(key, err)
	}
	return obj, nil
}

func (m *MinioClient) Delete(ctx context.Context, key string) error {
	return m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{})
}

func (m *MinioClient) Bucket() string {
	return m.bucket
}

// Close is a no-op; the MinIO client holds no long-lived connections.
func (m *MinioClient) Close() error {
	return nil
}

func minioError(key string, err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", key, ErrObjectNotFound)
	}
	return err
}
