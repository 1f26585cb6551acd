package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/usermgmt/apiserver/config"
	"google.golang.org/api/option"
)

// GCSClient stores snapshots in a single Google Cloud Storage bucket. The
// client honours STORAGE_EMULATOR_HOST for local runs.
type GCSClient struct {
	client    *storage.Client
	bucket    *storage.BucketHandle
	name      string
	projectID string
}

// NewGCSClient validates cfg and builds a client.
func NewGCSClient(ctx context.Context, cfg config.GCSConfig) (*GCSClient, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("gcs bucket is required")
	}

	var opts []option.ClientOption
	if strings.TrimSpace(cfg.CredentialsFile) != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSClient{
		client:    client,
		bucket:    client.Bucket(cfg.Bucket),
		name:      cfg.Bucket,
		projectID: cfg.ProjectID,
	}, nil
}

// EnsureBucket creates the bucket when missing. Creation needs a project id.
func (g *GCSClient) EnsureBucket(ctx context.Context) error {
	_, err := g.bucket.Attrs(ctx)
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, storage.ErrBucketNotExist):
		return err
	case strings.TrimSpace(g.projectID) == "":
		return fmt.Errorf("gcs bucket %s does not exist and no project id is set to create it", g.name)
	}
	return g.bucket.Create(ctx, g.projectID, nil)
}

// Put uploads r in a single request; size is only used as a chunking hint.
func (g *GCSClient) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	writer := g.bucket.Object(key).NewWriter(ctx)
	writer.ContentType = contentType
	if size > 0 && size < int64(writer.ChunkSize) {
		writer.ChunkSize = 0
	}
	if _, err := io.Copy(writer, r); err != nil {
		_ = writer.Close()
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return writer.Close()
}

func (g *GCSClient) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, err := g.bucket.Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%s: %w", key, ErrObjectNotFound)
	}
	return rc, err
}

func (g *GCSClient) Delete(ctx context.Context, key string) error {
	return g.bucket.Object(key).Delete(ctx)
}

func (g *GCSClient) Bucket() string {
	return g.name
}

func (g *GCSClient) Close() error {
	return g.client.Close()
}
