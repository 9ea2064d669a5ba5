// Package minio reads chunk objects from MinIO and other S3-compatible
// servers through minio-go.
package minio

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/objectfs/chunkcache/internal/storage"
	"github.com/objectfs/chunkcache/pkg/errors"
	"github.com/objectfs/chunkcache/pkg/utils"
)

// Config describes how to reach the server
type Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`

	// Region skips the bucket-location lookup when set
	Region string `yaml:"region"`
}

// NewClient creates a path-style minio client
func NewClient(cfg Config) (*minio.Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.Secure,
		Region:       cfg.Region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to create minio client").
			WithComponent("minio-source")
	}
	return client, nil
}

// Store reads objects from one bucket
type Store struct {
	client *minio.Client
	bucket string
	logger *utils.StructuredLogger
}

var (
	_ storage.BlobStore  = (*Store)(nil)
	_ storage.BlobWriter = (*Store)(nil)
)

// NewStore wraps client for bucket
func NewStore(client *minio.Client, bucket string, logger *utils.StructuredLogger) *Store {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Store{
		client: client,
		bucket: bucket,
		logger: logger.WithComponent("minio-source").WithField("bucket", bucket),
	}
}

// Get returns the object named name
func (s *Store) Get(ctx context.Context, name string) ([]byte, error) {
	start := time.Now()
	obj, err := s.client.GetObject(ctx, s.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.translateError(ctx, err, name)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.translateError(ctx, err, name)
	}

	s.logger.Trace("Object read", map[string]interface{}{
		"key":      name,
		"bytes":    len(data),
		"duration": time.Since(start).String(),
	})
	return data, nil
}

// Put writes an object
func (s *Store) Put(ctx context.Context, name string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, name, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return s.translateError(ctx, err, name)
	}
	return nil
}

func (s *Store) translateError(ctx context.Context, err error, key string) error {
	resp := minio.ToErrorResponse(err)

	var ce *errors.CacheError
	switch {
	case resp.Code == "NoSuchKey" || resp.Code == "NotFound":
		ce = errors.NewError(errors.ErrCodeObjectNotFound, "object not found")
	case resp.Code == "NoSuchBucket":
		ce = errors.NewError(errors.ErrCodeBucketNotFound, "bucket not found")
	case resp.Code == "AccessDenied" || resp.StatusCode == http.StatusForbidden:
		ce = errors.Wrap(err, errors.ErrCodeAccessDenied, "access denied")
	case ctx.Err() == context.DeadlineExceeded:
		ce = errors.NewError(errors.ErrCodeConnectionTimeout, "object read timed out").
			WithDetail("error", err.Error())
	case ctx.Err() != nil:
		ce = errors.Wrap(err, errors.ErrCodeOperationCanceled, "object read canceled")
	case resp.StatusCode == http.StatusServiceUnavailable || resp.Code == "SlowDown":
		ce = errors.Wrap(err, errors.ErrCodeServiceUnavailable, "server busy")
	default:
		ce = errors.Wrap(err, errors.ErrCodeStorageRead, "object read failed")
	}
	return ce.WithComponent("minio-source").
		WithDetail("bucket", s.bucket).
		WithDetail("key", key)
}
