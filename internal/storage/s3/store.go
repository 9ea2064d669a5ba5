package s3

import (
	"context"
	stderrors "errors"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/objectfs/chunkcache/internal/storage"
	"github.com/objectfs/chunkcache/pkg/errors"
	"github.com/objectfs/chunkcache/pkg/utils"
)

// Store reads objects from one bucket
type Store struct {
	client     Client
	downloader *manager.Downloader
	bucket     string
	config     *Config
	metrics    *MetricsCollector
	logger     *utils.StructuredLogger
}

var _ storage.BlobStore = (*Store)(nil)

// NewStore wraps client for bucket
func NewStore(client Client, bucket string, cfg *Config, logger *utils.StructuredLogger) *Store {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	return &Store{
		client: client,
		downloader: manager.NewDownloader(client, func(d *manager.Downloader) {
			d.PartSize = cfg.PartSize
			d.Concurrency = cfg.Concurrency
		}),
		bucket:  bucket,
		config:  cfg,
		metrics: NewMetricsCollector(),
		logger:  logger.WithComponent("s3-source").WithField("bucket", bucket),
	}
}

// Get returns the object named name
func (s *Store) Get(ctx context.Context, name string) ([]byte, error) {
	if s.bucket == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "bucket name cannot be empty").
			WithComponent("s3-source")
	}
	if s.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.RequestTimeout)
		defer cancel()
	}

	start := time.Now()
	data, ranged, err := s.get(ctx, name)
	if err != nil {
		err = s.translateError(ctx, err, name)
	}
	s.metrics.RecordRequest(time.Since(start), int64(len(data)), ranged, err,
		stderrors.Is(err, errors.ErrObjectNotFound))

	if err != nil {
		if !stderrors.Is(err, errors.ErrObjectNotFound) {
			s.logger.Debug("Object read failed", map[string]interface{}{
				"key":   name,
				"error": err,
			})
		}
		return nil, err
	}
	return data, nil
}

func (s *Store) get(ctx context.Context, name string) ([]byte, bool, error) {
	if s.config.DownloadThreshold > 0 {
		head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(name),
		})
		if err != nil {
			return nil, false, err
		}
		size := aws.ToInt64(head.ContentLength)
		if size >= s.config.DownloadThreshold {
			data, err := s.download(ctx, name, size)
			return data, true, err
		}
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(name),
	})
	if err != nil {
		return nil, false, err
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, err
	}
	return data, false, nil
}

// download fetches a large object as concurrent ranged parts
func (s *Store) download(ctx context.Context, name string, size int64) ([]byte, error) {
	buf := manager.NewWriteAtBuffer(make([]byte, 0, size))
	n, err := s.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(name),
	})
	if err != nil {
		return nil, err
	}
	s.logger.Trace("Ranged download complete", map[string]interface{}{
		"key":   name,
		"bytes": n,
	})
	return buf.Bytes()[:n], nil
}

// Metrics returns a snapshot of request metrics
func (s *Store) Metrics() StoreMetrics {
	return s.metrics.GetMetrics()
}

// Bucket returns the bucket name
func (s *Store) Bucket() string {
	return s.bucket
}

func (s *Store) translateError(ctx context.Context, err error, key string) error {
	var ce *errors.CacheError
	switch {
	case isErrorType[*s3types.NoSuchKey](err), isErrorType[*s3types.NotFound](err), apiCode(err) == "NotFound":
		ce = errors.NewError(errors.ErrCodeObjectNotFound, "object not found")
	case isErrorType[*s3types.NoSuchBucket](err):
		ce = errors.NewError(errors.ErrCodeBucketNotFound, "bucket not found")
	case apiCode(err) == "AccessDenied" || apiCode(err) == "Forbidden":
		ce = errors.Wrap(err, errors.ErrCodeAccessDenied, "access denied")
	case stderrors.Is(ctx.Err(), context.DeadlineExceeded):
		ce = errors.NewError(errors.ErrCodeConnectionTimeout, "object read timed out").
			WithDetail("error", err.Error())
	case ctx.Err() != nil:
		ce = errors.Wrap(err, errors.ErrCodeOperationCanceled, "object read canceled")
	default:
		ce = errors.Wrap(err, errors.ErrCodeStorageRead, "object read failed")
	}
	return ce.WithComponent("s3-source").
		WithDetail("bucket", s.bucket).
		WithDetail("key", key)
}

// isErrorType checks if an error is of a specific type
func isErrorType[T error](err error) bool {
	var target T
	return stderrors.As(err, &target)
}

func apiCode(err error) string {
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}
