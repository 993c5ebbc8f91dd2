// Package artifact archives per-job task logs to S3-compatible storage.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/mattjoyce/bouncer-worker/internal/config"
	"github.com/mattjoyce/bouncer-worker/internal/log"
)

// KeyPrefix is the object prefix under which task logs are stored.
const KeyPrefix = "tasks"

// Archiver uploads a job's log directory.
type Archiver interface {
	Archive(ctx context.Context, correlationID, dir string) error
}

// ObjectStore is the subset of the minio client used here.
type ObjectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// S3Archiver implements Archiver with minio-go.
type S3Archiver struct {
	store  ObjectStore
	bucket string
	region string
	logger *slog.Logger
}

// NewS3Archiver connects to the configured endpoint.
func NewS3Archiver(cfg config.ArtifactsConfig) (*S3Archiver, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return NewArchiver(client, cfg.Bucket, cfg.Region), nil
}

// NewArchiver wraps an existing object store.
func NewArchiver(store ObjectStore, bucket, region string) *S3Archiver {
	return &S3Archiver{
		store:  store,
		bucket: bucket,
		region: region,
		logger: log.WithComponent("artifact"),
	}
}

// EnsureBucket creates the bucket if it does not exist.
func (a *S3Archiver) EnsureBucket(ctx context.Context) error {
	exists, err := a.store.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.store.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{Region: a.region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", a.bucket, err)
	}
	return nil
}

// Archive uploads every regular file under dir to tasks/<correlationID>/<relpath>.
// A missing directory is not an error; the tool may not have logged anything.
func (a *S3Archiver) Archive(ctx context.Context, correlationID, dir string) error {
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	var uploaded int
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		key := ObjectKey(correlationID, rel)
		opts := minio.PutObjectOptions{
			ContentType:  contentType(p),
			UserMetadata: map[string]string{"correlation-id": correlationID},
		}
		if _, err := a.store.FPutObject(ctx, a.bucket, key, p, opts); err != nil {
			return fmt.Errorf("upload %s: %w", key, err)
		}
		uploaded++
		return nil
	})
	if err != nil {
		return fmt.Errorf("archive task logs %s: %w", correlationID, err)
	}

	a.logger.Debug("task logs archived", "correlation_id", correlationID, "files", uploaded, "bucket", a.bucket)
	return nil
}

// ObjectKey maps a file relative to the task log dir to its object key.
func ObjectKey(correlationID, rel string) string {
	return path.Join(KeyPrefix, correlationID, filepath.ToSlash(rel))
}

func contentType(p string) string {
	switch filepath.Ext(p) {
	case ".log", ".txt":
		return "text/plain"
	}
	if t := mime.TypeByExtension(filepath.Ext(p)); t != "" {
		return t
	}
	return "application/octet-stream"
}
