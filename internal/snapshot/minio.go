// Package snapshot copies sealed store containers to S3-compatible object
// storage. The bytes it receives are already encrypted.
package snapshot

import (
	"bytes"
	"context"
	"log/slog"
	"path"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config holds MinIO connection settings
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// Region defaults to us-east-1. Setting it avoids a bucket location
	// lookup before each upload.
	Region string
	// Prefix is prepended to object names, e.g. a host name.
	Prefix string
}

// Replicator uploads each container twice: once under its own name, which
// always holds the latest copy, and once under a timestamped history key.
type Replicator struct {
	mc     *minio.Client
	bucket string
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

func New(cfg Config, logger *slog.Logger) (*Replicator, error) {
	if cfg.Bucket == "" {
		return nil, goerr.New("snapshot bucket must not be empty")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "minio client", goerr.V("endpoint", cfg.Endpoint))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Replicator{
		mc:     mc,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Init creates the bucket if it does not exist
func (r *Replicator) Init(ctx context.Context) error {
	exists, err := r.mc.BucketExists(ctx, r.bucket)
	if err != nil {
		return goerr.Wrap(err, "check bucket", goerr.V("bucket", r.bucket))
	}
	if !exists {
		if err := r.mc.MakeBucket(ctx, r.bucket, minio.MakeBucketOptions{}); err != nil {
			return goerr.Wrap(err, "create bucket", goerr.V("bucket", r.bucket))
		}
		r.logger.Info("snapshot bucket created", "bucket", r.bucket)
	}
	return nil
}

// Replicate implements store.Replicator.
func (r *Replicator) Replicate(ctx context.Context, name string, data []byte) error {
	latest := path.Join(r.prefix, name)
	history := path.Join(r.prefix, "history", name+"."+r.now().UTC().Format("20060102T150405.000000000Z"))

	for _, key := range []string{latest, history} {
		if err := r.put(ctx, key, data); err != nil {
			return err
		}
	}
	r.logger.Debug("container replicated", "bucket", r.bucket, "name", latest, "size", len(data))
	return nil
}

func (r *Replicator) put(ctx context.Context, key string, data []byte) error {
	_, err := r.mc.PutObject(ctx, r.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return goerr.Wrap(err, "upload snapshot", goerr.V("bucket", r.bucket), goerr.V("key", key))
	}
	return nil
}

// Healthy checks if object storage is reachable
func (r *Replicator) Healthy(ctx context.Context) bool {
	_, err := r.mc.BucketExists(ctx, r.bucket)
	return err == nil
}
