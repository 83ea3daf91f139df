package artifact

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Store keeps artifacts in an S3-compatible bucket via minio.
type S3Store struct {
	mc     *minio.Client
	bucket string
}

type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("s3 access key and secret key are required")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}

	s := &S3Store{mc: mc, bucket: cfg.Bucket}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *S3Store) ensureBucket(ctx context.Context) error {
	exists, err := s.mc.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := s.mc.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
	}
	return nil
}

func (s *S3Store) Put(ctx context.Context, name string, content io.Reader) (Handle, error) {
	key := path.Join(uuid.New().String(), path.Base(name))

	// unknown size, minio streams in parts
	_, err := s.mc.PutObject(ctx, s.bucket, key, content, -1, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}

	return Handle(key), nil
}

func (s *S3Store) Get(ctx context.Context, handle Handle) (io.ReadCloser, error) {
	obj, err := s.mc.GetObject(ctx, s.bucket, string(handle), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", handle, err)
	}

	// GetObject is lazy, probe for existence up front
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if strings.Contains(err.Error(), "does not exist") {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return obj, nil
}

func (s *S3Store) Delete(ctx context.Context, handle Handle) error {
	return s.mc.RemoveObject(ctx, s.bucket, string(handle), minio.RemoveObjectOptions{})
}
