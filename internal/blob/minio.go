package blob

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioStore keeps blobs in an S3 compatible bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
}

func NewMinioStore(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("minio bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("make bucket: %w", err)
		}
	}
	return &MinioStore{client: client, bucket: cfg.Bucket}, nil
}

func (s *MinioStore) Put(ctx context.Context, name string, r io.Reader) (Object, error) {
	mimeType, ext, full, err := Sniff(r)
	if err != nil {
		return Object{}, fmt.Errorf("sniff blob: %w", err)
	}
	ref := newRef(name, ext)

	info, err := s.client.PutObject(ctx, s.bucket, string(ref), full, -1, minio.PutObjectOptions{
		ContentType:  mimeType,
		UserMetadata: map[string]string{"original-name": name},
	})
	if err != nil {
		return Object{}, fmt.Errorf("put object: %w", err)
	}
	return Object{Ref: ref, Name: name, MimeType: mimeType, Size: info.Size, CreatedAt: info.LastModified}, nil
}

func (s *MinioStore) Open(ctx context.Context, ref Ref) (io.ReadCloser, Object, error) {
	obj, err := s.Stat(ctx, ref)
	if err != nil {
		return nil, Object{}, err
	}
	rc, err := s.client.GetObject(ctx, s.bucket, string(ref), minio.GetObjectOptions{})
	if err != nil {
		return nil, Object{}, fmt.Errorf("get object: %w", err)
	}
	return rc, obj, nil
}

func (s *MinioStore) Stat(ctx context.Context, ref Ref) (Object, error) {
	if !ref.Valid() {
		return Object{}, ErrInvalidRef
	}
	info, err := s.client.StatObject(ctx, s.bucket, string(ref), minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return Object{}, ErrNotFound
		}
		return Object{}, fmt.Errorf("stat object: %w", err)
	}
	return Object{
		Ref:       ref,
		Name:      info.UserMetadata["Original-Name"],
		MimeType:  baseMIME(info.ContentType),
		Size:      info.Size,
		CreatedAt: info.LastModified,
	}, nil
}

func (s *MinioStore) Delete(ctx context.Context, ref Ref) error {
	if !ref.Valid() {
		return ErrInvalidRef
	}
	if err := s.client.RemoveObject(ctx, s.bucket, string(ref), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}
