package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	apperrors "github.com/aihub/rag-go/internal/errors"
)

// DocumentStore 文档原始字节存储
type DocumentStore interface {
	Upload(ctx context.Context, tenantID, documentID uint, reader io.Reader, size int64, contentType string) error
	Download(ctx context.Context, tenantID, documentID uint) (io.ReadCloser, error)
	Remove(ctx context.Context, tenantID, documentID uint) error
	Exists(ctx context.Context, tenantID, documentID uint) (bool, error)
	Ready() bool
}

// MinIOOptions 对象存储配置
type MinIOOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinIOStore 基于MinIO/S3的文档存储
type MinIOStore struct {
	client *minio.Client
	bucket string
}

// NewMinIOStore 创建文档存储并确保bucket存在
func NewMinIOStore(ctx context.Context, opts MinIOOptions) (*MinIOStore, error) {
	if opts.Endpoint == "" {
		return nil, apperrors.NewConfigurationError("object storage endpoint is not configured")
	}
	if opts.Bucket == "" {
		opts.Bucket = "documents"
	}

	endpoint := strings.TrimPrefix(opts.Endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	bucketCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	exists, err := client.BucketExists(bucketCtx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		err = client.MakeBucket(bucketCtx, opts.Bucket, minio.MakeBucketOptions{})
		if err != nil {
			errStr := err.Error()
			// 并发初始化时bucket可能刚被别的实例创建
			if !strings.Contains(errStr, "BucketAlreadyExists") &&
				!strings.Contains(errStr, "BucketAlreadyOwnedByYou") {
				return nil, fmt.Errorf("failed to create bucket %s: %w", opts.Bucket, err)
			}
		}
	}

	return &MinIOStore{client: client, bucket: opts.Bucket}, nil
}

// objectKey 对象按租户分目录，避免跨租户枚举
func objectKey(tenantID, documentID uint) string {
	return fmt.Sprintf("tenants/%d/documents/%d", tenantID, documentID)
}

func (s *MinIOStore) Upload(ctx context.Context, tenantID, documentID uint, reader io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, objectKey(tenantID, documentID), reader, size,
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("failed to upload document %d: %w", documentID, err)
	}
	return nil
}

func (s *MinIOStore) Download(ctx context.Context, tenantID, documentID uint) (io.ReadCloser, error) {
	object, err := s.client.GetObject(ctx, s.bucket, objectKey(tenantID, documentID), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to download document %d: %w", documentID, err)
	}
	return object, nil
}

func (s *MinIOStore) Remove(ctx context.Context, tenantID, documentID uint) error {
	return s.client.RemoveObject(ctx, s.bucket, objectKey(tenantID, documentID), minio.RemoveObjectOptions{})
}

func (s *MinIOStore) Exists(ctx context.Context, tenantID, documentID uint) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, objectKey(tenantID, documentID), minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *MinIOStore) Ready() bool {
	if s == nil || s.client == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := s.client.ListBuckets(ctx)
	return err == nil
}
