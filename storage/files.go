package storage

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const maxDocumentBytes int64 = 100 * 1024 * 1024

// FileStore persists uploaded document files and hands them back to the
// ingestion workers. Keys are opaque storage locators recorded on the
// Document row.
type FileStore interface {
	Save(ctx context.Context, fileHeader *multipart.FileHeader, key string) error
	Open(ctx context.Context, key string) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// URLSigner is an optional FileStore capability: stores that can mint
// short-lived download links implement it, callers fall back to streaming
// through the API when the store cannot.
type URLSigner interface {
	PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// NewKey builds a fresh storage key preserving the original file extension.
func NewKey(filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	return "documents/" + uuid.NewString() + ext
}

// NewFileStoreFromEnv prefers MinIO when the MINIO_* variables are set and
// falls back to a local directory store otherwise.
func NewFileStoreFromEnv() (FileStore, error) {
	store, err := newObjectStoreFromEnv()
	if err != nil {
		return nil, err
	}
	if store != nil {
		return store, nil
	}
	return newLocalStoreFromEnv()
}

// objectStore keeps document files in a MinIO/S3 bucket.
type objectStore struct {
	client *minio.Client
	bucket string
}

func newObjectStoreFromEnv() (*objectStore, error) {
	endpoint := strings.TrimSpace(os.Getenv("MINIO_ENDPOINT"))
	accessKey := strings.TrimSpace(os.Getenv("MINIO_ACCESS_KEY"))
	secretKey := strings.TrimSpace(os.Getenv("MINIO_SECRET_KEY"))
	bucket := strings.TrimSpace(os.Getenv("MINIO_BUCKET"))
	if endpoint == "" || accessKey == "" || secretKey == "" || bucket == "" {
		return nil, nil
	}

	useSSL := strings.EqualFold(strings.TrimSpace(os.Getenv("MINIO_USE_SSL")), "true")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: init minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("storage: check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("storage: create bucket: %w", err)
		}
	}

	return &objectStore{client: client, bucket: bucket}, nil
}

func (s *objectStore) Save(ctx context.Context, fileHeader *multipart.FileHeader, key string) error {
	if fileHeader == nil {
		return fmt.Errorf("storage: file not provided")
	}
	if fileHeader.Size > maxDocumentBytes {
		return fmt.Errorf("storage: file size exceeds %d bytes", maxDocumentBytes)
	}

	src, err := fileHeader.Open()
	if err != nil {
		return fmt.Errorf("storage: open upload: %w", err)
	}
	defer src.Close()

	contentType := fileHeader.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err = s.client.PutObject(ctx, s.bucket, key, src, fileHeader.Size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("storage: put object %s: %w", key, err)
	}
	return nil
}

func (s *objectStore) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, fmt.Errorf("storage: get object %s: %w", key, err)
	}
	stat, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, 0, fmt.Errorf("storage: stat object %s: %w", key, err)
	}
	return obj, stat.Size, nil
}

func (s *objectStore) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("storage: remove object %s: %w", key, err)
	}
	return nil
}

func (s *objectStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.StatusCode == 404 {
			return false, nil
		}
		return false, fmt.Errorf("storage: stat object %s: %w", key, err)
	}
	return true, nil
}

// PresignedURL returns a short-lived download link for operator tooling.
func (s *objectStore) PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	signed, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("storage: presign object %s: %w", key, err)
	}
	return signed.String(), nil
}
