package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
)

// localStore keeps document files on the local filesystem. Used when no
// MinIO endpoint is configured, which keeps single-node deployments and
// tests free of external services.
type localStore struct {
	baseDir string
}

func newLocalStoreFromEnv() (*localStore, error) {
	dir := strings.TrimSpace(os.Getenv("DOCQA_STORAGE_DIR"))
	if dir == "" {
		dir = "./data/documents"
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve storage dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure storage dir: %w", err)
	}
	return &localStore{baseDir: abs}, nil
}

// NewLocalStore pins the store to an explicit directory. Mainly useful for tests.
func NewLocalStore(dir string) (FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure storage dir: %w", err)
	}
	return &localStore{baseDir: dir}, nil
}

func (s *localStore) resolve(key string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(key))
	if cleaned == "." || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("storage: invalid key %q", key)
	}
	return filepath.Join(s.baseDir, cleaned), nil
}

func (s *localStore) Save(ctx context.Context, fileHeader *multipart.FileHeader, key string) error {
	if fileHeader == nil {
		return errors.New("storage: file not provided")
	}
	if fileHeader.Size > maxDocumentBytes {
		return fmt.Errorf("storage: file size exceeds %d bytes", maxDocumentBytes)
	}

	target, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("storage: ensure key dir: %w", err)
	}

	src, err := fileHeader.Open()
	if err != nil {
		return fmt.Errorf("storage: open upload: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("storage: create file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, io.LimitReader(src, maxDocumentBytes+1)); err != nil {
		return fmt.Errorf("storage: write file: %w", err)
	}
	return nil
}

func (s *localStore) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	target, err := s.resolve(key)
	if err != nil {
		return nil, 0, err
	}
	file, err := os.Open(target)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: open file %s: %w", key, err)
	}
	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, 0, fmt.Errorf("storage: stat file %s: %w", key, err)
	}
	return file, stat.Size(), nil
}

func (s *localStore) Delete(ctx context.Context, key string) error {
	target, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("storage: remove file %s: %w", key, err)
	}
	return nil
}

func (s *localStore) Exists(ctx context.Context, key string) (bool, error) {
	target, err := s.resolve(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(target); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("storage: stat file %s: %w", key, err)
	}
	return true, nil
}
