package local

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"modelhub/internal/contentstore"
	"modelhub/internal/storage"
)

// Store 将正式文件写入本地文件系统。
type Store struct {
	BaseDir string
	BaseURL string

	fs *contentstore.Store
}

func New(baseDir, baseURL string) *Store {
	return &Store{BaseDir: baseDir, BaseURL: baseURL, fs: contentstore.New()}
}

// Write 以临时文件加重命名的方式写入，保证键位置上永远不会出现半个文件。
func (s *Store) Write(ctx context.Context, key string, r io.Reader) (storage.Location, error) {
	if s == nil {
		return storage.Location{}, fmt.Errorf("local store uninitialized")
	}

	select {
	case <-ctx.Done():
		return storage.Location{}, ctx.Err()
	default:
	}

	cleanKey := filepath.ToSlash(filepath.Clean(key))
	targetPath := filepath.Join(s.BaseDir, filepath.FromSlash(cleanKey))
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return storage.Location{}, fmt.Errorf("ensure dir: %w", err)
	}

	tempPath := targetPath + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return storage.Location{}, fmt.Errorf("create temp file: %w", err)
	}

	if _, err := io.Copy(file, r); err != nil {
		file.Close()
		os.Remove(tempPath)
		return storage.Location{}, fmt.Errorf("write file: %w", err)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return storage.Location{}, fmt.Errorf("sync file: %w", err)
	}

	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return storage.Location{}, fmt.Errorf("close file: %w", err)
	}

	if err := os.Rename(tempPath, targetPath); err != nil {
		os.Remove(tempPath)
		return storage.Location{}, fmt.Errorf("rename temp file: %w", err)
	}

	loc := storage.Location{Path: cleanKey}
	if s.BaseURL != "" {
		if u, err := url.JoinPath(s.BaseURL, cleanKey); err == nil {
			loc.URL = u
		}
	}

	return loc, nil
}

// Read 打开并返回指定 key 对应的文件内容。
func (s *Store) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	if s == nil {
		return nil, fmt.Errorf("local store uninitialized")
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	targetPath, err := s.resolve(key)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(targetPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file not found: %s", key)
		}
		return nil, fmt.Errorf("open file: %w", err)
	}

	return file, nil
}

// Delete 删除 key 对应的文件并收拾因此变空的上级目录。
func (s *Store) Delete(ctx context.Context, key string) error {
	if s == nil {
		return fmt.Errorf("local store uninitialized")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	targetPath, err := s.resolve(key)
	if err != nil {
		return err
	}

	if err := s.fs.Delete(targetPath); err != nil {
		return err
	}
	return s.fs.PruneEmptyAncestors(targetPath, s.BaseDir)
}

// resolve 把存储键映射到 BaseDir 下的绝对路径，并拒绝越界键。
func (s *Store) resolve(key string) (string, error) {
	target := filepath.Join(s.BaseDir, filepath.FromSlash(filepath.ToSlash(filepath.Clean(key))))
	return contentstore.ResolveUnder(s.BaseDir, target)
}
