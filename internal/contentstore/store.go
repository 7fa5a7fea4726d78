package contentstore

import (
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

// ErrStorageWrite 表示底层写入失败。
var ErrStorageWrite = errors.New("contentstore: storage write failed")

// ErrContentInvalid 表示写入的内容未通过完整性校验，文件已被自动删除。
var ErrContentInvalid = errors.New("contentstore: content verification failed")

const (
	copyChunkSize = 32 * 1024

	pruneRetries      = 3
	pruneRetryBackoff = 50 * time.Millisecond
)

// Store 封装本地文件系统上的写入、校验与安全删除。
// 所有写入都带 fsync，保证上层在记录路径之前文件已经落盘。
type Store struct{}

func New() *Store {
	return &Store{}
}

// Save 将 r 的内容以固定分块流式写入 dir/name，目录不存在时自动创建。
// 空内容视为写入失败；图片扩展名会做一次解码校验，校验失败时删除文件并
// 返回 ErrContentInvalid。
func (s *Store) Save(r io.Reader, dir, name string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("ensure dir %s: %w (%w)", dir, err, ErrStorageWrite)
	}

	target := filepath.Join(dir, name)
	file, err := os.Create(target)
	if err != nil {
		return "", fmt.Errorf("create %s: %w (%w)", target, err, ErrStorageWrite)
	}

	buf := make([]byte, copyChunkSize)
	written, err := io.CopyBuffer(file, r, buf)
	if err != nil {
		file.Close()
		os.Remove(target)
		return "", fmt.Errorf("write %s: %w (%w)", target, err, ErrStorageWrite)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(target)
		return "", fmt.Errorf("sync %s: %w (%w)", target, err, ErrStorageWrite)
	}

	if err := file.Close(); err != nil {
		os.Remove(target)
		return "", fmt.Errorf("close %s: %w (%w)", target, err, ErrStorageWrite)
	}

	if written == 0 {
		os.Remove(target)
		return "", fmt.Errorf("empty content at %s: %w", target, ErrStorageWrite)
	}

	if isImageExt(filepath.Ext(name)) {
		if err := verifyImage(target); err != nil {
			os.Remove(target)
			return "", fmt.Errorf("verify %s: %w (%w)", target, err, ErrContentInvalid)
		}
	}

	return target, nil
}

// Delete 删除文件，目标不存在时视为成功（与并发清理者竞争是正常情况）。
func (s *Store) Delete(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

// PruneEmptyAncestors 从 path 的父目录向上逐级删除空目录，到 stopAt 为止。
// 目录非空即停止；目录已被并发删除则继续向上；瞬时错误按短退避重试。
// path 必须位于 stopAt 之下，否则直接拒绝。
func (s *Store) PruneEmptyAncestors(path, stopAt string) error {
	stop, err := filepath.Abs(stopAt)
	if err != nil {
		return fmt.Errorf("resolve stop dir: %w", err)
	}

	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return fmt.Errorf("resolve parent dir: %w", err)
	}

	if !isWithin(stop, dir) {
		return fmt.Errorf("refusing to prune %s outside of %s", dir, stop)
	}

	for dir != stop && isWithin(stop, dir) {
		if err := removeIfEmpty(dir); err != nil {
			if errors.Is(err, errDirNotEmpty) {
				return nil
			}
			return err
		}
		dir = filepath.Dir(dir)
	}

	return nil
}

var errDirNotEmpty = errors.New("directory not empty")

func removeIfEmpty(dir string) error {
	var lastErr error
	for attempt := 0; attempt < pruneRetries; attempt++ {
		err := os.Remove(dir)
		switch {
		case err == nil:
			return nil
		case os.IsNotExist(err):
			// 并发清理者抢先删除，继续向上即可
			return nil
		case isNotEmptyErr(err):
			return errDirNotEmpty
		default:
			lastErr = err
			time.Sleep(pruneRetryBackoff)
		}
	}
	return fmt.Errorf("prune %s: %w", dir, lastErr)
}

func isNotEmptyErr(err error) bool {
	// 部分平台对非空目录返回 EEXIST 而不是 ENOTEMPTY
	return errors.Is(err, syscall.ENOTEMPTY) || errors.Is(err, syscall.EEXIST)
}

// ResolveUnder 将 path 规整化并校验其位于 root 之下，防御符号链接与
// 路径穿越。返回规整后的绝对路径。
func ResolveUnder(root, path string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}

	// 对存在的父目录做符号链接求值，被链接引出根外的路径一律拒绝
	if resolved, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil {
		abs = filepath.Join(resolved, filepath.Base(abs))
	}

	if !isWithin(absRoot, abs) {
		return "", fmt.Errorf("path %s escapes root %s", path, root)
	}
	return abs, nil
}

func isWithin(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func isImageExt(ext string) bool {
	switch strings.ToLower(ext) {
	case ".png", ".jpg", ".jpeg", ".gif":
		return true
	default:
		return false
	}
}

func verifyImage(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open for verify: %w", err)
	}
	defer file.Close()

	if _, _, err := image.Decode(file); err != nil {
		return fmt.Errorf("decode image: %w", err)
	}
	return nil
}
