package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LocalStorage 本地文件存储实现
// 对象键直接映射为基础目录下的相对路径
type LocalStorage struct {
	basePath string // 基础存储路径
}

// LocalConfig 本地存储配置
type LocalConfig struct {
	Path string // 本地存储路径
}

// NewLocalStorage 创建本地存储实例
func NewLocalStorage(cfg LocalConfig) (*LocalStorage, error) {
	absPath, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	if err := os.MkdirAll(absPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	return &LocalStorage{
		basePath: absPath,
	}, nil
}

func (s *LocalStorage) pathFor(key string) (string, string, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return "", "", err
	}
	return cleaned, filepath.Join(s.basePath, filepath.FromSlash(cleaned)), nil
}

// Put 写入文件，先写临时文件再重命名，读者不会看到写了一半的内容
func (s *LocalStorage) Put(ctx context.Context, key string, r io.Reader, size int64) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}
	cleaned, filePath, err := s.pathFor(key)
	if err != nil {
		return ObjectInfo{}, err
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return ObjectInfo{}, fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(filePath), ".put-*")
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("failed to create file: %w", err)
	}
	defer os.Remove(tmp.Name())

	written, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return ObjectInfo{}, fmt.Errorf("failed to write file: %w", err)
	}
	if size >= 0 && written != size {
		tmp.Close()
		return ObjectInfo{}, fmt.Errorf("short write: expected %d bytes, got %d", size, written)
	}
	if err := tmp.Close(); err != nil {
		return ObjectInfo{}, fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		return ObjectInfo{}, fmt.Errorf("failed to move file into place: %w", err)
	}

	info, err := os.Stat(filePath)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("failed to stat file: %w", err)
	}
	return ObjectInfo{
		Key:         cleaned,
		Size:        info.Size(),
		ContentType: getMimeType(cleaned),
		ModTime:     info.ModTime(),
	}, nil
}

// Get 获取文件内容
func (s *LocalStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	_, filePath, err := s.pathFor(key)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	} else if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

// Delete 删除文件，文件不存在时不报错
func (s *LocalStorage) Delete(ctx context.Context, key string) error {
	_, filePath, err := s.pathFor(key)
	if err != nil {
		return err
	}
	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// List 列出前缀下的所有文件，跳过写入中的临时文件
func (s *LocalStorage) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	prefix = strings.TrimPrefix(filepath.ToSlash(prefix), "/")

	var files []ObjectInfo
	err := filepath.WalkDir(s.basePath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".put-") {
			return nil
		}

		relPath, err := filepath.Rel(s.basePath, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(relPath)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, ObjectInfo{
			Key:         key,
			Size:        info.Size(),
			ContentType: getMimeType(key),
			ModTime:     info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Key < files[j].Key })
	return files, nil
}

// Exists 检查文件是否存在
func (s *LocalStorage) Exists(ctx context.Context, key string) (bool, error) {
	_, filePath, err := s.pathFor(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return !info.IsDir(), nil
}
