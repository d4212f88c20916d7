package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotFound 对象不存在
var ErrNotFound = errors.New("object not found")

// ErrInvalidKey 对象键为空或试图跳出存储根目录
var ErrInvalidKey = errors.New("invalid object key")

// ObjectInfo 对象元数据
type ObjectInfo struct {
	Key         string    // 对象键，使用"/"分隔
	Size        int64     // 大小(字节)
	ContentType string    // MIME类型
	ModTime     time.Time // 最后修改时间
}

// Storage 对象存储接口
// 既作为待处理文档的来源，也作为生成结果的发布目标
type Storage interface {
	// Put 写入对象，size未知时传-1
	Put(ctx context.Context, key string, r io.Reader, size int64) (ObjectInfo, error)

	// Get 读取对象内容，不存在时返回ErrNotFound
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete 删除对象
	Delete(ctx context.Context, key string) error

	// List 按键的字典序列出指定前缀下的对象
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Exists 检查对象是否存在
	Exists(ctx context.Context, key string) (bool, error)
}

// Config 存储配置
type Config struct {
	Type  string      // local 或 minio
	Local LocalConfig // 本地存储配置
	Minio MinioConfig // MinIO配置
}

// NewStorage 根据配置创建存储实现
func NewStorage(cfg Config) (Storage, error) {
	switch cfg.Type {
	case "", "local":
		return NewLocalStorage(cfg.Local)
	case "minio":
		return NewMinioStorage(cfg.Minio)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// cleanKey 规范化对象键
func cleanKey(key string) (string, error) {
	key = strings.TrimPrefix(filepath.ToSlash(key), "/")
	if key == "" {
		return "", ErrInvalidKey
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", ErrInvalidKey
	}
	return cleaned, nil
}

// getMimeType 简单根据文件扩展名判断MIME类型
func getMimeType(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))

	switch ext {
	case ".pdf":
		return "application/pdf"
	case ".md", ".markdown":
		return "text/markdown"
	case ".txt":
		return "text/plain"
	case ".jsonl":
		return "application/x-ndjson"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
