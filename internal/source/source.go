package source

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

	"github.com/fyerfyer/qa-dataset-builder/internal/document"
	"github.com/fyerfyer/qa-dataset-builder/pkg/storage"
)

// ErrNoInput 没有配置任何输入
var ErrNoInput = errors.New("no input paths configured")

// Kind 文档来源类型
type Kind string

const (
	// KindLocal 本地文件
	KindLocal Kind = "local"
	// KindStorage 对象存储中的对象
	KindStorage Kind = "storage"
)

// Item 一个待处理的文档
type Item struct {
	Key    string               // 文档键：本地路径或对象键，也是节点ID的命名空间
	Kind   Kind                 // 来源类型
	Format document.ContentType // 结构提示，决定使用哪个解析器
	Size   int64

	open func(ctx context.Context) (io.ReadCloser, error)
}

// Open 打开文档内容
func (i Item) Open(ctx context.Context) (io.ReadCloser, error) {
	if i.open == nil {
		return nil, fmt.Errorf("item %s has no reader", i.Key)
	}
	return i.open(ctx)
}

// Source 文档来源
type Source interface {
	// Items 列出所有可解析的文档，按键排序
	Items(ctx context.Context) ([]Item, error)
}

// LocalItem 根据本地路径构造文档项
func LocalItem(path string) Item {
	item := Item{
		Key:    path,
		Kind:   KindLocal,
		Format: document.DetectContentType(path),
		open: func(ctx context.Context) (io.ReadCloser, error) {
			return os.Open(path)
		},
	}
	if info, err := os.Stat(path); err == nil {
		item.Size = info.Size()
	}
	return item
}

// StorageItem 根据对象键构造文档项
func StorageItem(store storage.Storage, key string) Item {
	return Item{
		Key:    key,
		Kind:   KindStorage,
		Format: document.DetectContentType(key),
		open: func(ctx context.Context) (io.ReadCloser, error) {
			return store.Get(ctx, key)
		},
	}
}

// LocalSource 遍历本地文件和目录
type LocalSource struct {
	paths []string
}

// NewLocalSource 创建本地来源，路径可以是文件或目录
func NewLocalSource(paths ...string) *LocalSource {
	return &LocalSource{paths: paths}
}

// Items 收集所有支持的文件
// 直接指定的文件即使扩展名不支持也会报错，目录中不支持的文件被忽略
func (s *LocalSource) Items(ctx context.Context) ([]Item, error) {
	if len(s.paths) == 0 {
		return nil, ErrNoInput
	}

	seen := make(map[string]bool)
	var items []Item
	add := func(path string) {
		path = filepath.Clean(path)
		if !seen[path] {
			seen[path] = true
			items = append(items, LocalItem(path))
		}
	}

	for _, root := range s.paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("stat input %s: %w", root, err)
		}
		if !info.IsDir() {
			if !document.Supported(root) {
				return nil, fmt.Errorf("%w: %s", document.ErrUnsupportedType, root)
			}
			add(root)
			continue
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() {
				// 跳过隐藏目录，例如.git
				if path != root && strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if document.Supported(path) {
				add(path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk input %s: %w", root, err)
		}
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	return items, nil
}

// StorageSource 列出对象存储前缀下的文档
type StorageSource struct {
	store  storage.Storage
	prefix string
}

// NewStorageSource 创建对象存储来源
func NewStorageSource(store storage.Storage, prefix string) *StorageSource {
	return &StorageSource{store: store, prefix: prefix}
}

// Items 列出前缀下所有支持的对象
func (s *StorageSource) Items(ctx context.Context) ([]Item, error) {
	objects, err := s.store.List(ctx, s.prefix)
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}

	var items []Item
	for _, obj := range objects {
		if !document.Supported(obj.Key) {
			continue
		}
		item := StorageItem(s.store, obj.Key)
		item.Size = obj.Size
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	return items, nil
}
