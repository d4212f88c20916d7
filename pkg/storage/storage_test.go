package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, r io.ReadCloser) string {
	defer r.Close()
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(b)
}

// exerciseStorage 对任意实现执行同一组读写检查
func exerciseStorage(t *testing.T, s Storage, prefix string) {
	ctx := context.Background()
	key := prefix + "docs/guide_qa.jsonl"

	info, err := s.Put(ctx, key, strings.NewReader("line1\nline2\n"), -1)
	require.NoError(t, err)
	assert.Equal(t, key, info.Key)
	assert.Equal(t, int64(12), info.Size)
	assert.Equal(t, "application/x-ndjson", info.ContentType)

	r, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "line1\nline2\n", readAll(t, r))

	// 覆盖写入
	_, err = s.Put(ctx, key, strings.NewReader("new"), 3)
	require.NoError(t, err)
	r, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "new", readAll(t, r))

	_, err = s.Put(ctx, prefix+"docs/a.md", strings.NewReader("# A"), -1)
	require.NoError(t, err)
	_, err = s.Put(ctx, prefix+"other/b.md", strings.NewReader("# B"), -1)
	require.NoError(t, err)

	files, err := s.List(ctx, prefix+"docs/")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, prefix+"docs/a.md", files[0].Key)
	assert.Equal(t, key, files[1].Key)

	exists, err := s.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = s.Exists(ctx, prefix+"missing.md")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = s.Get(ctx, prefix+"missing.md")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Delete(ctx, key))
	exists, _ = s.Exists(ctx, key)
	assert.False(t, exists)
}

func TestLocalStorage(t *testing.T) {
	s, err := NewLocalStorage(LocalConfig{Path: filepath.Join(t.TempDir(), "objects")})
	require.NoError(t, err)

	exerciseStorage(t, s, "")

	// 文件确实落在基础目录下
	_, err = os.Stat(filepath.Join(s.basePath, "other", "b.md"))
	assert.NoError(t, err)
}

func TestLocalStorageRejectsEscapingKeys(t *testing.T) {
	s, err := NewLocalStorage(LocalConfig{Path: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()

	for _, key := range []string{"", "..", "../outside.txt", "a/../../b"} {
		_, err := s.Put(ctx, key, strings.NewReader("x"), -1)
		assert.ErrorIs(t, err, ErrInvalidKey, key)
	}

	// 前导斜杠和多余的路径段会被规范化
	info, err := s.Put(ctx, "/a/./b/../c.txt", strings.NewReader("x"), 1)
	require.NoError(t, err)
	assert.Equal(t, "a/c.txt", info.Key)
}

func TestLocalStorageShortWrite(t *testing.T) {
	s, err := NewLocalStorage(LocalConfig{Path: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Put(ctx, "a.txt", strings.NewReader("abc"), 10)
	assert.Error(t, err)

	exists, _ := s.Exists(ctx, "a.txt")
	assert.False(t, exists)

	// 失败的写入不留下临时文件
	files, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, files)
}

// TestMinioStorage 需要可用的MinIO服务，通过环境变量开启
func TestMinioStorage(t *testing.T) {
	endpoint := os.Getenv("MINIO_TEST_ENDPOINT")
	if endpoint == "" {
		t.Skip("MINIO_TEST_ENDPOINT not set, skipping MinIO tests")
	}

	s, err := NewMinioStorage(MinioConfig{
		Endpoint:  endpoint,
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
		Bucket:    "qa-dataset-test",
	})
	require.NoError(t, err)

	prefix := "test-" + filepath.Base(t.TempDir()) + "/"
	t.Cleanup(func() {
		files, _ := s.List(context.Background(), prefix)
		for _, f := range files {
			_ = s.Delete(context.Background(), f.Key)
		}
	})

	exerciseStorage(t, s, prefix)
}

func TestStorageFactory(t *testing.T) {
	s, err := NewStorage(Config{Type: "local", Local: LocalConfig{Path: t.TempDir()}})
	require.NoError(t, err)
	assert.IsType(t, &LocalStorage{}, s)

	s, err = NewStorage(Config{Local: LocalConfig{Path: t.TempDir()}})
	require.NoError(t, err)
	assert.IsType(t, &LocalStorage{}, s)

	_, err = NewStorage(Config{Type: "s3"})
	assert.Error(t, err)
}
