package source

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyerfyer/qa-dataset-builder/internal/document"
	"github.com/fyerfyer/qa-dataset-builder/pkg/storage"
)

func writeFile(t *testing.T, path, content string) {
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func keys(items []Item) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.Key
	}
	return out
}

func TestLocalSourceWalksDirectories(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.md"), "# B")
	writeFile(t, filepath.Join(dir, "a.txt"), "a")
	writeFile(t, filepath.Join(dir, "nested", "c.pdf"), "%PDF")
	writeFile(t, filepath.Join(dir, "nested", "image.png"), "png")
	writeFile(t, filepath.Join(dir, "out", "b_qa.jsonl"), "{}")
	writeFile(t, filepath.Join(dir, ".git", "README.md"), "hidden")

	items, err := NewLocalSource(dir, filepath.Join(dir, "b.md")).Items(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{
		filepath.Join(dir, "a.txt"),
		filepath.Join(dir, "b.md"),
		filepath.Join(dir, "nested", "c.pdf"),
	}, keys(items))

	assert.Equal(t, document.PlainText, items[0].Format)
	assert.Equal(t, document.Markdown, items[1].Format)
	assert.Equal(t, document.PDF, items[2].Format)
	assert.Equal(t, KindLocal, items[1].Kind)
	assert.Equal(t, int64(3), items[1].Size)

	r, err := items[1].Open(context.Background())
	require.NoError(t, err)
	defer r.Close()
	data, _ := io.ReadAll(r)
	assert.Equal(t, "# B", string(data))
}

func TestLocalSourceErrors(t *testing.T) {
	_, err := NewLocalSource().Items(context.Background())
	assert.ErrorIs(t, err, ErrNoInput)

	_, err = NewLocalSource(filepath.Join(t.TempDir(), "missing")).Items(context.Background())
	assert.ErrorIs(t, err, os.ErrNotExist)

	path := filepath.Join(t.TempDir(), "doc.docx")
	writeFile(t, path, "x")
	_, err = NewLocalSource(path).Items(context.Background())
	assert.ErrorIs(t, err, document.ErrUnsupportedType)
}

func TestStorageSource(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewLocalStorage(storage.LocalConfig{Path: t.TempDir()})
	require.NoError(t, err)

	for key, content := range map[string]string{
		"docs/guide.md":        "# Guide",
		"docs/notes.txt":       "notes",
		"docs/guide_qa.jsonl":  "{}",
		"elsewhere/ignored.md": "# no",
	} {
		_, err := store.Put(ctx, key, strings.NewReader(content), -1)
		require.NoError(t, err)
	}

	items, err := NewStorageSource(store, "docs/").Items(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/guide.md", "docs/notes.txt"}, keys(items))
	assert.Equal(t, KindStorage, items[0].Kind)
	assert.Equal(t, int64(7), items[0].Size)

	r, err := items[0].Open(ctx)
	require.NoError(t, err)
	defer r.Close()
	data, _ := io.ReadAll(r)
	assert.Equal(t, "# Guide", string(data))
}

func TestItemWithoutReader(t *testing.T) {
	_, err := Item{Key: "x"}.Open(context.Background())
	assert.Error(t, err)
}
