package vectordb

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestEntry 创建用于测试的条目
func createTestEntry(id, documentID string, vector []float32) Entry {
	return Entry{
		ID:         id,
		DocumentID: documentID,
		Text:       "测试节点 " + id,
		Vector:     vector,
		Checksum:   "sum-" + id,
		Metadata: map[string]interface{}{
			"kind": "paragraph",
		},
		CreatedAt: time.Now(),
	}
}

// TestMemoryRepository 测试内存向量仓库
func TestMemoryRepository(t *testing.T) {
	repo, err := NewRepository(Config{Type: "memory", Dimension: 4, DistanceType: Cosine})
	require.NoError(t, err)
	defer repo.Close()

	testRepository(t, repo)
}

func TestMemoryRepository_LazyDimension(t *testing.T) {
	repo, err := NewMemoryRepository(Config{})
	require.NoError(t, err)
	assert.Equal(t, 0, repo.Dimension())

	require.NoError(t, repo.Upsert(createTestEntry("a", "doc", []float32{1, 0, 0})))
	assert.Equal(t, 3, repo.Dimension())

	err = repo.Upsert(createTestEntry("b", "doc", []float32{1, 0}))
	assert.ErrorIs(t, err, ErrInvalidDimension)
}

func TestMemoryRepository_UpsertReplaces(t *testing.T) {
	repo, err := NewMemoryRepository(Config{Dimension: 2})
	require.NoError(t, err)

	require.NoError(t, repo.Upsert(createTestEntry("a", "doc1", []float32{1, 0})))
	require.NoError(t, repo.Upsert(createTestEntry("a", "doc2", []float32{0, 1})))

	count, err := repo.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := repo.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "doc2", got.DocumentID)

	// 旧文档下不再有该条目
	res, err := repo.Search([]float32{1, 0}, SearchFilter{DocumentIDs: []string{"doc1"}})
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestMemoryRepository_InvalidEntries(t *testing.T) {
	repo, err := NewMemoryRepository(Config{Dimension: 2})
	require.NoError(t, err)

	assert.ErrorIs(t, repo.Upsert(Entry{Vector: []float32{1, 0}}), ErrInvalidID)
	assert.ErrorIs(t, repo.Upsert(Entry{ID: "x"}), ErrEmptyVector)
	_, err = repo.Get("missing")
	assert.ErrorIs(t, err, ErrEntryNotFound)
	assert.ErrorIs(t, repo.Delete("missing"), ErrEntryNotFound)
}

func TestMemoryRepository_ParallelSearchMatchesSerial(t *testing.T) {
	repo, err := NewMemoryRepository(Config{Dimension: 3})
	require.NoError(t, err)

	entries := make([]Entry, 0, 600)
	for i := 0; i < 600; i++ {
		v := []float32{float32(i%7) + 1, float32(i%11) + 1, float32(i%13) + 1}
		entries = append(entries, createTestEntry(fmt.Sprintf("n%03d", i), "doc", v))
	}
	require.NoError(t, repo.UpsertBatch(entries))

	query := []float32{3, 5, 7}
	results, err := repo.Search(query, SearchFilter{MaxResults: 10})
	require.NoError(t, err)
	require.Len(t, results, 10)

	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}

	// 与逐个计算的最佳结果一致
	best := float32(-1)
	for _, e := range entries {
		d, err := ComputeDistance(query, e.Vector, Cosine)
		require.NoError(t, err)
		if s := DistanceToScore(d, Cosine); s > best {
			best = s
		}
	}
	assert.InDelta(t, best, results[0].Score, 1e-5)
}

func TestSortSearchResultsTieBreak(t *testing.T) {
	results := []SearchResult{
		{Entry: Entry{ID: "b"}, Score: 0.5},
		{Entry: Entry{ID: "a"}, Score: 0.5},
		{Entry: Entry{ID: "c"}, Score: 0.9},
	}
	SortSearchResults(results)
	assert.Equal(t, "c", results[0].Entry.ID)
	assert.Equal(t, "a", results[1].Entry.ID)
	assert.Equal(t, "b", results[2].Entry.ID)
}

func TestComputeDistance(t *testing.T) {
	d, err := ComputeDistance([]float32{1, 0}, []float32{1, 0}, Cosine)
	require.NoError(t, err)
	assert.InDelta(t, 0, d, 1e-6)

	d, err = ComputeDistance([]float32{0, 0}, []float32{3, 4}, Euclidean)
	require.NoError(t, err)
	assert.InDelta(t, 5, d, 1e-6)

	_, err = ComputeDistance([]float32{1}, []float32{1, 2}, Cosine)
	assert.ErrorIs(t, err, ErrInvalidDimension)
}

func testRepository(t *testing.T, repo Repository) {
	v1 := []float32{0.1, 0.2, 0.3, 0.4}
	v2 := []float32{0.5, 0.5, 0.5, 0.5}
	v3 := []float32{0.7, 0.8, 0.9, 1.0}

	t.Run("upsert single entry", func(t *testing.T) {
		e := createTestEntry("n1", "doc1", v1)
		require.NoError(t, repo.Upsert(e))

		got, err := repo.Get("n1")
		require.NoError(t, err)
		assert.Equal(t, e.ID, got.ID)
		assert.Equal(t, e.DocumentID, got.DocumentID)
	})

	t.Run("batch upsert", func(t *testing.T) {
		require.NoError(t, repo.UpsertBatch([]Entry{
			createTestEntry("n2", "doc1", v2),
			createTestEntry("n3", "doc2", v3),
		}))

		count, err := repo.Count()
		require.NoError(t, err)
		assert.Equal(t, 3, count)
	})

	t.Run("re-upsert does not duplicate", func(t *testing.T) {
		require.NoError(t, repo.Upsert(createTestEntry("n2", "doc1", v2)))
		count, err := repo.Count()
		require.NoError(t, err)
		assert.Equal(t, 3, count)
	})

	t.Run("vector search", func(t *testing.T) {
		filter := DefaultSearchFilter()
		filter.MaxResults = 2

		results, err := repo.Search([]float32{0.45, 0.55, 0.45, 0.55}, filter)
		require.NoError(t, err)
		require.NotEmpty(t, results)
		assert.Equal(t, "n2", results[0].Entry.ID)
		assert.LessOrEqual(t, len(results), 2)
	})

	t.Run("filtered search", func(t *testing.T) {
		query := []float32{0.5, 0.5, 0.5, 0.5}

		results, err := repo.Search(query, SearchFilter{DocumentIDs: []string{"doc2"}, MaxResults: 5})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "doc2", results[0].Entry.DocumentID)

		results, err = repo.Search(query, SearchFilter{ExcludeIDs: []string{"n2"}, MaxResults: 5})
		require.NoError(t, err)
		for _, r := range results {
			assert.NotEqual(t, "n2", r.Entry.ID)
		}

		results, err = repo.Search(query, SearchFilter{
			Metadata:   map[string]interface{}{"kind": "table"},
			MaxResults: 5,
		})
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("delete single entry", func(t *testing.T) {
		require.NoError(t, repo.Delete("n1"))
		_, err := repo.Get("n1")
		assert.ErrorIs(t, err, ErrEntryNotFound)
	})

	t.Run("delete by document", func(t *testing.T) {
		require.NoError(t, repo.DeleteByDocument("doc2"))

		count, err := repo.Count()
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		got, err := repo.Get("n2")
		require.NoError(t, err)
		assert.Equal(t, "n2", got.ID)
	})
}
