package vectorctx

import (
	"context"
	"errors"
	"time"

	"github.com/fyerfyer/qa-dataset-builder/internal/vectordb"
)

// Match 一个相似节点
type Match struct {
	NodeID string
	Score  float32
}

// IndexItem 索引中保存的一个节点向量
type IndexItem struct {
	ID         string
	DocumentID string
	Text       string
	Vector     []float32
	Checksum   string // 生成向量时文本的sha256
}

// EmbeddingIndex 向量索引接口，同一ID重复写入只保留最新一条
type EmbeddingIndex interface {
	Upsert(ctx context.Context, item IndexItem) error
	Query(ctx context.Context, vector []float32, k int, documentID string) ([]Match, error)
	Lookup(ctx context.Context, id string) (IndexItem, bool, error)
}

// RepositoryIndex 基于vectordb.Repository的索引实现
type RepositoryIndex struct {
	repo vectordb.Repository
}

// NewRepositoryIndex 创建索引适配器
func NewRepositoryIndex(repo vectordb.Repository) *RepositoryIndex {
	return &RepositoryIndex{repo: repo}
}

// Upsert 写入或替换节点向量
func (r *RepositoryIndex) Upsert(ctx context.Context, item IndexItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.repo.Upsert(vectordb.Entry{
		ID:         item.ID,
		DocumentID: item.DocumentID,
		Text:       item.Text,
		Vector:     item.Vector,
		Checksum:   item.Checksum,
		CreatedAt:  time.Now(),
	})
}

// Query 在文档范围内查询最相似的k个节点，documentID为空时不限范围
func (r *RepositoryIndex) Query(ctx context.Context, vector []float32, k int, documentID string) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	filter := vectordb.SearchFilter{MaxResults: k, MinScore: -1}
	if documentID != "" {
		filter.DocumentIDs = []string{documentID}
	}
	results, err := r.repo.Search(vector, filter)
	if err != nil {
		return nil, err
	}
	matches := make([]Match, len(results))
	for i, res := range results {
		matches[i] = Match{NodeID: res.Entry.ID, Score: res.Score}
	}
	return matches, nil
}

// Lookup 读取已保存的条目
func (r *RepositoryIndex) Lookup(ctx context.Context, id string) (IndexItem, bool, error) {
	if err := ctx.Err(); err != nil {
		return IndexItem{}, false, err
	}
	entry, err := r.repo.Get(id)
	if errors.Is(err, vectordb.ErrEntryNotFound) {
		return IndexItem{}, false, nil
	}
	if err != nil {
		return IndexItem{}, false, err
	}
	return IndexItem{
		ID:         entry.ID,
		DocumentID: entry.DocumentID,
		Text:       entry.Text,
		Vector:     entry.Vector,
		Checksum:   entry.Checksum,
	}, true, nil
}
