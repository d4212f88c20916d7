//go:build faiss

package vectordb

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/DataIntelligenceCrew/go-faiss"
)

// FaissRepository 基于Faiss平面索引的向量仓库
// 平面索引不支持删除，替换或删除后旧位置留在索引中，通过位置映射过滤掉
type FaissRepository struct {
	*BaseRepository
	mu             sync.RWMutex
	index          faiss.Index
	entries        map[string]Entry
	idToPosition   map[string]int64
	positionToID   map[int64]string
	indexPath      string
	metaPath       string
	autoSaveCount  int
	operationCount int
}

// faissMetadata 与索引文件一同保存的条目信息
type faissMetadata struct {
	Entries      map[string]Entry `json:"entries"`
	IDToPosition map[string]int64 `json:"id_to_position"`
}

// NewFaissRepository 创建Faiss向量仓库
func NewFaissRepository(config Config) (Repository, error) {
	if config.Dimension <= 0 {
		return nil, fmt.Errorf("faiss: vector dimension must be positive")
	}
	if config.Path != "" && !config.InMemory {
		if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	repo := &FaissRepository{
		BaseRepository: NewBaseRepository(config.Dimension, config.DistanceType),
		entries:        make(map[string]Entry),
		idToPosition:   make(map[string]int64),
		positionToID:   make(map[int64]string),
		autoSaveCount:  100,
	}
	if !config.InMemory && config.Path != "" {
		repo.indexPath = config.Path
		repo.metaPath = config.Path + ".meta.json"
	}

	var err error
	if repo.indexPath != "" && fileExists(repo.indexPath) {
		repo.index, err = faiss.ReadIndex(repo.indexPath, 0)
		if err == nil {
			err = repo.loadMetadata()
		}
		if err != nil {
			if !config.CreateIfNotExists {
				return nil, fmt.Errorf("failed to load faiss index: %w", err)
			}
			repo.reset()
			repo.index, err = createFaissIndex(config.Dimension, repo.distType)
		}
	} else {
		repo.index, err = createFaissIndex(config.Dimension, repo.distType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create faiss index: %w", err)
	}
	return repo, nil
}

func createFaissIndex(dimension int, distType DistanceType) (faiss.Index, error) {
	metric := faiss.MetricL2
	if distType == Cosine || distType == DotProduct {
		metric = faiss.MetricInnerProduct
	}
	return faiss.NewIndexFlat(dimension, metric)
}

func (r *FaissRepository) reset() {
	r.entries = make(map[string]Entry)
	r.idToPosition = make(map[string]int64)
	r.positionToID = make(map[int64]string)
	r.byDocument = make(map[string]map[string]struct{})
}

// Upsert 写入单个条目
func (r *FaissRepository) Upsert(entry Entry) error {
	return r.UpsertBatch([]Entry{entry})
}

// UpsertBatch 批量写入
// 校验和与向量都未变化的条目直接跳过，不会在索引中产生新位置
func (r *FaissRepository) UpsertBatch(entries []Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		pending []Entry
		flat    []float32
	)
	for _, e := range entries {
		if err := r.prepare(&e); err != nil {
			return err
		}
		if old, ok := r.entries[e.ID]; ok && old.Checksum != "" && old.Checksum == e.Checksum {
			continue
		}
		pending = append(pending, e)
		flat = append(flat, e.Vector...)
	}
	if len(pending) == 0 {
		return nil
	}

	start := r.index.Ntotal()
	if err := r.index.Add(flat); err != nil {
		return fmt.Errorf("failed to add vectors to index: %w", err)
	}

	for i, e := range pending {
		if old, ok := r.entries[e.ID]; ok {
			r.untrack(old)
			delete(r.positionToID, r.idToPosition[e.ID])
		}
		pos := start + int64(i)
		r.entries[e.ID] = e
		r.idToPosition[e.ID] = pos
		r.positionToID[pos] = e.ID
		r.track(e)
	}

	r.operationCount += len(pending)
	if r.operationCount >= r.autoSaveCount {
		if err := r.saveIndex(); err != nil {
			return fmt.Errorf("auto-save failed: %w", err)
		}
		r.operationCount = 0
	}
	return nil
}

// Get 获取单个条目
func (r *FaissRepository) Get(id string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	return entry, nil
}

// Delete 删除单个条目
func (r *FaissRepository) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return ErrEntryNotFound
	}
	r.remove(entry)
	return nil
}

func (r *FaissRepository) remove(entry Entry) {
	delete(r.entries, entry.ID)
	delete(r.positionToID, r.idToPosition[entry.ID])
	delete(r.idToPosition, entry.ID)
	r.untrack(entry)
	r.operationCount++
}

// DeleteByDocument 删除文档的所有条目
func (r *FaissRepository) DeleteByDocument(documentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.idsOf(documentID) {
		r.remove(r.entries[id])
	}
	return nil
}

// Search 相似度搜索
func (r *FaissRepository) Search(vector []float32, filter SearchFilter) ([]SearchResult, error) {
	if err := ValidateVector(vector, r.dimension); err != nil {
		return nil, err
	}
	if r.distType == Cosine {
		vector = normalizeVector(vector)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	total := r.index.Ntotal()
	if total == 0 || len(r.entries) == 0 {
		return []SearchResult{}, nil
	}

	k := filter.MaxResults
	if k <= 0 {
		k = 10
	}
	// 过滤和失效位置都会吃掉名额，多取一些
	limit := int64(k*4) + total - int64(len(r.entries))
	if len(filter.DocumentIDs) > 0 || len(filter.ExcludeIDs) > 0 || len(filter.Metadata) > 0 {
		limit = total
	}
	if limit > total {
		limit = total
	}

	distances, positions, err := r.index.Search(vector, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search index: %w", err)
	}

	excluded := excludedSet(filter)
	results := make([]SearchResult, 0, k)
	for i, pos := range positions {
		if pos < 0 {
			continue
		}
		id, ok := r.positionToID[pos]
		if !ok {
			continue
		}
		entry := r.entries[id]
		if !matchFilter(entry, filter, excluded) {
			continue
		}

		dist := distances[i]
		var score float32
		switch r.distType {
		case Cosine:
			// 内积索引返回的是相似度
			score = dist
			dist = 1 - dist
		default:
			score = DistanceToScore(dist, r.distType)
		}
		if score < filter.MinScore {
			continue
		}
		results = append(results, SearchResult{Entry: entry, Score: score, Distance: dist})
	}

	SortSearchResults(results)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Count 获取条目总数
func (r *FaissRepository) Count() (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries), nil
}

// Dimension 返回向量维数
func (r *FaissRepository) Dimension() int {
	return r.dimension
}

// Close 保存索引并释放
func (r *FaissRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.saveIndex(); err != nil {
		return fmt.Errorf("failed to save index on close: %w", err)
	}
	r.index.Delete()
	return nil
}

func (r *FaissRepository) saveIndex() error {
	if r.indexPath == "" {
		return nil
	}
	if err := faiss.WriteIndex(r.index, r.indexPath); err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}

	data, err := json.Marshal(faissMetadata{Entries: r.entries, IDToPosition: r.idToPosition})
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(r.metaPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

func (r *FaissRepository) loadMetadata() error {
	if !fileExists(r.metaPath) {
		return nil
	}
	data, err := os.ReadFile(r.metaPath)
	if err != nil {
		return fmt.Errorf("failed to read metadata: %w", err)
	}
	var meta faissMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("failed to unmarshal metadata: %w", err)
	}

	r.reset()
	for id, e := range meta.Entries {
		pos, ok := meta.IDToPosition[id]
		if !ok {
			continue
		}
		r.entries[id] = e
		r.idToPosition[id] = pos
		r.positionToID[pos] = id
		r.track(e)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func init() {
	RegisterRepository("faiss", NewFaissRepository)
}
