package vectordb

import (
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

// parallelThreshold 候选条目超过该数量时并行计算距离
const parallelThreshold = 256

// MemoryRepository 内存向量仓库
type MemoryRepository struct {
	*BaseRepository
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryRepository 创建内存向量仓库
func NewMemoryRepository(config Config) (Repository, error) {
	if config.Dimension < 0 {
		config.Dimension = 0
	}
	return &MemoryRepository{
		BaseRepository: NewBaseRepository(config.Dimension, config.DistanceType),
		entries:        make(map[string]Entry),
	}, nil
}

// Upsert 写入单个条目
func (r *MemoryRepository) Upsert(entry Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upsertLocked(entry)
}

func (r *MemoryRepository) upsertLocked(entry Entry) error {
	if err := r.prepare(&entry); err != nil {
		return err
	}
	if old, ok := r.entries[entry.ID]; ok {
		r.untrack(old)
	}
	r.entries[entry.ID] = entry
	r.track(entry)
	return nil
}

// UpsertBatch 批量写入，遇到无效条目时停止并返回错误
func (r *MemoryRepository) UpsertBatch(entries []Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		if err := r.upsertLocked(e); err != nil {
			return err
		}
	}
	return nil
}

// Get 获取单个条目
func (r *MemoryRepository) Get(id string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[id]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	return entry, nil
}

// Delete 删除单个条目
func (r *MemoryRepository) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok {
		return ErrEntryNotFound
	}
	delete(r.entries, id)
	r.untrack(entry)
	return nil
}

// DeleteByDocument 删除文档的所有条目
func (r *MemoryRepository) DeleteByDocument(documentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.idsOf(documentID) {
		delete(r.entries, id)
	}
	delete(r.byDocument, documentID)
	return nil
}

// Search 相似度搜索
func (r *MemoryRepository) Search(vector []float32, filter SearchFilter) ([]SearchResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if err := ValidateVector(vector, r.dimension); err != nil {
		return nil, err
	}
	if r.distType == Cosine {
		vector = normalizeVector(vector)
	}

	excluded := excludedSet(filter)
	var candidates []Entry
	if len(filter.DocumentIDs) > 0 {
		for _, docID := range filter.DocumentIDs {
			for _, id := range r.idsOf(docID) {
				if e := r.entries[id]; matchFilter(e, filter, excluded) {
					candidates = append(candidates, e)
				}
			}
		}
	} else {
		candidates = make([]Entry, 0, len(r.entries))
		for _, e := range r.entries {
			if matchFilter(e, filter, excluded) {
				candidates = append(candidates, e)
			}
		}
	}
	if len(candidates) == 0 {
		return []SearchResult{}, nil
	}

	scored, err := r.score(vector, candidates)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(scored))
	for _, res := range scored {
		if res.Score >= filter.MinScore {
			results = append(results, res)
		}
	}
	SortSearchResults(results)
	if filter.MaxResults > 0 && len(results) > filter.MaxResults {
		results = results[:filter.MaxResults]
	}
	return results, nil
}

// score 计算每个候选条目的距离和得分，数量较多时分片并行
func (r *MemoryRepository) score(vector []float32, candidates []Entry) ([]SearchResult, error) {
	out := make([]SearchResult, len(candidates))
	scoreRange := func(start, end int) error {
		for i := start; i < end; i++ {
			dist, err := ComputeDistance(vector, candidates[i].Vector, r.distType)
			if err != nil {
				return err
			}
			out[i] = SearchResult{
				Entry:    candidates[i],
				Score:    DistanceToScore(dist, r.distType),
				Distance: dist,
			}
		}
		return nil
	}

	threads := runtime.NumCPU()
	if len(candidates) < parallelThreshold || threads <= 1 {
		if err := scoreRange(0, len(candidates)); err != nil {
			return nil, err
		}
		return out, nil
	}

	per := (len(candidates) + threads - 1) / threads
	var g errgroup.Group
	for start := 0; start < len(candidates); start += per {
		start, end := start, start+per
		if end > len(candidates) {
			end = len(candidates)
		}
		g.Go(func() error {
			return scoreRange(start, end)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Count 获取条目总数
func (r *MemoryRepository) Count() (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries), nil
}

// Dimension 返回向量维数
func (r *MemoryRepository) Dimension() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dimension
}

// Close 内存实现无需释放资源
func (r *MemoryRepository) Close() error {
	return nil
}

func init() {
	RegisterRepository("memory", NewMemoryRepository)
}
