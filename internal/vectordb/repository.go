package vectordb

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// BaseRepository 各实现共享的簿记：维度、距离类型、文档到条目的索引
// 调用方负责加锁
type BaseRepository struct {
	dimension  int
	distType   DistanceType
	byDocument map[string]map[string]struct{}
}

// NewBaseRepository 创建基础仓库
func NewBaseRepository(dimension int, distType DistanceType) *BaseRepository {
	switch distType {
	case Cosine, DotProduct, Euclidean:
	default:
		distType = Cosine
	}
	return &BaseRepository{
		dimension:  dimension,
		distType:   distType,
		byDocument: make(map[string]map[string]struct{}),
	}
}

// prepare 校验并规范化待写入的条目
// 维度未知时由第一个向量确定
func (b *BaseRepository) prepare(entry *Entry) error {
	if entry.ID == "" {
		return ErrInvalidID
	}
	if err := ValidateVector(entry.Vector, b.dimension); err != nil {
		return fmt.Errorf("entry %s: %w", entry.ID, err)
	}
	if b.dimension == 0 {
		b.dimension = len(entry.Vector)
	}
	if b.distType == Cosine {
		entry.Vector = normalizeVector(entry.Vector)
	} else {
		entry.Vector = append([]float32(nil), entry.Vector...)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if entry.Metadata == nil {
		entry.Metadata = make(map[string]interface{})
	}
	return nil
}

func (b *BaseRepository) track(entry Entry) {
	ids, ok := b.byDocument[entry.DocumentID]
	if !ok {
		ids = make(map[string]struct{})
		b.byDocument[entry.DocumentID] = ids
	}
	ids[entry.ID] = struct{}{}
}

func (b *BaseRepository) untrack(entry Entry) {
	ids, ok := b.byDocument[entry.DocumentID]
	if !ok {
		return
	}
	delete(ids, entry.ID)
	if len(ids) == 0 {
		delete(b.byDocument, entry.DocumentID)
	}
}

// idsOf 返回文档的所有条目ID
func (b *BaseRepository) idsOf(documentID string) []string {
	ids := make([]string, 0, len(b.byDocument[documentID]))
	for id := range b.byDocument[documentID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ComputeDistance 计算两个向量间的距离
func ComputeDistance(v1, v2 []float32, distType DistanceType) (float32, error) {
	if len(v1) != len(v2) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrInvalidDimension, len(v1), len(v2))
	}

	switch distType {
	case Cosine:
		return cosineDistance(v1, v2), nil
	case DotProduct:
		return dotProduct(v1, v2), nil
	case Euclidean:
		return euclideanDistance(v1, v2), nil
	default:
		return 0, fmt.Errorf("unsupported distance type: %s", distType)
	}
}

// cosineDistance 余弦距离 = 1 - 余弦相似度
func cosineDistance(v1, v2 []float32) float32 {
	norm1 := vectorNorm(v1)
	norm2 := vectorNorm(v2)
	if norm1 == 0 || norm2 == 0 {
		return 1.0
	}

	similarity := dotProduct(v1, v2) / (norm1 * norm2)
	if similarity > 1.0 {
		similarity = 1.0
	}
	return 1.0 - similarity
}

func dotProduct(v1, v2 []float32) float32 {
	var dot float32
	for i := 0; i < len(v1); i++ {
		dot += v1[i] * v2[i]
	}
	return dot
}

func euclideanDistance(v1, v2 []float32) float32 {
	var sum float32
	for i := 0; i < len(v1); i++ {
		d := v1[i] - v2[i]
		sum += d * d
	}
	return float32(math.Sqrt(float64(sum)))
}

func vectorNorm(v []float32) float32 {
	var sum float32
	for _, val := range v {
		sum += val * val
	}
	return float32(math.Sqrt(float64(sum)))
}

// normalizeVector 归一化向量，返回新切片
func normalizeVector(v []float32) []float32 {
	result := make([]float32, len(v))
	norm := vectorNorm(v)
	if norm == 0 {
		copy(result, v)
		return result
	}
	for i, val := range v {
		result[i] = val / norm
	}
	return result
}

// matchFilter 检查条目是否满足过滤条件（不含分数）
func matchFilter(entry Entry, filter SearchFilter, excluded map[string]bool) bool {
	if excluded[entry.ID] {
		return false
	}
	if len(filter.DocumentIDs) > 0 {
		found := false
		for _, id := range filter.DocumentIDs {
			if entry.DocumentID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return matchMetadata(entry.Metadata, filter.Metadata)
}

func excludedSet(filter SearchFilter) map[string]bool {
	if len(filter.ExcludeIDs) == 0 {
		return nil
	}
	set := make(map[string]bool, len(filter.ExcludeIDs))
	for _, id := range filter.ExcludeIDs {
		set[id] = true
	}
	return set
}

// matchMetadata 检查条目元数据是否匹配过滤条件
func matchMetadata(meta map[string]interface{}, filterMeta map[string]interface{}) bool {
	for key, want := range filterMeta {
		got, exists := meta[key]
		if !exists || got != want {
			return false
		}
	}
	return true
}

// SortSearchResults 按得分降序排序，得分相同时按ID排序保证结果稳定
func SortSearchResults(results []SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Entry.ID < results[j].Entry.ID
	})
}

// DistanceToScore 将距离转换为评分
func DistanceToScore(distance float32, distType DistanceType) float32 {
	switch distType {
	case Cosine:
		return 1 - distance
	case DotProduct:
		// 归一化向量的点积在[-1, 1]之间，映射到[0, 1]
		return (distance + 1) / 2
	case Euclidean:
		return float32(math.Exp(-float64(distance)))
	default:
		return 0
	}
}

// ValidateVector 验证向量维度和有效性，expectedDim 为0时不检查维度
func ValidateVector(vector []float32, expectedDim int) error {
	if len(vector) == 0 {
		return ErrEmptyVector
	}
	if expectedDim > 0 && len(vector) != expectedDim {
		return fmt.Errorf("%w: expected %d, got %d", ErrInvalidDimension, expectedDim, len(vector))
	}
	for _, v := range vector {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return fmt.Errorf("vector contains NaN or Inf")
		}
	}
	return nil
}
