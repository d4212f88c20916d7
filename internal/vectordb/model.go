package vectordb

import (
	"errors"
	"time"
)

// 常用错误定义
var (
	ErrEntryNotFound    = errors.New("entry not found")
	ErrEmptyVector      = errors.New("empty vector")
	ErrInvalidID        = errors.New("invalid entry ID")
	ErrInvalidDimension = errors.New("vector dimension mismatch")
)

// Entry 向量条目，一个文档节点对应一条
// ID 即节点ID，同一ID再次写入会替换原条目
type Entry struct {
	ID         string                 `json:"id"`
	DocumentID string                 `json:"document_id"` // 所属文档
	Text       string                 `json:"text"`        // 节点文本摘要
	Vector     []float32              `json:"vector"`
	Checksum   string                 `json:"checksum"` // 生成向量时内容的校验和
	CreatedAt  time.Time              `json:"created_at"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// DistanceType 向量距离计算方法
type DistanceType string

const (
	// Cosine 余弦相似度
	Cosine DistanceType = "cosine"
	// DotProduct 点积
	DotProduct DistanceType = "dot"
	// Euclidean 欧几里得距离
	Euclidean DistanceType = "l2"
)

// SearchResult 搜索结果
type SearchResult struct {
	Entry    Entry
	Score    float32 // 相似度得分，越大越相似
	Distance float32
}

// SearchFilter 搜索过滤条件
type SearchFilter struct {
	DocumentIDs []string               // 只在这些文档中搜索
	ExcludeIDs  []string               // 排除的条目
	Metadata    map[string]interface{} // 按元数据过滤
	MinScore    float32                // 最小相似度分数
	MaxResults  int                    // 最大返回结果数
}

// DefaultSearchFilter 返回默认的搜索过滤器
func DefaultSearchFilter() SearchFilter {
	return SearchFilter{
		MinScore:   0.0,
		MaxResults: 5,
	}
}

// Repository 向量仓库接口
type Repository interface {
	// Upsert 写入单个条目，ID已存在时替换
	Upsert(entry Entry) error

	// UpsertBatch 批量写入
	UpsertBatch(entries []Entry) error

	// Get 获取单个条目
	Get(id string) (Entry, error)

	// Delete 删除单个条目
	Delete(id string) error

	// DeleteByDocument 删除文档的所有条目
	DeleteByDocument(documentID string) error

	// Search 相似度搜索，结果按得分降序
	Search(vector []float32, filter SearchFilter) ([]SearchResult, error)

	// Count 获取条目总数
	Count() (int, error)

	// Dimension 返回向量维数，尚未确定时为0
	Dimension() int

	// Close 关闭仓库
	Close() error
}

// Config 向量仓库配置
type Config struct {
	Type              string       // 仓库类型，如 "memory", "faiss"
	Path              string       // 索引文件路径
	Dimension         int          // 向量维度，内存仓库允许为0，由第一次写入确定
	DistanceType      DistanceType // 距离计算类型
	CreateIfNotExists bool         // 索引文件损坏时是否重新创建
	InMemory          bool         // 是否仅在内存中运行
}

// Factory 向量仓库工厂函数类型
type Factory func(config Config) (Repository, error)

// RepositoryRegistry 注册可用的向量仓库实现
var RepositoryRegistry = map[string]Factory{}

// RegisterRepository 注册向量仓库工厂函数
func RegisterRepository(name string, factory Factory) {
	RepositoryRegistry[name] = factory
}

// NewRepository 根据配置创建向量仓库
func NewRepository(config Config) (Repository, error) {
	factory, ok := RepositoryRegistry[config.Type]
	if !ok {
		// 默认使用内存实现
		factory = NewMemoryRepository
	}
	return factory(config)
}
