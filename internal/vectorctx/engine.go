// Package vectorctx 为覆盖引擎提供语义上下文：把文档节点写入向量索引，
// 生成前查询与当前片段最相似的其他节点
package vectorctx

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/fyerfyer/qa-dataset-builder/internal/cache"
	"github.com/fyerfyer/qa-dataset-builder/internal/coverage"
	"github.com/fyerfyer/qa-dataset-builder/internal/embedding"
	"github.com/fyerfyer/qa-dataset-builder/internal/graph"
)

const (
	defaultTopK          = 3
	defaultSnippetLength = 300
	// 单个节点送去嵌入的最大字符数
	maxEmbedChars = 2000
)

// Engine 向量上下文引擎
type Engine struct {
	embedder   embedding.Client
	index      EmbeddingIndex
	vectors    *cache.VectorCache
	batch      *embedding.BatchProcessor
	logger     *logrus.Logger
	topK       int
	minScore   float32
	snippetLen int
}

// Option 引擎配置选项
type Option func(*Engine)

// WithVectorCache 设置向量缓存
func WithVectorCache(vc *cache.VectorCache) Option {
	return func(e *Engine) {
		e.vectors = vc
	}
}

// WithLogger 设置日志记录器
func WithLogger(logger *logrus.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithTopK 设置每次补充的相关节点数
func WithTopK(k int) Option {
	return func(e *Engine) {
		if k > 0 {
			e.topK = k
		}
	}
}

// WithMinScore 设置相关节点的最低相似度
func WithMinScore(score float32) Option {
	return func(e *Engine) {
		e.minScore = score
	}
}

// WithSnippetLength 设置上下文摘要的最大字符数
func WithSnippetLength(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.snippetLen = n
		}
	}
}

// WithBatch 设置批量嵌入的批大小和并发数
func WithBatch(size, workers int) Option {
	return func(e *Engine) {
		e.batch = embedding.NewBatchProcessor(e.embedder, size, workers)
	}
}

// NewEngine 创建向量上下文引擎
func NewEngine(embedder embedding.Client, index EmbeddingIndex, opts ...Option) *Engine {
	e := &Engine{
		embedder:   embedder,
		index:      index,
		logger:     logrus.New(),
		topK:       defaultTopK,
		snippetLen: defaultSnippetLength,
	}
	e.batch = embedding.NewBatchProcessor(embedder, 0, 0)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EmbedAndIndex 为单个节点生成向量并写入索引
// 内容未变化时直接复用索引中的向量，不会产生重复条目
func (e *Engine) EmbedAndIndex(ctx context.Context, g *graph.Graph, nodeID string) error {
	node, ok := g.Node(nodeID)
	if !ok {
		return graph.ErrNodeNotFound
	}
	text := indexText(g, node)
	if text == "" {
		return nil
	}
	sum := checksum(text)

	if vec, ok, err := e.reuse(ctx, nodeID, sum); err != nil {
		return err
	} else if ok {
		return g.SetEmbedding(nodeID, vec)
	}

	vec, err := e.embed(ctx, text)
	if err != nil {
		return err
	}
	if err := e.upsert(ctx, g, nodeID, text, sum, vec); err != nil {
		return err
	}
	return g.SetEmbedding(nodeID, vec)
}

// IndexGraph 为图中所有非空节点建立向量，返回新嵌入的节点数
// 需要在片段并发生成之前调用，运行期间图会被修改
func (e *Engine) IndexGraph(ctx context.Context, g *graph.Graph) (int, error) {
	root, err := g.Root()
	if err != nil {
		return 0, err
	}

	var (
		pendingIDs   []string
		pendingTexts []string
		pendingSums  []string
		reused       int
	)
	for _, id := range append([]string{root}, g.Descendants(root)...) {
		node, _ := g.Node(id)
		text := indexText(g, node)
		if text == "" {
			continue
		}
		sum := checksum(text)

		vec, ok, err := e.reuse(ctx, id, sum)
		if err != nil {
			return 0, err
		}
		if ok {
			_ = g.SetEmbedding(id, vec)
			reused++
			continue
		}
		if vec, ok = e.cached(ctx, text); ok {
			if err := e.upsert(ctx, g, id, text, sum, vec); err != nil {
				return 0, err
			}
			_ = g.SetEmbedding(id, vec)
			reused++
			continue
		}
		pendingIDs = append(pendingIDs, id)
		pendingTexts = append(pendingTexts, text)
		pendingSums = append(pendingSums, sum)
	}
	if len(pendingIDs) == 0 {
		return 0, nil
	}

	vectors, err := e.batch.Process(ctx, pendingTexts)
	if err != nil {
		return 0, unavailable("embed", err)
	}

	indexed := 0
	for i, id := range pendingIDs {
		vec := vectors[i]
		if len(vec) == 0 {
			continue
		}
		e.remember(ctx, pendingTexts[i], vec)
		if err := e.upsert(ctx, g, id, pendingTexts[i], pendingSums[i], vec); err != nil {
			return indexed, err
		}
		_ = g.SetEmbedding(id, vec)
		indexed++
	}

	e.logger.WithFields(logrus.Fields{
		"document": root,
		"indexed":  indexed,
		"reused":   reused,
	}).Debug("Indexed document graph")
	return indexed, nil
}

// SimilarTo 返回与节点最相似的至多k个其他节点，按得分降序
// 结果只包含本图中已有向量的节点，源节点没有向量时返回空
func (e *Engine) SimilarTo(ctx context.Context, g *graph.Graph, nodeID string, k int) ([]Match, error) {
	return e.nearest(ctx, g, nodeID, k, nil, -1)
}

// Enrich 实现coverage.Enricher接口
// 排除片段自身的祖先和子孙，它们的内容已经在提示词中
func (e *Engine) Enrich(ctx context.Context, g *graph.Graph, nodeID string) (*coverage.Enrichment, error) {
	lineage := make(map[string]bool)
	if path, err := g.PathToRoot(nodeID); err == nil {
		for _, id := range path {
			lineage[id] = true
		}
	}
	for _, id := range g.Descendants(nodeID) {
		lineage[id] = true
	}

	matches, err := e.nearest(ctx, g, nodeID, e.topK, lineage, e.minScore)
	if err != nil {
		return nil, err
	}

	enrichment := &coverage.Enrichment{}
	for _, m := range matches {
		node, _ := g.Node(m.NodeID)
		enrichment.Related = append(enrichment.Related, coverage.RelatedContext{
			NodeID:  m.NodeID,
			Title:   node.Metadata.Title,
			Snippet: snippet(g.SubtreeText(m.NodeID), e.snippetLen),
			Score:   m.Score,
		})
	}
	return enrichment, nil
}

// nearest 查询至多k个不在exclude中且得分不低于minScore的节点
// 被排除的候选占满一次查询时扩大查询范围，直到凑够k个或索引中已没有更多候选
func (e *Engine) nearest(ctx context.Context, g *graph.Graph, nodeID string, k int, exclude map[string]bool, minScore float32) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	node, ok := g.Node(nodeID)
	if !ok {
		return nil, graph.ErrNodeNotFound
	}
	if !node.HasEmbedding() {
		return nil, nil
	}
	root, err := g.Root()
	if err != nil {
		return nil, err
	}

	fetch := k + len(exclude) + 1
	for {
		candidates, err := e.index.Query(ctx, node.Embedding, fetch, root)
		if err != nil {
			return nil, unavailable("query", err)
		}

		matches := make([]Match, 0, k)
		for _, m := range candidates {
			if m.NodeID == nodeID || exclude[m.NodeID] || m.Score < minScore {
				continue
			}
			// 索引里可能残留文档旧版本的节点
			if other, ok := g.Node(m.NodeID); !ok || !other.HasEmbedding() {
				continue
			}
			matches = append(matches, m)
			if len(matches) == k {
				return matches, nil
			}
		}
		if len(candidates) < fetch {
			return matches, nil
		}
		fetch *= 2
	}
}

// reuse 索引中已有相同内容的向量时直接返回
func (e *Engine) reuse(ctx context.Context, id, sum string) ([]float32, bool, error) {
	item, ok, err := e.index.Lookup(ctx, id)
	if err != nil {
		return nil, false, unavailable("lookup", err)
	}
	if !ok || item.Checksum != sum || len(item.Vector) == 0 {
		return nil, false, nil
	}
	return item.Vector, true, nil
}

func (e *Engine) embed(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := e.cached(ctx, text); ok {
		return vec, nil
	}
	vec, err := e.embedder.Embed(ctx, text)
	if err != nil {
		return nil, unavailable("embed", err)
	}
	e.remember(ctx, text, vec)
	return vec, nil
}

func (e *Engine) cached(ctx context.Context, text string) ([]float32, bool) {
	if e.vectors == nil {
		return nil, false
	}
	vec, ok, err := e.vectors.Get(ctx, e.embedder.Name(), text)
	if err != nil {
		e.logger.WithError(err).Debug("Vector cache read failed")
		return nil, false
	}
	return vec, ok
}

func (e *Engine) remember(ctx context.Context, text string, vec []float32) {
	if e.vectors == nil {
		return
	}
	if err := e.vectors.Set(ctx, e.embedder.Name(), text, vec); err != nil {
		e.logger.WithError(err).Debug("Vector cache write failed")
	}
}

func (e *Engine) upsert(ctx context.Context, g *graph.Graph, id, text, sum string, vec []float32) error {
	root, _ := g.Root()
	err := e.index.Upsert(ctx, IndexItem{
		ID:         id,
		DocumentID: root,
		Text:       snippet(text, e.snippetLen),
		Vector:     vec,
		Checksum:   sum,
	})
	if err != nil {
		return unavailable("upsert", err)
	}
	return nil
}

// indexText 节点的嵌入文本：标题加子树正文
func indexText(g *graph.Graph, node graph.Node) string {
	body := g.SubtreeText(node.ID)
	text := strings.TrimSpace(strings.TrimSpace(node.Metadata.Title) + "\n" + body)
	return truncateRunes(text, maxEmbedChars)
}

func checksum(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// snippet 压缩空白并截断到n个字符
func snippet(text string, n int) string {
	return truncateRunes(strings.Join(strings.Fields(text), " "), n)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
