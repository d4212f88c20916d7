package vectorctx

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyerfyer/qa-dataset-builder/internal/cache"
	"github.com/fyerfyer/qa-dataset-builder/internal/coverage"
	"github.com/fyerfyer/qa-dataset-builder/internal/graph"
	"github.com/fyerfyer/qa-dataset-builder/internal/output"
	"github.com/fyerfyer/qa-dataset-builder/internal/vectordb"
)

// keywordEmbedder 按关键词出现次数生成向量的嵌入桩
type keywordEmbedder struct {
	calls int32
	err   error
}

var keywords = []string{"apple", "banana", "cherry"}

func (e *keywordEmbedder) vector(text string) []float32 {
	vec := make([]float32, len(keywords)+1)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		for i, k := range keywords {
			if strings.Contains(w, k) {
				vec[i]++
			}
		}
	}
	vec[len(keywords)] = 0.1
	return vec
}

func (e *keywordEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	atomic.AddInt32(&e.calls, 1)
	if e.err != nil {
		return nil, e.err
	}
	return e.vector(text), nil
}

func (e *keywordEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	atomic.AddInt32(&e.calls, int32(len(texts)))
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vector(t)
	}
	return out, nil
}

func (e *keywordEmbedder) Name() string { return "keyword" }

func (e *keywordEmbedder) count() int { return int(atomic.LoadInt32(&e.calls)) }

// failingIndex 所有操作都失败的索引
type failingIndex struct{}

var errIndexDown = errors.New("index down")

func (failingIndex) Upsert(context.Context, IndexItem) error { return errIndexDown }
func (failingIndex) Query(context.Context, []float32, int, string) ([]Match, error) {
	return nil, errIndexDown
}
func (failingIndex) Lookup(context.Context, string) (IndexItem, bool, error) {
	return IndexItem{}, false, errIndexDown
}

type fruitDoc struct {
	g                           *graph.Graph
	apples, bananas, pie, empty string
	applePara                   string
}

func buildFruitDoc(t *testing.T) fruitDoc {
	t.Helper()
	b := graph.NewBuilder("fruit.md", "Fruit")
	apples := b.Add(b.RootID(), graph.KindSection, "", graph.Metadata{Title: "Apples"})
	applePara := b.Add(apples, graph.KindParagraph, "apple trees grow apple fruit", graph.Metadata{})
	bananas := b.Add(b.RootID(), graph.KindSection, "", graph.Metadata{Title: "Bananas"})
	b.Add(bananas, graph.KindParagraph, "banana plants are yellow", graph.Metadata{})
	pie := b.Add(b.RootID(), graph.KindSection, "", graph.Metadata{Title: "Apple Pie"})
	b.Add(pie, graph.KindParagraph, "apple pie with cherry topping", graph.Metadata{})
	empty := b.Add(b.RootID(), graph.KindParagraph, "", graph.Metadata{})
	g, err := b.Graph()
	require.NoError(t, err)
	return fruitDoc{g: g, apples: apples, bananas: bananas, pie: pie, empty: empty, applePara: applePara}
}

func newRepo(t *testing.T) vectordb.Repository {
	t.Helper()
	repo, err := vectordb.NewMemoryRepository(vectordb.Config{DistanceType: vectordb.Cosine})
	require.NoError(t, err)
	return repo
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestEmbedAndIndexIsIdempotent(t *testing.T) {
	doc := buildFruitDoc(t)
	repo := newRepo(t)
	embedder := &keywordEmbedder{}
	engine := NewEngine(embedder, NewRepositoryIndex(repo), WithLogger(quietLogger()))

	ctx := context.Background()
	require.NoError(t, engine.EmbedAndIndex(ctx, doc.g, doc.apples))
	require.NoError(t, engine.EmbedAndIndex(ctx, doc.g, doc.apples))

	assert.Equal(t, 1, embedder.count())
	count, err := repo.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	node, _ := doc.g.Node(doc.apples)
	assert.True(t, node.HasEmbedding())
}

func TestEmbedAndIndexReplacesStaleEntry(t *testing.T) {
	doc := buildFruitDoc(t)
	repo := newRepo(t)
	index := NewRepositoryIndex(repo)
	ctx := context.Background()

	require.NoError(t, index.Upsert(ctx, IndexItem{
		ID:       doc.apples,
		Vector:   []float32{0, 1, 0, 0},
		Checksum: "stale",
	}))

	embedder := &keywordEmbedder{}
	engine := NewEngine(embedder, index, WithLogger(quietLogger()))
	require.NoError(t, engine.EmbedAndIndex(ctx, doc.g, doc.apples))

	assert.Equal(t, 1, embedder.count())
	item, ok, err := index.Lookup(ctx, doc.apples)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, "stale", item.Checksum)
	count, _ := repo.Count()
	assert.Equal(t, 1, count)
}

func TestEmbedAndIndexSkipsEmptyNodes(t *testing.T) {
	doc := buildFruitDoc(t)
	embedder := &keywordEmbedder{}
	engine := NewEngine(embedder, NewRepositoryIndex(newRepo(t)), WithLogger(quietLogger()))

	require.NoError(t, engine.EmbedAndIndex(context.Background(), doc.g, doc.empty))
	assert.Equal(t, 0, embedder.count())

	err := engine.EmbedAndIndex(context.Background(), doc.g, "missing")
	assert.ErrorIs(t, err, graph.ErrNodeNotFound)
}

func TestIndexGraph(t *testing.T) {
	repo := newRepo(t)
	embedder := &keywordEmbedder{}
	engine := NewEngine(embedder, NewRepositoryIndex(repo), WithLogger(quietLogger()), WithBatch(2, 2))
	ctx := context.Background()

	doc := buildFruitDoc(t)
	indexed, err := engine.IndexGraph(ctx, doc.g)
	require.NoError(t, err)
	// 根节点、三个章节和三个段落，空段落跳过
	assert.Equal(t, 7, indexed)
	assert.Equal(t, 7, embedder.count())

	// 相同文档再次构建后ID不变，直接复用索引中的向量
	again := buildFruitDoc(t)
	indexed, err = engine.IndexGraph(ctx, again.g)
	require.NoError(t, err)
	assert.Equal(t, 0, indexed)
	assert.Equal(t, 7, embedder.count())

	node, _ := again.g.Node(again.bananas)
	assert.True(t, node.HasEmbedding())
	count, _ := repo.Count()
	assert.Equal(t, 7, count)
}

func TestIndexGraphUsesVectorCache(t *testing.T) {
	mem, err := cache.NewMemoryCache(cache.DefaultConfig())
	require.NoError(t, err)
	vc := cache.NewVectorCache(mem, 0)
	embedder := &keywordEmbedder{}
	ctx := context.Background()

	first := NewEngine(embedder, NewRepositoryIndex(newRepo(t)), WithVectorCache(vc), WithLogger(quietLogger()))
	_, err = first.IndexGraph(ctx, buildFruitDoc(t).g)
	require.NoError(t, err)
	calls := embedder.count()

	// 新的空索引，但向量缓存命中
	second := NewEngine(embedder, NewRepositoryIndex(newRepo(t)), WithVectorCache(vc), WithLogger(quietLogger()))
	doc := buildFruitDoc(t)
	_, err = second.IndexGraph(ctx, doc.g)
	require.NoError(t, err)
	assert.Equal(t, calls, embedder.count())

	node, _ := doc.g.Node(doc.pie)
	assert.True(t, node.HasEmbedding())
}

func TestSimilarTo(t *testing.T) {
	doc := buildFruitDoc(t)
	engine := NewEngine(&keywordEmbedder{}, NewRepositoryIndex(newRepo(t)), WithLogger(quietLogger()))
	ctx := context.Background()

	for _, id := range []string{doc.apples, doc.bananas, doc.pie} {
		require.NoError(t, engine.EmbedAndIndex(ctx, doc.g, id))
	}

	matches, err := engine.SimilarTo(ctx, doc.g, doc.apples, 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, doc.pie, matches[0].NodeID)
	assert.Equal(t, doc.bananas, matches[1].NodeID)
	assert.Greater(t, matches[0].Score, matches[1].Score)
	for _, m := range matches {
		assert.NotEqual(t, doc.apples, m.NodeID)
	}

	// 没有向量的源节点得不到结果
	matches, err = engine.SimilarTo(ctx, doc.g, doc.applePara, 2)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestSimilarToSkipsNodesWithoutEmbeddingInGraph(t *testing.T) {
	ctx := context.Background()
	index := NewRepositoryIndex(newRepo(t))
	embedder := &keywordEmbedder{}
	engine := NewEngine(embedder, index, WithLogger(quietLogger()))

	indexed := buildFruitDoc(t)
	require.NoError(t, engine.EmbedAndIndex(ctx, indexed.g, indexed.pie))

	// 另一份图实例中只有apples有向量，pie虽在索引里也要排除
	doc := buildFruitDoc(t)
	require.NoError(t, engine.EmbedAndIndex(ctx, doc.g, doc.apples))

	matches, err := engine.SimilarTo(ctx, doc.g, doc.apples, 3)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestEnrich(t *testing.T) {
	doc := buildFruitDoc(t)
	engine := NewEngine(&keywordEmbedder{}, NewRepositoryIndex(newRepo(t)),
		WithLogger(quietLogger()), WithTopK(1), WithSnippetLength(10))
	ctx := context.Background()

	_, err := engine.IndexGraph(ctx, doc.g)
	require.NoError(t, err)

	enrichment, err := engine.Enrich(ctx, doc.g, doc.apples)
	require.NoError(t, err)
	require.Len(t, enrichment.Related, 1)

	related := enrichment.Related[0]
	assert.Equal(t, doc.pie, related.NodeID)
	assert.Equal(t, "Apple Pie", related.Title)
	assert.Equal(t, "apple pie ", related.Snippet)

	// 自身的段落和文档根节点不会作为上下文
	enrichment, err = engine.Enrich(ctx, doc.g, doc.applePara)
	require.NoError(t, err)
	for _, r := range enrichment.Related {
		assert.NotEqual(t, doc.apples, r.NodeID)
		root, _ := doc.g.Root()
		assert.NotEqual(t, root, r.NodeID)
	}
}

func TestEnrichLargeSpanStillFindsOutsideContext(t *testing.T) {
	b := graph.NewBuilder("orchard.md", "Orchard")
	apples := b.Add(b.RootID(), graph.KindSection, "", graph.Metadata{Title: "Apples"})
	for i := 0; i < 12; i++ {
		b.Add(apples, graph.KindParagraph, "apple apple orchard notes", graph.Metadata{})
	}
	pie := b.Add(b.RootID(), graph.KindSection, "", graph.Metadata{Title: "Pie"})
	piePara := b.Add(pie, graph.KindParagraph, "apple pie with cherry topping", graph.Metadata{})
	g, err := b.Graph()
	require.NoError(t, err)

	engine := NewEngine(&keywordEmbedder{}, NewRepositoryIndex(newRepo(t)),
		WithLogger(quietLogger()), WithTopK(2))
	ctx := context.Background()
	_, err = engine.IndexGraph(ctx, g)
	require.NoError(t, err)

	enrichment, err := engine.Enrich(ctx, g, apples)
	require.NoError(t, err)
	require.Len(t, enrichment.Related, 2)
	ids := []string{enrichment.Related[0].NodeID, enrichment.Related[1].NodeID}
	assert.ElementsMatch(t, []string{pie, piePara}, ids)
}

func TestEnrichMinScore(t *testing.T) {
	doc := buildFruitDoc(t)
	engine := NewEngine(&keywordEmbedder{}, NewRepositoryIndex(newRepo(t)),
		WithLogger(quietLogger()), WithMinScore(0.99))
	ctx := context.Background()
	_, err := engine.IndexGraph(ctx, doc.g)
	require.NoError(t, err)

	enrichment, err := engine.Enrich(ctx, doc.g, doc.bananas)
	require.NoError(t, err)
	assert.Empty(t, enrichment.Related)
}

func TestUnavailableErrors(t *testing.T) {
	ctx := context.Background()
	doc := buildFruitDoc(t)

	broken := NewEngine(&keywordEmbedder{err: errors.New("connection refused")},
		NewRepositoryIndex(newRepo(t)), WithLogger(quietLogger()))
	err := broken.EmbedAndIndex(ctx, doc.g, doc.apples)
	assert.True(t, IsUnavailable(err))
	_, err = broken.IndexGraph(ctx, doc.g)
	assert.True(t, IsUnavailable(err))

	down := NewEngine(&keywordEmbedder{}, failingIndex{}, WithLogger(quietLogger()))
	err = down.EmbedAndIndex(ctx, doc.g, doc.apples)
	assert.True(t, IsUnavailable(err))
	assert.ErrorIs(t, err, errIndexDown)
}

// spanLedger 只记录追加次数的账本
type spanLedger struct {
	records int
}

func (l *spanLedger) SpanWritten(string) int { return 0 }

func (l *spanLedger) SpanCompleted(string) bool { return false }

func (l *spanLedger) Append(_ context.Context, _ string, records []output.Record) error {
	l.records += len(records)
	return nil
}

func TestCoverageProceedsWhenIndexUnavailable(t *testing.T) {
	doc := buildFruitDoc(t)
	require.NoError(t, doc.g.SetEmbedding(doc.apples, []float32{1, 0, 0, 0.1}))

	var related int
	gen := coverage.GeneratorFunc(func(ctx context.Context, req coverage.GenerateRequest) ([]coverage.QAPair, error) {
		related += len(req.Related)
		pairs := make([]coverage.QAPair, req.MaxQuestions)
		for i := range pairs {
			pairs[i] = coverage.QAPair{Question: "q?", Answer: "a"}
		}
		return pairs, nil
	})

	enricher := NewEngine(&keywordEmbedder{}, failingIndex{}, WithLogger(quietLogger()))
	engine, err := coverage.NewEngine(gen, coverage.WithEnricher(enricher), coverage.WithLogger(quietLogger()))
	require.NoError(t, err)

	ledger := &spanLedger{}
	res, err := engine.CoverSpan(context.Background(), coverage.Span{Graph: doc.g, NodeID: doc.apples}, ledger)
	require.NoError(t, err)
	assert.Equal(t, 0, related)
	assert.Equal(t, res.Yield, ledger.records)
	assert.Greater(t, res.Yield, 0)
}
