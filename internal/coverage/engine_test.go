package coverage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fyerfyer/qa-dataset-builder/internal/graph"
	"github.com/fyerfyer/qa-dataset-builder/internal/output"
)

// scriptedGenerator 按请求决定返回多少问答对的生成器桩
type scriptedGenerator struct {
	mu       sync.Mutex
	script   func(req GenerateRequest) (int, error)
	requests []GenerateRequest
}

func (g *scriptedGenerator) Generate(ctx context.Context, req GenerateRequest) ([]QAPair, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	g.mu.Unlock()

	n, err := g.script(req)
	if err != nil {
		return nil, err
	}
	pairs := make([]QAPair, n)
	for i := range pairs {
		pairs[i] = QAPair{
			Question: fmt.Sprintf("%s/%s question %d?", req.Level, req.NodeID, i),
			Answer:   fmt.Sprintf("answer %d", i),
		}
	}
	return pairs, nil
}

func (g *scriptedGenerator) levels() []Level {
	out := make([]Level, len(g.requests))
	for i, r := range g.requests {
		out[i] = r.Level
	}
	return out
}

func (g *scriptedGenerator) asked() []int {
	out := make([]int, len(g.requests))
	for i, r := range g.requests {
		out[i] = r.MaxQuestions
	}
	return out
}

// memLedger 内存账本
type memLedger struct {
	spans     map[string]int
	completed map[string]bool
	appends   [][]output.Record
	err       error
}

func newMemLedger() *memLedger {
	return &memLedger{spans: make(map[string]int), completed: make(map[string]bool)}
}

func (l *memLedger) SpanWritten(spanID string) int {
	return l.spans[spanID]
}

func (l *memLedger) SpanCompleted(spanID string) bool {
	return l.completed[spanID]
}

func (l *memLedger) Append(ctx context.Context, spanID string, records []output.Record) error {
	if l.err != nil {
		return l.err
	}
	l.spans[spanID] += len(records)
	l.completed[spanID] = true
	l.appends = append(l.appends, records)
	return nil
}

// mockEnricher 语义上下文的mock
type mockEnricher struct {
	mock.Mock
}

func (m *mockEnricher) Enrich(ctx context.Context, g *graph.Graph, nodeID string) (*Enrichment, error) {
	args := m.Called(ctx, g, nodeID)
	if e, ok := args.Get(0).(*Enrichment); ok {
		return e, args.Error(1)
	}
	return nil, args.Error(1)
}

func words(prefix string, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return strings.Join(parts, " ")
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func newEngine(t *testing.T, gen Generator, opts ...EngineOption) *Engine {
	t.Helper()
	opts = append([]EngineOption{WithLogger(quietLogger())}, opts...)
	e, err := NewEngine(gen, opts...)
	require.NoError(t, err)
	return e
}

// threeParagraphSection 一个130词的章节，三个段落分别为45、50、35词
func threeParagraphSection(t *testing.T) (*graph.Graph, string, []string) {
	t.Helper()
	b := graph.NewBuilder("guide.md", "Guide")
	sec := b.Add(b.RootID(), graph.KindSection, "", graph.Metadata{Title: "Install"})
	paras := []string{
		b.Add(sec, graph.KindParagraph, words("a", 45), graph.Metadata{}),
		b.Add(sec, graph.KindParagraph, words("b", 50), graph.Metadata{}),
		b.Add(sec, graph.KindParagraph, words("c", 35), graph.Metadata{}),
	}
	g, err := b.Graph()
	require.NoError(t, err)
	return g, sec, paras
}

// nestedSection 一个章节下两个子章节，各含一个段落（60词和40词）
func nestedSection(t *testing.T) (*graph.Graph, string, string, string) {
	t.Helper()
	b := graph.NewBuilder("nested.md", "Nested")
	sec := b.Add(b.RootID(), graph.KindSection, "", graph.Metadata{Title: "Usage"})
	subA := b.Add(sec, graph.KindSubsection, "", graph.Metadata{Title: "Flags"})
	b.Add(subA, graph.KindParagraph, words("x", 60), graph.Metadata{})
	subB := b.Add(sec, graph.KindSubsection, "", graph.Metadata{Title: "Output"})
	b.Add(subB, graph.KindParagraph, words("y", 40), graph.Metadata{})
	g, err := b.Graph()
	require.NoError(t, err)
	return g, sec, subA, subB
}

func countBySource(records []output.Record) map[string]int {
	out := make(map[string]int)
	for _, r := range records {
		out[r.SourceNodeID]++
	}
	return out
}

func TestNewEngineRequiresGenerator(t *testing.T) {
	_, err := NewEngine(nil)
	assert.ErrorIs(t, err, ErrNoGenerator)
}

func TestCoverSpan_WholeSuccess(t *testing.T) {
	g, sec, _ := threeParagraphSection(t)
	gen := &scriptedGenerator{script: func(req GenerateRequest) (int, error) {
		return req.MaxQuestions, nil
	}}
	ledger := newMemLedger()

	res, err := newEngine(t, gen).CoverSpan(context.Background(), Span{Graph: g, NodeID: sec}, ledger)
	require.NoError(t, err)

	assert.Equal(t, []Level{LevelWhole}, gen.levels())
	assert.Equal(t, 17, res.Yield)
	assert.Equal(t, 1, res.GeneratorCalls)
	require.Len(t, ledger.appends, 1)
	assert.Len(t, ledger.appends[0], 17)
	for _, r := range res.Records {
		assert.Equal(t, "whole", r.GenerationPath)
		assert.Equal(t, sec, r.SourceNodeID)
	}
}

// TestCoverSpan_ThreeParagraphScenario 整体生成只返回一半，落到段落拆分，
// 每个段落的目标按单词占比分配
func TestCoverSpan_ThreeParagraphScenario(t *testing.T) {
	g, sec, paras := threeParagraphSection(t)
	gen := &scriptedGenerator{script: func(req GenerateRequest) (int, error) {
		if req.Level == LevelWhole {
			return req.MaxQuestions / 2, nil
		}
		return req.MaxQuestions, nil
	}}
	ledger := newMemLedger()

	res, err := newEngine(t, gen).CoverSpan(context.Background(), Span{Graph: g, NodeID: sec}, ledger)
	require.NoError(t, err)

	assert.Equal(t, 130, res.Target.Words)
	assert.Equal(t, 17, res.Target.Target)
	assert.Equal(t, 13, res.Target.Minimum)

	assert.Equal(t, []Level{LevelWhole, LevelParagraphSplit, LevelParagraphSplit, LevelParagraphSplit}, gen.levels())
	assert.Equal(t, []int{17, 6, 6, 5}, gen.asked())

	assert.Equal(t, 17, res.Yield)
	assert.GreaterOrEqual(t, res.Yield, res.Target.Minimum)
	bySource := countBySource(res.Records)
	assert.Equal(t, 6, bySource[paras[0]])
	assert.Equal(t, 6, bySource[paras[1]])
	assert.Equal(t, 5, bySource[paras[2]])
	assert.Zero(t, bySource[sec], "partial whole-level yield must be discarded")

	for _, r := range res.Records {
		assert.Equal(t, "paragraph", r.GenerationPath)
	}
	require.Len(t, ledger.appends, 1, "span must be persisted in a single append")
	assert.Equal(t, 17, ledger.SpanWritten(sec))
}

func TestCoverSpan_GeneratorErrorForcesSplit(t *testing.T) {
	g, sec, _ := threeParagraphSection(t)
	gen := &scriptedGenerator{script: func(req GenerateRequest) (int, error) {
		if req.Level == LevelWhole {
			return 0, NewTransientError(errors.New("connection refused"))
		}
		return req.MaxQuestions, nil
	}}

	res, err := newEngine(t, gen).CoverSpan(context.Background(), Span{Graph: g, NodeID: sec}, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, res.GeneratorFailures)
	assert.Equal(t, 4, res.GeneratorCalls)
	assert.Equal(t, 17, res.Yield)
	require.NotEmpty(t, res.Path)
	assert.True(t, res.Path[0].Failed)
}

func TestCoverSpan_TruncatesOverProduction(t *testing.T) {
	g, sec, _ := threeParagraphSection(t)
	gen := &scriptedGenerator{script: func(req GenerateRequest) (int, error) {
		return req.MaxQuestions + 10, nil
	}}

	res, err := newEngine(t, gen).CoverSpan(context.Background(), Span{Graph: g, NodeID: sec}, nil)
	require.NoError(t, err)
	assert.Equal(t, 17, res.Yield)
}

func TestCoverSpan_HeadingSplitAcceptsAggregate(t *testing.T) {
	g, sec, subA, subB := nestedSection(t)
	gen := &scriptedGenerator{script: func(req GenerateRequest) (int, error) {
		switch {
		case req.Level == LevelWhole:
			return 0, nil
		case req.NodeID == subA:
			return 8, nil
		case req.NodeID == subB:
			return 3, nil
		}
		return req.MaxQuestions, nil
	}}

	res, err := newEngine(t, gen).CoverSpan(context.Background(), Span{Graph: g, NodeID: sec}, nil)
	require.NoError(t, err)

	// 100词：target=13, minimum=10；子章节分到8和5
	assert.Equal(t, []int{13, 8, 5}, gen.asked())
	assert.Equal(t, []Level{LevelWhole, LevelHeadingSplit, LevelHeadingSplit}, gen.levels())
	assert.Equal(t, 11, res.Yield)

	bySource := countBySource(res.Records)
	assert.Equal(t, 8, bySource[subA])
	assert.Equal(t, 3, bySource[subB], "short child is accepted when the aggregate meets the minimum")
	for _, r := range res.Records {
		assert.Equal(t, "heading", r.GenerationPath)
	}
}

func TestCoverSpan_HeadingSplitFallsBackToParagraphs(t *testing.T) {
	g, sec, subA, subB := nestedSection(t)
	gen := &scriptedGenerator{script: func(req GenerateRequest) (int, error) {
		switch {
		case req.Level == LevelWhole:
			return 0, nil
		case req.NodeID == subA:
			return 8, nil
		case req.NodeID == subB:
			return 1, nil
		}
		return req.MaxQuestions, nil
	}}

	res, err := newEngine(t, gen).CoverSpan(context.Background(), Span{Graph: g, NodeID: sec}, nil)
	require.NoError(t, err)

	assert.Equal(t, []Level{LevelWhole, LevelHeadingSplit, LevelHeadingSplit, LevelParagraphSplit}, gen.levels())
	assert.Equal(t, []int{13, 8, 5, 5}, gen.asked())
	assert.Equal(t, 13, res.Yield)

	bySource := countBySource(res.Records)
	assert.Equal(t, 8, bySource[subA])
	assert.Zero(t, bySource[subB], "failed child's partial yield is discarded")

	paths := map[string]int{}
	for _, r := range res.Records {
		paths[r.GenerationPath]++
	}
	assert.Equal(t, map[string]int{"heading": 8, "paragraph": 5}, paths)
}

func TestCoverSpan_TerminatesWithinDepthBound(t *testing.T) {
	g, sec, _, _ := nestedSection(t)
	gen := &scriptedGenerator{script: func(req GenerateRequest) (int, error) {
		return 0, nil
	}}
	ledger := newMemLedger()

	res, err := newEngine(t, gen).CoverSpan(context.Background(), Span{Graph: g, NodeID: sec}, ledger)
	require.NoError(t, err)

	assert.Zero(t, res.Yield)
	// whole + 2个子章节 + 2个段落
	assert.Equal(t, 5, res.GeneratorCalls)
	for _, step := range res.Path {
		assert.LessOrEqual(t, int(step.Level), int(LevelParagraphSplit))
	}
	assert.Empty(t, ledger.appends)
}

func TestCoverSpan_Deterministic(t *testing.T) {
	run := func() *SpanResult {
		g, sec, _, _ := nestedSection(t)
		calls := 0
		gen := &scriptedGenerator{script: func(req GenerateRequest) (int, error) {
			calls++
			return calls % 3, nil
		}}
		res, err := newEngine(t, gen).CoverSpan(context.Background(), Span{Graph: g, NodeID: sec}, nil)
		require.NoError(t, err)
		return res
	}

	first, second := run(), run()
	assert.Equal(t, first.Records, second.Records)
	assert.Equal(t, first.Path, second.Path)
}

func TestCoverSpan_EnrichmentIsOptional(t *testing.T) {
	script := func(req GenerateRequest) (int, error) {
		if req.Level == LevelWhole {
			return 3, nil
		}
		return req.MaxQuestions, nil
	}

	g, sec, _ := threeParagraphSection(t)
	plain := &scriptedGenerator{script: script}
	baseline, err := newEngine(t, plain).CoverSpan(context.Background(), Span{Graph: g, NodeID: sec}, nil)
	require.NoError(t, err)

	failing := new(mockEnricher)
	failing.On("Enrich", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("index unavailable"))
	withFailure := &scriptedGenerator{script: script}
	degraded, err := newEngine(t, withFailure, WithEnricher(failing)).CoverSpan(context.Background(), Span{Graph: g, NodeID: sec}, nil)
	require.NoError(t, err)

	assert.Equal(t, baseline.Records, degraded.Records)
	failing.AssertNumberOfCalls(t, "Enrich", 4)

	related := []RelatedContext{{NodeID: "n1", Title: "Config", Snippet: "set the port", Score: 0.9}}
	working := new(mockEnricher)
	working.On("Enrich", mock.Anything, g, mock.Anything).Return(&Enrichment{Related: related}, nil)
	withContext := &scriptedGenerator{script: script}
	enriched, err := newEngine(t, withContext, WithEnricher(working)).CoverSpan(context.Background(), Span{Graph: g, NodeID: sec}, nil)
	require.NoError(t, err)

	assert.Equal(t, baseline.Records, enriched.Records)
	for _, req := range withContext.requests {
		assert.Equal(t, related, req.Related)
	}
	working.AssertExpectations(t)
}

func TestCoverSpan_LinkedSectionsBecomeContext(t *testing.T) {
	b := graph.NewBuilder("guide.md", "Guide")
	install := b.Add(b.RootID(), graph.KindSection, "Install", graph.Metadata{Title: "Install"})
	para := b.Add(install, graph.KindParagraph, words("a", 30), graph.Metadata{})
	configure := b.Add(b.RootID(), graph.KindSection, "Configure", graph.Metadata{Title: "Configure"})
	b.Add(configure, graph.KindParagraph, "set the output directory", graph.Metadata{})
	b.Link(para, configure, graph.EdgeRelated)
	b.Link(para, install, graph.EdgeRelated)
	g, err := b.Graph()
	require.NoError(t, err)

	gen := &scriptedGenerator{script: func(req GenerateRequest) (int, error) {
		return req.MaxQuestions, nil
	}}
	_, err = newEngine(t, gen).CoverSpan(context.Background(), Span{Graph: g, NodeID: install}, nil)
	require.NoError(t, err)

	require.Len(t, gen.requests, 1)
	related := gen.requests[0].Related
	require.Len(t, related, 1, "links inside the span are not context")
	assert.Equal(t, configure, related[0].NodeID)
	assert.Equal(t, "Configure", related[0].Title)
	assert.Contains(t, related[0].Snippet, "set the output directory")

	// 语义上下文中重复的节点只出现一次
	enricher := new(mockEnricher)
	enricher.On("Enrich", mock.Anything, g, install).Return(&Enrichment{Related: []RelatedContext{
		{NodeID: configure, Title: "Configure", Score: 0.7},
		{NodeID: "other", Title: "Other", Score: 0.6},
	}}, nil)
	withEnricher := &scriptedGenerator{script: gen.script}
	_, err = newEngine(t, withEnricher, WithEnricher(enricher)).CoverSpan(context.Background(), Span{Graph: g, NodeID: install}, nil)
	require.NoError(t, err)
	related = withEnricher.requests[0].Related
	require.Len(t, related, 2)
	assert.Equal(t, configure, related[0].NodeID)
	assert.Equal(t, float32(1), related[0].Score)
	assert.Equal(t, "other", related[1].NodeID)
}

func TestCoverSpan_Breadcrumb(t *testing.T) {
	g, sec, _ := threeParagraphSection(t)
	gen := &scriptedGenerator{script: func(req GenerateRequest) (int, error) {
		if req.Level == LevelWhole {
			return 0, nil
		}
		return req.MaxQuestions, nil
	}}

	_, err := newEngine(t, gen).CoverSpan(context.Background(), Span{Graph: g, NodeID: sec}, nil)
	require.NoError(t, err)

	require.Len(t, gen.requests, 4)
	assert.Equal(t, []string{"Guide"}, gen.requests[0].Breadcrumb)
	assert.Equal(t, []string{"Guide", "Install"}, gen.requests[1].Breadcrumb)
	assert.Equal(t, words("a", 45), gen.requests[1].Content)
}

func TestCoverSpan_ResumeSkipsSatisfiedSpan(t *testing.T) {
	g, sec, _ := threeParagraphSection(t)
	gen := &scriptedGenerator{script: func(req GenerateRequest) (int, error) {
		return req.MaxQuestions, nil
	}}
	ledger := newMemLedger()
	ledger.spans[sec] = 13

	res, err := newEngine(t, gen).CoverSpan(context.Background(), Span{Graph: g, NodeID: sec}, ledger)
	require.NoError(t, err)

	assert.True(t, res.Skipped)
	assert.Empty(t, gen.requests)
	assert.Empty(t, ledger.appends)

	// 低于最低要求的片段会重新生成
	ledger.spans[sec] = 12
	res, err = newEngine(t, gen).CoverSpan(context.Background(), Span{Graph: g, NodeID: sec}, ledger)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Len(t, gen.requests, 1)
}

func TestCoverSpan_RerunSkipsCompletedShortSpan(t *testing.T) {
	g, sec, _ := threeParagraphSection(t)
	gen := &scriptedGenerator{script: func(req GenerateRequest) (int, error) {
		return req.MaxQuestions / 2, nil
	}}
	ledger := newMemLedger()

	first, err := newEngine(t, gen).CoverSpan(context.Background(), Span{Graph: g, NodeID: sec}, ledger)
	require.NoError(t, err)
	require.False(t, first.Skipped)
	written := ledger.SpanWritten(sec)
	require.Greater(t, written, 0)
	require.Less(t, written, first.Target.Minimum)
	calls := len(gen.requests)

	second, err := newEngine(t, gen).CoverSpan(context.Background(), Span{Graph: g, NodeID: sec}, ledger)
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Equal(t, written, second.Yield)
	assert.Len(t, gen.requests, calls)
	assert.Len(t, ledger.appends, 1)
	assert.Equal(t, written, ledger.SpanWritten(sec))
}

func TestCoverSpan_CancelledSpanIsNotPersisted(t *testing.T) {
	g, sec, _ := threeParagraphSection(t)
	ctx, cancel := context.WithCancel(context.Background())
	gen := &scriptedGenerator{script: func(req GenerateRequest) (int, error) {
		cancel()
		return 0, ctx.Err()
	}}
	ledger := newMemLedger()

	_, err := newEngine(t, gen).CoverSpan(ctx, Span{Graph: g, NodeID: sec}, ledger)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, gen.requests, 1)
	assert.Empty(t, ledger.appends)
}

func TestCoverSpan_PersistenceErrorSurfaces(t *testing.T) {
	g, sec, _ := threeParagraphSection(t)
	gen := &scriptedGenerator{script: func(req GenerateRequest) (int, error) {
		return req.MaxQuestions, nil
	}}
	ledger := newMemLedger()
	ledger.err = &output.PersistenceError{Destination: "out.jsonl", Op: "sync", Err: errors.New("disk full")}

	_, err := newEngine(t, gen).CoverSpan(context.Background(), Span{Graph: g, NodeID: sec}, ledger)
	var perr *output.PersistenceError
	assert.ErrorAs(t, err, &perr)
}

func TestCoverSpan_UnknownNode(t *testing.T) {
	g, _, _ := threeParagraphSection(t)
	gen := &scriptedGenerator{script: func(req GenerateRequest) (int, error) { return 0, nil }}
	_, err := newEngine(t, gen).CoverSpan(context.Background(), Span{Graph: g, NodeID: "missing"}, nil)
	assert.ErrorIs(t, err, ErrSpanNotFound)
}

func TestCoverSpan_TitleOnlyHeadingLeaf(t *testing.T) {
	b := graph.NewBuilder("empty.md", "Empty")
	sec := b.Add(b.RootID(), graph.KindSection, "Overview", graph.Metadata{Title: "Overview"})
	g, err := b.Graph()
	require.NoError(t, err)

	gen := &scriptedGenerator{script: func(req GenerateRequest) (int, error) {
		if req.Level == LevelWhole {
			return 0, nil
		}
		return 1, nil
	}}
	res, err := newEngine(t, gen).CoverSpan(context.Background(), Span{Graph: g, NodeID: sec}, nil)
	require.NoError(t, err)

	// 1个词：target=3, minimum=2
	assert.Equal(t, []int{3, 3}, gen.asked())
	assert.Equal(t, 1, res.Yield)
}

func TestGeneratorErrorKinds(t *testing.T) {
	base := errors.New("bad json")
	err := fmt.Errorf("generate: %w", NewMalformedError(base))
	assert.True(t, IsMalformed(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsMalformed(NewTransientError(base)))
	assert.Contains(t, NewTransientError(base).Error(), "transient")
}
