package coverage

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/fyerfyer/qa-dataset-builder/internal/allocator"
	"github.com/fyerfyer/qa-dataset-builder/internal/graph"
	"github.com/fyerfyer/qa-dataset-builder/internal/output"
)

// Engine 覆盖引擎
// 引擎本身无状态，可以被多个片段并发使用；单个片段内部的拆分是顺序执行的
type Engine struct {
	generator Generator
	enricher  Enricher
	observer  Observer
	logger    *logrus.Logger
}

// EngineOption 引擎配置选项
type EngineOption func(*Engine)

// WithEnricher 设置语义上下文提供者
func WithEnricher(enricher Enricher) EngineOption {
	return func(e *Engine) {
		e.enricher = enricher
	}
}

// WithObserver 设置指标接收者
func WithObserver(observer Observer) EngineOption {
	return func(e *Engine) {
		if observer != nil {
			e.observer = observer
		}
	}
}

// WithLogger 设置日志记录器
func WithLogger(logger *logrus.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine 创建覆盖引擎
func NewEngine(generator Generator, opts ...EngineOption) (*Engine, error) {
	if generator == nil {
		return nil, ErrNoGenerator
	}
	e := &Engine{
		generator: generator,
		observer:  noopObserver{},
		logger:    logrus.New(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Span 待覆盖的片段，以图中的一个节点为根
type Span struct {
	Graph  *graph.Graph
	NodeID string
	// Target 可选的目标覆盖值，为空时按子树单词数计算
	Target *allocator.Target
}

// Step 状态机执行轨迹中的一步
type Step struct {
	Level    Level  `json:"level"`
	NodeID   string `json:"node_id"`
	Target   int    `json:"target"`
	Minimum  int    `json:"minimum"`
	Yield    int    `json:"yield"`
	Accepted bool   `json:"accepted"`
	Failed   bool   `json:"failed,omitempty"` // 生成器调用失败
}

// SpanResult 片段覆盖结果
type SpanResult struct {
	SpanID            string
	Target            allocator.Target
	Records           []output.Record
	Yield             int
	Path              []Step
	GeneratorCalls    int
	GeneratorFailures int
	Skipped           bool
}

// CoverSpan 对片段执行覆盖状态机，并在到达终止状态后一次性写入账本
// ledger 为空时只返回结果不做持久化。生成器错误不会从这里返回；
// 返回的错误只可能是片段不存在、上下文取消或持久化失败
func (e *Engine) CoverSpan(ctx context.Context, span Span, ledger Ledger) (*SpanResult, error) {
	node, ok := span.Graph.Node(span.NodeID)
	if !ok {
		return nil, ErrSpanNotFound
	}

	target := allocator.Compute(span.Graph.WordCount(span.NodeID))
	if span.Target != nil {
		target = *span.Target
	}

	result := &SpanResult{SpanID: span.NodeID, Target: target}
	logger := e.logger.WithFields(logrus.Fields{
		"span":    span.NodeID,
		"kind":    node.Kind,
		"target":  target.Target,
		"minimum": target.Minimum,
	})

	if ledger != nil {
		written := ledger.SpanWritten(span.NodeID)
		if written >= target.Minimum || ledger.SpanCompleted(span.NodeID) {
			logger.WithField("written", written).Debug("Span already covered, skipping")
			result.Skipped = true
			result.Yield = written
			e.observer.SpanFinished(0, true)
			return result, nil
		}
	}

	r := &spanRun{
		engine: e,
		ctx:    ctx,
		g:      span.Graph,
		result: result,
		logger: logger,
	}
	r.execute(span.NodeID, target.Target, target.Minimum)
	if r.err != nil {
		return nil, r.err
	}

	if ledger != nil && len(result.Records) > 0 {
		if err := ledger.Append(ctx, span.NodeID, result.Records); err != nil {
			return nil, err
		}
	}

	logger.WithFields(logrus.Fields{
		"yield":    result.Yield,
		"calls":    result.GeneratorCalls,
		"failures": result.GeneratorFailures,
		"depth":    result.depth(),
	}).Debug("Span covered")
	e.observer.SpanFinished(len(result.Records), false)
	return result, nil
}

// depth 返回轨迹中到达的最深拆分层级
func (r *SpanResult) depth() int {
	deepest := 0
	for _, s := range r.Path {
		if int(s.Level) > deepest {
			deepest = int(s.Level)
		}
	}
	return deepest
}

// spanRun 单个片段的一次执行
type spanRun struct {
	engine *Engine
	ctx    context.Context
	g      *graph.Graph
	result *SpanResult
	logger *logrus.Entry
	err    error
}

// childAttempt 标题拆分中一个子节点的尝试结果
type childAttempt struct {
	nodeID  string
	target  int
	minimum int
	records []output.Record
}

// execute 状态机：Whole -> HeadingSplit -> ParagraphSplit
// 每个层级最多进入一次，ParagraphSplit 总是终止状态
func (r *spanRun) execute(spanID string, target, minimum int) {
	level := LevelWhole
	for r.err == nil {
		switch level {
		case LevelWhole:
			records := r.attempt(LevelWhole, spanID, r.g.SubtreeText(spanID), target, minimum)
			if r.err != nil {
				return
			}
			if len(records) >= minimum {
				r.accept(records)
				return
			}
			level = LevelHeadingSplit

		case LevelHeadingSplit:
			children := r.g.ChildrenOf(spanID, graph.EdgeContains)
			if !r.hasHeading(children) {
				level = LevelParagraphSplit
				continue
			}
			r.engine.observer.Split(LevelHeadingSplit)
			r.headingSplit(children, target, minimum)
			return

		case LevelParagraphSplit:
			r.engine.observer.Split(LevelParagraphSplit)
			r.accept(r.paragraphSplit(spanID, target))
			return
		}
	}
}

func (r *spanRun) hasHeading(ids []string) bool {
	for _, id := range ids {
		if n, ok := r.g.Node(id); ok && n.Kind.IsHeading() {
			return true
		}
	}
	return false
}

// headingSplit 把目标分给直接子节点，各自整体生成一次
// 汇总产出达到父片段的最低要求时接受全部结果；否则对未达到自身最低要求的子节点
// 丢弃其部分产出，改为段落拆分
func (r *spanRun) headingSplit(children []string, target, minimum int) {
	words := make([]int, len(children))
	for i, id := range children {
		words[i] = r.g.WordCount(id)
	}
	targets := allocator.Redistribute(target, words)

	attempts := make([]childAttempt, 0, len(children))
	total := 0
	for i, id := range children {
		if targets[i] <= 0 {
			continue
		}
		a := childAttempt{
			nodeID:  id,
			target:  targets[i],
			minimum: allocator.MinimumFor(targets[i]),
		}
		a.records = r.attempt(LevelHeadingSplit, id, r.g.SubtreeText(id), a.target, a.minimum)
		if r.err != nil {
			return
		}
		total += len(a.records)
		attempts = append(attempts, a)
	}

	if total >= minimum {
		for _, a := range attempts {
			r.accept(a.records)
		}
		return
	}

	r.logger.WithFields(logrus.Fields{
		"yield":   total,
		"minimum": minimum,
	}).Debug("Heading split below minimum, splitting short children into paragraphs")

	for _, a := range attempts {
		if len(a.records) >= a.minimum {
			r.accept(a.records)
			continue
		}
		r.engine.observer.Split(LevelParagraphSplit)
		records := r.paragraphSplit(a.nodeID, a.target)
		if r.err != nil {
			return
		}
		r.accept(records)
	}
}

// paragraphSplit 把目标按单词数分给节点下最外层的块节点，接受所有产出
func (r *spanRun) paragraphSplit(nodeID string, target int) []output.Record {
	leaves := r.blockLeaves(nodeID)
	if len(leaves) == 0 {
		// 只有标题没有正文的节点，整体作为唯一的叶子
		leaves = []string{nodeID}
	}

	words := make([]int, len(leaves))
	for i, id := range leaves {
		words[i] = r.g.WordCount(id)
	}
	targets := allocator.Redistribute(target, words)

	var records []output.Record
	for i, id := range leaves {
		if targets[i] <= 0 {
			continue
		}
		got := r.attempt(LevelParagraphSplit, id, r.g.SubtreeText(id), targets[i], allocator.MinimumFor(targets[i]))
		if r.err != nil {
			return nil
		}
		records = append(records, got...)
	}
	return records
}

// blockLeaves 按文档顺序返回子树中最外层的块节点（包括节点自身）
func (r *spanRun) blockLeaves(nodeID string) []string {
	var out []string
	var walk func(string)
	walk = func(id string) {
		n, ok := r.g.Node(id)
		if !ok {
			return
		}
		if n.Kind.IsBlock() {
			out = append(out, id)
			return
		}
		for _, child := range r.g.ChildrenOf(id, graph.EdgeContains) {
			walk(child)
		}
	}
	walk(nodeID)
	return out
}

// attempt 对一个节点调用一次生成器
// 失败记为0产出；只有上下文取消会中止整个片段
func (r *spanRun) attempt(level Level, nodeID, content string, target, minimum int) []output.Record {
	if target <= 0 {
		return nil
	}
	if err := r.ctx.Err(); err != nil {
		r.err = err
		return nil
	}

	req := GenerateRequest{
		NodeID:       nodeID,
		Level:        level,
		Content:      content,
		Breadcrumb:   r.breadcrumb(nodeID),
		Related:      r.related(nodeID),
		MaxQuestions: target,
	}

	r.result.GeneratorCalls++
	pairs, err := r.engine.generator.Generate(r.ctx, req)
	step := Step{Level: level, NodeID: nodeID, Target: target, Minimum: minimum}

	if err != nil {
		if ctxErr := r.ctx.Err(); ctxErr != nil {
			r.err = ctxErr
			return nil
		}
		r.result.GeneratorFailures++
		step.Failed = true
		r.result.Path = append(r.result.Path, step)
		r.engine.observer.GeneratorCall(level, true)
		r.logger.WithError(err).WithFields(logrus.Fields{
			"node":  nodeID,
			"level": level.String(),
		}).Warn("Generator call failed, treating as zero yield")
		return nil
	}
	r.engine.observer.GeneratorCall(level, false)

	records := make([]output.Record, 0, len(pairs))
	for _, p := range pairs {
		if len(records) == target {
			break
		}
		q, a := strings.TrimSpace(p.Question), strings.TrimSpace(p.Answer)
		if q == "" || a == "" {
			continue
		}
		records = append(records, output.Record{
			Question:       q,
			Answer:         a,
			SourceNodeID:   nodeID,
			GenerationPath: level.String(),
		})
	}

	step.Yield = len(records)
	step.Accepted = len(records) >= minimum || level == LevelParagraphSplit
	r.result.Path = append(r.result.Path, step)
	return records
}

func (r *spanRun) accept(records []output.Record) {
	r.result.Records = append(r.result.Records, records...)
	r.result.Yield = len(r.result.Records)
}

// breadcrumb 从根到父节点的标题序列
func (r *spanRun) breadcrumb(nodeID string) []string {
	path, err := r.g.PathToRoot(nodeID)
	if err != nil {
		return nil
	}
	crumbs := make([]string, 0, len(path))
	for i := len(path) - 1; i >= 0; i-- {
		if n, ok := r.g.Node(path[i]); ok && n.Metadata.Title != "" {
			crumbs = append(crumbs, n.Metadata.Title)
		}
	}
	return crumbs
}

// related 文内链接指向的节点在前，语义上下文在后；语义上下文的任何失败都只记录日志
func (r *spanRun) related(nodeID string) []RelatedContext {
	out := r.linked(nodeID)
	if r.engine.enricher == nil {
		return out
	}
	enrichment, err := r.engine.enricher.Enrich(r.ctx, r.g, nodeID)
	if err != nil {
		r.logger.WithError(err).WithField("node", nodeID).Debug("Enrichment unavailable, continuing without context")
		return out
	}
	if enrichment == nil {
		return out
	}

	seen := make(map[string]bool, len(out))
	for _, rc := range out {
		seen[rc.NodeID] = true
	}
	for _, rc := range enrichment.Related {
		if !seen[rc.NodeID] {
			out = append(out, rc)
		}
	}
	return out
}

// linked 收集节点子树中Related边指向子树之外的节点
func (r *spanRun) linked(nodeID string) []RelatedContext {
	inside := map[string]bool{nodeID: true}
	subtree := append([]string{nodeID}, r.g.Descendants(nodeID)...)
	for _, id := range subtree {
		inside[id] = true
	}

	var out []RelatedContext
	seen := make(map[string]bool)
	for _, id := range subtree {
		for _, target := range r.g.RelatedTo(id) {
			if inside[target] || seen[target] {
				continue
			}
			seen[target] = true
			n, _ := r.g.Node(target)
			out = append(out, RelatedContext{
				NodeID:  target,
				Title:   n.Metadata.Title,
				Snippet: truncateRunes(r.g.SubtreeText(target), linkedSnippetLength),
				Score:   1,
			})
		}
	}
	return out
}

const linkedSnippetLength = 300

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
