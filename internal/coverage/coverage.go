// Package coverage 实现问题覆盖引擎：对一个片段先整体生成，产出不足时按标题、再按段落拆分，
// 把未满足的目标按单词数重新分配给子片段
package coverage

import (
	"context"

	"github.com/fyerfyer/qa-dataset-builder/internal/graph"
	"github.com/fyerfyer/qa-dataset-builder/internal/output"
)

// Level 拆分粒度
type Level int

const (
	// LevelWhole 对整个片段生成
	LevelWhole Level = iota
	// LevelHeadingSplit 按子标题拆分
	LevelHeadingSplit
	// LevelParagraphSplit 按段落拆分，叶子层级
	LevelParagraphSplit
)

// String 返回记录中generation_path使用的名称
func (l Level) String() string {
	switch l {
	case LevelWhole:
		return "whole"
	case LevelHeadingSplit:
		return "heading"
	case LevelParagraphSplit:
		return "paragraph"
	default:
		return "unknown"
	}
}

// QAPair 一个问答对
type QAPair struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// RelatedContext 语义相关节点的摘要
type RelatedContext struct {
	NodeID  string  `json:"node_id"`
	Title   string  `json:"title"`
	Snippet string  `json:"snippet"`
	Score   float32 `json:"score"`
}

// Enrichment 生成前附加到节点上的上下文
type Enrichment struct {
	Related []RelatedContext
}

// GenerateRequest 一次生成调用
type GenerateRequest struct {
	NodeID       string
	Level        Level
	Content      string
	Breadcrumb   []string // 从根到父节点的标题
	Related      []RelatedContext
	MaxQuestions int
}

// Generator 根据上下文生成问答对的外部协作者
// 返回的错误应为*GeneratorError，其他错误按临时失败处理
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) ([]QAPair, error)
}

// GeneratorFunc 函数形式的生成器
type GeneratorFunc func(ctx context.Context, req GenerateRequest) ([]QAPair, error)

// Generate 实现Generator接口
func (f GeneratorFunc) Generate(ctx context.Context, req GenerateRequest) ([]QAPair, error) {
	return f(ctx, req)
}

// Enricher 提供语义上下文，失败时引擎不带上下文继续
type Enricher interface {
	Enrich(ctx context.Context, g *graph.Graph, nodeID string) (*Enrichment, error)
}

// Ledger 片段级的输出账本
// output.Destination 实现了该接口
type Ledger interface {
	SpanWritten(spanID string) int
	// SpanCompleted 片段此前已经到达终止状态，再次生成只会产生重复记录
	SpanCompleted(spanID string) bool
	Append(ctx context.Context, spanID string, records []output.Record) error
}

// Observer 引擎运行指标的接收者
type Observer interface {
	GeneratorCall(level Level, failed bool)
	Split(level Level)
	SpanFinished(records int, skipped bool)
}

type noopObserver struct{}

func (noopObserver) GeneratorCall(Level, bool) {}
func (noopObserver) Split(Level)               {}
func (noopObserver) SpanFinished(int, bool)    {}
