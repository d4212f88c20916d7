package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/fyerfyer/qa-dataset-builder/internal/allocator"
	"github.com/fyerfyer/qa-dataset-builder/internal/coverage"
	"github.com/fyerfyer/qa-dataset-builder/internal/document"
	"github.com/fyerfyer/qa-dataset-builder/internal/graph"
	"github.com/fyerfyer/qa-dataset-builder/internal/models"
	"github.com/fyerfyer/qa-dataset-builder/internal/output"
	"github.com/fyerfyer/qa-dataset-builder/internal/repository"
	"github.com/fyerfyer/qa-dataset-builder/internal/source"
	"github.com/fyerfyer/qa-dataset-builder/internal/vectorctx"
	"github.com/fyerfyer/qa-dataset-builder/pkg/storage"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
)

// Indexer 在覆盖之前为文档图建立向量索引
type Indexer interface {
	IndexGraph(ctx context.Context, g *graph.Graph) (int, error)
}

// DocumentObserver 文档级指标的接收者
type DocumentObserver interface {
	DocumentStarted()
	DocumentFinished(status string, elapsed time.Duration)
}

type noopDocumentObserver struct{}

func (noopDocumentObserver) DocumentStarted()                       {}
func (noopDocumentObserver) DocumentFinished(string, time.Duration) {}

// DocumentResult 单个文档的处理结果
type DocumentResult struct {
	Source            string                     `json:"source"`
	Destination       string                     `json:"destination"`
	Status            models.DocumentStatus      `json:"status"`
	Spans             int                        `json:"spans"`
	SpansSkipped      int                        `json:"spans_skipped"`
	Records           int                        `json:"records"`
	GeneratorCalls    int                        `json:"generator_calls"`
	GeneratorFailures int                        `json:"generator_failures"`
	Error             string                     `json:"error,omitempty"`
	Paths             map[string][]coverage.Step `json:"paths,omitempty"` // 片段ID -> 状态机轨迹
}

// Summary 一次运行的汇总
type Summary struct {
	RunID     string           `json:"run_id"`
	Started   time.Time        `json:"started"`
	Finished  time.Time        `json:"finished"`
	Documents []DocumentResult `json:"documents"`
}

// Count 返回指定状态的文档数
func (s *Summary) Count(status models.DocumentStatus) int {
	n := 0
	for _, d := range s.Documents {
		if d.Status == status {
			n++
		}
	}
	return n
}

// Records 返回本次运行写入的记录总数
func (s *Summary) Records() int {
	n := 0
	for _, d := range s.Documents {
		n += d.Records
	}
	return n
}

// GenerationService 生成服务
// 负责协调文档解析、覆盖引擎、输出存储以及运行记录
type GenerationService struct {
	engine        *coverage.Engine
	store         *output.Store
	outputDir     string
	uniqueNames   bool
	docWorkers    int
	spanWorkers   int
	indexer       Indexer
	publisher     storage.Storage
	publishPrefix string
	runs          repository.RunRepository
	observer      DocumentObserver
	options       map[string]interface{}
	logger        *logrus.Logger
}

// GenerationOption 生成服务配置选项
type GenerationOption func(*GenerationService)

// WithOutputDir 设置输出目录
func WithOutputDir(dir string) GenerationOption {
	return func(s *GenerationService) {
		if dir != "" {
			s.outputDir = dir
		}
	}
}

// WithUniqueNames 输出文件名中加入源路径校验和，避免不同目录的同名文件冲突
func WithUniqueNames(unique bool) GenerationOption {
	return func(s *GenerationService) {
		s.uniqueNames = unique
	}
}

// WithWorkers 设置文档级和片段级的并发数
func WithWorkers(documents, spans int) GenerationOption {
	return func(s *GenerationService) {
		if documents > 0 {
			s.docWorkers = documents
		}
		if spans > 0 {
			s.spanWorkers = spans
		}
	}
}

// WithIndexer 设置向量索引器，为空时不建立索引
func WithIndexer(indexer Indexer) GenerationOption {
	return func(s *GenerationService) {
		s.indexer = indexer
	}
}

// WithPublisher 覆盖完成后把输出文件上传到对象存储
func WithPublisher(store storage.Storage, prefix string) GenerationOption {
	return func(s *GenerationService) {
		s.publisher = store
		s.publishPrefix = prefix
	}
}

// WithRunRepository 设置运行记录仓储
func WithRunRepository(repo repository.RunRepository) GenerationOption {
	return func(s *GenerationService) {
		s.runs = repo
	}
}

// WithDocumentObserver 设置文档级指标接收者
func WithDocumentObserver(observer DocumentObserver) GenerationOption {
	return func(s *GenerationService) {
		if observer != nil {
			s.observer = observer
		}
	}
}

// WithRunOptions 记录到运行记录中的参数快照
func WithRunOptions(options map[string]interface{}) GenerationOption {
	return func(s *GenerationService) {
		s.options = options
	}
}

// WithLogger 设置日志记录器
func WithLogger(logger *logrus.Logger) GenerationOption {
	return func(s *GenerationService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewGenerationService 创建生成服务
func NewGenerationService(engine *coverage.Engine, store *output.Store, opts ...GenerationOption) *GenerationService {
	srv := &GenerationService{
		engine:      engine,
		store:       store,
		outputDir:   "output",
		docWorkers:  1,
		spanWorkers: 1,
		observer:    noopDocumentObserver{},
		logger:      logrus.New(),
	}

	for _, opt := range opts {
		opt(srv)
	}

	return srv
}

// Run 处理一批文档
// 单个文档失败不会让整次运行失败，只有在开始前上下文已取消时才返回错误
func (s *GenerationService) Run(ctx context.Context, items []source.Item) (*Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	summary := &Summary{
		RunID:     uuid.New().String(),
		Started:   time.Now(),
		Documents: make([]DocumentResult, len(items)),
	}
	logger := s.logger.WithField("run_id", summary.RunID)
	logger.WithFields(logrus.Fields{
		"documents": len(items),
		"workers":   s.docWorkers,
	}).Info("Generation run started")

	if err := s.BeginRun(ctx, summary.RunID, len(items)); err != nil {
		logger.WithError(err).Warn("Failed to persist run record")
	}

	destinations := s.PlanDestinations(items)

	var g errgroup.Group
	g.SetLimit(s.docWorkers)
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			summary.Documents[i] = s.ProcessDocument(ctx, summary.RunID, item, destinations[item.Key])
			return nil
		})
	}
	_ = g.Wait()
	summary.Finished = time.Now()

	s.finishRun(ctx, summary)

	logger.WithFields(logrus.Fields{
		"completed": summary.Count(models.DocStatusCompleted),
		"skipped":   summary.Count(models.DocStatusSkipped),
		"failed":    summary.Count(models.DocStatusFailed),
		"records":   summary.Records(),
		"elapsed":   summary.Finished.Sub(summary.Started).String(),
	}).Info("Generation run finished")
	return summary, nil
}

// BeginRun 创建运行记录，未配置仓储时什么也不做
func (s *GenerationService) BeginRun(ctx context.Context, runID string, documents int) error {
	if s.runs == nil {
		return nil
	}
	var opts datatypes.JSON
	if len(s.options) > 0 {
		if b, err := json.Marshal(s.options); err == nil {
			opts = datatypes.JSON(b)
		}
	}
	return s.runs.Create(ctx, &models.Run{
		ID:        runID,
		Status:    models.RunStatusRunning,
		StartedAt: time.Now(),
		Documents: documents,
		Options:   opts,
	})
}

func (s *GenerationService) finishRun(ctx context.Context, summary *Summary) {
	if s.runs == nil {
		return
	}

	run := &models.Run{
		ID:         summary.RunID,
		Status:     models.RunStatusCompleted,
		FinishedAt: &summary.Finished,
		Documents:  len(summary.Documents),
		Completed:  summary.Count(models.DocStatusCompleted),
		Skipped:    summary.Count(models.DocStatusSkipped),
		Failed:     summary.Count(models.DocStatusFailed),
		Records:    summary.Records(),
	}
	for _, d := range summary.Documents {
		run.GeneratorCalls += d.GeneratorCalls
		run.GeneratorFailures += d.GeneratorFailures
	}
	if err := ctx.Err(); err != nil {
		run.Status = models.RunStatusCancelled
		run.Error = err.Error()
	}

	if err := s.runs.Finish(context.WithoutCancel(ctx), run); err != nil {
		s.logger.WithError(err).WithField("run_id", summary.RunID).Warn("Failed to finalize run record")
	}
}

// PlanDestinations 为一批文档分配输出路径，同名文档各自使用带校验和的文件名
func (s *GenerationService) PlanDestinations(items []source.Item) map[string]string {
	keys := make([]string, len(items))
	for i, item := range items {
		keys[i] = item.Key
	}
	return output.PlanDestinations(s.outputDir, keys, s.uniqueNames)
}

// ProcessDocument 处理单个文档并记录结果
// destination为空时按文档键推导输出路径；runID为空时不写入运行记录
func (s *GenerationService) ProcessDocument(ctx context.Context, runID string, item source.Item, destination string) DocumentResult {
	start := time.Now()
	s.observer.DocumentStarted()

	if destination == "" {
		destination = s.destinationFor(item.Key)
	}
	res := s.processDocument(ctx, item, destination)

	s.observer.DocumentFinished(string(res.Status), time.Since(start))
	if runID != "" {
		s.RecordDocument(ctx, runID, res)
	}
	return res
}

// RecordDocument 把文档结果写入运行记录，失败只记录日志
func (s *GenerationService) RecordDocument(ctx context.Context, runID string, res DocumentResult) {
	if s.runs == nil {
		return
	}
	if err := s.runs.AddDocument(context.WithoutCancel(ctx), toRunDocument(runID, res)); err != nil {
		s.logger.WithError(err).WithField("source", res.Source).Warn("Failed to persist document result")
	}
}

func (s *GenerationService) processDocument(ctx context.Context, item source.Item, destination string) DocumentResult {
	res := DocumentResult{Source: item.Key}
	logger := s.logger.WithField("source", item.Key)

	fail := func(err error) DocumentResult {
		res.Status = models.DocStatusFailed
		res.Error = err.Error()
		logger.WithError(err).Error("Document failed")
		return res
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	g, err := s.parse(ctx, item)
	if err != nil {
		return fail(err)
	}
	root, err := g.Root()
	if err != nil {
		return fail(err)
	}

	dest, err := s.store.Open(ctx, destination)
	if err != nil {
		return fail(err)
	}
	defer func() {
		if err := s.store.Release(dest); err != nil {
			logger.WithError(err).Warn("Failed to close destination")
		}
	}()
	res.Destination = dest.Path()

	// 旧格式的记录没有片段信息，只能按整篇文档判断是否已经满足
	docTarget := allocator.Compute(g.WordCount(root))
	if legacy := dest.LegacyWritten(); legacy > 0 && legacy >= docTarget.Minimum {
		logger.WithFields(logrus.Fields{
			"legacy":  legacy,
			"minimum": docTarget.Minimum,
		}).Info("Existing output already satisfies document, skipping")
		res.Status = models.DocStatusSkipped
		return res
	}

	if s.indexer != nil {
		n, err := s.indexer.IndexGraph(ctx, g)
		switch {
		case vectorctx.IsUnavailable(err):
			logger.WithError(err).Warn("Vector index unavailable, continuing without related context")
		case err != nil:
			logger.WithError(err).Warn("Failed to index document graph")
		default:
			logger.WithField("indexed", n).Debug("Document graph indexed")
		}
	}

	spans := topLevelSpans(g, root)
	res.Spans = len(spans)
	results := make([]*coverage.SpanResult, len(spans))

	eg, spanCtx := errgroup.WithContext(ctx)
	eg.SetLimit(s.spanWorkers)
	for i, id := range spans {
		i, id := i, id
		eg.Go(func() error {
			r, err := s.engine.CoverSpan(spanCtx, coverage.Span{Graph: g, NodeID: id}, dest)
			if err != nil {
				return fmt.Errorf("span %s: %w", id, err)
			}
			results[i] = r
			return nil
		})
	}
	spanErr := eg.Wait()

	res.Paths = make(map[string][]coverage.Step, len(results))
	for _, r := range results {
		if r == nil {
			continue
		}
		if r.Skipped {
			res.SpansSkipped++
		}
		res.Records += len(r.Records)
		res.GeneratorCalls += r.GeneratorCalls
		res.GeneratorFailures += r.GeneratorFailures
		if len(r.Path) > 0 {
			res.Paths[r.SpanID] = r.Path
		}
	}

	if spanErr != nil {
		return fail(spanErr)
	}

	if s.publisher != nil {
		if err := s.publish(ctx, dest); err != nil {
			logger.WithError(err).Warn("Failed to publish output")
		}
	}

	res.Status = models.DocStatusCompleted
	logger.WithFields(logrus.Fields{
		"destination":   res.Destination,
		"spans":         res.Spans,
		"spans_skipped": res.SpansSkipped,
		"records":       res.Records,
		"calls":         res.GeneratorCalls,
		"failures":      res.GeneratorFailures,
	}).Info("Document covered")
	return res
}

func (s *GenerationService) parse(ctx context.Context, item source.Item) (*graph.Graph, error) {
	parser, err := document.ParserFor(item.Format)
	if err != nil {
		return nil, err
	}

	r, err := item.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open document: %w", err)
	}
	defer r.Close()

	g, err := parser.ParseReader(r, item.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}
	return g, nil
}

func (s *GenerationService) destinationFor(key string) string {
	if s.uniqueNames {
		return output.UniqueDestinationFor(s.outputDir, key)
	}
	return output.DestinationFor(s.outputDir, key)
}

// publish 上传已提交的部分，不包括可能存在的未提交尾部
func (s *GenerationService) publish(ctx context.Context, dest *output.Destination) error {
	cursor := dest.Ledger().Cursor
	if cursor == 0 {
		return nil
	}

	f, err := os.Open(dest.Path())
	if err != nil {
		return err
	}
	defer f.Close()

	key := path.Join(s.publishPrefix, filepath.Base(dest.Path()))
	info, err := s.publisher.Put(ctx, key, io.LimitReader(f, cursor), cursor)
	if err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{
		"key":  info.Key,
		"size": info.Size,
	}).Debug("Output published")
	return nil
}

// topLevelSpans 顶层片段为根节点的子节点；文档没有任何标题时整篇文档是唯一的片段
func topLevelSpans(g *graph.Graph, root string) []string {
	children := g.ChildrenOf(root, graph.EdgeContains)
	for _, id := range children {
		if n, ok := g.Node(id); ok && n.Kind.IsHeading() {
			return children
		}
	}
	return []string{root}
}

func toRunDocument(runID string, res DocumentResult) *models.RunDocument {
	doc := &models.RunDocument{
		RunID:             runID,
		Source:            res.Source,
		Destination:       res.Destination,
		Status:            res.Status,
		Spans:             res.Spans,
		SpansSkipped:      res.SpansSkipped,
		Records:           res.Records,
		GeneratorCalls:    res.GeneratorCalls,
		GeneratorFailures: res.GeneratorFailures,
		Error:             res.Error,
	}
	if len(res.Paths) > 0 {
		if b, err := json.Marshal(res.Paths); err == nil {
			doc.Paths = datatypes.JSON(b)
		}
	}
	return doc
}
