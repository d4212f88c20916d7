package embedding

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
)

// BatchProcessor 把大量文本切分成多个批次并行提交
type BatchProcessor struct {
	client     Client
	batchSize  int
	maxWorkers int
}

// NewBatchProcessor 创建批处理器
func NewBatchProcessor(client Client, batchSize int, maxWorkers int) *BatchProcessor {
	if batchSize <= 0 {
		batchSize = 16
	}
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	return &BatchProcessor{
		client:     client,
		batchSize:  batchSize,
		maxWorkers: maxWorkers,
	}
}

// Process 生成所有文本的向量，结果与输入一一对应
// 空白文本不会提交给模型，对应位置为nil；任一批次失败时返回错误
func (p *BatchProcessor) Process(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))

	// 记录非空文本在原始输入中的位置
	var (
		pending []string
		index   []int
	)
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			continue
		}
		pending = append(pending, text)
		index = append(index, i)
	}
	if len(pending) == 0 {
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.maxWorkers)

	for start := 0; start < len(pending); start += p.batchSize {
		start, end := start, start+p.batchSize
		if end > len(pending) {
			end = len(pending)
		}
		g.Go(func() error {
			vectors, err := p.client.EmbedBatch(gctx, pending[start:end])
			if err != nil {
				return fmt.Errorf("batch %d-%d: %w", start, end, err)
			}
			if len(vectors) != end-start {
				return NewEmbeddingError(ErrCodeServerError,
					fmt.Sprintf("expected %d vectors, got %d", end-start, len(vectors)))
			}
			for j, vec := range vectors {
				results[index[start+j]] = vec
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
