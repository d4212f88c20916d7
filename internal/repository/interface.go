package repository

import (
	"context"

	"github.com/fyerfyer/qa-dataset-builder/internal/models"
	"github.com/fyerfyer/qa-dataset-builder/internal/output"
)

// RunRepository 运行记录仓储接口
type RunRepository interface {
	// Create 创建运行记录
	Create(ctx context.Context, run *models.Run) error

	// Finish 写入运行的最终状态和汇总数据
	Finish(ctx context.Context, run *models.Run) error

	// AddDocument 追加单个文档的处理结果
	AddDocument(ctx context.Context, doc *models.RunDocument) error

	// GetByID 获取运行记录及其文档结果
	GetByID(ctx context.Context, id string) (*models.Run, error)

	// List 按开始时间倒序分页列出运行记录，status为空表示不过滤
	List(ctx context.Context, offset, limit int, status models.RunStatus) ([]*models.Run, int64, error)

	// Refresh 按文档结果重新汇总，全部文档完成时结束运行
	Refresh(ctx context.Context, id string) (*models.Run, error)
}

// LedgerRepository 账本仓储，同时实现output.LedgerStore
type LedgerRepository interface {
	output.LedgerStore

	// List 列出所有账本（不含片段明细）
	List(ctx context.Context) ([]*models.OutputLedger, error)
}
