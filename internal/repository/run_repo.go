package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyerfyer/qa-dataset-builder/internal/database"
	"github.com/fyerfyer/qa-dataset-builder/internal/models"
	"gorm.io/gorm"
)

// runRepository 运行记录仓储实现
type runRepository struct {
	db *gorm.DB
}

// NewRunRepository 使用全局数据库连接创建运行记录仓储
func NewRunRepository() RunRepository {
	return &runRepository{db: database.MustDB()}
}

// NewRunRepositoryWithDB 使用指定的数据库连接创建运行记录仓储
func NewRunRepositoryWithDB(db *gorm.DB) RunRepository {
	if db == nil {
		db = database.MustDB()
	}
	return &runRepository{db: db}
}

// Create 创建运行记录
func (r *runRepository) Create(ctx context.Context, run *models.Run) error {
	if run.ID == "" {
		return errors.New("run ID cannot be empty")
	}
	return r.db.WithContext(ctx).Omit("Results").Create(run).Error
}

// Finish 更新运行的最终状态
func (r *runRepository) Finish(ctx context.Context, run *models.Run) error {
	if !run.Status.Valid() {
		return models.ErrInvalidRunStatus
	}
	result := r.db.WithContext(ctx).Model(&models.Run{}).Where("id = ?", run.ID).Updates(map[string]interface{}{
		"status":             run.Status,
		"finished_at":        run.FinishedAt,
		"documents":          run.Documents,
		"completed":          run.Completed,
		"skipped":            run.Skipped,
		"failed":             run.Failed,
		"records":            run.Records,
		"generator_calls":    run.GeneratorCalls,
		"generator_failures": run.GeneratorFailures,
		"error":              run.Error,
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", models.ErrRunNotFound, run.ID)
	}
	return nil
}

// AddDocument 追加单个文档的结果
func (r *runRepository) AddDocument(ctx context.Context, doc *models.RunDocument) error {
	if doc.RunID == "" {
		return errors.New("run ID cannot be empty")
	}
	return r.db.WithContext(ctx).Create(doc).Error
}

// GetByID 获取运行记录
func (r *runRepository) GetByID(ctx context.Context, id string) (*models.Run, error) {
	var run models.Run
	err := r.db.WithContext(ctx).
		Preload("Results", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Where("id = ?", id).
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", models.ErrRunNotFound, id)
	} else if err != nil {
		return nil, err
	}
	return &run, nil
}

// List 分页列出运行记录
func (r *runRepository) List(ctx context.Context, offset, limit int, status models.RunStatus) ([]*models.Run, int64, error) {
	var runs []*models.Run
	var total int64

	query := r.db.WithContext(ctx).Model(&models.Run{})
	if status != "" {
		query = query.Where("status = ?", status)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if limit <= 0 {
		limit = 20
	}
	err := query.Order("started_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&runs).Error
	if err != nil {
		return nil, 0, err
	}
	return runs, total, nil
}

// Refresh 根据已写入的文档结果重新汇总运行数据
// 分布式模式下由worker在每个文档完成后调用；全部文档都有结果时运行被标记为完成
func (r *runRepository) Refresh(ctx context.Context, id string) (*models.Run, error) {
	var run *models.Run
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.Run
		if err := tx.Where("id = ?", id).First(&current).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", models.ErrRunNotFound, id)
			}
			return err
		}

		var agg struct {
			Total             int
			Completed         int
			Skipped           int
			Failed            int
			Records           int
			GeneratorCalls    int
			GeneratorFailures int
		}
		err := tx.Model(&models.RunDocument{}).
			Select(`COUNT(*) AS total,
				COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS completed,
				COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS skipped,
				COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
				COALESCE(SUM(records), 0) AS records,
				COALESCE(SUM(generator_calls), 0) AS generator_calls,
				COALESCE(SUM(generator_failures), 0) AS generator_failures`,
				models.DocStatusCompleted, models.DocStatusSkipped, models.DocStatusFailed).
			Where("run_id = ?", id).
			Scan(&agg).Error
		if err != nil {
			return err
		}

		updates := map[string]interface{}{
			"completed":          agg.Completed,
			"skipped":            agg.Skipped,
			"failed":             agg.Failed,
			"records":            agg.Records,
			"generator_calls":    agg.GeneratorCalls,
			"generator_failures": agg.GeneratorFailures,
		}
		if current.Status == models.RunStatusRunning && current.Documents > 0 && agg.Total >= current.Documents {
			now := time.Now()
			updates["status"] = models.RunStatusCompleted
			updates["finished_at"] = &now
		}
		if err := tx.Model(&models.Run{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return err
		}

		var refreshed models.Run
		if err := tx.Where("id = ?", id).First(&refreshed).Error; err != nil {
			return err
		}
		run = &refreshed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}
