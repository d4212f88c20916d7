package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyerfyer/qa-dataset-builder/internal/database"
	"github.com/fyerfyer/qa-dataset-builder/internal/models"
	"github.com/fyerfyer/qa-dataset-builder/internal/output"
	"gorm.io/gorm"
)

// ledgerRepository 基于数据库的账本存储
type ledgerRepository struct {
	db *gorm.DB
}

// NewLedgerRepository 使用全局数据库连接创建账本仓储
func NewLedgerRepository() LedgerRepository {
	return &ledgerRepository{db: database.MustDB()}
}

// NewLedgerRepositoryWithDB 使用指定的数据库连接创建账本仓储
func NewLedgerRepositoryWithDB(db *gorm.DB) LedgerRepository {
	if db == nil {
		db = database.MustDB()
	}
	return &ledgerRepository{db: db}
}

// Load 读取账本，不存在时返回output.ErrLedgerNotFound
func (r *ledgerRepository) Load(ctx context.Context, dest string) (*output.LedgerState, error) {
	var row models.OutputLedger
	err := r.db.WithContext(ctx).Preload("Spans").Where("destination = ?", dest).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, output.ErrLedgerNotFound
	} else if err != nil {
		return nil, fmt.Errorf("load ledger %s: %w", dest, err)
	}

	state := output.NewLedgerState(dest)
	state.Cursor = row.Cursor
	state.RecordsWritten = row.RecordsWritten
	state.LegacyRecords = row.LegacyRecords
	state.UpdatedAt = row.UpdatedAt
	for _, span := range row.Spans {
		state.Spans[span.SpanID] = span.Records
		if span.Completed {
			state.Completed[span.SpanID] = true
		}
	}
	return state, nil
}

// Save 在一个事务内替换账本及其片段明细
func (r *ledgerRepository) Save(ctx context.Context, dest string, state *output.LedgerState) error {
	updatedAt := state.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := models.OutputLedger{
			Destination:    dest,
			Cursor:         state.Cursor,
			RecordsWritten: state.RecordsWritten,
			LegacyRecords:  state.LegacyRecords,
			UpdatedAt:      updatedAt,
		}
		if err := tx.Omit("Spans").Save(&row).Error; err != nil {
			return fmt.Errorf("save ledger %s: %w", dest, err)
		}

		if err := tx.Where("destination = ?", dest).Delete(&models.SpanLedger{}).Error; err != nil {
			return fmt.Errorf("clear span ledgers %s: %w", dest, err)
		}
		if len(state.Spans) == 0 && len(state.Completed) == 0 {
			return nil
		}

		spans := make([]models.SpanLedger, 0, len(state.Spans))
		for spanID, n := range state.Spans {
			spans = append(spans, models.SpanLedger{
				Destination: dest,
				SpanID:      spanID,
				Records:     n,
				Completed:   state.Completed[spanID],
			})
		}
		for spanID, done := range state.Completed {
			if _, ok := state.Spans[spanID]; !ok && done {
				spans = append(spans, models.SpanLedger{Destination: dest, SpanID: spanID, Completed: true})
			}
		}
		if err := tx.CreateInBatches(&spans, 100).Error; err != nil {
			return fmt.Errorf("save span ledgers %s: %w", dest, err)
		}
		return nil
	})
}

// List 列出所有账本
func (r *ledgerRepository) List(ctx context.Context) ([]*models.OutputLedger, error) {
	var rows []*models.OutputLedger
	if err := r.db.WithContext(ctx).Order("destination").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
