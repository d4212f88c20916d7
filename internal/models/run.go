package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// RunStatus 一次生成运行的状态
type RunStatus string

const (
	// RunStatusRunning 运行中
	RunStatusRunning RunStatus = "running"
	// RunStatusCompleted 全部文档处理完成（可能有文档失败）
	RunStatusCompleted RunStatus = "completed"
	// RunStatusCancelled 运行被取消
	RunStatusCancelled RunStatus = "cancelled"
)

// Valid 判断状态是否合法
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusRunning, RunStatusCompleted, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// DocumentStatus 单个文档的处理结果
type DocumentStatus string

const (
	// DocStatusCompleted 覆盖完成
	DocStatusCompleted DocumentStatus = "completed"
	// DocStatusSkipped 已有输出满足最低目标，整篇跳过
	DocStatusSkipped DocumentStatus = "skipped"
	// DocStatusFailed 处理失败
	DocStatusFailed DocumentStatus = "failed"
)

// Run 一次生成运行的汇总
type Run struct {
	ID                string         `gorm:"primaryKey;size:36" json:"id"`
	Status            RunStatus      `gorm:"not null;size:20;index" json:"status"`
	StartedAt         time.Time      `gorm:"not null;index" json:"started_at"`
	FinishedAt        *time.Time     `json:"finished_at,omitempty"`
	Documents         int            `gorm:"not null;default:0" json:"documents"`
	Completed         int            `gorm:"not null;default:0" json:"completed"`
	Skipped           int            `gorm:"not null;default:0" json:"skipped"`
	Failed            int            `gorm:"not null;default:0" json:"failed"`
	Records           int            `gorm:"not null;default:0" json:"records"`
	GeneratorCalls    int            `gorm:"not null;default:0" json:"generator_calls"`
	GeneratorFailures int            `gorm:"not null;default:0" json:"generator_failures"`
	Error             string         `gorm:"type:text" json:"error,omitempty"`
	Options           datatypes.JSON `gorm:"type:json" json:"options,omitempty"` // 运行参数快照
	CreatedAt         time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"not null" json:"updated_at"`

	Results []RunDocument `gorm:"foreignKey:RunID" json:"results,omitempty"`
}

// BeforeCreate 创建记录前自动设置时间
func (r *Run) BeforeCreate(tx *gorm.DB) (err error) {
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	if r.Status == "" {
		r.Status = RunStatusRunning
	}
	if !r.Status.Valid() {
		return ErrInvalidRunStatus
	}
	return nil
}

// TableName 明确指定表名
func (Run) TableName() string {
	return "runs"
}

// RunDocument 运行中单个文档的结果
type RunDocument struct {
	ID                uint           `gorm:"primaryKey;autoIncrement" json:"-"`
	RunID             string         `gorm:"not null;size:36;index" json:"run_id"`
	Source            string         `gorm:"not null" json:"source"`
	Destination       string         `json:"destination"`
	Status            DocumentStatus `gorm:"not null;size:20;index" json:"status"`
	Spans             int            `gorm:"not null;default:0" json:"spans"`
	SpansSkipped      int            `gorm:"not null;default:0" json:"spans_skipped"`
	Records           int            `gorm:"not null;default:0" json:"records"`
	GeneratorCalls    int            `gorm:"not null;default:0" json:"generator_calls"`
	GeneratorFailures int            `gorm:"not null;default:0" json:"generator_failures"`
	Error             string         `gorm:"type:text" json:"error,omitempty"`
	Paths             datatypes.JSON `gorm:"type:json" json:"paths,omitempty"` // 各片段的状态机轨迹
	CreatedAt         time.Time      `gorm:"not null" json:"created_at"`
}

// TableName 明确指定表名
func (RunDocument) TableName() string {
	return "run_documents"
}
