package taskqueue

import (
	"encoding/json"
	"time"
)

// TaskType 任务类型
type TaskType string

const (
	// TaskGenerateDocument 单个文档的问答生成任务
	TaskGenerateDocument TaskType = "qa:document"
)

// TaskStatus 任务状态
type TaskStatus string

const (
	// StatusPending 等待处理
	StatusPending TaskStatus = "pending"
	// StatusProcessing 处理中
	StatusProcessing TaskStatus = "processing"
	// StatusCompleted 已完成
	StatusCompleted TaskStatus = "completed"
	// StatusFailed 处理失败
	StatusFailed TaskStatus = "failed"
)

// Finished 判断任务是否已结束
func (s TaskStatus) Finished() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task 任务基础结构
type Task struct {
	ID          string          `json:"id"`           // 任务唯一标识符
	Type        TaskType        `json:"type"`         // 任务类型
	RunID       string          `json:"run_id"`       // 所属运行
	Status      TaskStatus      `json:"status"`       // 任务状态
	Payload     json.RawMessage `json:"payload"`      // 任务载荷数据
	Result      json.RawMessage `json:"result"`       // 任务结果数据
	Error       string          `json:"error"`        // 错误信息（如果处理失败）
	CreatedAt   time.Time       `json:"created_at"`   // 创建时间
	UpdatedAt   time.Time       `json:"updated_at"`   // 更新时间
	StartedAt   *time.Time      `json:"started_at"`   // 开始处理时间
	CompletedAt *time.Time      `json:"completed_at"` // 完成时间
	Attempts    int             `json:"attempts"`     // 已尝试次数（含本次）
	MaxRetries  int             `json:"max_retries"`  // 最大重试次数
}

// LastAttempt 判断本次执行失败后是否不会再重试
func (t *Task) LastAttempt() bool {
	return t.Attempts > t.MaxRetries
}

// DocumentPayload 文档生成任务载荷
type DocumentPayload struct {
	Key         string `json:"key"`                   // 文档键：本地路径或对象键
	Kind        string `json:"kind"`                  // 来源类型：local / storage
	Format      string `json:"format"`                // 结构提示：markdown / plaintext / pdf
	Destination string `json:"destination,omitempty"` // 入队时分配的输出路径
}

// DocumentResult 文档生成任务结果
type DocumentResult struct {
	Destination       string `json:"destination"`
	Status            string `json:"status"`
	Spans             int    `json:"spans"`
	SpansSkipped      int    `json:"spans_skipped"`
	Records           int    `json:"records"`
	GeneratorCalls    int    `json:"generator_calls"`
	GeneratorFailures int    `json:"generator_failures"`
	Error             string `json:"error,omitempty"`
}

// Progress 一次运行中各状态的任务数
type Progress struct {
	RunID      string `json:"run_id"`
	Total      int    `json:"total"`
	Pending    int    `json:"pending"`
	Processing int    `json:"processing"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
}

// Done 所有任务是否都已结束
func (p *Progress) Done() bool {
	return p.Total > 0 && p.Completed+p.Failed >= p.Total
}

func (p *Progress) add(status TaskStatus) {
	p.Total++
	switch status {
	case StatusPending:
		p.Pending++
	case StatusProcessing:
		p.Processing++
	case StatusCompleted:
		p.Completed++
	case StatusFailed:
		p.Failed++
	}
}
