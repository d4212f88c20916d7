package model

import (
	"time"

	"github.com/fyerfyer/qa-dataset-builder/internal/models"
	"github.com/fyerfyer/qa-dataset-builder/internal/output"
	"github.com/fyerfyer/qa-dataset-builder/pkg/taskqueue"
)

// Response 通用响应结构
type Response struct {
	Code    int         `json:"code"`               // 响应状态码，0表示成功
	Message string      `json:"message"`            // 响应消息
	Data    interface{} `json:"data,omitempty"`     // 响应数据，可能为空
	TraceID string      `json:"trace_id,omitempty"` // 调用链追踪ID
}

// NewSuccessResponse 创建成功响应
func NewSuccessResponse(data interface{}) *Response {
	return &Response{
		Code:    0,
		Message: "success",
		Data:    data,
	}
}

// NewErrorResponse 创建错误响应
func NewErrorResponse(code int, message string) *Response {
	return &Response{
		Code:    code,
		Message: message,
	}
}

// PaginationResponse 分页响应信息
type PaginationResponse struct {
	Total    int64 `json:"total"`     // 总记录数
	Page     int   `json:"page"`      // 当前页码
	PageSize int   `json:"page_size"` // 每页大小
}

// RunListResponse 运行列表响应
type RunListResponse struct {
	PaginationResponse
	Runs []*models.Run `json:"runs"`
}

// RunTasksResponse 分布式运行的任务进度
type RunTasksResponse struct {
	Progress *taskqueue.Progress   `json:"progress"`
	Tasks    []*taskqueue.TaskInfo `json:"tasks"`
}

// LedgerResponse 单个输出目标的账本
type LedgerResponse struct {
	Destination    string         `json:"destination"`
	Cursor         int64          `json:"cursor"`
	RecordsWritten int            `json:"records_written"`
	LegacyRecords  int            `json:"legacy_records"`
	Spans          map[string]int `json:"spans"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// NewLedgerResponse 从账本状态构造响应
func NewLedgerResponse(state *output.LedgerState) *LedgerResponse {
	spans := state.Spans
	if spans == nil {
		spans = map[string]int{}
	}
	return &LedgerResponse{
		Destination:    state.Destination,
		Cursor:         state.Cursor,
		RecordsWritten: state.RecordsWritten,
		LegacyRecords:  state.LegacyRecords,
		Spans:          spans,
		UpdatedAt:      state.UpdatedAt,
	}
}

// LedgerListResponse 账本列表响应
type LedgerListResponse struct {
	Ledgers []*models.OutputLedger `json:"ledgers"`
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database,omitempty"`
	Queue    string `json:"queue,omitempty"`
}
