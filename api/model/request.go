package model

import "github.com/fyerfyer/qa-dataset-builder/internal/models"

// PaginationRequest 分页请求参数
type PaginationRequest struct {
	Page     int `form:"page" json:"page" binding:"omitempty,min=1"`           // 当前页码，从1开始
	PageSize int `form:"page_size" json:"page_size" binding:"omitempty,min=1"` // 每页记录数
}

// GetPage 获取页码，默认为1
func (p *PaginationRequest) GetPage() int {
	if p.Page <= 0 {
		return 1
	}
	return p.Page
}

// GetPageSize 获取每页记录数，默认为10，最大为100
func (p *PaginationRequest) GetPageSize() int {
	if p.PageSize <= 0 {
		return 10
	}
	if p.PageSize > 100 {
		return 100
	}
	return p.PageSize
}

// Offset 计算查询偏移量
func (p *PaginationRequest) Offset() int {
	return (p.GetPage() - 1) * p.GetPageSize()
}

// RunListRequest 运行列表请求
type RunListRequest struct {
	PaginationRequest
	Status models.RunStatus `form:"status" json:"status" binding:"omitempty,oneof=running completed cancelled"` // 运行状态过滤
}

// RunRequest 单个运行的请求
type RunRequest struct {
	ID string `uri:"id" binding:"required,uuid"` // 运行ID
}

// LedgerRequest 账本查询请求，不带destination时列出全部账本
type LedgerRequest struct {
	Destination string `form:"destination" json:"destination" binding:"omitempty,max=1024"` // 输出文件路径
}
