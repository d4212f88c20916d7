package handler

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/fyerfyer/qa-dataset-builder/api/middleware"
	"github.com/fyerfyer/qa-dataset-builder/api/model"
	"github.com/fyerfyer/qa-dataset-builder/internal/models"
	"github.com/fyerfyer/qa-dataset-builder/internal/output"
	"github.com/gin-gonic/gin"
)

// LedgerLister 能列出全部账本的账本存储
type LedgerLister interface {
	List(ctx context.Context) ([]*models.OutputLedger, error)
}

// LedgerHandler 处理输出账本查询
type LedgerHandler struct {
	ledgers output.LedgerStore
}

// NewLedgerHandler 创建账本处理器
func NewLedgerHandler(ledgers output.LedgerStore) *LedgerHandler {
	return &LedgerHandler{ledgers: ledgers}
}

// GetLedgers 查询单个输出目标的账本，不带destination时列出全部
// GET /api/ledgers?destination=
func (h *LedgerHandler) GetLedgers(c *gin.Context) {
	var req model.LedgerRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		middleware.HandleError(c, middleware.NewValidationError("无效的查询参数", err.Error()))
		return
	}

	if req.Destination == "" {
		h.list(c)
		return
	}

	// 只允许查询输出文件的账本
	if !strings.HasSuffix(req.Destination, output.FileSuffix) {
		middleware.HandleError(c, middleware.NewValidationError("destination必须是输出文件", req.Destination))
		return
	}
	dest, err := filepath.Abs(req.Destination)
	if err != nil {
		middleware.HandleError(c, middleware.NewValidationError("无效的输出路径", err.Error()))
		return
	}

	state, err := h.ledgers.Load(c.Request.Context(), dest)
	if err != nil {
		if errors.Is(err, output.ErrLedgerNotFound) {
			middleware.HandleError(c, middleware.NewNotFoundError("账本不存在"))
			return
		}
		middleware.HandleError(c, middleware.NewInternalError("读取账本失败", err.Error()))
		return
	}

	c.JSON(http.StatusOK, model.NewSuccessResponse(model.NewLedgerResponse(state)))
}

func (h *LedgerHandler) list(c *gin.Context) {
	lister, ok := h.ledgers.(LedgerLister)
	if !ok {
		middleware.HandleError(c, middleware.NewBusinessError("当前账本存储不支持列表查询，请指定destination"))
		return
	}

	ledgers, err := lister.List(c.Request.Context())
	if err != nil {
		middleware.HandleError(c, middleware.NewInternalError("查询账本失败", err.Error()))
		return
	}
	if ledgers == nil {
		ledgers = []*models.OutputLedger{}
	}
	c.JSON(http.StatusOK, model.NewSuccessResponse(model.LedgerListResponse{Ledgers: ledgers}))
}
