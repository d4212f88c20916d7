package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/fyerfyer/qa-dataset-builder/api/model"
	"github.com/gin-gonic/gin"
)

// Pinger 可探活的依赖
type Pinger func(ctx context.Context) error

// HealthHandler 健康检查
type HealthHandler struct {
	database Pinger
	queue    Pinger
}

// NewHealthHandler 创建健康检查处理器，未启用的依赖传nil
func NewHealthHandler(database, queue Pinger) *HealthHandler {
	return &HealthHandler{database: database, queue: queue}
}

// Health 返回服务及其依赖的状态，任一依赖不可用时返回503
// GET /api/health
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	resp := model.HealthResponse{Status: "ok"}
	code := http.StatusOK
	check := func(p Pinger) string {
		if p == nil {
			return ""
		}
		if err := p(ctx); err != nil {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			return "down"
		}
		return "up"
	}
	resp.Database = check(h.database)
	resp.Queue = check(h.queue)

	c.JSON(code, model.NewSuccessResponse(resp))
}
