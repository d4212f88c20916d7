package handler

import (
	"errors"
	"net/http"

	"github.com/fyerfyer/qa-dataset-builder/api/middleware"
	"github.com/fyerfyer/qa-dataset-builder/api/model"
	"github.com/fyerfyer/qa-dataset-builder/internal/models"
	"github.com/fyerfyer/qa-dataset-builder/internal/repository"
	"github.com/fyerfyer/qa-dataset-builder/pkg/taskqueue"
	"github.com/gin-gonic/gin"
)

// RunHandler 处理运行记录相关的API请求
type RunHandler struct {
	runs  repository.RunRepository // 运行记录仓储
	queue taskqueue.Queue          // 任务队列，仅分布式模式下存在
}

// NewRunHandler 创建运行记录处理器，queue可以为空
func NewRunHandler(runs repository.RunRepository, queue taskqueue.Queue) *RunHandler {
	return &RunHandler{
		runs:  runs,
		queue: queue,
	}
}

// ListRuns 分页列出运行记录
// GET /api/runs
func (h *RunHandler) ListRuns(c *gin.Context) {
	var req model.RunListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		middleware.HandleError(c, middleware.NewValidationError("无效的查询参数", err.Error()))
		return
	}

	runs, total, err := h.runs.List(c.Request.Context(), req.Offset(), req.GetPageSize(), req.Status)
	if err != nil {
		middleware.HandleError(c, middleware.NewInternalError("查询运行记录失败", err.Error()))
		return
	}
	if runs == nil {
		runs = []*models.Run{}
	}

	c.JSON(http.StatusOK, model.NewSuccessResponse(model.RunListResponse{
		PaginationResponse: model.PaginationResponse{
			Total:    total,
			Page:     req.GetPage(),
			PageSize: req.GetPageSize(),
		},
		Runs: runs,
	}))
}

// GetRun 获取运行记录及每个文档的结果
// GET /api/runs/:id
func (h *RunHandler) GetRun(c *gin.Context) {
	var req model.RunRequest
	if err := c.ShouldBindUri(&req); err != nil {
		middleware.HandleError(c, middleware.NewValidationError("无效的运行ID", err.Error()))
		return
	}

	run, err := h.runs.GetByID(c.Request.Context(), req.ID)
	if err != nil {
		if errors.Is(err, models.ErrRunNotFound) {
			middleware.HandleError(c, middleware.NewNotFoundError("运行记录不存在"))
			return
		}
		middleware.HandleError(c, middleware.NewInternalError("查询运行记录失败", err.Error()))
		return
	}

	c.JSON(http.StatusOK, model.NewSuccessResponse(run))
}

// GetRunTasks 获取分布式运行的任务进度
// GET /api/runs/:id/tasks
func (h *RunHandler) GetRunTasks(c *gin.Context) {
	if h.queue == nil {
		middleware.HandleError(c, middleware.NewBusinessError("任务队列未启用"))
		return
	}

	var req model.RunRequest
	if err := c.ShouldBindUri(&req); err != nil {
		middleware.HandleError(c, middleware.NewValidationError("无效的运行ID", err.Error()))
		return
	}

	ctx := c.Request.Context()
	tasks, err := h.queue.GetTasksByRun(ctx, req.ID)
	if err != nil {
		middleware.HandleError(c, middleware.NewInternalError("查询任务失败", err.Error()))
		return
	}
	if len(tasks) == 0 {
		middleware.HandleError(c, middleware.NewNotFoundError("运行没有关联的任务"))
		return
	}
	progress, err := h.queue.Progress(ctx, req.ID)
	if err != nil {
		middleware.HandleError(c, middleware.NewInternalError("查询任务进度失败", err.Error()))
		return
	}

	infos := make([]*taskqueue.TaskInfo, len(tasks))
	for i, t := range tasks {
		infos[i] = taskqueue.NewTaskInfo(t)
	}

	c.JSON(http.StatusOK, model.NewSuccessResponse(model.RunTasksResponse{
		Progress: progress,
		Tasks:    infos,
	}))
}
