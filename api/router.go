package api

import (
	"net/http"

	"github.com/fyerfyer/qa-dataset-builder/api/handler"
	"github.com/fyerfyer/qa-dataset-builder/api/middleware"
	"github.com/gin-gonic/gin"
)

// SetupRouter 设置API路由
// 配置所有的API端点并应用中间件，metrics为空时不暴露/metrics
func SetupRouter(
	healthHandler *handler.HealthHandler,
	runHandler *handler.RunHandler,
	ledgerHandler *handler.LedgerHandler,
	metrics http.Handler,
) *gin.Engine {
	router := gin.New()

	// 应用全局中间件，SetTraceID需要在日志和错误处理之前
	router.Use(middleware.SetTraceID())
	router.Use(middleware.Logger())
	router.Use(middleware.ErrorMiddleware())
	router.Use(Cors())

	api := router.Group("/api")
	{
		// 健康检查 - GET /api/health
		api.GET("/health", healthHandler.Health)

		// 运行记录API
		runGroup := api.Group("/runs")
		{
			// 运行列表 - GET /api/runs
			runGroup.GET("", runHandler.ListRuns)

			// 运行详情 - GET /api/runs/:id
			runGroup.GET("/:id", runHandler.GetRun)

			// 分布式运行的任务进度 - GET /api/runs/:id/tasks
			runGroup.GET("/:id/tasks", runHandler.GetRunTasks)
		}

		// 输出账本 - GET /api/ledgers
		api.GET("/ledgers", ledgerHandler.GetLedgers)
	}

	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}

	return router
}

// Cors 跨域资源共享中间件
func Cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Trace-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
