package middleware

import (
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var log = logrus.New()

// 初始化日志配置
func init() {
	// 设置输出到标准输出
	log.SetOutput(os.Stdout)
	// 设置日志格式为JSON格式
	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})
	log.SetLevel(logrus.InfoLevel)
}

// SetLogger 使用应用的日志记录器替换默认记录器
func SetLogger(logger *logrus.Logger) {
	if logger != nil {
		log = logger
	}
}

// GetLogger 返回中间件使用的日志记录器
func GetLogger() *logrus.Logger {
	return log
}

// TraceIDKey 追踪ID在gin上下文中的键
const TraceIDKey = "TraceID"

// TraceIDHeader 追踪ID的请求/响应头
const TraceIDHeader = "X-Trace-ID"

// Logger 日志中间件
// 记录请求信息和响应时间
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		fields := logrus.Fields{
			FieldStatus:   c.Writer.Status(),
			FieldLatency:  time.Since(start).String(),
			FieldClientIP: c.ClientIP(),
			FieldMethod:   c.Request.Method,
			FieldPath:     path,
		}
		if traceID := traceIDFrom(c); traceID != "" {
			fields[FieldTraceID] = traceID
		}

		// 指标抓取过于频繁，降为debug
		if path == "/metrics" {
			log.WithFields(fields).Debug("HTTP request")
			return
		}
		log.WithFields(fields).Info("HTTP request")
	}
}

// SetTraceID 将追踪ID设置到上下文和响应头中
func SetTraceID() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader(TraceIDHeader)
		if traceID == "" {
			traceID = uuid.New().String()
		}

		c.Set(TraceIDKey, traceID)
		c.Header(TraceIDHeader, traceID)

		c.Next()
	}
}

// 常用日志字段
const (
	FieldTraceID  = "trace_id"    // 追踪ID
	FieldPath     = "path"        // 请求路径
	FieldMethod   = "method"      // 请求方法
	FieldStatus   = "status_code" // 状态码
	FieldLatency  = "latency"     // 延迟时间
	FieldClientIP = "client_ip"   // 客户端IP
)
