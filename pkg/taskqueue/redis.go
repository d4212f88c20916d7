package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	// 任务键前缀
	taskKeyPrefix = "task:"
	// 运行任务集合键前缀
	runTasksKeyPrefix = "run_tasks:"
	// 状态变更通知频道前缀
	taskStatusChannelPrefix = "task_status:"
	// 默认任务过期时间（7天）
	defaultTaskExpiry = 7 * 24 * time.Hour
)

var (
	_ Queue  = (*RedisQueue)(nil)
	_ Worker = (*RedisWorker)(nil)
)

// RedisQueue Redis任务队列实现
// asynq负责调度和重试，任务记录单独保存在Redis中供查询
type RedisQueue struct {
	client      *asynq.Client    // 用于添加任务
	inspector   *asynq.Inspector // 用于检查任务状态
	redisClient *redis.Client    // Redis客户端，用于存储任务数据
	cfg         *Config          // 队列配置
	logger      *logrus.Logger   // 日志记录器
}

// QueueOption 队列配置选项
type QueueOption func(*RedisQueue)

// WithLogger 设置日志记录器，同时作为asynq服务端的日志输出
func WithLogger(logger *logrus.Logger) QueueOption {
	return func(q *RedisQueue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

func (cfg *Config) redisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
}

// NewRedisQueue 创建Redis任务队列实例
func NewRedisQueue(cfg *Config, opts ...QueueOption) (*RedisQueue, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.TaskExpiry <= 0 {
		cfg.TaskExpiry = defaultTaskExpiry
	}

	// 创建Redis客户端
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	// 测试Redis连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		redisClient.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	q := &RedisQueue{
		client:      asynq.NewClient(cfg.redisOpt()),
		inspector:   asynq.NewInspector(cfg.redisOpt()),
		redisClient: redisClient,
		cfg:         cfg,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Enqueue 将任务加入队列
func (q *RedisQueue) Enqueue(ctx context.Context, taskType TaskType, runID string, payload interface{}) (string, error) {
	return q.enqueue(ctx, taskType, runID, payload)
}

// EnqueueAt 在指定时间将任务加入队列
func (q *RedisQueue) EnqueueAt(ctx context.Context, taskType TaskType, runID string, payload interface{}, processAt time.Time) (string, error) {
	return q.enqueue(ctx, taskType, runID, payload, asynq.ProcessAt(processAt))
}

// EnqueueIn 在指定延迟后将任务加入队列
func (q *RedisQueue) EnqueueIn(ctx context.Context, taskType TaskType, runID string, payload interface{}, delay time.Duration) (string, error) {
	return q.EnqueueAt(ctx, taskType, runID, payload, time.Now().Add(delay))
}

func (q *RedisQueue) enqueue(ctx context.Context, taskType TaskType, runID string, payload interface{}, extra ...asynq.Option) (string, error) {
	taskID := uuid.New().String() // 生成任务ID

	// 将payload序列化为JSON
	payloadBytes, err := MarshalPayload(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	now := time.Now()
	task := &Task{
		ID:         taskID,
		Type:       taskType,
		RunID:      runID,
		Status:     StatusPending,
		Payload:    payloadBytes,
		CreatedAt:  now,
		UpdatedAt:  now,
		MaxRetries: q.cfg.RetryLimit,
	}

	// 将任务信息存储到Redis
	if err := q.saveTaskToRedis(ctx, task); err != nil {
		return "", fmt.Errorf("failed to save task to redis: %w", err)
	}

	// asynq任务只携带taskID，并复用它作为asynq的任务ID，便于删除
	opts := append([]asynq.Option{
		asynq.TaskID(taskID),
		asynq.Queue(DefaultQueue),
		asynq.MaxRetry(q.cfg.RetryLimit),
	}, extra...)
	if _, err := q.client.EnqueueContext(ctx, asynq.NewTask(string(taskType), []byte(taskID)), opts...); err != nil {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}

	q.logger.WithFields(logrus.Fields{
		"task_id":   taskID,
		"task_type": taskType,
		"run_id":    runID,
	}).Debug("Task enqueued successfully")

	return taskID, nil
}

// GetTask 获取任务信息
func (q *RedisQueue) GetTask(ctx context.Context, taskID string) (*Task, error) {
	key := taskKeyPrefix + taskID
	data, err := q.redisClient.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to get task from redis: %w", err)
	}

	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task data: %w", err)
	}

	return &task, nil
}

// GetTasksByRun 获取运行相关的所有任务
func (q *RedisQueue) GetTasksByRun(ctx context.Context, runID string) ([]*Task, error) {
	key := runTasksKeyPrefix + runID
	taskIDs, err := q.redisClient.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get run tasks: %w", err)
	}

	tasks := make([]*Task, 0, len(taskIDs))
	for _, taskID := range taskIDs {
		task, err := q.GetTask(ctx, taskID)
		if err != nil {
			if errors.Is(err, ErrTaskNotFound) {
				// 任务可能已过期被删除，跳过
				continue
			}
			return nil, err
		}
		tasks = append(tasks, task)
	}

	return tasks, nil
}

// Progress 统计运行中各状态的任务数
func (q *RedisQueue) Progress(ctx context.Context, runID string) (*Progress, error) {
	tasks, err := q.GetTasksByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	p := &Progress{RunID: runID}
	for _, t := range tasks {
		p.add(t.Status)
	}
	return p, nil
}

// WaitForTask 等待任务完成并返回结果
// 订阅状态变更通知，同时每秒轮询一次以防错过通知
func (q *RedisQueue) WaitForTask(ctx context.Context, taskID string, timeout time.Duration) (*Task, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	task, err := q.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.Finished() {
		return task, nil
	}

	pubsub := q.redisClient.Subscribe(ctx, taskStatusChannelPrefix+taskID)
	defer pubsub.Close()
	updates := pubsub.Channel()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ErrTaskTimeout
		case <-updates:
		case <-ticker.C:
		}

		task, err := q.GetTask(ctx, taskID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ErrTaskTimeout
			}
			return nil, err
		}
		if task.Status.Finished() {
			return task, nil
		}
	}
}

// DeleteTask 删除任务
func (q *RedisQueue) DeleteTask(ctx context.Context, taskID string) error {
	task, err := q.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	// 从运行任务集合中移除
	if task.RunID != "" {
		key := runTasksKeyPrefix + task.RunID
		if err := q.redisClient.SRem(ctx, key, taskID).Err(); err != nil {
			return fmt.Errorf("failed to remove task from run tasks: %w", err)
		}
	}

	// 删除任务数据
	if err := q.redisClient.Del(ctx, taskKeyPrefix+taskID).Err(); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	// 已在处理中的任务无法从asynq中删除
	if err := q.inspector.DeleteTask(DefaultQueue, taskID); err != nil {
		q.logger.WithError(err).WithField("task_id", taskID).Warn("Failed to delete task from asynq queue")
	}

	return nil
}

// Ping 检查Redis连接
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.redisClient.Ping(ctx).Err()
}

// Close 关闭队列连接
func (q *RedisQueue) Close() error {
	return errors.Join(q.client.Close(), q.inspector.Close(), q.redisClient.Close())
}

// saveTaskToRedis 将任务信息保存到Redis
func (q *RedisQueue) saveTaskToRedis(ctx context.Context, task *Task) error {
	taskData, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	key := taskKeyPrefix + task.ID
	if err := q.redisClient.Set(ctx, key, taskData, q.cfg.TaskExpiry).Err(); err != nil {
		return fmt.Errorf("failed to save task data: %w", err)
	}

	// 将任务ID添加到运行任务集合
	if task.RunID != "" {
		runKey := runTasksKeyPrefix + task.RunID
		if err := q.redisClient.SAdd(ctx, runKey, task.ID).Err(); err != nil {
			return fmt.Errorf("failed to add task to run tasks: %w", err)
		}
		q.redisClient.Expire(ctx, runKey, q.cfg.TaskExpiry)
	}

	return nil
}

// UpdateTaskStatus 更新任务状态
func (q *RedisQueue) UpdateTaskStatus(ctx context.Context, taskID string, status TaskStatus, result interface{}, errMsg string) error {
	task, err := q.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	task.Status = status
	task.Error = errMsg
	return q.updateTask(ctx, task, result)
}

func (q *RedisQueue) updateTask(ctx context.Context, task *Task, result interface{}) error {
	now := time.Now()
	task.UpdatedAt = now

	if task.Status == StatusProcessing && task.StartedAt == nil {
		task.StartedAt = &now
	}
	if task.Status.Finished() {
		task.CompletedAt = &now
	}

	if result != nil {
		resultBytes, err := MarshalPayload(result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		task.Result = resultBytes
	}

	return q.saveTaskToRedis(ctx, task)
}

// NotifyTaskUpdate 通知任务状态更新
func (q *RedisQueue) NotifyTaskUpdate(ctx context.Context, taskID string) error {
	return q.redisClient.Publish(ctx, taskStatusChannelPrefix+taskID, "updated").Err()
}

// RedisWorker Redis工作者实现
type RedisWorker struct {
	server   *asynq.Server
	queue    *RedisQueue
	handlers map[TaskType]Handler
	logger   *logrus.Logger
}

// NewRedisWorker 创建Redis工作者
func NewRedisWorker(queue *RedisQueue, cfg *Config) *RedisWorker {
	if cfg == nil {
		cfg = queue.cfg
	}
	queues := cfg.Queues
	if len(queues) == 0 {
		queues = map[string]int{DefaultQueue: 1}
	}

	serverConfig := asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues:      queues,
		RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
			return cfg.RetryDelay
		},
		Logger: queue.logger,
	}

	return &RedisWorker{
		server:   asynq.NewServer(cfg.redisOpt(), serverConfig),
		queue:    queue,
		handlers: make(map[TaskType]Handler),
		logger:   queue.logger,
	}
}

// RegisterHandler 注册任务处理器
func (w *RedisWorker) RegisterHandler(taskType TaskType, handler Handler) {
	w.handlers[taskType] = handler
}

// Handle 处理一个asynq任务：加载任务记录，调用处理器并保存结果
// 失败后还会重试时任务回到pending状态，最后一次失败才标记为failed
func (w *RedisWorker) Handle(ctx context.Context, t *asynq.Task) error {
	taskID := string(t.Payload())
	logger := w.logger.WithFields(logrus.Fields{
		"task_id":   taskID,
		"task_type": t.Type(),
	})

	handler, ok := w.handlers[TaskType(t.Type())]
	if !ok {
		return fmt.Errorf("no handler registered for %s: %w", t.Type(), asynq.SkipRetry)
	}

	task, err := w.queue.GetTask(ctx, taskID)
	if err != nil {
		logger.WithError(err).Error("Failed to get task info")
		if errors.Is(err, ErrTaskNotFound) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}

	retried, _ := asynq.GetRetryCount(ctx)
	if maxRetry, ok := asynq.GetMaxRetry(ctx); ok {
		task.MaxRetries = maxRetry
	}
	task.Attempts = retried + 1
	task.Status = StatusProcessing
	task.Error = ""
	if err := w.queue.updateTask(ctx, task, nil); err != nil {
		logger.WithError(err).Warn("Failed to update task status to processing")
	}
	_ = w.queue.NotifyTaskUpdate(ctx, taskID)

	result, procErr := handler.ProcessTask(ctx, task)

	// 任务执行可能因为关闭而被取消，结果仍然需要保存
	saveCtx := context.WithoutCancel(ctx)
	switch {
	case procErr == nil:
		task.Status = StatusCompleted
	case errors.Is(procErr, ErrInvalidPayload) || task.LastAttempt():
		task.Status = StatusFailed
		task.Error = procErr.Error()
	default:
		task.Status = StatusPending
		task.Error = procErr.Error()
	}
	if err := w.queue.updateTask(saveCtx, task, result); err != nil {
		logger.WithError(err).Warn("Failed to save task result")
	}
	_ = w.queue.NotifyTaskUpdate(saveCtx, taskID)

	if procErr != nil {
		logger.WithError(procErr).WithField("attempt", task.Attempts).Warn("Task failed")
		if errors.Is(procErr, ErrInvalidPayload) {
			return fmt.Errorf("%v: %w", procErr, asynq.SkipRetry)
		}
		return procErr
	}
	return nil
}

// Start 启动工作者，非阻塞
func (w *RedisWorker) Start() error {
	mux := asynq.NewServeMux()
	for taskType := range w.handlers {
		mux.HandleFunc(string(taskType), w.Handle)
		w.logger.WithField("task_type", taskType).Info("Registered handler for task type")
	}
	return w.server.Start(mux)
}

// Stop 停止工作者，等待处理中的任务结束
func (w *RedisWorker) Stop() {
	w.server.Shutdown()
}

// 注册Redis队列工厂函数
func init() {
	RegisterQueueFactory("redis", func(cfg *Config) (Queue, error) {
		q, err := NewRedisQueue(cfg)
		if err != nil {
			return nil, err
		}
		return q, nil
	})
}

// RegisterQueueFactory 注册队列工厂函数
func RegisterQueueFactory(name string, factory Factory) {
	queueFactories[name] = factory
}

// 队列工厂函数映射
var queueFactories = make(map[string]Factory)

// NewQueue 根据名称创建队列实例
func NewQueue(name string, cfg *Config) (Queue, error) {
	factory, exists := queueFactories[name]
	if !exists {
		return nil, fmt.Errorf("unknown queue implementation: %s", name)
	}
	return factory(cfg)
}
