package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fyerfyer/qa-dataset-builder/api"
	"github.com/fyerfyer/qa-dataset-builder/api/handler"
	"github.com/fyerfyer/qa-dataset-builder/api/middleware"
	qaconfig "github.com/fyerfyer/qa-dataset-builder/config"
	"github.com/fyerfyer/qa-dataset-builder/internal/cache"
	"github.com/fyerfyer/qa-dataset-builder/internal/coverage"
	"github.com/fyerfyer/qa-dataset-builder/internal/database"
	"github.com/fyerfyer/qa-dataset-builder/internal/embedding"
	"github.com/fyerfyer/qa-dataset-builder/internal/llm"
	"github.com/fyerfyer/qa-dataset-builder/internal/metrics"
	"github.com/fyerfyer/qa-dataset-builder/internal/models"
	"github.com/fyerfyer/qa-dataset-builder/internal/output"
	"github.com/fyerfyer/qa-dataset-builder/internal/repository"
	"github.com/fyerfyer/qa-dataset-builder/internal/services"
	"github.com/fyerfyer/qa-dataset-builder/internal/source"
	"github.com/fyerfyer/qa-dataset-builder/internal/vectorctx"
	"github.com/fyerfyer/qa-dataset-builder/internal/vectordb"
	"github.com/fyerfyer/qa-dataset-builder/pkg/storage"
	"github.com/fyerfyer/qa-dataset-builder/pkg/taskqueue"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// 运行模式
const (
	modeRun     = "run"     // 在本进程内处理全部文档
	modeEnqueue = "enqueue" // 把文档作为任务推入队列
	modeWorker  = "worker"  // 消费队列中的任务，同时提供状态API
	modeServe   = "serve"   // 只提供状态API
)

// 命令行参数
type flags struct {
	ConfigFile string
	EnvFile    string
	Mode       string
	Inputs     string
	OutputDir  string
	LogLevel   string
	Port       int
	Wait       bool
}

// app 各模式共用的组件
type app struct {
	cfg      *qaconfig.Config
	logger   *logrus.Logger
	runs     repository.RunRepository
	ledgers  output.LedgerStore
	objects  storage.Storage
	recorder *metrics.Recorder
	store    *output.Store
	service  *services.GenerationService
	closers  []func() error
}

func main() {
	f := parseFlags()

	// .env 中的变量可以被配置文件中的 ${NAME} 引用
	if err := godotenv.Load(f.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Warning: Failed to load %s: %v", f.EnvFile, err)
	}

	cfg, err := qaconfig.Load(f.ConfigFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyFlags(f, cfg)

	logger, err := setupLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	middleware.SetLogger(logger)
	gin.SetMode(cfg.Server.Mode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger, f.Mode)
	if err != nil {
		logger.Fatalf("Failed to initialize: %v", err)
	}
	defer a.close()

	logger.WithField("mode", f.Mode).Info("Starting QA dataset builder...")

	switch f.Mode {
	case modeRun:
		err = a.run(ctx)
	case modeEnqueue:
		err = a.enqueue(ctx, f.Wait)
	case modeWorker:
		err = a.work(ctx)
	case modeServe:
		err = a.serve(ctx, nil)
	default:
		err = fmt.Errorf("unknown mode: %s", f.Mode)
	}
	if err != nil {
		logger.WithError(err).Error("Exited with error")
		a.close()
		os.Exit(1)
	}
}

// parseFlags 解析命令行参数
func parseFlags() flags {
	f := flags{}

	flag.StringVar(&f.ConfigFile, "config", "config.yaml", "Path to config file")
	flag.StringVar(&f.EnvFile, "env-file", ".env", "Path to .env file")
	flag.StringVar(&f.Mode, "mode", modeRun, "Mode (run/enqueue/worker/serve)")
	flag.StringVar(&f.Inputs, "input", "", "Comma separated input files or directories")
	flag.StringVar(&f.OutputDir, "output", "", "Output directory")
	flag.StringVar(&f.LogLevel, "log-level", "", "Log level (debug/info/warn/error)")
	flag.IntVar(&f.Port, "port", 0, "Status API port")
	flag.BoolVar(&f.Wait, "wait", false, "Wait for enqueued documents to finish")

	flag.Parse()
	return f
}

// applyFlags 只用明确设置的参数覆盖配置文件
func applyFlags(f flags, cfg *qaconfig.Config) {
	flag.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "input":
			cfg.Input.Paths = splitList(f.Inputs)
		case "output":
			cfg.Output.Dir = f.OutputDir
		case "log-level":
			cfg.Log.Level = f.LogLevel
		case "port":
			cfg.Server.Port = f.Port
		}
	})
	// 位置参数也作为输入
	if args := flag.Args(); len(args) > 0 {
		cfg.Input.Paths = append(cfg.Input.Paths, args...)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// setupLogger 设置日志系统，配置了文件时同时写入滚动日志
func setupLogger(cfg qaconfig.LogConfig) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	logger.SetLevel(level)

	if cfg.File == "" {
		logger.SetOutput(os.Stdout)
		return logger, nil
	}

	rotating := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	logger.SetOutput(io.MultiWriter(os.Stdout, rotating))
	return logger, nil
}

// newApp 按配置创建各组件
func newApp(cfg *qaconfig.Config, logger *logrus.Logger, mode string) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		recorder: metrics.NewRecorder(nil),
		ledgers:  output.NewFileLedgerStore(),
	}

	// 数据库：运行记录和账本
	if cfg.Database.Enable || cfg.Output.Ledger == "database" {
		if err := setupDatabase(cfg.Database, logger); err != nil {
			a.close()
			return nil, fmt.Errorf("database: %w", err)
		}
		a.closers = append(a.closers, database.Close)
		a.runs = repository.NewRunRepository()
		if cfg.Output.Ledger == "database" {
			a.ledgers = repository.NewLedgerRepository()
		}
	}

	// 对象存储：输入来源、结果发布以及worker读取任务中的对象
	if cfg.Input.FromStorage || cfg.Output.Publish || mode == modeWorker {
		objects, err := setupStorage(cfg.Storage)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("storage: %w", err)
		}
		a.objects = objects
	}

	if mode == modeServe {
		return a, nil
	}

	generator, err := setupGenerator(cfg.LLM, logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("llm: %w", err)
	}

	engineOpts := []coverage.EngineOption{
		coverage.WithObserver(a.recorder),
		coverage.WithLogger(logger),
	}
	var indexer services.Indexer
	if cfg.Coverage.Enrich && cfg.Embed.Provider != "" {
		vc, err := a.setupVectorContext()
		if err != nil {
			a.close()
			return nil, fmt.Errorf("vector context: %w", err)
		}
		engineOpts = append(engineOpts, coverage.WithEnricher(vc))
		indexer = vc
	}

	engine, err := coverage.NewEngine(generator, engineOpts...)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("coverage engine: %w", err)
	}

	a.store = output.NewStore(
		output.WithLedgerStore(a.ledgers),
		output.WithMetadata(cfg.Output.IncludeMetadata),
		output.WithLogger(logger),
	)
	a.closers = append(a.closers, a.store.Close)

	serviceOpts := []services.GenerationOption{
		services.WithOutputDir(cfg.Output.Dir),
		services.WithUniqueNames(cfg.Output.UniqueNames),
		services.WithWorkers(cfg.Coverage.DocumentWorkers, cfg.Coverage.SpanWorkers),
		services.WithDocumentObserver(a.recorder),
		services.WithRunOptions(map[string]interface{}{
			"llm_provider":     cfg.LLM.Provider,
			"llm_model":        cfg.LLM.Model,
			"document_workers": cfg.Coverage.DocumentWorkers,
			"span_workers":     cfg.Coverage.SpanWorkers,
			"enrich":           indexer != nil,
			"include_metadata": cfg.Output.IncludeMetadata,
		}),
		services.WithLogger(logger),
	}
	if indexer != nil {
		serviceOpts = append(serviceOpts, services.WithIndexer(indexer))
	}
	if a.runs != nil {
		serviceOpts = append(serviceOpts, services.WithRunRepository(a.runs))
	}
	if cfg.Output.Publish {
		serviceOpts = append(serviceOpts, services.WithPublisher(a.objects, cfg.Output.PublishPrefix))
	}
	a.service = services.NewGenerationService(engine, a.store, serviceOpts...)

	return a, nil
}

// close 按创建的逆序释放资源，可以重复调用
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.WithError(err).Warn("Failed to release resource")
		}
	}
	a.closers = nil
}

// items 收集待处理的文档
func (a *app) items(ctx context.Context) ([]source.Item, error) {
	var src source.Source
	if a.cfg.Input.FromStorage {
		src = source.NewStorageSource(a.objects, a.cfg.Input.Prefix)
	} else {
		src = source.NewLocalSource(a.cfg.Input.Paths...)
	}
	items, err := src.Items(ctx)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, source.ErrNoInput
	}
	return items, nil
}

// run 在本进程内处理所有文档
func (a *app) run(ctx context.Context) error {
	items, err := a.items(ctx)
	if err != nil {
		return err
	}

	summary, err := a.service.Run(ctx, items)
	if err != nil {
		return err
	}

	a.logger.WithFields(logrus.Fields{
		"run_id":    summary.RunID,
		"documents": len(summary.Documents),
		"completed": summary.Count(models.DocStatusCompleted),
		"skipped":   summary.Count(models.DocStatusSkipped),
		"failed":    summary.Count(models.DocStatusFailed),
		"records":   summary.Records(),
		"elapsed":   summary.Finished.Sub(summary.Started).String(),
	}).Info("Run finished")

	for _, doc := range summary.Documents {
		if doc.Status == models.DocStatusFailed {
			a.logger.WithFields(logrus.Fields{
				"source": doc.Source,
				"error":  doc.Error,
			}).Warn("Document failed")
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// enqueue 把文档推入任务队列，wait为true时等待全部完成
func (a *app) enqueue(ctx context.Context, wait bool) error {
	items, err := a.items(ctx)
	if err != nil {
		return err
	}

	queue, err := setupTaskQueue(a.cfg.Queue, a.logger)
	if err != nil {
		return fmt.Errorf("task queue: %w", err)
	}
	defer queue.Close()

	runID, taskIDs, err := a.service.EnqueueDocuments(ctx, queue, items)
	if err != nil {
		return err
	}
	if !wait {
		return nil
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		progress, err := queue.Progress(ctx, runID)
		if err != nil {
			return err
		}
		if progress.Done() {
			a.logger.WithFields(logrus.Fields{
				"run_id":    runID,
				"tasks":     len(taskIDs),
				"completed": progress.Completed,
				"failed":    progress.Failed,
			}).Info("Distributed run finished")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// work 消费队列中的任务，同时提供状态API和指标
func (a *app) work(ctx context.Context) error {
	queue, err := setupTaskQueue(a.cfg.Queue, a.logger)
	if err != nil {
		return fmt.Errorf("task queue: %w", err)
	}
	defer queue.Close()

	worker := taskqueue.NewRedisWorker(queue, nil)
	worker.RegisterHandler(taskqueue.TaskGenerateDocument,
		services.NewDocumentTaskHandler(a.service, a.objects, a.runs, a.logger))
	if err := worker.Start(); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	defer worker.Stop()

	return a.serve(ctx, queue)
}

// serve 启动状态API，直到ctx结束
func (a *app) serve(ctx context.Context, queue *taskqueue.RedisQueue) error {
	var (
		dbPing    handler.Pinger
		queuePing handler.Pinger
		taskQueue taskqueue.Queue
	)
	if a.runs != nil {
		dbPing = func(ctx context.Context) error {
			sqlDB, err := database.MustDB().DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}
	}
	if queue != nil {
		queuePing = queue.Ping
		taskQueue = queue
	}

	runs := a.runs
	if runs == nil {
		runs = unavailableRuns{}
	}

	router := api.SetupRouter(
		handler.NewHealthHandler(dbPing, queuePing),
		handler.NewRunHandler(runs, taskQueue),
		handler.NewLedgerHandler(a.ledgers),
		a.recorder.Handler(),
	)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Infof("Server is running on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	a.logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.logger.Info("Server exited")
	return nil
}

// unavailableRuns 未启用数据库时的运行记录仓储
type unavailableRuns struct{}

var errRunsDisabled = errors.New("run persistence disabled: set database.enable")

func (unavailableRuns) Create(context.Context, *models.Run) error              { return errRunsDisabled }
func (unavailableRuns) Finish(context.Context, *models.Run) error              { return errRunsDisabled }
func (unavailableRuns) AddDocument(context.Context, *models.RunDocument) error { return errRunsDisabled }
func (unavailableRuns) GetByID(context.Context, string) (*models.Run, error) {
	return nil, errRunsDisabled
}
func (unavailableRuns) List(context.Context, int, int, models.RunStatus) ([]*models.Run, int64, error) {
	return nil, 0, errRunsDisabled
}
func (unavailableRuns) Refresh(context.Context, string) (*models.Run, error) {
	return nil, errRunsDisabled
}

// setupVectorContext 创建向量上下文引擎：嵌入客户端、向量仓库和可选的向量缓存
func (a *app) setupVectorContext() (*vectorctx.Engine, error) {
	cfg := a.cfg

	embedder, err := setupEmbedding(cfg.Embed)
	if err != nil {
		return nil, err
	}

	repo, err := setupVectorDB(cfg.VectorDB, a.logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, repo.Close)

	opts := []vectorctx.Option{
		vectorctx.WithLogger(a.logger),
		vectorctx.WithTopK(cfg.Coverage.TopK),
		vectorctx.WithMinScore(cfg.Coverage.MinScore),
		vectorctx.WithSnippetLength(cfg.Coverage.SnippetLength),
		vectorctx.WithBatch(cfg.Embed.BatchSize, cfg.Embed.Workers),
	}
	if cfg.Cache.Enable {
		c, err := setupCache(cfg.Cache)
		if err != nil {
			return nil, err
		}
		opts = append(opts, vectorctx.WithVectorCache(cache.NewVectorCache(c, cfg.Cache.TTL)))
	}

	return vectorctx.NewEngine(embedder, vectorctx.NewRepositoryIndex(repo), opts...), nil
}

// setupGenerator 创建大模型客户端并包装为问答生成器
func setupGenerator(cfg qaconfig.LLMConfig, logger *logrus.Logger) (*llm.QAGenerator, error) {
	if cfg.Provider == "tongyi" && cfg.APIKey == "" {
		return nil, fmt.Errorf("LLM API key is required for %s", cfg.Provider)
	}

	opts := []llm.Option{
		llm.WithModel(cfg.Model),
		llm.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.APIKey != "" {
		opts = append(opts, llm.WithAPIKey(cfg.APIKey))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, llm.WithBaseURL(cfg.Endpoint))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, llm.WithTimeout(cfg.Timeout))
	}

	client, err := llm.NewClient(cfg.Provider, opts...)
	if err != nil {
		return nil, err
	}

	return llm.NewQAGenerator(client, logger,
		llm.WithRateLimit(cfg.RequestsPerSecond, cfg.Burst),
		llm.WithCircuitBreaker(cfg.BreakerFailures, cfg.BreakerTimeout),
		llm.WithSampling(cfg.MaxTokens, cfg.Temperature, cfg.TopP, cfg.TopK),
	), nil
}

// setupEmbedding 设置嵌入模型客户端
func setupEmbedding(cfg qaconfig.EmbedConfig) (embedding.Client, error) {
	if cfg.Provider == "tongyi" && cfg.APIKey == "" {
		return nil, fmt.Errorf("embedding API key is required for %s", cfg.Provider)
	}

	opts := []embedding.Option{
		embedding.WithModel(cfg.Model),
		embedding.WithDimensions(cfg.Dimensions),
	}
	if cfg.APIKey != "" {
		opts = append(opts, embedding.WithAPIKey(cfg.APIKey))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, embedding.WithBaseURL(cfg.Endpoint))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, embedding.WithTimeout(cfg.Timeout))
	}
	if cfg.BatchSize > 0 {
		opts = append(opts, embedding.WithBatchSize(cfg.BatchSize))
	}
	return embedding.NewClient(cfg.Provider, opts...)
}

// setupVectorDB 设置向量数据库，faiss不可用时回退到内存实现
func setupVectorDB(cfg qaconfig.VectorDBConfig, logger *logrus.Logger) (vectordb.Repository, error) {
	repoConfig := vectordb.Config{
		Type:              cfg.Type,
		Path:              cfg.Path,
		Dimension:         cfg.Dim,
		DistanceType:      vectordb.DistanceType(cfg.Distance),
		CreateIfNotExists: true,
	}

	repo, err := vectordb.NewRepository(repoConfig)
	if err != nil && cfg.Type != "memory" {
		logger.WithError(err).Warn("Failed to initialize vector database, falling back to in-memory")
		repoConfig.Type = "memory"
		repoConfig.Path = ""
		return vectordb.NewRepository(repoConfig)
	}
	return repo, err
}

// setupCache 设置嵌入向量缓存
func setupCache(cfg qaconfig.CacheConfig) (cache.Cache, error) {
	cacheConfig := cache.DefaultConfig()
	cacheConfig.Type = cfg.Type
	if cfg.Prefix != "" {
		cacheConfig.Prefix = cfg.Prefix
	}
	if cfg.TTL > 0 {
		cacheConfig.DefaultTTL = cfg.TTL
	}
	if cfg.Type == "redis" {
		cacheConfig.RedisAddr = cfg.Address
		cacheConfig.RedisPassword = cfg.Password
		cacheConfig.RedisDB = cfg.DB
	}
	return cache.NewCache(cacheConfig)
}

// setupStorage 设置对象存储
func setupStorage(cfg qaconfig.StorageConfig) (storage.Storage, error) {
	return storage.NewStorage(storage.Config{
		Type:  cfg.Type,
		Local: storage.LocalConfig{Path: cfg.Path},
		Minio: storage.MinioConfig{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			UseSSL:    cfg.UseSSL,
			Bucket:    cfg.Bucket,
		},
	})
}

// setupDatabase 初始化全局数据库连接
func setupDatabase(cfg qaconfig.DatabaseConfig, logger *logrus.Logger) error {
	dbConfig := database.DefaultConfig()
	dbConfig.Type = cfg.Type
	dbConfig.DSN = cfg.DSN
	return database.Setup(dbConfig, logger)
}

// setupTaskQueue 设置任务队列
func setupTaskQueue(cfg qaconfig.QueueConfig, logger *logrus.Logger) (*taskqueue.RedisQueue, error) {
	queueConfig := &taskqueue.Config{
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
		Concurrency:   cfg.Concurrency,
		RetryLimit:    cfg.RetryLimit,
		RetryDelay:    cfg.RetryDelay,
		TaskExpiry:    cfg.TaskExpiry,
	}

	logger.WithFields(logrus.Fields{
		"redis_addr":  cfg.RedisAddr,
		"concurrency": cfg.Concurrency,
		"retry_limit": cfg.RetryLimit,
	}).Info("Setting up task queue")

	return taskqueue.NewRedisQueue(queueConfig, taskqueue.WithLogger(logger))
}
