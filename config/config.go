package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config 应用程序配置结构体
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Input    InputConfig    `mapstructure:"input"`
	Output   OutputConfig   `mapstructure:"output"`
	Coverage CoverageConfig `mapstructure:"coverage"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Embed    EmbedConfig    `mapstructure:"embed"`
	VectorDB VectorDBConfig `mapstructure:"vectordb"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Database DatabaseConfig `mapstructure:"database"`
	Storage  StorageConfig  `mapstructure:"storage"`
}

// ServerConfig 状态API服务配置
type ServerConfig struct {
	Host         string        `mapstructure:"host"`                                     // 服务器主机
	Port         int           `mapstructure:"port" validate:"min=1,max=65535"`          // 服务器端口
	Mode         string        `mapstructure:"mode" validate:"oneof=debug release test"` // gin运行模式
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// LogConfig 日志配置，File为空时只输出到标准输出
type LogConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"min=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"min=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"min=0"`
	Compress   bool   `mapstructure:"compress"`
}

// InputConfig 待处理文档来源
type InputConfig struct {
	Paths       []string `mapstructure:"paths"`        // 本地文件或目录
	FromStorage bool     `mapstructure:"from_storage"` // 从对象存储读取
	Prefix      string   `mapstructure:"prefix"`       // 对象存储中的前缀
}

// OutputConfig 输出配置
type OutputConfig struct {
	Dir             string `mapstructure:"dir" validate:"required"`
	IncludeMetadata bool   `mapstructure:"include_metadata"`                    // false时只写question和answer
	UniqueNames     bool   `mapstructure:"unique_names"`                        // 同名文档加校验和后缀
	Ledger          string `mapstructure:"ledger" validate:"oneof=file database"` // 账本存储位置
	Publish         bool   `mapstructure:"publish"`                             // 生成后上传到对象存储
	PublishPrefix   string `mapstructure:"publish_prefix"`
}

// CoverageConfig 覆盖引擎配置
type CoverageConfig struct {
	DocumentWorkers int     `mapstructure:"document_workers" validate:"min=1"` // 并行处理的文档数
	SpanWorkers     int     `mapstructure:"span_workers" validate:"min=1"`     // 单个文档内并行处理的片段数
	Enrich          bool    `mapstructure:"enrich"`                            // 是否使用向量上下文
	TopK            int     `mapstructure:"top_k" validate:"min=0"`
	MinScore        float32 `mapstructure:"min_score" validate:"min=0,max=1"`
	SnippetLength   int     `mapstructure:"snippet_length" validate:"min=0"`
}

// LLMConfig 大语言模型配置
type LLMConfig struct {
	Provider          string        `mapstructure:"provider" validate:"oneof=ollama tongyi"`
	Model             string        `mapstructure:"model" validate:"required"`
	APIKey            string        `mapstructure:"api_key"`
	Endpoint          string        `mapstructure:"endpoint" validate:"omitempty,url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxRetries        int           `mapstructure:"max_retries" validate:"min=0"`
	MaxTokens         int           `mapstructure:"max_tokens" validate:"min=0"`
	Temperature       float32       `mapstructure:"temperature" validate:"min=0,max=2"`
	TopP              float32       `mapstructure:"top_p" validate:"min=0,max=1"`
	TopK              int           `mapstructure:"top_k" validate:"min=0"` // 0表示使用模型默认值
	RequestsPerSecond float64       `mapstructure:"requests_per_second" validate:"min=0"` // 0表示不限速
	Burst             int           `mapstructure:"burst" validate:"min=0"`
	BreakerFailures   uint32        `mapstructure:"breaker_failures"` // 0表示不熔断
	BreakerTimeout    time.Duration `mapstructure:"breaker_timeout"`
}

// EmbedConfig 向量嵌入模型配置，Provider为空时不启用向量上下文
type EmbedConfig struct {
	Provider   string        `mapstructure:"provider" validate:"omitempty,oneof=ollama tongyi"`
	Model      string        `mapstructure:"model"`
	APIKey     string        `mapstructure:"api_key"`
	Endpoint   string        `mapstructure:"endpoint" validate:"omitempty,url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	BatchSize  int           `mapstructure:"batch_size" validate:"min=0"`
	Workers    int           `mapstructure:"workers" validate:"min=0"`
	Dimensions int           `mapstructure:"dimensions" validate:"min=0"`
}

// VectorDBConfig 向量数据库配置
type VectorDBConfig struct {
	Type     string `mapstructure:"type" validate:"oneof=memory faiss"`
	Path     string `mapstructure:"path"`
	Dim      int    `mapstructure:"dim" validate:"min=0"`
	Distance string `mapstructure:"distance" validate:"oneof=cosine l2 dot"`
}

// CacheConfig 嵌入向量缓存配置
type CacheConfig struct {
	Enable   bool          `mapstructure:"enable"`
	Type     string        `mapstructure:"type" validate:"oneof=memory redis"`
	Address  string        `mapstructure:"address"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db" validate:"min=0"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// QueueConfig 任务队列配置，仅enqueue和worker模式使用
type QueueConfig struct {
	RedisAddr     string        `mapstructure:"redis_addr" validate:"required"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db" validate:"min=0"`
	Concurrency   int           `mapstructure:"concurrency" validate:"min=1"`
	RetryLimit    int           `mapstructure:"retry_limit" validate:"min=0"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	TaskExpiry    time.Duration `mapstructure:"task_expiry"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Enable bool   `mapstructure:"enable"` // 是否持久化运行记录
	Type   string `mapstructure:"type" validate:"oneof=sqlite"`
	DSN    string `mapstructure:"dsn" validate:"required"`
}

// StorageConfig 对象存储配置
type StorageConfig struct {
	Type      string `mapstructure:"type" validate:"oneof=local minio"` // 存储类型：local 或 minio
	Path      string `mapstructure:"path"`                              // 本地存储路径
	Bucket    string `mapstructure:"bucket"`                            // MinIO桶名称
	Endpoint  string `mapstructure:"endpoint"`                          // MinIO端点
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"` // 是否使用SSL
}

// Load 从文件和环境变量加载配置
// 文件不存在时写出一份默认配置
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	setDefaults(v)

	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		log.Printf("Warning: Config file not found at %s, using defaults", configPath)
		if err := os.MkdirAll(filepath.Dir(configPath), 0755); err == nil {
			if err := v.WriteConfigAs(configPath); err != nil {
				log.Printf("Warning: Could not write default config to %s: %v", configPath, err)
			}
		}
	} else if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// 支持环境变量覆盖，例如 LLM_MODEL 覆盖 llm.model
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	expandEnvironment(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate 检查配置项的取值
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed on '%s'", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Embed.Provider != "" && c.Embed.Model == "" {
		return errors.New("invalid config: embed.model is required when embed.provider is set")
	}
	if c.Storage.Type == "minio" && (c.Storage.Endpoint == "" || c.Storage.Bucket == "") {
		return errors.New("invalid config: storage.endpoint and storage.bucket are required for minio")
	}
	return nil
}

// expandEnvironment 替换字符串配置项中的 ${NAME} 和 ${NAME:-default}
func expandEnvironment(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		switch val := v.Get(key).(type) {
		case string:
			if strings.Contains(val, "${") {
				v.Set(key, ExpandEnv(val))
			}
		case []interface{}:
			changed := false
			out := make([]string, len(val))
			for i, item := range val {
				s := fmt.Sprint(item)
				if strings.Contains(s, "${") {
					s = ExpandEnv(s)
					changed = true
				}
				out[i] = s
			}
			if changed {
				v.Set(key, out)
			}
		}
	}
}

// ExpandEnv 展开 ${NAME}，变量为空时使用 ${NAME:-default} 中的默认值
func ExpandEnv(s string) string {
	return os.Expand(s, func(name string) string {
		def := ""
		if i := strings.Index(name, ":-"); i >= 0 {
			name, def = name[:i], name[i+2:]
		}
		if val := os.Getenv(name); val != "" {
			return val
		}
		return def
	})
}

// setDefaults 设置配置的默认值
// 兼容原有的 OLLAMA_HOST、OLLAMA_PORT、OUTPUT_DIR 等环境变量
func setDefaults(v *viper.Viper) {
	// 服务器默认配置
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	// 日志默认配置
	v.SetDefault("log.level", "${LOG_LEVEL:-info}")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", false)

	// 输入默认配置
	v.SetDefault("input.paths", []string{})
	v.SetDefault("input.from_storage", false)
	v.SetDefault("input.prefix", "")

	// 输出默认配置
	v.SetDefault("output.dir", "${OUTPUT_DIR:-./output}")
	v.SetDefault("output.include_metadata", true)
	v.SetDefault("output.unique_names", false)
	v.SetDefault("output.ledger", "file")
	v.SetDefault("output.publish", false)
	v.SetDefault("output.publish_prefix", "qa")

	// 覆盖引擎默认配置
	v.SetDefault("coverage.document_workers", 1)
	v.SetDefault("coverage.span_workers", "${MAX_CONCURRENT_REQUESTS:-4}")
	v.SetDefault("coverage.enrich", false)
	v.SetDefault("coverage.top_k", 3)
	v.SetDefault("coverage.min_score", 0.5)
	v.SetDefault("coverage.snippet_length", 200)

	// LLM默认配置
	v.SetDefault("llm.provider", "ollama")
	v.SetDefault("llm.model", "${OLLAMA_LLM_MODEL:-mistral}")
	v.SetDefault("llm.api_key", "${LLM_API_KEY}")
	v.SetDefault("llm.endpoint", "http://${OLLAMA_HOST:-localhost}:${OLLAMA_PORT:-11434}")
	v.SetDefault("llm.timeout", "120s")
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.max_tokens", 2048)
	v.SetDefault("llm.temperature", "${OLLAMA_TEMPERATURE:-0.7}")
	v.SetDefault("llm.top_p", "${OLLAMA_TOP_P:-0.9}")
	v.SetDefault("llm.top_k", 0)
	v.SetDefault("llm.requests_per_second", 0)
	v.SetDefault("llm.burst", 1)
	v.SetDefault("llm.breaker_failures", 5)
	v.SetDefault("llm.breaker_timeout", "30s")

	// Embedding默认配置
	v.SetDefault("embed.provider", "")
	v.SetDefault("embed.model", "${OLLAMA_EMBEDDING_MODEL:-nomic-embed-text}")
	v.SetDefault("embed.api_key", "${EMBEDDING_API_KEY}")
	v.SetDefault("embed.endpoint", "http://${OLLAMA_HOST:-localhost}:${OLLAMA_PORT:-11434}")
	v.SetDefault("embed.timeout", "60s")
	v.SetDefault("embed.batch_size", "${BATCH_SIZE:-32}")
	v.SetDefault("embed.workers", 2)
	v.SetDefault("embed.dimensions", 0)

	// 向量数据库默认配置
	v.SetDefault("vectordb.type", "memory")
	v.SetDefault("vectordb.path", "${VECTOR_DB_PATH:-./vector_db}")
	v.SetDefault("vectordb.dim", 0)
	v.SetDefault("vectordb.distance", "cosine")

	// 缓存默认配置
	v.SetDefault("cache.enable", true)
	v.SetDefault("cache.type", "memory")
	v.SetDefault("cache.address", "localhost:6379")
	v.SetDefault("cache.db", 0)
	v.SetDefault("cache.prefix", "qa")
	v.SetDefault("cache.ttl", "24h")

	// 队列默认配置
	v.SetDefault("queue.redis_addr", "${REDIS_ADDR:-localhost:6379}")
	v.SetDefault("queue.redis_password", "${REDIS_PASSWORD}")
	v.SetDefault("queue.redis_db", 0)
	v.SetDefault("queue.concurrency", 4)
	v.SetDefault("queue.retry_limit", 3)
	v.SetDefault("queue.retry_delay", "60s")
	v.SetDefault("queue.task_expiry", "168h")

	// 数据库默认配置
	v.SetDefault("database.enable", false)
	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", "data/qa.db")

	// 存储默认配置
	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.path", "./data/objects")
	v.SetDefault("storage.bucket", "qa-dataset")
	v.SetDefault("storage.use_ssl", false)
}
