package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/fyerfyer/qa-dataset-builder/internal/coverage"
)

// GeneratorConfig 问答生成器配置
type GeneratorConfig struct {
	SystemPrompt      string           // 系统提示词模板
	PromptTemplate    string           // 用户提示词模板
	RequestsPerSecond float64          // 每秒请求数上限，0表示不限速
	Burst             int              // 突发请求数
	BreakerFailures   uint32           // 连续失败多少次后熔断，0表示不启用熔断
	BreakerTimeout    time.Duration    // 熔断后多久进入半开状态
	Sampling          []GenerateOption // 每次请求附带的采样参数
}

// DefaultGeneratorConfig 默认生成器配置
func DefaultGeneratorConfig() *GeneratorConfig {
	return &GeneratorConfig{
		SystemPrompt:    DefaultSystemPrompt,
		PromptTemplate:  DefaultPromptTemplate,
		Burst:           1,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

// GeneratorOption 生成器配置选项
type GeneratorOption func(*GeneratorConfig)

// WithSystemPromptTemplate 设置系统提示词模板
func WithSystemPromptTemplate(tmpl string) GeneratorOption {
	return func(c *GeneratorConfig) {
		c.SystemPrompt = tmpl
	}
}

// WithPromptTemplate 设置用户提示词模板
func WithPromptTemplate(tmpl string) GeneratorOption {
	return func(c *GeneratorConfig) {
		c.PromptTemplate = tmpl
	}
}

// WithRateLimit 设置请求速率
func WithRateLimit(rps float64, burst int) GeneratorOption {
	return func(c *GeneratorConfig) {
		c.RequestsPerSecond = rps
		c.Burst = burst
	}
}

// WithCircuitBreaker 设置熔断参数
func WithCircuitBreaker(failures uint32, timeout time.Duration) GeneratorOption {
	return func(c *GeneratorConfig) {
		c.BreakerFailures = failures
		c.BreakerTimeout = timeout
	}
}

// WithSampling 设置每次生成请求的采样参数，maxTokens、topP、topK为0时使用客户端默认值
func WithSampling(maxTokens int, temperature, topP float32, topK int) GeneratorOption {
	return func(c *GeneratorConfig) {
		sampling := []GenerateOption{WithGenerateTemperature(temperature)}
		if maxTokens > 0 {
			sampling = append(sampling, WithGenerateMaxTokens(maxTokens))
		}
		if topP > 0 {
			sampling = append(sampling, WithGenerateTopP(topP))
		}
		if topK > 0 {
			sampling = append(sampling, WithGenerateTopK(topK))
		}
		c.Sampling = sampling
	}
}

// QAGenerator 基于大模型的问答对生成器
type QAGenerator struct {
	client  Client
	config  *GeneratorConfig
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  *logrus.Logger
}

// NewQAGenerator 创建问答对生成器
func NewQAGenerator(client Client, logger *logrus.Logger, opts ...GeneratorOption) *QAGenerator {
	cfg := DefaultGeneratorConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if logger == nil {
		logger = logrus.New()
	}

	g := &QAGenerator{
		client: client,
		config: cfg,
		logger: logger,
	}

	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	if cfg.BreakerFailures > 0 {
		threshold := cfg.BreakerFailures
		g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "llm:" + client.Name(),
			MaxRequests: 1,
			Timeout:     cfg.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			// 调用方取消和内容过滤不代表后端故障
			IsSuccessful: func(err error) bool {
				return err == nil ||
					errors.Is(err, context.Canceled) ||
					ErrorCode(err) == ErrCodeContentFilter
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.WithFields(logrus.Fields{
					"breaker": name,
					"from":    from.String(),
					"to":      to.String(),
				}).Warn("LLM circuit breaker state changed")
			},
		})
	}

	return g
}

// Generate 实现coverage.Generator接口
// 调用失败返回Transient错误，输出无法解析返回Malformed错误
func (g *QAGenerator) Generate(ctx context.Context, req coverage.GenerateRequest) ([]coverage.QAPair, error) {
	if req.MaxQuestions <= 0 || strings.TrimSpace(req.Content) == "" {
		return nil, nil
	}

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, coverage.NewTransientError(err)
		}
	}

	system, prompt := buildPrompt(g.config.SystemPrompt, g.config.PromptTemplate, req)

	start := time.Now()
	resp, err := g.call(ctx, system, prompt)
	if err != nil {
		g.logger.WithFields(logrus.Fields{
			"node_id": req.NodeID,
			"level":   req.Level.String(),
			"model":   g.client.Name(),
			"error":   err,
		}).Warn("LLM generation failed")
		return nil, coverage.NewTransientError(err)
	}

	pairs, err := ParseQAPairs(resp.Text)
	if err != nil {
		g.logger.WithFields(logrus.Fields{
			"node_id": req.NodeID,
			"level":   req.Level.String(),
		}).Warn("LLM returned unparseable output")
		return nil, coverage.NewMalformedError(err)
	}
	if len(pairs) > req.MaxQuestions {
		pairs = pairs[:req.MaxQuestions]
	}

	g.logger.WithFields(logrus.Fields{
		"node_id":   req.NodeID,
		"level":     req.Level.String(),
		"requested": req.MaxQuestions,
		"generated": len(pairs),
		"tokens":    resp.TokenCount,
		"duration":  time.Since(start).String(),
	}).Debug("Generated QA pairs")

	return pairs, nil
}

func (g *QAGenerator) call(ctx context.Context, system, prompt string) (*Response, error) {
	opts := append([]GenerateOption{WithSystemPrompt(system), WithJSONFormat()}, g.config.Sampling...)
	generate := func() (*Response, error) {
		return g.client.Generate(ctx, prompt, opts...)
	}
	if g.breaker == nil {
		return generate()
	}

	out, err := g.breaker.Execute(func() (interface{}, error) {
		return generate()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, NewLLMError(ErrCodeCircuitOpen, ErrMsgCircuitOpen)
		}
		return nil, err
	}
	return out.(*Response), nil
}

// State 返回熔断器状态，未启用时为closed
func (g *QAGenerator) State() gobreaker.State {
	if g.breaker == nil {
		return gobreaker.StateClosed
	}
	return g.breaker.State()
}
