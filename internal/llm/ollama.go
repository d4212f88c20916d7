package llm

import (
	"context"
	"net/http"
	"strings"
	"time"
)

const defaultOllamaURL = "http://localhost:11434"

// OllamaClient 本地Ollama大模型客户端
type OllamaClient struct {
	http        *httpDoer
	baseURL     string
	model       string
	maxTokens   int
	temperature float32
	topP        float32
}

// NewOllamaClient 创建Ollama客户端，BaseURL缺省为本机11434端口
func NewOllamaClient(opts ...Option) (Client, error) {
	cfg := NewConfig(opts...)

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}
	model := cfg.Model
	if model == "" {
		model = ModelMistral
	}

	headers := map[string]string{}
	if cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + cfg.APIKey
	}

	return &OllamaClient{
		http: &httpDoer{
			client:     &http.Client{Timeout: cfg.Timeout},
			maxRetries: cfg.MaxRetries,
			headers:    headers,
		},
		baseURL:     strings.TrimRight(baseURL, "/"),
		model:       model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		topP:        cfg.TopP,
	}, nil
}

// Name 返回模型名称
func (c *OllamaClient) Name() string {
	return c.model
}

// Generate 调用 /api/generate，非流式
func (c *OllamaClient) Generate(ctx context.Context, prompt string, options ...GenerateOption) (*Response, error) {
	if prompt == "" {
		return nil, NewLLMError(ErrCodeEmptyPrompt, ErrMsgEmptyPrompt)
	}

	opts := &GenerateOptions{}
	for _, opt := range options {
		opt(opts)
	}

	req := OllamaGenerateRequest{
		Model:   c.model,
		Prompt:  prompt,
		System:  opts.System,
		Stream:  false,
		Options: c.options(opts.MaxTokens, opts.Temperature, opts.TopP, opts.TopK),
	}
	if opts.JSON {
		req.Format = "json"
	}

	var resp OllamaGenerateResponse
	if err := c.http.postJSON(ctx, c.baseURL+"/api/generate", req, &resp); err != nil {
		return nil, err
	}
	if resp.Response == "" {
		return nil, NewLLMError(ErrCodeServerError, "empty response from API")
	}

	return &Response{
		Text:       resp.Response,
		TokenCount: resp.PromptEvalCount + resp.EvalCount,
		ModelName:  c.model,
		FinishTime: time.Now(),
	}, nil
}

// Chat 调用 /api/chat，非流式
func (c *OllamaClient) Chat(ctx context.Context, messages []Message, options ...ChatOption) (*Response, error) {
	if len(messages) == 0 {
		return nil, NewLLMError(ErrCodeInvalidRequest, "messages cannot be empty")
	}

	opts := &ChatOptions{}
	for _, opt := range options {
		opt(opts)
	}

	req := OllamaChatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   false,
		Options:  c.options(opts.MaxTokens, opts.Temperature, opts.TopP, opts.TopK),
	}
	if opts.JSON {
		req.Format = "json"
	}

	var resp OllamaChatResponse
	if err := c.http.postJSON(ctx, c.baseURL+"/api/chat", req, &resp); err != nil {
		return nil, err
	}
	if resp.Message.Content == "" {
		return nil, NewLLMError(ErrCodeServerError, "empty response from API")
	}

	return &Response{
		Text:       resp.Message.Content,
		Messages:   []Message{resp.Message},
		TokenCount: resp.PromptEvalCount + resp.EvalCount,
		ModelName:  c.model,
		FinishTime: time.Now(),
	}, nil
}

// options 合并请求级参数和客户端默认值
func (c *OllamaClient) options(maxTokens *int, temperature, topP *float32, topK *int) *OllamaOptions {
	o := &OllamaOptions{
		NumPredict:  maxTokens,
		Temperature: temperature,
		TopP:        topP,
		TopK:        topK,
	}
	if o.NumPredict == nil && c.maxTokens > 0 {
		n := c.maxTokens
		o.NumPredict = &n
	}
	if o.Temperature == nil {
		t := c.temperature
		o.Temperature = &t
	}
	if o.TopP == nil && c.topP > 0 {
		p := c.topP
		o.TopP = &p
	}
	return o
}

func init() {
	RegisterClient("ollama", NewOllamaClient)
}
