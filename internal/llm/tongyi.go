package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

const (
	// 通义千问API端点
	defaultTongyiEndpoint = "https://dashscope.aliyuncs.com/api/v1/services/aigc/text-generation/generation"
)

// TongyiClient 通义千问大模型客户端实现
type TongyiClient struct {
	http        *httpDoer
	baseURL     string
	model       string
	maxTokens   int
	temperature float32
	topP        float32
}

// NewTongyiClient 创建新的通义千问大模型客户端
func NewTongyiClient(opts ...Option) (Client, error) {
	cfg := NewConfig(opts...)

	if cfg.APIKey == "" {
		return nil, NewLLMError(ErrCodeInvalidAPIKey, ErrMsgInvalidAPIKey)
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultTongyiEndpoint
	}
	model := cfg.Model
	if model == "" {
		model = ModelQwenTurbo
	}

	return &TongyiClient{
		http: &httpDoer{
			client:     &http.Client{Timeout: cfg.Timeout},
			maxRetries: cfg.MaxRetries,
			headers:    map[string]string{"Authorization": "Bearer " + cfg.APIKey},
		},
		baseURL:     baseURL,
		model:       model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		topP:        cfg.TopP,
	}, nil
}

// Name 返回模型名称
func (c *TongyiClient) Name() string {
	return c.model
}

// Generate 根据提示词生成回答，系统提示词作为第一条消息发送
func (c *TongyiClient) Generate(ctx context.Context, prompt string, options ...GenerateOption) (*Response, error) {
	if prompt == "" {
		return nil, NewLLMError(ErrCodeEmptyPrompt, ErrMsgEmptyPrompt)
	}

	opts := &GenerateOptions{}
	for _, opt := range options {
		opt(opts)
	}

	var messages []Message
	if opts.System != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: opts.System})
	}
	messages = append(messages, Message{Role: RoleUser, Content: prompt})

	return c.Chat(ctx, messages, toChatOptions(opts)...)
}

// Chat 进行多轮对话
func (c *TongyiClient) Chat(ctx context.Context, messages []Message, options ...ChatOption) (*Response, error) {
	if len(messages) == 0 {
		return nil, NewLLMError(ErrCodeInvalidRequest, "messages cannot be empty")
	}

	opts := &ChatOptions{}
	for _, opt := range options {
		opt(opts)
	}

	params := &TongyiParameters{
		ResultFormat: "message",
		TopK:         opts.TopK,
	}

	if opts.MaxTokens != nil {
		params.MaxTokens = opts.MaxTokens
	} else if c.maxTokens > 0 {
		maxTokens := c.maxTokens
		params.MaxTokens = &maxTokens
	}

	if opts.Temperature != nil {
		params.Temperature = opts.Temperature
	} else if c.temperature > 0 {
		temp := c.temperature
		params.Temperature = &temp
	}

	if opts.TopP != nil {
		params.TopP = opts.TopP
	} else if c.topP > 0 {
		topP := c.topP
		params.TopP = &topP
	}

	if opts.JSON {
		params.ResponseFormat = &TongyiResponseFormat{Type: "json_object"}
	}

	req := &TongyiRequest{
		Model:      c.model,
		Input:      &TongyiRequestInput{Messages: messages},
		Parameters: params,
	}

	var resp TongyiResponse
	if err := c.http.postJSON(ctx, c.baseURL, req, &resp); err != nil {
		return nil, err
	}
	if resp.Code != "" {
		if resp.Code == "DataInspectionFailed" {
			return nil, NewLLMError(ErrCodeContentFilter, ErrMsgContentFilter)
		}
		return nil, NewLLMError(ErrCodeServerError,
			fmt.Sprintf("API error: %s (%s)", resp.Message, resp.Code))
	}

	return c.processResponse(&resp)
}

// processResponse 处理通义千问的响应
func (c *TongyiClient) processResponse(resp *TongyiResponse) (*Response, error) {
	result := &Response{
		ModelName:  c.model,
		TokenCount: resp.Usage.TotalTokens,
		FinishTime: time.Now(),
	}

	switch {
	case resp.Output.Text != nil:
		result.Text = *resp.Output.Text
	case len(resp.Output.Choices) > 0:
		choice := resp.Output.Choices[0]
		result.Text = choice.Message.Content
		result.Messages = append(result.Messages, choice.Message)
	default:
		return nil, NewLLMError(ErrCodeServerError, "empty response from API")
	}

	return result, nil
}

// 在包初始化时注册通义千问客户端
func init() {
	RegisterClient("tongyi", NewTongyiClient)
}
