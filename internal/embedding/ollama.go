package embedding

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

const (
	defaultOllamaURL   = "http://localhost:11434"
	defaultOllamaModel = "nomic-embed-text"
)

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// OllamaClient 本地Ollama嵌入客户端
// /api/embeddings 每次只接受一条文本，批量请求按顺序逐条发送
type OllamaClient struct {
	http     *httpDoer
	endpoint string
	model    string
}

// NewOllamaClient 创建Ollama嵌入客户端
func NewOllamaClient(opts ...Option) (Client, error) {
	cfg := NewConfig(opts...)

	base := cfg.BaseURL
	if base == "" {
		base = defaultOllamaURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultOllamaModel
	}

	return &OllamaClient{
		http: &httpDoer{
			client:     &http.Client{Timeout: cfg.Timeout},
			maxRetries: cfg.MaxRetries,
		},
		endpoint: strings.TrimRight(base, "/") + "/api/embeddings",
		model:    model,
	}, nil
}

// Name 返回模型名称
func (c *OllamaClient) Name() string {
	return c.model
}

// Embed 生成单条文本的向量表示
func (c *OllamaClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, NewEmbeddingError(ErrCodeEmptyInput, ErrMsgEmptyInput)
	}

	var resp ollamaEmbedResponse
	if err := c.http.postJSON(ctx, c.endpoint, ollamaEmbedRequest{Model: c.model, Prompt: text}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embedding) == 0 {
		return nil, NewEmbeddingError(ErrCodeServerError, "no embedding returned")
	}
	return resp.Embedding, nil
}

// EmbedBatch 逐条生成向量
func (c *OllamaClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := c.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("text %d: %w", i, err)
		}
		out[i] = vec
	}
	return out, nil
}

func init() {
	RegisterClient("ollama", NewOllamaClient)
}
