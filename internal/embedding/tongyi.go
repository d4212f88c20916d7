package embedding

import (
	"context"
	"fmt"
	"net/http"
)

const (
	defaultDashScopeEndpoint = "https://dashscope.aliyuncs.com/api/v1/services/embeddings/text-embedding/text-embedding"
	defaultTongyiModel       = "text-embedding-v1"
)

// dashScopeRequest DashScope嵌入请求
type dashScopeRequest struct {
	Model      string               `json:"model"`
	Input      dashScopeInput       `json:"input"`
	Parameters *dashScopeParameters `json:"parameters,omitempty"`
}

type dashScopeInput struct {
	Texts []string `json:"texts"`
}

type dashScopeParameters struct {
	Dimension  int    `json:"dimension,omitempty"`
	OutputType string `json:"output_type,omitempty"`
}

// dashScopeResponse DashScope嵌入响应
type dashScopeResponse struct {
	StatusCode int    `json:"status_code,omitempty"`
	RequestID  string `json:"request_id"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message,omitempty"`
	Output     struct {
		Embeddings []struct {
			Embedding []float32 `json:"embedding"`
			TextIndex int       `json:"text_index"`
		} `json:"embeddings"`
	} `json:"output"`
}

// TongyiClient 通义千问嵌入API客户端
type TongyiClient struct {
	http       *httpDoer
	endpoint   string
	model      string
	dimensions int
}

// NewTongyiClient 创建通义千问嵌入客户端
func NewTongyiClient(opts ...Option) (Client, error) {
	cfg := NewConfig(opts...)
	if cfg.APIKey == "" {
		return nil, NewEmbeddingError(ErrCodeInvalidAPIKey, ErrMsgInvalidAPIKey)
	}

	endpoint := cfg.BaseURL
	if endpoint == "" {
		endpoint = defaultDashScopeEndpoint
	}
	model := cfg.Model
	if model == "" {
		model = defaultTongyiModel
	}

	return &TongyiClient{
		http: &httpDoer{
			client:     &http.Client{Timeout: cfg.Timeout},
			maxRetries: cfg.MaxRetries,
			headers:    map[string]string{"Authorization": "Bearer " + cfg.APIKey},
		},
		endpoint:   endpoint,
		model:      model,
		dimensions: cfg.Dimensions,
	}, nil
}

// Name 返回模型名称
func (c *TongyiClient) Name() string {
	return c.model
}

// Embed 生成单条文本的向量表示
func (c *TongyiClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, NewEmbeddingError(ErrCodeEmptyInput, ErrMsgEmptyInput)
	}
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch 批量生成向量
// v3模型每批最多10条，v1/v2最多25条，超出时由BatchProcessor负责切分
func (c *TongyiClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	if len(texts) > c.maxBatch() {
		return nil, NewEmbeddingError(ErrCodeInvalidRequest,
			fmt.Sprintf("%s supports at most %d texts per batch", c.model, c.maxBatch()))
	}

	req := dashScopeRequest{
		Model: c.model,
		Input: dashScopeInput{Texts: texts},
	}
	if c.isV3Model() {
		req.Parameters = &dashScopeParameters{OutputType: "dense"}
		if c.dimensions != 0 && c.dimensions != 1024 {
			if !isValidDimension(c.dimensions) {
				return nil, NewEmbeddingError(ErrCodeInvalidRequest, fmt.Sprintf("invalid dimension: %d", c.dimensions))
			}
			req.Parameters.Dimension = c.dimensions
		}
	}

	var resp dashScopeResponse
	if err := c.http.postJSON(ctx, c.endpoint, req, &resp); err != nil {
		return nil, err
	}
	if resp.StatusCode != 0 && resp.StatusCode != http.StatusOK {
		return nil, NewEmbeddingError(ErrCodeServerError,
			fmt.Sprintf("API error: %s (%s)", resp.Message, resp.Code))
	}

	result := make([][]float32, len(texts))
	for _, emb := range resp.Output.Embeddings {
		if emb.TextIndex >= 0 && emb.TextIndex < len(texts) {
			result[emb.TextIndex] = emb.Embedding
		}
	}
	for i, v := range result {
		if len(v) == 0 {
			return nil, NewEmbeddingError(ErrCodeServerError, fmt.Sprintf("no embedding returned for text %d", i))
		}
	}
	return result, nil
}

func (c *TongyiClient) maxBatch() int {
	if c.isV3Model() {
		return 10
	}
	return 25
}

func (c *TongyiClient) isV3Model() bool {
	return c.model == "text-embedding-v3"
}

// isValidDimension v3模型支持的维度
func isValidDimension(dim int) bool {
	switch dim {
	case 1024, 768, 512, 256, 128, 64:
		return true
	}
	return false
}

func init() {
	RegisterClient("tongyi", NewTongyiClient)
}
