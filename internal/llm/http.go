package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// httpDoer 各HTTP实现共用的请求逻辑
type httpDoer struct {
	client     *http.Client
	maxRetries int
	headers    map[string]string
}

// postJSON 发送JSON请求并解析响应
// 网络错误和5xx按指数退避重试，4xx立即返回
func (d *httpDoer) postJSON(ctx context.Context, endpoint string, reqBody, respObj interface{}) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return NewLLMError(ErrCodeInvalidRequest, fmt.Sprintf("failed to marshal request: %v", err))
	}

	var (
		status int
		body   []byte
	)
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return NewLLMError(ErrCodeTimeout, ctx.Err().Error())
			case <-time.After(time.Duration(1<<attempt) * 100 * time.Millisecond):
			}
		}

		status, body, err = d.send(ctx, endpoint, payload)
		if err == nil && status < http.StatusInternalServerError {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return NewLLMError(ErrCodeTimeout, err.Error())
		}
		return NewLLMError(ErrCodeNetworkError, fmt.Sprintf("request failed: %v", err))
	}

	if status != http.StatusOK {
		return statusError(status, body)
	}

	if err := json.Unmarshal(body, respObj); err != nil {
		return NewLLMError(ErrCodeServerError, fmt.Sprintf("failed to parse response: %v", err))
	}
	return nil
}

func (d *httpDoer) send(ctx context.Context, endpoint string, payload []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range d.headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

// statusError 把HTTP状态码映射为LLMError
func statusError(status int, body []byte) error {
	msg := errorMessage(body)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewLLMError(ErrCodeInvalidAPIKey, ErrMsgInvalidAPIKey)
	case status == http.StatusTooManyRequests:
		return NewLLMError(ErrCodeRateLimited, ErrMsgRateLimited)
	case status == http.StatusServiceUnavailable:
		return NewLLMError(ErrCodeModelOverload, ErrMsgModelOverload)
	case status == http.StatusBadRequest && strings.Contains(strings.ToLower(msg), "context length"):
		return NewLLMError(ErrCodeContextTooLong, ErrMsgContextTooLong)
	case status >= 400 && status < 500:
		return NewLLMError(ErrCodeInvalidRequest, fmt.Sprintf("API error (status %d): %s", status, msg))
	default:
		return NewLLMError(ErrCodeServerError, fmt.Sprintf("API error (status %d): %s", status, msg))
	}
}

// errorMessage 尽量从错误响应中取出可读的信息
func errorMessage(body []byte) string {
	var errResp struct {
		Error   string `json:"error"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil {
		if errResp.Error != "" {
			return errResp.Error
		}
		if errResp.Message != "" {
			if errResp.Code != "" {
				return fmt.Sprintf("%s (%s)", errResp.Message, errResp.Code)
			}
			return errResp.Message
		}
	}
	return string(body)
}
