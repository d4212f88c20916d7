package coverage

import (
	"errors"
	"fmt"
)

// GeneratorErrorKind 生成失败的类型
type GeneratorErrorKind string

const (
	// Transient 网络、超时、限流等临时失败
	Transient GeneratorErrorKind = "transient"
	// Malformed 模型返回了无法解析的内容
	Malformed GeneratorErrorKind = "malformed"
)

// GeneratorError 生成器调用失败
// 引擎把两种类型同等对待：产出记为0并触发拆分
type GeneratorError struct {
	Kind GeneratorErrorKind
	Err  error
}

// Error 实现error接口
func (e *GeneratorError) Error() string {
	return fmt.Sprintf("generator %s error: %v", e.Kind, e.Err)
}

// Unwrap 返回底层错误
func (e *GeneratorError) Unwrap() error {
	return e.Err
}

// NewTransientError 包装临时失败
func NewTransientError(err error) *GeneratorError {
	return &GeneratorError{Kind: Transient, Err: err}
}

// NewMalformedError 包装格式错误
func NewMalformedError(err error) *GeneratorError {
	return &GeneratorError{Kind: Malformed, Err: err}
}

// IsMalformed 判断错误是否为格式错误
func IsMalformed(err error) bool {
	var ge *GeneratorError
	return errors.As(err, &ge) && ge.Kind == Malformed
}

var (
	// ErrNoGenerator 引擎没有配置生成器
	ErrNoGenerator = errors.New("coverage: generator is required")
	// ErrSpanNotFound 片段节点不在图中
	ErrSpanNotFound = errors.New("coverage: span node not found")
)
