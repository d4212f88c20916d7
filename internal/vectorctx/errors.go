package vectorctx

import (
	"errors"
	"fmt"
)

// UnavailableError 嵌入服务或向量索引不可用
// 覆盖引擎遇到该错误时不带上下文继续生成
type UnavailableError struct {
	Op  string
	Err error
}

// Error 实现error接口
func (e *UnavailableError) Error() string {
	return fmt.Sprintf("vector context unavailable (%s): %v", e.Op, e.Err)
}

// Unwrap 返回底层错误
func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// IsUnavailable 判断错误是否为索引不可用
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}

func unavailable(op string, err error) error {
	return &UnavailableError{Op: op, Err: err}
}
