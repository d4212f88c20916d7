package output

import (
	"errors"
	"fmt"
)

var (
	// ErrLedgerNotFound 目标文件还没有账本
	ErrLedgerNotFound = errors.New("ledger not found")
	// ErrClosed 输出目标已关闭
	ErrClosed = errors.New("destination closed")
)

// PersistenceError 写入或刷新失败
// 对相关输出目标是致命错误；未刷新成功的写入不会计入账本
type PersistenceError struct {
	Destination string
	Op          string
	Err         error
}

// Error 实现error接口
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error (%s %s): %v", e.Op, e.Destination, e.Err)
}

// Unwrap 返回底层错误
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func persistErr(dest, op string, err error) error {
	return &PersistenceError{Destination: dest, Op: op, Err: err}
}
