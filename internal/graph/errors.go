package graph

import (
	"errors"
	"fmt"
)

var (
	// ErrNodeNotFound 节点不存在
	ErrNodeNotFound = errors.New("node not found")
	// ErrNoRoot 图中没有根节点
	ErrNoRoot = errors.New("graph has no document root")
)

// IntegrityKind 图完整性错误的类别
type IntegrityKind string

const (
	// DuplicateID 重复的节点ID
	DuplicateID IntegrityKind = "duplicate_id"
	// DanglingReference 边的端点不存在
	DanglingReference IntegrityKind = "dangling_reference"
	// MultipleParents 非根节点出现第二条包含边
	MultipleParents IntegrityKind = "multiple_parents"
	// ContainsCycle 包含边形成环
	ContainsCycle IntegrityKind = "contains_cycle"
	// Unreachable 节点无法从根节点经包含边到达
	Unreachable IntegrityKind = "unreachable"
	// OrderMismatch 先后边与位置序号不一致
	OrderMismatch IntegrityKind = "order_mismatch"
	// DuplicateRoot 出现第二个文档根节点
	DuplicateRoot IntegrityKind = "duplicate_root"
)

// IntegrityError 图完整性错误
// 对所属文档是致命错误，只会中止该文档的处理
type IntegrityError struct {
	Kind IntegrityKind
	ID   string // 相关节点ID
	Edge *Edge  // 相关的边（如果有）
}

// Error 实现error接口
func (e *IntegrityError) Error() string {
	if e.Edge != nil {
		return fmt.Sprintf("graph integrity error (%s): edge %s -[%s]-> %s", e.Kind, e.Edge.From, e.Edge.Kind, e.Edge.To)
	}
	return fmt.Sprintf("graph integrity error (%s): node %s", e.Kind, e.ID)
}

// IsIntegrityError 判断错误链中是否包含图完整性错误
func IsIntegrityError(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}
