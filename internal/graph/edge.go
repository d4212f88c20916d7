package graph

// EdgeKind 边的关系类型
type EdgeKind string

const (
	// EdgeContains 包含关系，构成文档树
	EdgeContains EdgeKind = "contains"
	// EdgeReferences 引用关系
	EdgeReferences EdgeKind = "references"
	// EdgePrecedes 兄弟节点之间的先后顺序
	EdgePrecedes EdgeKind = "precedes"
	// EdgeRelated 语义相关
	EdgeRelated EdgeKind = "related"
	// EdgeImplements 实现关系
	EdgeImplements EdgeKind = "implements"
	// EdgeExplains 解释关系
	EdgeExplains EdgeKind = "explains"
)

// Edge 两个节点之间的有向关系
type Edge struct {
	From   string   `json:"from"`
	To     string   `json:"to"`
	Kind   EdgeKind `json:"kind"`
	Weight *float32 `json:"weight,omitempty"` // 可选权重
}

// NewEdge 创建无权重的边
func NewEdge(from, to string, kind EdgeKind) Edge {
	return Edge{From: from, To: to, Kind: kind}
}

// NewWeightedEdge 创建带权重的边
func NewWeightedEdge(from, to string, kind EdgeKind, weight float32) Edge {
	return Edge{From: from, To: to, Kind: kind, Weight: &weight}
}

type adjacencyKey struct {
	from string
	kind EdgeKind
}
