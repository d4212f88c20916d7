package graph

// NodeKind 文档节点类型
type NodeKind string

const (
	// KindDocument 文档根节点，每个图中唯一
	KindDocument NodeKind = "document"
	// KindSection 一级章节（标题）
	KindSection NodeKind = "section"
	// KindSubsection 子章节（更深层级的标题）
	KindSubsection NodeKind = "subsection"
	// KindParagraph 段落
	KindParagraph NodeKind = "paragraph"
	// KindList 列表
	KindList NodeKind = "list"
	// KindCodeBlock 代码块
	KindCodeBlock NodeKind = "code_block"
	// KindTable 表格
	KindTable NodeKind = "table"
)

// IsHeading 判断节点是否为标题类节点（章节或子章节）
func (k NodeKind) IsHeading() bool {
	return k == KindSection || k == KindSubsection
}

// IsBlock 判断节点是否为块级内容节点
// 段落拆分只会落到这些节点上
func (k NodeKind) IsBlock() bool {
	switch k {
	case KindParagraph, KindList, KindCodeBlock, KindTable:
		return true
	default:
		return false
	}
}

// Metadata 节点元数据
type Metadata struct {
	Title    string   `json:"title,omitempty"` // 标题（可选）
	Level    int      `json:"level"`           // 嵌套层级，根节点为0
	Position int      `json:"position"`        // 在兄弟节点中的序号
	Tags     []string `json:"tags,omitempty"`  // 自由标签
}

// Node 文档结构单元
// Content只包含节点自身拥有的文本，不包含子孙节点的文本
type Node struct {
	ID        string    `json:"id"`
	Kind      NodeKind  `json:"kind"`
	Content   string    `json:"content"`
	Metadata  Metadata  `json:"metadata"`
	Embedding []float32 `json:"embedding,omitempty"` // 只有向量上下文引擎处理后才存在
}

// HasEmbedding 节点是否已有向量
func (n *Node) HasEmbedding() bool {
	return len(n.Embedding) > 0
}

// Label 返回用于上下文展示的节点名称
func (n *Node) Label() string {
	if n.Metadata.Title != "" {
		return n.Metadata.Title
	}
	return string(n.Kind)
}
