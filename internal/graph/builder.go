package graph

import (
	"fmt"

	"github.com/google/uuid"
)

// Builder 按文档顺序构建图的辅助工具
// 节点ID由文档键、结构路径和节点内容确定性生成，同一输入多次构建得到相同的ID，
// 输出账本依赖这一点按片段ID断点续跑
type Builder struct {
	g         *Graph
	ns        uuid.UUID
	paths     map[string]string
	nextPos   map[string]int
	lastChild map[string]string
	err       error
}

// NewBuilder 创建构建器并插入文档根节点
func NewBuilder(documentKey, title string) *Builder {
	b := &Builder{
		g:         New(),
		ns:        uuid.NewSHA1(uuid.NameSpaceURL, []byte(documentKey)),
		paths:     make(map[string]string),
		nextPos:   make(map[string]int),
		lastChild: make(map[string]string),
	}
	root := Node{
		ID:       b.makeID("/", KindDocument, title),
		Kind:     KindDocument,
		Metadata: Metadata{Title: title},
	}
	b.err = b.g.InsertNode(root)
	b.paths[root.ID] = ""
	return b
}

func (b *Builder) makeID(path string, kind NodeKind, content string) string {
	return uuid.NewSHA1(b.ns, []byte(path+"|"+string(kind)+"|"+content)).String()
}

// RootID 返回根节点ID
func (b *Builder) RootID() string {
	id, _ := b.g.Root()
	return id
}

// Add 在parentID下追加一个子节点，返回新节点ID
// 层级和位置由构建器维护，并自动连接包含边和与前一个兄弟之间的先后边
// 出错后后续调用都不再生效，错误由Graph返回
func (b *Builder) Add(parentID string, kind NodeKind, content string, meta Metadata) string {
	if b.err != nil {
		return ""
	}
	parent, ok := b.g.nodes[parentID]
	if !ok {
		b.err = &IntegrityError{Kind: DanglingReference, ID: parentID}
		return ""
	}

	pos := b.nextPos[parentID]
	path := fmt.Sprintf("%s/%d", b.paths[parentID], pos)
	meta.Level = parent.Metadata.Level + 1
	meta.Position = pos

	node := Node{
		ID:       b.makeID(path, kind, content),
		Kind:     kind,
		Content:  content,
		Metadata: meta,
	}
	if err := b.g.InsertNode(node); err != nil {
		b.err = err
		return ""
	}
	if err := b.g.InsertEdge(NewEdge(parentID, node.ID, EdgeContains)); err != nil {
		b.err = err
		return ""
	}
	if prev, ok := b.lastChild[parentID]; ok {
		if err := b.g.InsertEdge(NewEdge(prev, node.ID, EdgePrecedes)); err != nil {
			b.err = err
			return ""
		}
	}

	b.paths[node.ID] = path
	b.nextPos[parentID] = pos + 1
	b.lastChild[parentID] = node.ID
	return node.ID
}

// Link 添加一条非包含关系的边
func (b *Builder) Link(from, to string, kind EdgeKind) {
	if b.err != nil {
		return
	}
	b.err = b.g.InsertEdge(NewEdge(from, to, kind))
}

// SetTags 设置节点标签
func (b *Builder) SetTags(id string, tags []string) {
	if n, ok := b.g.nodes[id]; ok {
		n.Metadata.Tags = append([]string(nil), tags...)
	}
}

// SetTitle 设置节点标题
func (b *Builder) SetTitle(id, title string) {
	if n, ok := b.g.nodes[id]; ok {
		n.Metadata.Title = title
	}
}

// Graph 结束构建，校验并返回图
func (b *Builder) Graph() (*Graph, error) {
	if b.err != nil {
		return nil, b.err
	}
	if err := b.g.Validate(); err != nil {
		return nil, err
	}
	return b.g, nil
}
