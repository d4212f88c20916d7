package graph

import (
	"sort"
	"strings"
)

// Graph 单个文档的结构图
// 包含边构成一棵以Document节点为根的树，其余类型的边叠加在树上
// 构建阶段单线程写入，构建完成后只读（向量标注除外）
type Graph struct {
	nodes     map[string]*Node
	order     []string // 节点插入顺序
	edges     []Edge
	adjacency map[adjacencyKey][]string
	parent    map[string]string
	root      string
}

// New 创建空的文档图
func New() *Graph {
	return &Graph{
		nodes:     make(map[string]*Node),
		adjacency: make(map[adjacencyKey][]string),
		parent:    make(map[string]string),
	}
}

// InsertNode 插入节点
// ID已存在时返回DuplicateID错误
func (g *Graph) InsertNode(node Node) error {
	if _, exists := g.nodes[node.ID]; exists {
		return &IntegrityError{Kind: DuplicateID, ID: node.ID}
	}
	if node.Kind == KindDocument {
		if g.root != "" {
			return &IntegrityError{Kind: DuplicateRoot, ID: node.ID}
		}
		g.root = node.ID
	}

	n := node
	if len(node.Metadata.Tags) > 0 {
		n.Metadata.Tags = append([]string(nil), node.Metadata.Tags...)
	}
	g.nodes[n.ID] = &n
	g.order = append(g.order, n.ID)
	return nil
}

// InsertEdge 插入边
// 任一端点不存在时返回DanglingReference错误
func (g *Graph) InsertEdge(edge Edge) error {
	if _, ok := g.nodes[edge.From]; !ok {
		return &IntegrityError{Kind: DanglingReference, ID: edge.From, Edge: &edge}
	}
	if _, ok := g.nodes[edge.To]; !ok {
		return &IntegrityError{Kind: DanglingReference, ID: edge.To, Edge: &edge}
	}

	key := adjacencyKey{from: edge.From, kind: edge.Kind}
	if edge.Kind == EdgeContains {
		if err := g.checkContains(edge); err != nil {
			return err
		}
		g.parent[edge.To] = edge.From
		g.adjacency[key] = g.insertByPosition(g.adjacency[key], edge.To)
	} else {
		g.adjacency[key] = append(g.adjacency[key], edge.To)
	}

	g.edges = append(g.edges, edge)
	return nil
}

// checkContains 保证包含边维持树结构
func (g *Graph) checkContains(edge Edge) error {
	if edge.To == g.root || edge.From == edge.To {
		return &IntegrityError{Kind: ContainsCycle, ID: edge.To, Edge: &edge}
	}
	if _, has := g.parent[edge.To]; has {
		return &IntegrityError{Kind: MultipleParents, ID: edge.To, Edge: &edge}
	}
	for cur, ok := edge.From, true; ok; cur, ok = g.parent[cur] {
		if cur == edge.To {
			return &IntegrityError{Kind: ContainsCycle, ID: edge.To, Edge: &edge}
		}
	}
	return nil
}

// insertByPosition 按Position有序插入子节点，位置相同则保持插入顺序
func (g *Graph) insertByPosition(children []string, id string) []string {
	pos := g.nodes[id].Metadata.Position
	i := sort.Search(len(children), func(i int) bool {
		return g.nodes[children[i]].Metadata.Position > pos
	})
	children = append(children, "")
	copy(children[i+1:], children[i:])
	children[i] = id
	return children
}

// Node 获取节点副本
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Root 返回根节点ID
func (g *Graph) Root() (string, error) {
	if g.root == "" {
		return "", ErrNoRoot
	}
	return g.root, nil
}

// Len 节点数量
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Edges 返回所有边（按插入顺序）
func (g *Graph) Edges() []Edge {
	out := make([]Edge, len(g.edges))
	copy(out, g.edges)
	return out
}

// ChildrenOf 返回通过指定类型的边与id相连的节点
// 包含边按Position排序，其他类型按插入顺序
func (g *Graph) ChildrenOf(id string, kind EdgeKind) []string {
	children := g.adjacency[adjacencyKey{from: id, kind: kind}]
	out := make([]string, len(children))
	copy(out, children)
	return out
}

// Parent 返回包含该节点的父节点ID
func (g *Graph) Parent(id string) (string, bool) {
	p, ok := g.parent[id]
	return p, ok
}

// PathToRoot 返回从父节点到根节点的祖先ID序列
func (g *Graph) PathToRoot(id string) ([]string, error) {
	if _, ok := g.nodes[id]; !ok {
		return nil, ErrNodeNotFound
	}
	var path []string
	for p, ok := g.parent[id]; ok; p, ok = g.parent[p] {
		path = append(path, p)
	}
	return path, nil
}

// Subgraph 返回只包含给定节点及其之间的边的诱导子图
func (g *Graph) Subgraph(ids []string) *Graph {
	keep := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := g.nodes[id]; ok {
			keep[id] = true
		}
	}

	sub := New()
	for _, id := range g.order {
		if keep[id] {
			// 原图保证ID唯一
			_ = sub.InsertNode(*g.nodes[id])
		}
	}
	for _, e := range g.edges {
		if keep[e.From] && keep[e.To] {
			_ = sub.InsertEdge(e)
		}
	}
	return sub
}

// NodesOfKind 返回指定类型的所有节点ID（按插入顺序）
func (g *Graph) NodesOfKind(kind NodeKind) []string {
	var ids []string
	for _, id := range g.order {
		if g.nodes[id].Kind == kind {
			ids = append(ids, id)
		}
	}
	return ids
}

// RelatedTo 返回通过Related边相连的节点
func (g *Graph) RelatedTo(id string) []string {
	return g.ChildrenOf(id, EdgeRelated)
}

// Descendants 按文档顺序（先序遍历）返回所有子孙节点
func (g *Graph) Descendants(id string) []string {
	var out []string
	var walk func(string)
	walk = func(cur string) {
		for _, child := range g.adjacency[adjacencyKey{from: cur, kind: EdgeContains}] {
			out = append(out, child)
			walk(child)
		}
	}
	walk(id)
	return out
}

// SubtreeText 拼接节点及其子孙的文本
func (g *Graph) SubtreeText(id string) string {
	n, ok := g.nodes[id]
	if !ok {
		return ""
	}
	parts := make([]string, 0, 8)
	if c := strings.TrimSpace(n.Content); c != "" {
		parts = append(parts, c)
	}
	for _, d := range g.Descendants(id) {
		if c := strings.TrimSpace(g.nodes[d].Content); c != "" {
			parts = append(parts, c)
		}
	}
	return strings.Join(parts, "\n\n")
}

// WordCount 统计节点子树的单词数
func (g *Graph) WordCount(id string) int {
	n, ok := g.nodes[id]
	if !ok {
		return 0
	}
	total := len(strings.Fields(n.Content))
	for _, d := range g.Descendants(id) {
		total += len(strings.Fields(g.nodes[d].Content))
	}
	return total
}

// SetEmbedding 为节点设置向量
// 这是构建完成后唯一允许的修改，调用方需保证此时没有并发读取
func (g *Graph) SetEmbedding(id string, vector []float32) error {
	n, ok := g.nodes[id]
	if !ok {
		return ErrNodeNotFound
	}
	n.Embedding = append([]float32(nil), vector...)
	return nil
}

// Validate 检查整张图的不变量
// 所有非根节点必须能经包含边到达根节点，先后边必须与位置顺序一致
func (g *Graph) Validate() error {
	if g.root == "" {
		return ErrNoRoot
	}
	reachable := map[string]bool{g.root: true}
	for _, d := range g.Descendants(g.root) {
		reachable[d] = true
	}
	for _, id := range g.order {
		if !reachable[id] {
			return &IntegrityError{Kind: Unreachable, ID: id}
		}
	}

	for _, e := range g.edges {
		if e.Kind != EdgePrecedes {
			continue
		}
		pf, okF := g.parent[e.From]
		pt, okT := g.parent[e.To]
		if !okF || !okT || pf != pt {
			continue
		}
		if g.nodes[e.From].Metadata.Position >= g.nodes[e.To].Metadata.Position {
			edge := e
			return &IntegrityError{Kind: OrderMismatch, ID: e.To, Edge: &edge}
		}
	}
	return nil
}
