package document

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode"

	"github.com/gomarkdown/markdown/ast"
	"github.com/gomarkdown/markdown/parser"
	"gopkg.in/yaml.v3"

	"github.com/fyerfyer/qa-dataset-builder/internal/graph"
)

// MarkdownParser Markdown文档解析器
// 标题形成章节层级，其余块级元素挂在最近的标题下
type MarkdownParser struct{}

// NewMarkdownParser 创建新的Markdown解析器
func NewMarkdownParser() Parser {
	return &MarkdownParser{}
}

// frontMatter 文档头部的YAML元数据
type frontMatter struct {
	Title string   `yaml:"title"`
	Tags  []string `yaml:"tags"`
}

// Parse 解析Markdown文件
func (p *MarkdownParser) Parse(filePath string) (*graph.Graph, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open markdown file: %w", err)
	}
	defer file.Close()

	return p.ParseReader(file, filePath)
}

// ParseReader 从Reader解析Markdown内容
func (p *MarkdownParser) ParseReader(r io.Reader, documentKey string) (*graph.Graph, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read markdown content: %w", err)
	}

	meta, body := splitFrontMatter(content)
	title := meta.Title
	if title == "" {
		title = titleFromKey(documentKey)
	}

	b := graph.NewBuilder(documentKey, title)
	if len(meta.Tags) > 0 {
		b.SetTags(b.RootID(), meta.Tags)
	}

	// parser实例不能复用，每个文档新建一个
	mdParser := parser.NewWithExtensions(parser.CommonExtensions)
	doc := mdParser.Parse(body)

	type openHeading struct {
		level int
		id    string
	}
	var stack []openHeading
	anchors := make(map[string]string) // 标题锚点 -> 节点ID
	var refs []anchorRef
	parent := func() string {
		if len(stack) == 0 {
			return b.RootID()
		}
		return stack[len(stack)-1].id
	}

	for _, block := range doc.GetChildren() {
		switch n := block.(type) {
		case *ast.Heading:
			for len(stack) > 0 && stack[len(stack)-1].level >= n.Level {
				stack = stack[:len(stack)-1]
			}
			kind := graph.KindSubsection
			if len(stack) == 0 {
				kind = graph.KindSection
			}
			text := strings.ReplaceAll(textOf(n), "\n", " ")
			id := b.Add(parent(), kind, text, graph.Metadata{Title: text})
			stack = append(stack, openHeading{level: n.Level, id: id})
			anchor := strings.ToLower(n.HeadingID)
			if anchor == "" {
				anchor = slugify(text)
			}
			if _, dup := anchors[anchor]; !dup && anchor != "" {
				anchors[anchor] = id
			}

		case *ast.Paragraph:
			if text := strings.ReplaceAll(textOf(n), "\n", " "); text != "" {
				id := b.Add(parent(), graph.KindParagraph, text, graph.Metadata{})
				refs = append(refs, anchorRefs(id, n)...)
			}

		case *ast.List:
			if lines := listLines(n, 0); len(lines) > 0 {
				id := b.Add(parent(), graph.KindList, strings.Join(lines, "\n"), graph.Metadata{})
				refs = append(refs, anchorRefs(id, n)...)
			}

		case *ast.CodeBlock:
			code := strings.TrimRight(string(n.Literal), "\n")
			if strings.TrimSpace(code) == "" {
				continue
			}
			id := b.Add(parent(), graph.KindCodeBlock, code, graph.Metadata{})
			if fields := strings.Fields(string(n.Info)); len(fields) > 0 {
				b.SetTags(id, []string{strings.ToLower(fields[0])})
			}

		case *ast.Table:
			if rows := tableRows(n); len(rows) > 0 {
				b.Add(parent(), graph.KindTable, strings.Join(rows, "\n"), graph.Metadata{})
			}

		case *ast.HorizontalRule, *ast.HTMLBlock:
			continue

		default:
			// 引用块、数学公式、脚注等按段落处理
			if text := textOf(n); text != "" {
				b.Add(parent(), graph.KindParagraph, text, graph.Metadata{})
			}
		}
	}

	// 文内锚点链接 [..](#configure) 成为指向对应标题的Related边
	linked := make(map[anchorRef]bool)
	for _, ref := range refs {
		target, ok := anchors[ref.anchor]
		if !ok {
			continue
		}
		key := anchorRef{from: ref.from, anchor: target}
		if linked[key] {
			continue
		}
		linked[key] = true
		b.Link(ref.from, target, graph.EdgeRelated)
	}

	return b.Graph()
}

type anchorRef struct {
	from   string
	anchor string
}

// anchorRefs 收集块内指向本文档标题的链接
func anchorRefs(from string, block ast.Node) []anchorRef {
	var refs []anchorRef
	ast.WalkFunc(block, func(n ast.Node, entering bool) ast.WalkStatus {
		if link, ok := n.(*ast.Link); ok && entering {
			dest := string(link.Destination)
			if strings.HasPrefix(dest, "#") && len(dest) > 1 {
				refs = append(refs, anchorRef{from: from, anchor: strings.ToLower(dest[1:])})
			}
		}
		return ast.GoToNext
	})
	return refs
}

// slugify 按常见的标题锚点规则生成slug：小写，空白变为"-"，去掉标点
func slugify(title string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(title)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_':
			sb.WriteRune(r)
		case unicode.IsSpace(r):
			sb.WriteByte('-')
		}
	}
	return sb.String()
}

// splitFrontMatter 拆出开头"---"包围的YAML头
// YAML格式错误时整段内容按正文处理
func splitFrontMatter(content []byte) (frontMatter, []byte) {
	var meta frontMatter
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return meta, normalized
	}

	rest := normalized[len("---\n"):]
	lines := bytes.SplitAfter(rest, []byte("\n"))
	offset := 0
	for _, line := range lines {
		trimmed := bytes.TrimSpace(line)
		if bytes.Equal(trimmed, []byte("---")) || bytes.Equal(trimmed, []byte("...")) {
			if err := yaml.Unmarshal(rest[:offset], &meta); err != nil {
				return frontMatter{}, normalized
			}
			return meta, rest[offset+len(line):]
		}
		offset += len(line)
	}
	return meta, normalized
}

// textOf 提取节点内的纯文本，块之间以换行分隔
func textOf(node ast.Node) string {
	var sb strings.Builder
	ast.WalkFunc(node, func(n ast.Node, entering bool) ast.WalkStatus {
		switch v := n.(type) {
		case *ast.Text:
			if entering {
				sb.Write(v.Literal)
			}
		case *ast.Code:
			if entering {
				sb.Write(v.Literal)
			}
		case *ast.Math:
			if entering {
				sb.Write(v.Literal)
			}
		case *ast.CodeBlock:
			if entering {
				sb.Write(v.Literal)
				sb.WriteByte('\n')
			}
		case *ast.Softbreak, *ast.Hardbreak:
			if entering {
				sb.WriteByte(' ')
			}
		case *ast.HTMLSpan:
			return ast.SkipChildren
		case *ast.Paragraph, *ast.Heading, *ast.ListItem, *ast.TableCell:
			if !entering {
				sb.WriteByte('\n')
			}
		}
		return ast.GoToNext
	})
	return normalizeLines(sb.String())
}

// listLines 把列表渲染成带缩进的条目行
func listLines(list *ast.List, depth int) []string {
	var lines []string
	indent := strings.Repeat("  ", depth)
	ordered := list.ListFlags&ast.ListTypeOrdered != 0
	start := list.Start
	if start == 0 {
		start = 1
	}

	for i, child := range list.GetChildren() {
		item, ok := child.(*ast.ListItem)
		if !ok {
			continue
		}
		marker := "- "
		if ordered {
			marker = strconv.Itoa(start+i) + ". "
		}

		var (
			parts  []string
			nested []string
		)
		for _, c := range item.GetChildren() {
			if sub, ok := c.(*ast.List); ok {
				nested = append(nested, listLines(sub, depth+1)...)
				continue
			}
			if text := textOf(c); text != "" {
				parts = append(parts, strings.ReplaceAll(text, "\n", " "))
			}
		}
		if len(parts) > 0 {
			lines = append(lines, indent+marker+strings.Join(parts, " "))
		}
		lines = append(lines, nested...)
	}
	return lines
}

// tableRows 每行单元格用" | "连接
func tableRows(table *ast.Table) []string {
	var rows []string
	ast.WalkFunc(table, func(n ast.Node, entering bool) ast.WalkStatus {
		row, ok := n.(*ast.TableRow)
		if !ok || !entering {
			return ast.GoToNext
		}
		var cells []string
		for _, c := range row.GetChildren() {
			cells = append(cells, strings.ReplaceAll(textOf(c), "\n", " "))
		}
		if strings.TrimSpace(strings.Join(cells, "")) != "" {
			rows = append(rows, strings.Join(cells, " | "))
		}
		return ast.SkipChildren
	})
	return rows
}

// normalizeLines 去掉每行首尾空白并丢弃空行
func normalizeLines(text string) string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}
