package document

import (
	"fmt"
	"io"
	"os"

	"github.com/fyerfyer/qa-dataset-builder/internal/graph"
)

// PlainTextParser 纯文本解析器
// 纯文本没有标题结构，所有段落直接挂在根节点下
type PlainTextParser struct {
	splitter *TextSplitter
}

// NewPlainTextParser 创建一个新的纯文本解析器
func NewPlainTextParser() Parser {
	return &PlainTextParser{splitter: NewTextSplitter(DefaultSplitterConfig())}
}

// Parse 解析纯文本文件
func (p *PlainTextParser) Parse(filePath string) (*graph.Graph, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open text file: %w", err)
	}
	defer file.Close()

	return p.ParseReader(file, filePath)
}

// ParseReader 从Reader解析纯文本
func (p *PlainTextParser) ParseReader(r io.Reader, documentKey string) (*graph.Graph, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read text content: %w", err)
	}
	return buildFlatGraph(documentKey, titleFromKey(documentKey), p.splitter.Split(string(content)))
}

// buildFlatGraph 把段落依次挂到根节点下，空文本得到只有根节点的图
func buildFlatGraph(documentKey, title string, paragraphs []string) (*graph.Graph, error) {
	b := graph.NewBuilder(documentKey, title)
	for _, para := range paragraphs {
		b.Add(b.RootID(), graph.KindParagraph, para, graph.Metadata{})
	}
	return b.Graph()
}
