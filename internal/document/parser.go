package document

import (
	"errors"
	"io"
	"path/filepath"
	"strings"

	"github.com/fyerfyer/qa-dataset-builder/internal/graph"
)

// ErrUnsupportedType 不支持的文档类型
var ErrUnsupportedType = errors.New("unsupported document type")

// ErrEmptyDocument 文档中没有可用的文本
var ErrEmptyDocument = errors.New("document has no text content")

// Parser 文档解析器接口
// 负责将不同格式的文档解析为结构图
type Parser interface {
	// Parse 解析文件，文件路径同时作为文档键
	Parse(filePath string) (*graph.Graph, error)

	// ParseReader 从Reader解析文档
	// documentKey用于生成稳定的节点ID，同时提供默认标题
	ParseReader(r io.Reader, documentKey string) (*graph.Graph, error)
}

// ContentType 表示文档的内容类型
type ContentType string

const (
	// PDF 文档类型
	PDF ContentType = "pdf"
	// Markdown 文档类型
	Markdown ContentType = "markdown"
	// PlainText 纯文本类型
	PlainText ContentType = "plaintext"
	// Unknown 未知类型
	Unknown ContentType = "unknown"
)

// ParserFactory 解析器工厂函数，根据文件类型创建对应的解析器
func ParserFactory(filePath string) (Parser, error) {
	return ParserFor(DetectContentType(filePath))
}

// ParserFor 根据内容类型创建解析器
func ParserFor(contentType ContentType) (Parser, error) {
	switch contentType {
	case PDF:
		return NewPDFParser(), nil
	case Markdown:
		return NewMarkdownParser(), nil
	case PlainText:
		return NewPlainTextParser(), nil
	default:
		return nil, ErrUnsupportedType
	}
}

// DetectContentType 根据文件扩展名检测内容类型
func DetectContentType(filePath string) ContentType {
	ext := strings.ToLower(filepath.Ext(filePath))

	switch ext {
	case ".pdf":
		return PDF
	case ".md", ".markdown":
		return Markdown
	case ".txt":
		return PlainText
	default:
		return Unknown
	}
}

// Supported 判断文件是否能被解析
func Supported(filePath string) bool {
	return DetectContentType(filePath) != Unknown
}

// titleFromKey 用文件名（不含扩展名）作为默认标题
func titleFromKey(documentKey string) string {
	base := filepath.Base(filepath.ToSlash(documentKey))
	return strings.TrimSuffix(base, filepath.Ext(base))
}
