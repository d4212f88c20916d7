package document

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/fyerfyer/qa-dataset-builder/internal/graph"
)

var pageNumberPattern = regexp.MustCompile(`page_(\d+)`)

// PDFParser PDF文档解析器
// 每页的文本按空行和句子切分成段落，全部挂在根节点下
type PDFParser struct {
	splitter *TextSplitter
}

// NewPDFParser 创建一个新的PDF解析器
func NewPDFParser() Parser {
	return &PDFParser{splitter: NewTextSplitter(DefaultSplitterConfig())}
}

// Parse 解析PDF文件
func (p *PDFParser) Parse(filePath string) (*graph.Graph, error) {
	text, err := extractPDFText(filePath)
	if err != nil {
		return nil, err
	}
	return buildFlatGraph(filePath, titleFromKey(filePath), p.splitter.Split(text))
}

// ParseReader 从Reader解析PDF
// pdfcpu按文件工作，内容先落到临时文件
func (p *PDFParser) ParseReader(r io.Reader, documentKey string) (*graph.Graph, error) {
	tmpFile, err := os.CreateTemp("", "qa-pdf-*.pdf")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmpFile.Name())

	if _, err := io.Copy(tmpFile, r); err != nil {
		tmpFile.Close()
		return nil, fmt.Errorf("failed to buffer pdf content: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return nil, fmt.Errorf("failed to buffer pdf content: %w", err)
	}

	text, err := extractPDFText(tmpFile.Name())
	if err != nil {
		return nil, err
	}
	return buildFlatGraph(documentKey, titleFromKey(documentKey), p.splitter.Split(text))
}

// extractPDFText 提取全部页面的文本，页之间以空行分隔
func extractPDFText(filePath string) (string, error) {
	tmpDir, err := os.MkdirTemp("", "pdfcpu_extract_")
	if err != nil {
		return "", fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	conf := model.NewDefaultConfiguration()
	if err := api.ExtractContentFile(filePath, tmpDir, nil, conf); err != nil {
		return "", fmt.Errorf("failed to extract text from PDF: %w", err)
	}

	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		return "", fmt.Errorf("failed to read extracted text dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".txt") {
			names = append(names, e.Name())
		}
	}
	// 按页码排序，page_10要排在page_2之后
	sort.Slice(names, func(i, j int) bool {
		return pageNumber(names[i]) < pageNumber(names[j])
	})

	var pages []string
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(tmpDir, name))
		if err != nil {
			continue
		}
		if text := strings.TrimSpace(contentStreamText(string(data))); text != "" {
			pages = append(pages, text)
		}
	}

	if len(pages) == 0 {
		return "", ErrEmptyDocument
	}
	return strings.Join(pages, "\n\n"), nil
}

func pageNumber(name string) int {
	m := pageNumberPattern.FindStringSubmatch(name)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

// contentStreamText 从页面内容流中取出文本操作符的字符串
// 文本定位操作符视为换行
func contentStreamText(stream string) string {
	var (
		lines []string
		line  strings.Builder
	)
	newline := func() {
		if s := strings.TrimSpace(line.String()); s != "" {
			lines = append(lines, s)
		}
		line.Reset()
	}

	for i := 0; i < len(stream); {
		c := stream[i]
		switch {
		case c == '(':
			s, next := readLiteral(stream, i)
			line.WriteString(s)
			i = next
		case c == '<' && i+1 < len(stream) && stream[i+1] != '<':
			end := strings.IndexByte(stream[i:], '>')
			if end < 0 {
				i = len(stream)
				continue
			}
			if b, err := hex.DecodeString(strings.Join(strings.Fields(stream[i+1:i+end]), "")); err == nil {
				line.Write(b)
			}
			i += end + 1
		case c == '%':
			end := strings.IndexByte(stream[i:], '\n')
			if end < 0 {
				i = len(stream)
				continue
			}
			i += end
		case isOperatorByte(c):
			start := i
			for i < len(stream) && isOperatorByte(stream[i]) {
				i++
			}
			switch stream[start:i] {
			case "Td", "TD", "T*", "Tm", "ET", "'", "\"":
				newline()
			}
		default:
			i++
		}
	}
	newline()
	return strings.Join(lines, "\n")
}

func isOperatorByte(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '*' || c == '\'' || c == '"'
}

// readLiteral 读取从start处开始的括号字符串，返回内容和结束后的位置
func readLiteral(stream string, start int) (string, int) {
	var out strings.Builder
	depth := 0
	i := start
	for i < len(stream) {
		c := stream[i]
		switch c {
		case '\\':
			if i+1 >= len(stream) {
				return out.String(), len(stream)
			}
			next := stream[i+1]
			switch next {
			case 'n', 'r':
				out.WriteByte(' ')
			case 't':
				out.WriteByte('\t')
			case 'b', 'f':
			case '0', '1', '2', '3', '4', '5', '6', '7':
				j := i + 1
				for j < len(stream) && j < i+4 && stream[j] >= '0' && stream[j] <= '7' {
					j++
				}
				if v, err := strconv.ParseUint(stream[i+1:j], 8, 8); err == nil {
					out.WriteByte(byte(v))
				}
				i = j
				continue
			case '\n':
			default:
				out.WriteByte(next)
			}
			i += 2
			continue
		case '(':
			depth++
			if depth > 1 {
				out.WriteByte(c)
			}
		case ')':
			depth--
			if depth == 0 {
				return out.String(), i + 1
			}
			out.WriteByte(c)
		default:
			out.WriteByte(c)
		}
		i++
	}
	return out.String(), i
}
