package document

import (
	"strings"
)

// SplitterConfig 分段器配置
type SplitterConfig struct {
	MaxWords int // 单个段落的最大单词数，0表示不限制
}

// DefaultSplitterConfig 返回默认分段器配置
func DefaultSplitterConfig() SplitterConfig {
	return SplitterConfig{
		MaxWords: 200,
	}
}

// TextSplitter 把无结构的文本切分成段落
// 段落之间不重叠，切分结果的单词总数与原文一致
type TextSplitter struct {
	config SplitterConfig
}

// NewTextSplitter 创建新的文本分段器
func NewTextSplitter(config SplitterConfig) *TextSplitter {
	return &TextSplitter{
		config: config,
	}
}

// Split 按空行分段，过长的段落再按句子合并成不超过MaxWords的块
func (s *TextSplitter) Split(text string) []string {
	var result []string
	for _, p := range splitByParagraph(text) {
		if s.config.MaxWords > 0 && len(strings.Fields(p)) > s.config.MaxWords {
			result = append(result, s.packSentences(splitBySentence(p))...)
			continue
		}
		result = append(result, p)
	}
	return result
}

// splitByParagraph 按空行分割文本
func splitByParagraph(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")

	var (
		result  []string
		current []string
	)
	flush := func() {
		if len(current) > 0 {
			result = append(result, strings.Join(current, "\n"))
			current = current[:0]
		}
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			flush()
			continue
		}
		current = append(current, line)
	}
	flush()
	return result
}

// splitBySentence 按句子分割文本
func splitBySentence(text string) []string {
	var sentences []string
	var current strings.Builder

	for _, char := range text {
		current.WriteRune(char)

		switch char {
		case '.', '!', '?', '；', '。', '！', '？':
			if s := strings.TrimSpace(current.String()); s != "" {
				sentences = append(sentences, s)
			}
			current.Reset()
		}
	}

	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// packSentences 合并相邻句子，使每块不超过MaxWords
// 单个超长句子按单词硬切
func (s *TextSplitter) packSentences(sentences []string) []string {
	var (
		result []string
		words  []string
	)
	flush := func() {
		if len(words) > 0 {
			result = append(result, strings.Join(words, " "))
			words = nil
		}
	}
	for _, sentence := range sentences {
		fields := strings.Fields(sentence)
		if len(words)+len(fields) > s.config.MaxWords {
			flush()
		}
		for len(fields) > s.config.MaxWords {
			result = append(result, strings.Join(fields[:s.config.MaxWords], " "))
			fields = fields[s.config.MaxWords:]
		}
		words = append(words, fields...)
	}
	flush()
	return result
}
