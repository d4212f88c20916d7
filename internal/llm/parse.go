package llm

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"unicode"

	"github.com/fyerfyer/qa-dataset-builder/internal/coverage"
)

var (
	codeFenceRe     = regexp.MustCompile("(?s)^```(?:json)?\\s*(.*?)\\s*```$")
	trailingCommaRe = regexp.MustCompile(`,(\s*[\]}])`)

	errNoPairs = errors.New("no question/answer pairs found")
)

// questionWrapper 模型约定的输出格式 {"questions":[...]}
type questionWrapper struct {
	Questions *[]coverage.QAPair `json:"questions"`
}

// ParseQAPairs 从模型输出中解析问答对
// 依次尝试包装对象、裸数组、单个对象，最后退回到 Question:/Answer: 行格式
func ParseQAPairs(raw string) ([]coverage.QAPair, error) {
	cleaned := sanitizeJSON(raw)

	if pairs, ok := decodePairs(cleaned); ok {
		return filterPairs(pairs), nil
	}
	// 模型有时在JSON前后附带说明文字
	if inner := extractJSON(cleaned); inner != "" && inner != cleaned {
		if pairs, ok := decodePairs(inner); ok {
			return filterPairs(pairs), nil
		}
	}

	if pairs := parseLabeledLines(raw); len(pairs) > 0 {
		return pairs, nil
	}

	return nil, &ParseError{Raw: raw, Err: errNoPairs}
}

func decodePairs(s string) ([]coverage.QAPair, bool) {
	var wrapper questionWrapper
	if err := json.Unmarshal([]byte(s), &wrapper); err == nil && wrapper.Questions != nil {
		return *wrapper.Questions, true
	}

	var list []coverage.QAPair
	if err := json.Unmarshal([]byte(s), &list); err == nil {
		return list, true
	}

	var single coverage.QAPair
	if err := json.Unmarshal([]byte(s), &single); err == nil && single.Question != "" {
		return []coverage.QAPair{single}, true
	}
	return nil, false
}

// sanitizeJSON 去掉代码块标记和多余逗号，删除控制字符
func sanitizeJSON(s string) string {
	s = strings.TrimSpace(s)
	if m := codeFenceRe.FindStringSubmatch(s); len(m) > 1 {
		s = m[1]
	}
	s = trailingCommaRe.ReplaceAllString(s, "$1")
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			return ' '
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, s)
}

// extractJSON 截取第一个 { 或 [ 到最后一个 } 或 ] 之间的内容
func extractJSON(s string) string {
	start := strings.IndexAny(s, "{[")
	end := strings.LastIndexAny(s, "}]")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

// parseLabeledLines 解析 Question:/Answer: 行对，答案可以跨多行
func parseLabeledLines(raw string) []coverage.QAPair {
	var (
		pairs    []coverage.QAPair
		question string
		answer   []string
		inAnswer bool
	)
	flush := func() {
		if question != "" && len(answer) > 0 {
			pairs = append(pairs, coverage.QAPair{
				Question: question,
				Answer:   strings.TrimSpace(strings.Join(answer, " ")),
			})
		}
		question, answer, inAnswer = "", nil, false
	}

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case hasLabel(line, "Question:"):
			flush()
			question = strings.TrimSpace(line[len("Question:"):])
		case hasLabel(line, "Answer:") && question != "":
			answer = []string{strings.TrimSpace(line[len("Answer:"):])}
			inAnswer = true
		case inAnswer && line != "":
			answer = append(answer, line)
		}
	}
	flush()

	return filterPairs(pairs)
}

func hasLabel(line, label string) bool {
	return len(line) >= len(label) && strings.EqualFold(line[:len(label)], label)
}

// filterPairs 丢弃问题或答案为空的记录
func filterPairs(pairs []coverage.QAPair) []coverage.QAPair {
	out := make([]coverage.QAPair, 0, len(pairs))
	for _, p := range pairs {
		p.Question = strings.TrimSpace(p.Question)
		p.Answer = strings.TrimSpace(p.Answer)
		if p.Question == "" || p.Answer == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
