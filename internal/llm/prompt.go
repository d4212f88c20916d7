package llm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fyerfyer/qa-dataset-builder/internal/coverage"
)

// DefaultSystemPrompt 默认系统提示词
// 包含变量：
// {{.Count}} - 需要生成的问答对数量
const DefaultSystemPrompt = `You are a helpful assistant that generates question-answer pairs from the given text. ` +
	`Generate {{.Count}} relevant questions and their corresponding answers based on the content. ` +
	`Each answer must be supported by the content. Make the questions diverse and non-overlapping. ` +
	`The response must be in this exact format (with your own questions and answers):
{"questions":[{"question":"What is X?","answer":"X is..."},{"question":"How does Y work?","answer":"Y works by..."}]}`

// DefaultPromptTemplate 默认用户提示词模板
// 包含变量：
// {{.Breadcrumb}} - 所在章节路径
// {{.Related}} - 语义相关的其他片段
// {{.Content}} - 待出题的正文
const DefaultPromptTemplate = `Section: {{.Breadcrumb}}

{{.Related}}Content:
{{.Content}}`

// formatRelated 格式化相关片段，没有时返回空串
func formatRelated(related []coverage.RelatedContext) string {
	if len(related) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Related context (for reference only, ask about the content):\n")
	for i, r := range related {
		title := r.Title
		if title == "" {
			title = r.NodeID
		}
		b.WriteString(fmt.Sprintf("[%d] %s: %s\n", i+1, title, r.Snippet))
	}
	b.WriteString("\n")
	return b.String()
}

// buildPrompt 根据生成请求构建系统提示词和用户提示词
func buildPrompt(systemTmpl, userTmpl string, req coverage.GenerateRequest) (string, string) {
	system := strings.ReplaceAll(systemTmpl, "{{.Count}}", strconv.Itoa(req.MaxQuestions))

	breadcrumb := strings.Join(req.Breadcrumb, " > ")
	if breadcrumb == "" {
		breadcrumb = "(document)"
	}

	prompt := userTmpl
	prompt = strings.ReplaceAll(prompt, "{{.Breadcrumb}}", breadcrumb)
	prompt = strings.ReplaceAll(prompt, "{{.Related}}", formatRelated(req.Related))
	prompt = strings.ReplaceAll(prompt, "{{.Content}}", req.Content)

	return system, prompt
}
