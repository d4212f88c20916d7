// Package allocator 计算一段文本应生成的问题数量，以及在拆分时如何把目标重新分配给子片段
package allocator

import (
	"math"
	"sort"
	"strings"
)

const (
	// WordsPerQuestion 每多少个单词对应一个基础问题
	WordsPerQuestion = 10
	// ExtraRatio 额外问题相对基础问题的比例
	ExtraRatio = 0.25
	// MinExtra 额外问题的下限
	MinExtra = 2
	// MinimumRatio 可接受的最低产出占目标的比例
	MinimumRatio = 0.8
)

// Target 一段文本的问题数量目标
type Target struct {
	Words   int `json:"words"`
	Base    int `json:"base"`
	Extra   int `json:"extra"`
	Target  int `json:"target"`
	Minimum int `json:"minimum"`
}

// Compute 根据单词数计算目标
// 0个单词也会得到 target=2, minimum=1，空段落仍会被尝试一次
func Compute(words int) Target {
	if words < 0 {
		words = 0
	}
	base := (words + WordsPerQuestion - 1) / WordsPerQuestion
	extra := int(math.Ceil(float64(base) * ExtraRatio))
	if extra < MinExtra {
		extra = MinExtra
	}
	target := base + extra
	return Target{
		Words:   words,
		Base:    base,
		Extra:   extra,
		Target:  target,
		Minimum: MinimumFor(target),
	}
}

// MinimumFor 返回给定目标对应的最低产出
func MinimumFor(target int) int {
	if target <= 0 {
		return 0
	}
	// 整数运算避免 target*0.8 的浮点误差
	return target * 4 / 5
}

// Redistribute 把父片段的目标按单词数比例分配给子片段
// 每个子片段分到 round(target*w_i/W)，舍入产生的差额全部加到单词数最多的子片段上；
// 单词数为0的子片段分到0。所有子片段单词数都为0时平均分配
func Redistribute(target int, words []int) []int {
	n := len(words)
	out := make([]int, n)
	if n == 0 || target <= 0 {
		return out
	}

	total := 0
	for _, w := range words {
		if w > 0 {
			total += w
		}
	}

	if total == 0 {
		each, rem := target/n, target%n
		for i := range out {
			out[i] = each
			if i < rem {
				out[i]++
			}
		}
		return out
	}

	sum := 0
	for i, w := range words {
		if w <= 0 {
			continue
		}
		out[i] = int(math.Round(float64(target) * float64(w) / float64(total)))
		sum += out[i]
	}

	// 差额从单词数最多的子片段开始吸收，不允许出现负数
	diff := target - sum
	for _, i := range byWordsDesc(words) {
		if diff == 0 || words[i] <= 0 {
			break
		}
		next := out[i] + diff
		if next < 0 {
			diff = next
			out[i] = 0
			continue
		}
		out[i] = next
		diff = 0
	}
	return out
}

// byWordsDesc 按单词数降序返回下标，单词数相同时下标小的在前
func byWordsDesc(words []int) []int {
	idx := make([]int, len(words))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return words[idx[a]] > words[idx[b]]
	})
	return idx
}

// WordCount 按空白分隔统计单词数
func WordCount(text string) int {
	return len(strings.Fields(text))
}
