package allocator

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompute(t *testing.T) {
	tests := []struct {
		words int
		want  Target
	}{
		{0, Target{Words: 0, Base: 0, Extra: 2, Target: 2, Minimum: 1}},
		{1, Target{Words: 1, Base: 1, Extra: 2, Target: 3, Minimum: 2}},
		{20, Target{Words: 20, Base: 2, Extra: 2, Target: 4, Minimum: 3}},
		{100, Target{Words: 100, Base: 10, Extra: 3, Target: 13, Minimum: 10}},
		{130, Target{Words: 130, Base: 13, Extra: 4, Target: 17, Minimum: 13}},
		{1000, Target{Words: 1000, Base: 100, Extra: 25, Target: 125, Minimum: 100}},
		{-5, Target{Words: 0, Base: 0, Extra: 2, Target: 2, Minimum: 1}},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Compute(tt.words), "words=%d", tt.words)
	}
}

// TestComputeLaws 对一段连续的单词数验证目标公式的基本性质
func TestComputeLaws(t *testing.T) {
	for w := 0; w <= 5000; w++ {
		got := Compute(w)
		assert.Equal(t, int(math.Ceil(float64(w)/10)), got.Base)
		assert.GreaterOrEqual(t, got.Extra, 2)
		assert.Equal(t, got.Base+got.Extra, got.Target)
		assert.Equal(t, int(math.Floor(float64(got.Target)*0.8+1e-9)), got.Minimum)
		assert.GreaterOrEqual(t, got.Target, got.Minimum)
		assert.GreaterOrEqual(t, got.Minimum, 0)
	}
}

func TestRedistribute(t *testing.T) {
	tests := []struct {
		name   string
		target int
		words  []int
		want   []int
	}{
		{"three paragraphs", 17, []int{45, 50, 35}, []int{6, 6, 5}},
		{"exact split", 10, []int{50, 50}, []int{5, 5}},
		{"zero word child skipped", 10, []int{30, 0, 70}, []int{3, 0, 7}},
		{"remainder to largest", 10, []int{1, 1, 1}, []int{4, 3, 3}},
		{"all zero split evenly", 7, []int{0, 0, 0}, []int{3, 2, 2}},
		{"single child", 13, []int{100}, []int{13}},
		{"no children", 5, nil, []int{}},
		{"zero target", 0, []int{10, 20}, []int{0, 0}},
		{"surplus taken from first largest", 1, []int{10, 10}, []int{0, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Redistribute(tt.target, tt.words))
		})
	}
}

// TestRedistributeLaws 随机输入下验证分配和与父目标的偏差不超过子片段数，且没有负数
func TestRedistributeLaws(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 2000; i++ {
		n := 1 + rng.Intn(8)
		words := make([]int, n)
		total := 0
		for j := range words {
			if rng.Intn(5) > 0 {
				words[j] = rng.Intn(400)
			}
			total += words[j]
		}
		target := rng.Intn(120)

		got := Redistribute(target, words)
		assert.Len(t, got, n)

		sum := 0
		for j, v := range got {
			assert.GreaterOrEqual(t, v, 0)
			if total > 0 && words[j] == 0 {
				assert.Zero(t, v, "zero-word child must not receive a target")
			}
			sum += v
		}
		assert.LessOrEqual(t, abs(sum-target), n, "words=%v target=%d got=%v", words, target, got)
	}
}

func TestWordCount(t *testing.T) {
	assert.Equal(t, 0, WordCount(""))
	assert.Equal(t, 0, WordCount("  \n\t "))
	assert.Equal(t, 4, WordCount("one two\nthree\t four"))
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
