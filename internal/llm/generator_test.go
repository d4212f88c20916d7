package llm

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fyerfyer/qa-dataset-builder/internal/coverage"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func request(n int) coverage.GenerateRequest {
	return coverage.GenerateRequest{
		NodeID:       "n1",
		Level:        coverage.LevelWhole,
		Content:      "Go is a statically typed language.",
		Breadcrumb:   []string{"Guide", "Basics"},
		MaxQuestions: n,
	}
}

func TestQAGeneratorGenerate(t *testing.T) {
	client := new(MockClient)
	client.On("Generate", mock.Anything, mock.MatchedBy(func(prompt string) bool {
		return strings.Contains(prompt, "Guide > Basics") && strings.Contains(prompt, "statically typed")
	}), mock.Anything).Return(&Response{
		Text: `{"questions":[{"question":"Q1","answer":"A1"},{"question":"Q2","answer":"A2"},{"question":"Q3","answer":"A3"}]}`,
	}, nil)

	gen := NewQAGenerator(client, quietLogger())
	pairs, err := gen.Generate(context.Background(), request(2))
	require.NoError(t, err)
	assert.Len(t, pairs, 2)
	assert.Equal(t, "Q1", pairs[0].Question)
	client.AssertExpectations(t)
}

func TestQAGeneratorSystemPromptCarriesCount(t *testing.T) {
	client := new(MockClient)
	client.On("Generate", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			opts := &GenerateOptions{}
			for _, opt := range args.Get(2).([]GenerateOption) {
				opt(opts)
			}
			assert.True(t, opts.JSON)
			assert.Contains(t, opts.System, "Generate 7 relevant questions")
		}).
		Return(&Response{Text: `[]`}, nil)

	gen := NewQAGenerator(client, quietLogger())
	pairs, err := gen.Generate(context.Background(), request(7))
	require.NoError(t, err)
	assert.Empty(t, pairs)
}

func TestQAGeneratorSampling(t *testing.T) {
	client := new(MockClient)
	client.On("Generate", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			opts := &GenerateOptions{}
			for _, opt := range args.Get(2).([]GenerateOption) {
				opt(opts)
			}
			assert.True(t, opts.JSON)
			require.NotNil(t, opts.Temperature)
			assert.InDelta(t, 0.0, *opts.Temperature, 1e-6)
			require.NotNil(t, opts.MaxTokens)
			assert.Equal(t, 512, *opts.MaxTokens)
			require.NotNil(t, opts.TopK)
			assert.Equal(t, 40, *opts.TopK)
			assert.Nil(t, opts.TopP)
		}).
		Return(&Response{Text: `[]`}, nil)

	gen := NewQAGenerator(client, quietLogger(), WithSampling(512, 0, 0, 40))
	_, err := gen.Generate(context.Background(), request(2))
	require.NoError(t, err)
	client.AssertNumberOfCalls(t, "Generate", 1)
}

func TestQAGeneratorRelatedContextInPrompt(t *testing.T) {
	client := new(MockClient)
	client.On("Generate", mock.Anything, mock.MatchedBy(func(prompt string) bool {
		return strings.Contains(prompt, "[1] Install: run go get")
	}), mock.Anything).Return(&Response{Text: `[]`}, nil)

	req := request(3)
	req.Related = []coverage.RelatedContext{{NodeID: "x", Title: "Install", Snippet: "run go get"}}

	gen := NewQAGenerator(client, quietLogger())
	_, err := gen.Generate(context.Background(), req)
	require.NoError(t, err)
	client.AssertExpectations(t)
}

func TestQAGeneratorErrorKinds(t *testing.T) {
	client := new(MockClient)
	client.On("Generate", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, NewLLMError(ErrCodeNetworkError, ErrMsgNetworkError)).Once()
	client.On("Generate", mock.Anything, mock.Anything, mock.Anything).
		Return(&Response{Text: "sorry, no"}, nil).Once()

	gen := NewQAGenerator(client, quietLogger())

	_, err := gen.Generate(context.Background(), request(3))
	var genErr *coverage.GeneratorError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, coverage.Transient, genErr.Kind)
	assert.Equal(t, ErrCodeNetworkError, ErrorCode(err))

	_, err = gen.Generate(context.Background(), request(3))
	assert.True(t, coverage.IsMalformed(err))
}

func TestQAGeneratorSkipsEmptyRequests(t *testing.T) {
	client := new(MockClient)
	gen := NewQAGenerator(client, quietLogger())

	pairs, err := gen.Generate(context.Background(), request(0))
	assert.NoError(t, err)
	assert.Nil(t, pairs)

	req := request(3)
	req.Content = "  "
	pairs, err = gen.Generate(context.Background(), req)
	assert.NoError(t, err)
	assert.Nil(t, pairs)

	client.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything, mock.Anything)
}

func TestQAGeneratorCircuitBreaker(t *testing.T) {
	client := new(MockClient)
	client.On("Generate", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, NewLLMError(ErrCodeServerError, ErrMsgServerError))

	gen := NewQAGenerator(client, quietLogger(), WithCircuitBreaker(2, time.Minute))

	for i := 0; i < 2; i++ {
		_, err := gen.Generate(context.Background(), request(3))
		assert.Equal(t, ErrCodeServerError, ErrorCode(err))
	}
	assert.Equal(t, gobreaker.StateOpen, gen.State())

	// 熔断后不再调用后端
	_, err := gen.Generate(context.Background(), request(3))
	assert.Equal(t, ErrCodeCircuitOpen, ErrorCode(err))
	var genErr *coverage.GeneratorError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, coverage.Transient, genErr.Kind)
	client.AssertNumberOfCalls(t, "Generate", 2)
}

func TestQAGeneratorRateLimitHonoursContext(t *testing.T) {
	client := new(MockClient)
	client.On("Generate", mock.Anything, mock.Anything, mock.Anything).
		Return(&Response{Text: `[{"question":"Q","answer":"A"}]`}, nil)

	gen := NewQAGenerator(client, quietLogger(), WithRateLimit(0.001, 1))

	_, err := gen.Generate(context.Background(), request(1))
	require.NoError(t, err)

	// 令牌已用完，下一次等待超过截止时间
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = gen.Generate(ctx, request(1))
	var genErr *coverage.GeneratorError
	require.ErrorAs(t, err, &genErr)
	client.AssertNumberOfCalls(t, "Generate", 1)
}

func TestQAGeneratorAsCoverageGenerator(t *testing.T) {
	var _ coverage.Generator = NewQAGenerator(new(MockClient), quietLogger())
}
