package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyerfyer/qa-dataset-builder/internal/coverage"
)

func TestRecorderCountsCoverageEvents(t *testing.T) {
	r := NewRecorder(nil)

	r.GeneratorCall(coverage.LevelWhole, false)
	r.GeneratorCall(coverage.LevelWhole, true)
	r.GeneratorCall(coverage.LevelParagraphSplit, false)
	r.Split(coverage.LevelParagraphSplit)
	r.SpanFinished(7, false)
	r.SpanFinished(0, true)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.generatorCalls.WithLabelValues(coverage.LevelWhole.String())))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.generatorErrors.WithLabelValues(coverage.LevelWhole.String())))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.generatorCalls.WithLabelValues(coverage.LevelParagraphSplit.String())))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.splits.WithLabelValues(coverage.LevelParagraphSplit.String())))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.spans.WithLabelValues("covered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.spans.WithLabelValues("skipped")))
	assert.Equal(t, 7.0, testutil.ToFloat64(r.records))
}

func TestRecorderDocuments(t *testing.T) {
	r := NewRecorder(&Config{Namespace: "test"})

	r.DocumentStarted()
	r.DocumentStarted()
	assert.Equal(t, 2.0, testutil.ToFloat64(r.inflight))

	r.DocumentFinished("completed", time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.inflight))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.documents.WithLabelValues("completed")))
}

func TestRecorderHandler(t *testing.T) {
	r := NewRecorder(nil)
	r.SpanFinished(3, false)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "qa_coverage_records_total 3")
}
