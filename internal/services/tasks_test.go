package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fyerfyer/qa-dataset-builder/internal/database"
	"github.com/fyerfyer/qa-dataset-builder/internal/models"
	"github.com/fyerfyer/qa-dataset-builder/internal/output"
	"github.com/fyerfyer/qa-dataset-builder/internal/repository"
	"github.com/fyerfyer/qa-dataset-builder/internal/source"
	"github.com/fyerfyer/qa-dataset-builder/pkg/storage"
	"github.com/fyerfyer/qa-dataset-builder/pkg/taskqueue"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupQueue(t *testing.T) *taskqueue.RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	q, err := taskqueue.NewRedisQueue(&taskqueue.Config{
		RedisAddr:   mr.Addr(),
		Concurrency: 1,
		RetryLimit:  0,
		RetryDelay:  time.Second,
	}, taskqueue.WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func setupRuns(t *testing.T) repository.RunRepository {
	t.Helper()
	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := database.Open(&database.Config{Type: "sqlite", DSN: dsn, MaxOpenConns: 1}, quietLogger())
	require.NoError(t, err)
	return repository.NewRunRepositoryWithDB(db)
}

func TestDistributedRun(t *testing.T) {
	inDir, outDir := t.TempDir(), t.TempDir()
	guide := writeFile(t, inDir, "guide.md", guideMarkdown)

	objects, err := storage.NewLocalStorage(storage.LocalConfig{Path: t.TempDir()})
	require.NoError(t, err)
	_, err = objects.Put(context.Background(), "incoming/notes.txt",
		strings.NewReader("Release notes for the spring version.\n\nBug fixes only."), -1)
	require.NoError(t, err)

	q := setupQueue(t)
	runs := setupRuns(t)
	srv := newTestService(t, &countingGenerator{}, outDir, WithRunRepository(runs))

	items := []source.Item{source.LocalItem(guide), source.StorageItem(objects, "incoming/notes.txt")}
	runID, taskIDs, err := srv.EnqueueDocuments(context.Background(), q, items)
	require.NoError(t, err)
	require.Len(t, taskIDs, 2)

	queued, err := q.GetTask(context.Background(), taskIDs[0])
	require.NoError(t, err)
	var payload taskqueue.DocumentPayload
	require.NoError(t, json.Unmarshal(queued.Payload, &payload))
	assert.Equal(t, output.DestinationFor(outDir, guide), payload.Destination)

	run, err := runs.GetByID(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, run.Status)
	assert.Equal(t, 2, run.Documents)

	worker := taskqueue.NewRedisWorker(q, nil)
	worker.RegisterHandler(taskqueue.TaskGenerateDocument, NewDocumentTaskHandler(srv, objects, runs, quietLogger()))

	for _, id := range taskIDs {
		err := worker.Handle(context.Background(), asynq.NewTask(string(taskqueue.TaskGenerateDocument), []byte(id)))
		require.NoError(t, err)
	}

	progress, err := q.Progress(context.Background(), runID)
	require.NoError(t, err)
	assert.True(t, progress.Done())
	assert.Equal(t, 2, progress.Completed)

	task, err := q.GetTask(context.Background(), taskIDs[0])
	require.NoError(t, err)
	var result taskqueue.DocumentResult
	require.NoError(t, json.Unmarshal(task.Result, &result))
	assert.Equal(t, "completed", result.Status)
	assert.Greater(t, result.Records, 0)

	run, err = runs.GetByID(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, 2, run.Completed)
	assert.NotNil(t, run.FinishedAt)
	require.Len(t, run.Results, 2)
}

func TestDocumentTaskHandler_FailedDocument(t *testing.T) {
	q := setupQueue(t)
	runs := setupRuns(t)
	srv := newTestService(t, &countingGenerator{}, t.TempDir(), WithRunRepository(runs))

	items := []source.Item{source.LocalItem("/does/not/exist.md")}
	runID, taskIDs, err := srv.EnqueueDocuments(context.Background(), q, items)
	require.NoError(t, err)

	worker := taskqueue.NewRedisWorker(q, nil)
	worker.RegisterHandler(taskqueue.TaskGenerateDocument, NewDocumentTaskHandler(srv, nil, runs, quietLogger()))

	err = worker.Handle(context.Background(), asynq.NewTask(string(taskqueue.TaskGenerateDocument), []byte(taskIDs[0])))
	require.Error(t, err)

	// RetryLimit为0，第一次失败就是最后一次
	task, err := q.GetTask(context.Background(), taskIDs[0])
	require.NoError(t, err)
	assert.Equal(t, taskqueue.StatusFailed, task.Status)

	run, err := runs.GetByID(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, 1, run.Failed)
}

func TestDocumentTaskHandler_InvalidPayload(t *testing.T) {
	srv := newTestService(t, &countingGenerator{}, t.TempDir())
	h := NewDocumentTaskHandler(srv, nil, nil, quietLogger())

	cases := []taskqueue.DocumentPayload{
		{},
		{Key: "a.md", Kind: "ftp"},
		{Key: "a.md", Kind: "storage"},
	}
	for _, p := range cases {
		raw, err := json.Marshal(p)
		require.NoError(t, err)
		_, err = h.ProcessTask(context.Background(), &taskqueue.Task{Payload: raw})
		assert.ErrorIs(t, err, taskqueue.ErrInvalidPayload, "%+v", p)
	}

	_, err := h.ProcessTask(context.Background(), &taskqueue.Task{Payload: json.RawMessage("{bad")})
	assert.ErrorIs(t, err, taskqueue.ErrInvalidPayload)
}

func TestEnqueueDocuments_NoInput(t *testing.T) {
	srv := newTestService(t, &countingGenerator{}, t.TempDir())
	_, _, err := srv.EnqueueDocuments(context.Background(), setupQueue(t), nil)
	assert.ErrorIs(t, err, source.ErrNoInput)
}
