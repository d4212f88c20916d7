package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyerfyer/qa-dataset-builder/internal/document"
	"github.com/fyerfyer/qa-dataset-builder/internal/models"
	"github.com/fyerfyer/qa-dataset-builder/internal/repository"
	"github.com/fyerfyer/qa-dataset-builder/internal/source"
	"github.com/fyerfyer/qa-dataset-builder/pkg/storage"
	"github.com/fyerfyer/qa-dataset-builder/pkg/taskqueue"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DocumentTaskHandler 在worker中处理qa:document任务
// 每个任务对应一个文档，结果写入运行记录；失败且还会重试时不写入
type DocumentTaskHandler struct {
	service *GenerationService
	objects storage.Storage
	runs    repository.RunRepository
	logger  *logrus.Logger
}

var _ taskqueue.Handler = (*DocumentTaskHandler)(nil)

// NewDocumentTaskHandler 创建任务处理器
// objects用于读取storage类型的文档，runs为空时不汇总运行记录
func NewDocumentTaskHandler(service *GenerationService, objects storage.Storage, runs repository.RunRepository, logger *logrus.Logger) *DocumentTaskHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &DocumentTaskHandler{
		service: service,
		objects: objects,
		runs:    runs,
		logger:  logger,
	}
}

// GetTaskTypes 实现taskqueue.Handler接口
func (h *DocumentTaskHandler) GetTaskTypes() []taskqueue.TaskType {
	return []taskqueue.TaskType{taskqueue.TaskGenerateDocument}
}

// ProcessTask 实现taskqueue.Handler接口
func (h *DocumentTaskHandler) ProcessTask(ctx context.Context, task *taskqueue.Task) (interface{}, error) {
	var payload taskqueue.DocumentPayload
	if err := taskqueue.UnmarshalPayload(task.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", taskqueue.ErrInvalidPayload, err)
	}
	item, err := h.itemFor(payload)
	if err != nil {
		return nil, err
	}

	res := h.service.ProcessDocument(ctx, "", item, payload.Destination)
	result := &taskqueue.DocumentResult{
		Destination:       res.Destination,
		Status:            string(res.Status),
		Spans:             res.Spans,
		SpansSkipped:      res.SpansSkipped,
		Records:           res.Records,
		GeneratorCalls:    res.GeneratorCalls,
		GeneratorFailures: res.GeneratorFailures,
		Error:             res.Error,
	}

	// 已完成的片段记录在账本中，重试只会补齐缺失的部分
	if res.Status == models.DocStatusFailed && !task.LastAttempt() {
		return result, errors.New(res.Error)
	}

	if task.RunID != "" {
		h.service.RecordDocument(ctx, task.RunID, res)
		if h.runs != nil {
			run, err := h.runs.Refresh(context.WithoutCancel(ctx), task.RunID)
			if err != nil {
				h.logger.WithError(err).WithField("run_id", task.RunID).Warn("Failed to refresh run summary")
			} else if run.Status == models.RunStatusCompleted {
				h.logger.WithFields(logrus.Fields{
					"run_id":  run.ID,
					"records": run.Records,
					"failed":  run.Failed,
				}).Info("Distributed run finished")
			}
		}
	}

	if res.Status == models.DocStatusFailed {
		return result, errors.New(res.Error)
	}
	return result, nil
}

func (h *DocumentTaskHandler) itemFor(payload taskqueue.DocumentPayload) (source.Item, error) {
	if payload.Key == "" {
		return source.Item{}, fmt.Errorf("%w: empty document key", taskqueue.ErrInvalidPayload)
	}

	var item source.Item
	switch source.Kind(payload.Kind) {
	case source.KindLocal, "":
		item = source.LocalItem(payload.Key)
	case source.KindStorage:
		if h.objects == nil {
			return source.Item{}, fmt.Errorf("%w: object storage not configured for %s", taskqueue.ErrInvalidPayload, payload.Key)
		}
		item = source.StorageItem(h.objects, payload.Key)
	default:
		return source.Item{}, fmt.Errorf("%w: unknown source kind %q", taskqueue.ErrInvalidPayload, payload.Kind)
	}
	if payload.Format != "" {
		item.Format = document.ContentType(payload.Format)
	}
	return item, nil
}

// EnqueueDocuments 为每个文档创建一个qa:document任务，返回运行ID和任务ID
// 运行记录在入队前创建，worker按文档结果逐步汇总
func (s *GenerationService) EnqueueDocuments(ctx context.Context, queue taskqueue.Queue, items []source.Item) (string, []string, error) {
	if len(items) == 0 {
		return "", nil, source.ErrNoInput
	}

	runID := uuid.New().String()
	if err := s.BeginRun(ctx, runID, len(items)); err != nil {
		return "", nil, fmt.Errorf("failed to create run record: %w", err)
	}

	destinations := s.PlanDestinations(items)
	taskIDs := make([]string, 0, len(items))
	for _, item := range items {
		payload := &taskqueue.DocumentPayload{
			Key:         item.Key,
			Kind:        string(item.Kind),
			Format:      string(item.Format),
			Destination: destinations[item.Key],
		}
		taskID, err := queue.Enqueue(ctx, taskqueue.TaskGenerateDocument, runID, payload)
		if err != nil {
			return runID, taskIDs, fmt.Errorf("failed to enqueue %s: %w", item.Key, err)
		}
		taskIDs = append(taskIDs, taskID)
	}

	s.logger.WithFields(logrus.Fields{
		"run_id": runID,
		"tasks":  len(taskIDs),
	}).Info("Documents enqueued")
	return runID, taskIDs, nil
}
