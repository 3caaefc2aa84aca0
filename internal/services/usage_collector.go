package services

import (
	"context"

	"github.com/tokengate/tokengate/internal/models"
	"github.com/tokengate/tokengate/pkg/logger"
)

// UsageCollectorService is the ingress for extracted usage values. It wraps
// them into tasks and hands them to the delivery queue; persistence success
// is decoupled from submission success on the async path.
type UsageCollectorService struct {
	queue        TaskQueue
	ingestion    *UsageIngestionService
	maxBatchSize int
}

func NewUsageCollectorService(queue TaskQueue, ingestion *UsageIngestionService, maxBatchSize int) *UsageCollectorService {
	if maxBatchSize <= 0 {
		maxBatchSize = 100
	}
	return &UsageCollectorService{
		queue:        queue,
		ingestion:    ingestion,
		maxBatchSize: maxBatchSize,
	}
}

// CollectUsage submits one usage occurrence to the queue. The return value
// reflects submission, not persistence. Empty usage is dropped.
func (s *UsageCollectorService) CollectUsage(usage models.UsageData, accessKeyID, userID *uint, meta UsageMetadata) bool {
	if usage.IsEmpty() {
		return false
	}

	task := NewUsageTask(usage, accessKeyID, userID, meta)
	if err := s.queue.Enqueue(task); err != nil {
		logger.Errorf("[UsageCollector] failed to enqueue event %s: %v", task.EventID, err)
		return false
	}
	return true
}

// CollectUsageSync bypasses the queue and persists the usage immediately.
// The return value reflects persistence success.
func (s *UsageCollectorService) CollectUsageSync(ctx context.Context, usage models.UsageData, accessKeyID, userID *uint, meta UsageMetadata) bool {
	if usage.IsEmpty() {
		return false
	}

	task := NewUsageTask(usage, accessKeyID, userID, meta)
	if err := s.ingestion.Process(ctx, task); err != nil {
		logger.Errorf("[UsageCollector] sync ingest of event %s failed: %v", task.EventID, err)
		return false
	}
	return true
}

// BatchItem is one entry of a bulk submission.
type BatchItem struct {
	Usage       models.UsageData `json:"usage"`
	AccessKeyID *uint            `json:"access_key_id,omitempty"`
	UserID      *uint            `json:"user_id,omitempty"`
	Metadata    UsageMetadata    `json:"metadata"`
}

// BatchResult reports per-item submission outcomes. Partial failure is
// normal, not an all-or-nothing error.
type BatchResult struct {
	Submitted int               `json:"submitted"`
	Failed    int               `json:"failed"`
	Results   []BatchItemResult `json:"results"`
}

type BatchItemResult struct {
	Index   int    `json:"index"`
	EventID string `json:"event_id,omitempty"`
	OK      bool   `json:"ok"`
	Reason  string `json:"reason,omitempty"`
}

// CollectBatchUsage submits a batch of usage occurrences, reporting
// success or failure per item. Items beyond the configured batch size are
// rejected rather than silently truncated.
func (s *UsageCollectorService) CollectBatchUsage(items []BatchItem) *BatchResult {
	result := &BatchResult{Results: make([]BatchItemResult, 0, len(items))}

	for i, item := range items {
		r := BatchItemResult{Index: i}
		switch {
		case i >= s.maxBatchSize:
			r.Reason = "batch size limit exceeded"
		case item.Usage.IsEmpty():
			r.Reason = "empty usage"
		default:
			task := NewUsageTask(item.Usage, item.AccessKeyID, item.UserID, item.Metadata)
			r.EventID = task.EventID
			if err := s.queue.Enqueue(task); err != nil {
				r.Reason = err.Error()
			} else {
				r.OK = true
			}
		}

		if r.OK {
			result.Submitted++
		} else {
			result.Failed++
		}
		result.Results = append(result.Results, r)
	}

	return result
}
