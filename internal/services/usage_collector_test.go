package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/tokengate/tokengate/internal/models"
)

// recordingQueue captures enqueued tasks; optionally fails every call.
type recordingQueue struct {
	mu    sync.Mutex
	tasks []*UsageTask
	err   error
}

func (q *recordingQueue) Enqueue(task *UsageTask) error {
	if q.err != nil {
		return q.err
	}
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()
	return nil
}

func (q *recordingQueue) IsAsync() bool { return false }
func (q *recordingQueue) Close() error  { return nil }

func (q *recordingQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func TestCollectUsage_Submits(t *testing.T) {
	queue := &recordingQueue{}
	collector := NewUsageCollectorService(queue, nil, 100)

	keyID := uint(1)
	ok := collector.CollectUsage(models.UsageData{InputTokens: 10}, &keyID, nil, UsageMetadata{Model: "claude-3-opus"})
	if !ok {
		t.Fatal("CollectUsage() = false, expected true")
	}
	if queue.count() != 1 {
		t.Fatalf("queued tasks = %d, expected 1", queue.count())
	}
	if queue.tasks[0].EventID == "" {
		t.Error("queued task has no event id")
	}
}

func TestCollectUsage_DropsEmptyUsage(t *testing.T) {
	queue := &recordingQueue{}
	collector := NewUsageCollectorService(queue, nil, 100)

	if collector.CollectUsage(models.UsageData{}, nil, nil, UsageMetadata{}) {
		t.Error("empty usage should not be submitted")
	}
	if queue.count() != 0 {
		t.Errorf("queued tasks = %d, expected 0", queue.count())
	}
}

func TestCollectUsage_EnqueueFailure(t *testing.T) {
	queue := &recordingQueue{err: errors.New("redis down")}
	collector := NewUsageCollectorService(queue, nil, 100)

	if collector.CollectUsage(models.UsageData{InputTokens: 1}, nil, nil, UsageMetadata{}) {
		t.Error("CollectUsage() should report submission failure")
	}
}

func TestCollectUsageSync_Persists(t *testing.T) {
	db := setupTestDB(t)
	_, key := seedIdentity(t, db)
	ingestion := NewUsageIngestionService(db)
	collector := NewUsageCollectorService(&recordingQueue{}, ingestion, 100)

	ok := collector.CollectUsageSync(context.Background(), models.UsageData{InputTokens: 3}, &key.ID, nil, UsageMetadata{})
	if !ok {
		t.Fatal("CollectUsageSync() = false, expected true")
	}

	var rows int64
	db.Model(&models.AccessKeyUsageLog{}).Count(&rows)
	if rows != 1 {
		t.Errorf("log rows = %d, expected 1", rows)
	}
}

func TestCollectBatchUsage_PartialFailure(t *testing.T) {
	queue := &recordingQueue{}
	collector := NewUsageCollectorService(queue, nil, 100)

	keyID := uint(1)
	items := []BatchItem{
		{Usage: models.UsageData{InputTokens: 10}, AccessKeyID: &keyID},
		{Usage: models.UsageData{}}, // empty, rejected
		{Usage: models.UsageData{OutputTokens: 5}, AccessKeyID: &keyID},
	}

	result := collector.CollectBatchUsage(items)
	if result.Submitted != 2 || result.Failed != 1 {
		t.Errorf("Submitted/Failed = %d/%d, expected 2/1", result.Submitted, result.Failed)
	}
	if len(result.Results) != 3 {
		t.Fatalf("Results len = %d, expected 3", len(result.Results))
	}
	if result.Results[1].OK || result.Results[1].Reason == "" {
		t.Errorf("item 1 should fail with a reason, got %+v", result.Results[1])
	}
	if !result.Results[0].OK || result.Results[0].EventID == "" {
		t.Errorf("item 0 should succeed with an event id, got %+v", result.Results[0])
	}
	if queue.count() != 2 {
		t.Errorf("queued tasks = %d, expected 2", queue.count())
	}
}

func TestCollectBatchUsage_SizeLimit(t *testing.T) {
	queue := &recordingQueue{}
	collector := NewUsageCollectorService(queue, nil, 2)

	items := make([]BatchItem, 4)
	for i := range items {
		items[i] = BatchItem{Usage: models.UsageData{InputTokens: int64(i + 1)}}
	}

	result := collector.CollectBatchUsage(items)
	if result.Submitted != 2 {
		t.Errorf("Submitted = %d, expected 2", result.Submitted)
	}
	if result.Failed != 2 {
		t.Errorf("Failed = %d, expected 2", result.Failed)
	}
	for _, r := range result.Results[2:] {
		if r.OK {
			t.Errorf("item %d beyond the batch limit should be rejected", r.Index)
		}
	}
}
