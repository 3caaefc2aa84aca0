package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/tokengate/tokengate/internal/config"
	"github.com/tokengate/tokengate/internal/models"
	"github.com/tokengate/tokengate/pkg/logger"
)

const (
	TaskTypeUsageRecord = "usage:record"

	// Attributed traffic gets its own, higher-weight queue.
	QueueUsageAttributed = "usage_attributed"
	QueueUsageDefault    = "usage_default"
)

// Namespace for deterministic usage event ids.
var usageEventNamespace = uuid.MustParse("7a9d4b1e-8c35-4f6a-9e02-5d147c60b3aa")

// UsageMetadata carries the recognized per-call context fields plus an
// Extra bag for anything a forwarder wants to tag along.
type UsageMetadata struct {
	RequestID  string            `json:"request_id,omitempty"`
	Model      string            `json:"model,omitempty"`
	StopReason string            `json:"stop_reason,omitempty"`
	Endpoint   string            `json:"endpoint,omitempty"`
	Feature    string            `json:"feature,omitempty"`
	OccurTime  *time.Time        `json:"occur_time,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// UsageTask is one queued usage occurrence. It is immutable after
// construction; the EventID is derived from the content, so identical
// inputs always produce the identical task.
type UsageTask struct {
	EventID     string           `json:"event_id"`
	Usage       models.UsageData `json:"usage"`
	AccessKeyID *uint            `json:"access_key_id,omitempty"`
	UserID      *uint            `json:"user_id,omitempty"`
	Metadata    UsageMetadata    `json:"metadata"`
}

// NewUsageTask builds a task and stamps its deterministic event id.
func NewUsageTask(usage models.UsageData, accessKeyID, userID *uint, meta UsageMetadata) *UsageTask {
	t := &UsageTask{
		Usage:       usage,
		AccessKeyID: accessKeyID,
		UserID:      userID,
		Metadata:    meta,
	}
	t.EventID = t.computeEventID()
	return t
}

// eventIDEscaper keeps field boundaries in the canonical encoding
// unambiguous: a metadata value containing the separator characters must
// not collide with a different field split.
var eventIDEscaper = strings.NewReplacer(`\`, `\\`, `|`, `\|`, `=`, `\=`)

// computeEventID hashes the canonical field encoding into a UUIDv5. The
// same counters, identity refs and metadata always yield the same id; it is
// the idempotency key, never a random value.
func (t *UsageTask) computeEventID() string {
	esc := eventIDEscaper.Replace

	var b strings.Builder
	fmt.Fprintf(&b, "%d|%d|%d|%d",
		t.Usage.InputTokens, t.Usage.CacheCreationInputTokens,
		t.Usage.CacheReadInputTokens, t.Usage.OutputTokens)
	if t.AccessKeyID != nil {
		fmt.Fprintf(&b, "|ak=%d", *t.AccessKeyID)
	}
	if t.UserID != nil {
		fmt.Fprintf(&b, "|user=%d", *t.UserID)
	}
	fmt.Fprintf(&b, "|rid=%s|model=%s|stop=%s|ep=%s|feat=%s",
		esc(t.Metadata.RequestID), esc(t.Metadata.Model), esc(t.Metadata.StopReason),
		esc(t.Metadata.Endpoint), esc(t.Metadata.Feature))
	if t.Metadata.OccurTime != nil {
		fmt.Fprintf(&b, "|occur=%d", t.Metadata.OccurTime.UnixNano())
	}
	if len(t.Metadata.Extra) > 0 {
		keys := make([]string, 0, len(t.Metadata.Extra))
		for k := range t.Metadata.Extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "|x:%s=%s", esc(k), esc(t.Metadata.Extra[k]))
		}
	}
	return uuid.NewSHA1(usageEventNamespace, []byte(b.String())).String()
}

// Attributed reports whether the task references a caller identity.
func (t *UsageTask) Attributed() bool {
	return t.AccessKeyID != nil || t.UserID != nil
}

// QueueName returns the delivery queue for the task. Attributed traffic is
// favored by the worker's queue weights.
func (t *UsageTask) QueueName() string {
	if t.Attributed() {
		return QueueUsageAttributed
	}
	return QueueUsageDefault
}

// TaskQueue is the delivery channel between the collector and the
// ingestion worker.
type TaskQueue interface {
	// Enqueue submits a task for asynchronous processing
	Enqueue(task *UsageTask) error
	// IsAsync returns true if the queue processes tasks asynchronously
	IsAsync() bool
	// Close gracefully shuts down the queue
	Close() error
}

// Global task queue instance
var (
	globalTaskQueue TaskQueue
	taskQueueOnce   sync.Once
)

// InitTaskQueue initializes the global task queue based on config
func InitTaskQueue(cfg *config.Config) TaskQueue {
	taskQueueOnce.Do(func() {
		if cfg.Redis.Enabled {
			queue, err := NewAsyncQueue(&cfg.Redis)
			if err != nil {
				logger.Warnf("[UsageQueue] Redis unavailable, falling back to sync mode: %v", err)
				globalTaskQueue = NewSyncQueue()
			} else {
				logger.Infof("[UsageQueue] Async queue initialized with Redis at %s", cfg.Redis.Addr)
				globalTaskQueue = queue
			}
		} else {
			logger.Infof("[UsageQueue] Sync queue initialized (Redis disabled)")
			globalTaskQueue = NewSyncQueue()
		}
	})
	return globalTaskQueue
}

// GetTaskQueue returns the global task queue instance
func GetTaskQueue() TaskQueue {
	return globalTaskQueue
}

// AsyncQueue implements TaskQueue using asynq (Redis-based)
type AsyncQueue struct {
	client *asynq.Client
}

// NewAsyncQueue creates a new Redis-based async queue
func NewAsyncQueue(cfg *config.RedisConfig) (*AsyncQueue, error) {
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}

	client := asynq.NewClient(redisOpt)

	// Verify the connection before committing to async mode
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()

	if _, err := inspector.Queues(); err != nil {
		client.Close()
		return nil, err
	}

	return &AsyncQueue{client: client}, nil
}

// Enqueue publishes the usage task to its priority queue.
func (q *AsyncQueue) Enqueue(task *UsageTask) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}

	t := asynq.NewTask(TaskTypeUsageRecord, payload)
	info, err := q.client.Enqueue(t,
		asynq.Queue(task.QueueName()),
		asynq.MaxRetry(5),
	)
	if err != nil {
		return err
	}

	logger.Debug().
		Str("task_id", info.ID).
		Str("queue", info.Queue).
		Str("event_id", task.EventID).
		Msg("usage task enqueued")
	return nil
}

func (q *AsyncQueue) IsAsync() bool {
	return true
}

func (q *AsyncQueue) Close() error {
	return q.client.Close()
}

// SyncQueue implements TaskQueue without Redis: tasks are handed straight
// to the processor in a goroutine so the caller is never blocked.
type SyncQueue struct {
	processor func(context.Context, *UsageTask) error
}

func NewSyncQueue() *SyncQueue {
	return &SyncQueue{}
}

// SetProcessor sets the function to process tasks
func (q *SyncQueue) SetProcessor(processor func(context.Context, *UsageTask) error) {
	q.processor = processor
}

func (q *SyncQueue) Enqueue(task *UsageTask) error {
	if q.processor == nil {
		logger.Warnf("[UsageQueue] no processor set, task %s dropped", task.EventID)
		return nil
	}

	go func() {
		ctx := context.Background()
		if err := q.processor(ctx, task); err != nil {
			logger.Errorf("[UsageQueue] task %s processing failed: %v", task.EventID, err)
		}
	}()

	return nil
}

func (q *SyncQueue) IsAsync() bool {
	return false
}

func (q *SyncQueue) Close() error {
	return nil
}
