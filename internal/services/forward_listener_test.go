package services

import (
	"testing"

	"github.com/tokengate/tokengate/internal/models"
)

const sampleResponseBody = `{
	"id": "msg_123456",
	"model": "claude-3-opus",
	"stop_reason": "end_turn",
	"usage": {"input_tokens": 100, "output_tokens": 75}
}`

func newTestListener() (*ForwardListener, *recordingQueue) {
	queue := &recordingQueue{}
	collector := NewUsageCollectorService(queue, nil, 100)
	return NewForwardListener(collector), queue
}

func TestOnResponseComplete_CollectsUsage(t *testing.T) {
	listener, queue := newTestListener()

	keyID := uint(42)
	ok := listener.OnResponseComplete(&CompletedExchange{
		Path:         "/v1/messages",
		StatusCode:   200,
		ResponseBody: []byte(sampleResponseBody),
		AccessKeyID:  &keyID,
		Feature:      "chat",
	})
	if !ok {
		t.Fatal("expected usage to be collected")
	}
	if queue.count() != 1 {
		t.Fatalf("queued tasks = %d, expected 1", queue.count())
	}

	task := queue.tasks[0]
	if task.Usage != (models.UsageData{InputTokens: 100, OutputTokens: 75}) {
		t.Errorf("usage = %+v, expected 100/75", task.Usage)
	}
	if task.Metadata.RequestID != "msg_123456" {
		t.Errorf("RequestID = %q, expected msg_123456", task.Metadata.RequestID)
	}
	if task.Metadata.Model != "claude-3-opus" {
		t.Errorf("Model = %q, expected claude-3-opus", task.Metadata.Model)
	}
	if task.Metadata.StopReason != "end_turn" {
		t.Errorf("StopReason = %q, expected end_turn", task.Metadata.StopReason)
	}
	if task.Metadata.Endpoint != "/v1/messages" {
		t.Errorf("Endpoint = %q, expected /v1/messages", task.Metadata.Endpoint)
	}
	if task.Metadata.Feature != "chat" {
		t.Errorf("Feature = %q, expected chat", task.Metadata.Feature)
	}
	if task.AccessKeyID == nil || *task.AccessKeyID != keyID {
		t.Errorf("AccessKeyID = %v, expected %d", task.AccessKeyID, keyID)
	}
}

func TestOnResponseComplete_IgnoresFailures(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		status int
		body   string
	}{
		{"server error", "/v1/messages", 500, sampleResponseBody},
		{"client error", "/v1/messages", 429, sampleResponseBody},
		{"redirect", "/v1/messages", 301, sampleResponseBody},
		{"non-provider path", "/health", 200, sampleResponseBody},
		{"admin path", "/api/admin/usage/overview", 200, sampleResponseBody},
		{"no usage in body", "/v1/messages", 200, `{"id": "msg_1", "content": "hi"}`},
		{"empty body", "/v1/messages", 200, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			listener, queue := newTestListener()
			ok := listener.OnResponseComplete(&CompletedExchange{
				Path:         tt.path,
				StatusCode:   tt.status,
				ResponseBody: []byte(tt.body),
			})
			if ok {
				t.Error("exchange should have been ignored")
			}
			if queue.count() != 0 {
				t.Errorf("queued tasks = %d, expected 0", queue.count())
			}
		})
	}
}

func TestOnResponseComplete_StreamBody(t *testing.T) {
	listener, queue := newTestListener()

	body := "event: message_start\n" +
		`data: {"message":{"id":"msg_s1","model":"claude-3-haiku","usage":{"input_tokens":20,"output_tokens":1}}}` + "\n\n" +
		`data: {"usage":{"input_tokens":20,"output_tokens":9}}` + "\n\n"

	ok := listener.OnResponseComplete(&CompletedExchange{
		Path:         "/v1/chat/completions",
		StatusCode:   200,
		ResponseBody: []byte(body),
	})
	if !ok {
		t.Fatal("expected stream usage to be collected")
	}
	task := queue.tasks[0]
	if task.Usage.OutputTokens != 9 {
		t.Errorf("OutputTokens = %d, expected 9 (last record wins)", task.Usage.OutputTokens)
	}
	if task.Metadata.Model != "claude-3-haiku" {
		t.Errorf("Model = %q, expected claude-3-haiku", task.Metadata.Model)
	}
}

func TestIsProviderAPIPath(t *testing.T) {
	tests := []struct {
		path     string
		expected bool
	}{
		{"/v1/messages", true},
		{"/v1/messages/batches", true},
		{"/v1/chat/completions", true},
		{"/v1/completions", true},
		{"/v1/models", false},
		{"/health", false},
		{"/v1/messagesx", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsProviderAPIPath(tt.path); got != tt.expected {
			t.Errorf("IsProviderAPIPath(%q) = %v, expected %v", tt.path, got, tt.expected)
		}
	}
}
