package services

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/tokengate/tokengate/pkg/logger"
)

// Provider API paths whose responses carry usage data.
var providerAPIPaths = []string{
	"/v1/messages",
	"/v1/chat/completions",
	"/v1/completions",
}

// CompletedExchange describes one forwarded provider call after the
// response has been fully written.
type CompletedExchange struct {
	Path         string     `json:"path"`
	StatusCode   int        `json:"status_code"`
	ResponseBody []byte     `json:"response_body"`
	AccessKeyID  *uint      `json:"access_key_id,omitempty"`
	UserID       *uint      `json:"user_id,omitempty"`
	Feature      string     `json:"feature,omitempty"`
	OccurTime    *time.Time `json:"occur_time,omitempty"`
}

// ForwardListener watches completed exchanges and feeds usage into the
// collector. Telemetry failures never escape: the surrounding response
// flow must not be affected by anything that happens here.
type ForwardListener struct {
	collector *UsageCollectorService
}

func NewForwardListener(collector *UsageCollectorService) *ForwardListener {
	return &ForwardListener{collector: collector}
}

// IsProviderAPIPath reports whether the path belongs to the provider API
// surface the pipeline tracks.
func IsProviderAPIPath(path string) bool {
	for _, p := range providerAPIPaths {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

// OnResponseComplete filters and collects. Only a successful (2xx) call on
// a provider API path reaches the collector; everything else is ignored.
// Returns whether a usage event was submitted, for observability only.
func (l *ForwardListener) OnResponseComplete(ex *CompletedExchange) bool {
	if ex.StatusCode < 200 || ex.StatusCode >= 300 {
		return false
	}
	if !IsProviderAPIPath(ex.Path) {
		return false
	}

	usage := ExtractUsageData(ex.ResponseBody)
	if usage == nil || usage.IsEmpty() {
		return false
	}

	meta := UsageMetadata{
		RequestID:  ExtractMessageID(ex.ResponseBody),
		Model:      ExtractModelName(ex.ResponseBody),
		StopReason: extractStopReason(ex.ResponseBody),
		Endpoint:   ex.Path,
		Feature:    ex.Feature,
		OccurTime:  ex.OccurTime,
	}

	ok := l.collector.CollectUsage(*usage, ex.AccessKeyID, ex.UserID, meta)
	if !ok {
		// Submission failure affects telemetry completeness only.
		logger.Warnf("[ForwardListener] usage submission failed for %s", ex.Path)
	}
	return ok
}

// extractStopReason reads the top-level stop_reason field, best effort.
func extractStopReason(body []byte) string {
	var doc struct {
		StopReason string `json:"stop_reason"`
	}
	if err := json.Unmarshal(body, &doc); err == nil {
		return doc.StopReason
	}
	return ""
}
