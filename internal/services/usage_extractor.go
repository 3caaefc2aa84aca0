package services

import (
	"bufio"
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tokengate/tokengate/internal/models"
)

// providerUsage mirrors the provider's usage object. Unknown fields are
// ignored; missing fields stay zero.
type providerUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
}

func (p *providerUsage) toUsageData() models.UsageData {
	return models.UsageData{
		InputTokens:              p.InputTokens,
		CacheCreationInputTokens: p.CacheCreationInputTokens,
		CacheReadInputTokens:     p.CacheReadInputTokens,
		OutputTokens:             p.OutputTokens,
	}
}

// usageEnvelope covers the shapes a usage object shows up in: at the top
// level of a JSON body or SSE record, or nested in a message_start event.
type usageEnvelope struct {
	Usage   *providerUsage `json:"usage"`
	Message *struct {
		Usage *providerUsage `json:"usage"`
	} `json:"message"`
}

func (e *usageEnvelope) usage() *providerUsage {
	if e.Usage != nil {
		return e.Usage
	}
	if e.Message != nil && e.Message.Usage != nil {
		return e.Message.Usage
	}
	return nil
}

var (
	modelFieldRe     = regexp.MustCompile(`"model"\s*:\s*"([^"]+)"`)
	messageIDFieldRe = regexp.MustCompile(`"id"\s*:\s*"(msg_[^"]+)"`)
)

// ExtractUsageData pulls the token counters out of a raw provider response
// body. It understands both plain JSON bodies and SSE streams. It never
// fails: malformed input yields nil, as does a body with no usage object.
// A nil result and an all-zero result both mean "nothing to record".
func ExtractUsageData(body []byte) *models.UsageData {
	if len(body) == 0 {
		return nil
	}

	if isEventStream(body) {
		return extractFromStream(body)
	}

	var env usageEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil
	}
	pu := env.usage()
	if pu == nil {
		return nil
	}
	u := pu.toUsageData()
	return &u
}

// isEventStream reports whether the body looks like an SSE stream rather
// than a standalone JSON document.
func isEventStream(body []byte) bool {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if bytes.HasPrefix(trimmed, []byte("event:")) || bytes.HasPrefix(trimmed, []byte("data:")) {
		return true
	}
	return bytes.Contains(body, []byte("\ndata:"))
}

// extractFromStream scans SSE records for usage objects. Providers emit
// cumulative usage over the stream, so the last non-empty usage object wins.
// A record that fails to decode is skipped, not fatal.
func extractFromStream(body []byte) *models.UsageData {
	var last *models.UsageData

	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}

		var env usageEnvelope
		if err := json.Unmarshal([]byte(payload), &env); err != nil {
			continue
		}
		pu := env.usage()
		if pu == nil {
			continue
		}
		u := pu.toUsageData()
		if u.IsEmpty() {
			continue
		}
		last = &u
	}

	return last
}

// ExtractModelName pulls the model name out of a response body, best
// effort. Works on standalone JSON via the top-level field and falls back
// to a pattern match for streams and fragments.
func ExtractModelName(body []byte) string {
	var doc struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &doc); err == nil && doc.Model != "" {
		return doc.Model
	}

	if m := modelFieldRe.FindSubmatch(body); m != nil {
		return string(m[1])
	}
	return ""
}

// ExtractMessageID pulls the provider message id (msg_...) out of a
// response body, best effort.
func ExtractMessageID(body []byte) string {
	var doc struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &doc); err == nil && strings.HasPrefix(doc.ID, "msg_") {
		return doc.ID
	}

	if m := messageIDFieldRe.FindSubmatch(body); m != nil {
		return string(m[1])
	}
	return ""
}
