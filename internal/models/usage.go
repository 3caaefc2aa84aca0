package models

// UsageData holds the token counters reported by an LLM provider for a
// single API call. It is a value type: build it once from a parsed response
// and never mutate it afterwards.
type UsageData struct {
	InputTokens              int64 `gorm:"default:0" json:"input_tokens"`
	CacheCreationInputTokens int64 `gorm:"default:0" json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `gorm:"default:0" json:"cache_read_input_tokens"`
	OutputTokens             int64 `gorm:"default:0" json:"output_tokens"`
}

// TotalTokens returns the sum of all four counters.
func (u UsageData) TotalTokens() int64 {
	return u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens + u.OutputTokens
}

// IsEmpty reports whether every counter is zero.
func (u UsageData) IsEmpty() bool {
	return u.InputTokens == 0 &&
		u.CacheCreationInputTokens == 0 &&
		u.CacheReadInputTokens == 0 &&
		u.OutputTokens == 0
}
