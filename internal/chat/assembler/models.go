package assembler

import "strings"

// DefaultContextLimit is the conservative fallback for models we have
// no entry for.
const DefaultContextLimit = 28000

// ResponseReserve is subtracted from the model limit to leave room for
// the model's own response.
const ResponseReserve = 4000

// contextLimits maps model-name substrings to total context windows.
// Checked in order; more specific prefixes come first.
var contextLimits = []struct {
	substr string
	limit  int
}{
	{"gpt-4o", 128000},
	{"gpt-4-turbo", 128000},
	{"gpt-4-32k", 32768},
	{"gpt-4", 8192},
	{"gpt-3.5-turbo-16k", 16385},
	{"gpt-3.5", 16385},
	{"o1", 128000},
	{"claude-3", 200000},
	{"claude", 100000},
	{"gemini-1.5", 1000000},
	{"gemini", 32000},
	{"llama-3", 8192},
	{"llama", 4096},
	{"mistral", 32000},
	{"mixtral", 32000},
	{"qwen", 32768},
	{"deepseek", 64000},
}

// ContextLimit resolves a model's total context window by substring
// match, falling back to DefaultContextLimit for unknown models.
func ContextLimit(modelID string) int {
	id := strings.ToLower(modelID)
	for _, entry := range contextLimits {
		if strings.Contains(id, entry.substr) {
			return entry.limit
		}
	}
	return DefaultContextLimit
}
