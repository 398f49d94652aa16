// Package assembler builds a token-budgeted prompt from system
// instructions, the rolling summary, semantically retrieved older
// messages, and verbatim recent turns.
package assembler

import (
	"context"
	"log/slog"
	"strings"

	"github.com/everchat/everchat/internal/chat/memory"
	"github.com/everchat/everchat/internal/chat/session"
	"github.com/everchat/everchat/internal/chat/tokens"
)

// Source tags which allocation step produced a block.
type Source string

const (
	SourceSystem    Source = "system"
	SourceSummary   Source = "summary"
	SourceRetrieval Source = "retrieval"
	SourceRecent    Source = "recent"
)

// Block is one role-tagged text block of the assembled context.
type Block struct {
	Role    string
	Content string
	Source  Source
}

// Result is the outcome of one assembly.
type Result struct {
	Blocks     []Block
	TokenCount int
	// NeedsSummarization flags that PendingSummarization should be
	// condensed by the caller; this package never calls a model.
	NeedsSummarization   bool
	PendingSummarization []session.Message
	// Fallback reports that the memory-free path was used.
	Fallback bool
}

// Budgets are the fixed per-source allocations, in tokens unless noted.
type Budgets struct {
	SystemPromptCap    int
	SummaryCap         int
	RetrievalBudget    int
	RecentBudget       int
	RecentWindow       int // messages
	SummarizeThreshold int // messages older than the window
	TopK               int
	SnippetChars       int
	ImageTokens        int // flat per-image cost
}

// DefaultBudgets mirrors the fixed allocation scheme.
func DefaultBudgets() Budgets {
	return Budgets{
		SystemPromptCap:    500,
		SummaryCap:         1500,
		RetrievalBudget:    4000,
		RecentBudget:       4000,
		RecentWindow:       6,
		SummarizeThreshold: 10,
		TopK:               5,
		SnippetChars:       300,
		ImageTokens:        2000,
	}
}

// Memory is the slice of the memory service the assembler needs.
type Memory interface {
	Retrieve(ctx context.Context, conversationID, query string, topK int, excludeIDs map[string]bool) []memory.Result
	GetSummary(ctx context.Context, conversationID string) (*session.Summary, error)
}

// Assembler combines the four context sources under a model's budget.
type Assembler struct {
	memory  Memory
	budgets Budgets
	logger  *slog.Logger
}

// New builds an assembler over the given memory service.
func New(mem Memory, budgets Budgets, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{memory: mem, budgets: budgets, logger: logger}
}

// Assemble produces the ordered context blocks for a send against
// modelID. Any storage failure on the full path degrades to the
// memory-free fallback (system prompt + the conversation's cached
// summary + recent turns that fit); assembly itself never fails.
func (a *Assembler) Assemble(ctx context.Context, conv *session.Conversation, systemPrompt, modelID string) Result {
	res, err := a.assembleFull(ctx, conv, systemPrompt, modelID)
	if err == nil {
		return res
	}

	a.logger.Warn("context assembly degraded to memory-free path", "conversation", conv.ID, "error", err)
	return a.assembleFallback(conv.Messages, systemPrompt, conv.Summary, modelID)
}

func (a *Assembler) assembleFull(ctx context.Context, conv *session.Conversation, systemPrompt, modelID string) (Result, error) {
	b := a.budgets
	working := ContextLimit(modelID) - ResponseReserve

	var res Result
	remaining := working

	// 1. System prompt, truncated to its cap, always included when set.
	if systemPrompt != "" {
		if block, cost := systemBlock(systemPrompt, b.SystemPromptCap, remaining); block != "" {
			res.Blocks = append(res.Blocks, Block{Role: session.RoleSystem, Content: block, Source: SourceSystem})
			remaining -= cost
		}
	}

	// 2. Rolling summary, wrapped in delimiters the model can spot.
	sum, err := a.memory.GetSummary(ctx, conv.ID)
	if err != nil {
		return Result{}, err
	}
	if sum != nil && sum.Summary != "" {
		if block, cost := summaryBlock(sum.Summary, b.SummaryCap, remaining); block != "" {
			res.Blocks = append(res.Blocks, Block{Role: session.RoleSystem, Content: block, Source: SourceSummary})
			remaining -= cost
		}
	}

	recentStart := max(0, len(conv.Messages)-b.RecentWindow)
	recent := conv.Messages[recentStart:]
	older := conv.Messages[:recentStart]

	// 3. Semantic retrieval, best effort. Only worth asking when there
	// is history beyond the recent window.
	if len(older) > 0 && remaining > tokens.MessageOverhead {
		if block := a.retrievalBlock(ctx, conv.ID, recent, min(b.RetrievalBudget, remaining-tokens.MessageOverhead)); block != "" {
			res.Blocks = append(res.Blocks, Block{Role: session.RoleSystem, Content: block, Source: SourceRetrieval})
			remaining -= tokens.Estimate(block) + tokens.MessageOverhead
		}
	}

	// 4. Recent messages, newest turns take priority: when the cap
	// forces exclusion, the oldest of the window drop first.
	res.Blocks = append(res.Blocks, recentBlocks(recent, min(b.RecentBudget, remaining), b.ImageTokens)...)

	// 5. Summarization hand-off.
	if len(older) > b.SummarizeThreshold && (sum == nil || sum.Summary == "") {
		res.NeedsSummarization = true
		res.PendingSummarization = older
	}

	res.TokenCount = countBlocks(res.Blocks)
	return res, nil
}

// assembleFallback is the memory-free variant: no retrieval, summary
// supplied by the caller. It budgets against the same reserve-subtracted
// limit as the full path.
func (a *Assembler) assembleFallback(history []session.Message, systemPrompt, summary, modelID string) Result {
	b := a.budgets
	remaining := ContextLimit(modelID) - ResponseReserve

	res := Result{Fallback: true}

	if systemPrompt != "" {
		if block, cost := systemBlock(systemPrompt, b.SystemPromptCap, remaining); block != "" {
			res.Blocks = append(res.Blocks, Block{Role: session.RoleSystem, Content: block, Source: SourceSystem})
			remaining -= cost
		}
	}

	if summary != "" {
		if block, cost := summaryBlock(summary, b.SummaryCap, remaining); block != "" {
			res.Blocks = append(res.Blocks, Block{Role: session.RoleSystem, Content: block, Source: SourceSummary})
			remaining -= cost
		}
	}

	recentStart := max(0, len(history)-b.RecentWindow)
	res.Blocks = append(res.Blocks, recentBlocks(history[recentStart:], remaining, b.ImageTokens)...)

	res.TokenCount = countBlocks(res.Blocks)
	return res
}

// retrievalBlock queries the memory store with the recent user turns
// and formats the hits as delimited bullet snippets under the budget.
// Every failure collapses to an empty block; retrieval never blocks
// assembly.
func (a *Assembler) retrievalBlock(ctx context.Context, conversationID string, recent []session.Message, budget int) string {
	if budget <= 0 {
		return ""
	}

	var queryParts []string
	exclude := make(map[string]bool, len(recent))
	for _, m := range recent {
		exclude[m.ID] = true
		if m.Role == session.RoleUser && m.Content != "" {
			queryParts = append(queryParts, m.Content)
		}
	}
	if len(queryParts) == 0 {
		return ""
	}

	results := a.memory.Retrieve(ctx, conversationID, strings.Join(queryParts, "\n"), a.budgets.TopK, exclude)
	if len(results) == 0 {
		return ""
	}

	const header = "[RELEVANT EARLIER MESSAGES]\n"
	const footer = "[END RELEVANT MESSAGES]"
	used := tokens.Estimate(header) + tokens.Estimate(footer)

	var bullets []string
	for _, r := range results {
		snippet := r.Record.ContentSnapshot
		if len(snippet) > a.budgets.SnippetChars {
			snippet = tokens.Truncate(snippet, a.budgets.SnippetChars) + "..."
		}
		line := "- " + strings.ReplaceAll(snippet, "\n", " ")
		cost := tokens.Estimate(line)
		if used+cost > budget {
			break
		}
		bullets = append(bullets, line)
		used += cost
	}
	if len(bullets) == 0 {
		return ""
	}
	return header + strings.Join(bullets, "\n") + "\n" + footer
}

// recentBlocks selects the newest messages that fit the budget and
// returns them oldest-to-newest. Exclusion is monotonic with recency:
// walking backwards from the tail stops at the first message that does
// not fit, so no older message is ever included ahead of a dropped
// newer one.
func recentBlocks(recent []session.Message, budget int, imageTokens int) []Block {
	if budget <= 0 || len(recent) == 0 {
		return nil
	}

	used := 0
	start := len(recent)
	for i := len(recent) - 1; i >= 0; i-- {
		cost := messageTokens(recent[i], imageTokens)
		if used+cost > budget {
			break
		}
		used += cost
		start = i
	}

	blocks := make([]Block, 0, len(recent)-start)
	for _, m := range recent[start:] {
		blocks = append(blocks, Block{Role: m.Role, Content: m.Content, Source: SourceRecent})
	}
	return blocks
}

// messageTokens uses the cached estimate when present.
func messageTokens(m session.Message, imageTokens int) int {
	cost := m.TokenCount
	if cost == 0 {
		cost = tokens.Estimate(m.Content) + tokens.MessageOverhead
	}
	return cost + len(m.Images)*imageTokens
}

func countBlocks(blocks []Block) int {
	contents := make([]string, len(blocks))
	for i, b := range blocks {
		contents[i] = b.Content
	}
	return tokens.EstimateAll(contents)
}

const (
	summaryHeader = "[CONVERSATION SUMMARY]\n"
	summaryFooter = "\n[END SUMMARY]"
)

// systemBlock truncates the prompt so the block plus its framing
// overhead fits inside remaining. Returns the block and its full cost.
func systemBlock(prompt string, capTokens, remaining int) (string, int) {
	budget := min(capTokens, remaining-tokens.MessageOverhead)
	block := truncateTokens(prompt, budget)
	if block == "" {
		return "", 0
	}
	return block, tokens.Estimate(block) + tokens.MessageOverhead
}

// summaryBlock wraps the summary body in delimiters, keeping the whole
// wrapped block plus framing overhead inside remaining.
func summaryBlock(summary string, capTokens, remaining int) (string, int) {
	frame := tokens.Estimate(summaryHeader) + tokens.Estimate(summaryFooter) + tokens.MessageOverhead
	budget := min(capTokens, remaining-frame)
	body := truncateTokens(summary, budget)
	if body == "" {
		return "", 0
	}
	wrapped := summaryHeader + body + summaryFooter
	return wrapped, tokens.Estimate(wrapped) + tokens.MessageOverhead
}

// truncateTokens limits text to roughly limit tokens, cutting on a
// rune boundary.
func truncateTokens(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	return tokens.Truncate(text, limit*tokens.CharsPerToken)
}
