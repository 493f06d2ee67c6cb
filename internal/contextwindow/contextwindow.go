// Package contextwindow assembles the token-budgeted message list sent
// to the LLM on every AgentLoop iteration: system prompt first,
// optional decision-context and repo-map injections, then as much of
// the conversation tail as fits (spec.md §4.6).
package contextwindow

import (
	"context"

	"github.com/treetopdevs/loom/internal/store"
)

const (
	defaultModelLimit    = 128_000
	defaultReservedOutput = 4096
	charsPerToken         = 4
	perMessageOverhead    = 4
)

// modelLimits maps a "<provider>:<model_id>" string to its total
// context window. Unknown models fall back to defaultModelLimit.
var modelLimits = map[string]int{
	"anthropic:claude-opus-4-6":   200_000,
	"anthropic:claude-sonnet-4-6": 200_000,
	"anthropic:claude-haiku-4-6":  200_000,
	"openai:gpt-5":                272_000,
	"openai:gpt-5-mini":           272_000,
	"bedrock:anthropic.claude-opus-4-6":   200_000,
	"bedrock:anthropic.claude-sonnet-4-6": 200_000,
	"zai:glm-5":                   128_000,
}

// Options configures one build_messages call.
type Options struct {
	Model string

	// MaxTokens overrides the model's table-derived limit when set.
	MaxTokens int
	// ReservedOutput overrides the default reserved_output budget.
	ReservedOutput int

	// DecisionContext, if non-empty, is injected as a system-role
	// message right after the system prompt.
	DecisionContext string
	// DecisionContextMaxTokens caps DecisionContext's contribution;
	// text beyond the cap is truncated before injection.
	DecisionContextMaxTokens int

	// RepoMap, if non-empty, is injected as a system-role message
	// after DecisionContext.
	RepoMap string
	// RepoMapMaxTokens caps RepoMap's contribution.
	RepoMapMaxTokens int

	// ToolDefinitionsTokens is the caller's estimate of the token
	// cost of the tool schema definitions sent alongside messages.
	ToolDefinitionsTokens int
}

// Result is the outcome of a build_messages call.
type Result struct {
	Messages       []store.Message
	EstimatedTokens int
	ModelLimit      int
	Dropped         int // count of history messages silently dropped from the head
}

// EstimateTokens estimates the token count of a text blob using the
// spec's 4-characters-per-token heuristic.
func EstimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + charsPerToken - 1) / charsPerToken
}

func estimateMessage(m store.Message) int {
	return EstimateTokens(m.Content) + perMessageOverhead
}

func modelLimit(model string, override int) int {
	if override > 0 {
		return override
	}
	if limit, ok := modelLimits[model]; ok {
		return limit
	}
	return defaultModelLimit
}

func truncateToTokens(s string, maxTokens int) string {
	if maxTokens <= 0 || EstimateTokens(s) <= maxTokens {
		return s
	}
	maxChars := maxTokens * charsPerToken
	if maxChars >= len(s) {
		return s
	}
	return s[:maxChars]
}

// BuildMessages assembles the windowed message list to send to the
// LLM (spec.md §4.6). history must already be in chronological order
// (oldest first); systemPrompt is always emitted first.
func BuildMessages(ctx context.Context, history []store.Message, systemPrompt string, opts Options) Result {
	limit := modelLimit(opts.Model, opts.MaxTokens)
	reservedOutput := opts.ReservedOutput
	if reservedOutput <= 0 {
		reservedOutput = defaultReservedOutput
	}

	systemMsg := store.Message{Role: store.RoleSystem, Content: systemPrompt}
	out := []store.Message{systemMsg}
	used := estimateMessage(systemMsg)

	decisionContext := truncateToTokens(opts.DecisionContext, opts.DecisionContextMaxTokens)
	if decisionContext != "" {
		m := store.Message{Role: store.RoleSystem, Content: decisionContext}
		out = append(out, m)
		used += estimateMessage(m)
	}

	repoMap := truncateToTokens(opts.RepoMap, opts.RepoMapMaxTokens)
	if repoMap != "" {
		m := store.Message{Role: store.RoleSystem, Content: repoMap}
		out = append(out, m)
		used += estimateMessage(m)
	}

	used += opts.ToolDefinitionsTokens
	available := limit - used - reservedOutput
	if available < 0 {
		available = 0
	}

	tail, dropped := selectTail(history, available)
	out = append(out, tail...)

	total := used
	for _, m := range tail {
		total += estimateMessage(m)
	}

	return Result{
		Messages:        out,
		EstimatedTokens: total,
		ModelLimit:      limit,
		Dropped:         dropped,
	}
}

// selectTail walks history from the most recent message backward,
// including as many as fit within budget, but always keeps the final
// message even if it alone would exceed the budget (spec.md §4.6 step
// 3: "never drop the last user message").
func selectTail(history []store.Message, budget int) ([]store.Message, int) {
	if len(history) == 0 {
		return nil, 0
	}

	last := history[len(history)-1]
	selected := []store.Message{last}
	running := estimateMessage(last)

	i := len(history) - 2
	for ; i >= 0; i-- {
		cost := estimateMessage(history[i])
		if running+cost > budget {
			break
		}
		selected = append(selected, history[i])
		running += cost
	}

	// selected was built newest-first; reverse to chronological order.
	for l, r := 0, len(selected)-1; l < r; l, r = l+1, r-1 {
		selected[l], selected[r] = selected[r], selected[l]
	}
	dropped := i + 1
	return selected, dropped
}
