// Package contextkeeper implements the long-lived holder of offloaded
// conversation context: raw keyword-overlap retrieval, LLM-backed
// smart retrieval, and debounced persistence (spec.md §4.12).
package contextkeeper

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/treetopdevs/loom/internal/llm"
	"github.com/treetopdevs/loom/internal/registry"
	"github.com/treetopdevs/loom/internal/store"
)

const (
	defaultDebounce      = 50 * time.Millisecond
	rawRetrieveBudget    = 10_000 // tokens
	charsPerTokenEstimate = 4
)

// Keeper is a long-lived worker holding a block of offloaded
// conversation context, queryable by other agents (spec.md §4.12).
type Keeper struct {
	id          string
	teamID      string
	topic       string
	sourceAgent string
	store       store.Store
	llm         llm.Client
	debounce    time.Duration

	mu         sync.Mutex
	messages   []store.Message
	lastBatch  []store.Message
	tokenCount int
	metadata   map[string]any
	dirty      bool
	timer      *time.Timer
}

// Options configures a new Keeper.
type Options struct {
	ID          string
	TeamID      string
	Topic       string
	SourceAgent string
	Store       store.Store
	LLM         llm.Client
	Debounce    time.Duration
	Registry    *registry.Registry
}

// New constructs a Keeper, attempting to load prior persisted state
// from the store and registering it under {team_id, "keeper:<id>"}
// (spec.md §4.12 "On start").
func New(ctx context.Context, opts Options) (*Keeper, error) {
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	k := &Keeper{
		id:          opts.ID,
		teamID:      opts.TeamID,
		topic:       opts.Topic,
		sourceAgent: opts.SourceAgent,
		store:       opts.Store,
		llm:         opts.LLM,
		debounce:    debounce,
		metadata:    map[string]any{},
	}

	if snap, err := opts.Store.GetKeeperSnapshot(ctx, opts.ID); err == nil {
		k.messages = snap.Messages
		k.tokenCount = snap.TokenCount
		if snap.Metadata != nil {
			k.metadata = snap.Metadata
		}
		k.topic = snap.Topic
		k.sourceAgent = snap.SourceAgent
	}

	if opts.Registry != nil {
		opts.Registry.Register(ctx, k.teamID, "keeper:"+k.id, stopper{k}, registry.Metadata{
			"type":   "keeper",
			"topic":  k.topic,
			"source": k.sourceAgent,
			"tokens": k.tokenCount,
		})
	}
	return k, nil
}

// stopper adapts Keeper to registry.Worker without exposing Stop on
// the public Keeper API ambiguously (flush_persist is the public name).
type stopper struct{ k *Keeper }

func (s stopper) Stop(ctx context.Context) { s.k.Terminate(ctx) }

// ID returns the keeper's identifier.
func (k *Keeper) ID() string { return k.id }

// Store appends messages, merges metadata, recomputes token_count,
// marks the keeper dirty, and schedules a debounced persist. Re-
// entrant calls while a timer is already pending do not schedule a
// second one (spec.md §4.12 "store", §9 "Persist debounce without
// hidden timers"). Calling Store twice in a row with the exact same
// messages is a no-op the second time: token_count and persisted
// state are left untouched rather than double-counting the batch
// (spec.md §8 invariant 4).
func (k *Keeper) Store(ctx context.Context, messages []store.Message, metadata map[string]any) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if len(messages) > 0 && messagesEqual(messages, k.lastBatch) {
		return
	}

	k.messages = append(k.messages, messages...)
	for key, v := range metadata {
		k.metadata[key] = v
	}
	k.lastBatch = append([]store.Message(nil), messages...)
	k.tokenCount = estimateTokens(k.messages)
	k.dirty = true
	k.schedulePersistLocked(ctx)
}

func messagesEqual(a, b []store.Message) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Role != b[i].Role || a[i].Content != b[i].Content || a[i].ToolCallID != b[i].ToolCallID {
			return false
		}
	}
	return true
}

func (k *Keeper) schedulePersistLocked(ctx context.Context) {
	if k.timer != nil {
		return
	}
	k.timer = time.AfterFunc(k.debounce, func() {
		k.persist(ctx)
	})
}

func (k *Keeper) persist(ctx context.Context) {
	k.mu.Lock()
	k.timer = nil
	if !k.dirty {
		k.mu.Unlock()
		return
	}
	snap := k.snapshotLocked()
	k.mu.Unlock()

	if _, err := k.store.UpsertKeeperSnapshot(ctx, snap); err != nil {
		// persist_failed: retried with the same debounce (spec.md §7
		// error handling table); the failure itself is not logged.
		k.mu.Lock()
		k.dirty = true
		k.schedulePersistLocked(ctx)
		k.mu.Unlock()
		return
	}
	k.mu.Lock()
	k.dirty = false
	k.mu.Unlock()
}

func (k *Keeper) snapshotLocked() store.KeeperSnapshot {
	return store.KeeperSnapshot{
		ID:          k.id,
		TeamID:      k.teamID,
		Topic:       k.topic,
		SourceAgent: k.sourceAgent,
		Messages:    append([]store.Message(nil), k.messages...),
		TokenCount:  k.tokenCount,
		Metadata:    cloneMetadata(k.metadata),
		Status:      store.KeeperActive,
	}
}

// FlushPersist cancels any pending timer and, if dirty, persists
// synchronously. Used on terminate and in tests (spec.md §4.12,
// §9 "Expose flush_persist for tests and shutdown").
func (k *Keeper) FlushPersist(ctx context.Context) error {
	k.mu.Lock()
	if k.timer != nil {
		k.timer.Stop()
		k.timer = nil
	}
	if !k.dirty {
		k.mu.Unlock()
		return nil
	}
	snap := k.snapshotLocked()
	k.mu.Unlock()

	_, err := k.store.UpsertKeeperSnapshot(ctx, snap)
	if err != nil {
		return fmt.Errorf("contextkeeper: flush persist: %w", err)
	}
	k.mu.Lock()
	k.dirty = false
	k.mu.Unlock()
	return nil
}

// Terminate cancels any pending timer and flushes dirty state one
// last time.
func (k *Keeper) Terminate(ctx context.Context) {
	_ = k.FlushPersist(ctx)
}

// RetrieveAll returns the full message list.
func (k *Keeper) RetrieveAll() []store.Message {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]store.Message(nil), k.messages...)
}

// Retrieve implements keyword-overlap retrieval: below 10,000 tokens
// it returns every message; otherwise it scores each message by
// keyword overlap with query and returns the highest-scoring prefix
// that fits the raw retrieve budget (spec.md §4.12 "retrieve").
func (k *Keeper) Retrieve(query string) []store.Message {
	k.mu.Lock()
	messages := append([]store.Message(nil), k.messages...)
	tokenCount := k.tokenCount
	k.mu.Unlock()

	if tokenCount < rawRetrieveBudget {
		return messages
	}

	queryTokens := tokenize(query)
	type scored struct {
		msg   store.Message
		score int
	}
	ranked := make([]scored, len(messages))
	for i, m := range messages {
		ranked[i] = scored{msg: m, score: overlapScore(queryTokens, tokenize(m.Content))}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	var out []store.Message
	budget := rawRetrieveBudget
	for _, r := range ranked {
		cost := estimateTokens([]store.Message{r.msg})
		if cost > budget {
			break
		}
		out = append(out, r.msg)
		budget -= cost
	}
	return out
}

// SmartRetrieve calls the LLM once with a system prompt that
// constrains it to answer using only the retrieved context and returns
// the answer text; the call's cost is not recorded. On failure, or when
// no LLM client is configured, it falls back to keyword retrieval,
// rendered as "[<role>]: <content>" lines (spec.md §4.12
// "smart_retrieve").
func (k *Keeper) SmartRetrieve(ctx context.Context, modelString, question string) (string, error) {
	retrieved := k.Retrieve(question)
	if k.llm == nil {
		return renderFallback(retrieved), nil
	}

	messages := make([]llm.Message, 0, len(retrieved)+2)
	messages = append(messages, llm.Message{
		Role:    llm.RoleSystem,
		Content: "Answer the question using ONLY the context provided.",
	})
	for _, m := range retrieved {
		messages = append(messages, llm.Message{Role: llm.Role(m.Role), Content: m.Content})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: question})

	resp, err := k.llm.GenerateText(ctx, modelString, messages, llm.Options{})
	if err != nil {
		return renderFallback(retrieved), nil
	}
	return resp.Text, nil
}

func renderFallback(messages []store.Message) string {
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		lines = append(lines, fmt.Sprintf("[%s]: %s", m.Role, m.Content))
	}
	return strings.Join(lines, "\n")
}

// IndexEntry renders the one-line summary other agents see when this
// keeper is announced (spec.md §4.12 "index_entry").
func (k *Keeper) IndexEntry() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return fmt.Sprintf("[Keeper:%s] topic=%s source=%s tokens=%d", k.id, k.topic, k.sourceAgent, k.tokenCount)
}

// Topic returns the keeper's topic label.
func (k *Keeper) Topic() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.topic
}

// TokenCount returns the current token count.
func (k *Keeper) TokenCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.tokenCount
}

func estimateTokens(messages []store.Message) int {
	total := 0
	for _, m := range messages {
		total += (len(m.Content) + charsPerTokenEstimate - 1) / charsPerTokenEstimate
	}
	return total
}

func tokenize(s string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(s))
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

func overlapScore(a, b map[string]struct{}) int {
	score := 0
	for k := range a {
		if _, ok := b[k]; ok {
			score++
		}
	}
	return score
}

func cloneMetadata(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

var retrievalLeadWords = []string{
	"what ", "how ", "why ", "where ", "when ", "who ", "which ", "did ",
	"does ", "is ", "are ", "was ", "were ", "can ", "could ", "should ", "would ",
}

// IsQuestionMode implements the mode auto-detection rule for
// ContextRetrieval: a query ends with "?" or begins with one of a
// fixed set of interrogative words routes to smart mode; otherwise
// raw mode (spec.md §4.12 "Mode auto-detection").
func IsQuestionMode(query string) bool {
	trimmed := strings.TrimSpace(query)
	if strings.HasSuffix(trimmed, "?") {
		return true
	}
	lower := strings.ToLower(trimmed) + " "
	for _, word := range retrievalLeadWords {
		if strings.HasPrefix(lower, word) {
			return true
		}
	}
	return false
}
