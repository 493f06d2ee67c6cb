// Package costtracker accumulates per-agent token and cost usage and
// keeps a capped call-history and escalation-event log per team
// (spec.md §4.8). It is a process-wide singleton threaded through by
// reference rather than accessed via package-level globals, so tests
// can construct a fresh instance per case.
package costtracker

import (
	"sync"
	"time"

	"github.com/treetopdevs/loom/internal/telemetry"
)

const defaultHistoryCap = 500

// AgentAccumulator is the running usage tally for one (team, agent)
// pair.
type AgentAccumulator struct {
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	Requests     int64
	LastModel    string
}

// CallRecord is one entry in a team's capped call history.
type CallRecord struct {
	Timestamp    time.Time
	CostUSD      float64
	Model        string
	InputTokens  int64
	OutputTokens int64
	TaskID       string
}

type agentKey struct {
	team  string
	agent string
}

// Tracker holds the three maps described in spec.md §4.8.
type Tracker struct {
	mu           sync.Mutex
	historyCap   int
	accumulators map[agentKey]*AgentAccumulator
	history      map[string][]CallRecord
	escalations  map[string][]telemetry.EscalationEvent
}

// New constructs an empty Tracker.
func New() *Tracker {
	return &Tracker{
		historyCap:   defaultHistoryCap,
		accumulators: make(map[agentKey]*AgentAccumulator),
		history:      make(map[string][]CallRecord),
		escalations:  make(map[string][]telemetry.EscalationEvent),
	}
}

// RecordUsage updates the (team, agent) accumulator and appends a call
// record to the team's capped history.
func (t *Tracker) RecordUsage(team, agent string, inputTokens, outputTokens int64, cost float64, model, taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := agentKey{team, agent}
	acc, ok := t.accumulators[k]
	if !ok {
		acc = &AgentAccumulator{}
		t.accumulators[k] = acc
	}
	acc.InputTokens += inputTokens
	acc.OutputTokens += outputTokens
	acc.CostUSD += cost
	acc.Requests++
	acc.LastModel = model

	records := append(t.history[team], CallRecord{
		Timestamp:    time.Now().UTC(),
		CostUSD:      cost,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		TaskID:       taskID,
	})
	if len(records) > t.historyCap {
		records = records[len(records)-t.historyCap:]
	}
	t.history[team] = records
}

// RecordEscalation appends an escalation event to the team's log.
func (t *Tracker) RecordEscalation(evt telemetry.EscalationEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.escalations[evt.TeamID] = append(t.escalations[evt.TeamID], evt)
}

// Accumulator returns the current tally for (team, agent).
func (t *Tracker) Accumulator(team, agent string) AgentAccumulator {
	t.mu.Lock()
	defer t.mu.Unlock()
	if acc, ok := t.accumulators[agentKey{team, agent}]; ok {
		return *acc
	}
	return AgentAccumulator{}
}

// History returns the team's capped call history, oldest first.
func (t *Tracker) History(team string) []CallRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]CallRecord, len(t.history[team]))
	copy(out, t.history[team])
	return out
}

// Escalations returns every escalation event recorded for the team.
func (t *Tracker) Escalations(team string) []telemetry.EscalationEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]telemetry.EscalationEvent, len(t.escalations[team]))
	copy(out, t.escalations[team])
	return out
}

// TeamTotalCost sums the cost across every agent accumulator for team.
func (t *Tracker) TeamTotalCost(team string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var total float64
	for k, acc := range t.accumulators {
		if k.team == team {
			total += acc.CostUSD
		}
	}
	return total
}

// ResetTeam clears all three maps for team. The open question of
// whether this is the only reset path (vs. Agent restart clearing it
// too) is resolved in DESIGN.md: restarts do not call ResetTeam, so
// usage survives a crash/restart cycle.
func (t *Tracker) ResetTeam(team string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.accumulators {
		if k.team == team {
			delete(t.accumulators, k)
		}
	}
	delete(t.history, team)
	delete(t.escalations, team)
}
