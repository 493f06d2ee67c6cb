// Package queryrouter implements peer-to-peer question routing with
// bounded forwarding and accumulated enrichment (spec.md §4.13).
package queryrouter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/treetopdevs/loom/internal/bus"
)

// ErrMaxHopsReached is returned by Forward when a query has already
// been forwarded its configured maximum number of times.
var ErrMaxHopsReached = errors.New("queryrouter: max hops reached")

// ErrNotFound is returned by Forward/Answer for an unknown or already
// answered/expired query id.
var ErrNotFound = errors.New("queryrouter: query not found")

const defaultMaxHops = 3

// QueryEvent is the payload published on a "query" event, delivered
// to either a specific agent topic or the whole team.
type QueryEvent struct {
	QueryID     string
	From        string
	Question    string
	Enrichments []string
}

// QueryAnswerEvent is the payload published back to the original
// asker once a peer answers.
type QueryAnswerEvent struct {
	QueryID     string
	From        string
	Answer      string
	Enrichments []string
}

type query struct {
	id          string
	teamID      string
	from        string
	question    string
	target      string
	hops        int
	maxHops     int
	enrichments []string
	createdAt   time.Time
}

// Router implements QueryRouter (spec.md §4.13).
type Router struct {
	mu      sync.Mutex
	queries map[string]*query
	bus     bus.Bus
}

// New constructs a Router.
func New(b bus.Bus) *Router {
	return &Router{queries: make(map[string]*query), bus: b}
}

// AskOptions configures one Ask call.
type AskOptions struct {
	Target  string // empty means broadcast to the whole team
	MaxHops int    // default 3
}

// Ask registers a new in-flight query and publishes it either to a
// specific agent topic (Target set) or broadcast to the team.
func (r *Router) Ask(ctx context.Context, team, from, question string, opts AskOptions) string {
	maxHops := opts.MaxHops
	if maxHops <= 0 {
		maxHops = defaultMaxHops
	}
	id := uuid.NewString()

	q := &query{
		id:        id,
		teamID:    team,
		from:      from,
		question:  question,
		target:    opts.Target,
		maxHops:   maxHops,
		createdAt: time.Now().UTC(),
	}
	r.mu.Lock()
	r.queries[id] = q
	r.mu.Unlock()

	evt := QueryEvent{QueryID: id, From: from, Question: question}
	if opts.Target != "" {
		r.bus.Publish(ctx, bus.AgentTopic(team, opts.Target), evt)
	} else {
		r.bus.Publish(ctx, bus.TeamTopic(team), evt)
	}
	return id
}

// Forward appends enrichment and advances the query one hop toward
// target, failing once max_hops is reached.
func (r *Router) Forward(ctx context.Context, id, from, target, enrichment string) error {
	r.mu.Lock()
	q, ok := r.queries[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if q.hops >= q.maxHops {
		r.mu.Unlock()
		return ErrMaxHopsReached
	}
	q.hops++
	q.enrichments = append(q.enrichments, enrichment)
	q.target = target
	enrichments := append([]string(nil), q.enrichments...)
	teamID, question := q.teamID, q.question
	r.mu.Unlock()

	r.bus.Publish(ctx, bus.AgentTopic(teamID, target), QueryEvent{
		QueryID: id, From: from, Question: question, Enrichments: enrichments,
	})
	return nil
}

// Answer delivers the final answer to the original asker's agent
// topic and removes the query from the in-flight map.
func (r *Router) Answer(ctx context.Context, id, from, answer string) error {
	r.mu.Lock()
	q, ok := r.queries[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.queries, id)
	enrichments := append([]string(nil), q.enrichments...)
	teamID, originalAsker := q.teamID, q.from
	r.mu.Unlock()

	r.bus.Publish(ctx, bus.AgentTopic(teamID, originalAsker), QueryAnswerEvent{
		QueryID: id, From: from, Answer: answer, Enrichments: enrichments,
	})
	return nil
}

// ExpireStale deletes every in-flight query older than ageMs.
func (r *Router) ExpireStale(ageMs int64) int {
	threshold := time.Now().UTC().Add(-time.Duration(ageMs) * time.Millisecond)
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed int
	for id, q := range r.queries {
		if q.createdAt.Before(threshold) {
			delete(r.queries, id)
			removed++
		}
	}
	return removed
}

// Hops returns the current hop count for id, for tests.
func (r *Router) Hops(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queries[id]; ok {
		return q.hops
	}
	return -1
}
