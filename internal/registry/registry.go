// Package registry tracks which workers (agents, context keepers, and
// other long-lived team members) are currently alive within a team, so
// peer lookup, broadcast, and team introspection never have to ask the
// workers themselves.
//
// The registry is process-local: entries are keyed by (team_id, name)
// and disappear when the process restarts. Clustered or
// persisted discovery is out of scope for this runtime (single process).
package registry

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned when no entry exists for the given key.
var ErrNotFound = errors.New("registry: not found")

// Worker is anything the registry can hold a reference to: an agent,
// a context keeper, or any other addressable team member. The registry
// does not care what Worker actually is beyond its Stop hook.
type Worker interface {
	// Stop is invoked once when the worker is removed from the registry
	// (by Deregister, by DissolveTeam, or when Register replaces it
	// under the same key). Implementations should treat this as
	// their termination hook and release any held resources.
	Stop(ctx context.Context)
}

// Metadata is arbitrary descriptive state attached to an entry (role,
// status, model, last_active, etc.) and updated independently of the
// Worker reference itself.
type Metadata map[string]any

// Entry is one registered worker.
type Entry struct {
	TeamID   string
	Name     string
	Worker   Worker
	Metadata Metadata
}

type key struct {
	teamID string
	name   string
}

// Registry is the team-scoped worker directory (spec.md §4.2).
type Registry struct {
	mu      sync.RWMutex
	entries map[key]*Entry
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[key]*Entry)}
}

// Register adds or replaces the entry for (teamID, name). If a worker
// was already registered under that key, its Stop hook runs before the
// new entry takes its place.
func (r *Registry) Register(ctx context.Context, teamID, name string, worker Worker, meta Metadata) {
	k := key{teamID, name}
	r.mu.Lock()
	prev := r.entries[k]
	r.entries[k] = &Entry{TeamID: teamID, Name: name, Worker: worker, Metadata: cloneMeta(meta)}
	r.mu.Unlock()
	if prev != nil && prev.Worker != nil {
		prev.Worker.Stop(ctx)
	}
}

// Deregister removes the entry for (teamID, name) and runs its
// worker's termination hook. Deregistering an unknown key is a no-op.
func (r *Registry) Deregister(ctx context.Context, teamID, name string) {
	k := key{teamID, name}
	r.mu.Lock()
	entry, ok := r.entries[k]
	if ok {
		delete(r.entries, k)
	}
	r.mu.Unlock()
	if ok && entry.Worker != nil {
		entry.Worker.Stop(ctx)
	}
}

// Get returns the entry for (teamID, name).
func (r *Registry) Get(teamID, name string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key{teamID, name}]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return *e, nil
}

// UpdateMetadata atomically merges updates into an existing entry's
// metadata. It is the only supported way to mutate metadata in place;
// the Worker reference itself is immutable once registered (replace
// via Register instead).
func (r *Registry) UpdateMetadata(teamID, name string, updates Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key{teamID, name}]
	if !ok {
		return ErrNotFound
	}
	if e.Metadata == nil {
		e.Metadata = Metadata{}
	}
	for k, v := range updates {
		e.Metadata[k] = v
	}
	return nil
}

// ListTeam returns every entry registered under teamID, in no
// particular order.
func (r *Registry) ListTeam(teamID string) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0)
	for k, e := range r.entries {
		if k.teamID == teamID {
			out = append(out, *e)
		}
	}
	return out
}

// Select returns every entry in teamID for which predicate returns
// true, letting callers filter by role, status, or any other metadata
// field without the registry knowing their shape.
func (r *Registry) Select(teamID string, predicate func(Entry) bool) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0)
	for k, e := range r.entries {
		if k.teamID == teamID && predicate(*e) {
			out = append(out, *e)
		}
	}
	return out
}

// DissolveTeam deregisters every entry for teamID, running each
// worker's termination hook.
func (r *Registry) DissolveTeam(ctx context.Context, teamID string) {
	r.mu.Lock()
	var toStop []*Entry
	for k, e := range r.entries {
		if k.teamID == teamID {
			toStop = append(toStop, e)
			delete(r.entries, k)
		}
	}
	r.mu.Unlock()
	for _, e := range toStop {
		if e.Worker != nil {
			e.Worker.Stop(ctx)
		}
	}
}

func cloneMeta(m Metadata) Metadata {
	if m == nil {
		return Metadata{}
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
