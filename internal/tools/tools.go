// Package tools defines the tool contract every core and built-in tool
// implements, plus the canonical ok/error result formatting rules
// shared by AgentLoop and Session (spec.md §4.5 "Result
// formatting (canonical)", §9 "the formatter... normalizes these").
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Outcome is the ok/error tuple a Tool returns before formatting.
// Value's shape drives the canonical formatting rules: a string is
// used verbatim, a map is rendered as a human-readable dump (or, on
// the ok side, unwrapped from a "result" key; on the error side, from
// a "message" key), anything else falls back to a debug dump.
type Outcome struct {
	OK    bool
	Value any
}

// Ok wraps a successful tool return value.
func Ok(v any) Outcome { return Outcome{OK: true, Value: v} }

// Error wraps a failed tool return value.
func Error(v any) Outcome { return Outcome{OK: false, Value: v} }

// ErrorString is a convenience for Error(reason) on a plain string.
func ErrorString(format string, args ...any) Outcome {
	return Error(fmt.Sprintf(format, args...))
}

// Definition describes a tool to the LLM: a name, a description, and a
// JSON-schema-like parameters object (spec.md §6.2).
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Tool is the uniform executor signature every tool module satisfies.
// Dynamic dispatch is by name (spec.md §9 "Dynamic dispatch on tool
// messages"); there is no closed tagged union of tool kinds.
type Tool interface {
	Definition() Definition
	Execute(ctx context.Context, params map[string]any) Outcome
}

// Registry is a name-to-executor map of registered tools.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds t under its own Definition().Name, replacing any tool
// previously registered under that name.
func (r *Registry) Register(t Tool) {
	r.tools[t.Definition().Name] = t
}

// Lookup returns the tool registered under name, if any.
func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns every registered tool's Definition, sorted by
// name, suitable for advertising to the LLM.
func (r *Registry) Definitions() []Definition {
	defs := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Format renders an Outcome to the text that goes into a role=tool
// message, following the canonical rules verbatim:
//
//	ok(%{result: text})   -> text
//	ok(text) string       -> text
//	ok(map)               -> human-readable map dump
//	error(%{message: m})  -> "Error: <m>"
//	error(text) string    -> "Error: <text>"
//	error(other)          -> "Error: <debug dump>"
func Format(o Outcome) string {
	if o.OK {
		return formatOK(o.Value)
	}
	return "Error: " + formatError(o.Value)
}

func formatOK(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		if result, ok := t["result"]; ok {
			if s, ok := result.(string); ok {
				return s
			}
		}
		return Dump(t)
	default:
		return Dump(v)
	}
}

func formatError(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case error:
		return t.Error()
	case map[string]any:
		if msg, ok := t["message"]; ok {
			return fmt.Sprint(msg)
		}
		return Dump(t)
	default:
		return Dump(v)
	}
}

// Dump renders an arbitrary value as a deterministic, human-readable
// debug string. Maps are rendered key-sorted so output is stable.
func Dump(v any) string {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s: %s", k, Dump(t[k])))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case []string:
		return "[" + strings.Join(t, ", ") + "]"
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			parts = append(parts, Dump(item))
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return fmt.Sprintf("%v", t)
	}
}
