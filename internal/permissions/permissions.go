// Package permissions implements the three-valued (tool, path-pattern)
// permission check used by AgentLoop before every tool execution
// (spec.md §3, §4.3, §7).
package permissions

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/treetopdevs/loom/internal/store"
)

// Decision is the three-valued outcome of a permission check.
type Decision int

const (
	// Allowed means the tool call may execute without prompting.
	Allowed Decision = iota
	// Ask means the caller (only Session supports this path) must
	// prompt the user interactively before executing.
	Ask
	// Denied means the tool call must never execute; AgentLoop
	// renders this as an error result and continues the loop.
	Denied
)

// Config is the static [permissions] section of the project TOML
// (spec.md §6.5): tools/patterns auto-approved without a stored grant,
// and tools/patterns always denied regardless of stored grants.
type Config struct {
	AutoApprove []string // entries are "tool" or "tool:pattern"
	Denied      []string // same shape as AutoApprove
}

// Checker evaluates permission decisions against a Config and the
// store's persisted grants.
type Checker struct {
	store store.Store
	cfg   Config
}

// New constructs a Checker.
func New(s store.Store, cfg Config) *Checker {
	return &Checker{store: s, cfg: cfg}
}

// Check resolves the permission decision for (sessionID, tool, path).
func (c *Checker) Check(ctx context.Context, sessionID, tool, path string) (Decision, error) {
	if matchesConfigList(c.cfg.Denied, tool, path) {
		return Denied, nil
	}
	if matchesConfigList(c.cfg.AutoApprove, tool, path) {
		return Allowed, nil
	}
	granted, err := c.store.CheckPermission(ctx, sessionID, tool, path)
	if err != nil {
		return Ask, fmt.Errorf("check permission: %w", err)
	}
	if granted {
		return Allowed, nil
	}
	return Ask, nil
}

// Grant records a standing approval for (sessionID, tool, pattern),
// used by Session's "allow-always" response to a permission_request
// (spec.md §4.11).
func (c *Checker) Grant(ctx context.Context, sessionID, tool, pattern string) error {
	_, err := c.store.GrantPermission(ctx, store.PermissionGrant{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Tool:      tool,
		Pattern:   pattern,
	})
	return err
}

func matchesConfigList(list []string, tool, path string) bool {
	for _, entry := range list {
		entryTool, entryPattern, hasPattern := strings.Cut(entry, ":")
		if entryTool != tool {
			continue
		}
		if !hasPattern || entryPattern == "*" {
			return true
		}
		if MatchPattern(entryPattern, path) {
			return true
		}
	}
	return false
}

// MatchPattern reports whether path matches pattern, where pattern is
// either a literal path or the wildcard "*".
func MatchPattern(pattern, path string) bool {
	return pattern == "*" || pattern == path
}

// DerivePath extracts the path a permission check should be scoped to
// from a tool call's parameters, per spec.md §4.5 step 6b: prefer
// file_path, then path, falling back to the wildcard scope.
func DerivePath(params map[string]any) string {
	if v, ok := params["file_path"].(string); ok && v != "" {
		return v
	}
	if v, ok := params["path"].(string); ok && v != "" {
		return v
	}
	return "*"
}
