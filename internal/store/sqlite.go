package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// querier is the subset of *sql.DB / *sql.Tx every Store method needs.
// Implementing every method against this interface lets SQLite (the
// auto-committing top-level handle) and sqliteTx (one Begin'd
// transaction) share the exact same SQL.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLite is the embedded relational Store backed by a single SQLite
// database file (spec.md §2 "Store", §6.4). Open a path or
// "file::memory:?cache=shared" for a process-local ephemeral store.
type SQLite struct {
	db  *sql.DB
	seq atomic.Int64
}

var _ Store = (*SQLite)(nil)

// Open opens (creating if necessary) a SQLite database at path and runs
// any pending migrations under internal/store/migrations.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite serializes writers; avoid pool contention.
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLite) Close() error { return s.db.Close() }

func migrateUp(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("migration setup: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up: %w", err)
	}
	return nil
}

func (s *SQLite) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &sqliteTx{q: tx, tx: tx, seq: &s.seq}, nil
}

// sqliteTx adapts a *sql.Tx to the Tx interface, reusing the same
// query implementations via the embedded q field.
type sqliteTx struct {
	q   querier
	tx  *sql.Tx
	seq *atomic.Int64
}

func (t *sqliteTx) Commit() error   { return t.tx.Commit() }
func (t *sqliteTx) Rollback() error { return t.tx.Rollback() }

// every Store method below is implemented twice only in the sense that
// SQLite forwards to q=s.db and sqliteTx forwards to q=t.tx; the SQL
// lives once in the free functions taking a querier.

func (s *SQLite) CreateTeam(ctx context.Context, t Team) (Team, error) {
	return createTeam(ctx, s.db, t)
}
func (t *sqliteTx) CreateTeam(ctx context.Context, team Team) (Team, error) {
	return createTeam(ctx, t.q, team)
}

func createTeam(ctx context.Context, q querier, t Team) (Team, error) {
	now := time.Now().UTC()
	if t.Status == "" {
		t.Status = TeamStatusActive
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO teams (id, title, project_path, default_model, status, prompt_tokens, output_tokens, cost_usd, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, 0, 0, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		t.ID, t.Title, t.ProjectPath, t.DefaultModel, t.Status, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return Team{}, fmt.Errorf("create team: %w", err)
	}
	return getTeam(ctx, q, t.ID)
}

func (s *SQLite) GetTeam(ctx context.Context, id string) (Team, error) { return getTeam(ctx, s.db, id) }
func (t *sqliteTx) GetTeam(ctx context.Context, id string) (Team, error) {
	return getTeam(ctx, t.q, id)
}

func getTeam(ctx context.Context, q querier, id string) (Team, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, title, project_path, default_model, status, prompt_tokens, output_tokens, cost_usd, created_at, updated_at
		FROM teams WHERE id = ?`, id)
	var t Team
	var created, updated string
	if err := row.Scan(&t.ID, &t.Title, &t.ProjectPath, &t.DefaultModel, &t.Status, &t.PromptTokens, &t.OutputTokens, &t.CostUSD, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return Team{}, fmt.Errorf("team %q: %w", id, ErrNotFound)
		}
		return Team{}, fmt.Errorf("get team: %w", err)
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return t, nil
}

func (s *SQLite) UpdateTeamUsage(ctx context.Context, id string, dp, do int64, dc float64) error {
	return updateTeamUsage(ctx, s.db, id, dp, do, dc)
}
func (t *sqliteTx) UpdateTeamUsage(ctx context.Context, id string, dp, do int64, dc float64) error {
	return updateTeamUsage(ctx, t.q, id, dp, do, dc)
}

func updateTeamUsage(ctx context.Context, q querier, id string, dp, do int64, dc float64) error {
	res, err := q.ExecContext(ctx, `
		UPDATE teams SET prompt_tokens = prompt_tokens + ?, output_tokens = output_tokens + ?, cost_usd = cost_usd + ?, updated_at = ?
		WHERE id = ?`, dp, do, dc, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("update team usage: %w", err)
	}
	return requireAffected(res, id)
}

func (s *SQLite) SetTeamStatus(ctx context.Context, id string, status TeamStatus) error {
	return setTeamStatus(ctx, s.db, id, status)
}
func (t *sqliteTx) SetTeamStatus(ctx context.Context, id string, status TeamStatus) error {
	return setTeamStatus(ctx, t.q, id, status)
}

func setTeamStatus(ctx context.Context, q querier, id string, status TeamStatus) error {
	res, err := q.ExecContext(ctx, `UPDATE teams SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("set team status: %w", err)
	}
	return requireAffected(res, id)
}

func (s *SQLite) AppendMessage(ctx context.Context, m Message) (Message, error) {
	return appendMessage(ctx, s.db, s.seq.Add(1), m)
}
func (t *sqliteTx) AppendMessage(ctx context.Context, m Message) (Message, error) {
	return appendMessage(ctx, t.q, t.seq.Add(1), m)
}

func appendMessage(ctx context.Context, q querier, seq int64, m Message) (Message, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	toolCalls, err := json.Marshal(m.ToolCalls)
	if err != nil {
		return Message{}, fmt.Errorf("marshal tool calls: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, tool_calls, tool_call_id, token_count, created_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.Role, m.Content, string(toolCalls), m.ToolCallID, m.TokenCount, m.CreatedAt.Format(time.RFC3339Nano), seq)
	if err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	return m, nil
}

func (s *SQLite) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	return listMessages(ctx, s.db, sessionID)
}
func (t *sqliteTx) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	return listMessages(ctx, t.q, sessionID)
}

func listMessages(ctx context.Context, q querier, sessionID string) ([]Message, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, session_id, role, content, tool_calls, tool_call_id, token_count, created_at
		FROM messages WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		var toolCalls, created string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &toolCalls, &m.ToolCallID, &m.TokenCount, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		_ = json.Unmarshal([]byte(toolCalls), &m.ToolCalls)
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLite) AddDecisionNode(ctx context.Context, n DecisionNode) (DecisionNode, error) {
	return addDecisionNode(ctx, s.db, n)
}
func (t *sqliteTx) AddDecisionNode(ctx context.Context, n DecisionNode) (DecisionNode, error) {
	return addDecisionNode(ctx, t.q, n)
}

func addDecisionNode(ctx context.Context, q querier, n DecisionNode) (DecisionNode, error) {
	now := time.Now().UTC()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now
	if n.Status == "" {
		n.Status = NodeStatusActive
	}
	meta, err := json.Marshal(n.Metadata)
	if err != nil {
		return DecisionNode{}, fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO decision_nodes (id, change_id, node_type, title, description, status, confidence, metadata, session_id, agent_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.ChangeID, n.NodeType, n.Title, n.Description, n.Status, n.Confidence, string(meta), n.SessionID, n.AgentName,
		n.CreatedAt.Format(time.RFC3339Nano), n.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueViolation(err) {
			return DecisionNode{}, fmt.Errorf("change_id %q: %w", n.ChangeID, ErrAlreadyExists)
		}
		return DecisionNode{}, fmt.Errorf("add decision node: %w", err)
	}
	return n, nil
}

func (s *SQLite) AddDecisionEdge(ctx context.Context, e DecisionEdge) (DecisionEdge, error) {
	return addDecisionEdge(ctx, s.db, e)
}
func (t *sqliteTx) AddDecisionEdge(ctx context.Context, e DecisionEdge) (DecisionEdge, error) {
	return addDecisionEdge(ctx, t.q, e)
}

func addDecisionEdge(ctx context.Context, q querier, e DecisionEdge) (DecisionEdge, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Weight == 0 {
		e.Weight = 1.0
	}
	if _, err := getDecisionNode(ctx, q, e.FromNodeID); err != nil {
		return DecisionEdge{}, err
	}
	if _, err := getDecisionNode(ctx, q, e.ToNodeID); err != nil {
		return DecisionEdge{}, err
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO decision_edges (id, change_id, from_node_id, to_node_id, edge_type, weight, rationale, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ChangeID, e.FromNodeID, e.ToNodeID, e.EdgeType, e.Weight, e.Rationale, e.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueViolation(err) {
			return DecisionEdge{}, fmt.Errorf("change_id %q: %w", e.ChangeID, ErrAlreadyExists)
		}
		return DecisionEdge{}, fmt.Errorf("add decision edge: %w", err)
	}
	return e, nil
}

func (s *SQLite) GetDecisionNode(ctx context.Context, id string) (DecisionNode, error) {
	return getDecisionNode(ctx, s.db, id)
}
func (t *sqliteTx) GetDecisionNode(ctx context.Context, id string) (DecisionNode, error) {
	return getDecisionNode(ctx, t.q, id)
}

func getDecisionNode(ctx context.Context, q querier, id string) (DecisionNode, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, change_id, node_type, title, description, status, confidence, metadata, session_id, agent_name, created_at, updated_at
		FROM decision_nodes WHERE id = ?`, id)
	return scanDecisionNode(row)
}

func scanDecisionNode(row *sql.Row) (DecisionNode, error) {
	var n DecisionNode
	var meta, created, updated string
	if err := row.Scan(&n.ID, &n.ChangeID, &n.NodeType, &n.Title, &n.Description, &n.Status, &n.Confidence, &meta, &n.SessionID, &n.AgentName, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return DecisionNode{}, fmt.Errorf("decision node: %w", ErrNotFound)
		}
		return DecisionNode{}, fmt.Errorf("scan decision node: %w", err)
	}
	_ = json.Unmarshal([]byte(meta), &n.Metadata)
	n.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	n.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return n, nil
}

func (s *SQLite) SetDecisionNodeStatus(ctx context.Context, id string, status DecisionNodeStatus, at time.Time) error {
	return setDecisionNodeStatus(ctx, s.db, id, status, at)
}
func (t *sqliteTx) SetDecisionNodeStatus(ctx context.Context, id string, status DecisionNodeStatus, at time.Time) error {
	return setDecisionNodeStatus(ctx, t.q, id, status, at)
}

func setDecisionNodeStatus(ctx context.Context, q querier, id string, status DecisionNodeStatus, at time.Time) error {
	res, err := q.ExecContext(ctx, `UPDATE decision_nodes SET status = ?, updated_at = ? WHERE id = ?`,
		status, at.Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("set decision node status: %w", err)
	}
	return requireAffected(res, id)
}

func (s *SQLite) ListDecisionNodes(ctx context.Context, f DecisionNodeFilter) ([]DecisionNode, error) {
	return listDecisionNodes(ctx, s.db, f)
}
func (t *sqliteTx) ListDecisionNodes(ctx context.Context, f DecisionNodeFilter) ([]DecisionNode, error) {
	return listDecisionNodes(ctx, t.q, f)
}

func listDecisionNodes(ctx context.Context, q querier, f DecisionNodeFilter) ([]DecisionNode, error) {
	where, args := []string{"1=1"}, []any{}
	if f.NodeType != nil {
		where = append(where, "node_type = ?")
		args = append(args, *f.NodeType)
	}
	if f.Status != nil {
		where = append(where, "status = ?")
		args = append(args, *f.Status)
	}
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.AgentName != "" {
		where = append(where, "agent_name = ?")
		args = append(args, f.AgentName)
	}
	query := fmt.Sprintf(`
		SELECT id, change_id, node_type, title, description, status, confidence, metadata, session_id, agent_name, created_at, updated_at
		FROM decision_nodes WHERE %s ORDER BY created_at DESC`, strings.Join(where, " AND "))
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list decision nodes: %w", err)
	}
	defer rows.Close()
	var out []DecisionNode
	for rows.Next() {
		n, err := scanDecisionNodeRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func scanDecisionNodeRow(rows *sql.Rows) (DecisionNode, error) {
	var n DecisionNode
	var meta, created, updated string
	if err := rows.Scan(&n.ID, &n.ChangeID, &n.NodeType, &n.Title, &n.Description, &n.Status, &n.Confidence, &meta, &n.SessionID, &n.AgentName, &created, &updated); err != nil {
		return DecisionNode{}, fmt.Errorf("scan decision node: %w", err)
	}
	_ = json.Unmarshal([]byte(meta), &n.Metadata)
	n.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	n.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return n, nil
}

func (s *SQLite) ListDecisionEdges(ctx context.Context, f DecisionEdgeFilter) ([]DecisionEdge, error) {
	return listDecisionEdges(ctx, s.db, f)
}
func (t *sqliteTx) ListDecisionEdges(ctx context.Context, f DecisionEdgeFilter) ([]DecisionEdge, error) {
	return listDecisionEdges(ctx, t.q, f)
}

func listDecisionEdges(ctx context.Context, q querier, f DecisionEdgeFilter) ([]DecisionEdge, error) {
	where, args := []string{"1=1"}, []any{}
	if f.FromNodeID != "" {
		where = append(where, "from_node_id = ?")
		args = append(args, f.FromNodeID)
	}
	if f.ToNodeID != "" {
		where = append(where, "to_node_id = ?")
		args = append(args, f.ToNodeID)
	}
	if f.EdgeType != nil {
		where = append(where, "edge_type = ?")
		args = append(args, *f.EdgeType)
	}
	query := fmt.Sprintf(`
		SELECT id, change_id, from_node_id, to_node_id, edge_type, weight, rationale, created_at
		FROM decision_edges WHERE %s ORDER BY created_at ASC`, strings.Join(where, " AND "))
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list decision edges: %w", err)
	}
	defer rows.Close()
	var out []DecisionEdge
	for rows.Next() {
		var e DecisionEdge
		var created string
		if err := rows.Scan(&e.ID, &e.ChangeID, &e.FromNodeID, &e.ToNodeID, &e.EdgeType, &e.Weight, &e.Rationale, &created); err != nil {
			return nil, fmt.Errorf("scan decision edge: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) Supersede(ctx context.Context, in SupersedeInput) (DecisionNode, DecisionEdge, error) {
	tx, err := s.Begin(ctx)
	if err != nil {
		return DecisionNode{}, DecisionEdge{}, err
	}
	newNode, edge, err := tx.Supersede(ctx, in)
	if err != nil {
		_ = tx.Rollback()
		return DecisionNode{}, DecisionEdge{}, err
	}
	if err := tx.Commit(); err != nil {
		return DecisionNode{}, DecisionEdge{}, fmt.Errorf("commit supersede: %w", err)
	}
	return newNode, edge, nil
}

func (t *sqliteTx) Supersede(ctx context.Context, in SupersedeInput) (DecisionNode, DecisionEdge, error) {
	now := time.Now().UTC()
	if err := setDecisionNodeStatus(ctx, t.q, in.OldNodeID, NodeStatusSuperseded, now); err != nil {
		return DecisionNode{}, DecisionEdge{}, err
	}
	newNode, err := addDecisionNode(ctx, t.q, in.NewNode)
	if err != nil {
		return DecisionNode{}, DecisionEdge{}, err
	}
	edge, err := addDecisionEdge(ctx, t.q, DecisionEdge{
		ID:         newNode.ID + "-supersedes-" + in.OldNodeID,
		ChangeID:   newNode.ChangeID + ":supersedes",
		FromNodeID: newNode.ID,
		ToNodeID:   in.OldNodeID,
		EdgeType:   EdgeSupersedes,
		Weight:     1.0,
		Rationale:  in.Rationale,
	})
	if err != nil {
		return DecisionNode{}, DecisionEdge{}, err
	}
	return newNode, edge, nil
}

func (s *SQLite) SearchDecisionNodes(ctx context.Context, query string, limit int) ([]DecisionNode, error) {
	return searchDecisionNodes(ctx, s.db, query, limit)
}
func (t *sqliteTx) SearchDecisionNodes(ctx context.Context, query string, limit int) ([]DecisionNode, error) {
	return searchDecisionNodes(ctx, t.q, query, limit)
}

func searchDecisionNodes(ctx context.Context, q querier, term string, limit int) ([]DecisionNode, error) {
	if limit <= 0 {
		limit = 50
	}
	like := "%" + term + "%"
	rows, err := q.QueryContext(ctx, `
		SELECT id, change_id, node_type, title, description, status, confidence, metadata, session_id, agent_name, created_at, updated_at
		FROM decision_nodes WHERE title LIKE ? OR description LIKE ?
		ORDER BY created_at DESC LIMIT ?`, like, like, limit)
	if err != nil {
		return nil, fmt.Errorf("search decision nodes: %w", err)
	}
	defer rows.Close()
	var out []DecisionNode
	for rows.Next() {
		n, err := scanDecisionNodeRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *SQLite) GrantPermission(ctx context.Context, g PermissionGrant) (PermissionGrant, error) {
	return grantPermission(ctx, s.db, g)
}
func (t *sqliteTx) GrantPermission(ctx context.Context, g PermissionGrant) (PermissionGrant, error) {
	return grantPermission(ctx, t.q, g)
}

func grantPermission(ctx context.Context, q querier, g PermissionGrant) (PermissionGrant, error) {
	if g.GrantedAt.IsZero() {
		g.GrantedAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO permission_grants (id, session_id, tool, scope, granted_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id, tool, scope) DO NOTHING`,
		g.ID, g.SessionID, g.Tool, g.Pattern, g.GrantedAt.Format(time.RFC3339Nano))
	if err != nil {
		return PermissionGrant{}, fmt.Errorf("grant permission: %w", err)
	}
	return g, nil
}

func (s *SQLite) CheckPermission(ctx context.Context, sessionID, tool, path string) (bool, error) {
	return checkPermission(ctx, s.db, sessionID, tool, path)
}
func (t *sqliteTx) CheckPermission(ctx context.Context, sessionID, tool, path string) (bool, error) {
	return checkPermission(ctx, t.q, sessionID, tool, path)
}

func checkPermission(ctx context.Context, q querier, sessionID, tool, path string) (bool, error) {
	row := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM permission_grants WHERE session_id = ? AND tool = ? AND (scope = ? OR scope = '*')`,
		sessionID, tool, path)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("check permission: %w", err)
	}
	return n > 0, nil
}

func (s *SQLite) CreateTask(ctx context.Context, t Task) (Task, error) { return createTask(ctx, s.db, t) }
func (t *sqliteTx) CreateTask(ctx context.Context, task Task) (Task, error) {
	return createTask(ctx, t.q, task)
}

func createTask(ctx context.Context, q querier, t Task) (Task, error) {
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	if t.Status == "" {
		t.Status = TaskPending
	}
	if t.Priority == 0 {
		t.Priority = 3
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO team_tasks (id, team_id, title, description, status, owner, priority, model_hint, result, cost_usd, tokens_used, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.TeamID, t.Title, t.Description, t.Status, t.Owner, t.Priority, t.ModelHint, t.Result, t.CostUSD, t.Tokens,
		t.CreatedAt.Format(time.RFC3339Nano), t.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return Task{}, fmt.Errorf("create task: %w", err)
	}
	return t, nil
}

func (s *SQLite) GetTask(ctx context.Context, id string) (Task, error) { return getTask(ctx, s.db, id) }
func (t *sqliteTx) GetTask(ctx context.Context, id string) (Task, error) {
	return getTask(ctx, t.q, id)
}

func getTask(ctx context.Context, q querier, id string) (Task, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, team_id, title, description, status, owner, priority, model_hint, result, cost_usd, tokens_used, created_at, updated_at
		FROM team_tasks WHERE id = ?`, id)
	var t Task
	var created, updated string
	if err := row.Scan(&t.ID, &t.TeamID, &t.Title, &t.Description, &t.Status, &t.Owner, &t.Priority, &t.ModelHint, &t.Result, &t.CostUSD, &t.Tokens, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return Task{}, fmt.Errorf("task %q: %w", id, ErrNotFound)
		}
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return t, nil
}

func (s *SQLite) UpdateTask(ctx context.Context, t Task) (Task, error) { return updateTask(ctx, s.db, t) }
func (t *sqliteTx) UpdateTask(ctx context.Context, task Task) (Task, error) {
	return updateTask(ctx, t.q, task)
}

func updateTask(ctx context.Context, q querier, t Task) (Task, error) {
	t.UpdatedAt = time.Now().UTC()
	res, err := q.ExecContext(ctx, `
		UPDATE team_tasks SET title = ?, description = ?, status = ?, owner = ?, priority = ?, model_hint = ?, result = ?, cost_usd = ?, tokens_used = ?, updated_at = ?
		WHERE id = ?`,
		t.Title, t.Description, t.Status, t.Owner, t.Priority, t.ModelHint, t.Result, t.CostUSD, t.Tokens, t.UpdatedAt.Format(time.RFC3339Nano), t.ID)
	if err != nil {
		return Task{}, fmt.Errorf("update task: %w", err)
	}
	if err := requireAffected(res, t.ID); err != nil {
		return Task{}, err
	}
	return t, nil
}

func (s *SQLite) ListTasks(ctx context.Context, teamID string) ([]Task, error) {
	return listTasks(ctx, s.db, teamID)
}
func (t *sqliteTx) ListTasks(ctx context.Context, teamID string) ([]Task, error) {
	return listTasks(ctx, t.q, teamID)
}

func listTasks(ctx context.Context, q querier, teamID string) ([]Task, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, team_id, title, description, status, owner, priority, model_hint, result, cost_usd, tokens_used, created_at, updated_at
		FROM team_tasks WHERE team_id = ? ORDER BY priority ASC, created_at ASC`, teamID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		var t Task
		var created, updated string
		if err := rows.Scan(&t.ID, &t.TeamID, &t.Title, &t.Description, &t.Status, &t.Owner, &t.Priority, &t.ModelHint, &t.Result, &t.CostUSD, &t.Tokens, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLite) AddTaskDependency(ctx context.Context, d TaskDependency) (TaskDependency, error) {
	return addTaskDependency(ctx, s.db, d)
}
func (t *sqliteTx) AddTaskDependency(ctx context.Context, d TaskDependency) (TaskDependency, error) {
	return addTaskDependency(ctx, t.q, d)
}

func addTaskDependency(ctx context.Context, q querier, d TaskDependency) (TaskDependency, error) {
	_, err := q.ExecContext(ctx, `
		INSERT INTO team_task_deps (id, task_id, depends_on_id, dep_type) VALUES (?, ?, ?, ?)`,
		d.ID, d.TaskID, d.DependsOnID, d.DepType)
	if err != nil {
		return TaskDependency{}, fmt.Errorf("add task dependency: %w", err)
	}
	return d, nil
}

func (s *SQLite) ListTaskDependencies(ctx context.Context, taskID string) ([]TaskDependency, error) {
	return listTaskDependencies(ctx, s.db, taskID)
}
func (t *sqliteTx) ListTaskDependencies(ctx context.Context, taskID string) ([]TaskDependency, error) {
	return listTaskDependencies(ctx, t.q, taskID)
}

func listTaskDependencies(ctx context.Context, q querier, taskID string) ([]TaskDependency, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, task_id, depends_on_id, dep_type FROM team_task_deps WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task dependencies: %w", err)
	}
	defer rows.Close()
	var out []TaskDependency
	for rows.Next() {
		var d TaskDependency
		if err := rows.Scan(&d.ID, &d.TaskID, &d.DependsOnID, &d.DepType); err != nil {
			return nil, fmt.Errorf("scan task dependency: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLite) UpsertKeeperSnapshot(ctx context.Context, k KeeperSnapshot) (KeeperSnapshot, error) {
	return upsertKeeperSnapshot(ctx, s.db, k)
}
func (t *sqliteTx) UpsertKeeperSnapshot(ctx context.Context, k KeeperSnapshot) (KeeperSnapshot, error) {
	return upsertKeeperSnapshot(ctx, t.q, k)
}

func upsertKeeperSnapshot(ctx context.Context, q querier, k KeeperSnapshot) (KeeperSnapshot, error) {
	now := time.Now().UTC()
	k.UpdatedAt = now
	if k.Status == "" {
		k.Status = KeeperActive
	}
	msgs, err := json.Marshal(k.Messages)
	if err != nil {
		return KeeperSnapshot{}, fmt.Errorf("marshal keeper messages: %w", err)
	}
	meta, err := json.Marshal(k.Metadata)
	if err != nil {
		return KeeperSnapshot{}, fmt.Errorf("marshal keeper metadata: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO context_keepers (id, team_id, topic, source_agent, messages, token_count, metadata, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			messages = excluded.messages, token_count = excluded.token_count,
			metadata = excluded.metadata, status = excluded.status, updated_at = excluded.updated_at`,
		k.ID, k.TeamID, k.Topic, k.SourceAgent, string(msgs), k.TokenCount, string(meta), k.Status,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return KeeperSnapshot{}, fmt.Errorf("upsert keeper snapshot: %w", err)
	}
	return k, nil
}

func (s *SQLite) GetKeeperSnapshot(ctx context.Context, id string) (KeeperSnapshot, error) {
	return getKeeperSnapshot(ctx, s.db, id)
}
func (t *sqliteTx) GetKeeperSnapshot(ctx context.Context, id string) (KeeperSnapshot, error) {
	return getKeeperSnapshot(ctx, t.q, id)
}

func getKeeperSnapshot(ctx context.Context, q querier, id string) (KeeperSnapshot, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, team_id, topic, source_agent, messages, token_count, metadata, status, created_at, updated_at
		FROM context_keepers WHERE id = ?`, id)
	k, err := scanKeeper(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return KeeperSnapshot{}, fmt.Errorf("keeper %q: %w", id, ErrNotFound)
		}
	}
	return k, err
}

func scanKeeper(row *sql.Row) (KeeperSnapshot, error) {
	var k KeeperSnapshot
	var msgs, meta, created, updated string
	if err := row.Scan(&k.ID, &k.TeamID, &k.Topic, &k.SourceAgent, &msgs, &k.TokenCount, &meta, &k.Status, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return KeeperSnapshot{}, err
		}
		return KeeperSnapshot{}, fmt.Errorf("scan keeper: %w", err)
	}
	_ = json.Unmarshal([]byte(msgs), &k.Messages)
	_ = json.Unmarshal([]byte(meta), &k.Metadata)
	k.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	k.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return k, nil
}

func (s *SQLite) ListKeeperSnapshots(ctx context.Context, teamID string) ([]KeeperSnapshot, error) {
	return listKeeperSnapshots(ctx, s.db, teamID)
}
func (t *sqliteTx) ListKeeperSnapshots(ctx context.Context, teamID string) ([]KeeperSnapshot, error) {
	return listKeeperSnapshots(ctx, t.q, teamID)
}

func listKeeperSnapshots(ctx context.Context, q querier, teamID string) ([]KeeperSnapshot, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, team_id, topic, source_agent, messages, token_count, metadata, status, created_at, updated_at
		FROM context_keepers WHERE team_id = ?`, teamID)
	if err != nil {
		return nil, fmt.Errorf("list keeper snapshots: %w", err)
	}
	defer rows.Close()
	var out []KeeperSnapshot
	for rows.Next() {
		var k KeeperSnapshot
		var msgs, meta, created, updated string
		if err := rows.Scan(&k.ID, &k.TeamID, &k.Topic, &k.SourceAgent, &msgs, &k.TokenCount, &meta, &k.Status, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan keeper: %w", err)
		}
		_ = json.Unmarshal([]byte(msgs), &k.Messages)
		_ = json.Unmarshal([]byte(meta), &k.Metadata)
		k.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		k.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *SQLite) RecordAgentMetric(ctx context.Context, m AgentMetric) error {
	return recordAgentMetric(ctx, s.db, m)
}
func (t *sqliteTx) RecordAgentMetric(ctx context.Context, m AgentMetric) error {
	return recordAgentMetric(ctx, t.q, m)
}

func recordAgentMetric(ctx context.Context, q querier, m AgentMetric) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	success := 0
	if m.Success {
		success = 1
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO agent_metrics (id, team_id, agent_name, role, model, task_type, success, cost_usd, tokens_used, duration_ms, project_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.TeamID, m.AgentName, m.Role, m.Model, m.TaskType, success, m.CostUSD, m.Tokens, m.DurationMs, m.ProjectPath, m.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record agent metric: %w", err)
	}
	return nil
}

func (s *SQLite) ListAgentMetrics(ctx context.Context, teamID string) ([]AgentMetric, error) {
	return listAgentMetrics(ctx, s.db, teamID)
}
func (t *sqliteTx) ListAgentMetrics(ctx context.Context, teamID string) ([]AgentMetric, error) {
	return listAgentMetrics(ctx, t.q, teamID)
}

func listAgentMetrics(ctx context.Context, q querier, teamID string) ([]AgentMetric, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, team_id, agent_name, role, model, task_type, success, cost_usd, tokens_used, duration_ms, project_path, created_at
		FROM agent_metrics WHERE team_id = ? ORDER BY created_at ASC`, teamID)
	if err != nil {
		return nil, fmt.Errorf("list agent metrics: %w", err)
	}
	defer rows.Close()
	var out []AgentMetric
	for rows.Next() {
		var m AgentMetric
		var success int
		var created string
		if err := rows.Scan(&m.ID, &m.TeamID, &m.AgentName, &m.Role, &m.Model, &m.TaskType, &success, &m.CostUSD, &m.Tokens, &m.DurationMs, &m.ProjectPath, &created); err != nil {
			return nil, fmt.Errorf("scan agent metric: %w", err)
		}
		m.Success = success != 0
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Begin on a transaction is invalid: nested transactions are not
// supported, matching spec.md §3's "short-lived, single entity or the
// supersede triple" transaction scope.
func (t *sqliteTx) Begin(context.Context) (Tx, error) {
	return nil, fmt.Errorf("store: nested transactions are not supported")
}

func requireAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%q: %w", id, ErrNotFound)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
