package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// sqliteSchema is applied on open. Timestamps are unix nanos so feed
// ordering survives the round trip at full precision.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	name TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_projects_owner ON projects(owner_id);

CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id),
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agents_project ON agents(project_id);

CREATE TABLE IF NOT EXISTS agent_events (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL REFERENCES agents(id),
	seq INTEGER NOT NULL,
	kind TEXT NOT NULL,
	body TEXT NOT NULL,
	request_id TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	UNIQUE(agent_id, seq)
);
`

const projectColumns = `id, owner_id, name, created_at, updated_at`
const agentColumns = `id, project_id, name, status, created_at, updated_at`
const eventColumns = `id, agent_id, seq, kind, body, request_id, created_at`

// SQLite is the embedded single-file backend for single-process
// deployments. The bridge stays down in this mode; publishes route
// straight to the local bus, and the file watcher covers external writes.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the database at path and applies
// the schema. WAL keeps readers unblocked during writes.
func NewSQLite(path string) (*SQLite, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store: %w", err)
	}
	if path == ":memory:" {
		// Each pooled conn would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying sqlite schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

var _ Backend = (*SQLite)(nil)

// DB exposes the handle for the file watcher's freshness probe.
func (s *SQLite) DB() *sql.DB { return s.db }

func (s *SQLite) Close() error { return s.db.Close() }

func scanProject(scanner interface{ Scan(...any) error }) (Project, error) {
	var p Project
	var createdAt, updatedAt int64
	if err := scanner.Scan(&p.ID, &p.OwnerID, &p.Name, &createdAt, &updatedAt); err != nil {
		return Project{}, err
	}
	p.CreatedAt = time.Unix(0, createdAt).UTC()
	p.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return p, nil
}

func scanAgent(scanner interface{ Scan(...any) error }) (Agent, error) {
	var a Agent
	var status string
	var createdAt, updatedAt int64
	if err := scanner.Scan(&a.ID, &a.ProjectID, &a.Name, &status, &createdAt, &updatedAt); err != nil {
		return Agent{}, err
	}
	a.Status = AgentStatus(status)
	a.CreatedAt = time.Unix(0, createdAt).UTC()
	a.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return a, nil
}

func scanEvent(scanner interface{ Scan(...any) error }) (AgentEvent, error) {
	var e AgentEvent
	var kind string
	var createdAt int64
	if err := scanner.Scan(&e.ID, &e.AgentID, &e.Seq, &kind, &e.Body, &e.RequestID, &createdAt); err != nil {
		return AgentEvent{}, err
	}
	e.Kind = EventKind(kind)
	e.CreatedAt = time.Unix(0, createdAt).UTC()
	return e, nil
}

func (s *SQLite) InsertProject(ctx context.Context, p Project) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, owner_id, name, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.OwnerID, p.Name, p.CreatedAt.UnixNano(), p.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("inserting project: %w", err)
	}
	return nil
}

func (s *SQLite) InsertAgent(ctx context.Context, a Agent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, project_id, name, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.ProjectID, a.Name, string(a.Status), a.CreatedAt.UnixNano(), a.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("inserting agent: %w", err)
	}
	return nil
}

func (s *SQLite) UpdateAgentStatus(ctx context.Context, agentID string, status AgentStatus, at time.Time) (Agent, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), at.UnixNano(), agentID,
	)
	if err != nil {
		return Agent{}, fmt.Errorf("updating agent status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Agent{}, fmt.Errorf("updating agent status: %w", err)
	}
	if affected == 0 {
		return Agent{}, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	return s.Agent(ctx, agentID)
}

func (s *SQLite) InsertAgentEvent(ctx context.Context, e AgentEvent) (AgentEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AgentEvent{}, fmt.Errorf("inserting event: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// SQLite serializes writers, so the max probe and insert are atomic.
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM agent_events WHERE agent_id = ?`, e.AgentID,
	).Scan(&seq)
	if err != nil {
		return AgentEvent{}, fmt.Errorf("assigning seq: %w", err)
	}
	e.Seq = seq

	_, err = tx.ExecContext(ctx,
		`INSERT INTO agent_events (id, agent_id, seq, kind, body, request_id, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AgentID, e.Seq, string(e.Kind), e.Body, e.RequestID, e.CreatedAt.UnixNano(),
	)
	if err != nil {
		return AgentEvent{}, fmt.Errorf("inserting event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return AgentEvent{}, fmt.Errorf("inserting event: %w", err)
	}
	return e, nil
}

func (s *SQLite) DeleteAgentEventsFrom(ctx context.Context, agentID string, fromSeq int64) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_events WHERE agent_id = ? AND seq >= ?`, agentID, fromSeq,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting events: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("deleting events: %w", err)
	}
	return int(affected), nil
}

func (s *SQLite) AgentEvents(ctx context.Context, agentID string, limit int) ([]AgentEvent, bool, error) {
	if _, err := s.Agent(ctx, agentID); err != nil {
		return nil, false, err
	}

	query := `SELECT ` + eventColumns + ` FROM agent_events WHERE agent_id = ? ORDER BY seq DESC`
	args := []any{agentID}
	probe := 0
	if limit > 0 {
		// One extra row answers hasMore without a second query.
		query += ` LIMIT ?`
		args = append(args, limit+1)
		probe = limit
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("listing events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var newestFirst []AgentEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, false, fmt.Errorf("scanning event row: %w", err)
		}
		newestFirst = append(newestFirst, e)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterating event rows: %w", err)
	}

	hasMore := probe > 0 && len(newestFirst) > probe
	if hasMore {
		newestFirst = newestFirst[:probe]
	}

	// Flip to ascending seq for the snapshot.
	items := make([]AgentEvent, len(newestFirst))
	for i, e := range newestFirst {
		items[len(items)-1-i] = e
	}
	return items, hasMore, nil
}

func (s *SQLite) AgentEventsByID(ctx context.Context, ids []string) ([]AgentEvent, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `SELECT ` + eventColumns + ` FROM agent_events WHERE id IN (` + placeholders(len(ids)) + `) ORDER BY seq`
	rows, err := s.db.QueryContext(ctx, query, stringArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("resolving event ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []AgentEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) Agent(ctx context.Context, id string) (Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id,
	)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Agent{}, fmt.Errorf("finding agent: %w", err)
	}
	return a, nil
}

func (s *SQLite) AgentsForProject(ctx context.Context, projectID string) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE project_id = ? ORDER BY created_at, id`, projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLite) AgentSummaries(ctx context.Context, ids []string) ([]AgentSummary, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `SELECT a.id, a.project_id, a.name, a.status, a.created_at, a.updated_at,
		COUNT(e.id), MAX(e.created_at)
		FROM agents a
		LEFT JOIN agent_events e ON e.agent_id = a.id
		WHERE a.id IN (` + placeholders(len(ids)) + `)
		GROUP BY a.id
		ORDER BY a.created_at, a.id`
	rows, err := s.db.QueryContext(ctx, query, stringArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("listing summaries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []AgentSummary
	for rows.Next() {
		var sm AgentSummary
		var status string
		var createdAt, updatedAt int64
		var lastEventAt *int64
		err := rows.Scan(&sm.ID, &sm.ProjectID, &sm.Name, &status, &createdAt, &updatedAt,
			&sm.EventCount, &lastEventAt)
		if err != nil {
			return nil, fmt.Errorf("scanning summary row: %w", err)
		}
		sm.Status = AgentStatus(status)
		sm.CreatedAt = time.Unix(0, createdAt).UTC()
		sm.UpdatedAt = time.Unix(0, updatedAt).UTC()
		if lastEventAt != nil {
			t := time.Unix(0, *lastEventAt).UTC()
			sm.LastEventAt = &t
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

func (s *SQLite) Project(ctx context.Context, id string) (Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = ?`, id,
	)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Project{}, fmt.Errorf("finding project: %w", err)
	}
	return p, nil
}

func (s *SQLite) ProjectsForOwner(ctx context.Context, ownerID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE owner_id = ? ORDER BY created_at, id`, ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning project row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLite) CanAccessProject(ctx context.Context, subject, projectID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM projects WHERE id = ? AND owner_id = ?`, projectID, subject,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking project access: %w", err)
	}
	return true, nil
}

func (s *SQLite) CanAccessAgent(ctx context.Context, subject, agentID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM agents a JOIN projects p ON p.id = a.project_id
		 WHERE a.id = ? AND p.owner_id = ?`, agentID, subject,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking agent access: %w", err)
	}
	return true, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
