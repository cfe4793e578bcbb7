package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// uniqueViolation is the SQLSTATE code raised when two writers race for
// the same (agent_id, seq) slot.
const uniqueViolation = "23505"

const seqInsertAttempts = 3

// Postgres is the shared-database backend for multi-process deployments.
// Feed ordering relies on the UNIQUE (agent_id, seq) constraint instead
// of a lock: the insert computes the next seq in a subquery and retries
// on conflict.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres applies pending migrations and opens the connection pool.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if err := migrateUp(dsn); err != nil {
		return nil, fmt.Errorf("migrating postgres store: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres store: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres store: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

var _ Backend = (*Postgres)(nil)

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func migrateUp(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(dsn))
	if err != nil {
		return err
	}
	defer func() { _, _ = m.Close() }()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// migrateURL rewrites the DSN scheme for the migrate pgx/v5 driver,
// which registers itself as pgx5.
func migrateURL(dsn string) string {
	if rest, ok := strings.CutPrefix(dsn, "postgresql://"); ok {
		return "pgx5://" + rest
	}
	if rest, ok := strings.CutPrefix(dsn, "postgres://"); ok {
		return "pgx5://" + rest
	}
	return dsn
}

func scanPgProject(scanner interface{ Scan(...any) error }) (Project, error) {
	var pr Project
	if err := scanner.Scan(&pr.ID, &pr.OwnerID, &pr.Name, &pr.CreatedAt, &pr.UpdatedAt); err != nil {
		return Project{}, err
	}
	return pr, nil
}

func scanPgAgent(scanner interface{ Scan(...any) error }) (Agent, error) {
	var a Agent
	var status string
	if err := scanner.Scan(&a.ID, &a.ProjectID, &a.Name, &status, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return Agent{}, err
	}
	a.Status = AgentStatus(status)
	return a, nil
}

func scanPgEvent(scanner interface{ Scan(...any) error }) (AgentEvent, error) {
	var e AgentEvent
	var kind string
	if err := scanner.Scan(&e.ID, &e.AgentID, &e.Seq, &kind, &e.Body, &e.RequestID, &e.CreatedAt); err != nil {
		return AgentEvent{}, err
	}
	e.Kind = EventKind(kind)
	return e, nil
}

func (p *Postgres) InsertProject(ctx context.Context, pr Project) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO projects (id, owner_id, name, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		pr.ID, pr.OwnerID, pr.Name, pr.CreatedAt, pr.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting project: %w", err)
	}
	return nil
}

func (p *Postgres) InsertAgent(ctx context.Context, a Agent) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO agents (id, project_id, name, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.ProjectID, a.Name, string(a.Status), a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting agent: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateAgentStatus(ctx context.Context, agentID string, status AgentStatus, at time.Time) (Agent, error) {
	row := p.pool.QueryRow(ctx,
		`UPDATE agents SET status = $1, updated_at = $2 WHERE id = $3
		 RETURNING `+agentColumns,
		string(status), at, agentID,
	)
	a, err := scanPgAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Agent{}, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	if err != nil {
		return Agent{}, fmt.Errorf("updating agent status: %w", err)
	}
	return a, nil
}

func (p *Postgres) InsertAgentEvent(ctx context.Context, e AgentEvent) (AgentEvent, error) {
	var lastErr error
	for attempt := 0; attempt < seqInsertAttempts; attempt++ {
		row := p.pool.QueryRow(ctx,
			`INSERT INTO agent_events (id, agent_id, seq, kind, body, request_id, created_at)
			 SELECT $1, $2, COALESCE(MAX(seq), 0) + 1, $3, $4, $5, $6
			 FROM agent_events WHERE agent_id = $2
			 RETURNING seq`,
			e.ID, e.AgentID, string(e.Kind), e.Body, e.RequestID, e.CreatedAt,
		)
		err := row.Scan(&e.Seq)
		if err == nil {
			return e, nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			lastErr = err
			continue
		}
		return AgentEvent{}, fmt.Errorf("inserting event: %w", err)
	}
	return AgentEvent{}, fmt.Errorf("inserting event: seq contention persisted: %w", lastErr)
}

func (p *Postgres) DeleteAgentEventsFrom(ctx context.Context, agentID string, fromSeq int64) (int, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM agent_events WHERE agent_id = $1 AND seq >= $2`, agentID, fromSeq,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting events: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) AgentEvents(ctx context.Context, agentID string, limit int) ([]AgentEvent, bool, error) {
	if _, err := p.Agent(ctx, agentID); err != nil {
		return nil, false, err
	}

	query := `SELECT ` + eventColumns + ` FROM agent_events WHERE agent_id = $1 ORDER BY seq DESC`
	args := []any{agentID}
	probe := 0
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit+1)
		probe = limit
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	var newestFirst []AgentEvent
	for rows.Next() {
		e, err := scanPgEvent(rows)
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

	items := make([]AgentEvent, len(newestFirst))
	for i, e := range newestFirst {
		items[len(items)-1-i] = e
	}
	return items, hasMore, nil
}

func (p *Postgres) AgentEventsByID(ctx context.Context, ids []string) ([]AgentEvent, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := p.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM agent_events WHERE id = ANY($1) ORDER BY seq`, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("resolving event ids: %w", err)
	}
	defer rows.Close()

	var out []AgentEvent
	for rows.Next() {
		e, err := scanPgEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) Agent(ctx context.Context, id string) (Agent, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	a, err := scanPgAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Agent{}, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Agent{}, fmt.Errorf("finding agent: %w", err)
	}
	return a, nil
}

func (p *Postgres) AgentsForProject(ctx context.Context, projectID string) ([]Agent, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE project_id = $1 ORDER BY created_at, id`, projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		a, err := scanPgAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) AgentSummaries(ctx context.Context, ids []string) ([]AgentSummary, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := p.pool.Query(ctx,
		`SELECT a.id, a.project_id, a.name, a.status, a.created_at, a.updated_at,
			COUNT(e.id), MAX(e.created_at)
		 FROM agents a
		 LEFT JOIN agent_events e ON e.agent_id = a.id
		 WHERE a.id = ANY($1)
		 GROUP BY a.id
		 ORDER BY a.created_at, a.id`, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("listing summaries: %w", err)
	}
	defer rows.Close()

	var out []AgentSummary
	for rows.Next() {
		var sm AgentSummary
		var status string
		err := rows.Scan(&sm.ID, &sm.ProjectID, &sm.Name, &status, &sm.CreatedAt, &sm.UpdatedAt,
			&sm.EventCount, &sm.LastEventAt)
		if err != nil {
			return nil, fmt.Errorf("scanning summary row: %w", err)
		}
		sm.Status = AgentStatus(status)
		out = append(out, sm)
	}
	return out, rows.Err()
}

func (p *Postgres) Project(ctx context.Context, id string) (Project, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id)
	pr, err := scanPgProject(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Project{}, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Project{}, fmt.Errorf("finding project: %w", err)
	}
	return pr, nil
}

func (p *Postgres) ProjectsForOwner(ctx context.Context, ownerID string) ([]Project, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE owner_id = $1 ORDER BY created_at, id`, ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		pr, err := scanPgProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning project row: %w", err)
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

func (p *Postgres) CanAccessProject(ctx context.Context, subject, projectID string) (bool, error) {
	var one int
	err := p.pool.QueryRow(ctx,
		`SELECT 1 FROM projects WHERE id = $1 AND owner_id = $2`, projectID, subject,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking project access: %w", err)
	}
	return true, nil
}

func (p *Postgres) CanAccessAgent(ctx context.Context, subject, agentID string) (bool, error) {
	var one int
	err := p.pool.QueryRow(ctx,
		`SELECT 1 FROM agents a JOIN projects p ON p.id = a.project_id
		 WHERE a.id = $1 AND p.owner_id = $2`, agentID, subject,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking agent access: %w", err)
	}
	return true, nil
}
