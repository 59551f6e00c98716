package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kalpana-labs/kalpana-controlplane/internal/enum"
)

// Dialect selects the SQL driver so the store can rebind "?" placeholders
// and pick the right DDL. Both drivers are wired via blank import in
// cmd/server/main.go (_ "github.com/lib/pq", _ "github.com/mattn/go-sqlite3").
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite3"
)

// execer is satisfied by both *sql.DB and *sql.Tx, letting every query
// method run unmodified whether or not it's inside a transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// sqlStore is the database/sql-backed Store, built directly on
// *sql.Tx and driven by the driver wiring in cmd/server/main.go.
type sqlStore struct {
	db      *sql.DB
	conn    execer
	dialect Dialect
}

// NewSQLStore opens db, runs schema migration, and returns a Store backed
// by the given dialect.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (Store, error) {
	s := &sqlStore{db: db, conn: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// rebind rewrites a query written with "?" placeholders into the
// dialect's native placeholder style ($1, $2, ... for Postgres).
func (s *sqlStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.conn.ExecContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.conn.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.conn.QueryContext(ctx, s.rebind(query), args...)
}

func marshalMap(m map[string]string) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func unmarshalMap(s string) (map[string]string, error) {
	if s == "" || s == "{}" {
		return map[string]string{}, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *sqlStore) migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements(s.dialect) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

// --- Workspace ---

func (s *sqlStore) CreateWorkspace(ctx context.Context, w *Workspace) error {
	if err := s.checkSubdomain(ctx, "workspace", w.ID, w.DomainID, w.Subdomain); err != nil {
		return err
	}
	env, err := marshalMap(w.SecretEnv)
	if err != nil {
		return err
	}
	now := time.Now()
	_, err = s.exec(ctx, `INSERT INTO workspaces
		(id, owner_user_id, owner_team_id, domain_id, subdomain, display_name, status, container_id, volume_id,
		 vscode_port, agent_port, repo_url, clone_token, preset, secret_env, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.OwnerUserID, w.OwnerTeamID, w.DomainID, w.Subdomain, w.DisplayName, string(w.Status), w.ContainerID, w.VolumeID,
		w.VSCodePort, w.AgentPort, w.RepoURL, w.CloneToken, w.Preset, env, now, now)
	if err != nil {
		return err
	}
	w.CreatedAt, w.UpdatedAt = now, now
	return nil
}

func (s *sqlStore) scanWorkspace(row *sql.Row) (*Workspace, error) {
	var w Workspace
	var status string
	var env string
	if err := row.Scan(&w.ID, &w.OwnerUserID, &w.OwnerTeamID, &w.DomainID, &w.Subdomain, &w.DisplayName, &status,
		&w.ContainerID, &w.VolumeID, &w.VSCodePort, &w.AgentPort, &w.RepoURL, &w.CloneToken, &w.Preset, &env,
		&w.CreatedAt, &w.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	w.Status = enum.ResourceStatus(status)
	secretEnv, err := unmarshalMap(env)
	if err != nil {
		return nil, err
	}
	w.SecretEnv = secretEnv
	return &w, nil
}

func (s *sqlStore) FindWorkspaceByID(ctx context.Context, id string) (*Workspace, error) {
	row := s.queryRow(ctx, `SELECT id, owner_user_id, owner_team_id, domain_id, subdomain, display_name, status,
		container_id, volume_id, vscode_port, agent_port, repo_url, clone_token, preset, secret_env, created_at, updated_at
		FROM workspaces WHERE id = ?`, id)
	return s.scanWorkspace(row)
}

func (s *sqlStore) UpdateWorkspace(ctx context.Context, w *Workspace) error {
	if _, err := s.FindWorkspaceByID(ctx, w.ID); err != nil {
		return err
	}
	if err := s.checkSubdomain(ctx, "workspace", w.ID, w.DomainID, w.Subdomain); err != nil {
		return err
	}
	env, err := marshalMap(w.SecretEnv)
	if err != nil {
		return err
	}
	w.UpdatedAt = time.Now()
	_, err = s.exec(ctx, `UPDATE workspaces SET owner_team_id=?, domain_id=?, subdomain=?, display_name=?, status=?,
		container_id=?, volume_id=?, vscode_port=?, agent_port=?, repo_url=?, clone_token=?, preset=?, secret_env=?, updated_at=?
		WHERE id=?`,
		w.OwnerTeamID, w.DomainID, w.Subdomain, w.DisplayName, string(w.Status), w.ContainerID, w.VolumeID,
		w.VSCodePort, w.AgentPort, w.RepoURL, w.CloneToken, w.Preset, env, w.UpdatedAt, w.ID)
	return err
}

func (s *sqlStore) DeleteWorkspace(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM workspaces WHERE id=?`, id)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

func (s *sqlStore) ListWorkspacesByOwner(ctx context.Context, ownerUserID string) ([]*Workspace, error) {
	rows, err := s.query(ctx, `SELECT id, owner_user_id, owner_team_id, domain_id, subdomain, display_name, status,
		container_id, volume_id, vscode_port, agent_port, repo_url, clone_token, preset, secret_env, created_at, updated_at
		FROM workspaces WHERE owner_user_id = ?`, ownerUserID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Workspace
	for rows.Next() {
		var w Workspace
		var status, env string
		if err := rows.Scan(&w.ID, &w.OwnerUserID, &w.OwnerTeamID, &w.DomainID, &w.Subdomain, &w.DisplayName, &status,
			&w.ContainerID, &w.VolumeID, &w.VSCodePort, &w.AgentPort, &w.RepoURL, &w.CloneToken, &w.Preset, &env,
			&w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, err
		}
		w.Status = enum.ResourceStatus(status)
		secretEnv, err := unmarshalMap(env)
		if err != nil {
			return nil, err
		}
		w.SecretEnv = secretEnv
		out = append(out, &w)
	}
	return out, rows.Err()
}

func requireRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// checkSubdomain enforces the (subdomain, domainId) uniqueness invariant
// across every resource table.
func (s *sqlStore) checkSubdomain(ctx context.Context, kind, id string, domainID, subdomain *string) error {
	if domainID == nil || subdomain == nil {
		return nil
	}
	tables := []struct{ name, idCol string }{
		{"workspaces", "id"}, {"deployments", "id"}, {"databases", "id"}, {"buckets", "id"},
	}
	for _, t := range tables {
		var count int
		row := s.queryRow(ctx, fmt.Sprintf(
			`SELECT COUNT(*) FROM %s WHERE domain_id = ? AND subdomain = ? AND id != ?`, t.name),
			*domainID, *subdomain, id)
		if err := row.Scan(&count); err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: subdomain %q already in use on domain %q", ErrConflict, *subdomain, *domainID)
		}
	}
	return nil
}

func (s *sqlStore) FindResourceBySubdomain(ctx context.Context, domainID, subdomain string) (*ResourceRef, error) {
	tables := []string{"workspace", "deployment", "database", "bucket"}
	plural := map[string]string{"workspace": "workspaces", "deployment": "deployments", "database": "databases", "bucket": "buckets"}
	for _, kind := range tables {
		var id string
		row := s.queryRow(ctx, fmt.Sprintf(`SELECT id FROM %s WHERE domain_id = ? AND subdomain = ?`, plural[kind]), domainID, subdomain)
		if err := row.Scan(&id); err == nil {
			return &ResourceRef{Kind: kind, ID: id}, nil
		} else if err != sql.ErrNoRows {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

var activeStatusList = []string{string(enum.StatusCreating), string(enum.StatusStarting), string(enum.StatusRunning)}

func (s *sqlStore) PortInUse(ctx context.Context, port int) (bool, error) {
	queries := []string{
		`SELECT 1 FROM workspaces WHERE status IN (?,?,?) AND (vscode_port = ? OR agent_port = ?) LIMIT 1`,
		`SELECT 1 FROM deployments WHERE status IN (?,?,?,?) AND exposed_port = ? LIMIT 1`,
		`SELECT 1 FROM databases WHERE status IN (?,?,?) AND external_port = ? LIMIT 1`,
		`SELECT 1 FROM buckets WHERE status IN (?,?,?) AND (api_port = ? OR console_port = ?) LIMIT 1`,
	}
	args := [][]interface{}{
		{activeStatusList[0], activeStatusList[1], activeStatusList[2], port, port},
		{activeStatusList[0], activeStatusList[1], activeStatusList[2], string(enum.StatusBuilding), port},
		{activeStatusList[0], activeStatusList[1], activeStatusList[2], port},
		{activeStatusList[0], activeStatusList[1], activeStatusList[2], port, port},
	}
	for i, q := range queries {
		var dummy int
		err := s.queryRow(ctx, q, args[i]...).Scan(&dummy)
		if err == nil {
			return true, nil
		}
		if err != sql.ErrNoRows {
			return false, err
		}
	}

	var dummy int
	err := s.queryRow(ctx,
		`SELECT 1 FROM agents WHERE status IN (?,?) AND agent_port = ? LIMIT 1`,
		string(enum.AgentStatusCloning), string(enum.AgentStatusRunning), port).Scan(&dummy)
	if err == nil {
		return true, nil
	}
	if err != sql.ErrNoRows {
		return false, err
	}
	return false, nil
}

// WithTx begins a *sql.Tx, runs fn against a sqlStore bound to it, and
// commits or rolls back depending on whether fn returns an error.
func (s *sqlStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	txStore := &sqlStore{db: s.db, conn: tx, dialect: s.dialect}

	defer func() {
		if v := recover(); v != nil {
			_ = tx.Rollback()
			panic(v)
		}
	}()

	if err := fn(txStore); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			return fmt.Errorf("%w: rolling back transaction: %v", err, rerr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
