package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"mvpforge/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const buildColumns = `id,idea_id,status,COALESCE(stage,''),COALESCE(repo_url,''),COALESCE(deploy_url,''),COALESCE(commit_sha,''),COALESCE(plan,''),COALESCE(error,''),file_count,actor_id,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanBuild(row scanner) (domain.Build, error) {
	var b domain.Build
	err := row.Scan(&b.ID, &b.IdeaID, &b.Status, &b.Stage, &b.RepoURL, &b.DeployURL, &b.CommitSHA, &b.Plan, &b.Error, &b.FileCount, &b.ActorID, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return b, ErrNotFound
	}
	return b, err
}

// InsertBuild stores a new build with the payload it will run.
func (r Repo) InsertBuild(ctx context.Context, tx *sql.Tx, b domain.Build, payload domain.BuildPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = r.exec(ctx, tx, `INSERT INTO builds(id,idea_id,status,stage,plan,file_count,payload_json,actor_id,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.IdeaID, b.Status, nullable(b.Stage), nullable(b.Plan), b.FileCount, string(data), b.ActorID, b.CreatedAt, b.UpdatedAt)
	return err
}

// UpdateBuild overwrites the mutable fields of a build.
func (r Repo) UpdateBuild(ctx context.Context, tx *sql.Tx, b domain.Build) error {
	res, err := r.exec(ctx, tx, `UPDATE builds SET status=?, stage=?, repo_url=?, deploy_url=?, commit_sha=?, plan=?, error=?, file_count=?, updated_at=? WHERE id=?`,
		b.Status, nullable(b.Stage), nullable(b.RepoURL), nullable(b.DeployURL), nullable(b.CommitSHA), nullable(b.Plan), nullable(b.Error), b.FileCount, b.UpdatedAt, b.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetBuild(ctx context.Context, id string) (domain.Build, error) {
	return scanBuild(r.DB.QueryRowContext(ctx, `SELECT `+buildColumns+` FROM builds WHERE id=?`, id))
}

// GetBuildPayload returns the payload a build was started with.
func (r Repo) GetBuildPayload(ctx context.Context, id string) (domain.BuildPayload, error) {
	var data string
	err := r.DB.QueryRowContext(ctx, `SELECT payload_json FROM builds WHERE id=?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.BuildPayload{}, ErrNotFound
	}
	if err != nil {
		return domain.BuildPayload{}, err
	}
	var p domain.BuildPayload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return domain.BuildPayload{}, fmt.Errorf("decode payload of build %s: %w", id, err)
	}
	return p, nil
}

type BuildFilters struct {
	IdeaID          string
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListBuilds returns builds newest first.
func (r Repo) ListBuilds(ctx context.Context, f BuildFilters) ([]domain.Build, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.IdeaID != "" {
		clauses = append(clauses, "idea_id=?")
		args = append(args, f.IdeaID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + buildColumns + ` FROM builds WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// CountBuildsByStatus returns the number of builds per status.
func (r Repo) CountBuildsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM builds GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

type EventFilters struct {
	BuildID string
	Type    string
	// After returns events with a larger id, oldest first. Zero means from
	// the start.
	After int64
	Limit int
}

// Events returns events in ascending id order.
func (r Repo) Events(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if f.BuildID != "" {
		clauses = append(clauses, "build_id=?")
		args = append(args, f.BuildID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.After > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, f.After)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(build_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id ASC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, f.Limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.BuildID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event id, optionally for one build.
func (r Repo) LatestEventID(ctx context.Context, buildID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if buildID != "" {
		query += ` WHERE build_id=?`
		args = append(args, buildID)
	}
	var id int64
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) exec(ctx context.Context, tx *sql.Tx, query string, args ...any) (sql.Result, error) {
	if tx != nil {
		return tx.ExecContext(ctx, query, args...)
	}
	return r.DB.ExecContext(ctx, query, args...)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// ClaimBuild moves a build into status to if it is currently in one of from.
// It reports false when another caller got there first.
func (r Repo) ClaimBuild(ctx context.Context, id string, from []string, to, updatedAt string) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("from statuses required")
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := []any{to, updatedAt, id}
	for _, s := range from {
		args = append(args, s)
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE builds SET status=?, error=NULL, updated_at=? WHERE id=? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
