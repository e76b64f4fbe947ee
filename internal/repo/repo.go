package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"civictrack/internal/domain"
)

// Repo is the record store over SQLite. Issues and actor profiles are JSON documents
// with a few projected columns for lookup.
type Repo struct {
	DB    *sql.DB
	Retry RetryPolicy
	Now   func() time.Time
}

var ErrNotFound = domain.ErrNotFound

// tsLayout is fixed width so stored timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000Z"

func formatTS(t time.Time) string { return t.UTC().Format(tsLayout) }

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

const issueColumns = `doc,version`

func scanIssue(row interface{ Scan(...any) error }) (domain.Issue, error) {
	var doc string
	var version int
	if err := row.Scan(&doc, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Issue{}, ErrNotFound
		}
		return domain.Issue{}, err
	}
	var is domain.Issue
	if err := json.Unmarshal([]byte(doc), &is); err != nil {
		return domain.Issue{}, fmt.Errorf("decode issue document: %w", err)
	}
	is.Version = version
	return is, nil
}

func scanActor(row interface{ Scan(...any) error }) (domain.ActorProfile, error) {
	var doc string
	var version int
	if err := row.Scan(&doc, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ActorProfile{}, ErrNotFound
		}
		return domain.ActorProfile{}, err
	}
	var p domain.ActorProfile
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return domain.ActorProfile{}, fmt.Errorf("decode actor document: %w", err)
	}
	p.Version = version
	return p, nil
}

func getIssue(ctx context.Context, q querier, id string) (domain.Issue, error) {
	is, err := scanIssue(q.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id=?`, id))
	if err != nil {
		return domain.Issue{}, fmt.Errorf("issue %s: %w", id, err)
	}
	return is, nil
}

func getActor(ctx context.Context, q querier, id string) (domain.ActorProfile, error) {
	p, err := scanActor(q.QueryRowContext(ctx, `SELECT doc,version FROM actors WHERE id=?`, id))
	if err != nil {
		return domain.ActorProfile{}, fmt.Errorf("actor %s: %w", id, err)
	}
	return p, nil
}

func findActorByPhone(ctx context.Context, q querier, phone string) (domain.ActorProfile, error) {
	p, err := scanActor(q.QueryRowContext(ctx, `SELECT doc,version FROM actors WHERE phone=?`, phone))
	if err != nil {
		return domain.ActorProfile{}, fmt.Errorf("actor with phone %s: %w", phone, err)
	}
	return p, nil
}

// GetIssue returns an issue by id.
func (r Repo) GetIssue(ctx context.Context, id string) (domain.Issue, error) {
	return getIssue(ctx, r.DB, id)
}

// GetActor returns an actor profile by id.
func (r Repo) GetActor(ctx context.Context, id string) (domain.ActorProfile, error) {
	return getActor(ctx, r.DB, id)
}

// GetActorByPhone returns the citizen registered for phone.
func (r Repo) GetActorByPhone(ctx context.Context, phone string) (domain.ActorProfile, error) {
	return findActorByPhone(ctx, r.DB, phone)
}

// CreateIfAbsent inserts the issue unless its id exists. It reports whether it was created.
func (r Repo) CreateIfAbsent(ctx context.Context, is *domain.Issue) (bool, error) {
	var created bool
	err := r.RunAtomic(ctx, func(ctx context.Context, tx *Tx) error {
		var err error
		created, err = tx.CreateIssueIfAbsent(ctx, is)
		return err
	})
	return created, err
}

// IssueFilter narrows ListIssues. Empty fields do not filter.
type IssueFilter struct {
	CreatorID       string
	SupporterID     string
	AssignedStaffID string
	Status          domain.Status
	Category        domain.Category
	LocalityCode    string
	Limit           int
	Cursor          string
}

// ListIssues returns issues newest first. The returned cursor is empty on the last page.
func (r Repo) ListIssues(ctx context.Context, f IssueFilter) ([]domain.Issue, string, error) {
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if f.CreatorID != "" {
		clauses = append(clauses, "creator_id=?")
		args = append(args, f.CreatorID)
	}
	if f.SupporterID != "" {
		clauses = append(clauses, "id IN (SELECT issue_id FROM issue_supporters WHERE actor_id=?)")
		args = append(args, f.SupporterID)
	}
	if f.AssignedStaffID != "" {
		clauses = append(clauses, "assigned_staff_id=?")
		args = append(args, f.AssignedStaffID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, string(f.Category))
	}
	if f.LocalityCode != "" {
		clauses = append(clauses, "locality_code=?")
		args = append(args, f.LocalityCode)
	}
	if f.Cursor != "" {
		ts, id, err := parseCursor(f.Cursor)
		if err != nil {
			return nil, "", err
		}
		clauses = append(clauses, "(submitted_at < ? OR (submitted_at = ? AND id < ?))")
		args = append(args, ts, ts, id)
	}
	query := fmt.Sprintf(`SELECT doc,version,submitted_at FROM issues WHERE %s ORDER BY submitted_at DESC, id DESC LIMIT ?`,
		strings.Join(clauses, " AND "))
	args = append(args, limit+1)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	var (
		res    []domain.Issue
		stamps []string
	)
	for rows.Next() {
		var doc, submitted string
		var version int
		if err := rows.Scan(&doc, &version, &submitted); err != nil {
			return nil, "", err
		}
		var is domain.Issue
		if err := json.Unmarshal([]byte(doc), &is); err != nil {
			return nil, "", fmt.Errorf("decode issue document: %w", err)
		}
		is.Version = version
		res = append(res, is)
		stamps = append(stamps, submitted)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	var next string
	if len(res) > limit {
		next = composeCursor(stamps[limit-1], res[limit-1].ID)
		res = res[:limit]
	}
	return res, next, nil
}

// ListActors returns actor profiles, optionally filtered by kind.
func (r Repo) ListActors(ctx context.Context, kind domain.ActorKind) ([]domain.ActorProfile, error) {
	query := `SELECT doc,version FROM actors`
	var args []any
	if kind != "" {
		query += ` WHERE kind=?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActorProfile
	for rows.Next() {
		p, err := scanActor(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func composeCursor(ts, id string) string {
	return ts + "|" + id
}

func parseCursor(cursor string) (string, string, error) {
	ts, id, ok := strings.Cut(cursor, "|")
	if !ok || ts == "" || id == "" {
		return "", "", domain.NewValidationError("cursor", "invalid cursor")
	}
	return ts, id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
