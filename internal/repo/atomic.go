package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"civictrack/internal/domain"
)

// RetryPolicy bounds the re-execution of an atomic unit after a write conflict.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy allows five attempts.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:    5,
	InitialBackoff: 20 * time.Millisecond,
	MaxBackoff:     500 * time.Millisecond,
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = DefaultRetryPolicy.InitialBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	return p
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialBackoff
	eb.MaxInterval = p.MaxBackoff
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1)), ctx)
}

// RunAtomic runs fn inside one transaction and commits all of its writes or none.
// On a write conflict the whole of fn is re-run with exponential backoff; fn must
// therefore derive everything it writes from what it reads through tx.
// Once attempts are exhausted the error wraps domain.ErrConflict.
func (r Repo) RunAtomic(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	policy := r.Retry.withDefaults()
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := r.runOnce(ctx, fn)
		if err == nil || isRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy.backOff(ctx))
	if err != nil && isRetryable(err) {
		return fmt.Errorf("atomic unit gave up after %d attempts: %w", attempts, asConflict(err))
	}
	return err
}

func (r Repo) runOnce(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	sqlTx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(ctx, &Tx{tx: sqlTx, now: r.now}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func isRetryable(err error) bool {
	if errors.Is(err, domain.ErrConflict) {
		return true
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	return false
}

func asConflict(err error) error {
	if errors.Is(err, domain.ErrConflict) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrConflict, err)
}

// Tx is the view of the store available inside one atomic unit.
type Tx struct {
	tx  *sql.Tx
	now func() time.Time
}

// ExecContext lets collaborators such as the event writer join the unit.
func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *Tx) GetIssue(ctx context.Context, id string) (domain.Issue, error) {
	return getIssue(ctx, t.tx, id)
}

func (t *Tx) GetActor(ctx context.Context, id string) (domain.ActorProfile, error) {
	return getActor(ctx, t.tx, id)
}

func (t *Tx) FindActorByPhone(ctx context.Context, phone string) (domain.ActorProfile, error) {
	return findActorByPhone(ctx, t.tx, phone)
}

// CreateIssueIfAbsent inserts is and its supporter rows. It reports false if the id exists.
func (t *Tx) CreateIssueIfAbsent(ctx context.Context, is *domain.Issue) (bool, error) {
	now := t.now().UTC()
	is.Version = 1
	is.UpdatedAt = now
	doc, err := json.Marshal(is)
	if err != nil {
		return false, fmt.Errorf("encode issue document: %w", err)
	}
	res, err := t.tx.ExecContext(ctx, `INSERT INTO issues(id,creator_id,assigned_staff_id,category,status,priority,locality_code,submitted_at,doc,version,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?) ON CONFLICT(id) DO NOTHING`,
		is.ID, is.CreatorID, nullable(is.AssignedStaffID), string(is.Category), string(is.Status), string(is.Priority),
		nullable(is.LocalityCode), formatTS(is.SubmittedAt), string(doc), is.Version, formatTS(now))
	if err != nil {
		return false, fmt.Errorf("insert issue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	for _, actorID := range is.Supporters {
		if _, err := t.AddSupporter(ctx, is.ID, actorID); err != nil {
			return false, err
		}
	}
	return true, nil
}

// UpdateIssue writes is if its version is unchanged since it was read, then bumps it.
func (t *Tx) UpdateIssue(ctx context.Context, is *domain.Issue) error {
	prev := is.Version
	next := *is
	next.Version = prev + 1
	next.UpdatedAt = t.now().UTC()
	doc, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode issue document: %w", err)
	}
	res, err := t.tx.ExecContext(ctx, `UPDATE issues SET assigned_staff_id=?,category=?,status=?,priority=?,locality_code=?,doc=?,version=?,updated_at=?
WHERE id=? AND version=?`,
		nullable(next.AssignedStaffID), string(next.Category), string(next.Status), string(next.Priority),
		nullable(next.LocalityCode), string(doc), next.Version, formatTS(next.UpdatedAt), next.ID, prev)
	if err != nil {
		return fmt.Errorf("update issue: %w", err)
	}
	if err := t.checkWritten(ctx, res, "issues", next.ID); err != nil {
		return err
	}
	*is = next
	return nil
}

// AddSupporter records the supporter row. It reports false if it already existed.
func (t *Tx) AddSupporter(ctx context.Context, issueID, actorID string) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `INSERT INTO issue_supporters(issue_id,actor_id,joined_at) VALUES (?,?,?) ON CONFLICT(issue_id,actor_id) DO NOTHING`,
		issueID, actorID, formatTS(t.now()))
	if err != nil {
		return false, fmt.Errorf("insert supporter: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// InsertActorIfAbsent inserts p unless the id or phone is taken. It reports whether it was created.
func (t *Tx) InsertActorIfAbsent(ctx context.Context, p *domain.ActorProfile) (bool, error) {
	now := t.now().UTC()
	p.Version = 1
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	doc, err := json.Marshal(p)
	if err != nil {
		return false, fmt.Errorf("encode actor document: %w", err)
	}
	res, err := t.tx.ExecContext(ctx, `INSERT INTO actors(id,kind,phone,department,doc,version,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?) ON CONFLICT DO NOTHING`,
		p.ID, string(p.Kind), nullable(p.Phone), nullable(p.Department), string(doc), p.Version, formatTS(p.CreatedAt), formatTS(now))
	if err != nil {
		return false, fmt.Errorf("insert actor: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// UpdateActor writes p if its version is unchanged since it was read, then bumps it.
func (t *Tx) UpdateActor(ctx context.Context, p *domain.ActorProfile) error {
	prev := p.Version
	next := *p
	next.Version = prev + 1
	next.UpdatedAt = t.now().UTC()
	doc, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode actor document: %w", err)
	}
	res, err := t.tx.ExecContext(ctx, `UPDATE actors SET department=?,doc=?,version=?,updated_at=? WHERE id=? AND version=?`,
		nullable(next.Department), string(doc), next.Version, formatTS(next.UpdatedAt), next.ID, prev)
	if err != nil {
		return fmt.Errorf("update actor: %w", err)
	}
	if err := t.checkWritten(ctx, res, "actors", next.ID); err != nil {
		return err
	}
	*p = next
	return nil
}

// CountUnresolved counts issues of category that are not yet resolved.
func (t *Tx) CountUnresolved(ctx context.Context, category domain.Category) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM issues WHERE category=? AND status<>?`,
		string(category), string(domain.StatusResolved)).Scan(&n)
	return n, err
}

// CountActors counts actors of kind.
func (t *Tx) CountActors(ctx context.Context, kind domain.ActorKind) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM actors WHERE kind=?`, string(kind)).Scan(&n)
	return n, err
}

// CountJoinedNotSelfAuthored counts issues actorID supports but did not create.
func (t *Tx) CountJoinedNotSelfAuthored(ctx context.Context, actorID string) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM issue_supporters s JOIN issues i ON i.id=s.issue_id
WHERE s.actor_id=? AND i.creator_id<>?`, actorID, actorID).Scan(&n)
	return n, err
}

func (t *Tx) checkWritten(ctx context.Context, res sql.Result, table, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = t.tx.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id=?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", table, id, ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%s %s changed concurrently: %w", table, id, domain.ErrConflict)
}
