// Package engine is the issue lifecycle state machine. Every transition reads and
// writes through exactly one repo.RunAtomic unit; oracle calls happen before it.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"civictrack/internal/config"
	"civictrack/internal/domain"
	"civictrack/internal/engine/auth"
	"civictrack/internal/events"
	"civictrack/internal/ledger"
	"civictrack/internal/oracle"
	"civictrack/internal/policy"
	"civictrack/internal/repo"
)

type Engine struct {
	Repo   repo.Repo
	Events events.Writer
	Oracle *oracle.Adapter
	Ledger ledger.Ledger
	Config *config.Config
	Log    *slog.Logger
	Now    func() time.Time
	NewID  func() string
}

func New(db *sql.DB, cfg *config.Config, o *oracle.Adapter, log *slog.Logger) Engine {
	if log == nil {
		log = slog.Default()
	}
	return Engine{
		Repo: repo.Repo{
			DB: db,
			Retry: repo.RetryPolicy{
				MaxAttempts:    cfg.Store.MaxAttempts,
				InitialBackoff: time.Duration(cfg.Store.InitialBackoffMS) * time.Millisecond,
				MaxBackoff:     time.Duration(cfg.Store.MaxBackoffMS) * time.Millisecond,
			},
		},
		Events: events.Writer{},
		Oracle: o,
		Config: cfg,
		Log:    log.With("component", "engine"),
		Now:    time.Now,
		NewID:  uuid.NewString,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e Engine) log() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

func (e Engine) config() (*config.Config, error) {
	if e.Config == nil {
		return nil, errors.New("config not loaded")
	}
	return e.Config, nil
}

// ensureIssueTransition allows only the edges of the lifecycle graph.
func ensureIssueTransition(from, to domain.Status) error {
	switch from {
	case domain.StatusSubmitted:
		if to == domain.StatusInProgress {
			return nil
		}
	case domain.StatusInProgress:
		if to == domain.StatusPendingApproval {
			return nil
		}
	case domain.StatusPendingApproval:
		if to == domain.StatusResolved || to == domain.StatusInProgress {
			return nil
		}
	}
	return domain.NewValidationError("status", fmt.Sprintf("invalid issue status transition %s -> %s", from, to))
}

// ensureCitizen loads actorID, creating a citizen profile on first contact.
func (e Engine) ensureCitizen(ctx context.Context, tx *repo.Tx, actorID, displayName string) (domain.ActorProfile, error) {
	if actorID == "" {
		return domain.ActorProfile{}, domain.NewValidationError("actor_id", "actor id is required")
	}
	p, err := tx.GetActor(ctx, actorID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.ActorProfile{}, err
	}
	p = domain.ActorProfile{ID: actorID, Kind: domain.ActorCitizen, DisplayName: displayName, TrustPoints: 100}
	if err := e.insertActor(ctx, tx, &p, actorID); err != nil {
		return domain.ActorProfile{}, err
	}
	return p, nil
}

// citizenByPhone finds the citizen registered for phone or creates one.
func (e Engine) citizenByPhone(ctx context.Context, tx *repo.Tx, phone string) (domain.ActorProfile, error) {
	p, err := tx.FindActorByPhone(ctx, phone)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.ActorProfile{}, err
	}
	id := e.newID()
	p = domain.ActorProfile{ID: id, Kind: domain.ActorCitizen, Phone: phone, TrustPoints: 100}
	if err := e.insertActor(ctx, tx, &p, id); err != nil {
		return domain.ActorProfile{}, err
	}
	return p, nil
}

func (e Engine) insertActor(ctx context.Context, tx *repo.Tx, p *domain.ActorProfile, registrarID string) error {
	created, err := tx.InsertActorIfAbsent(ctx, p)
	if err != nil {
		return err
	}
	if !created {
		return fmt.Errorf("actor %s: %w", p.ID, domain.ErrConflict)
	}
	return e.Events.Append(ctx, tx, events.ActorRegistered, "actor", p.ID, registrarID, events.EventPayload{
		"kind":       p.Kind,
		"department": p.Department,
		"phone":      p.Phone != "",
	})
}

// requireActor loads actorID and checks it holds perm.
func requireActor(ctx context.Context, tx *repo.Tx, actorID, perm string) (domain.ActorProfile, error) {
	if actorID == "" {
		return domain.ActorProfile{}, domain.NewValidationError("actor_id", "actor id is required")
	}
	p, err := tx.GetActor(ctx, actorID)
	if err != nil {
		return domain.ActorProfile{}, err
	}
	if err := auth.Require(p, perm); err != nil {
		return domain.ActorProfile{}, err
	}
	return p, nil
}

// awardBadges appends newly unlocked badges to p and writes it back.
func (e Engine) awardBadges(ctx context.Context, tx *repo.Tx, p *domain.ActorProfile) ([]string, error) {
	if p.Kind != domain.ActorCitizen || len(e.Config.Badges) == 0 {
		return nil, nil
	}
	var facts policy.Facts
	if policy.NeedsJoinFacts(e.Config.Badges) {
		n, err := tx.CountJoinedNotSelfAuthored(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		facts.JoinedOthers = n
	}
	unlocked := policy.EvaluateBadges(e.Config.Badges, *p, facts)
	if len(unlocked) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(unlocked))
	for _, b := range unlocked {
		p.Badges = append(p.Badges, b.ID)
		ids = append(ids, b.ID)
	}
	if err := tx.UpdateActor(ctx, p); err != nil {
		return nil, err
	}
	for _, b := range unlocked {
		if err := e.Events.Append(ctx, tx, events.ActorBadgeAwarded, "actor", p.ID, p.ID, events.EventPayload{
			"badge": b.ID,
			"title": b.Title,
		}); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// GetIssue returns an issue by id.
func (e Engine) GetIssue(ctx context.Context, id string) (domain.Issue, error) {
	return e.Repo.GetIssue(ctx, id)
}

// ListIssues returns issues matching f, newest first, and the next page cursor.
func (e Engine) ListIssues(ctx context.Context, f repo.IssueFilter) ([]domain.Issue, string, error) {
	if f.Status != "" && !f.Status.IsValid() {
		return nil, "", domain.NewValidationError("status", fmt.Sprintf("unknown status %q", f.Status))
	}
	if f.Category != "" && !f.Category.IsValid() {
		return nil, "", domain.NewValidationError("category", fmt.Sprintf("unknown category %q", f.Category))
	}
	return e.Repo.ListIssues(ctx, f)
}

// GetActor returns an actor profile by id.
func (e Engine) GetActor(ctx context.Context, id string) (domain.ActorProfile, error) {
	return e.Repo.GetActor(ctx, id)
}

// ListActors returns actor profiles of kind, or all when kind is empty.
func (e Engine) ListActors(ctx context.Context, kind domain.ActorKind) ([]domain.ActorProfile, error) {
	if kind != "" && !kind.IsValid() {
		return nil, domain.NewValidationError("kind", fmt.Sprintf("unknown actor kind %q", kind))
	}
	return e.Repo.ListActors(ctx, kind)
}

// IssueEvents returns the audit trail of an issue, newest first.
func (e Engine) IssueEvents(ctx context.Context, issueID string, limit int, cursor int64) ([]domain.Event, error) {
	if _, err := e.Repo.GetIssue(ctx, issueID); err != nil {
		return nil, err
	}
	return e.Repo.LatestEvents(ctx, limit, cursor, "", "issue", issueID)
}

// EstimateResolutionDays reports the current estimate for a new issue of category.
func (e Engine) EstimateResolutionDays(ctx context.Context, p domain.Priority, category domain.Category) (days, pending int, err error) {
	if !p.IsValid() {
		return 0, 0, domain.NewValidationError("priority", fmt.Sprintf("unknown priority %q", p))
	}
	if !category.IsValid() {
		return 0, 0, domain.NewValidationError("category", fmt.Sprintf("unknown category %q", category))
	}
	err = e.Repo.RunAtomic(ctx, func(ctx context.Context, tx *repo.Tx) error {
		var err error
		pending, err = tx.CountUnresolved(ctx, category)
		return err
	})
	if err != nil {
		return 0, 0, err
	}
	return policy.EstimateResolutionDays(p, pending), pending, nil
}
