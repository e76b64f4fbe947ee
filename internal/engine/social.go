package engine

import (
	"context"
	"fmt"
	"strings"

	"civictrack/internal/domain"
	"civictrack/internal/engine/auth"
	"civictrack/internal/events"
	"civictrack/internal/ledger"
	"civictrack/internal/policy"
	"civictrack/internal/repo"
)

// Join adds actorID to the supporters of an unresolved issue. Joining twice is a no-op.
func (e Engine) Join(ctx context.Context, issueID, actorID string) (domain.Issue, error) {
	cfg, err := e.config()
	if err != nil {
		return domain.Issue{}, err
	}
	var (
		out       domain.Issue
		joined    bool
		escalated bool
		badges    []string
	)
	err = e.Repo.RunAtomic(ctx, func(ctx context.Context, tx *repo.Tx) error {
		joined, escalated, badges = false, false, nil
		is, err := tx.GetIssue(ctx, issueID)
		if err != nil {
			return err
		}
		p, err := e.ensureCitizen(ctx, tx, actorID, "")
		if err != nil {
			return err
		}
		if err := auth.Require(p, auth.PermIssueJoin); err != nil {
			return err
		}
		if is.IsSupporter(actorID) {
			out = is
			return nil
		}
		if is.Status.Terminal() {
			return domain.NewValidationError("status", "resolved issues cannot be joined")
		}
		if _, err := tx.AddSupporter(ctx, is.ID, actorID); err != nil {
			return err
		}
		is.Supporters = append(is.Supporters, actorID)
		is.SupporterCount = len(is.Supporters)
		prev := is.Priority
		is.Priority = policy.Escalate(is.Priority, is.SupporterCount, cfg.Escalation.SupporterThreshold)
		escalated = is.Priority != prev
		if err := tx.UpdateIssue(ctx, &is); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, events.IssueJoined, "issue", is.ID, actorID, events.EventPayload{
			"supporter_count": is.SupporterCount,
		}); err != nil {
			return err
		}
		if escalated {
			if err := e.Events.Append(ctx, tx, events.IssueEscalated, "issue", is.ID, actorID, events.EventPayload{
				"from":            prev,
				"to":              is.Priority,
				"supporter_count": is.SupporterCount,
			}); err != nil {
				return err
			}
		}
		badges, err = e.awardBadges(ctx, tx, &p)
		if err != nil {
			return err
		}
		joined = true
		out = is
		return nil
	})
	if err != nil {
		return domain.Issue{}, err
	}
	if joined {
		e.log().InfoContext(ctx, "issue joined", "issue_id", out.ID, "actor_id", actorID, "status", out.Status,
			"supporters", out.SupporterCount, "escalated", escalated, "badges", badges)
	}
	return out, nil
}

// FeedbackOptions is one supporter's rating of a resolved issue.
type FeedbackOptions struct {
	IssueID string
	ActorID string
	Rating  int
	Comment string
}

// Feedback stores a rating and adjusts the staff member's trust by its distance from
// the neutral rating. It reports false, without error, when the actor is not eligible.
func (e Engine) Feedback(ctx context.Context, opts FeedbackOptions) (domain.Issue, bool, error) {
	cfg, err := e.config()
	if err != nil {
		return domain.Issue{}, false, err
	}
	if opts.Rating < 1 || opts.Rating > 10 {
		return domain.Issue{}, false, domain.NewValidationError("rating", "rating must be within 1..10")
	}
	if opts.ActorID == "" {
		return domain.Issue{}, false, domain.NewValidationError("actor_id", "actor id is required")
	}
	var (
		out     domain.Issue
		applied bool
	)
	err = e.Repo.RunAtomic(ctx, func(ctx context.Context, tx *repo.Tx) error {
		applied = false
		is, err := tx.GetIssue(ctx, opts.IssueID)
		if err != nil {
			return err
		}
		out = is
		if is.Status != domain.StatusResolved || !is.IsSupporter(opts.ActorID) || is.HasFeedbackFrom(opts.ActorID) {
			return nil
		}
		rater, err := tx.GetActor(ctx, opts.ActorID)
		if err != nil {
			return err
		}
		if err := auth.Require(rater, auth.PermIssueFeedback); err != nil {
			return err
		}
		if is.Feedback == nil {
			is.Feedback = map[string]domain.FeedbackEntry{}
		}
		is.Feedback[opts.ActorID] = domain.FeedbackEntry{
			Rating:  opts.Rating,
			Comment: strings.TrimSpace(opts.Comment),
			At:      e.now().UTC(),
		}
		if err := tx.UpdateIssue(ctx, &is); err != nil {
			return err
		}
		var changes []ledger.Change
		if is.AssignedStaffID != "" {
			_, changes, err = e.Ledger.Apply(ctx, tx, is.AssignedStaffID, ledger.Trust(opts.Rating-cfg.Scoring.FeedbackNeutralRating))
			if err != nil {
				return err
			}
		}
		applied = true
		out = is
		return e.Events.Append(ctx, tx, events.IssueFeedback, "issue", is.ID, opts.ActorID, events.EventPayload{
			"rating":          opts.Rating,
			"staff_id":        is.AssignedStaffID,
			"counter_changes": changes,
		})
	})
	if err != nil {
		return domain.Issue{}, false, err
	}
	if applied {
		e.log().InfoContext(ctx, "feedback recorded", "issue_id", out.ID, "actor_id", opts.ActorID, "rating", opts.Rating)
	} else {
		e.log().DebugContext(ctx, "feedback ignored", "issue_id", out.ID, "actor_id", opts.ActorID, "status", out.Status)
	}
	return out, applied, nil
}

// Comment appends a comment. Unknown actors are registered as citizens.
func (e Engine) Comment(ctx context.Context, issueID, actorID, text string) (domain.Issue, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Issue{}, domain.NewValidationError("text", "comment text is required")
	}
	if len(text) > 2000 {
		return domain.Issue{}, domain.NewValidationError("text", "comment is longer than 2000 characters")
	}
	var out domain.Issue
	err := e.Repo.RunAtomic(ctx, func(ctx context.Context, tx *repo.Tx) error {
		is, err := tx.GetIssue(ctx, issueID)
		if err != nil {
			return err
		}
		p, err := e.ensureCitizen(ctx, tx, actorID, "")
		if err != nil {
			return err
		}
		if err := auth.Require(p, auth.PermIssueComment); err != nil {
			return err
		}
		is.Comments = append(is.Comments, domain.Comment{ActorID: actorID, Text: text, At: e.now().UTC()})
		if err := tx.UpdateIssue(ctx, &is); err != nil {
			return err
		}
		out = is
		return e.Events.Append(ctx, tx, events.IssueCommented, "issue", is.ID, actorID, events.EventPayload{
			"comments": len(is.Comments),
		})
	})
	if err != nil {
		return domain.Issue{}, err
	}
	return out, nil
}

// Like marks the issue as liked by actorID. It is idempotent.
func (e Engine) Like(ctx context.Context, issueID, actorID string) (domain.Issue, error) {
	return e.setLike(ctx, issueID, actorID, true)
}

// Unlike removes a like. It is idempotent.
func (e Engine) Unlike(ctx context.Context, issueID, actorID string) (domain.Issue, error) {
	return e.setLike(ctx, issueID, actorID, false)
}

func (e Engine) setLike(ctx context.Context, issueID, actorID string, like bool) (domain.Issue, error) {
	var out domain.Issue
	err := e.Repo.RunAtomic(ctx, func(ctx context.Context, tx *repo.Tx) error {
		is, err := tx.GetIssue(ctx, issueID)
		if err != nil {
			return err
		}
		if _, err := e.ensureCitizen(ctx, tx, actorID, ""); err != nil {
			return err
		}
		out = is
		if is.HasLiked(actorID) == like {
			return nil
		}
		evt := events.IssueLiked
		if like {
			is.LikedBy = append(is.LikedBy, actorID)
		} else {
			evt = events.IssueUnliked
			is.LikedBy = without(is.LikedBy, actorID)
		}
		if err := tx.UpdateIssue(ctx, &is); err != nil {
			return err
		}
		out = is
		return e.Events.Append(ctx, tx, evt, "issue", is.ID, actorID, events.EventPayload{
			"likes": len(is.LikedBy),
		})
	})
	if err != nil {
		return domain.Issue{}, fmt.Errorf("update likes: %w", err)
	}
	return out, nil
}

func without(items []string, v string) []string {
	out := items[:0:0]
	for _, it := range items {
		if it != v {
			out = append(out, it)
		}
	}
	return out
}
