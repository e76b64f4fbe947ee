package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"civictrack/internal/domain"
	"civictrack/internal/engine/auth"
	"civictrack/internal/events"
	"civictrack/internal/ledger"
	"civictrack/internal/oracle"
	"civictrack/internal/policy"
	"civictrack/internal/repo"
)

// AssignOptions are parameters for dispatching an issue to field staff.
type AssignOptions struct {
	IssueID    string
	OfficialID string
	StaffID    string
	Deadline   time.Time
}

// Assign moves a Submitted issue to InProgress under the given staff member.
func (e Engine) Assign(ctx context.Context, opts AssignOptions) (domain.Issue, error) {
	cfg, err := e.config()
	if err != nil {
		return domain.Issue{}, err
	}
	if opts.StaffID == "" {
		return domain.Issue{}, domain.NewValidationError("staff_id", "staff id is required")
	}
	if opts.Deadline.IsZero() {
		return domain.Issue{}, domain.NewValidationError("deadline", "deadline is required")
	}
	var out domain.Issue
	err = e.Repo.RunAtomic(ctx, func(ctx context.Context, tx *repo.Tx) error {
		if _, err := requireActor(ctx, tx, opts.OfficialID, auth.PermIssueAssign); err != nil {
			return err
		}
		is, err := tx.GetIssue(ctx, opts.IssueID)
		if err != nil {
			return err
		}
		if err := ensureIssueTransition(is.Status, domain.StatusInProgress); err != nil {
			return err
		}
		staff, err := tx.GetActor(ctx, opts.StaffID)
		if err != nil {
			return err
		}
		if staff.Kind != domain.ActorStaff {
			return domain.NewValidationError("staff_id", fmt.Sprintf("actor %s is not field staff", staff.ID))
		}
		if !policy.CanHandle(cfg, staff.Department, is.Category) {
			return domain.NewValidationError("staff_id", fmt.Sprintf("department %q does not handle %s issues", staff.Department, is.Category))
		}
		deadline := opts.Deadline
		is.Status = domain.StatusInProgress
		is.AssignedStaffID = staff.ID
		is.AssignedStaffName = staff.DisplayName
		is.Deadline = &deadline
		if err := tx.UpdateIssue(ctx, &is); err != nil {
			return err
		}
		out = is
		return e.Events.Append(ctx, tx, events.IssueAssigned, "issue", is.ID, opts.OfficialID, events.EventPayload{
			"staff_id":   staff.ID,
			"department": staff.Department,
			"deadline":   deadline.UTC().Format(time.RFC3339),
		})
	})
	if err != nil {
		return domain.Issue{}, err
	}
	e.log().InfoContext(ctx, "issue assigned", "issue_id", out.ID, "actor_id", opts.OfficialID, "staff_id", out.AssignedStaffID, "status", out.Status)
	return out, nil
}

// CompletionOptions carries the staff member's proof of repair.
type CompletionOptions struct {
	IssueID string
	StaffID string
	Images  []string
	Notes   string
}

// SubmitCompletion runs the fraud, relevance and comparison checks in that order;
// the first negative verdict ends the call.
func (e Engine) SubmitCompletion(ctx context.Context, opts CompletionOptions) (domain.Issue, error) {
	if _, err := e.config(); err != nil {
		return domain.Issue{}, err
	}
	notes := strings.TrimSpace(opts.Notes)
	if len(opts.Images) == 0 || len(opts.Images) > maxEvidenceImages {
		return domain.Issue{}, domain.NewValidationError("images", fmt.Sprintf("between 1 and %d completion images are required", maxEvidenceImages))
	}
	if notes == "" {
		return domain.Issue{}, domain.NewValidationError("notes", "completion notes are required")
	}
	before, err := e.Repo.GetIssue(ctx, opts.IssueID)
	if err != nil {
		return domain.Issue{}, err
	}
	if err := checkCompletable(before, opts.StaffID); err != nil {
		return domain.Issue{}, err
	}

	fraudulent, err := e.Oracle.DetectFraudulentImage(ctx, opts.Images)
	if err != nil {
		return domain.Issue{}, err
	}
	if fraudulent {
		return domain.Issue{}, e.flagFraud(ctx, opts)
	}
	rel, err := e.Oracle.ClassifySeverity(ctx, oracle.SeverityRequest{Images: opts.Images, Notes: notes})
	if err != nil {
		return domain.Issue{}, err
	}
	if !rel.IsRelevant {
		e.log().InfoContext(ctx, "completion rejected as irrelevant", "issue_id", opts.IssueID, "actor_id", opts.StaffID, "reason", rel.RejectionReason)
		return domain.Issue{}, domain.Irrelevant(rel.RejectionReason)
	}
	analysis, err := e.Oracle.CompareCompletion(ctx, oracle.CompletionRequest{
		BeforeImages:     before.Images,
		BeforeNotes:      before.Notes,
		BeforeTranscript: before.Transcript,
		AfterImages:      opts.Images,
		AfterNotes:       notes,
	})
	if err != nil {
		return domain.Issue{}, err
	}

	var out domain.Issue
	err = e.Repo.RunAtomic(ctx, func(ctx context.Context, tx *repo.Tx) error {
		is, err := tx.GetIssue(ctx, opts.IssueID)
		if err != nil {
			return err
		}
		if err := checkCompletable(is, opts.StaffID); err != nil {
			return err
		}
		if err := ensureIssueTransition(is.Status, domain.StatusPendingApproval); err != nil {
			return err
		}
		result := analysis
		is.Status = domain.StatusPendingApproval
		is.CompletionNotes = notes
		is.CompletionImages = append([]string(nil), opts.Images...)
		is.Completion = &result
		is.RejectionReason = ""
		if err := tx.UpdateIssue(ctx, &is); err != nil {
			return err
		}
		out = is
		return e.Events.Append(ctx, tx, events.IssueCompletion, "issue", is.ID, opts.StaffID, events.EventPayload{
			"images":          len(opts.Images),
			"is_satisfactory": result.IsSatisfactory,
			"summary":         result.Summary,
		})
	})
	if err != nil {
		return domain.Issue{}, err
	}
	e.log().InfoContext(ctx, "completion submitted", "issue_id", out.ID, "actor_id", opts.StaffID, "status", out.Status, "satisfactory", analysis.IsSatisfactory)
	return out, nil
}

func checkCompletable(is domain.Issue, staffID string) error {
	if staffID == "" {
		return domain.NewValidationError("staff_id", "staff id is required")
	}
	if is.Status != domain.StatusInProgress {
		return domain.NewValidationError("status", fmt.Sprintf("completion requires status %s, issue is %s", domain.StatusInProgress, is.Status))
	}
	if is.AssignedStaffID != staffID {
		return auth.ForbiddenError{ActorID: staffID, Permission: auth.PermIssueComplete}
	}
	return nil
}

// flagFraud penalizes the staff member; the issue itself is left untouched.
func (e Engine) flagFraud(ctx context.Context, opts CompletionOptions) error {
	err := e.Repo.RunAtomic(ctx, func(ctx context.Context, tx *repo.Tx) error {
		is, err := tx.GetIssue(ctx, opts.IssueID)
		if err != nil {
			return err
		}
		if err := checkCompletable(is, opts.StaffID); err != nil {
			return err
		}
		_, changes, err := e.Ledger.Apply(ctx, tx, opts.StaffID,
			ledger.Trust(-e.Config.Scoring.FraudPenalty),
			ledger.Add(ledger.AIImageWarnings, 1),
		)
		if err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.IssueCompletionFlagged, "issue", is.ID, opts.StaffID, events.EventPayload{
			"images":          len(opts.Images),
			"counter_changes": changes,
		})
	})
	if err != nil {
		return err
	}
	e.log().WarnContext(ctx, "completion images flagged", "issue_id", opts.IssueID, "actor_id", opts.StaffID)
	return domain.Fraudulent("completion images appear AI-generated or manipulated")
}

// Approve resolves a PendingApproval issue and rewards the assigned staff.
func (e Engine) Approve(ctx context.Context, issueID, officialID string) (domain.Issue, error) {
	if _, err := e.config(); err != nil {
		return domain.Issue{}, err
	}
	var out domain.Issue
	err := e.Repo.RunAtomic(ctx, func(ctx context.Context, tx *repo.Tx) error {
		if _, err := requireActor(ctx, tx, officialID, auth.PermIssueReview); err != nil {
			return err
		}
		is, err := tx.GetIssue(ctx, issueID)
		if err != nil {
			return err
		}
		if err := ensureIssueTransition(is.Status, domain.StatusResolved); err != nil {
			return err
		}
		is.Status = domain.StatusResolved
		is.RejectionReason = ""
		if err := tx.UpdateIssue(ctx, &is); err != nil {
			return err
		}
		_, changes, err := e.Ledger.Apply(ctx, tx, is.AssignedStaffID,
			ledger.Add(ledger.EfficiencyPoints, is.SeverityScore),
			ledger.Trust(e.Config.Scoring.ApproveTrustReward),
		)
		if err != nil {
			return err
		}
		out = is
		return e.Events.Append(ctx, tx, events.IssueApproved, "issue", is.ID, officialID, events.EventPayload{
			"staff_id":        is.AssignedStaffID,
			"counter_changes": changes,
		})
	})
	if err != nil {
		return domain.Issue{}, err
	}
	e.log().InfoContext(ctx, "issue approved", "issue_id", out.ID, "actor_id", officialID, "status", out.Status)
	return out, nil
}

// Reject sends a PendingApproval issue back to InProgress with a reason.
func (e Engine) Reject(ctx context.Context, issueID, officialID, reason string) (domain.Issue, error) {
	if _, err := e.config(); err != nil {
		return domain.Issue{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.Issue{}, domain.NewValidationError("reason", "rejection reason is required")
	}
	var out domain.Issue
	err := e.Repo.RunAtomic(ctx, func(ctx context.Context, tx *repo.Tx) error {
		if _, err := requireActor(ctx, tx, officialID, auth.PermIssueReview); err != nil {
			return err
		}
		is, err := tx.GetIssue(ctx, issueID)
		if err != nil {
			return err
		}
		if is.Status != domain.StatusPendingApproval {
			return domain.NewValidationError("status", fmt.Sprintf("rejection requires status %s, issue is %s", domain.StatusPendingApproval, is.Status))
		}
		if err := ensureIssueTransition(is.Status, domain.StatusInProgress); err != nil {
			return err
		}
		is.Status = domain.StatusInProgress
		is.RejectionReason = reason
		if err := tx.UpdateIssue(ctx, &is); err != nil {
			return err
		}
		_, changes, err := e.Ledger.Apply(ctx, tx, is.AssignedStaffID, ledger.Trust(-e.Config.Scoring.RejectTrustPenalty))
		if err != nil {
			return err
		}
		out = is
		return e.Events.Append(ctx, tx, events.IssueRejected, "issue", is.ID, officialID, events.EventPayload{
			"staff_id":        is.AssignedStaffID,
			"reason":          reason,
			"counter_changes": changes,
		})
	})
	if err != nil {
		return domain.Issue{}, err
	}
	e.log().InfoContext(ctx, "issue rejected", "issue_id", out.ID, "actor_id", officialID, "status", out.Status)
	return out, nil
}
