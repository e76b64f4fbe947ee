package engine

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"civictrack/internal/domain"
	"civictrack/internal/engine/auth"
	"civictrack/internal/events"
	"civictrack/internal/ledger"
	"civictrack/internal/oracle"
	"civictrack/internal/policy"
	"civictrack/internal/repo"
)

const maxEvidenceImages = 5

// CreateIssueOptions is the canonical form submission.
type CreateIssueOptions struct {
	ActorID      string
	DisplayName  string
	Images       []string
	Notes        string
	Transcript   string
	AudioRef     string
	Category     domain.Category
	Location     *domain.Location
	Address      string
	LocalityCode string
}

// VoiceIssueOptions is a phone report already structured by the voice parser.
type VoiceIssueOptions struct {
	CallerPhone   string
	AudioRef      string
	Images        []string
	Title         string
	Category      domain.Category
	Transcript    string
	Address       string
	LocalityCode  string
	Priority      domain.Priority
	SeverityScore int
	Reasoning     string
}

// classification is everything the oracles decide about a new issue.
type classification struct {
	severity  int
	reasoning string
	priority  domain.Priority
	title     string
}

// creatorFunc resolves the reporting citizen inside the atomic unit.
type creatorFunc func(ctx context.Context, tx *repo.Tx) (domain.ActorProfile, error)

func validateEvidence(images []string, hasVoice bool, loc *domain.Location, address, locality string) error {
	if len(images) > maxEvidenceImages {
		return domain.NewValidationError("images", fmt.Sprintf("at most %d images are accepted", maxEvidenceImages))
	}
	for _, img := range images {
		if strings.TrimSpace(img) == "" {
			return domain.NewValidationError("images", "image reference is empty")
		}
	}
	if len(images) == 0 && !hasVoice {
		return domain.NewValidationError("images", "at least one evidence image is required")
	}
	if loc == nil && strings.TrimSpace(address) == "" && strings.TrimSpace(locality) == "" {
		return domain.NewValidationError("location", "a location, address or locality code is required")
	}
	if loc != nil && (loc.Lat < -90 || loc.Lat > 90 || loc.Lng < -180 || loc.Lng > 180) {
		return domain.NewValidationError("location", "coordinates out of range")
	}
	return nil
}

// Create turns a citizen submission into a Submitted issue, or applies the
// irrelevance penalty and returns a RejectionError.
func (e Engine) Create(ctx context.Context, opts CreateIssueOptions) (domain.Issue, error) {
	if _, err := e.config(); err != nil {
		return domain.Issue{}, err
	}
	if opts.ActorID == "" {
		return domain.Issue{}, domain.NewValidationError("actor_id", "actor id is required")
	}
	if !opts.Category.IsValid() {
		return domain.Issue{}, domain.NewValidationError("category", fmt.Sprintf("unknown category %q", opts.Category))
	}
	// Transcript-only reports arrive through CreateFromVoice; a form report needs a photo.
	if err := validateEvidence(opts.Images, false, opts.Location, opts.Address, opts.LocalityCode); err != nil {
		return domain.Issue{}, err
	}
	draft := domain.Issue{
		Category:     opts.Category,
		Notes:        strings.TrimSpace(opts.Notes),
		Transcript:   strings.TrimSpace(opts.Transcript),
		Images:       append([]string(nil), opts.Images...),
		AudioRef:     opts.AudioRef,
		Location:     opts.Location,
		Address:      strings.TrimSpace(opts.Address),
		LocalityCode: strings.TrimSpace(opts.LocalityCode),
	}
	creator := func(ctx context.Context, tx *repo.Tx) (domain.ActorProfile, error) {
		p, err := e.ensureCitizen(ctx, tx, opts.ActorID, opts.DisplayName)
		if err != nil {
			return p, err
		}
		return p, auth.Require(p, auth.PermIssueCreate)
	}
	return e.create(ctx, draft, creator, nil)
}

// CreateFromVoice runs a phone report through the same Create logic. Without images
// the parsed classification stands in for the image classifier.
func (e Engine) CreateFromVoice(ctx context.Context, opts VoiceIssueOptions) (domain.Issue, error) {
	if _, err := e.config(); err != nil {
		return domain.Issue{}, err
	}
	phone := strings.TrimSpace(opts.CallerPhone)
	if phone == "" {
		return domain.Issue{}, domain.NewValidationError("caller_phone", "caller phone number is required")
	}
	if !opts.Category.IsValid() {
		opts.Category = domain.CategoryOther
	}
	hasVoice := strings.TrimSpace(opts.Transcript) != ""
	if err := validateEvidence(opts.Images, hasVoice, nil, opts.Address, opts.LocalityCode); err != nil {
		return domain.Issue{}, err
	}
	draft := domain.Issue{
		Title:        strings.TrimSpace(opts.Title),
		Category:     opts.Category,
		Transcript:   strings.TrimSpace(opts.Transcript),
		Images:       append([]string(nil), opts.Images...),
		AudioRef:     opts.AudioRef,
		Address:      strings.TrimSpace(opts.Address),
		LocalityCode: strings.TrimSpace(opts.LocalityCode),
		FromVoice:    true,
		CallerPhone:  phone,
	}
	creator := func(ctx context.Context, tx *repo.Tx) (domain.ActorProfile, error) {
		p, err := e.citizenByPhone(ctx, tx, phone)
		if err != nil {
			return p, err
		}
		return p, auth.Require(p, auth.PermIssueCreate)
	}
	var pre *classification
	if len(opts.Images) == 0 {
		if opts.SeverityScore < 1 || opts.SeverityScore > 10 {
			return domain.Issue{}, domain.NewValidationError("severity_score", "severity must be within 1..10")
		}
		if !opts.Priority.IsValid() {
			return domain.Issue{}, domain.NewValidationError("priority", fmt.Sprintf("unknown priority %q", opts.Priority))
		}
		pre = &classification{
			severity:  opts.SeverityScore,
			reasoning: opts.Reasoning,
			priority:  opts.Priority,
			title:     strings.TrimSpace(opts.Title),
		}
	}
	return e.create(ctx, draft, creator, pre)
}

func (e Engine) create(ctx context.Context, draft domain.Issue, creator creatorFunc, pre *classification) (domain.Issue, error) {
	var cls classification
	if pre != nil {
		cls = *pre
	} else {
		sev, err := e.Oracle.ClassifySeverity(ctx, oracle.SeverityRequest{Images: draft.Images, Notes: draft.Notes})
		if err != nil {
			return domain.Issue{}, err
		}
		if !sev.IsRelevant {
			return domain.Issue{}, e.rejectIrrelevant(ctx, draft, creator, sev.RejectionReason)
		}
		cls.severity = sev.SeverityScore
		cls.reasoning = sev.Reasoning
		if draft.FromVoice {
			cls.title = draft.Title
		}
	}
	if err := e.completeClassification(ctx, draft, &cls); err != nil {
		return domain.Issue{}, err
	}

	id := e.newID()
	submitted := e.now().UTC()
	var (
		out     domain.Issue
		changes []ledger.Change
		badges  []string
	)
	err := e.Repo.RunAtomic(ctx, func(ctx context.Context, tx *repo.Tx) error {
		p, err := creator(ctx, tx)
		if err != nil {
			return err
		}
		pending, err := tx.CountUnresolved(ctx, draft.Category)
		if err != nil {
			return err
		}
		days := policy.EstimateResolutionDays(cls.priority, pending)

		is := draft
		is.ID = id
		is.CreatorID = p.ID
		is.Title = cls.title
		is.Status = domain.StatusSubmitted
		is.Priority = cls.priority
		is.SeverityScore = cls.severity
		is.SeverityReasoning = cls.reasoning
		is.SubmittedAt = submitted
		is.EstimatedResolution = policy.ResolutionDate(submitted, days)
		is.Supporters = []string{p.ID}
		is.SupporterCount = 1
		created, err := tx.CreateIssueIfAbsent(ctx, &is)
		if err != nil {
			return err
		}
		if !created {
			return fmt.Errorf("issue %s: %w", id, domain.ErrConflict)
		}

		scoring := e.Config.Scoring
		changes, err = ledger.ApplyAll(&p,
			ledger.Add(ledger.UtilityPoints, cls.severity),
			ledger.Add(ledger.ReportCount, 1),
			ledger.Trust(scoring.CreateTrustReward),
		)
		if err != nil {
			return err
		}
		if err := tx.UpdateActor(ctx, &p); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, events.IssueCreated, "issue", is.ID, p.ID, events.EventPayload{
			"category":        is.Category,
			"priority":        is.Priority,
			"severity":        is.SeverityScore,
			"estimated_days":  days,
			"pending":         pending,
			"from_voice":      is.FromVoice,
			"locality_code":   is.LocalityCode,
			"counter_changes": changes,
		}); err != nil {
			return err
		}
		badges, err = e.awardBadges(ctx, tx, &p)
		if err != nil {
			return err
		}
		out = is
		return nil
	})
	if err != nil {
		return domain.Issue{}, err
	}
	e.log().InfoContext(ctx, "issue created",
		"issue_id", out.ID, "actor_id", out.CreatorID, "status", out.Status,
		"priority", out.Priority, "severity", out.SeverityScore, "badges", badges)
	return out, nil
}

// completeClassification fills the priority and title the caller did not supply.
func (e Engine) completeClassification(ctx context.Context, draft domain.Issue, cls *classification) error {
	g, gctx := errgroup.WithContext(ctx)
	if !cls.priority.IsValid() {
		g.Go(func() error {
			p, err := e.Oracle.ClassifyPriority(gctx, oracle.PriorityRequest{
				SeverityScore: cls.severity,
				Category:      draft.Category,
				Notes:         draft.Notes,
				Transcript:    draft.Transcript,
			})
			if err != nil {
				return err
			}
			cls.priority = p
			return nil
		})
	}
	if cls.title == "" {
		g.Go(func() error {
			title, err := e.Oracle.GenerateTitle(gctx, oracle.TitleRequest{
				Category:   draft.Category,
				Notes:      draft.Notes,
				Transcript: draft.Transcript,
				Reasoning:  cls.reasoning,
			})
			if err != nil {
				return err
			}
			cls.title = title
			return nil
		})
	}
	return g.Wait()
}

// rejectIrrelevant applies the trust penalty and reports the oracle's reason.
func (e Engine) rejectIrrelevant(ctx context.Context, draft domain.Issue, creator creatorFunc, reason string) error {
	var actorID string
	err := e.Repo.RunAtomic(ctx, func(ctx context.Context, tx *repo.Tx) error {
		p, err := creator(ctx, tx)
		if err != nil {
			return err
		}
		actorID = p.ID
		_, changes, err := e.Ledger.Apply(ctx, tx, p.ID, ledger.Trust(-e.Config.Scoring.IrrelevantPenalty))
		if err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.IssueRejectedOnCreate, "actor", p.ID, p.ID, events.EventPayload{
			"category":        draft.Category,
			"reason":          reason,
			"counter_changes": changes,
		})
	})
	if err != nil {
		return err
	}
	e.log().InfoContext(ctx, "submission rejected as irrelevant", "actor_id", actorID, "reason", reason)
	return domain.Irrelevant(reason)
}
