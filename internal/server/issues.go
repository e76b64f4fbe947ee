package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"civictrack/internal/domain"
	"civictrack/internal/engine"
	"civictrack/internal/intake"
	"civictrack/internal/policy"
	"civictrack/internal/repo"
)

type issueOutput struct {
	Body domain.Issue `json:"body"`
}

type issuePath struct {
	IssueID string `path:"issue_id"`
}

func registerIssues(api huma.API, e engine.Engine, g *intake.Gateway) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-issue",
		Method:        http.MethodPost,
		Path:          "/issues",
		Summary:       "Report an issue",
		Description:   "Classifies the evidence and files the issue under the calling citizen. Irrelevant evidence is rejected with 422 and costs the reporter trust.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateIssueRequest `json:"body"`
	}) (*issueOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		is, err := g.SubmitForm(ctx, intake.FormSubmission{
			ActorID:      actorID,
			DisplayName:  input.Body.DisplayName,
			Images:       input.Body.Images,
			Notes:        input.Body.Notes,
			Transcript:   input.Body.Transcript,
			AudioRef:     input.Body.AudioRef,
			Category:     input.Body.Category,
			Location:     input.Body.Location,
			Address:      input.Body.Address,
			LocalityCode: input.Body.LocalityCode,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &issueOutput{Body: is}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-issues",
		Method:      http.MethodGet,
		Path:        "/issues",
		Summary:     "List issues",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status          string `query:"status" enum:"submitted,in_progress,pending_approval,resolved"`
		Category        string `query:"category"`
		CreatorID       string `query:"creator_id"`
		SupporterID     string `query:"supporter_id"`
		AssignedStaffID string `query:"assigned_staff_id"`
		LocalityCode    string `query:"locality_code"`
		Limit           int    `query:"limit" default:"50"`
		Cursor          string `query:"cursor"`
	}) (*struct {
		Body paginatedIssues `json:"body"`
	}, error) {
		var category domain.Category
		if strings.TrimSpace(input.Category) != "" {
			c, err := intake.ParseCategory(input.Category)
			if err != nil {
				return nil, handleError(err)
			}
			category = c
		}
		items, next, err := e.ListIssues(ctx, repo.IssueFilter{
			CreatorID:       input.CreatorID,
			SupporterID:     input.SupporterID,
			AssignedStaffID: input.AssignedStaffID,
			Status:          domain.Status(input.Status),
			Category:        category,
			LocalityCode:    input.LocalityCode,
			Limit:           normalizeLimit(input.Limit),
			Cursor:          input.Cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedIssues `json:"body"`
		}{Body: paginatedIssues{Items: issuesOrEmpty(items), NextCursor: next}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-issue",
		Method:      http.MethodGet,
		Path:        "/issues/{issue_id}",
		Summary:     "Get issue",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *issuePath) (*issueOutput, error) {
		is, err := e.GetIssue(ctx, input.IssueID)
		if err != nil {
			return nil, handleError(err)
		}
		return &issueOutput{Body: is}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-issue-events",
		Method:      http.MethodGet,
		Path:        "/issues/{issue_id}/events",
		Summary:     "Audit trail of an issue",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IssueID string `path:"issue_id"`
		Limit   int    `query:"limit" default:"50"`
		Cursor  string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursor, cursorErr := parseEventCursor(input.Cursor)
		if cursorErr != nil {
			return nil, cursorErr
		}
		items, err := e.IssueEvents(ctx, input.IssueID, limit+1, cursor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: pageEvents(items, limit)}, nil
	})
}

func registerWorkflow(api huma.API, e engine.Engine) {
	transitionErrors := []int{
		http.StatusBadRequest,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusConflict,
	}

	huma.Register(api, huma.Operation{
		OperationID: "assign-issue",
		Method:      http.MethodPost,
		Path:        "/issues/{issue_id}/assign",
		Summary:     "Dispatch a submitted issue to field staff",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		IssueID string        `path:"issue_id"`
		Body    AssignRequest `json:"body"`
	}) (*issueOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		is, err := e.Assign(ctx, engine.AssignOptions{
			IssueID:    input.IssueID,
			OfficialID: actorID,
			StaffID:    strings.TrimSpace(input.Body.StaffID),
			Deadline:   input.Body.Deadline,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &issueOutput{Body: is}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-completion",
		Method:      http.MethodPost,
		Path:        "/issues/{issue_id}/completion",
		Summary:     "Submit proof of repair",
		Description: "Runs fraud, relevance and before/after checks. A fraudulent photo is rejected with 422 and penalizes the staff member.",
		Errors:      append([]int{http.StatusUnprocessableEntity, http.StatusServiceUnavailable}, transitionErrors...),
	}, func(ctx context.Context, input *struct {
		IssueID string            `path:"issue_id"`
		Body    CompletionRequest `json:"body"`
	}) (*issueOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		is, err := e.SubmitCompletion(ctx, engine.CompletionOptions{
			IssueID: input.IssueID,
			StaffID: actorID,
			Images:  input.Body.Images,
			Notes:   input.Body.Notes,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &issueOutput{Body: is}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-issue",
		Method:      http.MethodPost,
		Path:        "/issues/{issue_id}/approve",
		Summary:     "Approve a completed repair",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *issuePath) (*issueOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		is, err := e.Approve(ctx, input.IssueID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &issueOutput{Body: is}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-issue",
		Method:      http.MethodPost,
		Path:        "/issues/{issue_id}/reject",
		Summary:     "Send a completed repair back to the staff member",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		IssueID string        `path:"issue_id"`
		Body    RejectRequest `json:"body"`
	}) (*issueOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		is, err := e.Reject(ctx, input.IssueID, actorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &issueOutput{Body: is}, nil
	})
}

func registerSocial(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "join-issue",
		Method:      http.MethodPost,
		Path:        "/issues/{issue_id}/supporters",
		Summary:     "Support an issue",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *issuePath) (*issueOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		is, err := e.Join(ctx, input.IssueID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &issueOutput{Body: is}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "give-feedback",
		Method:      http.MethodPost,
		Path:        "/issues/{issue_id}/feedback",
		Summary:     "Rate the repair of a resolved issue",
		Description: "applied is false when the caller is not an eligible supporter or already rated.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		IssueID string          `path:"issue_id"`
		Body    FeedbackRequest `json:"body"`
	}) (*struct {
		Body FeedbackResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		is, applied, err := e.Feedback(ctx, engine.FeedbackOptions{
			IssueID: input.IssueID,
			ActorID: actorID,
			Rating:  input.Body.Rating,
			Comment: input.Body.Comment,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FeedbackResponse `json:"body"`
		}{Body: FeedbackResponse{Applied: applied, Issue: is}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "comment-issue",
		Method:      http.MethodPost,
		Path:        "/issues/{issue_id}/comments",
		Summary:     "Comment on an issue",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		IssueID string         `path:"issue_id"`
		Body    CommentRequest `json:"body"`
	}) (*issueOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		is, err := e.Comment(ctx, input.IssueID, actorID, input.Body.Text)
		if err != nil {
			return nil, handleError(err)
		}
		return &issueOutput{Body: is}, nil
	})

	for _, like := range []bool{true, false} {
		op := huma.Operation{
			OperationID: "like-issue",
			Method:      http.MethodPut,
			Path:        "/issues/{issue_id}/like",
			Summary:     "Like an issue",
			Errors:      []int{http.StatusNotFound, http.StatusConflict},
		}
		if !like {
			op.OperationID = "unlike-issue"
			op.Method = http.MethodDelete
			op.Summary = "Remove a like"
		}
		like := like
		huma.Register(api, op, func(ctx context.Context, input *issuePath) (*issueOutput, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			setLike := e.Like
			if !like {
				setLike = e.Unlike
			}
			is, err := setLike(ctx, input.IssueID, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &issueOutput{Body: is}, nil
		})
	}
}

func registerEstimate(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "estimate-resolution",
		Method:      http.MethodGet,
		Path:        "/estimate",
		Summary:     "Estimate resolution time for a new issue",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Priority string `query:"priority" enum:"low,medium,high,Low,Medium,High"`
		Category string `query:"category"`
	}) (*struct {
		Body EstimateResponse `json:"body"`
	}, error) {
		category, err := intake.ParseCategory(input.Category)
		if err != nil {
			return nil, handleError(err)
		}
		p := domain.Priority(strings.ToLower(strings.TrimSpace(input.Priority)))
		days, pending, err := e.EstimateResolutionDays(ctx, p, category)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EstimateResponse `json:"body"`
		}{Body: EstimateResponse{
			Priority:            p,
			Category:            category,
			PendingCount:        pending,
			Days:                days,
			EstimatedResolution: policy.ResolutionDate(time.Now().UTC(), days),
		}}, nil
	})
}

func registerTelephony(api huma.API, g *intake.Gateway, authCfg AuthConfig) {
	if authCfg.TelephonySecret == "" {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID:   "telephony-voice-callback",
		Method:        http.MethodPost,
		Path:          "/" + telephonyPath,
		Summary:       "Voice report callback from the telephony provider",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body intake.VoiceCallback `json:"body"`
	}) (*issueOutput, error) {
		is, err := g.HandleVoiceCallback(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &issueOutput{Body: is}, nil
	})
}
