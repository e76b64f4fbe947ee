package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"civictrack/internal/app"
	"civictrack/internal/domain"
	"civictrack/internal/engine"
	"civictrack/internal/intake"
	"civictrack/internal/repo"
)

func issueCmd() *cobra.Command {
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Manage issues",
		Long:  "Issues are civic problems reported with photo evidence. Officials assign them to staff, staff submit completion proof, officials approve or reject it.",
	}
	issue.AddCommand(issueCreateCmd())
	issue.AddCommand(issueShowCmd())
	issue.AddCommand(issueListCmd())
	issue.AddCommand(issueAssignCmd())
	issue.AddCommand(issueJoinCmd())
	issue.AddCommand(issueCompleteCmd())
	issue.AddCommand(issueApproveCmd())
	issue.AddCommand(issueRejectCmd())
	issue.AddCommand(issueFeedbackCmd())
	issue.AddCommand(issueCommentCmd())
	issue.AddCommand(issueEventsCmd())
	return issue
}

func issueCreateCmd() *cobra.Command {
	var sub intake.FormSubmission
	var lat, lng float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Report an issue",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := actorID()
			if err != nil {
				return err
			}
			sub.ActorID = id
			if cmd.Flags().Changed("lat") || cmd.Flags().Changed("lng") {
				sub.Location = &domain.Location{Lat: lat, Lng: lng}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				is, err := a.Gateway.SubmitForm(ctx, sub)
				if err != nil {
					return err
				}
				return printJSONOrTable(is)
			})
		},
	}
	cmd.Flags().StringArrayVar(&sub.Images, "image", nil, "image URL (repeatable, 1 to 5)")
	cmd.Flags().StringVar(&sub.Notes, "notes", "", "description")
	cmd.Flags().StringVar(&sub.Category, "category", "", "category; classified automatically when empty")
	cmd.Flags().StringVar(&sub.Address, "address", "", "street address")
	cmd.Flags().StringVar(&sub.LocalityCode, "locality", "", "postal or locality code")
	cmd.Flags().StringVar(&sub.DisplayName, "name", "", "reporter display name")
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&lng, "lng", 0, "longitude")
	_ = cmd.MarkFlagRequired("image")
	return cmd
}

func issueShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				is, err := e.GetIssue(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(is)
			})
		},
	}
}

func issueListCmd() *cobra.Command {
	var f repo.IssueFilter
	var status, category string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List issues, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" {
				f.Status = domain.Status(status)
				if !f.Status.IsValid() {
					return fmt.Errorf("unknown status %q", status)
				}
			}
			cat, err := parseCategoryFlag(category)
			if err != nil {
				return err
			}
			f.Category = cat
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, next, err := e.ListIssues(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"items": items, "next_cursor": next})
				}
				tw := newTable("ID", "Title", "Category", "Status", "Priority", "Severity", "Supporters", "Staff")
				for _, is := range items {
					tw.AppendRow(table.Row{is.ID, is.Title, is.Category, is.Status, is.Priority, is.SeverityScore, is.SupporterCount, is.AssignedStaffID})
				}
				tw.Render()
				if next != "" {
					fmt.Println("next cursor:", next)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&category, "category", "", "category filter")
	cmd.Flags().StringVar(&f.CreatorID, "creator", "", "creator filter")
	cmd.Flags().StringVar(&f.SupporterID, "supporter", "", "supporter filter")
	cmd.Flags().StringVar(&f.AssignedStaffID, "staff", "", "assigned staff filter")
	cmd.Flags().StringVar(&f.LocalityCode, "locality", "", "locality filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "page size")
	cmd.Flags().StringVar(&f.Cursor, "cursor", "", "cursor from a previous page")
	return cmd
}

func issueAssignCmd() *cobra.Command {
	var staff, deadline string
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Assign an issue to field staff (officials)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			official, err := actorID()
			if err != nil {
				return err
			}
			opts := engine.AssignOptions{IssueID: args[0], OfficialID: official, StaffID: staff}
			if deadline != "" {
				if opts.Deadline, err = time.Parse(time.RFC3339, deadline); err != nil {
					return fmt.Errorf("--deadline must be RFC3339: %w", err)
				}
			}
			return issueAction(cmd.Context(), func(ctx context.Context, e engine.Engine) (domain.Issue, error) {
				return e.Assign(ctx, opts)
			})
		},
	}
	cmd.Flags().StringVar(&staff, "staff", "", "staff actor id")
	cmd.Flags().StringVar(&deadline, "deadline", "", "deadline (RFC3339)")
	_ = cmd.MarkFlagRequired("staff")
	return cmd
}

func issueJoinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "join <id>",
		Short: "Support an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := actorID()
			if err != nil {
				return err
			}
			return issueAction(cmd.Context(), func(ctx context.Context, e engine.Engine) (domain.Issue, error) {
				return e.Join(ctx, args[0], id)
			})
		},
	}
}

func issueCompleteCmd() *cobra.Command {
	var opts engine.CompletionOptions
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Submit completion proof (assigned staff)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := actorID()
			if err != nil {
				return err
			}
			opts.IssueID = args[0]
			opts.StaffID = id
			return issueAction(cmd.Context(), func(ctx context.Context, e engine.Engine) (domain.Issue, error) {
				return e.SubmitCompletion(ctx, opts)
			})
		},
	}
	cmd.Flags().StringArrayVar(&opts.Images, "image", nil, "completion image URL (repeatable)")
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "completion notes")
	_ = cmd.MarkFlagRequired("image")
	return cmd
}

func issueApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a pending completion (officials)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := actorID()
			if err != nil {
				return err
			}
			return issueAction(cmd.Context(), func(ctx context.Context, e engine.Engine) (domain.Issue, error) {
				return e.Approve(ctx, args[0], id)
			})
		},
	}
}

func issueRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a pending completion (officials)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := actorID()
			if err != nil {
				return err
			}
			return issueAction(cmd.Context(), func(ctx context.Context, e engine.Engine) (domain.Issue, error) {
				return e.Reject(ctx, args[0], id, reason)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func issueFeedbackCmd() *cobra.Command {
	var opts engine.FeedbackOptions
	cmd := &cobra.Command{
		Use:   "feedback <id>",
		Short: "Rate a resolved issue (supporters, 1-10)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := actorID()
			if err != nil {
				return err
			}
			opts.IssueID = args[0]
			opts.ActorID = id
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				is, applied, err := e.Feedback(ctx, opts)
				if err != nil {
					return err
				}
				if !applied && !viper.GetBool("json") {
					fmt.Println("feedback not applied: not eligible")
				}
				return printJSONOrTable(map[string]any{"applied": applied, "issue": is})
			})
		},
	}
	cmd.Flags().IntVar(&opts.Rating, "rating", 0, "rating from 1 to 10")
	cmd.Flags().StringVar(&opts.Comment, "comment", "", "optional comment")
	_ = cmd.MarkFlagRequired("rating")
	return cmd
}

func issueCommentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "comment <id> <text>",
		Short: "Comment on an issue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := actorID()
			if err != nil {
				return err
			}
			return issueAction(cmd.Context(), func(ctx context.Context, e engine.Engine) (domain.Issue, error) {
				return e.Comment(ctx, args[0], id, args[1])
			})
		},
	}
}

func issueEventsCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "events <id>",
		Short: "Show the event history of an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.IssueEvents(ctx, args[0], n, 0)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable("ID", "Time", "Type", "Actor", "Payload")
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 50, "number of events")
	return cmd
}

func issueAction(ctx context.Context, fn func(context.Context, engine.Engine) (domain.Issue, error)) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		is, err := fn(ctx, e)
		if err != nil {
			return err
		}
		return printJSONOrTable(is)
	})
}

func parseCategoryFlag(raw string) (domain.Category, error) {
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}
	return intake.ParseCategory(raw)
}
