package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Execer is the part of a transaction the writer needs.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Writer appends audit events inside the caller's atomic unit.
type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Event types.
const (
	IssueCreated           = "issue.created"
	IssueRejectedOnCreate  = "issue.create_rejected"
	IssueAssigned          = "issue.assigned"
	IssueJoined            = "issue.joined"
	IssueEscalated         = "issue.escalated"
	IssueCompletionFlagged = "issue.completion_flagged"
	IssueCompletion        = "issue.completion_submitted"
	IssueApproved          = "issue.approved"
	IssueRejected          = "issue.rejected"
	IssueFeedback          = "issue.feedback"
	IssueCommented         = "issue.commented"
	IssueLiked             = "issue.liked"
	IssueUnliked           = "issue.unliked"
	ActorRegistered        = "actor.registered"
	ActorBadgeAwarded      = "actor.badge_awarded"
)

func (w Writer) Append(ctx context.Context, tx Execer, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append event %s: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
