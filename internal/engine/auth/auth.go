package auth

import (
	"fmt"
	"sort"

	"civictrack/internal/domain"
)

// Permissions checked by the engine.
const (
	PermIssueCreate   = "issue.create"
	PermIssueJoin     = "issue.join"
	PermIssueAssign   = "issue.assign"
	PermIssueComplete = "issue.complete"
	PermIssueReview   = "issue.review"
	PermIssueFeedback = "issue.feedback"
	PermIssueComment  = "issue.comment"
	PermActorRegister = "actor.register"
)

var grants = map[domain.ActorKind][]string{
	domain.ActorCitizen: {
		PermIssueCreate, PermIssueJoin, PermIssueFeedback, PermIssueComment,
	},
	domain.ActorStaff: {
		PermIssueComplete, PermIssueComment,
	},
	domain.ActorOfficial: {
		PermIssueAssign, PermIssueReview, PermIssueComment, PermActorRegister,
	},
}

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	ActorID    string
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("actor %s: permission %s required", e.ActorID, e.Permission)
}

func (e ForbiddenError) Unwrap() error { return domain.ErrForbidden }

// Can reports whether actors of kind hold perm.
func Can(kind domain.ActorKind, perm string) bool {
	for _, p := range grants[kind] {
		if p == perm {
			return true
		}
	}
	return false
}

// Require returns a ForbiddenError unless p holds perm.
func Require(p domain.ActorProfile, perm string) error {
	if Can(p.Kind, perm) {
		return nil
	}
	return ForbiddenError{ActorID: p.ID, Permission: perm}
}

// Permissions lists the permissions of kind, sorted.
func Permissions(kind domain.ActorKind) []string {
	perms := append([]string(nil), grants[kind]...)
	sort.Strings(perms)
	return perms
}
