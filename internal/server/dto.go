package server

import (
	"encoding/json"
	"time"

	"civictrack/internal/domain"
)

// Request payloads

type CreateIssueRequest struct {
	DisplayName  string           `json:"display_name,omitempty" maxLength:"128"`
	Images       []string         `json:"images" minItems:"1" maxItems:"5"`
	Notes        string           `json:"notes,omitempty" maxLength:"4000"`
	Transcript   string           `json:"transcript,omitempty" maxLength:"8000"`
	AudioRef     string           `json:"audio_ref,omitempty"`
	Category     string           `json:"category,omitempty" doc:"case-insensitive; empty means Other"`
	Location     *domain.Location `json:"location,omitempty"`
	Address      string           `json:"address,omitempty"`
	LocalityCode string           `json:"locality_code,omitempty"`
}

type AssignRequest struct {
	StaffID  string    `json:"staff_id"`
	Deadline time.Time `json:"deadline" format:"date-time"`
}

type CompletionRequest struct {
	Images []string `json:"images" minItems:"1" maxItems:"5"`
	Notes  string   `json:"notes"`
}

type RejectRequest struct {
	Reason string `json:"reason"`
}

type FeedbackRequest struct {
	Rating  int    `json:"rating" minimum:"1" maximum:"10"`
	Comment string `json:"comment,omitempty"`
}

type CommentRequest struct {
	Text string `json:"text" maxLength:"2000"`
}

type RegisterActorRequest struct {
	ActorID     string `json:"actor_id"`
	DisplayName string `json:"display_name,omitempty"`
	Department  string `json:"department,omitempty"`
}

type EnsureCitizenRequest struct {
	DisplayName string `json:"display_name,omitempty"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID    string `json:"actor_id"`
	TTLMinutes int    `json:"ttl_minutes,omitempty"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Kind        string   `json:"kind,omitempty" enum:"citizen,staff,official"`
	Source      string   `json:"source" enum:"jwt,api_key,actor_header"`
	Registered  bool     `json:"registered"`
	Permissions []string `json:"permissions"`
}

type paginatedIssues struct {
	Items      []domain.Issue `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type actorList struct {
	Items []domain.ActorProfile `json:"items"`
}

type FeedbackResponse struct {
	Applied bool         `json:"applied"`
	Issue   domain.Issue `json:"issue"`
}

type EstimateResponse struct {
	Priority            domain.Priority `json:"priority"`
	Category            domain.Category `json:"category"`
	PendingCount        int             `json:"pending_count"`
	Days                int             `json:"days"`
	EstimatedResolution time.Time       `json:"estimated_resolution" format:"date-time"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key" doc:"shown once"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func eventResponse(evt domain.Event) EventResponse {
	resp := EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
	}
	if evt.Payload != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(evt.Payload), &payload); err == nil {
			resp.Payload = payload
		}
	}
	return resp
}

func issuesOrEmpty(items []domain.Issue) []domain.Issue {
	if items == nil {
		return []domain.Issue{}
	}
	return items
}
