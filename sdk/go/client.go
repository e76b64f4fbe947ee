package civictracksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal civictrack HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when neither token nor key is set. Servers accept
	// it only in development mode.
	ActorID         string
	TelephonySecret string
	HTTPClient      *http.Client
	Timeout         time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base path.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// As returns a copy of the client acting as actorID through the X-Actor-Id header.
func (c *Client) As(actorID string) *Client {
	cp := *c
	cp.ActorID = actorID
	cp.BearerToken = ""
	cp.APIKey = ""
	return &cp
}

type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Comment struct {
	ActorID string    `json:"actor_id"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

type Completion struct {
	Narrative      string `json:"narrative"`
	IsSatisfactory bool   `json:"is_satisfactory"`
	Summary        string `json:"summary"`
}

// Issue represents the API issue model (partial).
type Issue struct {
	ID                  string      `json:"id"`
	CreatorID           string      `json:"creator_id"`
	AssignedStaffID     string      `json:"assigned_staff_id"`
	AssignedStaffName   string      `json:"assigned_staff_name"`
	Title               string      `json:"title"`
	Category            string      `json:"category"`
	Status              string      `json:"status"`
	Priority            string      `json:"priority"`
	SeverityScore       int         `json:"severity_score"`
	Images              []string    `json:"images"`
	Address             string      `json:"address"`
	LocalityCode        string      `json:"locality_code"`
	SubmittedAt         time.Time   `json:"submitted_at"`
	EstimatedResolution time.Time   `json:"estimated_resolution"`
	Deadline            *time.Time  `json:"deadline"`
	Supporters          []string    `json:"supporters"`
	SupporterCount      int         `json:"supporter_count"`
	LikedBy             []string    `json:"liked_by"`
	Comments            []Comment   `json:"comments"`
	Completion          *Completion `json:"completion"`
	RejectionReason     string      `json:"rejection_reason"`
	FromVoice           bool        `json:"from_voice"`
}

// Actor represents a scored actor profile.
type Actor struct {
	ID                  string   `json:"id"`
	Kind                string   `json:"kind"`
	DisplayName         string   `json:"display_name"`
	Department          string   `json:"department"`
	UtilityPoints       int      `json:"utility_points"`
	ReportCount         int      `json:"report_count"`
	Badges              []string `json:"badges"`
	TrustPoints         int      `json:"trust_points"`
	EfficiencyPoints    int      `json:"efficiency_points"`
	AIImageWarningCount int      `json:"ai_image_warning_count"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type Estimate struct {
	Priority            string    `json:"priority"`
	Category            string    `json:"category"`
	PendingCount        int       `json:"pending_count"`
	Days                int       `json:"days"`
	EstimatedResolution time.Time `json:"estimated_resolution"`
}

type APIKey struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Name    string `json:"name"`
	Key     string `json:"key"`
}

type WhoAmI struct {
	ActorID     string   `json:"actor_id"`
	Kind        string   `json:"kind"`
	Source      string   `json:"source"`
	Registered  bool     `json:"registered"`
	Permissions []string `json:"permissions"`
}

// NewIssue is the body of CreateIssue.
type NewIssue struct {
	DisplayName  string    `json:"display_name,omitempty"`
	Images       []string  `json:"images"`
	Notes        string    `json:"notes,omitempty"`
	Category     string    `json:"category,omitempty"`
	Location     *Location `json:"location,omitempty"`
	Address      string    `json:"address,omitempty"`
	LocalityCode string    `json:"locality_code,omitempty"`
}

// IssueQuery filters ListIssues. Zero values do not filter.
type IssueQuery struct {
	Status          string
	Category        string
	CreatorID       string
	SupporterID     string
	AssignedStaffID string
	LocalityCode    string
	Limit           int
	Cursor          string
}

// VoiceCallback mirrors the telephony provider payload.
type VoiceCallback struct {
	RecordingURL   string `json:"recording_url,omitempty"`
	FromNumber     string `json:"from_number"`
	DTMFPostalCode string `json:"dtmf_postal_code,omitempty"`
	TranscriptText string `json:"transcript_text,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedIssues wraps issue listings with a cursor.
type PaginatedIssues struct {
	Items      []Issue `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// PaginatedEvents wraps event listings with a cursor.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateIssue reports an issue as the calling citizen.
func (c *Client) CreateIssue(ctx context.Context, in NewIssue) (Issue, error) {
	var resp Issue
	err := c.do(ctx, http.MethodPost, "issues", in, &resp)
	return resp, err
}

// GetIssue fetches an issue by id.
func (c *Client) GetIssue(ctx context.Context, id string) (Issue, error) {
	var resp Issue
	err := c.do(ctx, http.MethodGet, issuePath(id, ""), nil, &resp)
	return resp, err
}

// ListIssues returns one page of issues, newest first.
func (c *Client) ListIssues(ctx context.Context, q IssueQuery) (PaginatedIssues, error) {
	v := url.Values{}
	set := func(k, val string) {
		if val != "" {
			v.Set(k, val)
		}
	}
	set("status", q.Status)
	set("category", q.Category)
	set("creator_id", q.CreatorID)
	set("supporter_id", q.SupporterID)
	set("assigned_staff_id", q.AssignedStaffID)
	set("locality_code", q.LocalityCode)
	set("cursor", q.Cursor)
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	var resp PaginatedIssues
	err := c.do(ctx, http.MethodGet, withQuery("issues", v), nil, &resp)
	return resp, err
}

// Assign dispatches an issue to a staff member.
func (c *Client) Assign(ctx context.Context, issueID, staffID string, deadline time.Time) (Issue, error) {
	body := map[string]any{"staff_id": staffID, "deadline": deadline.UTC().Format(time.RFC3339)}
	var resp Issue
	err := c.do(ctx, http.MethodPost, issuePath(issueID, "assign"), body, &resp)
	return resp, err
}

// SubmitCompletion uploads proof of repair.
func (c *Client) SubmitCompletion(ctx context.Context, issueID string, images []string, notes string) (Issue, error) {
	body := map[string]any{"images": images, "notes": notes}
	var resp Issue
	err := c.do(ctx, http.MethodPost, issuePath(issueID, "completion"), body, &resp)
	return resp, err
}

// Approve resolves an issue pending approval.
func (c *Client) Approve(ctx context.Context, issueID string) (Issue, error) {
	var resp Issue
	err := c.do(ctx, http.MethodPost, issuePath(issueID, "approve"), nil, &resp)
	return resp, err
}

// Reject sends a completed repair back with a reason.
func (c *Client) Reject(ctx context.Context, issueID, reason string) (Issue, error) {
	var resp Issue
	err := c.do(ctx, http.MethodPost, issuePath(issueID, "reject"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Join adds the caller to the supporters of an issue.
func (c *Client) Join(ctx context.Context, issueID string) (Issue, error) {
	var resp Issue
	err := c.do(ctx, http.MethodPost, issuePath(issueID, "supporters"), nil, &resp)
	return resp, err
}

// Feedback rates a resolved issue. applied is false when the caller was not eligible.
func (c *Client) Feedback(ctx context.Context, issueID string, rating int, comment string) (issue Issue, applied bool, err error) {
	var resp struct {
		Applied bool  `json:"applied"`
		Issue   Issue `json:"issue"`
	}
	body := map[string]any{"rating": rating}
	if comment != "" {
		body["comment"] = comment
	}
	err = c.do(ctx, http.MethodPost, issuePath(issueID, "feedback"), body, &resp)
	return resp.Issue, resp.Applied, err
}

// Comment posts a comment on an issue.
func (c *Client) Comment(ctx context.Context, issueID, text string) (Issue, error) {
	var resp Issue
	err := c.do(ctx, http.MethodPost, issuePath(issueID, "comments"), map[string]any{"text": text}, &resp)
	return resp, err
}

// Like marks the issue as liked by the caller.
func (c *Client) Like(ctx context.Context, issueID string) (Issue, error) {
	var resp Issue
	err := c.do(ctx, http.MethodPut, issuePath(issueID, "like"), nil, &resp)
	return resp, err
}

// Unlike removes the caller's like.
func (c *Client) Unlike(ctx context.Context, issueID string) (Issue, error) {
	var resp Issue
	err := c.do(ctx, http.MethodDelete, issuePath(issueID, "like"), nil, &resp)
	return resp, err
}

// IssueEvents returns the audit trail of an issue.
func (c *Client) IssueEvents(ctx context.Context, issueID string, limit int, cursor string) (PaginatedEvents, error) {
	v := url.Values{}
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		v.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery(issuePath(issueID, "events"), v), nil, &resp)
	return resp, err
}

// Estimate returns the resolution estimate for a new issue.
func (c *Client) Estimate(ctx context.Context, priority, category string) (Estimate, error) {
	v := url.Values{}
	v.Set("priority", priority)
	v.Set("category", category)
	var resp Estimate
	err := c.do(ctx, http.MethodGet, withQuery("estimate", v), nil, &resp)
	return resp, err
}

// EnsureCitizen registers the caller as a citizen when new.
func (c *Client) EnsureCitizen(ctx context.Context, displayName string) (Actor, error) {
	var resp Actor
	err := c.do(ctx, http.MethodPost, "actors/citizens", map[string]any{"display_name": displayName}, &resp)
	return resp, err
}

// RegisterStaff registers a field staff member. The caller must be an official.
func (c *Client) RegisterStaff(ctx context.Context, actorID, displayName, department string) (Actor, error) {
	body := map[string]any{"actor_id": actorID, "display_name": displayName, "department": department}
	var resp Actor
	err := c.do(ctx, http.MethodPost, "actors/staff", body, &resp)
	return resp, err
}

// RegisterOfficial registers an official. The first official registers itself.
func (c *Client) RegisterOfficial(ctx context.Context, actorID, displayName string) (Actor, error) {
	body := map[string]any{"actor_id": actorID, "display_name": displayName}
	var resp Actor
	err := c.do(ctx, http.MethodPost, "actors/officials", body, &resp)
	return resp, err
}

// GetActor returns an actor profile.
func (c *Client) GetActor(ctx context.Context, actorID string) (Actor, error) {
	var resp Actor
	err := c.do(ctx, http.MethodGet, "actors/"+url.PathEscape(actorID), nil, &resp)
	return resp, err
}

// CreateAPIKey issues a key for actorID. The plaintext key is only returned here.
func (c *Client) CreateAPIKey(ctx context.Context, actorID, name string) (APIKey, error) {
	var resp APIKey
	err := c.do(ctx, http.MethodPost, "actors/"+url.PathEscape(actorID)+"/api-keys", map[string]any{"name": name}, &resp)
	return resp, err
}

// Me describes the authenticated principal.
func (c *Client) Me(ctx context.Context) (WhoAmI, error) {
	var resp WhoAmI
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

// DevLogin mints a development token and stores it on the client.
func (c *Client) DevLogin(ctx context.Context, actorID string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "auth/dev/login", map[string]any{"actor_id": actorID}, &resp); err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

// VoiceCallback delivers a telephony callback. TelephonySecret must be set.
func (c *Client) VoiceCallback(ctx context.Context, cb VoiceCallback) (Issue, error) {
	var resp Issue
	err := c.do(ctx, http.MethodPost, "telephony/voice", cb, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	if c.TelephonySecret != "" {
		req.Header.Set("X-Telephony-Secret", c.TelephonySecret)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Details = envelope.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func issuePath(id, sub string) string {
	p := "issues/" + url.PathEscape(id)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func withQuery(endpoint string, v url.Values) string {
	if len(v) == 0 {
		return endpoint
	}
	return endpoint + "?" + v.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
