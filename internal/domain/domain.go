package domain

import "time"

type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Comment struct {
	ActorID string    `json:"actor_id"`
	Text    string    `json:"text"`
	At      time.Time `json:"at" format:"date-time"`
}

type FeedbackEntry struct {
	Rating  int       `json:"rating" minimum:"1" maximum:"10"`
	Comment string    `json:"comment,omitempty"`
	At      time.Time `json:"at" format:"date-time"`
}

// CompletionAnalysis is the normalized result of comparing before and after evidence.
type CompletionAnalysis struct {
	Narrative      string `json:"narrative"`
	IsSatisfactory bool   `json:"is_satisfactory"`
	Summary        string `json:"summary"`
}

// Issue is a tracked civic incident. Fields under "engine-owned" are never taken from clients.
type Issue struct {
	ID                string    `json:"id"`
	CreatorID         string    `json:"creator_id"`
	AssignedStaffID   string    `json:"assigned_staff_id,omitempty"`
	AssignedStaffName string    `json:"assigned_staff_name,omitempty"`
	Title             string    `json:"title"`
	Category          Category  `json:"category"`
	Notes             string    `json:"notes,omitempty"`
	Transcript        string    `json:"transcript,omitempty"`
	Images            []string  `json:"images"`
	AudioRef          string    `json:"audio_ref,omitempty"`
	Location          *Location `json:"location,omitempty"`
	Address           string    `json:"address,omitempty"`
	LocalityCode      string    `json:"locality_code,omitempty"`

	// engine-owned
	Status              Status     `json:"status"`
	Priority            Priority   `json:"priority"`
	SeverityScore       int        `json:"severity_score"`
	SeverityReasoning   string     `json:"severity_reasoning,omitempty"`
	SubmittedAt         time.Time  `json:"submitted_at" format:"date-time"`
	EstimatedResolution time.Time  `json:"estimated_resolution" format:"date-time"`
	Deadline            *time.Time `json:"deadline,omitempty" format:"date-time"`

	Supporters     []string  `json:"supporters"`
	SupporterCount int       `json:"supporter_count"`
	LikedBy        []string  `json:"liked_by,omitempty"`
	Comments       []Comment `json:"comments,omitempty"`

	CompletionNotes  string              `json:"completion_notes,omitempty"`
	CompletionImages []string            `json:"completion_images,omitempty"`
	Completion       *CompletionAnalysis `json:"completion,omitempty"`
	RejectionReason  string              `json:"rejection_reason,omitempty"`

	Feedback map[string]FeedbackEntry `json:"feedback,omitempty"`

	FromVoice   bool   `json:"from_voice"`
	CallerPhone string `json:"caller_phone,omitempty"`

	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at" format:"date-time"`
}

// IsSupporter reports whether actorID is in the supporter set.
func (i Issue) IsSupporter(actorID string) bool {
	return contains(i.Supporters, actorID)
}

// HasLiked reports whether actorID liked the issue.
func (i Issue) HasLiked(actorID string) bool {
	return contains(i.LikedBy, actorID)
}

// HasFeedbackFrom reports whether actorID already rated the issue.
func (i Issue) HasFeedbackFrom(actorID string) bool {
	_, ok := i.Feedback[actorID]
	return ok
}

// ActorProfile is a scored identity. Counter fields only apply to the kinds noted.
type ActorProfile struct {
	ID          string    `json:"id"`
	Kind        ActorKind `json:"kind"`
	DisplayName string    `json:"display_name,omitempty"`
	Phone       string    `json:"phone,omitempty"`

	// citizen
	UtilityPoints int      `json:"utility_points"`
	ReportCount   int      `json:"report_count"`
	Badges        []string `json:"badges,omitempty"`

	// citizen and staff
	TrustPoints int `json:"trust_points"`

	// staff
	EfficiencyPoints    int    `json:"efficiency_points"`
	AIImageWarningCount int    `json:"ai_image_warning_count"`
	Department          string `json:"department,omitempty"`

	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
	UpdatedAt time.Time `json:"updated_at" format:"date-time"`
}

// HasBadge reports whether the badge was already awarded.
func (p ActorProfile) HasBadge(id string) bool {
	return contains(p.Badges, id)
}

// Badge is a static catalog entry unlocked when Metric reaches Threshold.
type Badge struct {
	ID        string `json:"id" yaml:"id"`
	Title     string `json:"title" yaml:"title"`
	Metric    string `json:"metric" yaml:"metric"`
	Threshold int    `json:"threshold" yaml:"threshold"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

func contains(items []string, v string) bool {
	for _, it := range items {
		if it == v {
			return true
		}
	}
	return false
}
