// Package intake normalizes the form and telephony submission paths into engine
// create commands.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"civictrack/internal/domain"
	"civictrack/internal/engine"
	"civictrack/internal/oracle"
)

// IssueCreator is the part of the engine the gateway drives.
type IssueCreator interface {
	Create(ctx context.Context, opts engine.CreateIssueOptions) (domain.Issue, error)
	CreateFromVoice(ctx context.Context, opts engine.VoiceIssueOptions) (domain.Issue, error)
}

// VoiceParser structures a call transcript.
type VoiceParser interface {
	ParseVoiceReport(ctx context.Context, transcript string) (oracle.VoiceReport, error)
}

// Transcriber turns a call recording into text.
type Transcriber interface {
	Transcribe(ctx context.Context, recordingURL string) (string, error)
}

// FormSubmission is what a citizen sends from the reporting form.
type FormSubmission struct {
	ActorID      string           `json:"actor_id" validate:"required,max=128"`
	DisplayName  string           `json:"display_name" validate:"max=128"`
	Images       []string         `json:"images" validate:"required,min=1,max=5,dive,required,max=2048"`
	Notes        string           `json:"notes" validate:"max=4000"`
	Transcript   string           `json:"transcript" validate:"max=8000"`
	AudioRef     string           `json:"audio_ref" validate:"max=2048"`
	Category     string           `json:"category"`
	Location     *domain.Location `json:"location"`
	Address      string           `json:"address" validate:"max=512"`
	LocalityCode string           `json:"locality_code" validate:"omitempty,alphanum,max=12"`
}

// VoiceCallback is the telephony provider's webhook payload.
type VoiceCallback struct {
	RecordingURL   string `json:"recording_url,omitempty" validate:"required_without=TranscriptText,omitempty,url"`
	FromNumber     string `json:"from_number" validate:"required"`
	DTMFPostalCode string `json:"dtmf_postal_code,omitempty"`
	// TranscriptText is set when the provider already transcribed the call.
	TranscriptText string `json:"transcript_text,omitempty" validate:"max=8000"`
}

type Gateway struct {
	Issues      IssueCreator
	Voice       VoiceParser
	Transcriber Transcriber
	Log         *slog.Logger
	validate    *validator.Validate
}

func NewGateway(issues IssueCreator, voice VoiceParser, tr Transcriber, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return &Gateway{
		Issues:      issues,
		Voice:       voice,
		Transcriber: tr,
		Log:         log.With("component", "intake"),
		validate:    v,
	}
}

// SubmitForm validates a form submission and creates the issue.
func (g *Gateway) SubmitForm(ctx context.Context, sub FormSubmission) (domain.Issue, error) {
	sub.ActorID = strings.TrimSpace(sub.ActorID)
	sub.Notes = strings.TrimSpace(sub.Notes)
	sub.Transcript = strings.TrimSpace(sub.Transcript)
	sub.Address = strings.TrimSpace(sub.Address)
	sub.LocalityCode = strings.TrimSpace(sub.LocalityCode)
	images := make([]string, 0, len(sub.Images))
	for _, img := range sub.Images {
		if img = strings.TrimSpace(img); img != "" {
			images = append(images, img)
		}
	}
	sub.Images = images
	if err := g.check(sub); err != nil {
		return domain.Issue{}, err
	}
	category, err := ParseCategory(sub.Category)
	if err != nil {
		return domain.Issue{}, err
	}
	return g.Issues.Create(ctx, engine.CreateIssueOptions{
		ActorID:      sub.ActorID,
		DisplayName:  strings.TrimSpace(sub.DisplayName),
		Images:       sub.Images,
		Notes:        sub.Notes,
		Transcript:   sub.Transcript,
		AudioRef:     strings.TrimSpace(sub.AudioRef),
		Category:     category,
		Location:     sub.Location,
		Address:      sub.Address,
		LocalityCode: sub.LocalityCode,
	})
}

// HandleVoiceCallback transcribes and parses a call, then creates the issue on behalf
// of the caller. A postal code keyed in on the phone overrides the parsed one.
func (g *Gateway) HandleVoiceCallback(ctx context.Context, cb VoiceCallback) (domain.Issue, error) {
	cb.RecordingURL = strings.TrimSpace(cb.RecordingURL)
	cb.TranscriptText = strings.TrimSpace(cb.TranscriptText)
	if err := g.check(cb); err != nil {
		return domain.Issue{}, err
	}
	phone, err := NormalizePhone(cb.FromNumber)
	if err != nil {
		return domain.Issue{}, err
	}
	transcript := cb.TranscriptText
	if transcript == "" {
		if g.Transcriber == nil {
			return domain.Issue{}, fmt.Errorf("transcribe call: %w: no transcriber configured", domain.ErrOracleUnavailable)
		}
		transcript, err = g.Transcriber.Transcribe(ctx, cb.RecordingURL)
		if err != nil {
			g.Log.WarnContext(ctx, "transcription failed", "recording_url", cb.RecordingURL, "error", err)
			return domain.Issue{}, err
		}
		if strings.TrimSpace(transcript) == "" {
			return domain.Issue{}, domain.NewValidationError("recording_url", "recording produced an empty transcript")
		}
	}
	report, err := g.Voice.ParseVoiceReport(ctx, transcript)
	if err != nil {
		return domain.Issue{}, err
	}
	postal := report.PostalCode
	if dtmf := digitsOnly(cb.DTMFPostalCode); dtmf != "" {
		postal = dtmf
	}
	is, err := g.Issues.CreateFromVoice(ctx, engine.VoiceIssueOptions{
		CallerPhone:   phone,
		AudioRef:      cb.RecordingURL,
		Title:         report.Title,
		Category:      report.Category,
		Transcript:    report.Transcript,
		Address:       report.Address,
		LocalityCode:  postal,
		Priority:      report.Priority,
		SeverityScore: report.SeverityScore,
		Reasoning:     report.Reasoning,
	})
	if err != nil {
		return domain.Issue{}, err
	}
	g.Log.InfoContext(ctx, "voice report accepted", "issue_id", is.ID, "actor_id", is.CreatorID, "category", is.Category)
	return is, nil
}

func (g *Gateway) check(v any) error {
	err := g.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return domain.NewValidationError(fieldPath(fe), describe(fe))
	}
	return domain.NewValidationError("", err.Error())
}

// fieldPath drops the struct name from the namespace: FormSubmission.images[0] -> images[0].
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return fe.Field()
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_without":
		return "is required"
	case "min":
		return fmt.Sprintf("needs at least %s entries", fe.Param())
	case "max":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("accepts at most %s entries", fe.Param())
		}
		return fmt.Sprintf("is longer than %s characters", fe.Param())
	case "url":
		return "must be a URL"
	case "alphanum":
		return "must be letters and digits only"
	default:
		return fmt.Sprintf("failed %s check", fe.Tag())
	}
}

// ParseCategory matches a category case-insensitively. Empty means Other.
func ParseCategory(raw string) (domain.Category, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return domain.CategoryOther, nil
	}
	for _, c := range domain.Categories {
		if strings.EqualFold(raw, string(c)) {
			return c, nil
		}
	}
	return "", domain.NewValidationError("category", fmt.Sprintf("unknown category %q", raw))
}

// NormalizePhone reduces a caller number to +digits form.
func NormalizePhone(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "00") {
		raw = "+" + raw[2:]
	}
	digits := digitsOnly(raw)
	if len(digits) < 7 || len(digits) > 15 {
		return "", domain.NewValidationError("from_number", fmt.Sprintf("invalid phone number %q", raw))
	}
	if strings.HasPrefix(raw, "+") {
		return "+" + digits, nil
	}
	return digits, nil
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
