package oracle

import (
	"context"
	"fmt"
	"strings"

	"civictrack/internal/domain"
)

// OfflineBackend gives deterministic answers without any network access.
type OfflineBackend struct {
	// Keywords raise severity when found in notes; the highest weight wins.
	Keywords        map[string]int
	DefaultSeverity int
}

func NewOfflineBackend(keywords map[string]int) *OfflineBackend {
	return &OfflineBackend{Keywords: keywords, DefaultSeverity: 4}
}

func (b *OfflineBackend) ClassifySeverity(_ context.Context, req SeverityRequest) (SeverityResult, error) {
	if len(req.Images) == 0 {
		return SeverityResult{IsRelevant: false, RejectionReason: "no evidence images"}, nil
	}
	score, hit := b.severityFromText(req.Notes)
	reason := "no severity keywords in notes"
	if hit != "" {
		reason = fmt.Sprintf("notes mention %q", hit)
	}
	return SeverityResult{IsRelevant: true, SeverityScore: score, Reasoning: reason}, nil
}

func (b *OfflineBackend) severityFromText(text string) (int, string) {
	score := b.DefaultSeverity
	if score < 1 {
		score = 4
	}
	var hit string
	lowered := strings.ToLower(text)
	for kw, weight := range b.Keywords {
		if strings.Contains(lowered, strings.ToLower(kw)) && (weight > score || (weight == score && kw < hit)) {
			score, hit = weight, kw
		}
	}
	if score > 10 {
		score = 10
	}
	return score, hit
}

func (b *OfflineBackend) ClassifyPriority(_ context.Context, req PriorityRequest) (domain.Priority, error) {
	return PriorityForSeverity(req.SeverityScore), nil
}

// PriorityForSeverity is the fixed banding used when no model is available.
func PriorityForSeverity(score int) domain.Priority {
	switch {
	case score >= 8:
		return domain.PriorityHigh
	case score >= 5:
		return domain.PriorityMedium
	default:
		return domain.PriorityLow
	}
}

func (b *OfflineBackend) GenerateTitle(_ context.Context, req TitleRequest) (string, error) {
	text := strings.TrimSpace(req.Notes)
	if text == "" {
		text = strings.TrimSpace(req.Transcript)
	}
	words := strings.Fields(text)
	if len(words) > 6 {
		words = words[:6]
	}
	if len(words) == 0 {
		return fmt.Sprintf("%s issue reported", req.Category), nil
	}
	return fmt.Sprintf("%s: %s", req.Category, strings.Join(words, " ")), nil
}

func (b *OfflineBackend) DetectFraudulentImage(context.Context, []string) (bool, error) {
	return false, nil
}

func (b *OfflineBackend) CompareCompletion(_ context.Context, req CompletionRequest) (RawCompletion, error) {
	if strings.TrimSpace(req.AfterNotes) == "" {
		return Narrative("No completion notes were provided."), nil
	}
	return Structured{
		Narrative:      fmt.Sprintf("%d after photos provided. Staff notes: %s", len(req.AfterImages), req.AfterNotes),
		IsSatisfactory: true,
		Summary:        "Completion evidence provided.",
	}, nil
}

func (b *OfflineBackend) ParseVoiceReport(_ context.Context, transcript string) (VoiceReport, error) {
	text := strings.TrimSpace(transcript)
	if text == "" {
		return VoiceReport{}, fmt.Errorf("empty transcript")
	}
	category := domain.CategoryOther
	lowered := strings.ToLower(text)
	for _, c := range domain.Categories {
		if strings.Contains(lowered, strings.ToLower(string(c))) {
			category = c
			break
		}
	}
	score, _ := b.severityFromText(text)
	title, _ := b.GenerateTitle(context.Background(), TitleRequest{Category: category, Transcript: text})
	return VoiceReport{
		Title:         title,
		Category:      category,
		Transcript:    text,
		Priority:      PriorityForSeverity(score),
		SeverityScore: score,
		Reasoning:     "derived from transcript keywords",
	}, nil
}
