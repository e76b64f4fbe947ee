package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"civictrack/internal/domain"
)

// AnthropicBackend asks Claude for each judgement and expects a bare JSON object back.
type AnthropicBackend struct {
	Client    anthropic.Client
	Model     string
	MaxTokens int64
}

func NewAnthropicBackend(model string, maxTokens int64, opts ...option.RequestOption) *AnthropicBackend {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &AnthropicBackend{
		Client:    anthropic.NewClient(opts...),
		Model:     model,
		MaxTokens: maxTokens,
	}
}

func (b *AnthropicBackend) ask(ctx context.Context, prompt string, images []string, out any) error {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(images)+1)
	for _, img := range images {
		blocks = append(blocks, anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: img}))
	}
	blocks = append(blocks, anthropic.NewTextBlock(prompt))

	msg, err := b.Client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(b.Model),
		MaxTokens: b.MaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(blocks...),
		},
	})
	if err != nil {
		return fmt.Errorf("llm api call: %w", err)
	}
	if len(msg.Content) == 0 {
		return fmt.Errorf("empty response")
	}
	jsonStr, err := extractJSON(msg.Content[0].Text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(jsonStr), out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (b *AnthropicBackend) ClassifySeverity(ctx context.Context, req SeverityRequest) (SeverityResult, error) {
	var out SeverityResult
	err := b.ask(ctx, fmt.Sprintf(`You review photos submitted as civic issue reports (potholes, broken streetlights, garbage, water leaks, drainage).
Citizen notes: %q

Decide whether the photos show a genuine civic problem and rate its severity from 1 (cosmetic) to 10 (danger to life).
Output ONLY a JSON object:
{"is_relevant": true|false, "rejection_reason": "<why not relevant, empty if relevant>", "severity_score": <1-10>, "reasoning": "<two sentences>"}`,
		req.Notes), req.Images, &out)
	return out, err
}

func (b *AnthropicBackend) ClassifyPriority(ctx context.Context, req PriorityRequest) (domain.Priority, error) {
	var out struct {
		Priority string `json:"priority"`
	}
	err := b.ask(ctx, fmt.Sprintf(`Assign a dispatch priority to a civic issue.
Category: %s
Severity (1-10): %d
Notes: %q
Transcript: %q

Output ONLY a JSON object: {"priority": "low"|"medium"|"high"}`,
		req.Category, req.SeverityScore, req.Notes, req.Transcript), nil, &out)
	return domain.Priority(out.Priority), err
}

func (b *AnthropicBackend) GenerateTitle(ctx context.Context, req TitleRequest) (string, error) {
	var out struct {
		Title string `json:"title"`
	}
	err := b.ask(ctx, fmt.Sprintf(`Write a short headline (max 8 words) for a civic issue report.
Category: %s
Notes: %q
Transcript: %q
Assessment: %q

Output ONLY a JSON object: {"title": "<headline>"}`,
		req.Category, req.Notes, req.Transcript, req.Reasoning), nil, &out)
	return out.Title, err
}

func (b *AnthropicBackend) DetectFraudulentImage(ctx context.Context, images []string) (bool, error) {
	var out struct {
		IsFraudulent bool `json:"is_fraudulent"`
	}
	err := b.ask(ctx, `These photos were submitted by field staff as proof that a repair was completed.
Decide whether any of them is AI-generated, a stock photo, or digitally manipulated.
Output ONLY a JSON object: {"is_fraudulent": true|false}`, images, &out)
	return out.IsFraudulent, err
}

func (b *AnthropicBackend) CompareCompletion(ctx context.Context, req CompletionRequest) (RawCompletion, error) {
	images := append(append([]string{}, req.BeforeImages...), req.AfterImages...)
	var out struct {
		Narrative json.RawMessage `json:"narrative"`
	}
	err := b.ask(ctx, fmt.Sprintf(`The first %d photos show a reported civic issue, the remaining %d show the claimed fix.
Report notes: %q
Report transcript: %q
Staff completion notes: %q

Compare before and after. Output ONLY a JSON object:
{"narrative": {"narrative": "<what changed>", "is_satisfactory": true|false, "summary": "<one sentence>"}}`,
		len(req.BeforeImages), len(req.AfterImages), req.BeforeNotes, req.BeforeTranscript, req.AfterNotes), images, &out)
	if err != nil {
		return nil, err
	}
	return decodeCompletion(out.Narrative)
}

func (b *AnthropicBackend) ParseVoiceReport(ctx context.Context, transcript string) (VoiceReport, error) {
	var out VoiceReport
	err := b.ask(ctx, fmt.Sprintf(`A citizen reported a civic issue by phone. Transcript:
%q

Extract the report. Category must be one of: %s.
Output ONLY a JSON object:
{"title": "<max 8 words>", "category": "<category>", "transcript": "<cleaned transcript>", "address": "<address>", "postal_code": "<code or empty>", "priority": "low"|"medium"|"high", "severity_score": <1-10>, "reasoning": "<two sentences>"}`,
		transcript, categoryList()), nil, &out)
	return out, err
}

// decodeCompletion accepts the narrative either as a plain string or as an object.
func decodeCompletion(raw json.RawMessage) (RawCompletion, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, fmt.Errorf("missing narrative")
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode narrative: %w", err)
		}
		return Narrative(s), nil
	}
	var s Structured
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode narrative: %w", err)
	}
	return s, nil
}

// extractJSON finds the first complete JSON object in a string.
func extractJSON(s string) (string, error) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end <= start {
		return "", fmt.Errorf("no JSON object found in response")
	}
	return s[start : end+1], nil
}

func categoryList() string {
	names := make([]string, 0, len(domain.Categories))
	for _, c := range domain.Categories {
		names = append(names, string(c))
	}
	return strings.Join(names, ", ")
}
