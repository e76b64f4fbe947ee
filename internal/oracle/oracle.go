// Package oracle wraps the external classifiers the lifecycle depends on.
// Backend outputs are untrusted: the Adapter validates and normalizes them, and
// turns every failure into domain.ErrOracleUnavailable.
package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"civictrack/internal/domain"
	"civictrack/internal/policy"
)

type SeverityRequest struct {
	Images []string
	Notes  string
}

type SeverityResult struct {
	IsRelevant      bool   `json:"is_relevant"`
	RejectionReason string `json:"rejection_reason,omitempty"`
	SeverityScore   int    `json:"severity_score"`
	Reasoning       string `json:"reasoning"`
}

type PriorityRequest struct {
	SeverityScore int
	Category      domain.Category
	Notes         string
	Transcript    string
}

type TitleRequest struct {
	Category   domain.Category
	Notes      string
	Transcript string
	Reasoning  string
}

type CompletionRequest struct {
	BeforeImages     []string
	BeforeNotes      string
	BeforeTranscript string
	AfterImages      []string
	AfterNotes       string
}

// VoiceReport is the structured reading of a phone transcript.
type VoiceReport struct {
	Title         string          `json:"title"`
	Category      domain.Category `json:"category"`
	Transcript    string          `json:"transcript"`
	Address       string          `json:"address"`
	PostalCode    string          `json:"postal_code,omitempty"`
	Priority      domain.Priority `json:"priority"`
	SeverityScore int             `json:"severity_score"`
	Reasoning     string          `json:"reasoning"`
}

// RawCompletion is what a comparator may return: Narrative or Structured.
type RawCompletion interface {
	completion()
}

// Narrative is a bare free-text comparison.
type Narrative string

func (Narrative) completion() {}

// Structured is the full comparison shape.
type Structured domain.CompletionAnalysis

func (Structured) completion() {}

// Normalize converts any RawCompletion to the structured shape. A bare narrative is
// not treated as satisfactory; its first sentence becomes the summary.
func Normalize(raw RawCompletion) (domain.CompletionAnalysis, error) {
	switch v := raw.(type) {
	case Structured:
		out := domain.CompletionAnalysis(v)
		if strings.TrimSpace(out.Summary) == "" {
			out.Summary = firstSentence(out.Narrative)
		}
		return out, nil
	case *Structured:
		if v == nil {
			return domain.CompletionAnalysis{}, fmt.Errorf("nil completion analysis")
		}
		return Normalize(*v)
	case Narrative:
		text := strings.TrimSpace(string(v))
		if text == "" {
			return domain.CompletionAnalysis{}, fmt.Errorf("empty completion narrative")
		}
		return domain.CompletionAnalysis{Narrative: text, Summary: firstSentence(text)}, nil
	default:
		return domain.CompletionAnalysis{}, fmt.Errorf("unsupported completion analysis %T", raw)
	}
}

func firstSentence(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, ".!?\n"); i >= 0 {
		return strings.TrimSpace(s[:i+1])
	}
	return s
}

// Backend is one implementation of the external functions.
type Backend interface {
	ClassifySeverity(ctx context.Context, req SeverityRequest) (SeverityResult, error)
	ClassifyPriority(ctx context.Context, req PriorityRequest) (domain.Priority, error)
	GenerateTitle(ctx context.Context, req TitleRequest) (string, error)
	DetectFraudulentImage(ctx context.Context, images []string) (bool, error)
	CompareCompletion(ctx context.Context, req CompletionRequest) (RawCompletion, error)
	ParseVoiceReport(ctx context.Context, transcript string) (VoiceReport, error)
}

// Adapter is the only oracle surface the engine sees.
type Adapter struct {
	Backend Backend
	Timeout time.Duration
	Log     *slog.Logger
}

func NewAdapter(b Backend, timeout time.Duration, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{Backend: b, Timeout: timeout, Log: log.With("component", "oracle")}
}

func call[T any](ctx context.Context, a *Adapter, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if a.Backend == nil {
		return zero, fmt.Errorf("oracle %s: %w: no backend configured", op, domain.ErrOracleUnavailable)
	}
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}
	start := time.Now()
	out, err := fn(ctx)
	if err != nil {
		a.logger().WarnContext(ctx, "oracle call failed",
			slog.String("op", op), slog.Duration("elapsed", time.Since(start)), slog.String("error", err.Error()))
		return zero, fmt.Errorf("oracle %s: %w: %w", op, domain.ErrOracleUnavailable, err)
	}
	return out, nil
}

func (a *Adapter) logger() *slog.Logger {
	if a.Log != nil {
		return a.Log
	}
	return slog.Default()
}

func invalid(op, format string, args ...any) error {
	return fmt.Errorf("oracle %s: %w: %s", op, domain.ErrOracleUnavailable, fmt.Sprintf(format, args...))
}

// ClassifySeverity judges relevance and severity of evidence images.
func (a *Adapter) ClassifySeverity(ctx context.Context, req SeverityRequest) (SeverityResult, error) {
	res, err := call(ctx, a, "classify_severity", func(ctx context.Context) (SeverityResult, error) {
		return a.Backend.ClassifySeverity(ctx, req)
	})
	if err != nil {
		return SeverityResult{}, err
	}
	if res.IsRelevant && (res.SeverityScore < 1 || res.SeverityScore > 10) {
		return SeverityResult{}, invalid("classify_severity", "severity %d outside 1..10", res.SeverityScore)
	}
	return res, nil
}

func (a *Adapter) ClassifyPriority(ctx context.Context, req PriorityRequest) (domain.Priority, error) {
	p, err := call(ctx, a, "classify_priority", func(ctx context.Context) (domain.Priority, error) {
		return a.Backend.ClassifyPriority(ctx, req)
	})
	if err != nil {
		return "", err
	}
	p = domain.Priority(strings.ToLower(strings.TrimSpace(string(p))))
	if !p.IsValid() {
		return "", invalid("classify_priority", "unknown priority %q", p)
	}
	return p, nil
}

func (a *Adapter) GenerateTitle(ctx context.Context, req TitleRequest) (string, error) {
	title, err := call(ctx, a, "generate_title", func(ctx context.Context) (string, error) {
		return a.Backend.GenerateTitle(ctx, req)
	})
	if err != nil {
		return "", err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return "", invalid("generate_title", "empty title")
	}
	return title, nil
}

func (a *Adapter) DetectFraudulentImage(ctx context.Context, images []string) (bool, error) {
	return call(ctx, a, "detect_fraudulent_image", func(ctx context.Context) (bool, error) {
		return a.Backend.DetectFraudulentImage(ctx, images)
	})
}

// CompareCompletion always returns the structured shape.
func (a *Adapter) CompareCompletion(ctx context.Context, req CompletionRequest) (domain.CompletionAnalysis, error) {
	raw, err := call(ctx, a, "compare_completion", func(ctx context.Context) (RawCompletion, error) {
		return a.Backend.CompareCompletion(ctx, req)
	})
	if err != nil {
		return domain.CompletionAnalysis{}, err
	}
	out, err := Normalize(raw)
	if err != nil {
		return domain.CompletionAnalysis{}, invalid("compare_completion", "%v", err)
	}
	return out, nil
}

// ParseVoiceReport structures a transcript. Unknown categories fall back to Other.
func (a *Adapter) ParseVoiceReport(ctx context.Context, transcript string) (VoiceReport, error) {
	rep, err := call(ctx, a, "parse_voice_report", func(ctx context.Context) (VoiceReport, error) {
		return a.Backend.ParseVoiceReport(ctx, transcript)
	})
	if err != nil {
		return VoiceReport{}, err
	}
	if !rep.Category.IsValid() {
		rep.Category = domain.CategoryOther
	}
	rep.Priority = domain.Priority(strings.ToLower(string(rep.Priority)))
	if !rep.Priority.IsValid() {
		return VoiceReport{}, invalid("parse_voice_report", "unknown priority %q", rep.Priority)
	}
	if rep.SeverityScore < 1 || rep.SeverityScore > 10 {
		return VoiceReport{}, invalid("parse_voice_report", "severity %d outside 1..10", rep.SeverityScore)
	}
	if strings.TrimSpace(rep.Title) == "" {
		return VoiceReport{}, invalid("parse_voice_report", "empty title")
	}
	if rep.Transcript == "" {
		rep.Transcript = transcript
	}
	return rep, nil
}

// EstimateResolutionDays is deterministic and never calls the backend.
func (a *Adapter) EstimateResolutionDays(p domain.Priority, pending int) int {
	return policy.EstimateResolutionDays(p, pending)
}
