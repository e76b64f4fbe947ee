package intake_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civictrack/internal/domain"
	"civictrack/internal/engine"
	"civictrack/internal/intake"
	"civictrack/internal/oracle"
)

type creatorMock struct {
	form  []engine.CreateIssueOptions
	voice []engine.VoiceIssueOptions
}

func (m *creatorMock) Create(_ context.Context, opts engine.CreateIssueOptions) (domain.Issue, error) {
	m.form = append(m.form, opts)
	return domain.Issue{ID: "i-1", CreatorID: opts.ActorID, Category: opts.Category}, nil
}

func (m *creatorMock) CreateFromVoice(_ context.Context, opts engine.VoiceIssueOptions) (domain.Issue, error) {
	m.voice = append(m.voice, opts)
	return domain.Issue{ID: "i-2", CreatorID: "caller", Category: opts.Category, FromVoice: true}, nil
}

type parserMock struct {
	transcripts []string
	report      oracle.VoiceReport
	err         error
}

func (m *parserMock) ParseVoiceReport(_ context.Context, transcript string) (oracle.VoiceReport, error) {
	m.transcripts = append(m.transcripts, transcript)
	return m.report, m.err
}

type transcriberMock struct {
	text string
	err  error
}

func (m transcriberMock) Transcribe(context.Context, string) (string, error) { return m.text, m.err }

var waterReport = oracle.VoiceReport{
	Title:         "Water leak near school",
	Category:      domain.CategoryWater,
	Transcript:    "There is a water leak near the school",
	Address:       "School Road",
	PostalCode:    "560001",
	Priority:      domain.PriorityMedium,
	SeverityScore: 6,
	Reasoning:     "Steady leak.",
}

func TestSubmitFormNormalizes(t *testing.T) {
	t.Parallel()
	issues := &creatorMock{}
	g := intake.NewGateway(issues, &parserMock{}, nil, nil)

	_, err := g.SubmitForm(context.Background(), intake.FormSubmission{
		ActorID:  " cit-1 ",
		Images:   []string{" https://img/1.jpg ", "", "https://img/2.jpg"},
		Notes:    "  Streetlight out  ",
		Category: "streetlight",
		Address:  " 4 Elm St ",
	})
	require.NoError(t, err)
	require.Len(t, issues.form, 1)
	got := issues.form[0]
	assert.Equal(t, "cit-1", got.ActorID)
	assert.Equal(t, []string{"https://img/1.jpg", "https://img/2.jpg"}, got.Images)
	assert.Equal(t, "Streetlight out", got.Notes)
	assert.Equal(t, domain.CategoryStreetlight, got.Category)
	assert.Equal(t, "4 Elm St", got.Address)
}

func TestSubmitFormValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		sub   intake.FormSubmission
		field string
	}{
		{"no images", intake.FormSubmission{ActorID: "c", Address: "x"}, "images"},
		{"blank images only", intake.FormSubmission{ActorID: "c", Address: "x", Images: []string{" "}}, "images"},
		{"six images", intake.FormSubmission{ActorID: "c", Address: "x", Images: []string{"1", "2", "3", "4", "5", "6"}}, "images"},
		{"no actor", intake.FormSubmission{Images: []string{"1"}, Address: "x"}, "actor_id"},
		{"bad locality", intake.FormSubmission{ActorID: "c", Images: []string{"1"}, LocalityCode: "56-001"}, "locality_code"},
		{"bad category", intake.FormSubmission{ActorID: "c", Images: []string{"1"}, Address: "x", Category: "Volcano"}, "category"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			issues := &creatorMock{}
			g := intake.NewGateway(issues, &parserMock{}, nil, nil)
			_, err := g.SubmitForm(context.Background(), tt.sub)
			require.ErrorIs(t, err, domain.ErrValidation)
			var ve *domain.ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.field, ve.Field)
			assert.Empty(t, issues.form)
		})
	}
}

func TestHandleVoiceCallback(t *testing.T) {
	t.Parallel()
	issues := &creatorMock{}
	parser := &parserMock{report: waterReport}
	g := intake.NewGateway(issues, parser, transcriberMock{text: "there is a water leak near the school"}, nil)

	is, err := g.HandleVoiceCallback(context.Background(), intake.VoiceCallback{
		RecordingURL:   "https://telephony.example/rec/1.wav",
		FromNumber:     "+91 98000-00001",
		DTMFPostalCode: "560 034#",
	})
	require.NoError(t, err)
	assert.True(t, is.FromVoice)
	assert.Equal(t, []string{"there is a water leak near the school"}, parser.transcripts)

	require.Len(t, issues.voice, 1)
	got := issues.voice[0]
	assert.Equal(t, "+919800000001", got.CallerPhone)
	assert.Equal(t, "560034", got.LocalityCode)
	assert.Equal(t, "https://telephony.example/rec/1.wav", got.AudioRef)
	assert.Equal(t, domain.PriorityMedium, got.Priority)
	assert.Equal(t, 6, got.SeverityScore)
	assert.Equal(t, "Water leak near school", got.Title)
}

func TestHandleVoiceCallbackKeepsParsedPostalCode(t *testing.T) {
	t.Parallel()
	issues := &creatorMock{}
	g := intake.NewGateway(issues, &parserMock{report: waterReport}, nil, nil)
	_, err := g.HandleVoiceCallback(context.Background(), intake.VoiceCallback{
		FromNumber:     "0091 9800000001",
		TranscriptText: "water leak near the school",
	})
	require.NoError(t, err)
	require.Len(t, issues.voice, 1)
	assert.Equal(t, "560001", issues.voice[0].LocalityCode)
	assert.Equal(t, "+919800000001", issues.voice[0].CallerPhone)
}

func TestHandleVoiceCallbackFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	g := intake.NewGateway(&creatorMock{}, &parserMock{report: waterReport}, nil, nil)
	_, err := g.HandleVoiceCallback(ctx, intake.VoiceCallback{FromNumber: "+15550001111"})
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = g.HandleVoiceCallback(ctx, intake.VoiceCallback{FromNumber: "12", TranscriptText: "hi"})
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = g.HandleVoiceCallback(ctx, intake.VoiceCallback{FromNumber: "+15550001111", RecordingURL: "https://rec/1"})
	require.ErrorIs(t, err, domain.ErrOracleUnavailable)

	issues := &creatorMock{}
	g = intake.NewGateway(issues, &parserMock{err: domain.ErrOracleUnavailable}, transcriberMock{text: "x"}, nil)
	_, err = g.HandleVoiceCallback(ctx, intake.VoiceCallback{FromNumber: "+15550001111", RecordingURL: "https://rec/1"})
	require.ErrorIs(t, err, domain.ErrOracleUnavailable)
	assert.Empty(t, issues.voice)
}

func TestNormalizePhone(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"+1 (555) 000-1111": "+15550001111",
		"0044 20 7946 0000": "+442079460000",
		"98000 00001":       "9800000001",
	}
	for in, want := range tests {
		got, err := intake.NormalizePhone(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := intake.NormalizePhone("call me")
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestHTTPTranscriber(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["recording_url"] == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if body["recording_url"] == "https://rec/broken" {
			http.Error(w, "engine down", http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"transcript": "pothole on fifth avenue"})
	}))
	t.Cleanup(srv.Close)

	tr := intake.NewHTTPTranscriber(srv.URL, time.Second)
	text, err := tr.Transcribe(context.Background(), "https://rec/1")
	require.NoError(t, err)
	assert.Equal(t, "pothole on fifth avenue", text)

	_, err = tr.Transcribe(context.Background(), "https://rec/broken")
	require.ErrorIs(t, err, domain.ErrOracleUnavailable)
	assert.Contains(t, err.Error(), "502")
}
