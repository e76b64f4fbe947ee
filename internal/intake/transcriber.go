package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"civictrack/internal/domain"
)

// HTTPTranscriber calls an external speech-to-text service:
// POST {"recording_url": ...} -> {"transcript": ...}.
type HTTPTranscriber struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

func NewHTTPTranscriber(url string, timeout time.Duration) *HTTPTranscriber {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &HTTPTranscriber{URL: url, Client: &http.Client{}, Timeout: timeout}
}

func (t *HTTPTranscriber) Transcribe(ctx context.Context, recordingURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()
	body, err := json.Marshal(map[string]string{"recording_url": recordingURL})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w: %w", domain.ErrOracleUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("transcribe: %w: status %d: %s", domain.ErrOracleUnavailable, resp.StatusCode, bytes.TrimSpace(snippet))
	}
	var out struct {
		Transcript string `json:"transcript"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("transcribe: %w: decode response: %w", domain.ErrOracleUnavailable, err)
	}
	return out.Transcript, nil
}
