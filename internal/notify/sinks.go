package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookSink POSTs each event as JSON.
type WebhookSink struct {
	URL    string
	Secret string
	Client *http.Client
}

func NewWebhookSink(url, secret string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &WebhookSink{URL: url, Secret: secret, Client: &http.Client{Timeout: timeout}}
}

func (s *WebhookSink) Name() string { return "webhook " + s.URL }

func (s *WebhookSink) Deliver(ctx context.Context, evt Envelope) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Civictrack-Event", evt.Type)
	req.Header.Set("X-Civictrack-Delivery", strconv.FormatInt(evt.ID, 10))
	if strings.TrimSpace(s.Secret) != "" {
		req.Header.Set("X-Civictrack-Secret", s.Secret)
	}
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Publisher is satisfied by *redis.Client and *redis.ClusterClient.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisSink publishes each event on a pub/sub channel.
type RedisSink struct {
	Client  Publisher
	Channel string
}

func NewRedisSink(client Publisher, channel string) *RedisSink {
	if channel == "" {
		channel = "civictrack.events"
	}
	return &RedisSink{Client: client, Channel: channel}
}

func (s *RedisSink) Name() string { return "redis " + s.Channel }

func (s *RedisSink) Deliver(ctx context.Context, evt Envelope) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if err := s.Client.Publish(ctx, s.Channel, string(data)).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", s.Channel, err)
	}
	return nil
}
