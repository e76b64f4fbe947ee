// Package notify fans audit events out to webhooks and Redis subscribers.
// Delivery is at-least-once: a sink's cursor only advances past events it accepted.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"civictrack/internal/config"
	"civictrack/internal/domain"
)

const (
	defaultInterval = 2 * time.Second
	defaultBatch    = 100
)

// EventSource is the part of the store the dispatcher reads.
type EventSource interface {
	EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

// Sink receives events one at a time.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, evt Envelope) error
}

// Envelope is the wire form of an event.
type Envelope struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func envelope(evt domain.Event) Envelope {
	env := Envelope{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    json.RawMessage("{}"),
	}
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			env.Payload = json.RawMessage(evt.Payload)
		} else {
			env.PayloadRaw = evt.Payload
		}
	}
	return env
}

type subscription struct {
	sink    Sink
	filter  eventFilter
	cursor  int64
	started bool
}

// Dispatcher polls the event log and pushes new events to every sink.
type Dispatcher struct {
	Source   EventSource
	Interval time.Duration
	Batch    int
	// FromStart replays the whole log on first dispatch instead of starting at the tip.
	FromStart bool
	Log       *slog.Logger

	mu   sync.Mutex
	subs []*subscription
}

func NewDispatcher(src EventSource, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		Source:   src,
		Interval: defaultInterval,
		Batch:    defaultBatch,
		Log:      log.With("component", "notify"),
	}
}

// Subscribe registers sink for the given event types. No types means all events.
func (d *Dispatcher) Subscribe(sink Sink, types []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs = append(d.subs, &subscription{sink: sink, filter: newEventFilter(types)})
}

// Len reports the number of subscribed sinks.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

// Run dispatches until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DispatchOnce delivers one batch to every sink. A failing sink stops at the failed
// event and retries it next round; other sinks are unaffected.
func (d *Dispatcher) DispatchOnce(ctx context.Context) {
	d.mu.Lock()
	subs := append([]*subscription(nil), d.subs...)
	d.mu.Unlock()
	for _, sub := range subs {
		if err := d.dispatch(ctx, sub); err != nil {
			d.Log.WarnContext(ctx, "event delivery failed", "sink", sub.sink.Name(), "cursor", sub.cursor, "error", err)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, sub *subscription) error {
	if !sub.started {
		if !d.FromStart {
			cur, err := d.Source.LatestEventID(ctx)
			if err != nil {
				return fmt.Errorf("init cursor: %w", err)
			}
			sub.cursor = cur
		}
		sub.started = true
	}
	batch := d.Batch
	if batch <= 0 {
		batch = defaultBatch
	}
	evts, err := d.Source.EventsAfter(ctx, batch, sub.cursor)
	if err != nil {
		return fmt.Errorf("fetch events: %w", err)
	}
	for _, evt := range evts {
		if sub.filter.match(evt.Type) {
			if err := sub.sink.Deliver(ctx, envelope(evt)); err != nil {
				return fmt.Errorf("event %d: %w", evt.ID, err)
			}
		}
		sub.cursor = evt.ID
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}

// FromConfig builds a dispatcher with the webhooks and Redis channel of cfg. The
// returned close func releases the Redis client.
func FromConfig(cfg *config.Config, src EventSource, log *slog.Logger) (*Dispatcher, func() error, error) {
	d := NewDispatcher(src, log)
	if cfg.Events.PollIntervalMS > 0 {
		d.Interval = time.Duration(cfg.Events.PollIntervalMS) * time.Millisecond
	}
	for _, hook := range cfg.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		timeout := time.Duration(hook.TimeoutSeconds) * time.Second
		d.Subscribe(NewWebhookSink(hook.URL, hook.Secret, timeout), hook.Events)
	}
	closeFn := func() error { return nil }
	if addr := strings.TrimSpace(cfg.Events.Redis.Addr); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Events.Redis.DB})
		d.Subscribe(NewRedisSink(client, cfg.Events.Redis.Channel), nil)
		closeFn = client.Close
	}
	return d, closeFn, nil
}
