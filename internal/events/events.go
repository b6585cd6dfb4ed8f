// Package events delivers engine notifications to subscribers after each
// committed operation.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/chain-engine/internal/model"
)

// Sink receives committed engine events. Publish must not block for long:
// it runs after the engine has released its lock but on the caller's path.
type Sink interface {
	Publish(ctx context.Context, evt model.Event) error
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, model.Event) error { return nil }

// Fanout publishes to every sink in order. A failing sink is logged and
// skipped; delivery to the remaining sinks continues.
type Fanout struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewFanout creates a fan-out over sinks.
func NewFanout(logger *slog.Logger, sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks, logger: logger.With("component", "events")}
}

func (f *Fanout) Publish(ctx context.Context, evt model.Event) error {
	for _, s := range f.sinks {
		if err := s.Publish(ctx, evt); err != nil {
			f.logger.WarnContext(ctx, "publish event failed",
				"type", string(evt.Type),
				"error", err,
			)
		}
	}
	return nil
}

// streamMaxLen is the approximate maximum length of the replay stream,
// enforced via XADD MAXLEN ~.
const streamMaxLen int64 = 10000

// RedisPublisher sends each event as JSON on a Pub/Sub channel and appends
// it to a capped stream so late subscribers can replay recent history.
type RedisPublisher struct {
	rdb     redis.UniversalClient
	channel string
	stream  string
}

// NewRedisPublisher creates a publisher. An empty stream disables the
// replay stream.
func NewRedisPublisher(rdb redis.UniversalClient, channel, stream string) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, channel: channel, stream: stream}
}

func (p *RedisPublisher) Publish(ctx context.Context, evt model.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", evt.Type, err)
	}
	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("events: publish %s: %w", p.channel, err)
	}
	if p.stream == "" {
		return nil
	}
	args := &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":    string(evt.Type),
			"payload": payload,
		},
	}
	if err := p.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("events: stream append %s: %w", p.stream, err)
	}
	return nil
}

// Recorder keeps every event in memory. Used by tests.
type Recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *Recorder) Publish(_ context.Context, evt model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []model.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]model.EventType, len(r.events))
	for i, e := range r.events {
		types[i] = e.Type
	}
	return types
}

// Compile-time interface checks.
var (
	_ Sink = Discard{}
	_ Sink = (*Fanout)(nil)
	_ Sink = (*RedisPublisher)(nil)
	_ Sink = (*Recorder)(nil)
)
