package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quantfold/chainbot/internal/domain"
	"github.com/quantfold/chainbot/internal/eventbus"
)

// eventStream is the durable stream every mirrored event is appended to,
// trimmed to an approximate maximum length via XADD MAXLEN ~.
const (
	eventStream       = "chainbot:events"
	eventChannelPfx   = "chainbot:events:"
	eventStreamMaxLen = 10000
	mirrorTimeout     = 5 * time.Second
)

// eventEnvelope is the wire form of a mirrored event: the kind tag plus the
// variant's own JSON payload.
type eventEnvelope struct {
	Kind string       `json:"kind"`
	At   time.Time    `json:"at"`
	Data domain.Event `json:"data"`
}

// EventMirror republishes engine events onto Redis so consumers outside the
// process (dashboards, alerting, analytics) can follow the event stream.
// Every event goes to a per-kind Pub/Sub channel and to one shared stream.
// Mirror failures are logged and never propagate back into the engine.
type EventMirror struct {
	rdb    *redis.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewEventMirror creates an EventMirror backed by the given Client.
func NewEventMirror(c *Client, logger *slog.Logger) *EventMirror {
	return &EventMirror{
		rdb:    c.Underlying(),
		logger: logger.With(slog.String("component", "event_mirror")),
		now:    time.Now,
	}
}

// Attach subscribes the mirror to the bus. The returned function detaches
// it. ctx bounds the Redis writes of events delivered after cancellation.
func (m *EventMirror) Attach(ctx context.Context, bus *eventbus.Bus) func() {
	return bus.Subscribe(func(ev domain.Event) {
		opCtx, cancel := context.WithTimeout(ctx, mirrorTimeout)
		defer cancel()
		if err := m.mirror(opCtx, ev); err != nil {
			m.logger.Warn("event mirror write failed",
				slog.String("kind", string(ev.Kind())),
				slog.String("error", err.Error()),
			)
		}
	})
}

func (m *EventMirror) mirror(ctx context.Context, ev domain.Event) error {
	payload, err := json.Marshal(eventEnvelope{
		Kind: string(ev.Kind()),
		At:   m.now().UTC(),
		Data: ev,
	})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ev.Kind(), err)
	}

	channel := eventChannelPfx + string(ev.Kind())
	if err := m.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}

	args := &redis.XAddArgs{
		Stream: eventStream,
		MaxLen: eventStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"kind":    string(ev.Kind()),
			"payload": payload,
		},
	}
	if err := m.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("stream append %s: %w", eventStream, err)
	}
	return nil
}
