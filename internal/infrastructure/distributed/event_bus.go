// Package distributed fans session lifecycle events out to every signal
// server sharing one Redis, so viewers attached to another instance learn
// that a session is gone.
package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"deskrelay/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultChannel = "deskrelay:events"

type EventType string

const EventSessionRemoved EventType = "session.removed"

type Event struct {
	Type       EventType          `json:"type"`
	InstanceID string             `json:"instance_id"`
	Timestamp  time.Time          `json:"timestamp"`
	Code       domain.SessionCode `json:"code"`
	Reason     string             `json:"reason,omitempty"`
}

type remoteKey struct{}

// FromRemote reports whether ctx belongs to an event handled on behalf of
// another instance. Hooks that publish should skip such contexts.
func FromRemote(ctx context.Context) bool {
	v, _ := ctx.Value(remoteKey{}).(bool)
	return v
}

type EventBus struct {
	client     *redis.Client
	instanceID string
	channel    string
	logger     *zap.SugaredLogger
}

func NewEventBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *EventBus {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		channel:    DefaultChannel,
		logger:     logger,
	}
}

func (eb *EventBus) InstanceID() string {
	return eb.instanceID
}

func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	event.InstanceID = eb.instanceID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event", "type", event.Type, "code", event.Code)
	return nil
}

func (eb *EventBus) PublishSessionRemoved(ctx context.Context, code domain.SessionCode, reason string) error {
	return eb.Publish(ctx, Event{Type: EventSessionRemoved, Code: code, Reason: reason})
}

// Subscribe calls handler for every event published by other instances
// until ctx is done. ready, if not nil, is closed once the subscription is
// confirmed by Redis.
func (eb *EventBus) Subscribe(ctx context.Context, ready chan<- struct{}, handler func(context.Context, Event)) error {
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", eb.channel, err)
	}
	if ready != nil {
		close(ready)
	}

	remote := context.WithValue(ctx, remoteKey{}, true)
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("event subscription closed")
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				eb.logger.Warnw("failed to unmarshal event", "error", err)
				continue
			}
			if event.InstanceID == eb.instanceID {
				continue
			}
			handler(remote, event)
		}
	}
}
