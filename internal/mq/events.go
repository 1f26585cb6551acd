package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/usermgmt/apiserver/types"
)

// EventType names a user lifecycle event.
type EventType string

const (
	EventUserRegistered EventType = "user.registered"
	EventUserCreated    EventType = "user.created"
	EventUserUpdated    EventType = "user.updated"
	EventUserDeleted    EventType = "user.deleted"
	EventUsersPurged    EventType = "users.purged"
)

// AttrEventType is the message attribute carrying the event type, so
// consumers can filter without decoding the body.
const AttrEventType = "event_type"

// UserEvent is the payload published for every change to the user set.
type UserEvent struct {
	Type       EventType  `json:"type"`
	UserID     string     `json:"user_id,omitempty"`
	Email      string     `json:"email,omitempty"`
	Role       types.Role `json:"role,omitempty"`
	ActorID    string     `json:"actor_id,omitempty"`
	Count      int64      `json:"count,omitempty"`
	Snapshot   string     `json:"snapshot,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// DecodeUserEvent parses a delivered message body.
func DecodeUserEvent(msg Message) (UserEvent, error) {
	var event UserEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		return UserEvent{}, fmt.Errorf("decode user event %s: %w", msg.ID, err)
	}
	return event, nil
}

// Publisher sends user events on a single channel. A nil *Publisher, or one
// built without a broker, drops events silently.
type Publisher struct {
	mq      *MQ
	channel string
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
}

func NewPublisher(m *MQ, channel string, logger *slog.Logger, timeout time.Duration) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{mq: m, channel: channel, logger: logger, timeout: timeout, now: time.Now}
}

// Publish sends event. Delivery is best-effort: failures are logged and the
// caller's operation is never affected.
func (p *Publisher) Publish(ctx context.Context, event UserEvent) {
	if p == nil || p.mq == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = p.now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.logger.ErrorContext(ctx, "encode user event failed", "type", event.Type, "error", err)
		return
	}

	// The request may already be finishing; publishing must not inherit its
	// cancellation.
	ctx = context.WithoutCancel(ctx)
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	id, err := p.mq.Publish(ctx, p.channel, data, map[string]string{AttrEventType: string(event.Type)})
	if err != nil {
		p.logger.ErrorContext(ctx, "publish user event failed", "type", event.Type, "user_id", event.UserID, "error", err)
		return
	}
	p.logger.DebugContext(ctx, "user event published", "type", event.Type, "message_id", id)
}
