package mq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usermgmt/apiserver/config"
	"github.com/usermgmt/apiserver/types"
)

type published struct {
	channel string
	data    []byte
	attrs   map[string]string
}

type fakeBackend struct {
	mu        sync.Mutex
	published []published
	err       error
	closed    bool
}

func (f *fakeBackend) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.published = append(f.published, published{channel: channel, data: data, attrs: attrs})
	return "msg-1", nil
}

func (f *fakeBackend) Subscribe(ctx context.Context, channel string, handler Handler) error {
	f.mu.Lock()
	msgs := append([]published(nil), f.published...)
	f.mu.Unlock()
	for i, m := range msgs {
		if m.channel != channel {
			continue
		}
		if err := handler(ctx, Message{ID: string(rune('0' + i)), Data: m.data, Attributes: m.attrs}); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeBackend) Close() error {
	f.closed = true
	return nil
}

func TestPublisherRoundTrip(t *testing.T) {
	backend := &fakeBackend{}
	queue := New(backend)
	pub := NewPublisher(queue, "user-events", nil, time.Second)
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	pub.now = func() time.Time { return at }

	pub.Publish(context.Background(), UserEvent{Type: EventUserRegistered, UserID: "u1", Email: "bob@gmail.com", Role: types.RoleUser})
	pub.Publish(context.Background(), UserEvent{Type: EventUsersPurged, Count: 3, ActorID: "admin"})

	var got []UserEvent
	err := queue.Subscribe(context.Background(), "user-events", func(ctx context.Context, msg Message) error {
		event, err := DecodeUserEvent(msg)
		if err != nil {
			return err
		}
		assert.Equal(t, string(event.Type), msg.Attributes[AttrEventType])
		got = append(got, event)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, UserEvent{Type: EventUserRegistered, UserID: "u1", Email: "bob@gmail.com", Role: types.RoleUser, OccurredAt: at}, got[0])
	assert.Equal(t, int64(3), got[1].Count)
}

func TestPublisherSurvivesCancelledRequest(t *testing.T) {
	backend := &fakeBackend{}
	pub := NewPublisher(New(backend), "user-events", nil, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pub.Publish(ctx, UserEvent{Type: EventUserDeleted, UserID: "u1"})
	assert.Len(t, backend.published, 1)
}

func TestPublisherIsBestEffort(t *testing.T) {
	backend := &fakeBackend{err: errors.New("broker down")}
	pub := NewPublisher(New(backend), "user-events", nil, 0)

	assert.NotPanics(t, func() {
		pub.Publish(context.Background(), UserEvent{Type: EventUserUpdated})
	})

	var nilPub *Publisher
	assert.NotPanics(t, func() {
		nilPub.Publish(context.Background(), UserEvent{Type: EventUserUpdated})
	})
	assert.NotPanics(t, func() {
		NewPublisher(nil, "user-events", nil, 0).Publish(context.Background(), UserEvent{Type: EventUserUpdated})
	})
}

func TestDecodeUserEventRejectsGarbage(t *testing.T) {
	_, err := DecodeUserEvent(Message{ID: "x", Data: []byte("{not json")})
	assert.Error(t, err)
}

func TestOpenWithoutBackend(t *testing.T) {
	m, err := Open(context.Background(), config.MQConfig{Backend: config.BackendNone})
	require.NoError(t, err)
	assert.Nil(t, m)

	_, err = Open(context.Background(), config.MQConfig{Backend: "kafka"})
	assert.Error(t, err)

	_, err = Open(context.Background(), config.MQConfig{Backend: config.MQRabbitMQ})
	assert.Error(t, err, "empty url is rejected before dialing")
}

func TestHeadersToAttributes(t *testing.T) {
	attrs := headersToAttributes(map[string]any{"a": "x", "b": []byte("y"), "c": 7})
	assert.Equal(t, map[string]string{"a": "x", "b": "y", "c": "7"}, attrs)
	assert.Nil(t, headersToAttributes(nil))
}
