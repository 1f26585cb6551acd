package mq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"cloud.google.com/go/pubsub"
	"github.com/usermgmt/apiserver/config"
	"google.golang.org/api/option"
)

const defaultSubscriptionSuffix = "-sub"

// PubSubClient maps channels to Pub/Sub topics. Subscribers share one
// subscription per topic, named by appending the configured suffix.
//
// Topic handles are created once per channel and kept for the lifetime of
// the client; each owns a background publish scheduler that Close stops.
type PubSubClient struct {
	client *pubsub.Client
	suffix string

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// NewPubSubClient constructs a Pub/Sub client from config. The client talks
// to the emulator when PUBSUB_EMULATOR_HOST is set.
func NewPubSubClient(ctx context.Context, cfg config.PubSubConfig) (*PubSubClient, error) {
	projectID := strings.TrimSpace(cfg.ProjectID)
	if projectID == "" {
		return nil, errors.New("pubsub project id is required")
	}

	var opts []option.ClientOption
	if file := strings.TrimSpace(cfg.CredentialsFile); file != "" {
		opts = append(opts, option.WithCredentialsFile(file))
	}

	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, err
	}

	suffix := cfg.SubscriptionSuffix
	if suffix == "" {
		suffix = defaultSubscriptionSuffix
	}
	return &PubSubClient{client: client, suffix: suffix, topics: map[string]*pubsub.Topic{}}, nil
}

// Publish sends data to the channel's topic, creating the topic on first use,
// and waits for the server-assigned message id.
func (p *PubSubClient) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	topic, err := p.topic(ctx, channel)
	if err != nil {
		return "", err
	}
	id, err := topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", channel, err)
	}
	return id, nil
}

// Subscribe consumes messages from the channel until ctx is done. A handler
// error nacks the message so Pub/Sub redelivers it.
func (p *PubSubClient) Subscribe(ctx context.Context, channel string, handler Handler) error {
	topic, err := p.topic(ctx, channel)
	if err != nil {
		return err
	}
	sub, err := p.subscription(ctx, channel+p.suffix, topic)
	if err != nil {
		return err
	}

	return sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		err := handler(ctx, Message{ID: msg.ID, Data: msg.Data, Attributes: msg.Attributes})
		if err != nil {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

// Close flushes and stops every topic handle, then closes the client.
func (p *PubSubClient) Close() error {
	p.mu.Lock()
	for name, topic := range p.topics {
		topic.Stop()
		delete(p.topics, name)
	}
	p.mu.Unlock()
	return p.client.Close()
}

func (p *PubSubClient) topic(ctx context.Context, channel string) (*pubsub.Topic, error) {
	if strings.TrimSpace(channel) == "" {
		return nil, errors.New("pubsub channel is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if topic, ok := p.topics[channel]; ok {
		return topic, nil
	}

	topic := p.client.Topic(channel)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check topic %s: %w", channel, err)
	}
	if !exists {
		if topic, err = p.client.CreateTopic(ctx, channel); err != nil {
			return nil, fmt.Errorf("create topic %s: %w", channel, err)
		}
	}
	p.topics[channel] = topic
	return topic, nil
}

func (p *PubSubClient) subscription(ctx context.Context, name string, topic *pubsub.Topic) (*pubsub.Subscription, error) {
	sub := p.client.Subscription(name)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check subscription %s: %w", name, err)
	}
	if exists {
		return sub, nil
	}
	sub, err = p.client.CreateSubscription(ctx, name, pubsub.SubscriptionConfig{Topic: topic})
	if err != nil {
		return nil, fmt.Errorf("create subscription %s: %w", name, err)
	}
	return sub, nil
}
