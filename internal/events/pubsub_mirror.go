package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// PubSubMirror replicates bus events to a Cloud Pub/Sub topic for durable
// delivery to downstream consumers (audit pipelines, ops dashboards).
// Messages are ordered per plan so a consumer replays each plan's stream in
// execution order.
type PubSubMirror struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubMirror connects to Pub/Sub and creates the topic if missing.
func NewPubSubMirror(projectID, topicID string, opts ...option.ClientOption) (*PubSubMirror, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		slog.Info("created Pub/Sub topic", "topic", topicID)
	}
	topic.EnableMessageOrdering = true

	return &PubSubMirror{client: client, topic: topic}, nil
}

func (m *PubSubMirror) Forward(event *Event) {
	payload, err := event.JSON()
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result := m.topic.Publish(ctx, &pubsub.Message{
		Data:        payload,
		OrderingKey: event.PlanID,
		Attributes: map[string]string{
			"event_type": string(event.Type),
			"plan_id":    event.PlanID,
		},
	})
	if _, err := result.Get(ctx); err != nil {
		slog.Warn("pubsub mirror publish failed", "type", event.Type, "error", err)
	}
}

func (m *PubSubMirror) Close() error {
	m.topic.Stop()
	return m.client.Close()
}
