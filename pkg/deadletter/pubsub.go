package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
)

// PubSubPublisher writes records to a Pub/Sub topic as JSON, with the
// routing fields copied into message attributes.
type PubSubPublisher struct {
	depth
	topic  *pubsub.Topic
	logger zerolog.Logger
}

// NewPubSubPublisher creates a publisher for an existing topic.
func NewPubSubPublisher(ctx context.Context, client *pubsub.Client, topicID string, logger zerolog.Logger) (*PubSubPublisher, error) {
	if client == nil {
		return nil, errors.New("pubsub client cannot be nil")
	}
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check dead-letter topic %s: %w", topicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("dead-letter topic %s does not exist", topicID)
	}
	return &PubSubPublisher{
		topic:  topic,
		logger: logger.With().Str("component", "PubSubDeadLetter").Str("topic_id", topicID).Logger(),
	}, nil
}

// Publish sends every record and waits for each publish result.
func (p *PubSubPublisher) Publish(ctx context.Context, records []Record) error {
	results := make([]*pubsub.PublishResult, 0, len(records))
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal dead-letter record %s/%d/%d: %w", r.Topic, r.Partition, r.Offset, err)
		}
		results = append(results, p.topic.Publish(ctx, &pubsub.Message{
			Data:       data,
			Attributes: r.Attributes(),
		}))
	}

	var errs []error
	confirmed := 0
	for i, res := range results {
		msgID, err := res.Get(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("record %d: %w", i, err))
			continue
		}
		confirmed++
		p.logger.Info().Str("dlt_msg_id", msgID).Str("reason", string(records[i].Reason)).
			Int64("source_offset", records[i].Offset).Msg("Message sent to dead-letter topic.")
	}
	p.add(confirmed)
	if len(errs) > 0 {
		p.logger.Error().Int("failed", len(errs)).Int("total", len(records)).Msg("Failed to publish dead-letter messages")
		return fmt.Errorf("dead-letter publish: %w", errors.Join(errs...))
	}
	return nil
}

// Close flushes pending messages for the topic.
func (p *PubSubPublisher) Close() error {
	p.topic.Stop()
	return nil
}
