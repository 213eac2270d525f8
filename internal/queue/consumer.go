package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/your-org/cricket/internal/models"
)

// DetectionHandler processes one detection event. Returning an error naks
// the message for redelivery.
type DetectionHandler func(ctx context.Context, event models.DetectionEvent) error

type Consumer struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func NewConsumer(natsURL string) (*Consumer, error) {
	nc, js, err := connect(natsURL)
	if err != nil {
		return nil, err
	}
	return &Consumer{nc: nc, js: js}, nil
}

// ConsumeDetections fetches detection events in the background until ctx
// is cancelled. An empty consumerName creates an ephemeral consumer, so every
// process calling it receives every event.
func (c *Consumer) ConsumeDetections(ctx context.Context, consumerName string, handler DetectionHandler) error {
	stream, err := c.js.Stream(ctx, DetectionsStreamName)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", DetectionsStreamName, err)
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, detectionsConsumerConfig(consumerName))
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			batch, err := cons.Fetch(10, jetstream.FetchMaxWait(5*time.Second))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("fetch detections error", "error", err)
				time.Sleep(time.Second)
				continue
			}

			for msg := range batch.Messages() {
				if err := handleMessage(ctx, msg.Data(), handler); err != nil {
					slog.Error("process detection event error", "error", err, "subject", msg.Subject())
					_ = msg.Nak()
				} else {
					_ = msg.Ack()
				}
			}
		}
	}()

	slog.Info("detection consumer started", "consumer", consumerName)
	return nil
}

// ephemeralInactiveThreshold is how long the server keeps an ephemeral
// consumer after its process stops fetching.
const ephemeralInactiveThreshold = 5 * time.Minute

func detectionsConsumerConfig(name string) jetstream.ConsumerConfig {
	cfg := jetstream.ConsumerConfig{
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       10 * time.Second,
		MaxDeliver:    3,
		FilterSubject: DetectionsSubjectBase + ".>",
		DeliverPolicy: jetstream.DeliverNewPolicy,
	}
	if name == "" {
		cfg.InactiveThreshold = ephemeralInactiveThreshold
		return cfg
	}
	cfg.Name = name
	cfg.Durable = name
	return cfg
}

func handleMessage(ctx context.Context, data []byte, handler DetectionHandler) error {
	event, err := DecodeDetectionEvent(data)
	if err != nil {
		// Redelivery cannot fix a malformed payload.
		slog.Warn("dropping malformed detection event", "error", err)
		return nil
	}
	return handler(ctx, event)
}

func DecodeDetectionEvent(data []byte) (models.DetectionEvent, error) {
	var event models.DetectionEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return event, fmt.Errorf("decode detection event: %w", err)
	}
	if event.ID == 0 {
		return event, fmt.Errorf("decode detection event: missing id")
	}
	return event, nil
}

func (c *Consumer) Close() {
	c.nc.Close()
}
