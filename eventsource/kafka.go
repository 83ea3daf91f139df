package eventsource

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/loomci/loom/event"
	"github.com/loomci/loom/log"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Kafka consumes forge events from a kafka (or redpanda) topic.
// Offsets are tracked by the consumer group, not the cursor store.
type Kafka struct {
	client    *kgo.Client
	submitter Submitter
	logger    *slog.Logger
}

func NewKafka(brokers []string, topic, group string, submitter Submitter, logger *slog.Logger) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one broker address is required")
	}
	if logger == nil {
		logger = log.New("kafka")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Kafka{
		client:    client,
		submitter: submitter,
		logger:    logger,
	}, nil
}

func (k *Kafka) Start(ctx context.Context) {
	go k.pollLoop(ctx)
}

func (k *Kafka) Stop() {
	k.client.Close()
}

func (k *Kafka) pollLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			fetches := k.client.PollFetches(ctx)
			if fetches.IsClientClosed() {
				return
			}

			if errs := fetches.Errors(); len(errs) > 0 {
				for _, err := range errs {
					k.logger.Error("fetch error", "topic", err.Topic, "err", err.Err)
				}
				continue
			}

			fetches.EachRecord(func(record *kgo.Record) {
				var ev event.Event
				if err := json.Unmarshal(record.Value, &ev); err != nil {
					k.logger.Error("error deserializing event", "offset", record.Offset, "err", err)
					return
				}
				if err := ev.Validate(); err != nil {
					k.logger.Error("dropping invalid event", "offset", record.Offset, "err", err)
					return
				}

				if err := k.submitter.Submit(ctx, &ev); err != nil {
					k.logger.Error("error submitting event", "offset", record.Offset, "err", err)
				}
			})
		}
	}
}
