package kafka

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// Handler processes one consumed message. A returned error skips the commit
// so the message is redelivered.
type Handler func(ctx context.Context, topic string, key, value []byte) error

type Consumer struct {
	readers []*kafka.Reader
}

func NewConsumer(brokers []string, groupID string, topics []string, timeout time.Duration) *Consumer {
	var readers []*kafka.Reader
	for _, t := range topics {
		readers = append(readers, kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			GroupID:        groupID,
			Topic:          t,
			MaxWait:        timeout,
			CommitInterval: time.Second,
		}))
	}
	return &Consumer{readers: readers}
}

// Start launches one fetch loop per topic. onExit, if non-nil, fires when a
// loop stops; err is nil on context cancellation.
func (c *Consumer) Start(ctx context.Context, handler Handler, onExit func(topic string, err error)) {
	for _, r := range c.readers {
		go func(reader *kafka.Reader) {
			topic := reader.Config().Topic
			for {
				m, err := reader.FetchMessage(ctx)
				if err != nil {
					if ctx.Err() != nil {
						err = nil
					} else {
						slog.Error("kafka fetch failed", "topic", topic, "error", err)
					}
					if onExit != nil {
						onExit(topic, err)
					}
					return
				}
				if err := handler(ctx, topic, m.Key, m.Value); err != nil {
					slog.Warn("event handling failed, leaving uncommitted", "topic", topic, "error", err)
					continue
				}
				_ = reader.CommitMessages(ctx, m)
			}
		}(r)
	}
}

func (c *Consumer) Close() error {
	var err error
	for _, r := range c.readers {
		if e := r.Close(); e != nil {
			err = e
		}
	}
	return err
}
