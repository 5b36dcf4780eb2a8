package consumer

import (
	"context"
	"fmt"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	log "github.com/sirupsen/logrus"
)

type MessageHandler interface {
	HandleMessage(ctx context.Context, message []byte) error
}

// Poller is the part of *kafka.Consumer the loop needs.
type Poller interface {
	SubscribeTopics(topics []string, rebalanceCb kafka.RebalanceCb) error
	Poll(timeoutMs int) kafka.Event
	Close() error
}

// KafkaConsumer routes messages from several topics to their handlers.
type KafkaConsumer struct {
	consumer Poller
	handlers map[string]MessageHandler
}

func NewKafkaConsumer(consumer Poller, handlers map[string]MessageHandler) (*KafkaConsumer, error) {
	topics := make([]string, 0, len(handlers))
	for topic := range handlers {
		topics = append(topics, topic)
	}
	if err := consumer.SubscribeTopics(topics, nil); err != nil {
		return nil, fmt.Errorf("failed to subscribe to topics: %w", err)
	}
	log.WithField("topics", topics).Info("Subscribed to Kafka topics")
	return &KafkaConsumer{consumer: consumer, handlers: handlers}, nil
}

func (c *KafkaConsumer) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			log.Info("Kafka consumer stopping due to context cancellation")
			return ctx.Err()
		default:
			ev := c.consumer.Poll(100)
			if ev == nil {
				continue
			}

			switch e := ev.(type) {
			case *kafka.Message:
				c.dispatch(ctx, e)
			case kafka.Error:
				log.WithError(e).Error("Kafka error")
				if e.IsFatal() {
					return e
				}
			}
		}
	}
}

func (c *KafkaConsumer) dispatch(ctx context.Context, msg *kafka.Message) {
	topic := ""
	if msg.TopicPartition.Topic != nil {
		topic = *msg.TopicPartition.Topic
	}
	logCtx := log.WithFields(log.Fields{"topic": topic, "offset": msg.TopicPartition.Offset.String()})

	h, ok := c.handlers[topic]
	if !ok {
		logCtx.Warn("No handler for topic, skipping message")
		return
	}
	if err := h.HandleMessage(ctx, msg.Value); err != nil {
		logCtx.WithError(err).Error("Failed to handle message")
	}
}

func (c *KafkaConsumer) Close() error {
	return c.consumer.Close()
}
