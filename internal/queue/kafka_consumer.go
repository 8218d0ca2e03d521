package queue

import (
	"context"
	"errors"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// KafkaConsumer reads envelopes through a consumer group. Offsets are only
// marked once the handler returns nil, so failed batches are redelivered
// after a rebalance or restart.
type KafkaConsumer struct {
	topic string
	group sarama.ConsumerGroup
	log   *zap.Logger
}

func NewKafkaConsumer(topic string, group sarama.ConsumerGroup, log *zap.Logger) *KafkaConsumer {
	if log == nil {
		log = zap.NewNop()
	}
	return &KafkaConsumer{topic: topic, group: group, log: log.Named("kafka_consumer")}
}

// NewKafkaConsumerConfig returns consumer group settings for the delivery workers.
func NewKafkaConsumerConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Group.Session.Timeout = 60 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	cfg.Consumer.Group.Rebalance.Timeout = 90 * time.Second
	cfg.Consumer.Return.Errors = true
	return cfg
}

func (c *KafkaConsumer) Consume(ctx context.Context, handler Handler) error {
	defer func() {
		if err := c.group.Close(); err != nil {
			c.log.Warn("close consumer group", zap.Error(err))
		}
	}()

	c.log.Info("kafka consumer started", zap.String("topic", c.topic))
	gh := &groupHandler{handler: handler, log: c.log}

	backoff := time.Second
	for {
		err := c.group.Consume(ctx, []string{c.topic}, gh)
		if err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return err
			}
			c.log.Error("consume failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		if ctx.Err() != nil {
			c.log.Info("context cancelled, stopping consumer")
			return nil
		}
		backoff = time.Second
	}
}

type groupHandler struct {
	handler Handler
	log     *zap.Logger
}

func (h *groupHandler) Setup(session sarama.ConsumerGroupSession) error {
	for topic, partitions := range session.Claims() {
		h.log.Info("partition assignment", zap.String("topic", topic), zap.Int32s("partitions", partitions))
	}
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		env, err := Decode(message.Value)
		if err != nil {
			h.log.Error("dropping undecodable message",
				zap.Int32("partition", message.Partition),
				zap.Int64("offset", message.Offset),
				zap.Error(err))
			session.MarkMessage(message, "")
			continue
		}
		if err := h.handler(session.Context(), env); err != nil {
			// leave the offset unmarked so the batch is seen again
			h.log.Error("envelope handling failed",
				zap.String("broadcast_id", env.JobDetails.ID),
				zap.Error(err))
			return err
		}
		session.MarkMessage(message, "")
	}
	return nil
}
