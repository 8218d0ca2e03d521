package queue

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
)

// NewKafkaConfig returns the producer settings used for broadcast batches:
// every replica must acknowledge and send results are reported back.
func NewKafkaConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Producer.MaxMessageBytes = 4 << 20
	return cfg
}

// KafkaDialer opens a SyncProducer per scheduler run.
type KafkaDialer struct {
	Brokers []string
	Topic   string
	Config  *sarama.Config

	newProducer func(addrs []string, cfg *sarama.Config) (sarama.SyncProducer, error)
}

func NewKafkaDialer(brokers []string, topic, clientID string) *KafkaDialer {
	return &KafkaDialer{
		Brokers:     brokers,
		Topic:       topic,
		Config:      NewKafkaConfig(clientID),
		newProducer: sarama.NewSyncProducer,
	}
}

func (d *KafkaDialer) Dial(ctx context.Context) (Publisher, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	producer, err := d.newProducer(d.Brokers, d.Config)
	if err != nil {
		return nil, fmt.Errorf("connect kafka producer: %w", err)
	}
	return NewKafkaPublisher(producer, d.Topic), nil
}

type kafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaPublisher wraps an existing SyncProducer. Close closes the producer.
func NewKafkaPublisher(producer sarama.SyncProducer, topic string) Publisher {
	if producer == nil {
		panic("NewKafkaPublisher: nil producer")
	}
	if topic == "" {
		panic("NewKafkaPublisher: topic must not be empty")
	}
	return &kafkaPublisher{producer: producer, topic: topic}
}

// Publish keys messages by broadcast id so one job's batches share a partition.
func (p *kafkaPublisher) Publish(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := env.Encode()
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(env.JobDetails.ID),
		Value: sarama.ByteEncoder(body),
	}
	if _, _, err := p.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("send to %s: %w", p.topic, err)
	}
	return nil
}

func (p *kafkaPublisher) Close() error {
	return p.producer.Close()
}
