package queue

import (
	"context"
	"fmt"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// AMQPDialer publishes envelopes to a durable RabbitMQ queue.
type AMQPDialer struct {
	URL   string
	Queue string
}

func (d *AMQPDialer) Dial(ctx context.Context) (Publisher, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := amqp.Dial(d.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := declareQueue(ch, d.Queue); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return &amqpPublisher{conn: conn, ch: ch, queue: d.Queue}, nil
}

func declareQueue(ch *amqp.Channel, name string) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		name,  // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return amqp.Queue{}, fmt.Errorf("declare queue %s: %w", name, err)
	}
	return q, nil
}

type amqpPublisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

func (p *amqpPublisher) Publish(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := env.Encode()
	if err != nil {
		return err
	}
	return p.ch.Publish("", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.JobDetails.ID,
		Body:         body,
	})
}

func (p *amqpPublisher) Close() error {
	chErr := p.ch.Close()
	connErr := p.conn.Close()
	if chErr != nil {
		return chErr
	}
	return connErr
}

// AMQPConsumer feeds deliveries from a RabbitMQ queue to a handler.
// A failed delivery is requeued once and dropped on its second failure.
type AMQPConsumer struct {
	URL      string
	Queue    string
	Prefetch int
	Log      *zap.Logger
}

func (c *AMQPConsumer) logger() *zap.Logger {
	if c.Log == nil {
		return zap.NewNop()
	}
	return c.Log.Named("amqp_consumer")
}

func (c *AMQPConsumer) Consume(ctx context.Context, handler Handler) error {
	conn, err := amqp.Dial(c.URL)
	if err != nil {
		return fmt.Errorf("connect to rabbitmq: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	q, err := declareQueue(ch, c.Queue)
	if err != nil {
		return err
	}
	if c.Prefetch > 0 {
		if err := ch.Qos(c.Prefetch, 0, false); err != nil {
			return fmt.Errorf("set qos: %w", err)
		}
	}

	msgs, err := ch.Consume(
		q.Name,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}

	log := c.logger()
	log.Info("waiting for messages", zap.String("queue", q.Name))
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			c.handle(ctx, log, d, handler)
		}
	}
}

func (c *AMQPConsumer) handle(ctx context.Context, log *zap.Logger, d amqp.Delivery, handler Handler) {
	env, err := Decode(d.Body)
	if err != nil {
		log.Error("invalid message", zap.Error(err))
		d.Ack(false)
		return
	}
	if err := handler(ctx, env); err != nil {
		log.Error("envelope handling failed", zap.String("broadcast_id", env.JobDetails.ID), zap.Error(err))
		if !d.Redelivered {
			d.Nack(false, true)
			return
		}
		log.Warn("dropping message after redelivery failed", zap.String("broadcast_id", env.JobDetails.ID))
	}
	d.Ack(false)
}
