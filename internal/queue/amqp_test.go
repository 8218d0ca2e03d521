package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAcker struct {
	acks, nacks int
	requeued    bool
}

func (a *recordingAcker) Ack(uint64, bool) error { a.acks++; return nil }

func (a *recordingAcker) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacks++
	a.requeued = requeue
	return nil
}

func (a *recordingAcker) Reject(uint64, bool) error { return nil }

func TestAMQPConsumerWithoutLogger(t *testing.T) {
	c := &AMQPConsumer{}
	log := c.logger()
	require.NotNil(t, log)

	body, err := testEnvelope().Encode()
	require.NoError(t, err)

	acker := &recordingAcker{}
	assert.NotPanics(t, func() {
		c.handle(context.Background(), log, amqp.Delivery{Acknowledger: acker, Body: []byte("{")}, nil)
	})
	assert.Equal(t, 1, acker.acks, "undecodable message is dropped")

	failing := func(context.Context, Envelope) error { return errors.New("boom") }
	acker = &recordingAcker{}
	c.handle(context.Background(), log, amqp.Delivery{Acknowledger: acker, Body: body}, failing)
	assert.Equal(t, 1, acker.nacks)
	assert.True(t, acker.requeued)
	assert.Zero(t, acker.acks)

	acker = &recordingAcker{}
	c.handle(context.Background(), log, amqp.Delivery{Acknowledger: acker, Body: body, Redelivered: true}, failing)
	assert.Equal(t, 1, acker.acks, "second failure is dropped")
}

func TestKafkaConsumerWithoutLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		c := NewKafkaConsumer("broadcasts", nil, nil)
		assert.NotNil(t, c.log)
	})
}
