package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/broadcast-pipeline/internal/model"
)

// Envelope is one broker message: a batch of a job's contacts together with
// the job itself, so consumers never need a second lookup.
type Envelope struct {
	JobDetails *model.Broadcast          `json:"jobDetails"`
	Contacts   []*model.BroadcastContact `json:"contacts"`
}

func (e Envelope) Encode() ([]byte, error) {
	if e.JobDetails == nil {
		return nil, fmt.Errorf("envelope without job details")
	}
	return json.Marshal(e)
}

func Decode(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.JobDetails == nil || env.JobDetails.ID == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing job details")
	}
	return env, nil
}

// Publisher sends envelopes over one broker connection.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
	Close() error
}

// Dialer opens a connection that lives for a single scheduler run.
type Dialer interface {
	Dial(ctx context.Context) (Publisher, error)
}

// Handler processes one envelope. A returned error means the message was
// not handled and the broker may redeliver it.
type Handler func(ctx context.Context, env Envelope) error

// Consumer feeds envelopes to a handler until ctx is cancelled.
type Consumer interface {
	Consume(ctx context.Context, handler Handler) error
}

// InMemoryQueue is a broker stand-in. Published envelopes are recorded and
// delivered to subscribed handlers with retry.
type InMemoryQueue struct {
	mu         sync.Mutex
	handlers   []Handler
	published  []Envelope
	dials      int
	closes     int
	maxRetries int
	backoff    time.Duration
	wg         sync.WaitGroup
	log        *zap.Logger

	// FailPublish, when set, is returned by every Publish call.
	FailPublish error
	// FailDial, when set, is returned by Dial.
	FailDial error
}

func NewInMemoryQueue(log *zap.Logger) *InMemoryQueue {
	if log == nil {
		log = zap.NewNop()
	}
	return &InMemoryQueue{
		maxRetries: 3,
		backoff:    500 * time.Millisecond,
		log:        log.Named("memqueue"),
	}
}

func (q *InMemoryQueue) Dial(context.Context) (Publisher, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.FailDial != nil {
		return nil, q.FailDial
	}
	q.dials++
	return &memoryPublisher{q: q}, nil
}

// Consume registers handler and blocks until ctx is done.
func (q *InMemoryQueue) Consume(ctx context.Context, handler Handler) error {
	q.mu.Lock()
	q.handlers = append(q.handlers, handler)
	q.mu.Unlock()
	<-ctx.Done()
	return nil
}

// Subscribe registers handler without blocking.
func (q *InMemoryQueue) Subscribe(handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers = append(q.handlers, handler)
}

// Published returns every envelope published so far.
func (q *InMemoryQueue) Published() []Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Envelope(nil), q.published...)
}

// Connections reports how many publishers were opened and closed.
func (q *InMemoryQueue) Connections() (dials, closes int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dials, q.closes
}

// Wait blocks until every in-flight delivery has finished.
func (q *InMemoryQueue) Wait() {
	q.wg.Wait()
}

func (q *InMemoryQueue) publish(ctx context.Context, env Envelope) error {
	body, err := env.Encode()
	if err != nil {
		return err
	}

	q.mu.Lock()
	if q.FailPublish != nil {
		err := q.FailPublish
		q.mu.Unlock()
		return err
	}
	// round trip so consumers never share memory with the producer
	copyEnv, err := Decode(body)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	q.published = append(q.published, copyEnv)
	handlers := append([]Handler(nil), q.handlers...)
	q.mu.Unlock()

	for _, h := range handlers {
		q.wg.Add(1)
		go q.deliver(context.WithoutCancel(ctx), h, copyEnv)
	}
	return nil
}

// deliver retries a failing handler with linear backoff, then drops the message.
func (q *InMemoryQueue) deliver(ctx context.Context, h Handler, env Envelope) {
	defer q.wg.Done()
	for attempt := 0; ; attempt++ {
		err := h(ctx, env)
		if err == nil {
			return
		}
		if attempt >= q.maxRetries {
			q.log.Error("envelope permanently failed",
				zap.String("broadcast_id", env.JobDetails.ID),
				zap.Int("attempts", attempt+1),
				zap.Error(err))
			return
		}
		q.log.Warn("envelope failed, retrying",
			zap.String("broadcast_id", env.JobDetails.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		time.Sleep(time.Duration(attempt+1) * q.backoff)
	}
}

type memoryPublisher struct {
	q      *InMemoryQueue
	closed bool
}

func (p *memoryPublisher) Publish(ctx context.Context, env Envelope) error {
	if p.closed {
		return fmt.Errorf("publish on closed connection")
	}
	return p.q.publish(ctx, env)
}

func (p *memoryPublisher) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	p.q.mu.Lock()
	p.q.closes++
	p.q.mu.Unlock()
	return nil
}
