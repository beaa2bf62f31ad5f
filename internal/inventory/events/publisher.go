package events

import (
	"context"
	"sync"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/nazeru/warehousing-go/pkg/contracts"
	"github.com/nazeru/warehousing-go/pkg/kafka"
	"github.com/nazeru/warehousing-go/pkg/outbox"
)

// Publisher hands a reservation event to the transport. Callers treat
// failures as log-and-continue: the local state change is the source of
// truth and is never rolled back over a publish error.
type Publisher interface {
	Publish(ctx context.Context, event contracts.Event) error
}

// OutboxPublisher writes events to the outbox; a relay drains them to the
// transport later. This is the durable default.
type OutboxPublisher struct {
	store outbox.Store
	topic string
}

func NewOutboxPublisher(store outbox.Store, topic string) *OutboxPublisher {
	return &OutboxPublisher{store: store, topic: topic}
}

func (p *OutboxPublisher) Publish(ctx context.Context, event contracts.Event) error {
	return p.store.Insert(ctx, event.EventID, p.topic, event.AggregateID, event)
}

// KafkaPublisher writes events straight to the topic, keyed by order id.
type KafkaPublisher struct {
	writer *kafkago.Writer
}

func NewKafkaPublisher(writer *kafkago.Writer) *KafkaPublisher {
	return &KafkaPublisher{writer: writer}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event contracts.Event) error {
	return kafka.PublishJSON(ctx, p.writer, event.AggregateID, event)
}

// CapturePublisher records events in memory, for tests and lab mode.
type CapturePublisher struct {
	mu     sync.Mutex
	events []contracts.Event
	// Fail, when set, makes Publish return it. Lets tests exercise the
	// log-and-continue contract.
	Fail error
}

func NewCapturePublisher() *CapturePublisher {
	return &CapturePublisher{}
}

func (p *CapturePublisher) Publish(ctx context.Context, event contracts.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Fail != nil {
		return p.Fail
	}
	p.events = append(p.events, event)
	return nil
}

func (p *CapturePublisher) Events() []contracts.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]contracts.Event, len(p.events))
	copy(out, p.events)
	return out
}
