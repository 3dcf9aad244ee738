// Package pubsub delivers live session updates. An in-process broker feeds
// the HTTP event stream. With Kafka enabled, every instance writes its
// updates to a shared topic and a relay on every other instance reads them
// back into its own broker.
package pubsub

import (
	"context"
	"errors"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/checkoutd/internal/checkout"
	"pkt.systems/checkoutd/internal/kafka"
	"pkt.systems/checkoutd/internal/loggingutil"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 16

// Broker is an in-process fan-out keyed by channel. Slow subscribers lose
// updates rather than block publishers.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscription]struct{}
	buffer int
	logger pslog.Logger
}

type subscription struct {
	ch   chan checkout.SessionUpdate
	once sync.Once
}

// NewBroker returns an empty broker.
func NewBroker(logger pslog.Logger) *Broker {
	return &Broker{
		subs:   make(map[string]map[*subscription]struct{}),
		buffer: DefaultBuffer,
		logger: loggingutil.WithSubsystem(logger, "pubsub.broker"),
	}
}

var _ checkout.Publisher = (*Broker)(nil)

// Subscribe registers for updates on channel. The returned cancel func
// unregisters and closes the update channel.
func (b *Broker) Subscribe(channel string) (<-chan checkout.SessionUpdate, func()) {
	sub := &subscription{ch: make(chan checkout.SessionUpdate, b.buffer)}
	b.mu.Lock()
	set := b.subs[channel]
	if set == nil {
		set = make(map[*subscription]struct{})
		b.subs[channel] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()
	cancel := func() {
		b.mu.Lock()
		if set := b.subs[channel]; set != nil {
			delete(set, sub)
			if len(set) == 0 {
				delete(b.subs, channel)
			}
		}
		b.mu.Unlock()
		sub.once.Do(func() { close(sub.ch) })
	}
	return sub.ch, cancel
}

// Subscribers reports the number of subscribers on channel.
func (b *Broker) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

// Publish delivers update to every subscriber of channel.
func (b *Broker) Publish(_ context.Context, channel string, update checkout.SessionUpdate) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[channel] {
		select {
		case sub.ch <- update:
		default:
			b.logger.Warn("pubsub.broker.dropped", "channel", channel, "event", update.Event)
		}
	}
	return nil
}

// KafkaPublisher writes updates to a topic keyed by channel. Each message
// carries the origin instance id so the instance's own relay can skip it.
type KafkaPublisher struct {
	writer kafka.Writer
	origin string
}

// NewKafkaPublisher wraps w. origin identifies this instance.
func NewKafkaPublisher(w kafka.Writer, origin string) *KafkaPublisher {
	return &KafkaPublisher{writer: w, origin: origin}
}

var _ checkout.Publisher = (*KafkaPublisher)(nil)

type envelope struct {
	Origin  string                 `json:"origin,omitempty"`
	Channel string                 `json:"channel"`
	Update  checkout.SessionUpdate `json:"update"`
}

// Publish implements checkout.Publisher.
func (p *KafkaPublisher) Publish(ctx context.Context, channel string, update checkout.SessionUpdate) error {
	return kafka.PublishJSON(ctx, p.writer, channel, envelope{Origin: p.origin, Channel: channel, Update: update})
}

// Close closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Fanout publishes to every publisher and joins their errors.
type Fanout []checkout.Publisher

// Publish implements checkout.Publisher.
func (f Fanout) Publish(ctx context.Context, channel string, update checkout.SessionUpdate) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, channel, update); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
