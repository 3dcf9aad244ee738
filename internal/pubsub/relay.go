package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	kafkago "github.com/segmentio/kafka-go"
	"pkt.systems/pslog"

	"pkt.systems/checkoutd/internal/kafka"
	"pkt.systems/checkoutd/internal/loggingutil"
)

// Relay reads updates published by other instances from the updates topic
// and republishes them on the local broker.
type Relay struct {
	reader kafka.Reader
	broker *Broker
	origin string
	logger pslog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewRelay builds a relay for the instance named origin. Messages stamped
// with origin are skipped since the local broker already delivered them.
func NewRelay(r kafka.Reader, broker *Broker, origin string, logger pslog.Logger) *Relay {
	return &Relay{
		reader: r,
		broker: broker,
		origin: origin,
		logger: loggingutil.WithSubsystem(logger, "pubsub.relay"),
	}
}

// Start runs the consume loop in the background until Close.
func (r *Relay) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		if err := kafka.Consume(ctx, r.reader, r.logger, r.handle); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn("pubsub.relay.stopped", "error", err)
		}
	}()
	r.logger.Info("pubsub.relay.started", "origin", r.origin)
}

func (r *Relay) handle(ctx context.Context, msg kafkago.Message) error {
	var env envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return fmt.Errorf("decode update: %w", err)
	}
	if env.Origin == r.origin || env.Channel == "" {
		return nil
	}
	return r.broker.Publish(ctx, env.Channel, env.Update)
}

// Close stops the consume loop and closes the reader.
func (r *Relay) Close() error {
	var err error
	r.once.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		err = r.reader.Close()
		if r.done != nil {
			<-r.done
		}
	})
	return err
}
