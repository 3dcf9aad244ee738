// Package kafka holds the small amount of segmentio/kafka-go plumbing shared
// by the live-update publisher, the live-update relay and the fulfillment
// dispatcher.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"pkt.systems/pslog"

	"pkt.systems/checkoutd/internal/loggingutil"
)

// Writer is the subset of *kafka.Writer used here.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Reader is the subset of *kafka.Reader used here.
type Reader interface {
	ReadMessage(ctx context.Context) (kafkago.Message, error)
	Close() error
}

// Client knows the broker list.
type Client struct {
	Brokers []string
}

// NewClient parses a comma separated broker list.
func NewClient(brokersCSV string) *Client {
	var brokers []string
	for _, b := range strings.Split(brokersCSV, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return &Client{Brokers: brokers}
}

// Enabled reports whether any broker is configured.
func (c *Client) Enabled() bool {
	return c != nil && len(c.Brokers) > 0
}

// NewWriter returns a writer for topic that partitions by message key, so
// all messages for one session land on one partition in order.
func (c *Client) NewWriter(topic string) *kafkago.Writer {
	return &kafkago.Writer{
		Addr:                   kafkago.TCP(c.Brokers...),
		Topic:                  topic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireOne,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}
}

// NewReader returns a consumer-group reader for topic. Readers that must
// each see every message need distinct group ids. A new group starts at the
// tail of the topic.
func (c *Client) NewReader(topic, groupID string) *kafkago.Reader {
	return kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     c.Brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafkago.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     250 * time.Millisecond,
	})
}

// ReadRetryDelay is how long Consume waits after a failed read.
var ReadRetryDelay = 2 * time.Second

// Consume reads from r until ctx is done, passing each message to handle.
// Read errors are logged and retried after ReadRetryDelay; handler errors
// are logged and the message is skipped.
func Consume(ctx context.Context, r Reader, logger pslog.Logger, handle func(context.Context, kafkago.Message) error) error {
	logger = loggingutil.Ensure(logger)
	for {
		msg, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			logger.Warn("kafka.read.error", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(ReadRetryDelay):
			}
			continue
		}
		if err := handle(ctx, msg); err != nil {
			logger.Warn("kafka.handle.error", "topic", msg.Topic, "key", string(msg.Key), "error", err)
		}
	}
}

// PublishJSON encodes payload and writes it under key.
func PublishJSON(ctx context.Context, w Writer, key string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("kafka: encode %s: %w", key, err)
	}
	msg := kafkago.Message{Key: []byte(key), Value: data, Time: time.Now().UTC()}
	if err := w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: write %s: %w", key, err)
	}
	return nil
}
