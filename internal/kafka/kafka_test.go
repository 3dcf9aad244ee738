package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
)

type recordingWriter struct {
	msgs []kafkago.Message
	err  error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func TestNewClientParsesBrokers(t *testing.T) {
	c := NewClient(" a:9092, ,b:9092 ")
	if len(c.Brokers) != 2 || c.Brokers[0] != "a:9092" || c.Brokers[1] != "b:9092" {
		t.Fatalf("unexpected brokers %v", c.Brokers)
	}
	if !c.Enabled() || NewClient("").Enabled() {
		t.Fatalf("enabled mismatch")
	}
	w := c.NewWriter("topic")
	if w.Topic != "topic" || w.RequiredAcks != kafkago.RequireOne {
		t.Fatalf("unexpected writer config %+v", w)
	}
}

func TestPublishJSON(t *testing.T) {
	w := &recordingWriter{}
	if err := PublishJSON(context.Background(), w, "k", map[string]int{"n": 1}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "k" {
		t.Fatalf("unexpected messages %+v", w.msgs)
	}
	var got map[string]int
	if err := json.Unmarshal(w.msgs[0].Value, &got); err != nil || got["n"] != 1 {
		t.Fatalf("unexpected payload %s", w.msgs[0].Value)
	}
	w.err = errors.New("broker down")
	if err := PublishJSON(context.Background(), w, "k", 1); !errors.Is(err, w.err) {
		t.Fatalf("expected wrapped broker error, got %v", err)
	}
}

type scriptedReader struct {
	results []readResult
	closed  bool
}

type readResult struct {
	msg kafkago.Message
	err error
}

func (r *scriptedReader) ReadMessage(ctx context.Context) (kafkago.Message, error) {
	if len(r.results) == 0 {
		return kafkago.Message{}, io.EOF
	}
	next := r.results[0]
	r.results = r.results[1:]
	return next.msg, next.err
}

func (r *scriptedReader) Close() error {
	r.closed = true
	return nil
}

func TestConsumeRetriesReadErrorsAndStopsAtEOF(t *testing.T) {
	prev := ReadRetryDelay
	ReadRetryDelay = time.Millisecond
	defer func() { ReadRetryDelay = prev }()

	r := &scriptedReader{results: []readResult{
		{msg: kafkago.Message{Key: []byte("a")}},
		{err: errors.New("rebalance")},
		{msg: kafkago.Message{Key: []byte("b")}},
		{msg: kafkago.Message{Key: []byte("c")}},
	}}
	var seen []string
	err := Consume(context.Background(), r, nil, func(_ context.Context, msg kafkago.Message) error {
		seen = append(seen, string(msg.Key))
		if string(msg.Key) == "b" {
			return errors.New("bad payload")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(seen) != 3 || seen[0] != "a" || seen[1] != "b" || seen[2] != "c" {
		t.Fatalf("unexpected messages %v", seen)
	}
}

func TestConsumeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := &scriptedReader{results: []readResult{{err: context.Canceled}}}
	if err := Consume(ctx, r, nil, func(context.Context, kafkago.Message) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
