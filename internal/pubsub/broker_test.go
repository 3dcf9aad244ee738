package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	kafkago "github.com/segmentio/kafka-go"

	"pkt.systems/checkoutd/internal/checkout"
)

func TestBrokerDeliversToChannelSubscribers(t *testing.T) {
	b := NewBroker(nil)
	ch, cancel := b.Subscribe(checkout.Channel("s1"))
	other, cancelOther := b.Subscribe(checkout.Channel("s2"))
	defer cancelOther()

	update := checkout.SessionUpdate{SessionID: "s1", Event: "delivery_set"}
	if err := b.Publish(context.Background(), checkout.Channel("s1"), update); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got := <-ch
	if got.SessionID != "s1" || got.Event != "delivery_set" {
		t.Fatalf("unexpected update %+v", got)
	}
	select {
	case u := <-other:
		t.Fatalf("other channel received %+v", u)
	default:
	}
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed after cancel")
	}
	if b.Subscribers(checkout.Channel("s1")) != 0 {
		t.Fatalf("subscriber not removed")
	}
	cancel()
}

func TestBrokerDropsWhenSubscriberIsFull(t *testing.T) {
	b := NewBroker(nil)
	ch, cancel := b.Subscribe("c")
	defer cancel()
	for i := 0; i < DefaultBuffer+5; i++ {
		if err := b.Publish(context.Background(), "c", checkout.SessionUpdate{Event: "e"}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if len(ch) != DefaultBuffer {
		t.Fatalf("expected full buffer of %d, got %d", DefaultBuffer, len(ch))
	}
}

type captureWriter struct {
	msgs []kafkago.Message
	err  error
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) Close() error { return nil }

func TestKafkaPublisherKeysByChannel(t *testing.T) {
	w := &captureWriter{}
	p := NewKafkaPublisher(w, "host-a/1")
	channel := checkout.Channel("s1")
	if err := p.Publish(context.Background(), channel, checkout.SessionUpdate{SessionID: "s1", Event: "expired"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != channel {
		t.Fatalf("unexpected messages %+v", w.msgs)
	}
	var env envelope
	if err := json.Unmarshal(w.msgs[0].Value, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Channel != channel || env.Update.Event != "expired" || env.Origin != "host-a/1" {
		t.Fatalf("unexpected envelope %+v", env)
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	b := NewBroker(nil)
	ch, cancel := b.Subscribe("c")
	defer cancel()
	failing := NewKafkaPublisher(&captureWriter{err: errors.New("down")}, "host-a/1")
	err := Fanout{b, failing}.Publish(context.Background(), "c", checkout.SessionUpdate{Event: "e"})
	if err == nil {
		t.Fatalf("expected joined error")
	}
	if len(ch) != 1 {
		t.Fatalf("healthy publisher must still deliver")
	}
}
