package statebus

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
)

func TestNewKafkaConsumerRejectsIncompleteConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  KafkaConfig
	}{
		{"no brokers", KafkaConfig{Topic: "platform-events", GroupID: "gateway"}},
		{"blank brokers", KafkaConfig{Brokers: []string{" ", "\t"}, Topic: "platform-events", GroupID: "gateway"}},
		{"no topic", KafkaConfig{Brokers: []string{"127.0.0.1:9092"}, GroupID: "gateway"}},
		{"no group", KafkaConfig{Brokers: []string{"127.0.0.1:9092"}, Topic: "platform-events"}},
	}
	for _, tc := range cases {
		if _, err := NewKafkaConsumer(tc.cfg); err == nil {
			t.Errorf("%s: config accepted", tc.name)
		}
	}
}

func TestNewKafkaConsumerNormalizesBrokers(t *testing.T) {
	t.Parallel()

	consumer, err := NewKafkaConsumer(KafkaConfig{
		Brokers: []string{" 127.0.0.1:9092 ", "", "127.0.0.1:9093"},
		Topic:   "platform-events",
		GroupID: "gateway",
	})
	if err != nil {
		t.Fatalf("config rejected: %v", err)
	}
	if err := consumer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestKafkaConsumerNilSafety(t *testing.T) {
	t.Parallel()

	var nilConsumer *KafkaConsumer
	if err := nilConsumer.Close(); err != nil {
		t.Fatalf("nil close must be a no-op, got %v", err)
	}
	if _, err := nilConsumer.ReadMessage(context.Background()); err == nil {
		t.Fatal("nil consumer read must fail")
	}
	if _, err := (&KafkaConsumer{}).ReadMessage(context.Background()); err == nil {
		t.Fatal("uninitialized reader read must fail")
	}
}

type fakeKafkaReader struct {
	msg kafka.Message
	err error
}

func (f *fakeKafkaReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if f.err != nil {
		return kafka.Message{}, f.err
	}
	return f.msg, nil
}

func (f *fakeKafkaReader) Close() error { return nil }

func TestKafkaConsumerSurfacesReaderError(t *testing.T) {
	consumer := &KafkaConsumer{reader: &fakeKafkaReader{err: errors.New("broker gone")}}
	if _, err := consumer.ReadMessage(context.Background()); err == nil {
		t.Fatal("reader error swallowed")
	}
}

func TestKafkaConsumerPassesEventPayloadThrough(t *testing.T) {
	raw := `{"tenant_id":"T1","channel_id":"C1","text":"hi","event_id":"e1"}`
	consumer := &KafkaConsumer{reader: &fakeKafkaReader{msg: kafka.Message{Value: []byte(raw)}}}
	msg, err := consumer.ReadMessage(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg.Value) != raw {
		t.Fatalf("payload = %s", msg.Value)
	}
}
