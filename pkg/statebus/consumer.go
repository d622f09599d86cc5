package statebus

import "context"

// Message is one raw bus payload: a platform event, or a JSON array of
// them, exactly as the producer published it.
type Message struct {
	Value []byte
}

// Consumer abstracts the bus subscription so the runner can be driven by
// Kafka in production and by scripted messages in tests.
type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}
