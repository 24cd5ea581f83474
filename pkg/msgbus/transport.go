package msgbus

import (
	"context"
)

// Message is one message on the bus.
type Message struct {
	Topic   string
	Payload []byte
}

// Handler is called for every message on a topic it listens to. Handlers run
// on the transport's receive goroutine and must not block for long.
type Handler func(m Message)

// Transport is a bidirectional message bus connection to one device.
// Implementations must be safe for concurrent use.
type Transport interface {
	// Send publishes a message to the device.
	Send(ctx context.Context, topic string, payload []byte) error
	// Receive waits for the next buffered message on a subscribed topic.
	Receive(ctx context.Context, topic string) (Message, error)
	// Subscribe asks the device to start delivering a topic.
	Subscribe(ctx context.Context, topic string) error
	// Unsubscribe asks the device to stop delivering a topic.
	Unsubscribe(ctx context.Context, topic string) error
	// On registers a handler for a topic filter.
	On(topic string, h Handler)
	// RemoveAllListeners drops all handlers registered for a topic filter.
	RemoveAllListeners(topic string)
	// ClearBuffers discards all messages buffered for Receive.
	ClearBuffers()
	Close() error
}
