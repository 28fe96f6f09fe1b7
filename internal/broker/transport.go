package broker

import (
	"context"
	"errors"
)

var (
	ErrNotConnected = errors.New("broadcast channel is not connected")
	ErrClosed       = errors.New("connection manager is closed")
)

// Handler receives raw payloads delivered on a subscribed topic.
type Handler func(payload []byte)

// Transport dials one broker connection. Each Dial result lives until its
// Done channel fires or Close is called.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

type Conn interface {
	Subscribe(topic string, handler Handler) (Subscription, error)
	Publish(ctx context.Context, destination string, payload []byte) error
	// Done yields the transport error that ended the connection.
	Done() <-chan error
	Close() error
}

type Subscription interface {
	Unsubscribe() error
}
