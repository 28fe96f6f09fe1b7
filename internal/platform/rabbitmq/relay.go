package rabbitmq

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"gopherai-chatsync/internal/worker"
)

// RelayQueue consumes the durable publish destination with manual acks. Every
// Consume dials its own connection, which is released when the returned
// stream ends, so consuming again after a broker restart starts clean.
type RelayQueue struct {
	url       string
	queueName string
}

func NewRelayQueue(url, queueName string) *RelayQueue {
	return &RelayQueue{url: url, queueName: queueName}
}

func (q *RelayQueue) Consume(ctx context.Context) (<-chan worker.Delivery, error) {
	conn, err := New(ctx, q.url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open relay channel failed: %w", err)
	}
	if err := declareDestination(ch, q.queueName); err != nil {
		_ = conn.Close()
		return nil, err
	}

	deliveries, err := ch.Consume(
		q.queueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("consume queue failed: %w", err)
	}

	out := make(chan worker.Delivery)
	go func() {
		defer close(out)
		defer conn.Close()
		defer ch.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				delivery := worker.Delivery{
					Body: d.Body,
					Ack:  func() error { return d.Ack(false) },
					// malformed turns would fail again, so they are dropped
					Nack: func() error { return d.Nack(false, false) },
				}
				select {
				case out <- delivery:
				case <-ctx.Done():
					_ = d.Nack(false, true)
					return
				}
			}
		}
	}()
	return out, nil
}

// FanoutExchange publishes relayed turns to the topic exchange. A lost
// connection is dialed again on the next Fanout.
type FanoutExchange struct {
	url   string
	topic string

	mu   sync.Mutex
	conn *amqp.Connection
}

func NewFanoutExchange(url, topic string) *FanoutExchange {
	return &FanoutExchange{url: url, topic: topic}
}

func (e *FanoutExchange) Fanout(ctx context.Context, payload []byte) error {
	conn, err := e.connection(ctx)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open rabbitmq channel failed: %w", err)
	}
	defer ch.Close()

	if err := declareTopic(ch, e.topic); err != nil {
		return err
	}

	if err := ch.PublishWithContext(
		ctx,
		e.topic,
		"",
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        payload,
		},
	); err != nil {
		return fmt.Errorf("fanout message failed: %w", err)
	}
	return nil
}

func (e *FanoutExchange) connection(ctx context.Context) (*amqp.Connection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil && !e.conn.IsClosed() {
		return e.conn, nil
	}
	conn, err := New(ctx, e.url)
	if err != nil {
		return nil, err
	}
	e.conn = conn
	return conn, nil
}

func (e *FanoutExchange) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn == nil || e.conn.IsClosed() {
		return nil
	}
	return e.conn.Close()
}
