package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"gopherai-chatsync/internal/broker"
)

// BroadcastTransport maps topics to fanout exchanges and publish
// destinations to durable queues.
type BroadcastTransport struct {
	url string
}

func NewBroadcastTransport(url string) *BroadcastTransport {
	return &BroadcastTransport{url: url}
}

func (t *BroadcastTransport) Dial(ctx context.Context) (broker.Conn, error) {
	conn, err := New(ctx, t.url)
	if err != nil {
		return nil, err
	}

	pub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open publish channel failed: %w", err)
	}

	c := &broadcastConn{
		conn:     conn,
		pub:      pub,
		done:     make(chan error, 1),
		declared: make(map[string]struct{}),
	}
	go c.watch(conn.NotifyClose(make(chan *amqp.Error, 1)))
	return c, nil
}

type broadcastConn struct {
	conn *amqp.Connection
	done chan error

	pubMu    sync.Mutex
	pub      *amqp.Channel
	declared map[string]struct{}
}

func (c *broadcastConn) watch(closed <-chan *amqp.Error) {
	amqpErr, ok := <-closed
	if !ok || amqpErr == nil {
		c.done <- errors.New("rabbitmq connection closed")
		return
	}
	c.done <- fmt.Errorf("rabbitmq connection lost: %w", amqpErr)
}

func (c *broadcastConn) Subscribe(topic string, handler broker.Handler) (broker.Subscription, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open subscribe channel failed: %w", err)
	}
	if err := declareTopic(ch, topic); err != nil {
		_ = ch.Close()
		return nil, err
	}

	q, err := ch.QueueDeclare(
		"",
		false,
		true,
		true,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare subscription queue failed: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", topic, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("bind subscription queue failed: %w", err)
	}

	tag := "chatsync-" + uuid.NewString()
	deliveries, err := ch.Consume(
		q.Name,
		tag,
		true,
		true,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume subscription queue failed: %w", err)
	}

	sub := &subscription{ch: ch, tag: tag, stopped: make(chan struct{})}
	go func() {
		defer close(sub.stopped)
		for d := range deliveries {
			handler(d.Body)
		}
	}()
	return sub, nil
}

func (c *broadcastConn) Publish(ctx context.Context, destination string, payload []byte) error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	if _, ok := c.declared[destination]; !ok {
		if err := declareDestination(c.pub, destination); err != nil {
			return err
		}
		c.declared[destination] = struct{}{}
	}

	if err := c.pub.PublishWithContext(
		ctx,
		"",
		destination,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         payload,
			DeliveryMode: amqp.Persistent,
		},
	); err != nil {
		return fmt.Errorf("publish message failed: %w", err)
	}
	return nil
}

func (c *broadcastConn) Done() <-chan error {
	return c.done
}

func (c *broadcastConn) Close() error {
	if c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}

type subscription struct {
	ch      *amqp.Channel
	tag     string
	once    sync.Once
	stopped chan struct{}
}

func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		if cancelErr := s.ch.Cancel(s.tag, false); cancelErr != nil && !errors.Is(cancelErr, amqp.ErrClosed) {
			err = fmt.Errorf("cancel consumer failed: %w", cancelErr)
		}
		_ = s.ch.Close()
		<-s.stopped
	})
	return err
}
