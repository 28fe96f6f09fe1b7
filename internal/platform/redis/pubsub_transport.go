package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"gopherai-chatsync/internal/broker"
)

const defaultHealthInterval = 2 * time.Second

// PubSubTransport carries broadcasts over redis pub/sub channels. Topics and
// publish destinations are both channel names.
type PubSubTransport struct {
	opts           Options
	healthInterval time.Duration
}

func NewPubSubTransport(opts Options) *PubSubTransport {
	return &PubSubTransport{
		opts:           opts.withDefaults(),
		healthInterval: defaultHealthInterval,
	}
}

func (t *PubSubTransport) Dial(ctx context.Context) (broker.Conn, error) {
	client, err := New(ctx, t.opts)
	if err != nil {
		return nil, err
	}

	healthCtx, cancel := context.WithCancel(context.Background())
	c := &pubSubConn{
		client: client,
		done:   make(chan error, 1),
		cancel: cancel,
	}
	c.wg.Add(1)
	go c.health(healthCtx, t.healthInterval, t.opts.PingTimeout)
	return c, nil
}

type pubSubConn struct {
	client *redis.Client
	done   chan error
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// pub/sub has no close notification, so a failing ping marks the drop.
func (c *pubSubConn) health(ctx context.Context, interval, timeout time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, timeout)
			err := c.client.Ping(pingCtx).Err()
			cancel()
			if err != nil && ctx.Err() == nil {
				c.done <- fmt.Errorf("redis connection lost: %w", err)
				return
			}
		}
	}
}

func (c *pubSubConn) Subscribe(topic string, handler broker.Handler) (broker.Subscription, error) {
	ctx := context.Background()
	ps := c.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %q failed: %w", topic, err)
	}

	messages := ps.Channel()
	sub := &pubSubSubscription{ps: ps, stopped: make(chan struct{})}
	go func() {
		defer close(sub.stopped)
		for msg := range messages {
			handler([]byte(msg.Payload))
		}
	}()
	return sub, nil
}

func (c *pubSubConn) Publish(ctx context.Context, destination string, payload []byte) error {
	if err := c.client.Publish(ctx, destination, payload).Err(); err != nil {
		return fmt.Errorf("publish message failed: %w", err)
	}
	return nil
}

func (c *pubSubConn) Done() <-chan error {
	return c.done
}

func (c *pubSubConn) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		c.wg.Wait()
		if closeErr := c.client.Close(); closeErr != nil && !errors.Is(closeErr, redis.ErrClosed) {
			err = fmt.Errorf("close redis client failed: %w", closeErr)
		}
	})
	return err
}

type pubSubSubscription struct {
	ps      *redis.PubSub
	once    sync.Once
	stopped chan struct{}
}

func (s *pubSubSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		err = s.ps.Close()
		<-s.stopped
	})
	return err
}
