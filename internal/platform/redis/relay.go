package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"gopherai-chatsync/internal/worker"
)

// ChannelInbound listens on the publish destination channel. Pub/sub has no
// acknowledgements, so deliveries carry none.
type ChannelInbound struct {
	client  *redis.Client
	channel string
}

func NewChannelInbound(client *redis.Client, channel string) *ChannelInbound {
	return &ChannelInbound{client: client, channel: channel}
}

func (in *ChannelInbound) Consume(ctx context.Context) (<-chan worker.Delivery, error) {
	ps := in.client.Subscribe(ctx, in.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %q failed: %w", in.channel, err)
	}

	messages := ps.Channel()
	out := make(chan worker.Delivery)
	go func() {
		defer close(out)
		defer ps.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				select {
				case out <- worker.Delivery{Body: []byte(msg.Payload)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

type ChannelOutbound struct {
	client  *redis.Client
	channel string
}

func NewChannelOutbound(client *redis.Client, channel string) *ChannelOutbound {
	return &ChannelOutbound{client: client, channel: channel}
}

func (out *ChannelOutbound) Fanout(ctx context.Context, payload []byte) error {
	if err := out.client.Publish(ctx, out.channel, payload).Err(); err != nil {
		return fmt.Errorf("fanout message failed: %w", err)
	}
	return nil
}
