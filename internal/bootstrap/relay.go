package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"gopherai-chatsync/internal/config"
	rabbitmqClient "gopherai-chatsync/internal/platform/rabbitmq"
	redisClient "gopherai-chatsync/internal/platform/redis"
	"gopherai-chatsync/internal/worker"
)

var ErrRelayNotNeeded = errors.New("the memory broker routes destination to topic itself")

// Relay is the broker-side process that forwards published turns to the topic.
type Relay struct {
	Worker *worker.BroadcastRelay
	closer func() error
}

func NewRelay(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Relay, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		in     worker.Inbound
		out    worker.Outbound
		closer func() error
	)
	switch cfg.Broker.Kind {
	case config.BrokerRabbitMQ:
		exchange := rabbitmqClient.NewFanoutExchange(cfg.RabbitMQ.URL, cfg.Broker.Topic)
		in = rabbitmqClient.NewRelayQueue(cfg.RabbitMQ.URL, cfg.Broker.Destination)
		out = exchange
		closer = exchange.Close
	case config.BrokerRedis:
		client, err := redisClient.New(ctx, redisOptions(cfg))
		if err != nil {
			return nil, err
		}
		in = redisClient.NewChannelInbound(client, cfg.Broker.Destination)
		out = redisClient.NewChannelOutbound(client, cfg.Broker.Topic)
		closer = client.Close
	case config.BrokerMemory:
		return nil, ErrRelayNotNeeded
	default:
		return nil, errors.New("unsupported broker kind: " + cfg.Broker.Kind)
	}

	relay := worker.NewBroadcastRelay(in, out, cfg.ReconnectDelay(), logger)
	if err := relay.Start(ctx); err != nil {
		_ = closer()
		return nil, fmt.Errorf("start broadcast relay failed: %w", err)
	}

	logger.Info("broadcast relay started",
		zap.String("broker", cfg.Broker.Kind),
		zap.String("destination", cfg.Broker.Destination),
		zap.String("topic", cfg.Broker.Topic),
	)
	return &Relay{Worker: relay, closer: closer}, nil
}

func (r *Relay) Close() error {
	r.Worker.Close()
	return r.closer()
}
