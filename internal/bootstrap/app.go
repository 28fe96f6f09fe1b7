package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"gopherai-chatsync/internal/ai"
	"gopherai-chatsync/internal/app"
	"gopherai-chatsync/internal/broker"
	"gopherai-chatsync/internal/chatlog"
	"gopherai-chatsync/internal/config"
	"gopherai-chatsync/internal/model"
	rabbitmqClient "gopherai-chatsync/internal/platform/rabbitmq"
	redisClient "gopherai-chatsync/internal/platform/redis"
)

// App is one chat session wired from config.
type App struct {
	Config       *config.Config
	Logger       *zap.Logger
	Manager      *broker.ConnectionManager
	Orchestrator *app.ChatOrchestrator

	// Hub is set only for the in-process broker.
	Hub *broker.MemoryHub

	StartedAt time.Time
}

func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	transport, hub, err := newTransport(cfg)
	if err != nil {
		return nil, err
	}

	manager := broker.NewConnectionManager(transport, broker.Options{
		Topic:           cfg.Broker.Topic,
		Destination:     cfg.Broker.Destination,
		ReconnectDelay:  cfg.ReconnectDelay(),
		ReconnectJitter: cfg.ReconnectJitter(),
	}, logger)

	clock := model.NewClock(nil)
	assistant := ai.NewAssistantClient(newBackend(cfg), ai.AssistantOptions{
		Persona:       cfg.Session.Persona,
		SystemPrompt:  cfg.LLM.SystemPrompt,
		MaxContext:    cfg.LLM.MaxContextMessage,
		FailureNotice: cfg.LLM.FailureNotice,
		Clock:         clock,
	}, logger)

	orchestrator := app.NewChatOrchestrator(
		chatlog.New(greeting(cfg, clock)),
		manager,
		assistant,
		app.OrchestratorOptions{
			SenderLabel: cfg.Session.SenderLabel,
			EchoPolicy:  app.EchoPolicy(cfg.Session.EchoPolicy),
			Clock:       clock,
		},
		logger,
	)

	if err := orchestrator.Start(ctx); err != nil {
		_ = orchestrator.Close()
		return nil, fmt.Errorf("start chat session failed: %w", err)
	}

	logger.Info("chat session started",
		zap.String("broker", cfg.Broker.Kind),
		zap.String("topic", cfg.Broker.Topic),
		zap.String("echo_policy", cfg.Session.EchoPolicy),
	)

	return &App{
		Config:       cfg,
		Logger:       logger,
		Manager:      manager,
		Orchestrator: orchestrator,
		Hub:          hub,
		StartedAt:    time.Now(),
	}, nil
}

func (a *App) Close() error {
	if a.Orchestrator == nil {
		return nil
	}
	return a.Orchestrator.Close()
}

func newTransport(cfg *config.Config) (broker.Transport, *broker.MemoryHub, error) {
	switch cfg.Broker.Kind {
	case config.BrokerRabbitMQ:
		return rabbitmqClient.NewBroadcastTransport(cfg.RabbitMQ.URL), nil, nil
	case config.BrokerRedis:
		return redisClient.NewPubSubTransport(redisOptions(cfg)), nil, nil
	case config.BrokerMemory:
		hub := broker.NewMemoryHub()
		hub.Route(cfg.Broker.Destination, cfg.Broker.Topic)
		return hub.Transport(), hub, nil
	default:
		return nil, nil, errors.New("unsupported broker kind: " + cfg.Broker.Kind)
	}
}

func newBackend(cfg *config.Config) ai.Backend {
	if cfg.LLM.Protocol == config.ProtocolOpenAI {
		return ai.NewOpenAICompatibleClient(ai.ChatConfig{
			BaseURL: cfg.LLM.BaseURL,
			APIKey:  cfg.LLM.APIKey,
			Model:   cfg.LLM.Model,
		}, cfg.LLMTimeout())
	}
	return ai.NewChatEndpointClient(cfg.LLM.ChatURL, cfg.LLMTimeout())
}

func greeting(cfg *config.Config, clock *model.Clock) *model.ChatMessage {
	text := strings.TrimSpace(cfg.Session.Greeting)
	if text == "" {
		return nil
	}
	return &model.ChatMessage{
		Role:            model.RoleAssistant,
		Content:         text,
		Timestamp:       clock.Now(),
		RoleDescription: cfg.Session.Persona,
	}
}

func redisOptions(cfg *config.Config) redisClient.Options {
	return redisClient.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
}
