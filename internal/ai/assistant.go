package ai

import (
	"context"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"gopherai-chatsync/internal/model"
)

const (
	DefaultFailureNotice = "Error occurred while fetching response"
	emptyReplyNotice     = "The model returned an empty response."
)

// Backend performs one completion round trip.
type Backend interface {
	Complete(ctx context.Context, messages []ChatMessage) (string, error)
}

type AssistantOptions struct {
	Persona       string
	SystemPrompt  string
	MaxContext    int
	FailureNotice string
	Clock         *model.Clock
}

// AssistantClient turns a conversation into one assistant message. It never
// returns an error: failures become a message carrying FailureNotice.
type AssistantClient struct {
	backend Backend
	opts    AssistantOptions
	log     *zap.Logger
}

func NewAssistantClient(backend Backend, opts AssistantOptions, log *zap.Logger) *AssistantClient {
	if opts.MaxContext <= 0 {
		opts.MaxContext = 20
	}
	if opts.FailureNotice == "" {
		opts.FailureNotice = DefaultFailureNotice
	}
	if opts.Clock == nil {
		opts.Clock = model.NewClock(nil)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &AssistantClient{
		backend: backend,
		opts:    opts,
		log:     log.With(zap.String("component", "assistant")),
	}
}

func (a *AssistantClient) Complete(ctx context.Context, conversation []model.ChatMessage) model.ChatMessage {
	prompt := a.buildPrompt(conversation)

	content, err := a.backend.Complete(ctx, prompt)
	switch {
	case err != nil:
		a.log.Warn("completion failed", zap.Int("prompt_messages", len(prompt)), zap.Error(err))
		content = a.opts.FailureNotice
	case strings.TrimSpace(content) == "":
		content = emptyReplyNotice
	default:
		content = strings.TrimSpace(content)
	}

	return model.ChatMessage{
		Role:            model.RoleAssistant,
		Content:         content,
		RoleDescription: a.opts.Persona,
		Timestamp:       a.opts.Clock.Now(),
	}
}

func (a *AssistantClient) buildPrompt(conversation []model.ChatMessage) []ChatMessage {
	usable := lo.Filter(conversation, func(m model.ChatMessage, _ int) bool {
		return strings.TrimSpace(m.Content) != ""
	})
	if len(usable) > a.opts.MaxContext {
		usable = usable[len(usable)-a.opts.MaxContext:]
	}

	messages := make([]ChatMessage, 0, len(usable)+1)
	if prompt := strings.TrimSpace(a.opts.SystemPrompt); prompt != "" {
		messages = append(messages, ChatMessage{Role: "system", Content: prompt})
	}
	return append(messages, lo.Map(usable, func(m model.ChatMessage, _ int) ChatMessage {
		role := string(m.Role)
		if role == "" {
			role = string(model.RoleUser)
		}
		return ChatMessage{Role: role, Content: m.Content}
	})...)
}
