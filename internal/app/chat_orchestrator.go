package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gopherai-chatsync/internal/broker"
	"gopherai-chatsync/internal/chatlog"
	"gopherai-chatsync/internal/model"
)

var (
	ErrMessageEmpty  = errors.New("message content is empty")
	ErrNotConnected  = broker.ErrNotConnected
	ErrTurnInFlight  = errors.New("a previous message is still awaiting its reply")
	ErrSessionClosed = errors.New("chat session is closed")
)

// EchoPolicy decides what happens to broadcasts this session published itself.
type EchoPolicy string

const (
	// EchoAppend treats the own echo like any other broadcast, so it shows up
	// as a second entry next to the optimistic one.
	EchoAppend EchoPolicy = "append"
	// EchoTurn drops broadcasts carrying a turn id minted by this session.
	EchoTurn EchoPolicy = "turn"
	// EchoSender drops broadcasts whose sender label equals ours.
	EchoSender EchoPolicy = "sender"
)

type BroadcastChannel interface {
	Connect(ctx context.Context, onMessage func(model.ChatMessage)) error
	Publish(ctx context.Context, msg model.ChatMessage) error
	State() broker.State
	Close() error
}

type Assistant interface {
	Complete(ctx context.Context, conversation []model.ChatMessage) model.ChatMessage
}

type OrchestratorOptions struct {
	SenderLabel    string
	EchoPolicy     EchoPolicy
	Clock          *model.Clock
	PublishTimeout time.Duration
	EventBuffer    int
}

type submitRequest struct {
	content string
	reply   chan submitResult
}

type submitResult struct {
	msg model.ChatMessage
	err error
}

type assistantReply struct {
	user  model.ChatMessage
	reply model.ChatMessage
}

type broadcastReceived struct {
	msg model.ChatMessage
}

// ChatOrchestrator serialises every log mutation through one event loop.
// Submissions, assistant replies and broadcasts are events on that loop.
type ChatOrchestrator struct {
	log       *chatlog.MessageLog
	channel   BroadcastChannel
	assistant Assistant
	opts      OrchestratorOptions
	logger    *zap.Logger

	events  chan any
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	pending sync.WaitGroup
	busy    atomic.Bool

	// turns awaiting their own echo under EchoTurn; owned by the loop goroutine
	ownTurns map[string]struct{}

	closeOnce sync.Once
}

func NewChatOrchestrator(
	log *chatlog.MessageLog,
	channel BroadcastChannel,
	assistant Assistant,
	opts OrchestratorOptions,
	logger *zap.Logger,
) *ChatOrchestrator {
	if strings.TrimSpace(opts.SenderLabel) == "" {
		opts.SenderLabel = "Anonymous"
	}
	if opts.EchoPolicy == "" {
		opts.EchoPolicy = EchoAppend
	}
	if opts.Clock == nil {
		opts.Clock = model.NewClock(nil)
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &ChatOrchestrator{
		log:       log,
		channel:   channel,
		assistant: assistant,
		opts:      opts,
		logger:    logger.With(zap.String("component", "chat_orchestrator"), zap.String("sender", opts.SenderLabel)),
		events:    make(chan any, opts.EventBuffer),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		ownTurns:  make(map[string]struct{}),
	}
	go o.loop()
	return o
}

// Start connects the broadcast channel once for the whole session.
func (o *ChatOrchestrator) Start(ctx context.Context) error {
	if o.ctx.Err() != nil {
		return ErrSessionClosed
	}
	return o.channel.Connect(ctx, o.OnBroadcast)
}

// Submit appends the optimistic user entry before returning and hands the
// turn to the assistant in the background.
func (o *ChatOrchestrator) Submit(ctx context.Context, text string) (model.ChatMessage, error) {
	content := strings.TrimSpace(text)
	if content == "" {
		return model.ChatMessage{}, ErrMessageEmpty
	}

	req := submitRequest{content: content, reply: make(chan submitResult, 1)}
	select {
	case o.events <- req:
	case <-o.ctx.Done():
		return model.ChatMessage{}, ErrSessionClosed
	case <-ctx.Done():
		return model.ChatMessage{}, ctx.Err()
	}

	select {
	case res := <-req.reply:
		return res.msg, res.err
	case <-o.done:
		return model.ChatMessage{}, ErrSessionClosed
	}
}

// OnBroadcast is the subscription callback. It may be called from any goroutine.
func (o *ChatOrchestrator) OnBroadcast(msg model.ChatMessage) {
	select {
	case o.events <- broadcastReceived{msg: msg}:
	case <-o.ctx.Done():
	}
}

func (o *ChatOrchestrator) Busy() bool {
	return o.busy.Load()
}

func (o *ChatOrchestrator) State() broker.State {
	return o.channel.State()
}

func (o *ChatOrchestrator) Log() *chatlog.MessageLog {
	return o.log
}

// Close ends the session: the loop stops, the log is destroyed and the
// broadcast channel is closed. In-flight replies are discarded.
func (o *ChatOrchestrator) Close() error {
	var err error
	o.closeOnce.Do(func() {
		o.cancel()
		o.log.Close()
		err = o.channel.Close()
		<-o.done
		o.pending.Wait()
		o.logger.Info("chat session closed")
	})
	return err
}

func (o *ChatOrchestrator) loop() {
	defer close(o.done)

	for {
		select {
		case <-o.ctx.Done():
			return
		case ev := <-o.events:
			if o.ctx.Err() != nil {
				return
			}
			switch e := ev.(type) {
			case submitRequest:
				msg, err := o.handleSubmit(e.content)
				e.reply <- submitResult{msg: msg, err: err}
			case assistantReply:
				o.handleReply(e)
			case broadcastReceived:
				o.handleBroadcast(e.msg)
			}
		}
	}
}

func (o *ChatOrchestrator) handleSubmit(content string) (model.ChatMessage, error) {
	if o.channel.State() != broker.Connected {
		return model.ChatMessage{}, ErrNotConnected
	}
	if o.busy.Load() {
		return model.ChatMessage{}, ErrTurnInFlight
	}

	user := model.ChatMessage{
		Role:        model.RoleUser,
		Content:     content,
		SenderLabel: o.opts.SenderLabel,
		Timestamp:   o.opts.Clock.Now(),
		TurnID:      uuid.NewString(),
	}
	if !o.log.Append(user) {
		return model.ChatMessage{}, ErrSessionClosed
	}
	if o.opts.EchoPolicy == EchoTurn {
		o.ownTurns[user.TurnID] = struct{}{}
	}
	o.busy.Store(true)

	conversation := o.log.All()
	o.pending.Add(1)
	go func() {
		defer o.pending.Done()
		reply := o.assistant.Complete(o.ctx, conversation)
		select {
		case o.events <- assistantReply{user: user, reply: reply}:
		case <-o.ctx.Done():
		}
	}()

	o.logger.Debug("user turn submitted", zap.String("turn_id", user.TurnID))
	return user, nil
}

func (o *ChatOrchestrator) handleReply(e assistantReply) {
	defer o.busy.Store(false)

	if !o.log.Append(e.reply) {
		o.logger.Debug("assistant reply not appended", zap.String("turn_id", e.user.TurnID))
	}

	// the echo carries the user's words under a fresh timestamp
	echo := model.ChatMessage{
		Role:        model.RoleUser,
		Content:     e.user.Content,
		SenderLabel: o.opts.SenderLabel,
		Timestamp:   o.opts.Clock.Now(),
		TurnID:      e.user.TurnID,
	}
	ctx, cancel := context.WithTimeout(o.ctx, o.opts.PublishTimeout)
	defer cancel()
	if err := o.channel.Publish(ctx, echo); err != nil {
		// no echo will come back for this turn
		delete(o.ownTurns, e.user.TurnID)
		if errors.Is(err, broker.ErrNotConnected) {
			o.logger.Warn("drop echo, broadcast channel not connected", zap.String("turn_id", e.user.TurnID))
			return
		}
		o.logger.Warn("publish echo failed", zap.String("turn_id", e.user.TurnID), zap.Error(err))
	}
}

func (o *ChatOrchestrator) handleBroadcast(msg model.ChatMessage) {
	switch o.opts.EchoPolicy {
	case EchoTurn:
		if _, own := o.ownTurns[msg.TurnID]; own && msg.TurnID != "" {
			delete(o.ownTurns, msg.TurnID)
			o.logger.Debug("skip own echo", zap.String("turn_id", msg.TurnID))
			return
		}
	case EchoSender:
		if msg.SenderLabel == o.opts.SenderLabel {
			o.logger.Debug("skip broadcast from own sender label")
			return
		}
	}

	if !o.log.Append(msg) {
		o.logger.Debug("duplicate broadcast ignored", zap.String("timestamp", msg.DedupKey()))
	}
}
