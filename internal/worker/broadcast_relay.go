package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"gopherai-chatsync/internal/model"
)

const (
	defaultSenderLabel = "Anonymous"
	defaultRetryDelay  = 5 * time.Second
)

// Delivery is one message taken from the publish destination.
type Delivery struct {
	Body []byte
	Ack  func() error
	Nack func() error
}

type Inbound interface {
	Consume(ctx context.Context) (<-chan Delivery, error)
}

type Outbound interface {
	Fanout(ctx context.Context, payload []byte) error
}

// BroadcastRelay moves chat turns from the publish destination to the shared
// topic every session subscribes to. When the inbound stream ends it consumes
// again after retryDelay, until Close.
type BroadcastRelay struct {
	in         Inbound
	out        Outbound
	retryDelay time.Duration
	log        *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewBroadcastRelay(in Inbound, out Outbound, retryDelay time.Duration, log *zap.Logger) *BroadcastRelay {
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &BroadcastRelay{
		in:         in,
		out:        out,
		retryDelay: retryDelay,
		log:        log.With(zap.String("component", "broadcast_relay")),
	}
}

func (r *BroadcastRelay) Start(ctx context.Context) error {
	if r.cancel != nil {
		return nil
	}

	relayCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	deliveries, err := r.in.Consume(relayCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("consume publish destination failed: %w", err)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		for {
			r.drain(relayCtx, deliveries)
			if relayCtx.Err() != nil {
				return
			}
			r.log.Warn("publish destination closed, consuming again", zap.Duration("retry_delay", r.retryDelay))

			next, ok := r.reconsume(relayCtx)
			if !ok {
				return
			}
			deliveries = next
		}
	}()

	return nil
}

// drain returns when ctx ends or the delivery stream closes.
func (r *BroadcastRelay) drain(ctx context.Context, deliveries <-chan Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			r.handle(ctx, d)
		}
	}
}

func (r *BroadcastRelay) reconsume(ctx context.Context) (<-chan Delivery, bool) {
	for attempt := 1; ; attempt++ {
		timer := time.NewTimer(r.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, false
		case <-timer.C:
		}

		deliveries, err := r.in.Consume(ctx)
		if err == nil {
			r.log.Info("publish destination consumed again", zap.Int("attempt", attempt))
			return deliveries, true
		}
		r.log.Warn("consume publish destination failed", zap.Int("attempt", attempt), zap.Error(err))
	}
}

func (r *BroadcastRelay) handle(ctx context.Context, d Delivery) {
	payload, err := normalize(d.Body)
	if err != nil {
		r.log.Warn("relay rejected message", zap.Error(err))
		_ = nack(d)
		return
	}

	if err := r.out.Fanout(ctx, payload); err != nil {
		r.log.Warn("relay fanout failed", zap.Error(err))
		_ = nack(d)
		return
	}

	if d.Ack != nil {
		_ = d.Ack()
	}
}

func (r *BroadcastRelay) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func normalize(body []byte) ([]byte, error) {
	var msg model.ChatMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("decode chat message failed: %w", err)
	}
	if strings.TrimSpace(msg.Content) == "" {
		return nil, fmt.Errorf("chat message content is empty")
	}
	if msg.Timestamp.IsZero() {
		return nil, fmt.Errorf("chat message timestamp is missing")
	}
	if strings.TrimSpace(msg.SenderLabel) == "" {
		msg.SenderLabel = defaultSenderLabel
	}
	if msg.Role == "" {
		msg.Role = model.RoleUser
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode chat message failed: %w", err)
	}
	return payload, nil
}

func nack(d Delivery) error {
	if d.Nack == nil {
		return nil
	}
	return d.Nack()
}
