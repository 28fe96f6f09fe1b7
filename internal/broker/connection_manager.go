package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"gopherai-chatsync/internal/model"
)

const DefaultReconnectDelay = 5 * time.Second

type Options struct {
	Topic       string
	Destination string
	// ReconnectDelay is the fixed wait between a failure and the next attempt.
	ReconnectDelay time.Duration
	// ReconnectJitter adds a random extra wait in [0, ReconnectJitter).
	ReconnectJitter time.Duration
	OnStateChange   func(State)
}

// ConnectionManager owns the single logical connection of a chat session.
// After Connect it retries forever with a fixed delay until Close.
type ConnectionManager struct {
	transport Transport
	opts      Options
	log       *zap.Logger

	mu        sync.RWMutex
	state     State
	conn      Conn
	sub       Subscription
	onMessage func(model.ChatMessage)
	started   bool
	cancel    context.CancelFunc

	attempts  atomic.Int64
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewConnectionManager(transport Transport, opts Options, log *zap.Logger) *ConnectionManager {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ConnectionManager{
		transport: transport,
		opts:      opts,
		log:       log.With(zap.String("component", "connection_manager"), zap.String("topic", opts.Topic)),
		state:     Disconnected,
	}
}

// Connect starts the connection lifecycle and returns immediately. onMessage
// is invoked from the transport's delivery goroutine for every decoded
// broadcast. Calling Connect again is a no-op.
func (m *ConnectionManager) Connect(ctx context.Context, onMessage func(model.ChatMessage)) error {
	m.mu.Lock()
	if m.state == Closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.started = true
	m.cancel = cancel
	m.onMessage = onMessage
	m.wg.Add(1)
	m.mu.Unlock()

	go m.run(runCtx)
	return nil
}

func (m *ConnectionManager) run(ctx context.Context) {
	defer m.wg.Done()

	for {
		if !m.setState(Connecting) {
			return
		}
		attempt := m.attempts.Add(1)

		conn, sub, err := m.establish(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.log.Warn("broadcast connect failed", zap.Int64("attempt", attempt), zap.Error(err))
			m.setState(Disconnected)
			if !m.wait(ctx) {
				return
			}
			continue
		}

		if !m.install(conn, sub) {
			_ = sub.Unsubscribe()
			_ = conn.Close()
			return
		}
		m.log.Info("broadcast channel connected", zap.Int64("attempt", attempt))

		select {
		case <-ctx.Done():
			m.release(conn)
			return
		case err := <-conn.Done():
			m.log.Warn("broadcast channel dropped", zap.Error(err))
			m.release(conn)
		}

		if !m.wait(ctx) {
			return
		}
	}
}

// establish dials and registers exactly one subscription on the new connection.
func (m *ConnectionManager) establish(ctx context.Context) (Conn, Subscription, error) {
	conn, err := m.transport.Dial(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("dial broker failed: %w", err)
	}
	sub, err := conn.Subscribe(m.opts.Topic, m.deliver)
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("subscribe topic failed: %w", err)
	}
	return conn, sub, nil
}

func (m *ConnectionManager) install(conn Conn, sub Subscription) bool {
	m.mu.Lock()
	if m.state == Closed {
		m.mu.Unlock()
		return false
	}
	m.conn = conn
	m.sub = sub
	m.state = Connected
	m.mu.Unlock()

	m.notify(Connected)
	return true
}

func (m *ConnectionManager) release(conn Conn) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	sub := m.sub
	m.conn, m.sub = nil, nil
	closed := m.state == Closed
	if !closed {
		m.state = Disconnected
	}
	m.mu.Unlock()

	if sub != nil {
		_ = sub.Unsubscribe()
	}
	_ = conn.Close()
	if !closed {
		m.notify(Disconnected)
	}
}

func (m *ConnectionManager) wait(ctx context.Context) bool {
	delay := m.opts.ReconnectDelay
	if m.opts.ReconnectJitter > 0 {
		delay += time.Duration(rand.Int63n(int64(m.opts.ReconnectJitter)))
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (m *ConnectionManager) deliver(payload []byte) {
	var msg model.ChatMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		m.log.Warn("drop malformed broadcast", zap.Error(err))
		return
	}
	if msg.Timestamp.IsZero() {
		m.log.Warn("drop broadcast without timestamp", zap.String("sender", msg.SenderLabel))
		return
	}
	if msg.Role == "" {
		msg.Role = model.RoleUser
	}

	m.mu.RLock()
	handler := m.onMessage
	closed := m.state == Closed
	m.mu.RUnlock()
	if closed || handler == nil {
		return
	}
	handler(msg)
}

// Publish is fire-and-forget. It fails with ErrNotConnected unless the
// manager is Connected.
func (m *ConnectionManager) Publish(ctx context.Context, msg model.ChatMessage) error {
	m.mu.RLock()
	state, conn := m.state, m.conn
	m.mu.RUnlock()
	if state != Connected || conn == nil {
		return ErrNotConnected
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal broadcast payload failed: %w", err)
	}
	if err := conn.Publish(ctx, m.opts.Destination, payload); err != nil {
		return fmt.Errorf("publish broadcast failed: %w", err)
	}
	return nil
}

func (m *ConnectionManager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Attempts counts connection attempts since Connect.
func (m *ConnectionManager) Attempts() int {
	return int(m.attempts.Load())
}

// Close moves to Closed from any state, unsubscribes and releases the
// transport. Repeated calls return nil.
func (m *ConnectionManager) Close() error {
	var closeErr error
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.state = Closed
		cancel := m.cancel
		sub, conn := m.sub, m.conn
		m.sub, m.conn = nil, nil
		m.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if sub != nil {
			closeErr = errors.Join(closeErr, sub.Unsubscribe())
		}
		if conn != nil {
			closeErr = errors.Join(closeErr, conn.Close())
		}
		m.wg.Wait()
		m.notify(Closed)
		m.log.Info("broadcast channel closed")
	})
	return closeErr
}

func (m *ConnectionManager) setState(next State) bool {
	m.mu.Lock()
	if m.state == Closed {
		m.mu.Unlock()
		return false
	}
	m.state = next
	m.mu.Unlock()

	m.notify(next)
	return true
}

func (m *ConnectionManager) notify(state State) {
	if m.opts.OnStateChange != nil {
		m.opts.OnStateChange(state)
	}
}
