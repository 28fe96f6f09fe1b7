package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"gopherai-chatsync/internal/model"
)

type fakeTransport struct {
	mu       sync.Mutex
	failures int // remaining dial failures, -1 fails forever
	conns    []*fakeConn
}

func (f *fakeTransport) Dial(ctx context.Context) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures != 0 {
		if f.failures > 0 {
			f.failures--
		}
		return nil, errors.New("connection refused")
	}
	c := &fakeConn{done: make(chan error, 1)}
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeTransport) conn(i int) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.conns) {
		return nil
	}
	return f.conns[i]
}

func (f *fakeTransport) dialled() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

type published struct {
	destination string
	payload     []byte
}

type fakeConn struct {
	done chan error

	mu           sync.Mutex
	subscribes   int
	unsubscribes int
	topic        string
	handler      Handler
	published    []published
	closed       bool
}

func (c *fakeConn) Subscribe(topic string, handler Handler) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribes++
	c.topic = topic
	c.handler = handler
	return fakeSub{conn: c}, nil
}

func (c *fakeConn) Publish(_ context.Context, destination string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, published{destination: destination, payload: payload})
	return nil
}

func (c *fakeConn) Done() <-chan error { return c.done }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) deliver(payload []byte) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	h(payload)
}

func (c *fakeConn) counts() (subscribes, unsubscribes int, closed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribes, c.unsubscribes, c.closed
}

type fakeSub struct {
	conn *fakeConn
}

func (s fakeSub) Unsubscribe() error {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	s.conn.unsubscribes++
	return nil
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func newTestManager(transport Transport, rec *stateRecorder) *ConnectionManager {
	opts := Options{
		Topic:          "ai-messages",
		Destination:    "ai-chat",
		ReconnectDelay: time.Millisecond,
	}
	if rec != nil {
		opts.OnStateChange = rec.record
	}
	return NewConnectionManager(transport, opts, nil)
}

func TestConnectSubscribesOnceAndPublishes(t *testing.T) {
	defer goleak.VerifyNone(t)

	transport := &fakeTransport{}
	m := newTestManager(transport, nil)
	defer m.Close()

	received := make(chan model.ChatMessage, 1)
	require.NoError(t, m.Connect(context.Background(), func(msg model.ChatMessage) { received <- msg }))
	require.NoError(t, m.Connect(context.Background(), nil))

	require.Eventually(t, func() bool { return m.State() == Connected }, time.Second, time.Millisecond)

	conn := transport.conn(0)
	subscribes, _, _ := conn.counts()
	require.Equal(t, 1, subscribes)
	require.Equal(t, "ai-messages", conn.topic)

	msg := model.ChatMessage{Role: model.RoleUser, Content: "hi", SenderLabel: "mina", Timestamp: time.Now().UTC()}
	require.NoError(t, m.Publish(context.Background(), msg))
	require.Len(t, conn.published, 1)
	require.Equal(t, "ai-chat", conn.published[0].destination)

	conn.deliver(conn.published[0].payload)
	got := <-received
	require.Equal(t, "hi", got.Content)
	require.Equal(t, msg.DedupKey(), got.DedupKey())
}

func TestPublishWhenNotConnected(t *testing.T) {
	defer goleak.VerifyNone(t)

	transport := &fakeTransport{failures: -1}
	m := newTestManager(transport, nil)

	msg := model.ChatMessage{Role: model.RoleUser, Content: "hi", Timestamp: time.Now()}
	require.ErrorIs(t, m.Publish(context.Background(), msg), ErrNotConnected)

	require.NoError(t, m.Connect(context.Background(), func(model.ChatMessage) {}))
	require.Eventually(t, func() bool { return m.Attempts() >= 2 }, time.Second, time.Millisecond)
	require.ErrorIs(t, m.Publish(context.Background(), msg), ErrNotConnected)

	require.NoError(t, m.Close())
	require.ErrorIs(t, m.Publish(context.Background(), msg), ErrNotConnected)
	require.Zero(t, transport.dialled())
}

func TestReconnectRetriesForever(t *testing.T) {
	defer goleak.VerifyNone(t)

	transport := &fakeTransport{failures: -1}
	rec := &stateRecorder{}
	m := newTestManager(transport, rec)

	require.NoError(t, m.Connect(context.Background(), func(model.ChatMessage) {}))
	require.Eventually(t, func() bool { return m.Attempts() >= 10 }, 2*time.Second, time.Millisecond)

	state := m.State()
	require.Contains(t, []State{Connecting, Disconnected}, state)

	states := rec.snapshot()
	cycles := 0
	for i := 1; i < len(states); i++ {
		if states[i-1] == Disconnected && states[i] == Connecting {
			cycles++
		}
	}
	require.GreaterOrEqual(t, cycles, 9)
	require.NotContains(t, states, Closed)

	require.NoError(t, m.Close())
	require.Equal(t, Closed, m.State())
	require.Equal(t, Closed, rec.snapshot()[len(rec.snapshot())-1])
}

func TestReconnectAfterFailuresThenRecovers(t *testing.T) {
	defer goleak.VerifyNone(t)

	transport := &fakeTransport{failures: 3}
	m := newTestManager(transport, nil)
	defer m.Close()

	require.NoError(t, m.Connect(context.Background(), func(model.ChatMessage) {}))
	require.Eventually(t, func() bool { return m.State() == Connected }, time.Second, time.Millisecond)
	require.Equal(t, 4, m.Attempts())
}

func TestDropResubscribesExactlyOncePerConnection(t *testing.T) {
	defer goleak.VerifyNone(t)

	transport := &fakeTransport{}
	m := newTestManager(transport, nil)
	defer m.Close()

	require.NoError(t, m.Connect(context.Background(), func(model.ChatMessage) {}))
	require.Eventually(t, func() bool { return m.State() == Connected }, time.Second, time.Millisecond)

	first := transport.conn(0)
	first.done <- errors.New("broker went away")

	require.Eventually(t, func() bool {
		return transport.dialled() == 2 && m.State() == Connected
	}, time.Second, time.Millisecond)

	subscribes, unsubscribes, closed := first.counts()
	require.Equal(t, 1, subscribes)
	require.Equal(t, 1, unsubscribes)
	require.True(t, closed)

	subscribes, unsubscribes, closed = transport.conn(1).counts()
	require.Equal(t, 1, subscribes)
	require.Zero(t, unsubscribes)
	require.False(t, closed)
}

func TestCloseIsIdempotentAndTerminal(t *testing.T) {
	defer goleak.VerifyNone(t)

	transport := &fakeTransport{}
	m := newTestManager(transport, nil)
	require.NoError(t, m.Connect(context.Background(), func(model.ChatMessage) {}))
	require.Eventually(t, func() bool { return m.State() == Connected }, time.Second, time.Millisecond)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	require.Equal(t, Closed, m.State())
	require.ErrorIs(t, m.Connect(context.Background(), func(model.ChatMessage) {}), ErrClosed)

	_, unsubscribes, closed := transport.conn(0).counts()
	require.Equal(t, 1, unsubscribes)
	require.True(t, closed)
}

func TestCloseFromDisconnected(t *testing.T) {
	m := newTestManager(&fakeTransport{}, nil)
	require.Equal(t, Disconnected, m.State())
	require.NoError(t, m.Close())
	require.Equal(t, Closed, m.State())
}

func TestDeliverDropsMalformedPayloads(t *testing.T) {
	defer goleak.VerifyNone(t)

	transport := &fakeTransport{}
	m := newTestManager(transport, nil)
	defer m.Close()

	var mu sync.Mutex
	var got []model.ChatMessage
	require.NoError(t, m.Connect(context.Background(), func(msg model.ChatMessage) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, msg)
	}))
	require.Eventually(t, func() bool { return m.State() == Connected }, time.Second, time.Millisecond)

	conn := transport.conn(0)
	conn.deliver([]byte("{not json"))
	conn.deliver([]byte(`{"sender":"mina","content":"no stamp"}`))
	valid, err := json.Marshal(map[string]string{"sender": "mina", "content": "ok", "timestamp": "2024-10-01T09:00:00Z"})
	require.NoError(t, err)
	conn.deliver(valid)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	require.Equal(t, model.RoleUser, got[0].Role)
	require.Equal(t, "mina", got[0].SenderLabel)
}

func TestMemoryHubFansOutThroughRoute(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := NewMemoryHub()
	hub.Route("ai-chat", "ai-messages")

	inboxA := make(chan model.ChatMessage, 4)
	inboxB := make(chan model.ChatMessage, 4)
	a := newTestManager(hub.Transport(), nil)
	b := newTestManager(hub.Transport(), nil)
	require.NoError(t, a.Connect(context.Background(), func(msg model.ChatMessage) { inboxA <- msg }))
	require.NoError(t, b.Connect(context.Background(), func(msg model.ChatMessage) { inboxB <- msg }))
	require.Eventually(t, func() bool {
		return a.State() == Connected && b.State() == Connected
	}, time.Second, time.Millisecond)
	require.Equal(t, 2, hub.Subscribers("ai-messages"))

	msg := model.ChatMessage{Role: model.RoleUser, Content: "anyone here?", SenderLabel: "a", Timestamp: time.Now().UTC()}
	require.NoError(t, a.Publish(context.Background(), msg))

	for _, inbox := range []chan model.ChatMessage{inboxA, inboxB} {
		select {
		case got := <-inbox:
			require.Equal(t, "anyone here?", got.Content)
		case <-time.After(time.Second):
			t.Fatal("broadcast not delivered")
		}
	}

	hub.Drop(errors.New("outage"))
	require.Eventually(t, func() bool {
		return a.Attempts() >= 2 && a.State() == Connected && hub.Subscribers("ai-messages") == 2
	}, time.Second, time.Millisecond)

	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
	require.Zero(t, hub.Subscribers("ai-messages"))
}
