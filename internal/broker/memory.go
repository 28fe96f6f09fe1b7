package broker

import (
	"context"
	"errors"
	"sync"
)

var errMemoryConnClosed = errors.New("memory connection closed")

// MemoryHub is an in-process broker. Publishing to a routed destination
// fans out to every subscriber of the mapped topic; unrouted destinations
// are treated as topics.
type MemoryHub struct {
	mu     sync.Mutex
	routes map[string]string
	subs   map[string]map[*memorySub]struct{}
	conns  map[*memoryConn]struct{}
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		routes: make(map[string]string),
		subs:   make(map[string]map[*memorySub]struct{}),
		conns:  make(map[*memoryConn]struct{}),
	}
}

func (h *MemoryHub) Route(destination, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.routes[destination] = topic
}

func (h *MemoryHub) Transport() Transport {
	return memoryTransport{hub: h}
}

// Drop ends every live connection with err, as a broker outage would.
func (h *MemoryHub) Drop(err error) {
	h.mu.Lock()
	conns := make([]*memoryConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.fail(err)
	}
}

func (h *MemoryHub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[topic])
}

func (h *MemoryHub) fanout(ctx context.Context, destination string, payload []byte) error {
	h.mu.Lock()
	topic, ok := h.routes[destination]
	if !ok {
		topic = destination
	}
	targets := make([]*memorySub, 0, len(h.subs[topic]))
	for s := range h.subs[topic] {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	for _, s := range targets {
		body := append([]byte(nil), payload...)
		select {
		case s.inbox <- body:
		case <-s.quit:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

type memoryTransport struct {
	hub *MemoryHub
}

func (t memoryTransport) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := &memoryConn{
		hub:  t.hub,
		done: make(chan error, 1),
		subs: make(map[*memorySub]struct{}),
	}
	t.hub.mu.Lock()
	t.hub.conns[c] = struct{}{}
	t.hub.mu.Unlock()
	return c, nil
}

type memoryConn struct {
	hub  *MemoryHub
	done chan error

	mu       sync.Mutex
	subs     map[*memorySub]struct{}
	closed   bool
	failOnce sync.Once
}

func (c *memoryConn) Subscribe(topic string, handler Handler) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errMemoryConnClosed
	}

	s := &memorySub{
		conn:    c,
		topic:   topic,
		handler: handler,
		inbox:   make(chan []byte, 64),
		quit:    make(chan struct{}),
	}
	c.subs[s] = struct{}{}

	c.hub.mu.Lock()
	if c.hub.subs[topic] == nil {
		c.hub.subs[topic] = make(map[*memorySub]struct{})
	}
	c.hub.subs[topic][s] = struct{}{}
	c.hub.mu.Unlock()

	go s.pump()
	return s, nil
}

func (c *memoryConn) Publish(ctx context.Context, destination string, payload []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errMemoryConnClosed
	}
	return c.hub.fanout(ctx, destination, payload)
}

func (c *memoryConn) Done() <-chan error {
	return c.done
}

func (c *memoryConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := make([]*memorySub, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	c.hub.mu.Lock()
	delete(c.hub.conns, c)
	c.hub.mu.Unlock()
	return nil
}

func (c *memoryConn) fail(err error) {
	c.failOnce.Do(func() {
		c.done <- err
	})
}

type memorySub struct {
	conn     *memoryConn
	topic    string
	handler  Handler
	inbox    chan []byte
	quit     chan struct{}
	quitOnce sync.Once
}

func (s *memorySub) pump() {
	for {
		select {
		case <-s.quit:
			return
		case payload := <-s.inbox:
			s.handler(payload)
		}
	}
}

func (s *memorySub) Unsubscribe() error {
	s.quitOnce.Do(func() {
		hub := s.conn.hub
		hub.mu.Lock()
		delete(hub.subs[s.topic], s)
		hub.mu.Unlock()

		s.conn.mu.Lock()
		delete(s.conn.subs, s)
		s.conn.mu.Unlock()

		close(s.quit)
	})
	return nil
}
