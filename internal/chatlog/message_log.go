// Package chatlog holds the ordered, deduplicated conversation of one chat session.
package chatlog

import (
	"sync"

	"gopherai-chatsync/internal/model"
)

// MessageLog is append-only. Entries keep insertion order; an entry whose
// timestamp is already present is dropped. Entries arriving out of timestamp
// order are not re-sorted.
type MessageLog struct {
	mu       sync.RWMutex
	messages []model.ChatMessage
	index    map[string]struct{}
	watchers map[int]chan model.ChatMessage
	nextID   int
	closed   bool
}

// New returns an empty log, or one seeded with greeting when it is non-nil.
func New(greeting *model.ChatMessage) *MessageLog {
	l := &MessageLog{
		messages: make([]model.ChatMessage, 0, 32),
		index:    make(map[string]struct{}),
		watchers: make(map[int]chan model.ChatMessage),
	}
	if greeting != nil {
		l.Append(*greeting)
	}
	return l
}

// Append reports whether msg was inserted. It is a no-op for a duplicate
// timestamp or after Close.
func (l *MessageLog) Append(msg model.ChatMessage) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false
	}
	key := msg.DedupKey()
	if _, exists := l.index[key]; exists {
		return false
	}
	l.index[key] = struct{}{}
	l.messages = append(l.messages, msg)

	for id, ch := range l.watchers {
		select {
		case ch <- msg:
		default:
			// a watcher that fell behind is cut off and must resync from All()
			delete(l.watchers, id)
			close(ch)
		}
	}
	return true
}

// All returns a snapshot copy.
func (l *MessageLog) All() []model.ChatMessage {
	l.mu.RLock()
	defer l.mu.RUnlock()

	copied := make([]model.ChatMessage, len(l.messages))
	copy(copied, l.messages)
	return copied
}

func (l *MessageLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}

// Watch streams every message appended after the call. The returned cancel
// func must be called once the caller stops reading. The channel is closed by
// cancel, by Close, or when the watcher falls a full buffer behind. In the
// last case the log is still open and the caller should take a new snapshot.
func (l *MessageLog) Watch(buffer int) (<-chan model.ChatMessage, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan model.ChatMessage, buffer)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		close(ch)
		return ch, func() {}
	}
	id := l.nextID
	l.nextID++
	l.watchers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if w, ok := l.watchers[id]; ok {
				delete(l.watchers, id)
				close(w)
			}
		})
	}
}

// Close destroys the log: later appends are ignored and watchers are released.
func (l *MessageLog) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	for id, ch := range l.watchers {
		delete(l.watchers, id)
		close(ch)
	}
}

func (l *MessageLog) Closed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.closed
}
