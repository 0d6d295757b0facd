package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

const (
	EventInsert    = "insert"
	EventUpdate    = "update"
	EventDelete    = "delete"
	EventHeartbeat = "heartbeat"

	defaultBufferSize = 64
)

// Message is one change-feed notification for a user.
type Message struct {
	UserID    string          `json:"user_id"`
	Table     string          `json:"table,omitempty"`
	EventType string          `json:"type"`
	Row       json.RawMessage `json:"row,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Publisher accepts change notifications.
type Publisher interface {
	Publish(message Message)
}

// Subscription is a live per-user stream. Dropped is closed when the subscriber fell
// behind and was disconnected; the consumer must reconnect and reconcile.
type Subscription struct {
	Messages <-chan Message
	Dropped  <-chan struct{}
	cancel   func()
}

// Close unregisters the subscription.
func (s *Subscription) Close() {
	if s != nil && s.cancel != nil {
		s.cancel()
	}
}

// Dispatcher fans out messages to every subscriber of the message's user.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id       int64
	stream   chan Message
	dropped  chan struct{}
	dropOnce sync.Once
}

func (s *subscriber) drop() {
	s.dropOnce.Do(func() { close(s.dropped) })
}

// NewDispatcher constructs a dispatcher with the default per-subscriber buffer.
func NewDispatcher() *Dispatcher {
	return NewDispatcherWithBuffer(defaultBufferSize)
}

// NewDispatcherWithBuffer constructs a dispatcher with a custom per-subscriber buffer.
func NewDispatcherWithBuffer(bufferSize int) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a stream for userID that lives until ctx ends or Close is called.
func (d *Dispatcher) Subscribe(ctx context.Context, userID string) *Subscription {
	if userID == "" {
		stream := make(chan Message)
		close(stream)
		dropped := make(chan struct{})
		close(dropped)
		return &Subscription{Messages: stream, Dropped: dropped, cancel: func() {}}
	}
	sub := &subscriber{
		id:      d.nextSequence(),
		stream:  make(chan Message, d.bufferSize),
		dropped: make(chan struct{}),
	}
	d.register(userID, sub)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregister(userID, sub.id) })
	}
	go func() {
		select {
		case <-ctx.Done():
		case <-sub.dropped:
		}
		cleanup()
	}()
	return &Subscription{Messages: sub.stream, Dropped: sub.dropped, cancel: cleanup}
}

// Publish delivers message to the user's subscribers in publish order. A subscriber
// whose buffer is full is dropped instead of silently losing the message.
func (d *Dispatcher) Publish(message Message) {
	if message.UserID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.UserID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subscribers))
	for _, sub := range subscribers {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()
	for _, sub := range copies {
		select {
		case <-sub.dropped:
			continue
		default:
		}
		select {
		case sub.stream <- message:
		default:
			sub.drop()
		}
	}
}

// SubscriberCount reports the live subscribers of userID.
func (d *Dispatcher) SubscriberCount(userID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[userID])
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(userID string, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*subscriber)
	}
	d.subscribers[userID][sub.id] = sub
}

func (d *Dispatcher) unregister(userID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, userID)
		}
	}
	d.mu.Unlock()
}
