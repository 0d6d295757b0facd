package remote

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/studytrack/internal/realtime"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const feedReadTimeout = 90 * time.Second

type feedListener struct {
	table   string
	deliver func(realtime.Message)
}

// feed is the single websocket change feed of one user, demultiplexed by table.
type feed struct {
	client *HTTPClient
	userID string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	nextID    int64
	listeners map[int64]feedListener
	hooks     map[int64]func()
}

func (c *HTTPClient) feedFor(userID string) *feed {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.feeds[userID]; ok {
		return existing
	}
	ctx, cancel := context.WithCancel(context.Background())
	f := &feed{
		client:    c,
		userID:    userID,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		listeners: make(map[int64]feedListener),
		hooks:     make(map[int64]func()),
	}
	c.feeds[userID] = f
	go f.run()
	return f
}

// release stops the feed once nothing observes it anymore.
func (c *HTTPClient) release(f *feed) {
	f.mu.Lock()
	idle := len(f.listeners) == 0 && len(f.hooks) == 0
	f.mu.Unlock()
	if !idle {
		return
	}
	c.mu.Lock()
	if c.feeds[f.userID] == f {
		delete(c.feeds, f.userID)
	}
	c.mu.Unlock()
	f.stop()
}

// OnReconnect registers fn to run whenever the feed of userID reconnects.
func (c *HTTPClient) OnReconnect(userID string, fn func()) Unsubscribe {
	if userID == "" || fn == nil {
		return func() {}
	}
	f := c.feedFor(userID)
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.hooks[id] = fn
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.hooks, id)
			f.mu.Unlock()
			c.release(f)
		})
	}
}

func (c *HTTPClient) subscribe(ctx context.Context, userID, table string, deliver func(realtime.Message)) Unsubscribe {
	f := c.feedFor(userID)
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.listeners[id] = feedListener{table: table, deliver: deliver}
	f.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.listeners, id)
			f.mu.Unlock()
			c.release(f)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-f.done:
		}
	}()
	return unsubscribe
}

func (f *feed) stop() {
	f.cancel()
}

func (f *feed) run() {
	defer close(f.done)
	logger := f.client.logger.With(zap.String("user_id", f.userID))
	delay := f.client.reconnectDelay
	header := http.Header{}
	if f.client.token != "" {
		header.Set("Authorization", "Bearer "+f.client.token)
	}
	first := true
	for {
		conn, _, err := f.client.dialer.DialContext(f.ctx, f.client.feedURL(), header)
		if err != nil {
			if f.ctx.Err() != nil {
				return
			}
			logger.Warn("change feed connect failed", zap.Duration("retry_in", delay), zap.Error(err))
			first = false
			if !f.wait(delay) {
				return
			}
			delay = nextDelay(delay)
			continue
		}
		delay = f.client.reconnectDelay
		if !first {
			logger.Info("change feed reconnected")
			f.fireReconnect()
		}
		first = false
		f.read(conn, logger)
		if f.ctx.Err() != nil {
			return
		}
		if !f.wait(delay) {
			return
		}
	}
}

func (f *feed) read(conn *websocket.Conn, logger *zap.Logger) {
	closed := make(chan struct{})
	defer close(closed)
	defer conn.Close()
	go func() {
		select {
		case <-f.ctx.Done():
			conn.Close()
		case <-closed:
		}
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(feedReadTimeout)); err != nil {
			return
		}
		var message realtime.Message
		if err := conn.ReadJSON(&message); err != nil {
			if f.ctx.Err() == nil {
				logger.Warn("change feed disconnected", zap.Error(err))
			}
			return
		}
		if message.EventType == realtime.EventHeartbeat || message.UserID != f.userID {
			continue
		}
		f.dispatch(message)
	}
}

func (f *feed) dispatch(message realtime.Message) {
	f.mu.Lock()
	ids := make([]int64, 0, len(f.listeners))
	for id, listener := range f.listeners {
		if listener.table == message.Table {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	targets := make([]func(realtime.Message), 0, len(ids))
	for _, id := range ids {
		targets = append(targets, f.listeners[id].deliver)
	}
	f.mu.Unlock()
	for _, deliver := range targets {
		deliver(message)
	}
}

func (f *feed) fireReconnect() {
	f.mu.Lock()
	hooks := make([]func(), 0, len(f.hooks))
	for _, hook := range f.hooks {
		hooks = append(hooks, hook)
	}
	f.mu.Unlock()
	for _, hook := range hooks {
		go hook()
	}
}

func (f *feed) wait(delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-f.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nextDelay(current time.Duration) time.Duration {
	next := current * 2
	if next > maxReconnectDelay {
		return maxReconnectDelay
	}
	return next
}
