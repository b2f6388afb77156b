package relay

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// DefaultQueueSize is the outbound queue length of each observer.
const DefaultQueueSize = 64

// Subscriber is one observer's outbound queue. A subscriber whose queue is
// full when a broadcast arrives is closed rather than allowed to block the
// broadcaster.
type Subscriber struct {
	id   string
	send chan []byte
	done chan struct{}
	once sync.Once
}

// ID returns the subscriber's connection identifier.
func (s *Subscriber) ID() string { return s.id }

// Messages returns the channel of frames to deliver to the observer.
func (s *Subscriber) Messages() <-chan []byte { return s.send }

// Done is closed once the subscriber has been dropped or closed.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Close marks the subscriber closed. It is safe to call more than once.
func (s *Subscriber) Close() {
	s.once.Do(func() { close(s.done) })
}

// offer queues msg without blocking. It reports false if the queue is full
// or the subscriber is closed.
func (s *Subscriber) offer(msg []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

// Hub fans frames out to every connected observer.
type Hub struct {
	mu        sync.RWMutex
	subs      map[string]*Subscriber
	queueSize int
	logger    *slog.Logger
}

// NewHub creates a hub whose subscribers buffer up to queueSize frames.
func NewHub(queueSize int, logger *slog.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:      make(map[string]*Subscriber),
		queueSize: queueSize,
		logger:    logger,
	}
}

// subscribe registers a new subscriber whose first frame is produced by
// initial. The hub lock is held while initial runs, so no broadcast can slip
// between the initial frame and registration.
func (h *Hub) subscribe(initial func() []byte) *Subscriber {
	s := &Subscriber{
		id:   uuid.NewString(),
		send: make(chan []byte, h.queueSize),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if initial != nil {
		if msg := initial(); msg != nil {
			s.send <- msg
		}
	}
	h.subs[s.id] = s
	return s
}

// Unsubscribe removes s from the hub and closes it.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	delete(h.subs, s.id)
	h.mu.Unlock()
	s.Close()
}

// Broadcast queues msg for every subscriber. It never blocks; subscribers
// that cannot accept the frame are dropped.
func (h *Hub) Broadcast(msg []byte) {
	var dropped []*Subscriber

	h.mu.RLock()
	for _, s := range h.subs {
		if !s.offer(msg) {
			dropped = append(dropped, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range dropped {
		h.logger.Info("dropping slow observer", "observer", s.id)
		h.Unsubscribe(s)
	}
}

// Len returns the number of connected subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
