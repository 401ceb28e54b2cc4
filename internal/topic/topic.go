// Package topic is the in-memory pub/sub fabric: named channels with
// bounded per-subscriber queues and an SSE streaming endpoint.
//
// Delivery contract: at-least-once to currently-registered subscribers,
// strict FIFO per subscriber, nothing promised between subscribers, no
// durability, no backfill. A subscriber that cannot take a message (queue
// full or closed) loses that message; nobody else does.
package topic

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// keepAliveInterval paces SSE comment frames that defeat proxy idle
// timeouts.
const keepAliveInterval = 15 * time.Second

// defaultQueueDepth bounds each subscriber's message queue.
const defaultQueueDepth = 256

// Subscriber is one registration on a topic: a bounded FIFO of raw JSON
// messages plus a closed flag.
type Subscriber struct {
	msgs chan []byte

	mu     sync.Mutex
	closed bool
}

// publish enqueues msg, dropping it when the subscriber is closed or its
// queue is full.
func (s *Subscriber) publish(msg []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.msgs <- msg:
	default:
		// Queue full: drop for this subscriber only.
	}
}

// Close marks the subscriber closed and wakes its consumer. After Close,
// publishes to it are no-ops. Idempotent.
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.msgs)
}

// Next returns the subscriber's channel; it is closed after Close drains.
func (s *Subscriber) Next() <-chan []byte { return s.msgs }

// Manager is the registry of topics. The mutex guards only the
// read-modify-write of the map; fanout happens outside it.
type Manager struct {
	queueDepth int

	mu     sync.Mutex
	topics map[string]map[*Subscriber]struct{}
}

// NewManager builds an empty registry. queueDepth ≤ 0 picks the default.
func NewManager(queueDepth int) *Manager {
	if queueDepth <= 0 {
		queueDepth = defaultQueueDepth
	}
	return &Manager{
		queueDepth: queueDepth,
		topics:     make(map[string]map[*Subscriber]struct{}),
	}
}

// Publish fans msg out to every current subscriber of topicID. The
// subscriber set is snapshotted under the lock; delivery happens without it
// so one slow subscriber cannot stall another.
func (m *Manager) Publish(topicID string, msg []byte) {
	m.mu.Lock()
	set := m.topics[topicID]
	subs := make([]*Subscriber, 0, len(set))
	for s := range set {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		s.publish(msg)
	}
}

// AddSubscription registers a new subscriber on topicID. Registration is
// atomic with respect to Publish.
func (m *Manager) AddSubscription(topicID string) *Subscriber {
	s := &Subscriber{msgs: make(chan []byte, m.queueDepth)}
	m.mu.Lock()
	set := m.topics[topicID]
	if set == nil {
		set = make(map[*Subscriber]struct{})
		m.topics[topicID] = set
	}
	set[s] = struct{}{}
	m.mu.Unlock()
	return s
}

// RemoveSubscription deregisters s and reclaims the topic entry when its
// subscriber set drains.
func (m *Manager) RemoveSubscription(topicID string, s *Subscriber) {
	m.mu.Lock()
	if set := m.topics[topicID]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(m.topics, topicID)
		}
	}
	m.mu.Unlock()
}

// ─── SSE endpoint ─────────────────────────────────────────────────────────────

// ServeStream streams topicID to the client as server-sent events: one
// `data: <json>` frame per message plus a keep-alive comment every 15
// seconds. The subscription is removed when the client goes away.
func (m *Manager) ServeStream(w http.ResponseWriter, r *http.Request, topicID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error":"streaming unsupported"}`, http.StatusInternalServerError)
		return
	}

	sub := m.AddSubscription(topicID)
	defer func() {
		sub.Close()
		m.RemoveSubscription(topicID, sub)
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log := logrus.WithField("topic", topicID)
	log.Info("stream subscriber attached")
	defer log.Info("stream subscriber detached")

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Next():
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
