package notify

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
)

// WSSession wraps one subscriber connection; the mutex serializes writes,
// which gorilla/websocket requires.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) send(payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(payload)
}

// WSRegistry holds websocket subscriptions per channel and implements
// Sink by writing the payload to every subscriber of the channel. A
// subscriber whose write fails is dropped from the channel.
type WSRegistry struct {
	mu       sync.RWMutex
	channels map[string]map[*WSSession]struct{}
}

func NewWSRegistry() *WSRegistry {
	return &WSRegistry{channels: make(map[string]map[*WSSession]struct{})}
}

func (r *WSRegistry) Name() string { return "websocket" }

// Subscribe registers conn on channel and returns the session handle used
// to unsubscribe.
func (r *WSRegistry) Subscribe(channel string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	defer r.mu.Unlock()
	subs, ok := r.channels[channel]
	if !ok {
		subs = make(map[*WSSession]struct{})
		r.channels[channel] = subs
	}
	subs[s] = struct{}{}
	return s
}

func (r *WSRegistry) Unsubscribe(channel string, s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if subs, ok := r.channels[channel]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(r.channels, channel)
		}
	}
}

func (r *WSRegistry) Publish(ctx context.Context, channel string, payload any) error {
	r.mu.RLock()
	subs := make([]*WSSession, 0, len(r.channels[channel]))
	for s := range r.channels[channel] {
		subs = append(subs, s)
	}
	r.mu.RUnlock()

	var lastErr error
	for _, s := range subs {
		if err := s.send(payload); err != nil {
			lastErr = err
			r.Unsubscribe(channel, s)
		}
	}
	return lastErr
}
