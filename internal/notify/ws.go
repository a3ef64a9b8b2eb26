package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

var ErrNoSession = errors.New("notify: no websocket session")

// WSSession is one connected user session.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) send(n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(n)
}

// WSRegistry holds live websocket sessions keyed by user email and delivers
// notifications to whichever recipients are connected.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry {
	return &WSRegistry{sessions: make(map[string]*WSSession)}
}

func (r *WSRegistry) Add(email string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[email]; ok {
		_ = old.conn.Close()
	}
	r.sessions[email] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(email string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[email]; ok {
		_ = s.conn.Close()
		delete(r.sessions, email)
	}
}

func (r *WSRegistry) Notify(ctx context.Context, n Notification) error {
	r.mu.RLock()
	s, ok := r.sessions[n.Recipient]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.send(n)
}
