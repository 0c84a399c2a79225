// ABOUTME: In-memory MCP session store binding each session to the API key that opened it
// ABOUTME: Sessions expire after a period without requests

package mcp

import (
	"crypto/subtle"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/toolgate/internal/auth"
)

// DefaultSessionTTL is how long an idle session stays valid.
const DefaultSessionTTL = 30 * time.Minute

// mcpSession tracks an active MCP client session.
type mcpSession struct {
	id              string
	protocolVersion string
	apiKey          string
	keyHash         string
	createdAt       time.Time
	lastSeen        time.Time
}

// ownedBy reports whether apiKey is the key that opened the session.
func (s *mcpSession) ownedBy(apiKey string) bool {
	return subtle.ConstantTimeCompare([]byte(s.keyHash), []byte(auth.HashKey(apiKey))) == 1
}

// sessionStore manages active MCP sessions.
type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]*mcpSession
	ttl      time.Duration
	now      func() time.Time
}

func newSessionStore(ttl time.Duration, now func() time.Time) *sessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if now == nil {
		now = time.Now
	}
	return &sessionStore{sessions: make(map[string]*mcpSession), ttl: ttl, now: now}
}

func (s *sessionStore) create(protocolVersion, apiKey string) *mcpSession {
	now := s.now()
	sess := &mcpSession{
		id:              uuid.New().String(),
		protocolVersion: protocolVersion,
		apiKey:          apiKey,
		keyHash:         auth.HashKey(apiKey),
		createdAt:       now,
		lastSeen:        now,
	}

	s.mu.Lock()
	s.pruneLocked(now)
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	return sess
}

// get returns a live session and refreshes its idle timer.
func (s *sessionStore) get(id string) (*mcpSession, bool) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	if now.Sub(sess.lastSeen) > s.ttl {
		delete(s.sessions, id)
		return nil, false
	}
	sess.lastSeen = now
	return sess, true
}

func (s *sessionStore) delete(id string) bool {
	s.mu.Lock()
	_, existed := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	return existed
}

func (s *sessionStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *sessionStore) pruneLocked(now time.Time) {
	for id, sess := range s.sessions {
		if now.Sub(sess.lastSeen) > s.ttl {
			delete(s.sessions, id)
		}
	}
}
