package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guildcast/gateway/internal/sharding"
	"github.com/nats-io/nuid"
)

var ErrSessionNotFound = errors.New("session not found")

// Status of a live connection's protocol state.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusIdentified Status = "identified"
	StatusReady      Status = "ready"
	StatusClosed     Status = "closed"
)

// Session is one authenticated live connection. It is the unit of fan-out
// addressing while alive.
type Session struct {
	ID      string
	UserID  string
	Intents uint64
	Shard   *sharding.Declaration

	seq    uint64
	status atomic.Value // Status
}

// NextSeq atomically claims the next dispatch sequence number. The first
// call returns 0 and every later call returns the previous value plus one.
func (s *Session) NextSeq() uint64 {
	return atomic.AddUint64(&s.seq, 1) - 1
}

// LastSeq returns the most recently claimed sequence number, or 0 when
// nothing has been dispatched yet.
func (s *Session) LastSeq() uint64 {
	n := atomic.LoadUint64(&s.seq)
	if n == 0 {
		return 0
	}
	return n - 1
}

func (s *Session) Status() Status {
	return s.status.Load().(Status)
}

func (s *Session) setStatus(st Status) {
	s.status.Store(st)
}

// MarkReady transitions the session to ready once snapshot delivery has
// completed.
func (s *Session) MarkReady() {
	s.setStatus(StatusReady)
}

// Record is the persisted shape of a session, saved on create and deleted
// on close.
type Record struct {
	SessionID string
	UserID    string
	Status    string
	CreatedAt time.Time
}

// Store persists session rows for the lifetime of the connection.
type Store interface {
	SaveSession(ctx context.Context, record Record) error
	DeleteSession(ctx context.Context, sessionID string) error
}

// Detacher removes a session from all fan-out routing entries. Implemented
// by the event dispatcher.
type Detacher interface {
	Detach(sessionID string)
}

// Registry tracks live sessions. Create on successful identify, Close on
// transport close or forced disconnect.
type Registry struct {
	Store    Store
	Detacher Detacher
	NewID    func() string
	Now      func() time.Time

	mu     sync.RWMutex
	byID   map[string]*Session
	byUser map[string]map[string]*Session
}

func NewRegistry(store Store, detacher Detacher) *Registry {
	return &Registry{
		Store:    store,
		Detacher: detacher,
		NewID:    nuid.Next,
		Now:      func() time.Time { return time.Now().UTC() },
		byID:     make(map[string]*Session),
		byUser:   make(map[string]map[string]*Session),
	}
}

// Create allocates a fresh session for an authenticated principal and
// persists its row. The session starts in the identified state with its
// sequence counter at zero.
func (r *Registry) Create(ctx context.Context, userID string, intents uint64, shard *sharding.Declaration) (*Session, error) {
	s := &Session{
		ID:      r.NewID(),
		UserID:  userID,
		Intents: intents,
		Shard:   shard,
	}
	s.setStatus(StatusIdentified)

	if r.Store != nil {
		record := Record{
			SessionID: s.ID,
			UserID:    userID,
			Status:    string(StatusIdentified),
			CreatedAt: r.Now(),
		}
		if err := r.Store.SaveSession(ctx, record); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	r.byID[s.ID] = s
	userSessions, ok := r.byUser[userID]
	if !ok {
		userSessions = make(map[string]*Session)
		r.byUser[userID] = userSessions
	}
	userSessions[s.ID] = s
	r.mu.Unlock()

	return s, nil
}

// Close marks the session closed, removes it from all dispatcher routing
// entries and deletes its persisted row. Closing an unknown or
// already-closed session is a no-op.
func (r *Registry) Close(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	s, ok := r.byID[sessionID]
	if ok {
		delete(r.byID, sessionID)
		if userSessions, userOK := r.byUser[s.UserID]; userOK {
			delete(userSessions, sessionID)
			if len(userSessions) == 0 {
				delete(r.byUser, s.UserID)
			}
		}
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	s.setStatus(StatusClosed)

	if r.Detacher != nil {
		r.Detacher.Detach(sessionID)
	}
	if r.Store != nil {
		if err := r.Store.DeleteSession(ctx, sessionID); err != nil {
			return err
		}
	}
	return nil
}

// NextSequence atomically increments and returns the session's dispatch
// counter.
func (r *Registry) NextSequence(sessionID string) (uint64, error) {
	r.mu.RLock()
	s, ok := r.byID[sessionID]
	r.mu.RUnlock()
	if !ok {
		return 0, ErrSessionNotFound
	}
	return s.NextSeq(), nil
}

// Get returns a live session by id.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.byID[sessionID]
	r.mu.RUnlock()
	return s, ok
}

// SessionsForUser returns all live sessions owned by a user.
func (r *Registry) SessionsForUser(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.byUser[userID]))
	for _, s := range r.byUser[userID] {
		sessions = append(sessions, s)
	}
	return sessions
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
