// Package presence tracks which users have open realtime connections.
package presence

import (
	"context"
	"go.uber.org/zap"
	"realtime-chat/internal/storage/zapadapter"
	"sync"
	"time"
)

// Persister stores presence transitions of a user
type Persister interface {
	SetPresence(ctx context.Context, userID int64, connected bool, lastConnection *time.Time) error
}

// Registry maps user ids to their active connection ids.
// A user is persisted as connected when its first connection opens and as disconnected
// when its last connection closes.
type Registry struct {
	logger    *zap.SugaredLogger
	persister Persister
	now       func() time.Time

	mu       sync.Mutex
	sessions map[int64]*session
}

type session struct {
	// persist serializes writes of the user's presence
	persist sync.Mutex
	// connected is the last written state, guarded by persist
	connected bool

	// guarded by Registry.mu
	conns   map[string]struct{}
	pending int
}

// NewRegistry returns empty Registry
func NewRegistry(logger *zap.SugaredLogger, persister Persister) *Registry {
	return &Registry{
		logger:    logger,
		persister: persister,
		now:       func() time.Time { return time.Now().UTC() },
		sessions:  make(map[int64]*session),
	}
}

// Connect registers connID for the user. Persistence failures are logged only.
func (r *Registry) Connect(ctx context.Context, userID int64, connID string) {
	r.mu.Lock()
	s, ok := r.sessions[userID]
	if !ok {
		s = &session{conns: make(map[string]struct{})}
		r.sessions[userID] = s
	}
	s.conns[connID] = struct{}{}
	s.pending++
	r.mu.Unlock()

	r.sync(ctx, userID, s)
}

// Disconnect forgets connID. Persistence failures are logged only.
func (r *Registry) Disconnect(ctx context.Context, userID int64, connID string) {
	r.mu.Lock()
	s, ok := r.sessions[userID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, ok := s.conns[connID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(s.conns, connID)
	s.pending++
	r.mu.Unlock()

	r.sync(ctx, userID, s)
}

// sync writes the user's current state when it differs from the last written one.
// Writes of one user never overlap, so the last write always reflects the latest state.
func (r *Registry) sync(ctx context.Context, userID int64, s *session) {
	s.persist.Lock()

	r.mu.Lock()
	online := len(s.conns) > 0
	r.mu.Unlock()

	if online != s.connected {
		var at *time.Time
		msg := "persisting connect"
		if !online {
			now := r.now()
			at = &now
			msg = "persisting disconnect"
		}
		if err := r.persister.SetPresence(ctx, userID, online, at); err != nil {
			r.logger.Desugar().Warn(msg,
				append(zapadapter.Fields(ctx), zap.Int64("user_id", userID), zap.Error(err))...)
		}
		s.connected = online
	}

	s.persist.Unlock()

	r.mu.Lock()
	s.pending--
	if s.pending == 0 && len(s.conns) == 0 && r.sessions[userID] == s {
		delete(r.sessions, userID)
	}
	r.mu.Unlock()
}

// Online reports whether the user has at least one connection
func (r *Registry) Online(userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[userID]
	return ok && len(s.conns) > 0
}

// Sessions returns the number of open connections of the user
func (r *Registry) Sessions(userID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[userID]
	if !ok {
		return 0
	}
	return len(s.conns)
}
