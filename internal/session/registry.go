package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Factory builds a new session for the given identifier.
type Factory func(id string) *Session

// Registry tracks the live sessions served by the process, one per page load.
// Sessions nobody has looked up for longer than the idle timeout are torn
// down by RunReaper.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry
	factory  Factory
	logger   *zap.Logger
	now      func() time.Time
}

type entry struct {
	session  *Session
	lastSeen time.Time
}

// NewRegistry constructs an empty registry.
func NewRegistry(factory Factory, logger *zap.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*entry),
		factory:  factory,
		logger:   logger.Named("session_registry"),
		now:      time.Now,
	}
}

// Create starts a new session with a fresh identifier.
func (r *Registry) Create() *Session {
	id := uuid.NewString()
	s := r.factory(id)

	r.mu.Lock()
	r.sessions[id] = &entry{session: s, lastSeen: r.now()}
	r.mu.Unlock()

	r.logger.Info("session created", zap.String("session_id", id))
	return s
}

// Get returns the live session with the given identifier and marks it as
// recently used.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	e.lastSeen = r.now()
	return e.session, true
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close tears down and forgets a session. Unknown identifiers are a no-op.
func (r *Registry) Close(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return e.session.Close(ctx)
}

// ExpireIdle tears down every session unused for longer than idle and
// returns how many were closed.
func (r *Registry) ExpireIdle(ctx context.Context, idle time.Duration) int {
	cutoff := r.now().Add(-idle)

	r.mu.Lock()
	var expired []*Session
	for id, e := range r.sessions {
		if e.lastSeen.Before(cutoff) {
			expired = append(expired, e.session)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range expired {
		if err := s.Close(ctx); err != nil {
			r.logger.Warn("failed to close idle session", zap.String("session_id", s.ID()), zap.Error(err))
		}
	}
	if len(expired) > 0 {
		r.logger.Info("idle sessions expired", zap.Int("count", len(expired)), zap.Duration("idle", idle))
	}
	return len(expired)
}

// RunReaper expires idle sessions every interval until ctx is done.
func (r *Registry) RunReaper(ctx context.Context, idle, interval time.Duration) {
	if interval <= 0 {
		interval = idle
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			closeCtx, cancel := context.WithTimeout(ctx, teardownTimeout)
			r.ExpireIdle(closeCtx, idle)
			cancel()
		}
	}
}

// CloseAll tears down every live session.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*entry)
	r.mu.Unlock()

	var errs []error
	for id, e := range sessions {
		if err := e.session.Close(ctx); err != nil {
			r.logger.Warn("failed to close session", zap.String("session_id", id), zap.Error(err))
			errs = append(errs, err)
		}
	}
	if len(sessions) > 0 {
		r.logger.Info("sessions closed", zap.Int("count", len(sessions)))
	}
	return errors.Join(errs...)
}
