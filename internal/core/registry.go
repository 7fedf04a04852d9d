package core

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tidemeet/media-server/internal/domain"
	"github.com/tidemeet/media-server/internal/media"
)

// Registry is the process-wide directory of active sessions. It is
// constructed once at startup and injected into the signaling layer; there
// is deliberately no package-level instance.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*Session
	factory  RecorderFactory
}

func NewRegistry(factory RecorderFactory) *Registry {
	return &Registry{
		sessions: make(map[domain.SessionID]*Session),
		factory:  factory,
	}
}

// Create registers a new session. Fails with ErrSessionExists when the id
// is already taken; the check and the insert are one critical section so
// concurrent joins cannot both create.
func (r *Registry) Create(id domain.SessionID, workspaceID domain.WorkspaceID, router media.Router) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return nil, ErrSessionExists
	}
	s := NewSession(id, workspaceID, router, r.factory)
	r.sessions[id] = s
	log.Info().Str("module", "core.registry").Str("session", string(id)).Str("workspace", string(workspaceID)).Msg("session created")
	return s, nil
}

func (r *Registry) Get(id domain.SessionID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// GetOrCreate resolves a session, creating it on first join. The double
// check under the write lock keeps concurrent first-joins from racing.
func (r *Registry) GetOrCreate(id domain.SessionID, workspaceID domain.WorkspaceID, router media.Router) *Session {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok = r.sessions[id]; !ok {
		s = NewSession(id, workspaceID, router, r.factory)
		r.sessions[id] = s
		log.Info().Str("module", "core.registry").Str("session", string(id)).Str("workspace", string(workspaceID)).Msg("session created")
	}
	return s
}

// Delete removes a session once no active participants remain. Lingering
// inactive participants (grace window not yet expired) are closed. Returns
// false, not an error, when the session is still occupied or unknown.
func (r *Registry) Delete(id domain.SessionID) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if s.ActiveParticipantCount() > 0 {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, id)
	r.mu.Unlock()

	for _, p := range s.Participants() {
		p.Close()
	}
	log.Info().Str("module", "core.registry").Str("session", string(id)).Msg("session deleted")
	return true
}

func (r *Registry) ListByWorkspace(workspaceID domain.WorkspaceID) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0)
	for _, s := range r.sessions {
		if s.WorkspaceID == workspaceID {
			out = append(out, s)
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
