package realtime

import (
	"sort"
	"sync"
)

// Registry maps live sessions to the players that own them. A player may hold
// any number of concurrent sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	players  map[string]map[string]*Session
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		players:  make(map[string]map[string]*Session),
	}
}

// Register records session under its player. It reports whether this is the
// player's first live session, the moment the player comes online.
// Registering the same session twice is a no-op.
func (r *Registry) Register(session *Session) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[session.ID]; exists {
		return false
	}
	r.sessions[session.ID] = session
	owned := r.players[session.PlayerID]
	if owned == nil {
		owned = make(map[string]*Session)
		r.players[session.PlayerID] = owned
	}
	owned[session.ID] = session
	return len(owned) == 1
}

// Unregister removes the session from both indices and reports the owning
// player and whether that was the player's last session. Unknown ids return
// ok == false.
func (r *Registry) Unregister(sessionID string) (playerID string, last bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, exists := r.sessions[sessionID]
	if !exists {
		return "", false, false
	}
	delete(r.sessions, sessionID)
	playerID = session.PlayerID
	owned := r.players[playerID]
	delete(owned, sessionID)
	if len(owned) == 0 {
		delete(r.players, playerID)
		last = true
	}
	return playerID, last, true
}

// SessionsFor returns the player's live sessions ordered by connection time.
func (r *Registry) SessionsFor(playerID string) []*Session {
	r.mu.RLock()
	owned := make([]*Session, 0, len(r.players[playerID]))
	for _, session := range r.players[playerID] {
		owned = append(owned, session)
	}
	r.mu.RUnlock()
	sortSessions(owned)
	return owned
}

// PlayerFor resolves the player owning sessionID.
func (r *Registry) PlayerFor(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[sessionID]
	if !ok {
		return "", false
	}
	return session.PlayerID, true
}

// Session returns the live session with the given id.
func (r *Registry) Session(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[sessionID]
	return session, ok
}

// Contains reports whether sessionID is still registered.
func (r *Registry) Contains(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[sessionID]
	return ok
}

// IsOnline reports whether the player holds at least one live session.
func (r *Registry) IsOnline(playerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.players[playerID]) > 0
}

// All returns every live session.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		all = append(all, session)
	}
	r.mu.RUnlock()
	sortSessions(all)
	return all
}

// OnlinePlayers returns the sorted ids of players with a live session.
func (r *Registry) OnlinePlayers() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.players))
	for id := range r.players {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func sortSessions(sessions []*Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].ConnectedAt.Equal(sessions[j].ConnectedAt) {
			return sessions[i].ConnectedAt.Before(sessions[j].ConnectedAt)
		}
		return sessions[i].ID < sessions[j].ID
	})
}
