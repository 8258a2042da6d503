package playback

import "sync"

// SessionStore is the process-wide registry of guild sessions: one
// session per guild, created lazily by the first caller, shared by every
// caller after that.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	factory  func(guildID string) *Session
}

func NewSessionStore(factory func(guildID string) *Session) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*Session),
		factory:  factory,
	}
}

func (st *SessionStore) GetOrCreate(guildID string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.sessions[guildID]; ok {
		return s
	}
	s := st.factory(guildID)
	st.sessions[guildID] = s
	return s
}

// Peek returns the session for a guild without creating one.
func (st *SessionStore) Peek(guildID string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.sessions[guildID]
}

func (st *SessionStore) All() []*Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	return out
}
