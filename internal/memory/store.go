// Package memory keeps a bounded, per-session conversation log in process memory.
package memory

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrEmptySessionID = errors.New("session id is empty")
	ErrInvalidRole    = errors.New("invalid conversation role")
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Turn is one message in a session's history.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

const DefaultMaxTurns = 10

// Store maps session ids to sliding-window histories. Sessions are created on
// first use and live until cleared or process exit. Distinct sessions never
// contend on the same lock; work on one session is serialised through Acquire.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*session
	maxTurns int
}

type session struct {
	mu      sync.Mutex
	turns   []Turn
	created time.Time
	removed atomic.Bool
}

func NewStore(maxTurns int) *Store {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &Store{
		sessions: make(map[string]*session),
		maxTurns: maxTurns,
	}
}

func (s *Store) MaxTurns() int { return s.maxTurns }

// Acquire locks the session for exclusive use, creating it if needed. The
// caller must Release the handle. A session that is still empty on release is
// dropped again.
func (s *Store) Acquire(sessionID string) (*Handle, error) {
	if sessionID == "" {
		return nil, ErrEmptySessionID
	}
	for {
		s.mu.Lock()
		sess, ok := s.sessions[sessionID]
		if !ok {
			sess = &session{created: time.Now().UTC()}
			s.sessions[sessionID] = sess
		}
		s.mu.Unlock()

		sess.mu.Lock()
		if sess.removed.Load() {
			// Cleared while we waited; start over with a fresh entry.
			sess.mu.Unlock()
			continue
		}
		return &Handle{store: s, id: sessionID, sess: sess}, nil
	}
}

// AddMessage appends one turn, evicting the oldest turns beyond the window.
func (s *Store) AddMessage(sessionID string, role Role, content string) error {
	h, err := s.Acquire(sessionID)
	if err != nil {
		return err
	}
	defer h.Release()
	return h.Append(Turn{Role: role, Content: content})
}

// History returns the session's turns oldest first; unknown sessions yield an empty slice.
func (s *Store) History(sessionID string) []Turn {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return []Turn{}
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return cloneTurns(sess.turns)
}

// Clear removes the session and reports whether it existed.
func (s *Store) Clear(sessionID string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()
	if ok {
		sess.removed.Store(true)
	}
	return ok
}

func (s *Store) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Handle is exclusive access to one session between Acquire and Release.
type Handle struct {
	store    *Store
	id       string
	sess     *session
	released bool
}

func (h *Handle) SessionID() string { return h.id }

func (h *Handle) Created() time.Time { return h.sess.created }

func (h *Handle) History() []Turn {
	return cloneTurns(h.sess.turns)
}

// Append adds turns atomically: either all are recorded or, on an invalid
// role, none are.
func (h *Handle) Append(turns ...Turn) error {
	if h.released {
		return fmt.Errorf("append to released session %q", h.id)
	}
	for _, t := range turns {
		if !t.Role.Valid() {
			return fmt.Errorf("%w: %q", ErrInvalidRole, t.Role)
		}
	}
	next := append(h.sess.turns, turns...)
	if over := len(next) - h.store.maxTurns; over > 0 {
		next = append([]Turn(nil), next[over:]...)
	}
	h.sess.turns = next
	return nil
}

// Release unlocks the session. Calling it more than once is a no-op.
func (h *Handle) Release() {
	if h.released {
		return
	}
	h.released = true
	if len(h.sess.turns) == 0 && !h.sess.removed.Load() {
		h.store.mu.Lock()
		if h.store.sessions[h.id] == h.sess {
			delete(h.store.sessions, h.id)
		}
		h.store.mu.Unlock()
		h.sess.removed.Store(true)
	}
	h.sess.mu.Unlock()
}

func cloneTurns(in []Turn) []Turn {
	out := make([]Turn, len(in))
	copy(out, in)
	return out
}
