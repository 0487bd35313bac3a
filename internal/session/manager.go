package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var (
	ErrNotFound      = errors.New("session not found")
	ErrMissingUserID = errors.New("user_id is required")
	ErrWrongUser     = errors.New("session belongs to another user")
)

// Session scopes conversation-turn visibility. It never scopes facts:
// facts are shared per user across all of that user's sessions.
type Session struct {
	ID             string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	ClientType     string    `json:"client_type"`
	Status         Status    `json:"status"`
	TurnNo         int64     `json:"turn_no"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Manager owns session identity and the session-vs-user boundary.
// Everything downstream receives session_id and user_id as separate
// parameters and must never conflate them.
type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	inactivityTimeout time.Duration
	onExpire          func(*Session)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 30 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		inactivityTimeout: inactivityTimeout,
	}
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Resolve returns the tracked session for sessionID, creating tracking
// state when absent. An empty sessionID mints a fresh identifier from
// the user id, the current timestamp, and a random suffix.
func (m *Manager) Resolve(sessionID, userID, clientType string) (*Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrMissingUserID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if sessionID != "" {
		if s, ok := m.sessions[sessionID]; ok {
			if s.UserID != userID {
				return nil, fmt.Errorf("session %s: %w", sessionID, ErrWrongUser)
			}
			return clone(s), nil
		}
	}

	now := time.Now().UTC()
	s := &Session{
		ID:             sessionID,
		UserID:         userID,
		ClientType:     clientType,
		Status:         StatusActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if s.ID == "" {
		s.ID = GenerateID(userID)
	}
	m.sessions[s.ID] = s
	return clone(s), nil
}

// GenerateID derives a session identifier that is globally unique with
// overwhelming probability: <user>_<yyyymmdd_hhmmss>_<uuid8>.
func GenerateID(userID string) string {
	ts := time.Now().UTC().Format("20060102_150405")
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%s_%s", userID, ts, suffix)
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// NextTurnNo hands out the next monotonic turn number for the session.
func (m *Manager) NextTurnNo(sessionID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return 0, ErrNotFound
	}
	s.TurnNo++
	s.LastActivityAt = time.Now().UTC()
	return s.TurnNo, nil
}

// SeedTurnNo raises the session's turn counter to at least last. Used
// when a caller resumes a session that already has persisted turns.
func (m *Manager) SeedTurnNo(sessionID string, last int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if last > s.TurnNo {
		s.TurnNo = last
	}
	return nil
}

// Close evicts tracking state. Stored turns and facts are untouched.
func (m *Manager) Close(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	s.Status = StatusEnded
	s.LastActivityAt = time.Now().UTC()
	delete(m.sessions, sessionID)
	return clone(s), nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		if s.Status != StatusActive {
			continue
		}
		if now.Sub(s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		s.Status = StatusEnded
		s.LastActivityAt = now
		expired = append(expired, clone(s))
		delete(m.sessions, id)
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
