// Package session owns all in-memory conversation state: listening and
// argument sessions, per-key turn locks and pending debounce flushes.
package session

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/confidant-bot/confidant/internal/domain"
)

// Kind distinguishes the two session types in snapshots.
type Kind string

const (
	KindListening Kind = "listening"
	KindArgument  Kind = "argument"
)

// Info is a read-only summary of one active session.
type Info struct {
	Key            domain.SessionKey `json:"key"`
	Kind           Kind              `json:"kind"`
	ID             string            `json:"id"`
	Phase          domain.Phase      `json:"phase,omitempty"`
	Topic          string            `json:"topic,omitempty"`
	Side           domain.Side       `json:"side,omitempty"`
	Turns          int               `json:"turns"`
	Buffered       int               `json:"buffered"`
	CreatedAt      time.Time         `json:"created_at"`
	LastActivityAt time.Time         `json:"last_activity_at"`
}

// Options configures a Manager. Zero values select the defaults.
type Options struct {
	ListeningTTL time.Duration
	ArgumentTTL  time.Duration
	MaxBuffered  int
	MaxFragment  int
	Now          func() time.Time
	Logger       *slog.Logger
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Manager is the single owner of session state. Map mutation happens under
// mu for short critical sections only; per-key turn locks are separate so
// that a long provider call never blocks unrelated keys or buffer appends.
type Manager struct {
	mu        sync.Mutex
	listening map[domain.SessionKey]*domain.ListeningSession
	arguments map[domain.SessionKey]*domain.ArgumentSession
	locks     map[domain.SessionKey]*keyLock
	pending   map[domain.SessionKey]*Pending
	flushes   sync.WaitGroup

	listeningTTL time.Duration
	argumentTTL  time.Duration
	maxBuffered  int
	maxFragment  int
	now          func() time.Time
	logger       *slog.Logger
}

// NewManager creates an empty session manager.
func NewManager(opts Options) *Manager {
	m := &Manager{
		listening:    make(map[domain.SessionKey]*domain.ListeningSession),
		arguments:    make(map[domain.SessionKey]*domain.ArgumentSession),
		locks:        make(map[domain.SessionKey]*keyLock),
		pending:      make(map[domain.SessionKey]*Pending),
		listeningTTL: opts.ListeningTTL,
		argumentTTL:  opts.ArgumentTTL,
		maxBuffered:  opts.MaxBuffered,
		maxFragment:  opts.MaxFragment,
		now:          opts.Now,
		logger:       opts.Logger,
	}
	if m.listeningTTL <= 0 {
		m.listeningTTL = 1440 * time.Minute
	}
	if m.argumentTTL <= 0 {
		m.argumentTTL = 45 * time.Minute
	}
	if m.maxBuffered <= 0 {
		m.maxBuffered = 25
	}
	if m.maxFragment <= 0 {
		m.maxFragment = 900
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Now returns the manager's clock reading.
func (m *Manager) Now() time.Time {
	return m.now()
}

// Get returns a copy of the listening session for key. A session idle for
// longer than the TTL is removed and reported as absent.
func (m *Manager) Get(key domain.SessionKey) (*domain.ListeningSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.listeningLocked(key)
	if s == nil {
		return nil, false
	}
	return s.Clone(), true
}

// Start creates a fresh listening session for key, replacing any existing
// one and ending any argument session for the same key.
func (m *Manager) Start(key domain.SessionKey) *domain.ListeningSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelPendingLocked(key)
	delete(m.arguments, key)

	s := domain.NewListeningSession(uuid.NewString(), m.now())
	m.listening[key] = s
	m.logger.Info("Listening session started", "channel_id", key.ChannelID, "user_id", key.UserID, "session_id", s.ID)
	return s.Clone()
}

// Stop removes the listening session for key and cancels its pending flush.
// It reports whether a session existed.
func (m *Manager) Stop(key domain.SessionKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelPendingLocked(key)
	s, ok := m.listening[key]
	if !ok {
		return false
	}
	delete(m.listening, key)
	m.logger.Info("Listening session stopped", "channel_id", key.ChannelID, "user_id", key.UserID, "session_id", s.ID, "turns", s.Turns)
	return true
}

// Reset clears the state of an existing listening session in place. The
// session gets a new id so a flush still waiting on its provider call cannot
// write into the cleared session.
func (m *Manager) Reset(key domain.SessionKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.listeningLocked(key)
	if s == nil {
		return false
	}
	m.cancelPendingLocked(key)
	s.Clear(m.now())
	s.ID = uuid.NewString()
	m.logger.Info("Listening session reset", "channel_id", key.ChannelID, "user_id", key.UserID, "session_id", s.ID)
	return true
}

// Update applies fn to the live listening session. When id is non-empty the
// update only happens if the session still has that id, so results computed
// for a session that was stopped or replaced in the meantime are dropped.
// The returned copy reflects the state after fn.
func (m *Manager) Update(key domain.SessionKey, id string, fn func(*domain.ListeningSession)) (*domain.ListeningSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.listeningLocked(key)
	if s == nil || (id != "" && s.ID != id) {
		return nil, false
	}
	fn(s)
	return s.Clone(), true
}

// GetArgument returns a copy of the argument session for key, expiring it
// lazily like Get.
func (m *Manager) GetArgument(key domain.SessionKey) (*domain.ArgumentSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.argumentLocked(key)
	if s == nil {
		return nil, false
	}
	return s.Clone(), true
}

// PutArgument stores a new argument session, ending any listening session
// for the same key.
func (m *Manager) PutArgument(key domain.SessionKey, s *domain.ArgumentSession) *domain.ArgumentSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelPendingLocked(key)
	delete(m.listening, key)

	stored := s.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	now := m.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.LastActivityAt = now
	m.arguments[key] = stored
	m.logger.Info("Argument session started", "channel_id", key.ChannelID, "user_id", key.UserID,
		"session_id", stored.ID, "topic", stored.Topic, "side", stored.Side)
	return stored.Clone()
}

// StopArgument removes the argument session for key.
func (m *Manager) StopArgument(key domain.SessionKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.arguments[key]
	if !ok {
		return false
	}
	delete(m.arguments, key)
	m.logger.Info("Argument session stopped", "channel_id", key.ChannelID, "user_id", key.UserID, "session_id", s.ID, "turns", s.Turns)
	return true
}

// UpdateArgument applies fn to the live argument session with the given id.
func (m *Manager) UpdateArgument(key domain.SessionKey, id string, fn func(*domain.ArgumentSession)) (*domain.ArgumentSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.argumentLocked(key)
	if s == nil || (id != "" && s.ID != id) {
		return nil, false
	}
	fn(s)
	return s.Clone(), true
}

// Lock acquires the turn lock for key and returns its release function.
// Flushes, crisis replies and argument turns for one key run one at a time.
func (m *Manager) Lock(key domain.SessionKey) func() {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()
			m.mu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(m.locks, key)
			}
			m.mu.Unlock()
		})
	}
}

// SweepExpired eagerly removes every idle session. Lazy expiry on lookup
// stays in effect; this only bounds memory for keys nobody touches again.
func (m *Manager) SweepExpired() (listening, arguments int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for key, s := range m.listening {
		if now.Sub(s.LastActivityAt) > m.listeningTTL {
			m.cancelPendingLocked(key)
			delete(m.listening, key)
			listening++
		}
	}
	for key, s := range m.arguments {
		if now.Sub(s.LastActivityAt) > m.argumentTTL {
			delete(m.arguments, key)
			arguments++
		}
	}
	return listening, arguments
}

// Snapshot lists every active, unexpired session ordered by key.
func (m *Manager) Snapshot() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	out := make([]Info, 0, len(m.listening)+len(m.arguments))
	for key, s := range m.listening {
		if now.Sub(s.LastActivityAt) > m.listeningTTL {
			continue
		}
		out = append(out, Info{
			Key: key, Kind: KindListening, ID: s.ID, Phase: s.Phase, Turns: s.Turns,
			Buffered: len(s.Buffer), CreatedAt: s.CreatedAt, LastActivityAt: s.LastActivityAt,
		})
	}
	for key, s := range m.arguments {
		if now.Sub(s.LastActivityAt) > m.argumentTTL {
			continue
		}
		out = append(out, Info{
			Key: key, Kind: KindArgument, ID: s.ID, Topic: s.Topic, Side: s.Side, Turns: s.Turns,
			CreatedAt: s.CreatedAt, LastActivityAt: s.LastActivityAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key, out[j].Key
		if a.ChannelID != b.ChannelID {
			return a.ChannelID < b.ChannelID
		}
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

func (m *Manager) listeningLocked(key domain.SessionKey) *domain.ListeningSession {
	s, ok := m.listening[key]
	if !ok {
		return nil
	}
	if m.now().Sub(s.LastActivityAt) > m.listeningTTL {
		m.cancelPendingLocked(key)
		delete(m.listening, key)
		m.logger.Info("Listening session expired", "channel_id", key.ChannelID, "user_id", key.UserID, "session_id", s.ID)
		return nil
	}
	return s
}

func (m *Manager) argumentLocked(key domain.SessionKey) *domain.ArgumentSession {
	s, ok := m.arguments[key]
	if !ok {
		return nil
	}
	if m.now().Sub(s.LastActivityAt) > m.argumentTTL {
		delete(m.arguments, key)
		m.logger.Info("Argument session expired", "channel_id", key.ChannelID, "user_id", key.UserID, "session_id", s.ID)
		return nil
	}
	return s
}
