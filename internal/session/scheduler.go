package session

import (
	"strings"
	"time"

	"github.com/confidant-bot/confidant/internal/domain"
)

// Pending is the cancellation handle of one scheduled flush. A handle is
// either cancelled before it fires or fires exactly once; never both.
type Pending struct {
	m         *Manager
	key       domain.SessionKey
	timer     *time.Timer
	cancelled bool
	fired     bool
}

// Cancel prevents the flush from running. It reports false when the flush
// already fired or was cancelled before.
func (p *Pending) Cancel() bool {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()

	if p.fired || p.cancelled {
		return false
	}
	p.cancelLocked()
	if p.m.pending[p.key] == p {
		delete(p.m.pending, p.key)
	}
	return true
}

// Cancelled reports whether the handle was cancelled.
func (p *Pending) Cancelled() bool {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	return p.cancelled
}

func (p *Pending) cancelLocked() {
	if p.cancelled {
		return
	}
	p.cancelled = true
	if p.timer != nil && p.timer.Stop() {
		p.m.flushes.Done()
	}
}

// Append buffers one message fragment for the listening session at key.
// Whitespace is collapsed, the fragment is truncated, and the oldest
// fragments are dropped once the buffer is full. It returns false when no
// session exists.
func (m *Manager) Append(key domain.SessionKey, text string) bool {
	fragment := normalizeFragment(text, m.maxFragment)

	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.listeningLocked(key)
	if s == nil {
		return false
	}
	now := m.now()
	s.LastActivityAt = now
	if fragment == "" {
		return true
	}
	if len(s.Buffer) == 0 {
		s.BufferStartedAt = now
	}
	s.Buffer = append(s.Buffer, fragment)
	if over := len(s.Buffer) - m.maxBuffered; over > 0 {
		s.Buffer = append([]string(nil), s.Buffer[over:]...)
	}
	return true
}

// DrainBuffer takes and clears the buffered fragments for key.
func (m *Manager) DrainBuffer(key domain.SessionKey) ([]string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.listeningLocked(key)
	if s == nil {
		return nil, false
	}
	buf := s.Buffer
	s.Buffer = nil
	s.BufferStartedAt = time.Time{}
	return buf, true
}

// CaptureCrisis takes a crisis message in arrival order: the pending flush is
// cancelled, the buffer is drained and text is appended as the last fragment,
// all in one critical section. It returns the merged turn and the id of the
// session it belongs to; ok is false when key has no listening session.
func (m *Manager) CaptureCrisis(key domain.SessionKey, text string) (merged, id string, ok bool) {
	fragment := normalizeFragment(text, m.maxFragment)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelPendingLocked(key)
	s := m.listeningLocked(key)
	if s == nil {
		return fragment, "", false
	}
	fragments := s.Buffer
	if fragment != "" {
		fragments = append(fragments, fragment)
	}
	s.Buffer = nil
	s.BufferStartedAt = time.Time{}
	s.LastActivityAt = m.now()
	return strings.Join(fragments, "\n"), s.ID, true
}

// Schedule arms fn to run after delay, superseding any flush already pending
// for key. Once fn starts it is detached from key, so a later Schedule or
// CancelPending cannot interrupt a flush that is already running.
func (m *Manager) Schedule(key domain.SessionKey, delay time.Duration, fn func()) *Pending {
	p := &Pending{m: m, key: key}

	m.mu.Lock()
	defer m.mu.Unlock()

	if prev := m.pending[key]; prev != nil {
		prev.cancelLocked()
	}
	m.pending[key] = p
	m.flushes.Add(1)
	p.timer = time.AfterFunc(delay, func() {
		defer m.flushes.Done()

		m.mu.Lock()
		if p.cancelled {
			m.mu.Unlock()
			return
		}
		p.fired = true
		if m.pending[key] == p {
			delete(m.pending, key)
		}
		m.mu.Unlock()

		fn()
	})
	return p
}

// CancelPending cancels the pending flush for key without touching the
// buffer. It reports whether a flush was pending.
func (m *Manager) CancelPending(key domain.SessionKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelPendingLocked(key)
}

// CancelAllPending cancels every armed flush. Buffers are left as they are.
func (m *Manager) CancelAllPending() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for key := range m.pending {
		if m.cancelPendingLocked(key) {
			n++
		}
	}
	return n
}

// WaitFlushes blocks until every flush callback that has fired has returned
// and no armed timer is left.
func (m *Manager) WaitFlushes() {
	m.flushes.Wait()
}

// HasPending reports whether a flush is armed for key.
func (m *Manager) HasPending(key domain.SessionKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[key]
	return ok
}

func (m *Manager) cancelPendingLocked(key domain.SessionKey) bool {
	p, ok := m.pending[key]
	if !ok {
		return false
	}
	p.cancelLocked()
	delete(m.pending, key)
	return true
}

func normalizeFragment(text string, maxRunes int) string {
	fragment := strings.Join(strings.Fields(text), " ")
	if r := []rune(fragment); maxRunes > 0 && len(r) > maxRunes {
		fragment = string(r[:maxRunes])
	}
	return fragment
}
