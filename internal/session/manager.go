package session

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veilpay/brain/internal/config"
)

// ErrNotFound is returned for unknown or already-evicted sessions.
var ErrNotFound = errors.New("session not found")

// entry pairs a session with its own lock so distinct sessions never contend.
// user points at the shared per-user state, which carries its own lock: that
// state is reachable from every session the user owns, so the session lock
// cannot guard it. Lock order is always m.mu, then entry.mu, then userEntry.mu.
type entry struct {
	mu   sync.Mutex
	ctx  *Context
	user *userEntry
}

// userEntry is the live per-user state plus the lock serializing its mutation
// across the user's sessions.
type userEntry struct {
	mu    sync.Mutex
	state *UserState
}

// Manager owns every live session and all per-user state.
type Manager struct {
	cfg        config.SessionConfig
	summarizer Summarizer
	privacy    *noiser
	logger     *log.Logger

	mu       sync.RWMutex
	sessions map[string]*entry
	users    map[string]*userEntry

	// OnEvict, when set, is called (outside locks) with each evicted
	// session id so owners of per-session resources can cancel them.
	OnEvict func(sessionID string)
}

// NewManager creates a session manager. summarizer may be nil, in which case
// the lightweight action-concatenating summarizer is used.
func NewManager(cfg config.SessionConfig, privacy config.PrivacyConfig, summarizer Summarizer) *Manager {
	if summarizer == nil {
		summarizer = LightweightSummarizer{}
	}
	m := &Manager{
		cfg:        cfg,
		summarizer: summarizer,
		logger:     log.New(log.Writer(), "[SESSION] ", log.LstdFlags),
		sessions:   make(map[string]*entry),
		users:      make(map[string]*userEntry),
	}
	if privacy.Enabled {
		m.privacy = newNoiser(privacy.Epsilon)
	}
	return m
}

// GetOrCreate returns the session's snapshot, creating the session if absent.
func (m *Manager) GetOrCreate(sessionID, userID string) Snapshot {
	e := m.ensure(sessionID, userID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshotLocked(e)
}

func (m *Manager) ensure(sessionID, userID string) *entry {
	m.mu.RLock()
	e, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if ok {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok = m.sessions[sessionID]; ok {
		return e
	}

	ue, ok := m.users[userID]
	if !ok {
		ue = &userEntry{state: newUserState(userID)}
		m.users[userID] = ue
	}

	now := time.Now()
	e = &entry{
		ctx: &Context{
			SessionID:               sessionID,
			UserID:                  userID,
			CreatedAt:               now,
			LastActivityAt:          now,
			ExpiresAt:               now.Add(m.cfg.TTL),
			ActiveIntentIDs:         make(map[string]struct{}),
			PendingClarificationIDs: make(map[string]struct{}),
		},
		user: ue,
	}
	m.sessions[sessionID] = e
	return e
}

// AppendTurn adds a turn, refreshes the TTL and runs summarization when the
// history outgrows the configured bound.
func (m *Manager) AppendTurn(sessionID string, turn Turn) error {
	m.mu.RLock()
	e, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if turn.ID == "" {
		turn.ID = uuid.New().String()
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}

	c := e.ctx
	c.History = append(c.History, turn)
	c.LastActivityAt = time.Now()
	c.ExpiresAt = c.LastActivityAt.Add(m.cfg.TTL)

	if turn.Intent != nil {
		e.user.mu.Lock()
		e.user.state.RecordAction(turn.Intent.Action)
		e.user.mu.Unlock()
		c.ActiveIntentIDs[turn.Intent.ID] = struct{}{}
	}

	if len(c.History) > m.cfg.MaxTurns {
		m.summarizeLocked(c)
	}
	return nil
}

// summarizeLocked folds the oldest turns into a single system summary turn.
// A leading system summary from an earlier pass is folded into the new one,
// so repeated summarization never stacks summary turns.
func (m *Manager) summarizeLocked(c *Context) {
	n := m.cfg.SummarizeThreshold
	if n <= 0 || n > len(c.History) {
		n = len(c.History) / 2
	}
	victims := c.History[:n]

	content, err := m.summarizer.Summarize(victims)
	if err != nil {
		// Degraded summary beats losing the turns silently.
		m.logger.Printf("summarizer failed for session %s: %v", c.SessionID, err)
		content = (LightweightSummarizer{}).mustSummarize(victims)
	}

	summary := Turn{
		ID:        uuid.New().String(),
		Role:      RoleSystem,
		Content:   content,
		Timestamp: time.Now(),
	}
	rest := make([]Turn, 0, len(c.History)-n+1)
	rest = append(rest, summary)
	rest = append(rest, c.History[n:]...)
	c.History = rest
}

// Snapshot returns an immutable copy of the session.
func (m *Manager) Snapshot(sessionID string) (Snapshot, error) {
	m.mu.RLock()
	e, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshotLocked(e), nil
}

// snapshotLocked copies the session; the caller holds e.mu.
func snapshotLocked(e *entry) Snapshot {
	c := e.ctx
	history := make([]Turn, len(c.History))
	copy(history, c.History)

	e.user.mu.Lock()
	state := *e.user.state.clone()
	e.user.mu.Unlock()

	return Snapshot{
		SessionID:      c.SessionID,
		UserID:         c.UserID,
		CreatedAt:      c.CreatedAt,
		LastActivityAt: c.LastActivityAt,
		ExpiresAt:      c.ExpiresAt,
		History:        history,
		State:          state,
	}
}

// MarkClarificationPending registers an open clarification for an intent.
// A session holds at most one open clarification per intent.
func (m *Manager) MarkClarificationPending(sessionID, intentID string) error {
	m.mu.RLock()
	e, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ctx.PendingClarificationIDs[intentID] = struct{}{}
	return nil
}

// ResolveClarification clears a pending clarification.
func (m *Manager) ResolveClarification(sessionID, intentID string) {
	m.mu.RLock()
	e, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.ctx.PendingClarificationIDs, intentID)
}

// Clear removes one session. User state is untouched.
func (m *Manager) Clear(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

// UserState returns a copy of a user's state, which survives session
// eviction while PersistUserState is on.
func (m *Manager) UserState(userID string) (UserState, bool) {
	m.mu.RLock()
	ue, ok := m.users[userID]
	m.mu.RUnlock()
	if !ok {
		return UserState{}, false
	}
	ue.mu.Lock()
	defer ue.mu.Unlock()
	return *ue.state.clone(), true
}

// UpdateUserState applies fn to the user's live state under its lock.
func (m *Manager) UpdateUserState(userID string, fn func(*UserState)) {
	m.mu.Lock()
	ue, ok := m.users[userID]
	if !ok {
		ue = &userEntry{state: newUserState(userID)}
		m.users[userID] = ue
	}
	m.mu.Unlock()

	ue.mu.Lock()
	fn(ue.state)
	ue.mu.Unlock()
}

// RecentTargets returns the user's recent merchants for clarification options.
func (m *Manager) RecentTargets(userID string) []string {
	s, ok := m.UserState(userID)
	if !ok {
		return nil
	}
	return s.RecentMerchants
}

// ActionFrequencies exposes aggregated action counts. With privacy enabled
// the counts carry calibrated Laplace noise; raw history is never touched.
func (m *Manager) ActionFrequencies(userID string) map[string]float64 {
	s, ok := m.UserState(userID)
	if !ok {
		return nil
	}
	out := make(map[string]float64, len(s.ActionCounts))
	for action, count := range s.ActionCounts {
		v := float64(count)
		if m.privacy != nil {
			v = m.privacy.add(v)
			if v < 0 {
				v = 0
			}
		}
		out[action] = v
	}
	return out
}

// Sweep evicts expired sessions and enforces the soft session cap (LRU by
// last activity). Returns the number of sessions removed.
func (m *Manager) Sweep() int {
	now := time.Now()
	var evicted []string

	m.mu.Lock()
	for id, e := range m.sessions {
		e.mu.Lock()
		expired := now.After(e.ctx.ExpiresAt)
		e.mu.Unlock()
		if expired {
			evicted = append(evicted, id)
			delete(m.sessions, id)
		}
	}
	if m.cfg.MaxSessions > 0 && len(m.sessions) > m.cfg.MaxSessions {
		type aged struct {
			id   string
			last time.Time
		}
		all := make([]aged, 0, len(m.sessions))
		for id, e := range m.sessions {
			e.mu.Lock()
			all = append(all, aged{id, e.ctx.LastActivityAt})
			e.mu.Unlock()
		}
		sort.Slice(all, func(i, j int) bool { return all[i].last.Before(all[j].last) })
		for _, a := range all[:len(m.sessions)-m.cfg.MaxSessions] {
			evicted = append(evicted, a.id)
			delete(m.sessions, a.id)
		}
	}
	if !m.cfg.PersistUserState {
		// Drop user state for users with no remaining sessions.
		live := make(map[string]struct{}, len(m.sessions))
		for _, e := range m.sessions {
			live[e.ctx.UserID] = struct{}{}
		}
		for uid := range m.users {
			if _, ok := live[uid]; !ok {
				delete(m.users, uid)
			}
		}
	}
	m.mu.Unlock()

	if m.OnEvict != nil {
		for _, id := range evicted {
			m.OnEvict(id)
		}
	}
	if len(evicted) > 0 {
		m.logger.Printf("swept %d expired sessions", len(evicted))
	}
	return len(evicted)
}

// StartSweeper runs Sweep on the configured interval until ctx is done.
func (m *Manager) StartSweeper(ctx context.Context) {
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.Sweep()
			}
		}
	}()
}

// SessionCount returns the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
