// Package session tracks active sessions, per-session concurrency quotas, and
// bounded query history.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corraldb/corral/pkg/errors"
	"github.com/corraldb/corral/pkg/models"
)

// Tracker manages session registration, in-flight query quotas, and per-session
// history rings. Each session carries its own lock so unrelated sessions never
// contend.
type Tracker struct {
	mu       sync.RWMutex
	sessions map[string]*state

	maxConcurrent int
	historySize   int
	clock         func() time.Time
}

type state struct {
	mu       sync.Mutex
	session  models.Session
	inFlight int

	// history is a fixed-capacity ring; next is the slot for the next append.
	history []models.QueryHistoryRecord
	next    int
	filled  bool
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the tracker's time source.
func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) { t.clock = clock }
}

// NewTracker creates a session tracker. maxConcurrent bounds in-flight queries
// per session; historySize bounds the per-session history ring.
func NewTracker(maxConcurrent, historySize int, opts ...Option) *Tracker {
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	if historySize <= 0 {
		historySize = 100
	}
	t := &Tracker{
		sessions:      make(map[string]*state),
		maxConcurrent: maxConcurrent,
		historySize:   historySize,
		clock:         time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register adds a session to the tracker. A zero ID is assigned a fresh UUID.
// Registering an existing ID refreshes the stored session and keeps counters.
func (t *Tracker) Register(session models.Session) models.Session {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.sessions[session.ID]; ok {
		existing.mu.Lock()
		existing.session = session
		existing.mu.Unlock()
		return session
	}
	t.sessions[session.ID] = &state{
		session: session,
		history: make([]models.QueryHistoryRecord, t.historySize),
	}
	return session
}

// Lookup returns the session for the given ID.
func (t *Tracker) Lookup(id string) (models.Session, error) {
	st, err := t.get(id)
	if err != nil {
		return models.Session{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.session, nil
}

// Remove destroys a session. Removing an unknown ID is a no-op.
func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, id)
}

// Extend pushes the session expiry to the given instant if it is later than
// the current one.
func (t *Tracker) Extend(id string, expiresAt time.Time) error {
	st, err := t.get(id)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if expiresAt.After(st.session.ExpiresAt) {
		st.session.ExpiresAt = expiresAt
	}
	return nil
}

// TryEnter acquires an in-flight permit for the session. It fails fast with
// TooManyConcurrent when the cap is reached; callers must Release the permit
// on every path.
func (t *Tracker) TryEnter(id string) (*Permit, error) {
	st, err := t.get(id)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.session.Expired(t.clock()) {
		return nil, errors.ErrSessionExpired
	}
	if st.inFlight >= t.maxConcurrent {
		return nil, errors.ErrTooManyConcurrent
	}
	st.inFlight++
	return &Permit{state: st}, nil
}

// RecordHistory appends a record to the session's history ring, evicting the
// oldest entry on overflow. Unknown sessions are ignored; history is advisory
// and must never fail an execution.
func (t *Tracker) RecordHistory(id string, record models.QueryHistoryRecord) {
	st, err := t.get(id)
	if err != nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	st.history[st.next] = record
	st.next = (st.next + 1) % len(st.history)
	if st.next == 0 {
		st.filled = true
	}
}

// History returns up to limit records, most recent first.
func (t *Tracker) History(id string, limit int) ([]models.QueryHistoryRecord, error) {
	st, err := t.get(id)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	size := st.next
	if st.filled {
		size = len(st.history)
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	records := make([]models.QueryHistoryRecord, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (st.next - i + len(st.history)) % len(st.history)
		records = append(records, st.history[idx])
	}
	return records, nil
}

// InFlight returns the session's current in-flight query count.
func (t *Tracker) InFlight(id string) int {
	st, err := t.get(id)
	if err != nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.inFlight
}

// ActiveCount returns the number of unexpired sessions.
func (t *Tracker) ActiveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.clock()
	count := 0
	for _, st := range t.sessions {
		st.mu.Lock()
		if !st.session.Expired(now) {
			count++
		}
		st.mu.Unlock()
	}
	return count
}

// ExpireStale removes sessions past their expiry and returns how many were
// removed.
func (t *Tracker) ExpireStale() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock()
	removed := 0
	for id, st := range t.sessions {
		st.mu.Lock()
		expired := st.session.Expired(now) && st.inFlight == 0
		st.mu.Unlock()
		if expired {
			delete(t.sessions, id)
			removed++
		}
	}
	return removed
}

func (t *Tracker) get(id string) (*state, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.sessions[id]
	if !ok {
		return nil, errors.ErrSessionNotFound
	}
	return st, nil
}

// Permit represents one granted slot of a session's concurrency quota.
// Release is idempotent; the slot is returned exactly once.
type Permit struct {
	state *state
	once  sync.Once
}

// Release returns the permit's slot.
func (p *Permit) Release() {
	p.once.Do(func() {
		p.state.mu.Lock()
		p.state.inFlight--
		p.state.mu.Unlock()
	})
}
