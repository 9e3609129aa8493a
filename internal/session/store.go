package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/rawblock/mpc-swap-node/internal/mpc"
)

// Status is the lifecycle phase of an MPC session.
type Status string

const (
	StatusInitializing   Status = "initializing"
	StatusSharing        Status = "sharing"
	StatusComputing      Status = "computing"
	StatusReconstructing Status = "reconstructing"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
)

var (
	ErrNotFound    = errors.New("session: not found")
	ErrShareExists = errors.New("session: share already stored for this name")
	ErrNoShare     = errors.New("session: no share stored under this name")
)

// Session is one MPC execution for a single intent. Shares are write-once
// per variable name; a second write is rejected so a replayed
// SHARE_DISTRIBUTION can never overwrite collected state.
type Session struct {
	ID        string
	IntentID  string
	Parties   []int
	MyPartyID int

	mu        sync.Mutex
	status    Status
	shares    map[string]mpc.View
	startTime time.Time
	endTime   time.Time
}

// Status returns the session's current phase.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// StartTime returns when the session was created.
func (s *Session) StartTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startTime
}

// EndTime returns when the session reached a terminal status, or the zero
// time if it has not.
func (s *Session) EndTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endTime
}

// PutShare stores a named view exactly once.
func (s *Session) PutShare(name string, v mpc.View) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.shares[name]; ok {
		return fmt.Errorf("%w: %q", ErrShareExists, name)
	}
	s.shares[name] = v.Clone()
	return nil
}

// GetShare returns a copy of the named view.
func (s *Session) GetShare(name string) (mpc.View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.shares[name]
	if !ok {
		return mpc.View{}, fmt.Errorf("%w: %q", ErrNoShare, name)
	}
	return v.Clone(), nil
}

// ShareNames lists the stored variable names, for the operator API.
func (s *Session) ShareNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.shares))
	for name := range s.shares {
		names = append(names, name)
	}
	return names
}

// Store holds every live session, keyed by session ID. Access to a single
// session is serialised by the session's own lock; the store lock only
// guards the index.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// Create registers a new session for the intent. The session ID is the
// intent ID plus a dash and 8 random hex nibbles, so a retried intent always
// gets a distinct session.
func (st *Store) Create(intentID string, parties []int, myPartyID int) (*Session, error) {
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return nil, fmt.Errorf("session: generating id suffix: %w", err)
	}
	s := &Session{
		ID:        intentID + "-" + hex.EncodeToString(suffix),
		IntentID:  intentID,
		Parties:   append([]int(nil), parties...),
		MyPartyID: myPartyID,
		status:    StatusInitializing,
		shares:    make(map[string]mpc.View),
		startTime: time.Now(),
	}

	st.mu.Lock()
	st.sessions[s.ID] = s
	st.mu.Unlock()
	return s, nil
}

// GetBySessionID looks a session up by its full ID.
func (st *Store) GetBySessionID(id string) (*Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// GetByIntentID returns the first session found for the intent. Retried
// intents can briefly have more than one; callers that care should use the
// full session ID.
func (st *Store) GetByIntentID(intentID string) (*Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	for _, s := range st.sessions {
		if s.IntentID == intentID {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: intent %s", ErrNotFound, intentID)
}

// UpdateStatus moves a session to a new phase. Terminal statuses stamp the
// end time used by the garbage collector.
func (st *Store) UpdateStatus(id string, status Status) error {
	s, err := st.GetBySessionID(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.status = status
	if status == StatusCompleted || status == StatusFailed {
		s.endTime = time.Now()
	}
	s.mu.Unlock()
	return nil
}

// Delete removes a session immediately.
func (st *Store) Delete(id string) {
	st.mu.Lock()
	delete(st.sessions, id)
	st.mu.Unlock()
}

// List snapshots all sessions, for the operator API.
func (st *Store) List() []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	return out
}

// GC removes completed or failed sessions whose end time is older than
// maxAge, and returns how many were dropped.
func (st *Store) GC(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	st.mu.Lock()
	defer st.mu.Unlock()
	removed := 0
	for id, s := range st.sessions {
		s.mu.Lock()
		expired := (s.status == StatusCompleted || s.status == StatusFailed) &&
			!s.endTime.IsZero() && s.endTime.Before(cutoff)
		s.mu.Unlock()
		if expired {
			delete(st.sessions, id)
			removed++
		}
	}
	return removed
}

// RunGC sweeps expired sessions on the given interval until the done channel
// closes. Sessions live at least maxAge past completion so late messages can
// still be correlated.
func (st *Store) RunGC(done <-chan struct{}, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if n := st.GC(maxAge); n > 0 {
				log.Printf("[SessionStore] GC removed %d expired sessions", n)
			}
		}
	}
}
