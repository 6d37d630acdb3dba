package guard

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tracevault/promptguard-engine/pkg/models"
)

// SessionTracker holds the per-session risk state machine:
// active → flagged → closed. Closed is terminal; requests arriving on a
// closed session are refused before any scanning happens. Flagged sessions
// keep being served so an operator can watch them, but the transition is
// announced exactly once.
type SessionTracker struct {
	mu       sync.Mutex
	sessions map[string]*sessionState

	flagThreshold float64
	onFlag        func(sessionID string, cumulativeRisk float64)

	log *logrus.Entry
}

type sessionState struct {
	status         models.SessionStatus
	cumulativeRisk float64
	requests       int
	blocked        int
	lastSeen       time.Time
}

// SessionInfo is the read-only view served by the admin endpoints.
type SessionInfo struct {
	SessionID      string               `json:"sessionId"`
	Status         models.SessionStatus `json:"status"`
	CumulativeRisk float64              `json:"cumulativeRisk"`
	Requests       int                  `json:"requests"`
	Blocked        int                  `json:"blocked"`
	LastSeen       time.Time            `json:"lastSeen"`
}

// NewSessionTracker builds a tracker that flags sessions once their
// cumulative risk reaches flagThreshold. onFlag may be nil.
func NewSessionTracker(flagThreshold float64, onFlag func(sessionID string, cumulativeRisk float64)) *SessionTracker {
	if flagThreshold <= 0 {
		flagThreshold = 2.0
	}
	return &SessionTracker{
		sessions:      make(map[string]*sessionState),
		flagThreshold: flagThreshold,
		onFlag:        onFlag,
		log:           logrus.WithField("component", "sessions"),
	}
}

// NoteRisk accumulates one verdict's risk onto the session and returns the
// resulting status. Risk accrues for blocked requests too; repeated probing
// is exactly what the flag exists to surface.
func (st *SessionTracker) NoteRisk(sessionID string, risk float64, blocked bool) models.SessionStatus {
	if sessionID == "" {
		return models.SessionActive
	}

	st.mu.Lock()
	s, ok := st.sessions[sessionID]
	if !ok {
		s = &sessionState{status: models.SessionActive}
		st.sessions[sessionID] = s
	}
	if s.status == models.SessionClosed {
		st.mu.Unlock()
		return models.SessionClosed
	}

	s.requests++
	if blocked {
		s.blocked++
	}
	s.cumulativeRisk += risk
	s.lastSeen = time.Now()

	flaggedNow := false
	if s.status == models.SessionActive && s.cumulativeRisk >= st.flagThreshold {
		s.status = models.SessionFlagged
		flaggedNow = true
	}
	status := s.status
	cumulative := s.cumulativeRisk
	st.mu.Unlock()

	if flaggedNow {
		st.log.WithFields(logrus.Fields{
			"session":         sessionID,
			"cumulative_risk": cumulative,
		}).Warn("Session flagged for accumulated risk")
		if st.onFlag != nil {
			st.onFlag(sessionID, cumulative)
		}
	}
	return status
}

// Status reports the session's current state. Unknown sessions are active.
func (st *SessionTracker) Status(sessionID string) models.SessionStatus {
	if sessionID == "" {
		return models.SessionActive
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.sessions[sessionID]; ok {
		return s.status
	}
	return models.SessionActive
}

// Close moves a session into the terminal closed state. Closing an unknown
// session records it so the refusal survives tracker restarts within the
// process lifetime.
func (st *SessionTracker) Close(sessionID string) {
	if sessionID == "" {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[sessionID]
	if !ok {
		s = &sessionState{}
		st.sessions[sessionID] = s
	}
	s.status = models.SessionClosed
	s.lastSeen = time.Now()
}

// Snapshot returns the session's current counters.
func (st *SessionTracker) Snapshot(sessionID string) (SessionInfo, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[sessionID]
	if !ok {
		return SessionInfo{}, false
	}
	return st.infoLocked(sessionID, s), true
}

// Flagged lists every session currently in the flagged state.
func (st *SessionTracker) Flagged() []SessionInfo {
	st.mu.Lock()
	defer st.mu.Unlock()
	var out []SessionInfo
	for id, s := range st.sessions {
		if s.status == models.SessionFlagged {
			out = append(out, st.infoLocked(id, s))
		}
	}
	return out
}

// TrackedCount reports how many sessions the tracker currently holds.
func (st *SessionTracker) TrackedCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

func (st *SessionTracker) infoLocked(id string, s *sessionState) SessionInfo {
	return SessionInfo{
		SessionID:      id,
		Status:         s.status,
		CumulativeRisk: s.cumulativeRisk,
		Requests:       s.requests,
		Blocked:        s.blocked,
		LastSeen:       s.lastSeen,
	}
}

const sessionIdleLimit = 24 * time.Hour

// Run sweeps idle sessions until the context is cancelled. State is
// process-local, so the sweep only bounds memory, not audit history; the
// provenance chain is the durable record.
func (st *SessionTracker) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := st.sweep(sessionIdleLimit); removed > 0 {
				st.log.Debugf("Swept %d idle session(s)", removed)
			}
		}
	}
}

func (st *SessionTracker) sweep(idle time.Duration) int {
	cutoff := time.Now().Add(-idle)
	st.mu.Lock()
	defer st.mu.Unlock()
	removed := 0
	for id, s := range st.sessions {
		if s.lastSeen.Before(cutoff) {
			delete(st.sessions, id)
			removed++
		}
	}
	return removed
}
