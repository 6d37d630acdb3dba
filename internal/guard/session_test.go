package guard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/tracevault/promptguard-engine/pkg/models"
)

func TestSessionRiskAccumulates(t *testing.T) {
	var flags []string
	st := NewSessionTracker(1.5, func(id string, _ float64) { flags = append(flags, id) })

	assert.Equal(t, models.SessionActive, st.NoteRisk("s1", 0.7, false))
	assert.Equal(t, models.SessionActive, st.NoteRisk("s1", 0.7, false))
	assert.Equal(t, models.SessionFlagged, st.NoteRisk("s1", 0.2, false))
	assert.Equal(t, models.SessionFlagged, st.NoteRisk("s1", 1.0, true))
	assert.Equal(t, []string{"s1"}, flags, "hook fires on the crossing request only")

	info, ok := st.Snapshot("s1")
	assert.True(t, ok)
	assert.Equal(t, 4, info.Requests)
	assert.Equal(t, 1, info.Blocked)
	assert.InDelta(t, 2.6, info.CumulativeRisk, 1e-9)
}

func TestClosedSessionIsTerminal(t *testing.T) {
	st := NewSessionTracker(2.0, nil)

	st.NoteRisk("s2", 0.1, false)
	st.Close("s2")
	assert.Equal(t, models.SessionClosed, st.Status("s2"))

	// Risk on a closed session neither reopens nor mutates it.
	assert.Equal(t, models.SessionClosed, st.NoteRisk("s2", 5.0, true))
	info, _ := st.Snapshot("s2")
	assert.Equal(t, 1, info.Requests)

	// Closing an unknown session records the terminal state too.
	st.Close("s3")
	assert.Equal(t, models.SessionClosed, st.Status("s3"))
}

func TestAnonymousRequestsAreNotTracked(t *testing.T) {
	st := NewSessionTracker(2.0, nil)
	assert.Equal(t, models.SessionActive, st.NoteRisk("", 1.0, true))
	assert.Equal(t, 0, st.TrackedCount())
}

func TestSweepDropsIdleSessions(t *testing.T) {
	st := NewSessionTracker(2.0, nil)
	st.NoteRisk("s4", 0.2, false)
	st.NoteRisk("s5", 0.9, true)
	assert.Equal(t, 2, st.TrackedCount())

	// A negative idle window makes everything stale.
	assert.Equal(t, 2, st.sweep(-time.Second))
	assert.Equal(t, 0, st.TrackedCount())
	assert.Equal(t, models.SessionActive, st.Status("s4"))
}

func TestFlaggedListing(t *testing.T) {
	st := NewSessionTracker(1.0, nil)
	st.NoteRisk("calm", 0.2, false)
	st.NoteRisk("hot", 1.2, true)

	flagged := st.Flagged()
	assert.Len(t, flagged, 1)
	assert.Equal(t, "hot", flagged[0].SessionID)
	assert.Equal(t, models.SessionFlagged, flagged[0].Status)
}
