package alert

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tracevault/promptguard-engine/pkg/models"
)

func TestEmitStoresHistoryNewestFirst(t *testing.T) {
	am := NewManager(nil)

	am.Emit(Alert{Severity: models.SeverityLow, AlertType: "threat_blocked", Title: "first"})
	am.Emit(Alert{Severity: models.SeverityHigh, AlertType: "threat_blocked", Title: "second"})

	recent := am.RecentAlerts(10)
	require.Len(t, recent, 2)
	assert.Equal(t, "second", recent[0].Title)
	assert.Equal(t, "first", recent[1].Title)
	assert.NotEmpty(t, recent[0].ID)
	assert.False(t, recent[0].Timestamp.IsZero())
}

func TestEmitInvokesBroadcastCallback(t *testing.T) {
	var got Alert
	var mu sync.Mutex
	am := NewManager(func(a Alert) {
		mu.Lock()
		got = a
		mu.Unlock()
	})

	am.EmitSessionFlagged("sess-9", 3.2)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "session_flagged", got.AlertType)
	assert.Equal(t, "sess-9", got.SessionID)
	assert.Equal(t, models.SeverityHigh, got.Severity)
}

func TestWebhookMinSeverityFilter(t *testing.T) {
	var mu sync.Mutex
	delivered := make([]Alert, 0)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var a Alert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&a))
		mu.Lock()
		delivered = append(delivered, a)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	am := NewManager(nil)
	am.RegisterWebhook("pager", srv.URL, models.SeverityHigh, nil)

	am.Emit(Alert{Severity: models.SeverityLow, AlertType: "shadow_divergence", Title: "noise"})
	am.Emit(Alert{Severity: models.SeverityCritical, AlertType: "threat_blocked", Title: "page me"})

	// Webhook delivery is async.
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(delivered)
		mu.Unlock()
		if n >= 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, delivered, 1)
	assert.Equal(t, "page me", delivered[0].Title)
}

func TestEmitBlockedBuildsDescription(t *testing.T) {
	am := NewManager(nil)
	am.EmitBlocked(models.GuardDecision{
		RequestID:         "req-1",
		SessionID:         "sess-1",
		SecurityRiskScore: 0.95,
		Reason:            "security_blocked",
		SecurityThreats: []models.Threat{
			{Subtype: "instruction_override", Confidence: 0.95},
		},
	})

	recent := am.RecentAlerts(1)
	require.Len(t, recent, 1)
	assert.Equal(t, models.SeverityCritical, recent[0].Severity)
	assert.Contains(t, recent[0].Description, "instruction_override")
}

func TestAlertsBySeverity(t *testing.T) {
	am := NewManager(nil)
	am.Emit(Alert{Severity: models.SeverityLow, Title: "a"})
	am.Emit(Alert{Severity: models.SeverityMedium, Title: "b"})
	am.Emit(Alert{Severity: models.SeverityCritical, Title: "c"})

	filtered := am.AlertsBySeverity(models.SeverityMedium)
	assert.Len(t, filtered, 2)
}

func TestRemoveWebhook(t *testing.T) {
	am := NewManager(nil)
	am.RegisterWebhook("a", "http://localhost/hook", models.SeverityLow, nil)
	am.RemoveWebhook("a")

	// Emitting must not panic or attempt delivery to removed endpoints.
	am.Emit(Alert{Severity: models.SeverityCritical, Title: "x"})
	assert.Len(t, am.RecentAlerts(5), 1)
}
