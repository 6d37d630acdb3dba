package alert

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tracevault/promptguard-engine/internal/metrics"
	"github.com/tracevault/promptguard-engine/pkg/models"
)

// Alert & Webhook System
//
// Structured alert emission for SOC operations. Alerts are:
//   1. Broadcast via WebSocket to connected dashboards
//   2. Pushed to registered webhook endpoints (Slack, Discord, SIEM)
//   3. Stored in memory for recent alert history
//
// Webhook payloads follow a common JSON format compatible with
// Slack incoming webhooks, Discord webhooks, and PagerDuty Events API.
//
// Per-endpoint minimum severity keeps low-grade noise out of paging
// channels during probing waves.

// Alert represents a structured security or cost alert
type Alert struct {
	ID          string          `json:"id"`
	Timestamp   time.Time       `json:"timestamp"`
	Severity    models.Severity `json:"severity"`
	AlertType   string          `json:"alertType"` // threat_blocked/policy_denied/budget_threshold/session_flagged/pii_detected/shadow_divergence
	Title       string          `json:"title"`
	Description string          `json:"description"`
	SessionID   string          `json:"sessionId,omitempty"`
	RequestID   string          `json:"requestId,omitempty"`
	RiskScore   float64         `json:"riskScore,omitempty"`
	Threats     []models.Threat `json:"threats,omitempty"`
}

// WebhookEndpoint is a registered webhook receiver
type WebhookEndpoint struct {
	Name        string            `json:"name"`
	URL         string            `json:"url"`
	Enabled     bool              `json:"enabled"`
	Headers     map[string]string `json:"headers,omitempty"`
	MinSeverity models.Severity   `json:"minSeverity"` // Only send alerts >= this severity
}

// Manager handles alert emission and webhook delivery
type Manager struct {
	mu            sync.RWMutex
	webhooks      []WebhookEndpoint
	recentAlerts  []Alert
	maxHistory    int
	httpClient    *http.Client
	alertCallback func(Alert) // WebSocket broadcast callback
}

// NewManager creates a new alert system
func NewManager(broadcastFn func(Alert)) *Manager {
	return &Manager{
		webhooks:      make([]WebhookEndpoint, 0),
		recentAlerts:  make([]Alert, 0),
		maxHistory:    1000,
		httpClient:    &http.Client{Timeout: 5 * time.Second},
		alertCallback: broadcastFn,
	}
}

// RegisterWebhook adds a webhook endpoint
func (am *Manager) RegisterWebhook(name, url string, minSeverity models.Severity, headers map[string]string) {
	am.mu.Lock()
	defer am.mu.Unlock()

	am.webhooks = append(am.webhooks, WebhookEndpoint{
		Name:        name,
		URL:         url,
		Enabled:     true,
		Headers:     headers,
		MinSeverity: minSeverity,
	})

	logrus.Infof("[AlertManager] Registered webhook: %s → %s (min: %s)", name, url, minSeverity)
}

// RemoveWebhook removes a webhook by name
func (am *Manager) RemoveWebhook(name string) {
	am.mu.Lock()
	defer am.mu.Unlock()

	for i, wh := range am.webhooks {
		if wh.Name == name {
			am.webhooks = append(am.webhooks[:i], am.webhooks[i+1:]...)
			return
		}
	}
}

// Emit processes and distributes an alert
func (am *Manager) Emit(alert Alert) {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}

	// Store in history
	am.mu.Lock()
	am.recentAlerts = append(am.recentAlerts, alert)
	if len(am.recentAlerts) > am.maxHistory {
		am.recentAlerts = am.recentAlerts[len(am.recentAlerts)-am.maxHistory:]
	}
	webhooks := make([]WebhookEndpoint, len(am.webhooks))
	copy(webhooks, am.webhooks)
	am.mu.Unlock()

	// Broadcast via WebSocket callback
	if am.alertCallback != nil {
		am.alertCallback(alert)
	}

	// Send to webhooks (async, non-blocking)
	for _, wh := range webhooks {
		if !wh.Enabled {
			continue
		}
		if models.SeverityRank(alert.Severity) < models.SeverityRank(wh.MinSeverity) {
			continue
		}
		go am.sendWebhook(wh, alert)
	}

	logrus.Infof("[Alert] [%s] %s: %s (session: %s)", alert.Severity, alert.AlertType, alert.Title, alert.SessionID)
}

// EmitBlocked creates and emits an alert for a blocked request
func (am *Manager) EmitBlocked(decision models.GuardDecision) {
	am.Emit(Alert{
		Severity:    blockSeverity(decision.SecurityRiskScore),
		AlertType:   "threat_blocked",
		Title:       "Request blocked: " + decision.Reason,
		Description: describeThreats(decision.SecurityThreats),
		SessionID:   decision.SessionID,
		RequestID:   decision.RequestID,
		RiskScore:   decision.SecurityRiskScore,
		Threats:     decision.SecurityThreats,
	})
}

// EmitBudgetThreshold alerts when committed spend crosses the alert fraction
func (am *Manager) EmitBudgetThreshold(spent, budget float64) {
	am.Emit(Alert{
		Severity:    models.SeverityMedium,
		AlertType:   "budget_threshold",
		Title:       "Daily budget threshold crossed",
		Description: describeBudget(spent, budget),
	})
}

// EmitSessionFlagged alerts when a session's cumulative risk flags it
func (am *Manager) EmitSessionFlagged(sessionID string, cumulativeRisk float64) {
	am.Emit(Alert{
		Severity:    models.SeverityHigh,
		AlertType:   "session_flagged",
		Title:       "Session flagged for sustained attack activity",
		Description: "Cumulative risk across the session exceeded the flagging threshold.",
		SessionID:   sessionID,
		RiskScore:   cumulativeRisk,
	})
}

// EmitDivergence alerts on a live/candidate catalogue disagreement
func (am *Manager) EmitDivergence(d models.ShadowDivergence) {
	am.Emit(Alert{
		Severity:    models.SeverityLow,
		AlertType:   "shadow_divergence",
		Title:       "Shadow catalogue diverged from live verdict",
		Description: d.Detail,
	})
}

// RecentAlerts returns the most recent alerts, newest first
func (am *Manager) RecentAlerts(limit int) []Alert {
	am.mu.RLock()
	defer am.mu.RUnlock()

	if limit <= 0 || limit > len(am.recentAlerts) {
		limit = len(am.recentAlerts)
	}

	start := len(am.recentAlerts) - limit
	result := make([]Alert, limit)
	for i := 0; i < limit; i++ {
		result[i] = am.recentAlerts[start+limit-1-i]
	}
	return result
}

// AlertsBySeverity returns alerts matching a minimum severity
func (am *Manager) AlertsBySeverity(minSeverity models.Severity) []Alert {
	am.mu.RLock()
	defer am.mu.RUnlock()

	var filtered []Alert
	for _, alert := range am.recentAlerts {
		if models.SeverityRank(alert.Severity) >= models.SeverityRank(minSeverity) {
			filtered = append(filtered, alert)
		}
	}
	return filtered
}

// sendWebhook delivers an alert to a webhook endpoint
func (am *Manager) sendWebhook(wh WebhookEndpoint, alert Alert) {
	payload, err := json.Marshal(alert)
	if err != nil {
		logrus.Errorf("[Webhook] Failed to marshal alert: %v", err)
		return
	}

	req, err := http.NewRequest("POST", wh.URL, bytes.NewBuffer(payload))
	if err != nil {
		logrus.Errorf("[Webhook] Failed to create request for %s: %v", wh.Name, err)
		return
	}

	req.Header.Set("Content-Type", "application/json")
	for key, val := range wh.Headers {
		req.Header.Set(key, val)
	}

	resp, err := am.httpClient.Do(req)
	if err != nil {
		logrus.Errorf("[Webhook] Failed to send to %s: %v", wh.Name, err)
		metrics.Default.RecordAlert("webhook", false)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		logrus.Warnf("[Webhook] %s returned status %d", wh.Name, resp.StatusCode)
	}
	metrics.Default.RecordAlert("webhook", resp.StatusCode < 400)
}

// blockSeverity maps a fused risk score onto the alert severity ladder
func blockSeverity(risk float64) models.Severity {
	switch {
	case risk >= 0.9:
		return models.SeverityCritical
	case risk >= 0.8:
		return models.SeverityHigh
	default:
		return models.SeverityMedium
	}
}

// describeThreats creates a human-readable alert description
func describeThreats(threats []models.Threat) string {
	if len(threats) == 0 {
		return "No individual threat detail available."
	}
	desc := "Detected: "
	for i, t := range threats {
		if i > 0 {
			desc += ", "
		}
		desc += t.Subtype
	}
	return desc
}

func describeBudget(spent, budget float64) string {
	payload, _ := json.Marshal(map[string]float64{"spentUsd": spent, "budgetUsd": budget})
	return string(payload)
}
