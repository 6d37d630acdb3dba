package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tracevault/promptguard-engine/internal/upstream"
	"github.com/tracevault/promptguard-engine/pkg/models"
)

// ──────────────────────────────────────────────────────────────────
// Error taxonomy
//
// Every handler failure maps to exactly one of these wire shapes so
// clients can branch on `error` plus the status code alone:
//
//   security_blocked   400   fused risk at or above the block threshold
//   policy_denied      400   budget, denylist, rate or approval gate
//   session_closed     400   terminal session, request refused pre-scan
//   unauthenticated    401   missing or invalid credential
//   invalid_request    422   body failed validation
//   rate_limited       429   token bucket empty, Retry-After set
//   audit_failed       500   provenance chain could not be extended
//   internal_error     500   anything unclassified, with correlation id
//   upstream_failed    502   provider returned non-2xx or was unreachable
//   gateway_timeout    504   verdict not reached inside the deadline
// ──────────────────────────────────────────────────────────────────

// respondDenied translates a guard refusal into the matching wire error.
// The decision's stage metadata distinguishes the gate that refused.
func respondDenied(c *gin.Context, dec models.GuardDecision) {
	switch dec.Metadata["stage"] {
	case "session":
		c.JSON(http.StatusBadRequest, gin.H{
			"error":     "session_closed",
			"detail":    "session has been closed by an operator and accepts no further requests",
			"requestId": dec.RequestID,
			"sessionId": dec.SessionID,
		})
	case "security":
		c.JSON(http.StatusBadRequest, gin.H{
			"error":     "security_blocked",
			"detail":    "input failed the security scan",
			"requestId": dec.RequestID,
			"riskScore": dec.SecurityRiskScore,
			"riskLevel": dec.Metadata["risk_level"],
			"threats":   dec.SecurityThreats,
		})
	case "timeout":
		c.JSON(http.StatusGatewayTimeout, gin.H{
			"error":     "gateway_timeout",
			"detail":    "no verdict was reached inside the request deadline",
			"requestId": dec.RequestID,
		})
	default: // policy
		c.JSON(http.StatusBadRequest, gin.H{
			"error":     "policy_denied",
			"detail":    dec.Reason,
			"action":    dec.Action,
			"requestId": dec.RequestID,
		})
	}
}

func respondInvalid(c *gin.Context, err error) {
	c.JSON(http.StatusUnprocessableEntity, gin.H{
		"error":  "invalid_request",
		"detail": err.Error(),
	})
}

func respondUnauthenticated(c *gin.Context, hint string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": "unauthenticated",
		"hint":  hint,
	})
}

// respondUpstream surfaces a provider failure as 502. Provider status and
// body excerpt are included when the failure was a non-2xx reply.
func respondUpstream(c *gin.Context, err error) {
	body := gin.H{"error": "upstream_failed"}
	var ue *upstream.Error
	if errors.As(err, &ue) {
		body["provider"] = ue.Provider
		body["providerStatus"] = ue.Status
		body["detail"] = ue.Body
	} else {
		body["detail"] = err.Error()
	}
	c.JSON(http.StatusBadGateway, body)
}

// respondAudit is the fail-closed path for provenance write failures.
func respondAudit(c *gin.Context, err error) {
	id := uuid.NewString()
	logrus.WithError(err).WithField("correlation_id", id).Error("[API] Audit chain write failed")
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":         "audit_failed",
		"detail":        "request could not be recorded and was not forwarded",
		"correlationId": id,
	})
}

func respondInternal(c *gin.Context, err error) {
	id := uuid.NewString()
	logrus.WithError(err).WithField("correlation_id", id).Error("[API] Unhandled failure")
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":         "internal_error",
		"correlationId": id,
	})
}
