package notify

import (
	"context"
	"fmt"
	"time"

	"mercator-hq/spendgate/pkg/budget"
)

// Kind distinguishes band alerts from operational alerts.
type Kind string

const (
	KindBand        Kind = "band"
	KindOperational Kind = "operational"
)

// Message is what a channel delivers.
type Message struct {
	Kind      Kind            `json:"kind"`
	TenantID  string          `json:"tenant_id"`
	Band      budget.Band     `json:"band,omitempty"`
	Subject   string          `json:"subject"`
	Body      string          `json:"body"`
	Snapshot  budget.Decision `json:"snapshot"`
	Timestamp time.Time       `json:"timestamp"`
}

// Channel delivers messages over one transport. Implementations must be
// safe for concurrent use.
type Channel interface {
	// Name identifies the channel in logs and metrics.
	Name() string

	// Send delivers a message. The context carries the delivery deadline.
	Send(ctx context.Context, msg Message) error
}

// bandMessage renders the alert for an upward band crossing.
func bandMessage(tenantID string, band budget.Band, d budget.Decision, now time.Time) Message {
	var subject, body string
	switch band {
	case budget.BandBlocked:
		subject = fmt.Sprintf("[spendgate] %s blocked: budget grace threshold reached", tenantID)
		body = fmt.Sprintf("Tenant %s has spent %.2f of %.2f (%.2f%%) and further usage is blocked.\n%s",
			tenantID, d.Spend, d.EffectiveBudget, d.PercentageUsed, d.Reason)
	default:
		subject = fmt.Sprintf("[spendgate] %s warning: %.2f%% of budget used", tenantID, d.PercentageUsed)
		body = fmt.Sprintf("Tenant %s has spent %.2f of %.2f (%.2f%%). Usage is still allowed.",
			tenantID, d.Spend, d.EffectiveBudget, d.PercentageUsed)
	}
	if !d.ResetAt.IsZero() {
		body += fmt.Sprintf("\nThe budget resets at %s.", d.ResetAt.UTC().Format(time.RFC3339))
	}
	return Message{
		Kind:      KindBand,
		TenantID:  tenantID,
		Band:      band,
		Subject:   subject,
		Body:      body,
		Snapshot:  d,
		Timestamp: now,
	}
}

func operationalMessage(tenantID, text string, now time.Time) Message {
	return Message{
		Kind:      KindOperational,
		TenantID:  tenantID,
		Subject:   fmt.Sprintf("[spendgate] operational alert for %s", tenantID),
		Body:      text,
		Timestamp: now,
	}
}
