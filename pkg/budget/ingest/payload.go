package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"mercator-hq/spendgate/pkg/budget"
)

// payload is the webhook body. Pointers distinguish missing fields from
// zero values.
type payload struct {
	EventID   string          `json:"event_id"`
	TenantID  string          `json:"tenant_id"`
	Spend     *float64        `json:"spend"`
	MaxBudget *float64        `json:"max_budget"`
	EventType string          `json:"event_type"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// ParseEvent decodes a webhook body into a SpendEvent. Missing required
// fields and malformed values return a *budget.ValidationError.
func ParseEvent(body []byte, receivedAt time.Time) (*budget.SpendEvent, error) {
	var p payload
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&p); err != nil {
		return nil, budget.NewValidationError("body", fmt.Sprintf("malformed JSON: %v", err))
	}

	p.EventID = strings.TrimSpace(p.EventID)
	p.TenantID = strings.TrimSpace(p.TenantID)
	if p.EventID == "" {
		return nil, budget.NewValidationError("event_id", "is required")
	}
	if p.TenantID == "" {
		return nil, budget.NewValidationError("tenant_id", "is required")
	}
	if p.Spend == nil {
		return nil, budget.NewValidationError("spend", "is required")
	}
	if math.IsNaN(*p.Spend) || math.IsInf(*p.Spend, 0) {
		return nil, budget.NewValidationError("spend", "must be a finite number")
	}

	occurredAt, err := parseTimestamp(p.Timestamp)
	if err != nil {
		return nil, budget.NewValidationError("timestamp", err.Error())
	}

	event := &budget.SpendEvent{
		EventID:    p.EventID,
		TenantID:   p.TenantID,
		Spend:      *p.Spend,
		Type:       budget.ParseEventType(p.EventType),
		OccurredAt: occurredAt,
		ReceivedAt: receivedAt,
	}
	if p.MaxBudget != nil {
		event.MaxBudgetSnapshot = *p.MaxBudget
	}
	return event, nil
}

// parseTimestamp accepts an RFC 3339 string, or a Unix time in seconds or
// milliseconds, as a number or a numeric string. Absent means zero.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, nil
	}

	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, fmt.Errorf("malformed timestamp")
		}
		if s == "" {
			return time.Time{}, nil
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC(), nil
		}
	} else {
		s = string(raw)
	}

	n, err := strconv.ParseFloat(s, 64)
	if err != nil || n < 0 || math.IsInf(n, 0) {
		return time.Time{}, fmt.Errorf("must be RFC 3339 or Unix time, got %s", raw)
	}
	// Values past year 33658 in seconds are taken as milliseconds.
	if n >= 1e12 {
		return time.UnixMilli(int64(n)).UTC(), nil
	}
	sec, frac := math.Modf(n)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}
