// Package validator checks inbound telemetry payloads against the gateway's
// wire schema before they are allowed to reach the queue or the broker.
package validator

import (
	"fmt"
	"time"
)

// Error reports why a telemetry payload was rejected. It is always
// descriptive enough to log directly.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return e.Reason }

func reject(format string, args ...any) error {
	return &Error{Reason: fmt.Sprintf(format, args...)}
}

const (
	fieldOrgID     = "orgId"
	fieldSiteID    = "siteId"
	fieldNodeID    = "nodeId"
	fieldTimestamp = "timestamp"
	fieldMetrics   = "metrics"
)

// Validator checks and normalises inbound telemetry payloads. It holds no
// state and never partially accepts a payload: validation either passes in
// full or rejects with a single descriptive Error.
type Validator struct{}

// New returns a ready-to-use Validator.
func New() *Validator { return &Validator{} }

// Validate checks payload against the telemetry schema (§3 of the gateway
// spec) and returns the payload unchanged on success. It does not enrich —
// that is the orchestrator's job.
func (v *Validator) Validate(payload map[string]any) (map[string]any, error) {
	if payload == nil {
		return nil, reject("telemetry payload must be a JSON object")
	}

	for _, field := range []string{fieldOrgID, fieldSiteID, fieldNodeID} {
		s, ok := asNonEmptyString(payload[field])
		if !ok {
			return nil, reject("field %q must be a non-empty string", field)
		}
		_ = s
	}

	ts, ok := payload[fieldTimestamp].(string)
	if !ok || ts == "" {
		return nil, reject("telemetry payload must include an ISO8601 %q", fieldTimestamp)
	}
	if _, err := parseISO8601(ts); err != nil {
		return nil, reject("telemetry timestamp is not a valid ISO8601 string")
	}

	metricsRaw, ok := payload[fieldMetrics]
	if !ok {
		return nil, reject("telemetry payload must include a non-empty %q object", fieldMetrics)
	}
	metrics, ok := metricsRaw.(map[string]any)
	if !ok || len(metrics) == 0 {
		return nil, reject("telemetry payload must include a non-empty %q object", fieldMetrics)
	}
	for key, value := range metrics {
		if key == "" {
			return nil, reject("metric keys must be non-empty strings")
		}
		if !isNumber(value) {
			return nil, reject("metric %q must be numeric", key)
		}
	}

	return payload, nil
}

func asNonEmptyString(v any) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	for _, r := range s {
		if r != ' ' && r != '\t' {
			return s, true
		}
	}
	return "", false
}

func isNumber(v any) bool {
	switch v.(type) {
	case float64, float32, int, int32, int64:
		return true
	default:
		return false
	}
}

// parseISO8601 accepts RFC3339 timestamps with either a numeric offset or a
// literal "Z" suffix, matching the gateway's wire contract.
func parseISO8601(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
