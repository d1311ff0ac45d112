package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validPayload() map[string]any {
	return map[string]any{
		"orgId":     "o",
		"siteId":    "s",
		"nodeId":    "n",
		"timestamp": "2024-01-01T00:00:00Z",
		"metrics": map[string]any{
			"t": 21.0,
		},
	}
}

func TestValidateAccepts(t *testing.T) {
	v := New()
	out, err := v.Validate(validPayload())
	require.NoError(t, err)
	assert.Equal(t, "o", out["orgId"])
}

func TestValidateRejectsEmptyMetrics(t *testing.T) {
	v := New()
	p := validPayload()
	p["metrics"] = map[string]any{}
	_, err := v.Validate(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "metrics")
}

func TestValidateRejectsNonNumericMetric(t *testing.T) {
	v := New()
	p := validPayload()
	p["metrics"] = map[string]any{"t": "warm"}
	_, err := v.Validate(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "t")
}

func TestValidateRejectsMissingTimestamp(t *testing.T) {
	v := New()
	p := validPayload()
	delete(p, "timestamp")
	_, err := v.Validate(p)
	require.Error(t, err)
}

func TestValidateRejectsBadTimestamp(t *testing.T) {
	v := New()
	p := validPayload()
	p["timestamp"] = "not-a-date"
	_, err := v.Validate(p)
	require.Error(t, err)
}

func TestValidateRejectsEmptyRequiredString(t *testing.T) {
	v := New()
	p := validPayload()
	p["nodeId"] = "   "
	_, err := v.Validate(p)
	require.Error(t, err)
}

func TestValidateAcceptsNonZOffset(t *testing.T) {
	v := New()
	p := validPayload()
	p["timestamp"] = "2024-01-01T00:00:00+02:00"
	_, err := v.Validate(p)
	require.NoError(t, err)
}
