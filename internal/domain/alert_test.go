package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlertRecordMarshalEmitsBothNamings(t *testing.T) {
	rec := AlertRecord{
		Timestamp:          time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		SourceAddress:      "10.0.0.1",
		DestinationAddress: "10.0.0.2",
		SourcePort:         4444,
		DestinationPort:    22,
		Protocol:           "TCP",
		Category:           "Attempted Administrator Privilege Gain",
		Signature:          "ET SCAN SSH",
		Severity:           1,
	}

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &parsed))

	assert.Equal(t, "10.0.0.1", parsed["src_ip"])
	assert.Equal(t, "10.0.0.1", parsed["source_ip"])
	assert.Equal(t, float64(4444), parsed["src_port"])
	assert.Equal(t, float64(4444), parsed["source_port"])
	assert.Equal(t, "10.0.0.2", parsed["dest_ip"])
	assert.Equal(t, float64(22), parsed["dest_port"])
	assert.Equal(t, "2025-01-02T03:04:05Z", parsed["timestamp"])

	// Only the source side carries twin names.
	assert.NotContains(t, parsed, "destination_ip")
	assert.NotContains(t, parsed, "destination_port")
}

func TestAlertRecordUnmarshalFallbacks(t *testing.T) {
	tests := []struct {
		name          string
		input         string
		wantAddr      string
		wantSeverity  int
		wantSignature string
		wantTimestamp bool
	}{
		{
			name:          "agent naming wins",
			input:         `{"source_ip":"1.1.1.1","src_ip":"2.2.2.2","severity":2,"signature":"X","timestamp":"2025-01-01T00:00:00Z"}`,
			wantAddr:      "1.1.1.1",
			wantSeverity:  2,
			wantSignature: "X",
			wantTimestamp: true,
		},
		{
			name:          "sensor naming and nested alert",
			input:         `{"src_ip":"2.2.2.2","alert":{"severity":1,"signature":"Nested"},"timestamp":"2025-01-01T00:00:00.123456+0000"}`,
			wantAddr:      "2.2.2.2",
			wantSeverity:  1,
			wantSignature: "Nested",
			wantTimestamp: true,
		},
		{
			name:          "defaults",
			input:         `{"src":"3.3.3.3","timestamp":"yesterday"}`,
			wantAddr:      "3.3.3.3",
			wantSeverity:  DefaultSeverity,
			wantSignature: DefaultSignature,
			wantTimestamp: false,
		},
		{
			name:          "out of domain severity preserved",
			input:         `{"source_ip":"4.4.4.4","severity":7}`,
			wantAddr:      "4.4.4.4",
			wantSeverity:  7,
			wantSignature: DefaultSignature,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var rec AlertRecord
			require.NoError(t, json.Unmarshal([]byte(tc.input), &rec))
			assert.Equal(t, tc.wantAddr, rec.SourceAddress)
			assert.Equal(t, tc.wantSeverity, rec.Severity)
			assert.Equal(t, tc.wantSignature, rec.Signature)
			assert.Equal(t, tc.wantTimestamp, rec.HasTimestamp())
		})
	}
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2025, 3, 4, 5, 6, 7, 123456000, time.UTC)

	assert.True(t, want.Equal(ParseTimestamp("2025-03-04T05:06:07.123456+0000")))
	assert.True(t, want.Equal(ParseTimestamp("2025-03-04T05:06:07.123456Z")))
	assert.True(t, want.Equal(ParseTimestamp("2025-03-04T07:06:07.123456+02:00")))
	assert.True(t, want.Equal(ParseTimestamp("2025-03-04T05:06:07.123456")))
	assert.True(t, ParseTimestamp("").IsZero())
	assert.True(t, ParseTimestamp("not a time").IsZero())
}

func TestRuleDescribe(t *testing.T) {
	assert.Equal(t, "high alert count (5)", RuleAlertCount.Describe(5))
	assert.Equal(t, "high risk score (25)", RuleRiskScore.Describe(25))
	assert.Equal(t, "multiple attack signatures (3)", RuleSignatures.Describe(3))
}

func TestVerdictBlockReason(t *testing.T) {
	v := ThreatVerdict{Reason: "high alert count (5)", Score: 25}
	assert.Equal(t, "high alert count (5) (Score: 25)", v.BlockReason())
}

func TestPassHistory(t *testing.T) {
	var h PassHistory

	_, ok := h.Last()
	assert.False(t, ok)

	h.Record(PassReport{Alerts: 3})
	h.Record(PassReport{Error: "no response"})

	last, ok := h.Last()
	require.True(t, ok)
	assert.Equal(t, "no response", last.Error)

	passes, failed := h.Counts()
	assert.Equal(t, int64(2), passes)
	assert.Equal(t, int64(1), failed)
}
