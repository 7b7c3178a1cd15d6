package detection

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xoelrdgz/eveguard/internal/domain"
)

var refNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func at(ago time.Duration, ip, signature string, severity int) domain.AlertRecord {
	return domain.AlertRecord{
		Timestamp:     refNow.Add(-ago),
		SourceAddress: ip,
		Signature:     signature,
		Severity:      severity,
	}
}

func TestEvaluateAlertCountScenario(t *testing.T) {
	var alerts []domain.AlertRecord
	for i := 0; i < 5; i++ {
		alerts = append(alerts, at(time.Duration(i)*time.Second, "9.9.9.9", "ET SCAN Potential SSH Scan", 2))
	}

	verdicts := Evaluate(alerts, DefaultRules(), refNow)
	require.Len(t, verdicts, 1)

	v := verdicts[0]
	assert.Equal(t, "9.9.9.9", v.Address)
	assert.Equal(t, domain.RuleAlertCount, v.Rule)
	assert.Equal(t, "high alert count (5)", v.Reason)
	assert.Equal(t, 25, v.Score)
	assert.Equal(t, 5, v.Count)
	assert.Equal(t, []string{"ET SCAN Potential SSH Scan"}, v.Signatures)
	assert.Equal(t, "high alert count (5) (Score: 25)", v.BlockReason())
}

func TestEvaluateRulePrecedence(t *testing.T) {
	tests := []struct {
		name       string
		alerts     []domain.AlertRecord
		wantRule   domain.Rule
		wantReason string
	}{
		{
			name: "count beats score and signatures",
			alerts: []domain.AlertRecord{
				at(1*time.Second, "1.1.1.1", "a", 1),
				at(2*time.Second, "1.1.1.1", "b", 1),
				at(3*time.Second, "1.1.1.1", "c", 1),
				at(4*time.Second, "1.1.1.1", "d", 1),
				at(5*time.Second, "1.1.1.1", "e", 1),
			},
			wantRule:   domain.RuleAlertCount,
			wantReason: "high alert count (5)",
		},
		{
			name: "score beats signatures",
			alerts: []domain.AlertRecord{
				at(1*time.Second, "1.1.1.1", "a", 1),
				at(2*time.Second, "1.1.1.1", "b", 1),
				at(3*time.Second, "1.1.1.1", "c", 1),
			},
			wantRule:   domain.RuleRiskScore,
			wantReason: "high risk score (30)",
		},
		{
			name: "signatures alone",
			alerts: []domain.AlertRecord{
				at(1*time.Second, "1.1.1.1", "a", 3),
				at(2*time.Second, "1.1.1.1", "b", 3),
				at(3*time.Second, "1.1.1.1", "c", 3),
			},
			wantRule:   domain.RuleSignatures,
			wantReason: "multiple attack signatures (3)",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			verdicts := Evaluate(tc.alerts, DefaultRules(), refNow)
			require.Len(t, verdicts, 1)
			assert.Equal(t, tc.wantRule, verdicts[0].Rule)
			assert.Equal(t, tc.wantReason, verdicts[0].Reason)
		})
	}
}

func TestEvaluateNoMatch(t *testing.T) {
	alerts := []domain.AlertRecord{
		at(time.Second, "1.1.1.1", "a", 3),
		at(time.Second, "1.1.1.1", "a", 3),
		at(time.Second, "2.2.2.2", "b", 2),
	}
	verdicts := Evaluate(alerts, DefaultRules(), refNow)
	assert.NotNil(t, verdicts)
	assert.Empty(t, verdicts)
}

func TestEvaluateFilters(t *testing.T) {
	rules := DefaultRules()
	rules.AlertThreshold = 1

	noTimestamp := at(0, "3.3.3.3", "x", 1)
	noTimestamp.Timestamp = time.Time{}

	alerts := []domain.AlertRecord{
		at(rules.Window+time.Second, "1.1.1.1", "old", 1),
		at(rules.Window, "4.4.4.4", "edge", 1),
		at(time.Second, "127.0.0.1", "local", 1),
		at(time.Second, "localhost", "local", 1),
		at(time.Second, "", "anonymous", 1),
		noTimestamp,
		at(-time.Hour, "5.5.5.5", "future", 1),
	}

	verdicts := Evaluate(alerts, rules, refNow)
	var addrs []string
	for _, v := range verdicts {
		addrs = append(addrs, v.Address)
	}
	assert.ElementsMatch(t, []string{"4.4.4.4", "5.5.5.5"}, addrs)
}

func TestEvaluateUnconfiguredSeverityWeighsOne(t *testing.T) {
	rules := DefaultRules()
	rules.AlertThreshold = 100
	rules.ScoreThreshold = 4
	rules.SignatureThreshold = 100

	alerts := []domain.AlertRecord{
		at(time.Second, "6.6.6.6", "a", 7),
		at(time.Second, "6.6.6.6", "a", 0),
		at(time.Second, "6.6.6.6", "a", -1),
		at(time.Second, "6.6.6.6", "a", 3),
	}

	verdicts := Evaluate(alerts, rules, refNow)
	require.Len(t, verdicts, 1)
	assert.Equal(t, 5, verdicts[0].Score)
	assert.Equal(t, domain.RuleRiskScore, verdicts[0].Rule)
}

func TestEvaluateSignaturesCappedInFirstSeenOrder(t *testing.T) {
	alerts := []domain.AlertRecord{
		at(time.Second, "7.7.7.7", "delta", 3),
		at(time.Second, "7.7.7.7", "alpha", 3),
		at(time.Second, "7.7.7.7", "delta", 3),
		at(time.Second, "7.7.7.7", "charlie", 3),
		at(time.Second, "7.7.7.7", "bravo", 3),
	}

	verdicts := Evaluate(alerts, DefaultRules(), refNow)
	require.Len(t, verdicts, 1)
	assert.Equal(t, []string{"delta", "alpha", "charlie"}, verdicts[0].Signatures)
}

func TestEvaluateOrderingIsStable(t *testing.T) {
	rules := DefaultRules()
	rules.AlertThreshold = 2

	var alerts []domain.AlertRecord
	// c and a tie on score; c is seen first.
	for _, ip := range []string{"c", "a", "b", "c", "a", "b", "b"} {
		alerts = append(alerts, at(time.Second, ip, "sig", 3))
	}

	verdicts := Evaluate(alerts, rules, refNow)
	require.Len(t, verdicts, 3)
	assert.Equal(t, "b", verdicts[0].Address)
	assert.Equal(t, 6, verdicts[0].Score)
	assert.Equal(t, "c", verdicts[1].Address)
	assert.Equal(t, "a", verdicts[2].Address)
}

func TestEvaluateIsIdempotent(t *testing.T) {
	var alerts []domain.AlertRecord
	for i := 0; i < 200; i++ {
		ip := fmt.Sprintf("10.0.%d.%d", i%7, i%5)
		alerts = append(alerts, at(time.Duration(i)*time.Second, ip, fmt.Sprintf("sig-%d", i%4), 1+i%3))
	}

	first := Evaluate(alerts, DefaultRules(), refNow)
	second := Evaluate(alerts, DefaultRules(), refNow)
	assert.Equal(t, first, second)
	assert.NotEmpty(t, first)
}

func TestEvaluateDoesNotAliasInput(t *testing.T) {
	alerts := []domain.AlertRecord{
		at(time.Second, "1.1.1.1", "a", 3),
		at(time.Second, "1.1.1.1", "b", 3),
		at(time.Second, "1.1.1.1", "c", 3),
	}
	before := append([]domain.AlertRecord(nil), alerts...)

	verdicts := Evaluate(alerts, DefaultRules(), refNow)
	require.Len(t, verdicts, 1)
	verdicts[0].Signatures[0] = "mutated"

	assert.Equal(t, before, alerts)
	again := Evaluate(alerts, DefaultRules(), refNow)
	assert.Equal(t, "a", again[0].Signatures[0])
}

func TestRulesValidate(t *testing.T) {
	assert.NoError(t, DefaultRules().Validate())

	bad := DefaultRules()
	bad.Window = 0
	assert.Error(t, bad.Validate())

	bad = DefaultRules()
	bad.AlertThreshold = 0
	assert.Error(t, bad.Validate())

	bad = DefaultRules()
	bad.SeverityWeights = map[int]int{1: -5}
	assert.Error(t, bad.Validate())
}

func TestScorerUsesClock(t *testing.T) {
	scorer := NewScorerWithClock(func() time.Time { return refNow.Add(time.Hour) })

	var alerts []domain.AlertRecord
	for i := 0; i < 5; i++ {
		alerts = append(alerts, at(time.Second, "9.9.9.9", "x", 1))
	}
	assert.Empty(t, scorer.Evaluate(alerts, DefaultRules()))
	assert.Len(t, NewScorerWithClock(func() time.Time { return refNow }).Evaluate(alerts, DefaultRules()), 1)
}
