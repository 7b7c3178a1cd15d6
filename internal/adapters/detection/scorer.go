// Package detection turns a batch of IDS alerts into ranked threat verdicts.
//
// Scoring is a pure function: the same alerts, rules and clock always produce
// the same verdicts in the same order. No state survives between passes.
//
// Rules (first match wins, at most one verdict per source address):
//  1. ALERT_COUNT: alerts in window >= AlertThreshold
//  2. RISK_SCORE: sum of severity weights >= ScoreThreshold
//  3. MULTIPLE_SIGNATURES: distinct signatures >= SignatureThreshold
package detection

import (
	"sort"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/xoelrdgz/eveguard/internal/domain"
)

const (
	DefaultWindow             = 300 * time.Second
	DefaultAlertThreshold     = 5
	DefaultScoreThreshold     = 20
	DefaultSignatureThreshold = 3

	// DefaultWeight applies to severities missing from SeverityWeights.
	DefaultWeight = 1
)

// Rules parameterizes one scoring pass.
type Rules struct {
	Window             time.Duration
	AlertThreshold     int
	ScoreThreshold     int
	SignatureThreshold int
	SeverityWeights    map[int]int
	Whitelist          map[string]struct{}
}

// DefaultRules returns the stock thresholds with weights {1: 10, 2: 5, 3: 2}
// and loopback whitelisted.
func DefaultRules() Rules {
	return Rules{
		Window:             DefaultWindow,
		AlertThreshold:     DefaultAlertThreshold,
		ScoreThreshold:     DefaultScoreThreshold,
		SignatureThreshold: DefaultSignatureThreshold,
		SeverityWeights:    map[int]int{1: 10, 2: 5, 3: 2},
		Whitelist:          NewWhitelist("127.0.0.1", "localhost"),
	}
}

func NewWhitelist(addresses ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(addresses))
	for _, a := range addresses {
		set[a] = struct{}{}
	}
	return set
}

func (r Rules) Validate() error {
	if r.Window <= 0 {
		return errors.Newf("window must be positive, got %s", r.Window)
	}
	if r.AlertThreshold <= 0 {
		return errors.Newf("alert threshold must be positive, got %d", r.AlertThreshold)
	}
	if r.ScoreThreshold <= 0 || r.SignatureThreshold <= 0 {
		return errors.New("score and signature thresholds must be positive")
	}
	for severity, weight := range r.SeverityWeights {
		if weight < 0 {
			return errors.Newf("weight for severity %d must be >= 0, got %d", severity, weight)
		}
	}
	return nil
}

// Weight returns the configured weight for severity or DefaultWeight.
func (r Rules) Weight(severity int) int {
	if w, ok := r.SeverityWeights[severity]; ok {
		return w
	}
	return DefaultWeight
}

func (r Rules) whitelisted(address string) bool {
	_, ok := r.Whitelist[address]
	return ok
}

// sourceStats accumulates one address's activity inside the window.
type sourceStats struct {
	address    string
	count      int
	score      int
	signatures []string
	seen       map[string]struct{}
}

func (s *sourceStats) add(rec domain.AlertRecord, weight int) {
	s.count++
	s.score += weight
	if _, ok := s.seen[rec.Signature]; !ok {
		s.seen[rec.Signature] = struct{}{}
		s.signatures = append(s.signatures, rec.Signature)
	}
}

// classify applies the rules in precedence order.
func (s *sourceStats) classify(r Rules) (domain.Rule, int, bool) {
	switch {
	case s.count >= r.AlertThreshold:
		return domain.RuleAlertCount, s.count, true
	case s.score >= r.ScoreThreshold:
		return domain.RuleRiskScore, s.score, true
	case len(s.signatures) >= r.SignatureThreshold:
		return domain.RuleSignatures, len(s.signatures), true
	default:
		return "", 0, false
	}
}

// Evaluate scores alerts observed in (now - rules.Window, now].
//
// Alerts without a timestamp, older than the window start, with an empty
// source address, or from a whitelisted address are ignored. Verdicts are
// sorted by score descending; ties keep the order in which each address was
// first seen.
//
// Parameters:
//   - alerts: the batch to score, in arrival order
//   - rules: thresholds, weights and whitelist
//   - now: the reference time for the window
//
// Returns:
//   - verdicts, possibly empty, never nil
//
// Complexity: O(n log n) for n alerts
func Evaluate(alerts []domain.AlertRecord, rules Rules, now time.Time) []domain.ThreatVerdict {
	windowStart := now.Add(-rules.Window)

	groups := make(map[string]*sourceStats)
	var order []*sourceStats

	for _, rec := range alerts {
		if !rec.HasTimestamp() || rec.Timestamp.Before(windowStart) {
			continue
		}
		if rec.SourceAddress == "" || rules.whitelisted(rec.SourceAddress) {
			continue
		}

		stats, ok := groups[rec.SourceAddress]
		if !ok {
			stats = &sourceStats{address: rec.SourceAddress, seen: make(map[string]struct{})}
			groups[rec.SourceAddress] = stats
			order = append(order, stats)
		}
		stats.add(rec, rules.Weight(rec.Severity))
	}

	verdicts := make([]domain.ThreatVerdict, 0, len(order))
	for _, stats := range order {
		rule, value, ok := stats.classify(rules)
		if !ok {
			continue
		}

		signatures := stats.signatures
		if len(signatures) > domain.MaxVerdictSignatures {
			signatures = signatures[:domain.MaxVerdictSignatures]
		}
		verdicts = append(verdicts, domain.ThreatVerdict{
			Address:    stats.address,
			Rule:       rule,
			Reason:     rule.Describe(value),
			Score:      stats.score,
			Count:      stats.count,
			Signatures: append([]string(nil), signatures...),
		})
	}

	sort.SliceStable(verdicts, func(i, j int) bool {
		return verdicts[i].Score > verdicts[j].Score
	})
	return verdicts
}

// Scorer binds Evaluate to a clock so callers can hold rules separately.
type Scorer struct {
	now func() time.Time
}

func NewScorer() *Scorer {
	return &Scorer{now: time.Now}
}

// NewScorerWithClock is used by tests that need a fixed window.
func NewScorerWithClock(now func() time.Time) *Scorer {
	return &Scorer{now: now}
}

func (s *Scorer) Evaluate(alerts []domain.AlertRecord, rules Rules) []domain.ThreatVerdict {
	return Evaluate(alerts, rules, s.now())
}
