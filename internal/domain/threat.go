package domain

import (
	"fmt"
	"sync"
	"time"
)

// Rule identifies which trigger produced a verdict.
type Rule string

const (
	RuleAlertCount Rule = "ALERT_COUNT"
	RuleRiskScore  Rule = "RISK_SCORE"
	RuleSignatures Rule = "MULTIPLE_SIGNATURES"
)

// Describe renders the human-readable reason for a rule and its measured value.
func (r Rule) Describe(value int) string {
	switch r {
	case RuleAlertCount:
		return fmt.Sprintf("high alert count (%d)", value)
	case RuleRiskScore:
		return fmt.Sprintf("high risk score (%d)", value)
	case RuleSignatures:
		return fmt.Sprintf("multiple attack signatures (%d)", value)
	default:
		return fmt.Sprintf("unknown rule (%d)", value)
	}
}

// MaxVerdictSignatures caps the example signatures carried by a verdict.
const MaxVerdictSignatures = 3

// ThreatVerdict classifies one source address as a threat. Verdicts are
// recomputed on every scoring pass.
type ThreatVerdict struct {
	Address    string   `json:"address"`
	Rule       Rule     `json:"rule"`
	Reason     string   `json:"reason"`
	Score      int      `json:"score"`
	Count      int      `json:"count"`
	Signatures []string `json:"signatures"`
}

// BlockReason is the reason string sent with a block request.
func (v ThreatVerdict) BlockReason() string {
	return fmt.Sprintf("%s (Score: %d)", v.Reason, v.Score)
}

type ActionKind string

const ActionBlock ActionKind = "BLOCK"

// Action is one entry of the append-only action log.
type Action struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	Action    ActionKind    `json:"action"`
	Address   string        `json:"address"`
	Details   ThreatVerdict `json:"details"`
}

type OutcomeKind string

const (
	OutcomeBlocked  OutcomeKind = "blocked"
	OutcomeFailed   OutcomeKind = "failed"
	OutcomeSkipped  OutcomeKind = "skipped"
	OutcomeReported OutcomeKind = "reported"
)

// Outcome records what the coordinator did with one verdict.
type Outcome struct {
	Verdict ThreatVerdict `json:"verdict"`
	Kind    OutcomeKind   `json:"kind"`
	Reply   string        `json:"reply,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// PassReport summarizes one evaluation pass.
type PassReport struct {
	StartedAt time.Time       `json:"started_at"`
	Duration  time.Duration   `json:"duration_ns"`
	Alerts    int             `json:"alerts"`
	Verdicts  []ThreatVerdict `json:"verdicts"`
	Outcomes  []Outcome       `json:"outcomes"`
	Error     string          `json:"error,omitempty"`
}

// PassHistory keeps the most recent pass report and counters for status
// endpoints.
type PassHistory struct {
	last   PassReport
	passes int64
	failed int64
	mu     sync.RWMutex
}

func (h *PassHistory) Record(r PassReport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = r
	h.passes++
	if r.Error != "" {
		h.failed++
	}
}

// Last returns the latest report and whether any pass has completed.
func (h *PassHistory) Last() (PassReport, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.last, h.passes > 0
}

func (h *PassHistory) Counts() (passes, failed int64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.passes, h.failed
}
