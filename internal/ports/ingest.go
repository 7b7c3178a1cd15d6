// Package ports defines the primary and secondary port interfaces following
// hexagonal architecture (ports and adapters pattern).
//
// This package contains interfaces that define the contract between the core
// domain logic and external infrastructure (log sources, the RPC child process,
// the firewall, action outputs).
//
// Design Principles:
//   - Interfaces are small and focused (Interface Segregation Principle)
//   - Dependencies flow inward (core domain has no external dependencies)
//   - Implementations provided by adapters in internal/adapters/
package ports

import (
	"github.com/xoelrdgz/eveguard/internal/domain"
)

// AlertSink receives alerts produced by a log source.
//
// Implementations:
//   - domain.AlertRingBuffer: bounded in-memory history
//
// Thread Safety: Implementations MUST be safe for concurrent Append() calls
// and concurrent reads.
type AlertSink interface {
	// Append stores one normalized alert. Must not block for long; the
	// follower loop calls it inline.
	Append(rec domain.AlertRecord)
}

// AlertHistory is the read side of the alert store.
type AlertHistory interface {
	// Latest returns up to n most recent alerts, oldest first, as a copy.
	// n <= 0 returns everything retained.
	Latest(n int) []domain.AlertRecord

	// Len returns the number of retained alerts.
	Len() int
}

// AlertStore is both sides of the alert history. The tool server reads from
// it and injects synthetic alerts into it.
//
// Implementations:
//   - domain.AlertRingBuffer
type AlertStore interface {
	AlertSink
	AlertHistory
}

// EventParser turns one raw log line into an alert.
type EventParser interface {
	// Parse decodes a single trimmed, non-empty line.
	//
	// Returns:
	//   - rec, true, nil for a recognized alert event
	//   - zero, false, nil for a well-formed event of another kind
	//   - zero, false, err for malformed input
	Parse(line []byte) (domain.AlertRecord, bool, error)
}

// IngestObserver observes the log follower. Used for metrics.
//
// Thread Safety: Implementations MUST be safe for concurrent calls.
type IngestObserver interface {
	// IncrementLinesProcessedByResult records the result of consuming one line.
	//
	// Parameters:
	//   - result: "alert", "ignored", "malformed" or "oversize"
	IncrementLinesProcessedByResult(result string)

	// ObserveRotation records that the followed file was replaced or truncated.
	ObserveRotation()
}
