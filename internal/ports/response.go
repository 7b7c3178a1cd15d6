package ports

import (
	"context"
	"time"

	"github.com/xoelrdgz/eveguard/internal/domain"
)

// AlertFetcher retrieves recent alerts from the tool server.
type AlertFetcher interface {
	// GetRecentAlerts returns up to count most recent alerts.
	//
	// Returns:
	//   - the alerts on success
	//   - rpc.ErrNoResponse if the counterpart did not answer in time
	//   - a transport or protocol error otherwise
	GetRecentAlerts(ctx context.Context, count int) ([]domain.AlertRecord, error)
}

// BlockRequester asks the tool server to block an address.
type BlockRequester interface {
	// BlockIP issues a block request and returns the counterpart's free-text
	// acknowledgment. Whether the text means success is decided by the caller.
	BlockIP(ctx context.Context, ip, reason string) (string, error)
}

// Firewall applies a block rule on the local host.
//
// Implementations:
//   - firewall.IPTables: iptables/ip6tables DROP rule
//
// Thread Safety: Implementations MUST be safe for concurrent Block() calls.
type Firewall interface {
	// Block installs a drop rule for ip. The address is validated by the
	// implementation; invalid input returns an error and changes nothing.
	Block(ctx context.Context, ip string) error

	// Blocked lists addresses blocked by this process, sorted.
	Blocked() []string
}

// ActionRecorder persists block actions.
//
// Implementations:
//   - output.ActionLog: append-only JSON lines file
//   - output.ActionStore: bbolt index for the status API and CLI
//   - output.Webhook: HTTP notification
//
// Thread Safety: Implementations MUST be safe for concurrent Record() calls.
type ActionRecorder interface {
	// Record appends one action. Failures are reported, never retried by the
	// caller.
	Record(ctx context.Context, action domain.Action) error

	// Close flushes and releases resources.
	Close() error
}

// ResponseObserver observes evaluation passes and their outcomes. Used for
// metrics.
//
// Thread Safety: Implementations MUST be safe for concurrent calls.
type ResponseObserver interface {
	// ObservePass records one completed pass.
	//
	// Parameters:
	//   - duration: wall time of fetch, scoring and response
	//   - failed: true if the pass ended early on a transport error
	ObservePass(duration time.Duration, failed bool)

	// IncrementOutcome records what was done with one verdict.
	IncrementOutcome(kind domain.OutcomeKind)
}
