package app

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/xoelrdgz/eveguard/internal/adapters/rpc"
	"github.com/xoelrdgz/eveguard/internal/domain"
	"github.com/xoelrdgz/eveguard/internal/ports"
	"github.com/xoelrdgz/eveguard/pkg/sanitize"
)

// DefaultBlockRate is the number of block requests allowed per second.
const DefaultBlockRate = 5.0

type CoordinatorConfig struct {
	AutoBlock bool
	// BlockRate paces block requests; <= 0 disables pacing.
	BlockRate float64
}

func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		AutoBlock: true,
		BlockRate: DefaultBlockRate,
	}
}

// BlockedSet is the set of addresses successfully blocked by this process.
// It only grows and is never persisted.
type BlockedSet struct {
	addrs map[string]time.Time
	mu    sync.RWMutex
}

func NewBlockedSet() *BlockedSet {
	return &BlockedSet{addrs: make(map[string]time.Time)}
}

func (s *BlockedSet) Contains(addr string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.addrs[addr]
	return ok
}

// Add reports whether addr was newly added.
func (s *BlockedSet) Add(addr string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.addrs[addr]; ok {
		return false
	}
	s.addrs[addr] = at
	return true
}

func (s *BlockedSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.addrs)
}

// List returns the blocked addresses sorted.
func (s *BlockedSet) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.addrs))
	for addr := range s.addrs {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// Coordinator turns verdicts into block requests. An address enters the
// BlockedSet only after an acknowledged block; failures are retried by the
// next pass.
type Coordinator struct {
	blocker   ports.BlockRequester
	recorders []ports.ActionRecorder
	observer  ports.ResponseObserver
	blocked   *BlockedSet
	limiter   *rate.Limiter
	autoBlock atomic.Bool
	now       func() time.Time
}

func NewCoordinator(blocker ports.BlockRequester, config CoordinatorConfig, recorders ...ports.ActionRecorder) *Coordinator {
	c := &Coordinator{
		blocker:   blocker,
		recorders: recorders,
		blocked:   NewBlockedSet(),
		now:       time.Now,
	}
	if config.BlockRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(config.BlockRate), 1)
	}
	c.autoBlock.Store(config.AutoBlock)
	return c
}

func (c *Coordinator) SetObserver(observer ports.ResponseObserver) {
	c.observer = observer
}

// SetAutoBlock switches between blocking and report-only mode. Safe to call
// while Respond runs.
func (c *Coordinator) SetAutoBlock(enabled bool) {
	c.autoBlock.Store(enabled)
}

func (c *Coordinator) AutoBlock() bool {
	return c.autoBlock.Load()
}

func (c *Coordinator) Blocked() *BlockedSet {
	return c.blocked
}

// Respond handles verdicts in ranked order and returns one outcome per
// verdict.
func (c *Coordinator) Respond(ctx context.Context, verdicts []domain.ThreatVerdict) []domain.Outcome {
	outcomes := make([]domain.Outcome, 0, len(verdicts))
	for _, v := range verdicts {
		outcome := c.respond(ctx, v)
		if c.observer != nil {
			c.observer.IncrementOutcome(outcome.Kind)
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

func (c *Coordinator) respond(ctx context.Context, v domain.ThreatVerdict) domain.Outcome {
	if c.blocked.Contains(v.Address) {
		return domain.Outcome{Verdict: v, Kind: domain.OutcomeSkipped}
	}

	addr := sanitize.Address(v.Address)
	if !c.autoBlock.Load() {
		log.Warn().
			Str("ip", addr).
			Str("rule", string(v.Rule)).
			Int("score", v.Score).
			Msg("Threat detected, auto block disabled")
		return domain.Outcome{Verdict: v, Kind: domain.OutcomeReported}
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return failed(v, "", err)
		}
	}

	reason := sanitize.Reason(v.BlockReason())
	reply, err := c.blocker.BlockIP(ctx, v.Address, reason)
	if err != nil {
		if errors.Is(err, rpc.ErrNoResponse) {
			log.Warn().Str("ip", addr).Msg("Block request timed out")
		} else {
			log.Error().Err(err).Str("ip", addr).Msg("Block request failed")
		}
		return failed(v, "", err)
	}
	if !BlockSucceeded(reply) {
		log.Warn().Str("ip", addr).Str("reply", sanitize.Reason(reply)).Msg("Block rejected")
		return failed(v, reply, errors.New("block not acknowledged"))
	}

	now := c.now()
	c.blocked.Add(v.Address, now)
	log.Info().Str("ip", addr).Str("reason", reason).Msg("Blocked threat source")

	action := domain.Action{
		ID:        uuid.NewString(),
		Timestamp: now.UTC(),
		Action:    domain.ActionBlock,
		Address:   v.Address,
		Details:   v,
	}
	if err := c.record(ctx, action); err != nil {
		log.Error().Err(err).Str("ip", addr).Msg("Failed to record block action")
	}
	return domain.Outcome{Verdict: v, Kind: domain.OutcomeBlocked, Reply: reply}
}

// record fans the action out to every recorder. A failing recorder never
// undoes the block.
func (c *Coordinator) record(ctx context.Context, action domain.Action) error {
	var result *multierror.Error
	for _, r := range c.recorders {
		if err := r.Record(ctx, action); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Close releases every recorder.
func (c *Coordinator) Close() error {
	var result *multierror.Error
	for _, r := range c.recorders {
		if err := r.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// BlockSucceeded interprets a block acknowledgment: it must contain
// "Success", or "blocked" in any case.
func BlockSucceeded(reply string) bool {
	if reply == "" {
		return false
	}
	return strings.Contains(reply, "Success") || strings.Contains(strings.ToLower(reply), "blocked")
}

func failed(v domain.ThreatVerdict, reply string, err error) domain.Outcome {
	return domain.Outcome{Verdict: v, Kind: domain.OutcomeFailed, Reply: reply, Error: err.Error()}
}
