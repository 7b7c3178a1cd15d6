package app

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"

	"github.com/xoelrdgz/eveguard/internal/adapters/detection"
	"github.com/xoelrdgz/eveguard/internal/adapters/rpc"
	"github.com/xoelrdgz/eveguard/internal/domain"
	"github.com/xoelrdgz/eveguard/internal/ports"
)

const (
	DefaultCheckInterval = 60 * time.Second
	DefaultFetchCount    = 100
)

type AgentConfig struct {
	CheckInterval time.Duration
	FetchCount    int
}

func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		CheckInterval: DefaultCheckInterval,
		FetchCount:    DefaultFetchCount,
	}
}

// Agent runs the periodic fetch, score and respond loop. Passes run
// sequentially; a stuck pass is bounded by the transport timeout.
type Agent struct {
	fetcher     ports.AlertFetcher
	scorer      *detection.Scorer
	coordinator *Coordinator
	config      AgentConfig
	history     *domain.PassHistory
	observer    ports.ResponseObserver

	rules atomic.Pointer[detection.Rules]

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

func NewAgent(fetcher ports.AlertFetcher, coordinator *Coordinator, rules detection.Rules, config AgentConfig) *Agent {
	if config.CheckInterval <= 0 {
		config.CheckInterval = DefaultCheckInterval
	}
	if config.FetchCount <= 0 {
		config.FetchCount = DefaultFetchCount
	}
	a := &Agent{
		fetcher:     fetcher,
		scorer:      detection.NewScorer(),
		coordinator: coordinator,
		config:      config,
		history:     &domain.PassHistory{},
	}
	a.rules.Store(&rules)
	return a
}

// SetScorer replaces the scorer, e.g. to pin the clock in tests.
func (a *Agent) SetScorer(s *detection.Scorer) {
	a.scorer = s
}

func (a *Agent) SetObserver(observer ports.ResponseObserver) {
	a.observer = observer
}

// SetRules swaps the scoring rules used by subsequent passes.
func (a *Agent) SetRules(rules detection.Rules) {
	a.rules.Store(&rules)
}

func (a *Agent) Rules() detection.Rules {
	return *a.rules.Load()
}

func (a *Agent) History() *domain.PassHistory {
	return a.history
}

func (a *Agent) Coordinator() *Coordinator {
	return a.coordinator
}

func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}
	a.running = true

	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.loop(ctx)
	}()

	log.Info().
		Dur("interval", a.config.CheckInterval).
		Int("fetch_count", a.config.FetchCount).
		Bool("auto_block", a.coordinator.AutoBlock()).
		Msg("Agent started")
	return nil
}

func (a *Agent) loop(ctx context.Context) {
	ticker := time.NewTicker(a.config.CheckInterval)
	defer ticker.Stop()

	for {
		a.RunPass(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunPass performs one fetch, score and respond cycle and records its report.
func (a *Agent) RunPass(ctx context.Context) domain.PassReport {
	start := time.Now()
	report := domain.PassReport{StartedAt: start.UTC()}

	alerts, err := a.fetcher.GetRecentAlerts(ctx, a.config.FetchCount)
	if err != nil {
		report.Error = err.Error()
		switch {
		case errors.Is(err, rpc.ErrNoResponse):
			log.Warn().Msg("No response fetching alerts, retrying next pass")
		case ctx.Err() != nil:
			log.Debug().Err(err).Msg("Pass cancelled")
		default:
			log.Warn().Err(err).Msg("Failed to fetch alerts")
		}
		return a.finish(report, start)
	}
	report.Alerts = len(alerts)

	verdicts := a.scorer.Evaluate(alerts, a.Rules())
	report.Verdicts = verdicts
	if len(verdicts) > 0 {
		log.Info().Int("alerts", len(alerts)).Int("threats", len(verdicts)).Msg("Threats detected")
	}
	report.Outcomes = a.coordinator.Respond(ctx, verdicts)
	return a.finish(report, start)
}

func (a *Agent) finish(report domain.PassReport, start time.Time) domain.PassReport {
	report.Duration = time.Since(start)
	a.history.Record(report)
	if a.observer != nil {
		a.observer.ObservePass(report.Duration, report.Error != "")
	}
	return report
}

func (a *Agent) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	cancel := a.cancel
	a.mu.Unlock()

	log.Info().Msg("Stopping agent...")
	cancel()
	a.wg.Wait()
	log.Info().Msg("Agent stopped")
}

func (a *Agent) IsRunning() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.running
}

// WaitForSignal blocks until SIGINT/SIGTERM or ctx is done, then stops the
// agent.
func (a *Agent) WaitForSignal(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case <-ctx.Done():
	}
	a.Stop()
}
