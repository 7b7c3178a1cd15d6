package output

import (
	"fmt"
	"sync"
	"time"

	"github.com/xoelrdgz/eveguard/internal/domain"
)

type HealthStatus struct {
	Healthy    bool          `json:"healthy"`
	Status     string        `json:"status"`
	Passes     int64         `json:"passes"`
	Failed     int64         `json:"failed_passes"`
	LastPassAt time.Time     `json:"last_pass_at,omitempty"`
	Uptime     time.Duration `json:"uptime_ns"`
	Reason     string        `json:"reason,omitempty"`
}

// HealthChecker derives readiness from a running flag and, for the agent, the
// recency of the last evaluation pass.
type HealthChecker struct {
	running      func() bool
	history      *domain.PassHistory
	maxStaleness time.Duration
	startTime    time.Time
	now          func() time.Time

	lastCheck     HealthStatus
	lastCheckTime time.Time
	lastCheckMu   sync.RWMutex
	checkInterval time.Duration
}

type HealthCheckerConfig struct {
	// MaxStaleness is how old the last pass may be; zero disables the check.
	MaxStaleness  time.Duration
	CheckInterval time.Duration
}

func DefaultHealthCheckerConfig(checkInterval time.Duration) HealthCheckerConfig {
	return HealthCheckerConfig{
		MaxStaleness:  3 * checkInterval,
		CheckInterval: time.Second,
	}
}

// NewHealthChecker builds a checker. history may be nil for processes that
// do not run evaluation passes.
func NewHealthChecker(running func() bool, history *domain.PassHistory, config HealthCheckerConfig) *HealthChecker {
	return &HealthChecker{
		running:       running,
		history:       history,
		maxStaleness:  config.MaxStaleness,
		checkInterval: config.CheckInterval,
		startTime:     time.Now(),
		now:           time.Now,
	}
}

func (h *HealthChecker) Check() HealthStatus {
	h.lastCheckMu.RLock()
	if h.checkInterval > 0 && h.now().Sub(h.lastCheckTime) < h.checkInterval {
		cached := h.lastCheck
		h.lastCheckMu.RUnlock()
		return cached
	}
	h.lastCheckMu.RUnlock()

	status := h.performCheck()

	h.lastCheckMu.Lock()
	h.lastCheck = status
	h.lastCheckTime = h.now()
	h.lastCheckMu.Unlock()

	return status
}

func (h *HealthChecker) performCheck() HealthStatus {
	now := h.now()
	status := HealthStatus{Uptime: now.Sub(h.startTime)}

	if h.running == nil || !h.running() {
		status.Status = "OFFLINE"
		status.Reason = "not running"
		return status
	}
	if h.history == nil {
		status.Healthy = true
		status.Status = "HEALTHY"
		return status
	}

	status.Passes, status.Failed = h.history.Counts()
	last, ok := h.history.Last()
	if !ok {
		status.Healthy = true
		status.Status = "STARTING"
		return status
	}
	status.LastPassAt = last.StartedAt

	if age := now.Sub(last.StartedAt); h.maxStaleness > 0 && age > h.maxStaleness {
		status.Status = "STALLED"
		status.Reason = fmt.Sprintf("last pass %v ago exceeds %v", age.Round(time.Second), h.maxStaleness)
		return status
	}

	status.Healthy = true
	if last.Error != "" {
		status.Status = "DEGRADED"
		status.Reason = "last pass failed: " + last.Error
	} else {
		status.Status = "HEALTHY"
	}
	return status
}
