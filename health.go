package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// HealthStatus is the health of a connection as seen by its probes.
type HealthStatus int

// HealthCheckConfig configures periodic connection probing.
type HealthCheckConfig struct {
	// Interval is the time between probes. Zero disables health checking.
	Interval time.Duration
	// Timeout bounds each probe.
	Timeout time.Duration
	// FailureThreshold is the number of consecutive failed probes that marks the connection
	// unhealthy and triggers a reconnect.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive successful probes that marks the
	// connection healthy.
	SuccessThreshold int
}

// HealthInfo is a snapshot of a HealthChecker.
type HealthInfo struct {
	Status               HealthStatus
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheck            time.Time
	LastError            error
}

// HealthChecker probes a connection on a fixed interval and reports when consecutive
// failures reach the configured threshold.
type HealthChecker struct {
	cfg    HealthCheckConfig
	probe  func(ctx context.Context) error
	logger *slog.Logger

	mu   sync.Mutex
	info HealthInfo
}

// HealthStatus values.
const (
	HealthUnknown HealthStatus = iota
	HealthHealthy
	HealthUnhealthy
)

// DefaultHealthCheckConfig returns the health check configuration used when none is given.
func DefaultHealthCheckConfig() HealthCheckConfig {
	return HealthCheckConfig{
		Interval:         30 * time.Second,
		Timeout:          5 * time.Second,
		FailureThreshold: 3,
		SuccessThreshold: 2,
	}
}

func (c HealthCheckConfig) validate() error {
	if c.Interval <= 0 {
		return nil
	}
	switch {
	case c.Timeout <= 0:
		return errors.New("health check timeout must be positive")
	case c.FailureThreshold < 1:
		return errors.New("health check failure threshold must be at least 1")
	case c.SuccessThreshold < 1:
		return errors.New("health check success threshold must be at least 1")
	}
	return nil
}

// NewHealthChecker creates a health checker that runs probe on every tick.
func NewHealthChecker(cfg HealthCheckConfig, probe func(ctx context.Context) error, logger *slog.Logger) *HealthChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthChecker{cfg: cfg, probe: probe, logger: logger}
}

// Check runs one probe and returns the resulting status.
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	pCtx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	err := h.probe(pCtx)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.info.LastCheck = time.Now()
	h.info.LastError = err
	if err != nil {
		h.info.ConsecutiveFailures++
		h.info.ConsecutiveSuccesses = 0
		if h.info.ConsecutiveFailures >= h.cfg.FailureThreshold {
			h.info.Status = HealthUnhealthy
		}
		return h.info.Status
	}

	h.info.ConsecutiveSuccesses++
	h.info.ConsecutiveFailures = 0
	if h.info.ConsecutiveSuccesses >= h.cfg.SuccessThreshold {
		h.info.Status = HealthHealthy
	}
	return h.info.Status
}

// Run probes until ctx is done or the connection turns unhealthy. In the latter case it
// returns an error matching ErrUnhealthy. paused, when not nil, is consulted before every
// probe and lets the caller skip ticks while the connection is not usable.
func (h *HealthChecker) Run(ctx context.Context, paused func() bool) error {
	if h.cfg.Interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if paused != nil && paused() {
			continue
		}

		if h.Check(ctx) != HealthUnhealthy {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		info := h.Info()
		h.logger.Warn("connection failed health checks",
			"failures", info.ConsecutiveFailures, "err", info.LastError)
		return fmt.Errorf("%w: %d consecutive probes failed: %w", ErrUnhealthy, info.ConsecutiveFailures, info.LastError)
	}
}

// Info returns a snapshot of the checker's counters.
func (h *HealthChecker) Info() HealthInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.info
}

// reset forgets all probe history. It is called when a new connection replaces the one
// the history was collected on.
func (h *HealthChecker) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.info = HealthInfo{}
}

func (s HealthStatus) String() string {
	switch s {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}
