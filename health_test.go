package mcp_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Epistates/turbomcp-sub001"
)

func TestHealthCheckerThresholds(t *testing.T) {
	errProbe := errors.New("no pong")

	tests := []struct {
		name    string
		results []error
		want    []mcp.HealthStatus
	}{
		{
			name:    "healthy after two successes",
			results: []error{nil, nil, nil},
			want:    []mcp.HealthStatus{mcp.HealthUnknown, mcp.HealthHealthy, mcp.HealthHealthy},
		},
		{
			name:    "unhealthy after three failures",
			results: []error{errProbe, errProbe, errProbe},
			want:    []mcp.HealthStatus{mcp.HealthUnknown, mcp.HealthUnknown, mcp.HealthUnhealthy},
		},
		{
			name:    "success resets the failure count",
			results: []error{errProbe, errProbe, nil, errProbe, errProbe},
			want: []mcp.HealthStatus{
				mcp.HealthUnknown, mcp.HealthUnknown, mcp.HealthUnknown, mcp.HealthUnknown, mcp.HealthUnknown,
			},
		},
		{
			name:    "recovery needs the success threshold",
			results: []error{errProbe, errProbe, errProbe, nil, nil},
			want: []mcp.HealthStatus{
				mcp.HealthUnknown, mcp.HealthUnknown, mcp.HealthUnhealthy, mcp.HealthUnhealthy, mcp.HealthHealthy,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var i int
			h := mcp.NewHealthChecker(mcp.HealthCheckConfig{
				Interval:         time.Second,
				Timeout:          time.Second,
				FailureThreshold: 3,
				SuccessThreshold: 2,
			}, func(context.Context) error {
				err := tt.results[i]
				i++
				return err
			}, mcp.DiscardLogger())

			for step, want := range tt.want {
				if got := h.Check(context.Background()); got != want {
					t.Errorf("step %d: expected %s, got %s", step, want, got)
				}
			}

			info := h.Info()
			if info.LastCheck.IsZero() {
				t.Error("expected LastCheck to be set")
			}
			last := tt.results[len(tt.results)-1]
			if !errors.Is(info.LastError, last) {
				t.Errorf("expected last error %v, got %v", last, info.LastError)
			}
		})
	}
}

func TestHealthCheckerProbeTimeout(t *testing.T) {
	h := mcp.NewHealthChecker(mcp.HealthCheckConfig{
		Interval:         time.Second,
		Timeout:          20 * time.Millisecond,
		FailureThreshold: 1,
		SuccessThreshold: 1,
	}, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, mcp.DiscardLogger())

	if got := h.Check(context.Background()); got != mcp.HealthUnhealthy {
		t.Errorf("expected a hung probe to count as a failure, got %s", got)
	}
	if err := h.Info().LastError; !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestHealthCheckerRun(t *testing.T) {
	var probes atomic.Int32
	h := mcp.NewHealthChecker(mcp.HealthCheckConfig{
		Interval:         5 * time.Millisecond,
		Timeout:          time.Second,
		FailureThreshold: 2,
		SuccessThreshold: 1,
	}, func(context.Context) error {
		probes.Add(1)
		return mcp.ErrTimeout
	}, mcp.DiscardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := h.Run(ctx, nil)
	if !errors.Is(err, mcp.ErrUnhealthy) {
		t.Fatalf("expected ErrUnhealthy, got %v", err)
	}
	if !errors.Is(err, mcp.ErrConnectionLost) {
		t.Errorf("expected an unhealthy connection to count as lost, got %v", err)
	}
	if n := probes.Load(); n != 2 {
		t.Errorf("expected 2 probes, got %d", n)
	}
}

func TestHealthCheckerRunPaused(t *testing.T) {
	var probes atomic.Int32
	h := mcp.NewHealthChecker(mcp.HealthCheckConfig{
		Interval:         5 * time.Millisecond,
		Timeout:          time.Second,
		FailureThreshold: 1,
		SuccessThreshold: 1,
	}, func(context.Context) error {
		probes.Add(1)
		return mcp.ErrTimeout
	}, mcp.DiscardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := h.Run(ctx, func() bool { return true }); err != nil {
		t.Errorf("expected nil when stopped by the context, got %v", err)
	}
	if n := probes.Load(); n != 0 {
		t.Errorf("expected paused checker not to probe, got %d probes", n)
	}
}

func TestHealthCheckerDisabled(t *testing.T) {
	h := mcp.NewHealthChecker(mcp.HealthCheckConfig{}, func(context.Context) error {
		t.Error("disabled checker must not probe")
		return nil
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx, nil) }()

	select {
	case err := <-done:
		t.Fatalf("expected Run to block until cancelled, returned %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	cancel()
	if err := recv(t, done, "run to stop"); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}
