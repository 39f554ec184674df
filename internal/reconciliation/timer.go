package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// startupDelay lets the server finish booting before the first audit.
const startupDelay = 5 * time.Second

// Timer audits the mirror on a fixed interval, starting shortly after boot
// so divergence left by a crash is surfaced without waiting a full period.
type Timer struct {
	service  *Service
	interval time.Duration
	delay    time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
	runs     atomic.Int64
}

// NewTimer creates a new reconciliation timer. A non-positive interval
// falls back to five minutes.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Timer{
		service:  service,
		interval: interval,
		delay:    min(startupDelay, interval),
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Runs is the number of audits the timer has started.
func (t *Timer) Runs() int64 { return t.runs.Load() }

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the periodic reconciliation loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	first := time.NewTimer(t.delay)
	defer first.Stop()
	select {
	case <-ctx.Done():
		return
	case <-t.stop:
		return
	case <-first.C:
		t.safeRun(ctx)
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
		}
	}()

	t.runs.Add(1)
	report, err := t.service.RunAll(ctx)
	if err != nil {
		t.logger.Warn("reconciliation run failed", "error", err)
		return
	}
	if report.Divergent > 0 {
		t.logger.Warn("mirror has diverged from custody",
			"divergent", report.Divergent, "checked", report.Checked)
	}
}
