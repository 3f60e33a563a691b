// Package connwatch monitors the health of an external service and
// fires callbacks on reachability transitions. The bridge uses it to
// re-establish the gateway WebSocket after outages.
//
// A Watcher probes its service in two phases:
//  1. Startup: exponential backoff (2s, 4s, 8s, ... capped at 60s)
//  2. Background: periodic polling with state-transition callbacks
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether a service is reachable. Return nil if
// healthy.
type ProbeFunc func(ctx context.Context) error

// Backoff controls probe retry timing.
type Backoff struct {
	// InitialDelay is the delay before the first retry (default: 2s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 60s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64

	// MaxRetries is the maximum number of startup probe attempts
	// (default: 10).
	MaxRetries int

	// PollInterval is the background check interval once startup
	// retries are exhausted or the service connected (default: 60s).
	PollInterval time.Duration

	// ProbeTimeout limits each individual probe call (default: 10s).
	ProbeTimeout time.Duration
}

func (b Backoff) withDefaults() Backoff {
	if b.InitialDelay <= 0 {
		b.InitialDelay = 2 * time.Second
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = 60 * time.Second
	}
	if b.Multiplier <= 0 {
		b.Multiplier = 2.0
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = 10
	}
	if b.PollInterval <= 0 {
		b.PollInterval = 60 * time.Second
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = 10 * time.Second
	}
	return b
}

// Config configures a service watcher.
type Config struct {
	// Name identifies the service in logs (e.g. "gateway").
	Name string

	// Probe checks service health. Must be safe for concurrent use.
	Probe ProbeFunc

	// Backoff controls retry timing. Zero-value fields get defaults.
	Backoff Backoff

	// OnReady is called when the service transitions from not-ready to
	// ready. Runs in its own goroutine; must not block indefinitely.
	// Optional.
	OnReady func()

	// OnDown is called when the service transitions from ready to
	// not-ready. Runs in its own goroutine. Optional.
	OnDown func(err error)

	Logger *slog.Logger
}

// Status is a health snapshot of the watched service.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors a single service's health until its context is
// cancelled or Stop is called.
type Watcher struct {
	config Config
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// Watch starts a watcher for the configured service. It panics if Name
// is empty or Probe is nil; those are programming errors.
func Watch(ctx context.Context, cfg Config) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: Config.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: Config.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go w.run(watchCtx)
	return w
}

// IsReady reports whether the watched service is currently reachable.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// Status returns the current health snapshot.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Status{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

// run executes the startup backoff phase and then the background
// polling phase.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	cfg := w.config.Backoff
	logger := w.config.Logger

	delay := cfg.InitialDelay
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		err := w.probe(ctx)
		w.recordResult(err)

		if err == nil {
			w.ready.Store(true)
			logger.Info("service connected",
				"service", w.config.Name,
				"after_attempts", attempt,
			)
			if w.config.OnReady != nil {
				go w.config.OnReady()
			}
			break
		}

		if attempt == cfg.MaxRetries {
			logger.Info("startup connection failed, entering background polling",
				"service", w.config.Name,
				"attempts", attempt,
				"error", err,
			)
			break
		}

		logger.Debug("startup probe failed, retrying",
			"service", w.config.Name,
			"attempt", attempt,
			"next_delay", delay.String(),
			"error", err,
		)

		if !sleepCtx(ctx, delay) {
			return
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.probe(ctx)
			w.recordResult(err)
			wasReady := w.ready.Load()

			switch {
			case wasReady && err != nil:
				w.ready.Store(false)
				logger.Info("service became unreachable",
					"service", w.config.Name,
					"error", err,
				)
				if w.config.OnDown != nil {
					go w.config.OnDown(err)
				}
			case !wasReady && err == nil:
				w.ready.Store(true)
				logger.Info("service recovered", "service", w.config.Name)
				if w.config.OnReady != nil {
					go w.config.OnReady()
				}
			case !wasReady && err != nil:
				logger.Debug("service still unreachable",
					"service", w.config.Name,
					"error", err,
				)
			}
		}
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	defer cancel()
	return w.config.Probe(probeCtx)
}

func (w *Watcher) recordResult(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if
// cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
