// Package poller runs the periodic background update check. It stands
// in for the display's timer loop: the check runs off the UI path
// through the coordinator, and its cadence follows the
// update_check_interval_seconds setting, re-read whenever the
// configuration changes.
package poller

import (
	"context"
	"log/slog"
	"time"

	"github.com/stationboard/stationboard/internal/config"
	"github.com/stationboard/stationboard/internal/coordinator"
	"github.com/stationboard/stationboard/internal/update"
)

const intervalKey = "update_check_interval_seconds"

// Poller schedules background update checks.
type Poller struct {
	workflow *update.Workflow
	coord    coordinator.Coordinator
	cfg      *config.Store

	cancel context.CancelFunc
	done   chan struct{}

	intervalChanged chan time.Duration
}

// New returns a Poller driving the given workflow.
func New(workflow *update.Workflow, coord coordinator.Coordinator, cfg *config.Store) *Poller {
	return &Poller{
		workflow:        workflow,
		coord:           coord,
		cfg:             cfg,
		done:            make(chan struct{}),
		intervalChanged: make(chan time.Duration, 1),
	}
}

func (p *Poller) interval() time.Duration {
	seconds := p.cfg.GetInt(intervalKey)
	if seconds <= 0 {
		seconds = 300
	}
	return time.Duration(seconds) * time.Second
}

// Start begins the check loop. Blocks until the context is cancelled.
func (p *Poller) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)
	defer close(p.done)

	p.cfg.Subscribe(func(_ map[string]any, changed []string) {
		for _, key := range changed {
			if key != intervalKey {
				continue
			}
			select {
			case p.intervalChanged <- p.interval():
			default:
			}
		}
	})

	interval := p.interval()
	slog.Info("starting background update checks", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.check(ctx)
		case interval = <-p.intervalChanged:
			slog.Info("update check interval changed", "interval", interval)
			ticker.Reset(interval)
		case <-ctx.Done():
			slog.Info("background update checks stopping")
			return nil
		}
	}
}

// Stop cancels the loop and waits for it to finish.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
}

func (p *Poller) check(ctx context.Context) {
	// Skip rather than queue when an operation is running; the next tick
	// will catch up.
	if p.coord.IsActive() {
		slog.Debug("skipping background update check, operation in progress")
		return
	}
	result := p.workflow.CheckForUpdates(ctx, "")
	if result.Error != "" {
		slog.Warn("background update check failed", "error", result.Error)
		return
	}
	slog.Debug("background update check finished",
		"updates_available", result.UpdatesAvailable,
		"local", result.LocalHead,
		"remote", result.RemoteHead)
}
