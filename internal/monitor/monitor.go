// Package monitor implements C10's single periodic sweep: inactivity and
// no-show abandonment followed by the auto-finish check, grounded on the
// r3e-network automation Scheduler's ticker/cancel/WaitGroup lifecycle
// (Start/Stop, context-cancelled background goroutine) generalized from one
// poll-and-dispatch loop to two sweeps fanned out across affected races
// with golang.org/x/sync/errgroup.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/speedfog/racing-core/internal/config"
	"github.com/speedfog/racing-core/internal/metrics"
	"github.com/speedfog/racing-core/internal/race"
	"github.com/speedfog/racing-core/internal/store"
)

// Monitor runs the inactivity/no-show sweep from spec.md §4.10 on a fixed
// interval until Stop is called.
type Monitor struct {
	store   *store.Store
	ctrl    *race.Controller
	cfg     config.MonitorConfig
	metrics *metrics.Metrics
	log     *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func New(st *store.Store, ctrl *race.Controller, cfg config.MonitorConfig, m *metrics.Metrics, log *slog.Logger) *Monitor {
	return &Monitor{store: st, ctrl: ctrl, cfg: cfg, metrics: m, log: log}
}

// Start begins the background polling loop. Calling Start twice is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.Interval())
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				m.tick(runCtx)
			}
		}
	}()

	m.log.Info("monitor: started", "interval", m.cfg.Interval())
}

// Stop cancels the loop and waits for the in-flight tick, if any, to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	m.log.Info("monitor: stopped")
}

// tick runs both sweeps (spec.md §4.10). Each sweep is idempotent (P9):
// terminal participant states are sticky, so running it twice changes
// nothing further the second time.
func (m *Monitor) tick(ctx context.Context) {
	inactiveRaces, err := m.store.AbandonInactiveParticipants(ctx, int(m.cfg.InactivityTimeout().Minutes()))
	if err != nil {
		m.log.Error("monitor: inactivity sweep failed", "error", err)
	} else if len(inactiveRaces) > 0 {
		m.recordAbandoned("inactivity", len(inactiveRaces))
		m.checkAffected(ctx, inactiveRaces)
	}

	noShowRaces, err := m.store.AbandonNoShowParticipants(ctx, int(m.cfg.NoShowTimeout().Minutes()))
	if err != nil {
		m.log.Error("monitor: no-show sweep failed", "error", err)
	} else if len(noShowRaces) > 0 {
		m.recordAbandoned("no_show", len(noShowRaces))
		m.checkAffected(ctx, noShowRaces)
	}
}

func (m *Monitor) recordAbandoned(reason string, count int) {
	if m.metrics != nil {
		m.metrics.AbandonedParticipants.WithLabelValues(reason).Add(float64(count))
	}
}

// checkAffected runs the auto-finish check concurrently across every
// affected race — each check is an independent transaction, so there is no
// cross-race ordering requirement to preserve (spec.md §5: "across races: no
// ordering guarantee").
func (m *Monitor) checkAffected(ctx context.Context, raceIDs []string) {
	g, gctx := errgroup.WithContext(ctx)
	for _, raceID := range raceIDs {
		raceID := raceID
		g.Go(func() error {
			if err := m.ctrl.AutoFinishCheck(gctx, raceID); err != nil {
				m.log.Error("monitor: auto-finish check failed", "race_id", raceID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
