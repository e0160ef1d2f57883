package durableobject

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/flowstream/eventcore/internal/metrics"
)

// AlarmConfig bounds the embedded store's retention sweep and the
// inactivity alarm that eventually reclaims a channel's persistent state
// entirely once nothing references it any longer.
type AlarmConfig struct {
	RetentionWindow     time.Duration
	InactivityThreshold time.Duration
	SweepInterval       time.Duration // how often the sweep loop wakes; defaults to RetentionWindow/4
}

// Alarm runs the embedded backend's retention sweep and inactivity alarm
// on a single background goroutine, scoped to one durable object instance.
type Alarm struct {
	hub    *Hub
	cfg    AlarmConfig
	logger *zap.Logger

	armedAt time.Time
	stopCh  chan struct{}
}

// NewAlarm creates an Alarm for hub. Call Start to begin the loop and Stop
// to end it.
func NewAlarm(hub *Hub, cfg AlarmConfig, logger *zap.Logger) *Alarm {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.RetentionWindow / 4
		if cfg.SweepInterval <= 0 {
			cfg.SweepInterval = time.Minute
		}
	}
	return &Alarm{hub: hub, cfg: cfg, logger: logger, stopCh: make(chan struct{})}
}

// Start arms the alarm at now + (retention + inactivityThreshold), per the
// first-init behavior in the spec, and begins the sweep loop.
func (a *Alarm) Start(ctx context.Context) {
	a.armedAt = time.Now().Add(a.cfg.RetentionWindow + a.cfg.InactivityThreshold)
	go a.loop(ctx)
}

// Stop ends the sweep loop. It is safe to call once.
func (a *Alarm) Stop() {
	close(a.stopCh)
}

func (a *Alarm) loop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.sweep(ctx)
			if time.Now().After(a.armedAt) {
				a.fire(ctx)
			}
		}
	}
}

func (a *Alarm) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-a.cfg.RetentionWindow)
	evicted, err := a.hub.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		a.logger.Warn("embedded retention sweep failed", zap.Error(err))
		return
	}
	if evicted > 0 {
		metrics.RetentionSweepEvictions.WithLabelValues("embedded").Add(float64(evicted))
	}
}

// fire implements the alarm-fire decision: reschedule if any live
// subscriber exists or any non-expired event remains; otherwise delete all
// persistent state atomically.
func (a *Alarm) fire(ctx context.Context) {
	a.hub.mu.RLock()
	hasSubscribers := len(a.hub.sockets) > 0
	a.hub.mu.RUnlock()

	if hasSubscribers {
		a.reschedule()
		return
	}

	cutoff := time.Now().Add(-a.cfg.RetentionWindow)
	hasLiveEvents, err := a.hub.store.HasEventsAfter(ctx, cutoff)
	if err != nil {
		a.logger.Warn("inactivity alarm: failed to check for live events, rescheduling", zap.Error(err))
		a.reschedule()
		return
	}
	if hasLiveEvents {
		a.reschedule()
		return
	}

	if err := a.hub.store.ResetSchema(ctx); err != nil {
		a.logger.Error("inactivity alarm: failed to delete persistent state", zap.Error(err))
		a.reschedule()
		return
	}
	a.logger.Info("inactivity alarm: persistent state deleted, no subscribers or live events remained")
	a.reschedule()
}

func (a *Alarm) reschedule() {
	a.armedAt = time.Now().Add(a.cfg.RetentionWindow + a.cfg.InactivityThreshold)
}
