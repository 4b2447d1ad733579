// Package tick is the single timer driving decay, delta emission, and
// usage aggregation. The loop is deadline-based rather than a
// free-running interval, so a slow tick never accumulates skew, and
// the cadence adapts: fast while anything is changing, backed off
// after a quiet spell, snapped back to fast by the next observation.
package tick

import (
	"context"
	"time"

	"github.com/eisen-labs/eisen-core/internal/session"
	"github.com/eisen-labs/eisen-core/internal/wire"
)

const (
	baseInterval = 100 * time.Millisecond
	idleInterval = 500 * time.Millisecond
	idleAfter    = 2 * time.Second
)

// Publisher receives everything a tick produces, in emission order.
type Publisher interface {
	Publish(key wire.SessionKey, mode wire.SessionMode, msg any)
}

// Driver runs the tick loop over a hub's trackers and orchestrators.
type Driver struct {
	hub *session.Hub
	pub Publisher

	kick chan struct{}
	now  func() time.Time
}

// NewDriver creates a Driver. Wire its Kick into the hub's activity
// callback before starting trackers.
func NewDriver(hub *session.Hub, pub Publisher) *Driver {
	return &Driver{
		hub:  hub,
		pub:  pub,
		kick: make(chan struct{}, 1),
		now:  time.Now,
	}
}

// Kick snaps the cadence back to the base interval. Safe to call from
// any goroutine; extra kicks coalesce.
func (d *Driver) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Run ticks until ctx is cancelled.
func (d *Driver) Run(ctx context.Context) {
	lastActivity := d.now()
	timer := time.NewTimer(baseInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.kick:
			lastActivity = d.now()
		case <-timer.C:
			if d.tick() {
				lastActivity = d.now()
			}
		}

		interval := idleInterval
		if d.hub.AnyDirty() || d.now().Sub(lastActivity) < idleAfter {
			interval = baseInterval
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(interval)
	}
}

// tick runs one full pass: per-tracker usage, orchestrator usage,
// per-tracker decay and delta, orchestrator delta. It reports whether
// anything was emitted.
func (d *Driver) tick() bool {
	emitted := false

	trackers := d.hub.Trackers()
	orchs := d.hub.Orchestrators()

	for _, t := range trackers {
		if usage, ok := t.DrainUsage(); ok {
			d.pub.Publish(t.Key(), wire.ModeSingleAgent, usage)
			emitted = true
		}
	}

	for _, o := range orchs {
		if usage, ok := o.Usage(); ok {
			d.pub.Publish(o.Key(), wire.ModeOrchestrator, usage)
			emitted = true
		}
	}

	for _, t := range trackers {
		t.Tick()
		if delta, ok := t.Delta(); ok {
			d.pub.Publish(t.Key(), wire.ModeSingleAgent, delta)
			emitted = true
		}
	}

	for _, o := range orchs {
		if delta, ok := o.Tick(); ok {
			d.pub.Publish(o.Key(), wire.ModeOrchestrator, delta)
			emitted = true
		}
	}

	return emitted
}
