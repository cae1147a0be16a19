package tracker

import (
	"fmt"
	"time"

	"tracking-service/internal/location"
	"tracking-service/internal/metrics"
	"tracking-service/internal/redis"
)

// Each transition releases or acquires the guard first, then replaces the
// subscription. The loop handles nothing else until it returns.

func (c *Controller) enterLive(now time.Time) {
	c.state.viewerLiveUntil = now.Add(c.cfg.LiveWindow)
	if c.state.mode == Live {
		if !c.guard.Held() {
			c.acquireGuard()
		}
		c.logger.Debug().Time("until", c.state.viewerLiveUntil).Msg("live window extended")
		return
	}

	c.heartbeat.stop()
	c.acquireGuard()
	c.renewal.start()
	c.setMode(Live)
	c.subscribe()
}

func (c *Controller) enterMoving(now time.Time) {
	c.heartbeat.stop()
	c.state.lastMovementTime = now
	c.setMode(Moving)
	c.subscribe()
	c.requestFix(location.PriorityHighAccuracy, fixMovement, 0)
}

func (c *Controller) enterIdle() {
	c.renewal.stop()
	c.guard.Release()
	c.heartbeat.start()
	c.setMode(Idle)
	c.subscribe()
}

// leaveLive falls back to Idle when nothing moved within the idle timeout.
func (c *Controller) leaveLive(now time.Time) {
	c.renewal.stop()
	c.guard.Release()
	if now.Sub(c.state.lastMovementTime) >= c.cfg.IdleTimeout {
		c.heartbeat.start()
		c.setMode(Idle)
	} else {
		c.setMode(Moving)
	}
	c.subscribe()
}

func (c *Controller) downgradeLive() {
	c.renewal.stop()
	c.guard.Release()
	c.setMode(Moving)
	c.subscribe()
}

func (c *Controller) setMode(to Mode) {
	from := c.state.mode
	c.state.mode = to
	c.logger.Info().Str("from", from.String()).Str("to", to.String()).Msg("mode changed")
	metrics.SetMode(from.String(), to.String())
	c.publish(redis.FieldMode, to.String())
}

func (c *Controller) acquireGuard() {
	if err := c.guard.Acquire(c.cfg.WakeLockTimeout); err != nil {
		c.logger.Warn().Err(fmt.Errorf("%w: %w", ErrResourceAcquisition, err)).Msg("continuing without wake lock")
	}
}

// subscribe removes the current subscription before installing the one for
// the current mode. Samples from an older subscription are dropped.
func (c *Controller) subscribe() {
	c.location.Unsubscribe()
	c.subGen++
	gen := c.subGen

	req := c.request(c.state.mode)
	err := c.location.Subscribe(req, func(s location.Sample) {
		c.post(sampleEvent{gen: gen, sample: s})
	})
	if err != nil {
		c.logger.Error().Err(err).Str("mode", c.state.mode.String()).Msg("failed to subscribe to location updates")
	}
}

func (c *Controller) request(m Mode) location.Request {
	switch m {
	case Live:
		return location.Request{Interval: c.cfg.LiveSampleInterval, Priority: location.PriorityHighAccuracy}
	case Idle:
		return location.Request{Interval: c.cfg.IdleInterval, MinDistance: c.cfg.IdleMinDistance, Priority: location.PriorityLowPower}
	}
	p := location.PriorityBalanced
	if c.settings.HighAccuracy {
		p = location.PriorityHighAccuracy
	}
	return location.Request{Interval: c.settings.UpdateInterval, MinDistance: c.cfg.MovingMinDistance, Priority: p}
}

func (c *Controller) requestFix(p location.Priority, purpose fixPurpose, gen uint64) {
	c.location.RequestCurrent(p, func(s location.Sample, err error) {
		c.post(fixEvent{purpose: purpose, gen: gen, sample: s, err: err})
	})
}
