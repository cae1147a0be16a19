package tracker

import (
	"time"

	"tracking-service/internal/location"
	"tracking-service/internal/metrics"
)

// The heartbeat runs only in Idle. It first fires one full idle interval after
// Idle is entered, asks for a balanced fix and uploads it without the idle
// interval check. A fix that shows displacement wakes the controller first.

func (c *Controller) onHeartbeat(now time.Time) {
	metrics.HeartbeatsTotal.Inc()
	if !c.uploads.CanUpload(now) {
		c.logger.Debug().Str("uploads", c.uploads.String()).Msg("heartbeat skipped")
		return
	}
	c.logger.Debug().Msg("heartbeat")
	c.requestFix(location.PriorityBalanced, fixHeartbeat, c.heartbeat.gen)
}

// onHeartbeatFix uploads the fix, or the last known location when no fix
// could be obtained.
func (c *Controller) onHeartbeatFix(now time.Time, e fixEvent) {
	if !c.heartbeat.current(e.gen) {
		return
	}

	s := e.sample
	if e.err != nil {
		if c.state.lastLocation == nil {
			c.logger.Warn().Err(e.err).Msg("heartbeat fix failed, no location to report")
			return
		}
		c.logger.Warn().Err(e.err).Msg("heartbeat fix failed, reporting last known location")
		s = *c.state.lastLocation
	} else {
		if c.moved(s) {
			c.logger.Info().Msg("heartbeat fix shows movement")
			c.enterMoving(now)
		}
		c.state.lastLocation = &s
	}
	c.considerUpload(now, s, true)
}
