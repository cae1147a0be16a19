package tracker

import (
	"time"

	"tracking-service/internal/location"
	"tracking-service/internal/metrics"
	"tracking-service/internal/upload"
)

func (c *Controller) processSample(now time.Time, s location.Sample) {
	if c.moved(s) {
		if c.state.mode == Idle {
			c.logger.Info().Float64("speed", s.SpeedMPS).Msg("movement detected")
			c.enterMoving(now)
		} else {
			c.state.lastMovementTime = now
		}
	}
	c.state.lastLocation = &s
	c.considerUpload(now, s, false)
}

func (c *Controller) moved(s location.Sample) bool {
	if s.SpeedMPS > c.cfg.SpeedThreshold {
		return true
	}
	return c.state.lastLocation != nil &&
		location.Distance(*c.state.lastLocation, s) > c.cfg.MoveDistanceThreshold
}

// considerUpload applies the upload gates. forced skips the idle interval
// check but never the auth block or backoff.
func (c *Controller) considerUpload(now time.Time, s location.Sample, forced bool) {
	switch {
	case c.uploads.AuthBlocked(now):
		metrics.UploadsSkippedTotal.WithLabelValues("auth-blocked").Inc()
		return
	case c.uploads.InBackoff(now):
		metrics.UploadsSkippedTotal.WithLabelValues("backoff").Inc()
		return
	case !forced && c.state.mode == Idle && !c.state.lastUploadTime.IsZero() &&
		now.Sub(c.state.lastUploadTime) < c.cfg.IdleInterval:
		metrics.UploadsSkippedTotal.WithLabelValues("idle-interval").Inc()
		return
	}

	if c.uploading {
		c.pending = &s
		return
	}
	c.send(s)
}

func (c *Controller) send(s location.Sample) {
	c.uploading = true
	payload := upload.NewPayload(s, c.state.mode != Idle)
	c.uploader.Upload(c.ctx, payload, func(o upload.Outcome) {
		c.post(uploadDoneEvent{outcome: o})
	})
}

func (c *Controller) onUploadDone(now time.Time, o upload.Outcome) {
	c.uploading = false
	metrics.UploadsTotal.WithLabelValues(o.String()).Inc()

	switch o {
	case upload.Success:
		hadFailures := c.uploads.ConsecutiveFailures > 0
		c.uploads.MarkSuccess()
		c.state.lastUploadTime = now
		if hadFailures {
			c.logger.Info().Msg("uploads recovered")
			c.persistFailures()
		}
	case upload.TransientFailure:
		c.uploads.MarkTransientFailure(now)
		c.logger.Warn().Err(ErrTransientUpload).
			Int("failures", c.uploads.ConsecutiveFailures).
			Dur("backoff", c.uploads.Backoff()).
			Msg("upload failed")
		c.persistFailures()
		if c.state.mode == Live && c.uploads.ConsecutiveFailures >= c.cfg.LiveFailureLimit {
			c.logger.Warn().Int("failures", c.uploads.ConsecutiveFailures).Msg("leaving live mode after repeated upload failures")
			c.downgradeLive()
		}
	case upload.AuthFailure:
		c.uploads.MarkAuthFailure(now)
		c.logger.Error().Err(ErrAuth).Time("until", c.uploads.AuthBlockedUntil).Msg("uploads suspended")
		c.persistFailures()
	}
	c.refreshStatus(now)

	if c.pending == nil {
		return
	}
	p := *c.pending
	c.pending = nil
	if !c.uploads.CanUpload(now) {
		metrics.UploadsSkippedTotal.WithLabelValues("pending-dropped").Inc()
		return
	}
	c.send(p)
}
