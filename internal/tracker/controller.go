// Package tracker decides how often to sample location, when to hold the
// wake lock and when to upload. All state lives on a single goroutine that
// drains a mailbox of events posted by location, activity, timer and upload
// callbacks.
package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tracking-service/internal/activity"
	"tracking-service/internal/clock"
	"tracking-service/internal/health"
	"tracking-service/internal/location"
	"tracking-service/internal/metrics"
	"tracking-service/internal/redis"
	"tracking-service/internal/upload"
)

type event interface{}

type (
	viewerEvent   struct{}
	settingsEvent struct{}
	stopEvent     struct{}
	sampleEvent   struct {
		gen    uint64
		sample location.Sample
	}
	activityEvent struct {
		transition activity.Transition
	}
	timerEvent struct {
		kind timerKind
		gen  uint64
	}
	uploadDoneEvent struct {
		outcome upload.Outcome
	}
	queryEvent struct {
		reply chan TrackingState
	}
)

type fixPurpose int

const (
	fixMovement fixPurpose = iota
	fixHeartbeat
)

type fixEvent struct {
	purpose fixPurpose
	gen     uint64
	sample  location.Sample
	err     error
}

// Deps are the collaborators a Controller drives. Activity may be nil.
type Deps struct {
	Clock        clock.Clock
	Location     LocationSource
	Activity     ActivitySignal
	Capabilities Capabilities
	Uploader     Uploader
	Guard        PowerGuard
	Store        Store
	Logger       zerolog.Logger
}

type state struct {
	mode             Mode
	viewerLiveUntil  time.Time
	lastMovementTime time.Time
	lastLocation     *location.Sample
	lastUploadTime   time.Time
	running          bool
}

// Controller is the mode state machine. It is started once with Run and is
// not reusable after Stop.
type Controller struct {
	cfg      Config
	clock    clock.Clock
	location LocationSource
	activity ActivitySignal
	caps     Capabilities
	uploader Uploader
	guard    PowerGuard
	store    Store
	logger   zerolog.Logger

	mu     sync.Mutex
	queue  []event
	notify chan struct{}
	done   chan struct{}
	final  TrackingState

	// Everything below is owned by the Run goroutine.
	ctx       context.Context
	state     state
	uploads   *health.Uploads
	settings  redis.Settings
	subGen    uint64
	reconcile *loopTimer
	renewal   *loopTimer
	heartbeat *loopTimer
	uploading bool
	pending   *location.Sample

	offline          bool
	permissionDenied bool
	backgroundDenied bool
	status           string
}

func New(cfg Config, deps Deps) *Controller {
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	c := &Controller{
		cfg:      cfg,
		clock:    clk,
		location: deps.Location,
		activity: deps.Activity,
		caps:     deps.Capabilities,
		uploader: deps.Uploader,
		guard:    deps.Guard,
		store:    deps.Store,
		logger:   deps.Logger.With().Str("component", "tracker").Logger(),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		ctx:      context.Background(),
		uploads:  health.New(cfg.BackoffBase, cfg.BackoffMax, cfg.AuthBlock),
		settings: redis.Settings{UpdateInterval: redis.DefaultUpdateInterval, HighAccuracy: true},
	}
	c.reconcile = newLoopTimer(timerReconcile, cfg.ReconcileInterval, clk, c.post)
	c.renewal = newLoopTimer(timerRenewal, cfg.WakeLockRenew, clk, c.post)
	c.heartbeat = newLoopTimer(timerHeartbeat, cfg.IdleInterval, clk, c.post)
	return c
}

// post appends to the mailbox. It never blocks and never drops.
func (c *Controller) post(e event) {
	c.mu.Lock()
	c.queue = append(c.queue, e)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Controller) next() (event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil, false
	}
	e := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	return e, true
}

// ViewerVisible pins Live mode for the live window.
func (c *Controller) ViewerVisible() { c.post(viewerEvent{}) }

// SettingsChanged re-reads the persisted settings.
func (c *Controller) SettingsChanged() { c.post(settingsEvent{}) }

// Stop shuts the controller down and waits until every timer is cancelled,
// the wake lock released and the subscription removed.
func (c *Controller) Stop() {
	c.post(stopEvent{})
	<-c.done
}

// Done is closed once Run has returned.
func (c *Controller) Done() <-chan struct{} { return c.done }

// State returns a copy of the current state. Events posted before the call
// are handled before the copy is taken.
func (c *Controller) State() TrackingState {
	reply := make(chan TrackingState, 1)
	c.post(queryEvent{reply: reply})
	select {
	case s := <-reply:
		return s
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.final
	}
}

// Run enters Moving and handles events until Stop is called or ctx is
// cancelled. Resources are released on both paths.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.done)

	c.ctx = ctx
	c.start()
	defer c.teardown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.notify:
		}

		for {
			e, ok := c.next()
			if !ok {
				break
			}
			if _, ok := e.(stopEvent); ok {
				c.logger.Info().Msg("stop requested")
				return nil
			}
			c.handle(e)
		}
	}
}

func (c *Controller) start() {
	now := c.clock.Now()

	if s, err := c.store.LoadSettings(c.ctx); err != nil {
		c.logger.Warn().Err(err).Msg("using default settings")
	} else {
		c.settings = s
	}
	if fs, err := c.store.LoadFailureState(c.ctx); err != nil {
		c.logger.Warn().Err(err).Msg("could not restore upload failure state")
	} else {
		c.uploads.ConsecutiveFailures = fs.ConsecutiveFailures
		c.uploads.LastFailureTime = fs.LastFailureTime
		c.uploads.AuthBlockedUntil = fs.AuthBlockedUntil
	}

	c.state = state{mode: Moving, lastMovementTime: now, running: true}
	c.logger.Info().
		Dur("update_interval", c.settings.UpdateInterval).
		Bool("high_accuracy", c.settings.HighAccuracy).
		Str("uploads", c.uploads.String()).
		Msg("tracking started")

	if c.activity != nil {
		err := c.activity.Start(func(t activity.Transition) {
			c.post(activityEvent{transition: t})
		})
		if err != nil {
			c.logger.Warn().Err(err).Msg("activity signal unavailable")
		}
	}

	metrics.SetMode("", Moving.String())
	c.publish(redis.FieldMode, Moving.String())
	c.subscribe()
	c.reconcile.start()

	c.checkLocationServices()
	c.checkPermissions()
	c.refreshStatus(now)
}

func (c *Controller) teardown() {
	c.reconcile.stop()
	c.renewal.stop()
	c.heartbeat.stop()
	c.guard.Release()
	c.location.Unsubscribe()
	c.subGen++
	if c.activity != nil {
		c.activity.Stop()
	}
	c.pending = nil
	c.state.running = false

	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), 2*time.Second)
	defer cancel()
	if err := c.store.PublishStatus(ctx, redis.FieldMode, ModeStopped); err != nil {
		c.logger.Debug().Err(err).Msg("could not publish stopped mode")
	}

	c.mu.Lock()
	c.final = c.snapshot()
	c.mu.Unlock()
	c.logger.Info().Msg("tracking stopped")
}

func (c *Controller) handle(e event) {
	now := c.clock.Now()

	switch e := e.(type) {
	case viewerEvent:
		c.enterLive(now)
	case sampleEvent:
		if e.gen != c.subGen {
			return
		}
		metrics.SamplesTotal.Inc()
		c.processSample(now, e.sample)
	case fixEvent:
		c.onFix(now, e)
	case activityEvent:
		c.onActivity(now, e.transition)
	case timerEvent:
		c.onTimer(now, e)
	case uploadDoneEvent:
		c.onUploadDone(now, e.outcome)
	case settingsEvent:
		c.reloadSettings()
	case queryEvent:
		e.reply <- c.snapshot()
	default:
		c.logger.Error().Str("event", fmt.Sprintf("%T", e)).Msg("unknown event")
	}
}

func (c *Controller) onTimer(now time.Time, e timerEvent) {
	switch e.kind {
	case timerReconcile:
		if c.reconcile.fire(e.gen) {
			c.reconcileNow(now)
		}
	case timerRenewal:
		if c.renewal.fire(e.gen) && c.state.mode == Live {
			c.acquireGuard()
		}
	case timerHeartbeat:
		if c.heartbeat.fire(e.gen) {
			c.onHeartbeat(now)
		}
	}
}

func (c *Controller) onFix(now time.Time, e fixEvent) {
	switch e.purpose {
	case fixMovement:
		if e.err != nil {
			c.logger.Debug().Err(e.err).Msg("movement fix failed")
			return
		}
		c.processSample(now, e.sample)
	case fixHeartbeat:
		c.onHeartbeatFix(now, e)
	}
}

func (c *Controller) onActivity(now time.Time, t activity.Transition) {
	c.logger.Debug().Str("activity", t.String()).Str("mode", c.state.mode.String()).Msg("activity transition")
	if t == activity.Moving && c.state.mode == Idle {
		c.logger.Info().Msg("motion sensor reports movement")
		c.enterMoving(now)
	}
}

func (c *Controller) reconcileNow(now time.Time) {
	switch c.state.mode {
	case Live:
		if now.After(c.state.viewerLiveUntil) {
			c.leaveLive(now)
		}
	case Moving:
		if now.Sub(c.state.lastMovementTime) >= c.cfg.IdleTimeout {
			c.enterIdle()
		}
	}

	c.checkLocationServices()
	if c.uploads.ClearExpiredAuthBlock(now) {
		c.logger.Info().Msg("auth block expired, uploads resumed")
		c.persistFailures()
	}
	c.checkPermissions()
	c.refreshStatus(now)
}

func (c *Controller) reloadSettings() {
	s, err := c.store.LoadSettings(c.ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("could not reload settings")
		return
	}
	changed := s.UpdateInterval != c.settings.UpdateInterval || s.HighAccuracy != c.settings.HighAccuracy
	c.settings = s
	if changed {
		c.logger.Info().
			Dur("update_interval", s.UpdateInterval).
			Bool("high_accuracy", s.HighAccuracy).
			Msg("settings changed")
		c.subscribe()
	}
}

func (c *Controller) checkLocationServices() {
	enabled := c.caps.LocationServicesEnabled(c.ctx)
	if enabled != c.offline {
		return
	}
	c.offline = !enabled
	if c.offline {
		c.logger.Warn().Err(ErrLocationServicesDisabled).Msg("location unavailable")
	} else {
		c.logger.Info().Msg("location services enabled")
	}
}

// checkPermissions re-reads both grants. Either one missing is shown as
// StatusPermissionRequired; tracking keeps running so it picks up again as
// soon as the grant returns.
func (c *Controller) checkPermissions() {
	denied := !c.caps.LocationPermission(c.ctx).Granted()
	if denied != c.permissionDenied {
		c.permissionDenied = denied
		if denied {
			c.logger.Warn().Err(ErrPermissionDenied).Msg("location permission revoked")
		} else {
			c.logger.Info().Msg("location permission granted")
		}
	}

	bgDenied := !c.caps.BackgroundLocationGranted(c.ctx)
	if bgDenied != c.backgroundDenied {
		c.backgroundDenied = bgDenied
		if bgDenied {
			c.logger.Warn().Err(ErrPermissionDenied).Msg("background location not granted")
		} else {
			c.logger.Info().Msg("background location granted")
		}
	}
}

func (c *Controller) refreshStatus(now time.Time) {
	status := ""
	switch {
	case c.offline:
		status = StatusOffline
	case c.permissionDenied || c.backgroundDenied:
		status = StatusPermissionRequired
	case c.uploads.AuthBlocked(now):
		status = StatusLoginRequired
	}
	if status == c.status {
		return
	}
	c.status = status
	c.publish(redis.FieldStatus, status)
}

func (c *Controller) persistFailures() {
	err := c.store.SaveFailureState(c.ctx, redis.FailureState{
		ConsecutiveFailures: c.uploads.ConsecutiveFailures,
		LastFailureTime:     c.uploads.LastFailureTime,
		AuthBlockedUntil:    c.uploads.AuthBlockedUntil,
	})
	if err != nil {
		c.logger.Warn().Err(err).Msg("could not persist upload failure state")
	}
}

func (c *Controller) publish(field, value string) {
	if err := c.store.PublishStatus(c.ctx, field, value); err != nil {
		c.logger.Debug().Err(err).Str("field", field).Msg("could not publish status")
	}
}

func (c *Controller) snapshot() TrackingState {
	var last *location.Sample
	if c.state.lastLocation != nil {
		l := *c.state.lastLocation
		last = &l
	}
	return TrackingState{
		Mode:                c.state.mode,
		ViewerLiveUntil:     c.state.viewerLiveUntil,
		LastMovementTime:    c.state.lastMovementTime,
		LastLocation:        last,
		LastUploadTime:      c.state.lastUploadTime,
		ConsecutiveFailures: c.uploads.ConsecutiveFailures,
		LastFailureTime:     c.uploads.LastFailureTime,
		AuthBlockedUntil:    c.uploads.AuthBlockedUntil,
		Running:             c.state.running,
		Status:              c.status,
		HeartbeatActive:     c.heartbeat.active(),
		RenewalActive:       c.renewal.active(),
		Uploading:           c.uploading,
	}
}
