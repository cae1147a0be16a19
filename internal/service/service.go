// Package service decides whether tracking may run at all and owns the
// controller's lifetime. It is supervised by suture; a restart of this
// service stands in for an OS-driven restart of a background service and
// re-runs the same decision.
package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"tracking-service/internal/platform"
	"tracking-service/internal/redis"
	"tracking-service/internal/tracker"
)

// Commands accepted on the command channel
const (
	CommandStart    = "start"
	CommandStop     = "stop"
	CommandViewer   = "viewer"
	CommandSettings = "settings"
)

type Store interface {
	LoadSettings(ctx context.Context) (redis.Settings, error)
	SaveFlags(ctx context.Context, enabled, stopRequested bool) error
	PublishStatus(ctx context.Context, field, value string) error
	ReceiveCommands(ctx context.Context, handler func(string)) error
}

type Permissions interface {
	LocationPermission(ctx context.Context) platform.Permission
}

// Controller is the part of tracker.Controller the lifecycle drives.
type Controller interface {
	Run(ctx context.Context) error
	Stop()
	ViewerVisible()
	SettingsChanged()
	Done() <-chan struct{}
}

// ShouldRun is the single supervisor decision: run only when tracking was
// enabled and the user has not asked it to stop.
func ShouldRun(enabled, stopRequested bool) bool {
	return enabled && !stopRequested
}

type Service struct {
	store         Store
	perms         Permissions
	newController func() Controller
	logger        zerolog.Logger

	mu     sync.Mutex
	ctrl   Controller
	cancel context.CancelFunc
	ctx    context.Context

	// stopRequested outlives Serve restarts so a stop whose flag write
	// failed still holds until the next explicit start.
	stopRequested bool
}

// New creates the lifecycle. newController must return a fresh controller
// on every call.
func New(store Store, perms Permissions, newController func() Controller, logger zerolog.Logger) *Service {
	return &Service{
		store:         store,
		perms:         perms,
		newController: newController,
		logger:        logger.With().Str("component", "lifecycle").Logger(),
		ctx:           context.Background(),
	}
}

func (s *Service) String() string { return "tracking-lifecycle" }

// Serve implements suture.Service. It resumes tracking if the persisted flags
// allow it, then handles commands until ctx is cancelled or the command
// subscription fails. The controller never outlives Serve.
func (s *Service) Serve(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	defer s.shutdown()

	if err := s.Resume(ctx); err != nil {
		return err
	}

	err := s.store.ReceiveCommands(ctx, func(cmd string) {
		s.HandleCommand(ctx, cmd)
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("command subscription ended: %w", err)
}

// Resume handles a restart signal with no action attached.
func (s *Service) Resume(ctx context.Context) error {
	settings, err := s.store.LoadSettings(ctx)
	if err != nil {
		return fmt.Errorf("failed to load tracking flags: %w", err)
	}

	if s.stopLatched() {
		if settings.TrackingEnabled || !settings.UserRequestedStop {
			if err := s.store.SaveFlags(ctx, false, true); err != nil {
				s.logger.Warn().Err(err).Msg("stop flags still not persisted")
			} else {
				s.logger.Info().Msg("stop flags persisted")
			}
		}
		s.logger.Info().Msg("tracking not resumed, stop requested")
		return nil
	}

	if !ShouldRun(settings.TrackingEnabled, settings.UserRequestedStop) {
		s.logger.Info().
			Bool("enabled", settings.TrackingEnabled).
			Bool("stop_requested", settings.UserRequestedStop).
			Msg("tracking not resumed")
		return nil
	}

	if p := s.perms.LocationPermission(ctx); !p.Granted() {
		s.logger.Warn().Err(tracker.ErrPermissionDenied).Msg("tracking enabled but not resumed")
		s.publishStatus(ctx, tracker.StatusPermissionRequired)
		return nil
	}

	s.logger.Info().Msg("resuming tracking")
	s.startController()
	return nil
}

func (s *Service) HandleCommand(ctx context.Context, cmd string) {
	s.logger.Debug().Str("command", cmd).Msg("received command")

	switch cmd {
	case CommandStart:
		if err := s.Start(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("start refused")
		}
	case CommandStop:
		s.Stop(ctx)
	case CommandViewer:
		s.forward(Controller.ViewerVisible)
	case CommandSettings:
		s.forward(Controller.SettingsChanged)
	default:
		s.logger.Warn().Str("command", cmd).Msg("unknown command")
	}
}

// Start is an explicit start command. Missing location permission refuses
// the start and leaves the flags untouched.
func (s *Service) Start(ctx context.Context) error {
	if p := s.perms.LocationPermission(ctx); !p.Granted() {
		s.publishStatus(ctx, tracker.StatusPermissionRequired)
		return tracker.ErrPermissionDenied
	}

	s.mu.Lock()
	s.stopRequested = false
	s.mu.Unlock()

	if err := s.store.SaveFlags(ctx, true, false); err != nil {
		s.logger.Error().Err(err).Msg("tracking flags not persisted, a restart will not resume")
	}
	s.publishStatus(ctx, "")

	s.logger.Info().Msg("tracking start requested")
	s.startController()
	return nil
}

// Stop is the explicit user stop: the flags are written before anything is
// torn down so no restart can bring tracking back.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	s.stopRequested = true
	s.mu.Unlock()

	if err := s.store.SaveFlags(ctx, false, true); err != nil {
		s.logger.Error().Err(err).Msg("stop flags not persisted")
	}
	s.logger.Info().Msg("tracking stop requested")
	s.stopController()
}

func (s *Service) stopLatched() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopRequested
}

// Running reports whether a controller is active.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctrl != nil
}

func (s *Service) startController() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctrl != nil {
		select {
		case <-s.ctrl.Done():
		default:
			s.logger.Debug().Msg("tracking already running")
			return
		}
	}

	ctx, cancel := context.WithCancel(s.ctx)
	ctrl := s.newController()
	s.ctrl = ctrl
	s.cancel = cancel
	go func() {
		if err := ctrl.Run(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("controller exited")
		}
	}()
}

func (s *Service) stopController() {
	s.mu.Lock()
	ctrl, cancel := s.ctrl, s.cancel
	s.ctrl, s.cancel = nil, nil
	s.mu.Unlock()

	if ctrl == nil {
		return
	}
	ctrl.Stop()
	cancel()
}

// shutdown stops the controller without touching the flags.
func (s *Service) shutdown() {
	s.stopController()
}

func (s *Service) forward(f func(Controller)) {
	s.mu.Lock()
	ctrl := s.ctrl
	s.mu.Unlock()
	if ctrl == nil {
		s.logger.Debug().Msg("tracking not running, command ignored")
		return
	}
	f(ctrl)
}

func (s *Service) publishStatus(ctx context.Context, status string) {
	if err := s.store.PublishStatus(ctx, redis.FieldStatus, status); err != nil {
		s.logger.Debug().Err(err).Msg("could not publish status")
	}
}
