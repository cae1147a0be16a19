package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
)

// Func adapts a blocking function to suture.Service.
type Func struct {
	Name string
	Run  func(ctx context.Context) error
}

func (f Func) Serve(ctx context.Context) error { return f.Run(ctx) }

func (f Func) String() string { return f.Name }

// EventHook logs supervisor events through zerolog.
func EventHook(logger zerolog.Logger) suture.EventHook {
	logger = logger.With().Str("component", "supervisor").Logger()
	return func(ev suture.Event) {
		switch ev.Type() {
		case suture.EventTypeBackoff, suture.EventTypeResume:
			logger.Info().Fields(ev.Map()).Msg(ev.String())
		default:
			logger.Warn().Fields(ev.Map()).Msg(ev.String())
		}
	}
}

// NewSupervisor builds the root supervisor for the daemon.
func NewSupervisor(logger zerolog.Logger) *suture.Supervisor {
	return suture.New("tracking-service", suture.Spec{
		EventHook:        EventHook(logger),
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          10 * time.Second,
	})
}
