package tracker

import (
	"context"
	"time"

	"tracking-service/internal/activity"
	"tracking-service/internal/location"
	"tracking-service/internal/platform"
	"tracking-service/internal/redis"
	"tracking-service/internal/upload"
)

type Mode int

const (
	Moving Mode = iota
	Live
	Idle
)

func (m Mode) String() string {
	switch m {
	case Live:
		return "live"
	case Moving:
		return "moving"
	case Idle:
		return "idle"
	}
	return "unknown"
}

// Status overrides shown while tracking is degraded
const (
	StatusOffline            = "OFFLINE - Enable location"
	StatusPermissionRequired = "Location permission required"
	StatusLoginRequired      = "Login required"
)

// ModeStopped is published as the mode once the controller has shut down.
const ModeStopped = "off"

// Config holds the scheduler thresholds and windows.
type Config struct {
	LiveWindow         time.Duration
	IdleTimeout        time.Duration
	IdleInterval       time.Duration
	ReconcileInterval  time.Duration
	LiveSampleInterval time.Duration
	WakeLockTimeout    time.Duration
	WakeLockRenew      time.Duration

	MoveDistanceThreshold float64 // meters
	SpeedThreshold        float64 // m/s
	MovingMinDistance     float64
	IdleMinDistance       float64

	// LiveFailureLimit consecutive transient failures in Live downgrade to Moving.
	LiveFailureLimit int

	BackoffBase time.Duration
	BackoffMax  time.Duration
	AuthBlock   time.Duration
}

func DefaultConfig() Config {
	return Config{
		LiveWindow:            5 * time.Minute,
		IdleTimeout:           5 * time.Minute,
		IdleInterval:          10 * time.Minute,
		ReconcileInterval:     30 * time.Second,
		LiveSampleInterval:    5 * time.Second,
		WakeLockTimeout:       120 * time.Second,
		WakeLockRenew:         90 * time.Second,
		MoveDistanceThreshold: 20,
		SpeedThreshold:        1,
		MovingMinDistance:     10,
		IdleMinDistance:       50,
		LiveFailureLimit:      3,
		BackoffBase:           30 * time.Second,
		BackoffMax:            15 * time.Minute,
		AuthBlock:             30 * time.Minute,
	}
}

// TrackingState is a copy of the controller state, taken on the loop.
type TrackingState struct {
	Mode                Mode
	ViewerLiveUntil     time.Time
	LastMovementTime    time.Time
	LastLocation        *location.Sample
	LastUploadTime      time.Time
	ConsecutiveFailures int
	LastFailureTime     time.Time
	AuthBlockedUntil    time.Time
	Running             bool
	Status              string

	HeartbeatActive bool
	RenewalActive   bool
	Uploading       bool
}

type LocationSource interface {
	Subscribe(req location.Request, sink func(location.Sample)) error
	Unsubscribe()
	RequestCurrent(p location.Priority, done func(location.Sample, error))
}

type ActivitySignal interface {
	Start(handler func(activity.Transition)) error
	Stop()
}

// Capabilities answers platform questions. Implementations convert their own
// errors into conservative answers.
type Capabilities interface {
	LocationPermission(ctx context.Context) platform.Permission
	BackgroundLocationGranted(ctx context.Context) bool
	LocationServicesEnabled(ctx context.Context) bool
}

type Uploader interface {
	Upload(ctx context.Context, p upload.Payload, done func(upload.Outcome))
}

type PowerGuard interface {
	Acquire(timeout time.Duration) error
	Release()
	Held() bool
}

// Store persists settings and failure state and presents status.
type Store interface {
	LoadSettings(ctx context.Context) (redis.Settings, error)
	LoadFailureState(ctx context.Context) (redis.FailureState, error)
	SaveFailureState(ctx context.Context, fs redis.FailureState) error
	PublishStatus(ctx context.Context, field, value string) error
}
