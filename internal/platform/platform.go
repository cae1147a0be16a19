// Package platform answers the capability questions the scheduler asks at
// transition time: is location permitted, may it run in the background, and
// are location services switched on.
package platform

import (
	"context"

	"github.com/rs/zerolog"
)

type Permission string

const (
	PermissionFine   Permission = "fine"
	PermissionCoarse Permission = "coarse"
	PermissionNone   Permission = "none"
)

// Granted returns true for fine or coarse location.
func (p Permission) Granted() bool {
	return p == PermissionFine || p == PermissionCoarse
}

// ParsePermission maps a stored value to a Permission. Unset means granted,
// since devices without a permission layer never write the field.
func ParsePermission(v string) Permission {
	switch Permission(v) {
	case "", PermissionFine:
		return PermissionFine
	case PermissionCoarse:
		return PermissionCoarse
	}
	return PermissionNone
}

// PermissionSource reads the permission grants recorded by the platform layer.
type PermissionSource interface {
	Permissions(ctx context.Context) (location Permission, background bool, err error)
}

// LocationServices reports the device-level location toggle.
type LocationServices interface {
	LocationEnabled() (bool, error)
}

// Checker converts every platform error into a conservative answer so no
// error reaches the scheduler.
type Checker struct {
	perms    PermissionSource
	services LocationServices
	logger   zerolog.Logger
}

// NewChecker builds a Checker. services may be nil when the device has no
// switchable location services.
func NewChecker(perms PermissionSource, services LocationServices, logger zerolog.Logger) *Checker {
	return &Checker{
		perms:    perms,
		services: services,
		logger:   logger.With().Str("component", "platform").Logger(),
	}
}

func (c *Checker) LocationPermission(ctx context.Context) Permission {
	p, _, err := c.perms.Permissions(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to read location permission")
		return PermissionNone
	}
	return p
}

func (c *Checker) BackgroundLocationGranted(ctx context.Context) bool {
	_, bg, err := c.perms.Permissions(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to read background location permission")
		return false
	}
	return bg
}

func (c *Checker) LocationServicesEnabled(context.Context) bool {
	if c.services == nil {
		return true
	}
	enabled, err := c.services.LocationEnabled()
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to query location services")
		return false
	}
	return enabled
}
