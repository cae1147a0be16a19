package tracker

import "github.com/pkg/errors"

// Failure kinds every adapter error is converted into before it is logged or
// surfaced. None of them stop a running controller.
var (
	ErrPermissionDenied         = errors.New("location permission denied")
	ErrLocationServicesDisabled = errors.New("location services disabled")
	ErrTransientUpload          = errors.New("transient upload failure")
	ErrAuth                     = errors.New("upload authentication failed")
	ErrResourceAcquisition      = errors.New("resource acquisition failed")
)
