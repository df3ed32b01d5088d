package session

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidPairCode   = errors.New("invalid pair code")
	ErrNotPaired         = errors.New("host is not paired")
	ErrResourceInactive  = errors.New("resource is not active")
	ErrStreamUnsupported = errors.New("resource cannot be streamed")
	ErrControllerClosed  = errors.New("session controller is closed")
	ErrCapabilityMissing = errors.New("capability unavailable on this host")
	ErrStreamURLRequired = errors.New("camera stream url is required")
)

// AdapterStartError wraps a failure returned by an adapter's Start.
type AdapterStartError struct {
	Resource Resource
	Err      error
}

func (e *AdapterStartError) Error() string {
	return fmt.Sprintf("%s adapter start failed: %v", e.Resource, e.Err)
}

func (e *AdapterStartError) Unwrap() error {
	return e.Err
}
