package adapter

import (
	"context"

	"DeviceBridge/internal/speaker"
)

// Lens selects which phone camera feeds the stream.
type Lens string

const (
	LensFront Lens = "front"
	LensBack  Lens = "back"
)

// Orientation controls how the host presents the camera picture.
type Orientation string

const (
	OrientationAuto          Orientation = "auto"
	OrientationPortraitLock  Orientation = "portrait_lock"
	OrientationLandscapeLock Orientation = "landscape_lock"
)

// ParseLens returns the lens for raw and false when raw is not a known lens.
func ParseLens(raw string) (Lens, bool) {
	switch Lens(raw) {
	case LensFront, LensBack:
		return Lens(raw), true
	}
	return "", false
}

// ParseOrientation returns the orientation for raw and false when raw is unknown.
func ParseOrientation(raw string) (Orientation, bool) {
	switch Orientation(raw) {
	case OrientationAuto, OrientationPortraitLock, OrientationLandscapeLock:
		return Orientation(raw), true
	}
	return "", false
}

// Identity is the phone identity forwarded to every adapter.
type Identity struct {
	DeviceName string
	DeviceID   string
}

// Adapter drives one virtual device (camera, microphone or speaker) on the host.
// Start must be safe to call on an adapter that is already running.
type Adapter interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SetStreamURL(url string)
	SetDeviceIdentity(id Identity)
	DeviceLabel() string
}

// HealthChecker is implemented by adapters that can report whether the
// underlying device is still alive.
type HealthChecker interface {
	IsRunning(ctx context.Context) (bool, error)
}

// CameraConfigurer is implemented by camera and microphone adapters.
type CameraConfigurer interface {
	SetCameraOptions(lens Lens, orientation Orientation)
}

// Streamer is implemented by adapters that can stream captured audio.
// Stream blocks until ctx is done or the source ends.
type Streamer interface {
	Stream(ctx context.Context, sink speaker.Sink) error
}

// Probe reports whether a is running. Adapters without a health probe
// are assumed healthy; a probe that errors or panics counts as not running.
func Probe(ctx context.Context, a Adapter) (running bool) {
	hc, ok := a.(HealthChecker)
	if !ok {
		return true
	}
	defer func() {
		if recover() != nil {
			running = false
		}
	}()
	running, err := hc.IsRunning(ctx)
	if err != nil {
		return false
	}
	return running
}
