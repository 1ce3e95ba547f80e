// Package camera acquires live video streams from capture devices.
package camera

import (
	"context"
	"errors"
	"image"
)

var (
	// ErrPermission means access to the device was denied.
	ErrPermission = errors.New("camera: permission denied")
	// ErrDevice means the device is missing, busy or unusable.
	ErrDevice = errors.New("camera: device unavailable")
	// ErrNoFrame means the stream has not produced a frame yet.
	ErrNoFrame = errors.New("camera: no frame available")
	// ErrStopped means the stream's tracks have been stopped.
	ErrStopped = errors.New("camera: stream stopped")
)

// Camera opens video streams. Open blocks until the device is playing or
// access fails.
type Camera interface {
	Open(ctx context.Context) (Stream, error)
	Name() string
}

// Stream is a live video stream. Frame returns the most recent frame without
// blocking.
type Stream interface {
	Frame() (image.Image, error)
	Tracks() []Track
}

// Track is one media track of a stream; stopping it releases the device.
type Track interface {
	Label() string
	Stop()
	Live() bool
}
