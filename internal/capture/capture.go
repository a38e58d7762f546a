package capture

import (
	"context"
	"errors"
	"fmt"

	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/audio"
)

// ErrDeviceBusy is returned when a device is acquired twice
var ErrDeviceBusy = errors.New("capture device already acquired")

// ErrDeviceClosed is returned when pushing to or acquiring a closed device
var ErrDeviceClosed = errors.New("capture device closed")

// Device is an acquired capture stream
type Device interface {
	// Chunks delivers captured audio until the device is closed or fails
	Chunks() <-chan audio.Chunk
	// Err reports why the chunk channel closed; nil after a normal Close
	Err() error
	// Close releases the device. It is safe to call more than once.
	Close() error
}

// Source hands out capture devices
type Source interface {
	Acquire(ctx context.Context) (Device, error)
}

// CaptureError reports a capture failure. It is fatal to the session.
type CaptureError struct {
	Op    string // acquire, read
	Cause error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture %s failed: %v", e.Op, e.Cause)
}

func (e *CaptureError) Unwrap() error {
	return e.Cause
}
