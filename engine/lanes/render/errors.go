package render

import (
	"errors"
	"fmt"
)

// ErrNotInitialized mirrors the lane-level sentinel at the render
// boundary: a frame was requested before the device-side state existed.
var ErrNotInitialized = errors.New("render: not initialized")

// SurfaceLossKind classifies why acquiring the presentation surface
// failed; Lost and Outdated are recovered in place by reconfiguring the
// surface, the rest propagate to the host.
type SurfaceLossKind string

const (
	SurfaceLost        SurfaceLossKind = "lost"
	SurfaceOutdated    SurfaceLossKind = "outdated"
	SurfaceOutOfMemory SurfaceLossKind = "out_of_memory"
	SurfaceTimeout     SurfaceLossKind = "timeout"
)

// SurfaceAcquisitionError reports a failed surface acquire.
type SurfaceAcquisitionError struct {
	Kind   SurfaceLossKind
	Detail string
}

func (e *SurfaceAcquisitionError) Error() string {
	return fmt.Sprintf("render: surface acquisition failed (%s): %s", e.Kind, e.Detail)
}

// Recoverable reports whether the frame loop should reconfigure the
// surface and retry instead of surfacing the error to the host.
func (e *SurfaceAcquisitionError) Recoverable() bool {
	return e.Kind == SurfaceLost || e.Kind == SurfaceOutdated
}

// InitializationError is fatal at the host boundary: the device (or a
// resource the renderer cannot run without) could not be brought up.
type InitializationError struct {
	Detail string
	Cause  error
}

func (e *InitializationError) Error() string {
	return "render: initialization failed: " + e.Detail
}
func (e *InitializationError) Unwrap() error { return e.Cause }

// InternalError wraps an unexpected render-path failure; non-fatal at
// the frame level, the frame is skipped and the next tick retries.
type InternalError struct {
	Cause error
}

func (e *InternalError) Error() string { return "render: internal: " + e.Cause.Error() }
func (e *InternalError) Unwrap() error { return e.Cause }
