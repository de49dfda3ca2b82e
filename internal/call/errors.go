package call

import "errors"

var (
	// ErrCapacityExceeded rejects a call that would push the participant
	// set above the mesh ceiling. Checked before any session is attempted;
	// nothing existing is mutated.
	ErrCapacityExceeded = errors.New("call capacity exceeded")

	// ErrDeviceBusy rejects a second call while one already holds the
	// capture device. Rejected, never queued.
	ErrDeviceBusy = errors.New("media device busy")

	// ErrDeviceUnavailable means no capture device could be opened.
	ErrDeviceUnavailable = errors.New("media device unavailable")

	// ErrPermissionDenied means capture permission was refused.
	ErrPermissionDenied = errors.New("media permission denied")

	// ErrNoCall is returned by operations that need an active call.
	ErrNoCall = errors.New("no active call")
)
