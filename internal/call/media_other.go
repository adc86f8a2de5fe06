//go:build !linux

package call

import (
	"context"
	"fmt"
)

// DeviceCapturer exists on every platform; capture drivers are only wired
// on Linux (V4L2 + malgo). Elsewhere Acquire reports the device as
// unavailable and the engine aborts the call attempt.
type DeviceCapturer struct {
	VideoDisabled bool
}

func (d *DeviceCapturer) Acquire(_ context.Context, _ bool) (MediaHandle, error) {
	return nil, fmt.Errorf("%w: no capture drivers on this platform", ErrDeviceUnavailable)
}
