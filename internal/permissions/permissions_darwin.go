//go:build darwin

package permissions

/*
#cgo LDFLAGS: -framework AVFoundation -framework CoreGraphics
#import <AVFoundation/AVFoundation.h>
#import <CoreGraphics/CoreGraphics.h>

int checkMicrophonePermission() {
    AVAuthorizationStatus status = [AVCaptureDevice authorizationStatusForMediaType:AVMediaTypeAudio];
    return (int)status;
}

void requestMicrophonePermission() {
    [AVCaptureDevice requestAccessForMediaType:AVMediaTypeAudio completionHandler:^(BOOL granted) {}];
}

int checkCapturePermission() {
    return CGPreflightScreenCaptureAccess() ? 1 : 0;
}

int requestCapturePermission() {
    return CGRequestScreenCaptureAccess() ? 1 : 0;
}
*/
import "C"

import (
	"context"
	"time"
)

const pollInterval = 250 * time.Millisecond

type system struct{}

// New returns the macOS checker.
func New() Checker {
	return system{}
}

func (system) Status(k Kind) Status {
	switch k {
	case Microphone:
		return Status(C.checkMicrophonePermission())
	case SystemAudio:
		// Capture access has no "not determined" state we can read.
		if C.checkCapturePermission() == 1 {
			return Authorized
		}
		return NotDetermined
	default:
		return Denied
	}
}

func (s system) Request(ctx context.Context, k Kind) (bool, error) {
	switch k {
	case Microphone:
		// Triggers the system dialog; the answer arrives asynchronously.
		C.requestMicrophonePermission()
		return poll(ctx, pollInterval, func() Status { return s.Status(Microphone) })
	case SystemAudio:
		return C.requestCapturePermission() == 1, nil
	default:
		return false, nil
	}
}
