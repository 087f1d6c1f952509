package tap

import (
	"errors"
	"fmt"
)

// Stage names the activation or start step that failed.
type Stage string

const (
	StageOutputDevice Stage = "read-output-device"
	StageCreateTap    Stage = "create-tap"
	StageTapFormat    Stage = "read-tap-format"
	StageAggregate    Stage = "create-aggregate"
	StageIOProc       Stage = "create-io-proc"
	StageWatch        Stage = "watch-invalidation"
	StageStartDevice  Stage = "start-device"
)

var (
	ErrAlreadyRunning = errors.New("capture engine already running")
	ErrNotActivated   = errors.New("capture engine not activated")
	ErrInvalidTarget  = errors.New("target cannot be tapped")

	// ErrProducerGone is passed to the invalidation handler when the
	// producer exits or the OS revokes the tap.
	ErrProducerGone = errors.New("audio producer went away")
)

// OSStatusError is a failure reported by the audio backend.
type OSStatusError struct {
	Op   string
	Code int32
	Err  error
}

func (e *OSStatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: status %d", e.Op, e.Code)
}

func (e *OSStatusError) Unwrap() error { return e.Err }

// CaptureError reports the stage at which activation or start failed and
// the backend status code, if any.
type CaptureError struct {
	Stage  Stage
	Status int32
	Err    error
}

func newCaptureError(stage Stage, err error) *CaptureError {
	ce := &CaptureError{Stage: stage, Err: err}
	var status *OSStatusError
	if errors.As(err, &status) {
		ce.Status = status.Code
	}
	return ce
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture failed at %s (status %d): %v", e.Stage, e.Status, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }
