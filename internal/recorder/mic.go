package recorder

import (
	"github.com/petems/tapnote/internal/audio"
	"github.com/petems/tapnote/internal/permissions"
)

// StreamMicrophone names microphone recordings.
const StreamMicrophone = "microphone"

type inputSource struct {
	engine   audio.InputEngine
	deviceID string
}

// NewMicrophoneRecorder records deviceID, or the system default input when
// deviceID is empty.
func NewMicrophoneRecorder(engine audio.InputEngine, deviceID string, opts ...Option) *Recorder {
	return New(&inputSource{engine: engine, deviceID: deviceID}, opts...)
}

func (i *inputSource) Start(onBuffer func(audio.Buffer), _ func(error)) error {
	return i.engine.Start(i.deviceID, onBuffer)
}

func (i *inputSource) Stop() error {
	return i.engine.Stop()
}

func (i *inputSource) Permission() permissions.Kind {
	return permissions.Microphone
}

func (i *inputSource) Name() string {
	return StreamMicrophone
}
