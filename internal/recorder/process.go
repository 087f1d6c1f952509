package recorder

import (
	"github.com/petems/tapnote/internal/audio"
	"github.com/petems/tapnote/internal/permissions"
	"github.com/petems/tapnote/internal/tap"
)

// StreamSystem names process-audio recordings.
const StreamSystem = "system"

type tapSource struct {
	engine *tap.Engine
}

// NewProcessRecorder records the process audio captured by engine.
func NewProcessRecorder(engine *tap.Engine, opts ...Option) *Recorder {
	return New(&tapSource{engine: engine}, opts...)
}

func (t *tapSource) Start(onBuffer func(audio.Buffer), onEnd func(error)) error {
	if err := t.engine.Activate(); err != nil {
		return err
	}
	err := t.engine.Run(audio.TargetChannels, onBuffer, func(reason error) {
		// A nil reason is our own Stop.
		if reason != nil && onEnd != nil {
			onEnd(reason)
		}
	})
	if err != nil {
		t.engine.Invalidate()
		return err
	}
	return nil
}

func (t *tapSource) Stop() error {
	return t.engine.Invalidate()
}

func (t *tapSource) Permission() permissions.Kind {
	return permissions.SystemAudio
}

func (t *tapSource) Name() string {
	return StreamSystem
}
