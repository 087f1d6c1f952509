package tap

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/petems/tapnote/internal/audio"
	"github.com/petems/tapnote/internal/source"
	"github.com/rs/zerolog"
)

// State of an Engine.
type State int

const (
	StateIdle State = iota
	StateActivated
	StateRunning
	StateInvalidated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActivated:
		return "activated"
	case StateRunning:
		return "running"
	case StateInvalidated:
		return "invalidated"
	default:
		return "unknown"
	}
}

// Engine captures one process source through a Backend. An invalidated
// engine can be activated again.
type Engine struct {
	backend Backend
	target  source.AudioSource
	log     zerolog.Logger

	mu           sync.Mutex
	state        State
	guard        *guard
	format       audio.Format
	tapID        TapID
	deviceID     DeviceID
	onInvalidate func(error)

	// Owned by the I/O callback while running.
	channels int
	callback func(audio.Buffer)
	decoded  []float32
	mixed    []float32
}

// NewEngine creates an idle engine bound to target, which must be a
// process source or the all-applications source.
func NewEngine(backend Backend, target source.AudioSource, log zerolog.Logger) *Engine {
	return &Engine{
		backend: backend,
		target:  target,
		log:     log.With().Str("target", target.Name).Logger(),
	}
}

// Target returns the source the engine is bound to.
func (e *Engine) Target() source.AudioSource {
	return e.target
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Format returns the native tap format. It is zero before activation.
func (e *Engine) Format() audio.Format {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.format
}

// Activate creates the tap and the aggregate device wrapping it. It is a
// no-op when already activated or running. On failure every handle
// created so far is released and a *CaptureError is returned.
func (e *Engine) Activate() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateActivated || e.state == StateRunning {
		return nil
	}
	if e.target.Kind != source.KindProcess || !e.target.Supported {
		return newCaptureError(StageCreateTap, fmt.Errorf("%w: %s", ErrInvalidTarget, e.target.Name))
	}

	g := &guard{}
	fail := func(stage Stage, err error) error {
		g.release(e.log)
		e.log.Error().Err(err).Str("stage", string(stage)).Msg("Tap activation failed")
		return newCaptureError(stage, err)
	}

	outputUID, err := e.backend.DefaultOutputUID()
	if err != nil {
		return fail(StageOutputDevice, err)
	}

	tapDesc := TapDescription{
		Name:    "tapnote " + e.target.Name,
		UUID:    uuid.New(),
		PID:     e.target.PID,
		Private: true,
	}
	if e.target.IsAllApplications() {
		tapDesc.PID = 0
	}
	tapID, err := e.backend.CreateTap(tapDesc)
	if err != nil {
		return fail(StageCreateTap, err)
	}
	g.push("tap", func() error { return e.backend.DestroyTap(tapID) })

	format, err := e.backend.TapFormat(tapID)
	if err == nil {
		err = format.Validate()
	}
	if err != nil {
		return fail(StageTapFormat, err)
	}

	deviceID, err := e.backend.CreateAggregate(AggregateDescription{
		Name:              "tapnote aggregate",
		UID:               uuid.NewString(),
		MainSubDevice:     outputUID,
		TapUUID:           tapDesc.UUID,
		TapID:             tapID,
		Private:           true,
		DriftCompensation: true,
	})
	if err != nil {
		return fail(StageAggregate, err)
	}
	g.push("aggregate", func() error { return e.backend.DestroyAggregate(deviceID) })

	e.guard = g
	e.format = format
	e.tapID = tapID
	e.deviceID = deviceID
	e.state = StateActivated

	e.log.Info().
		Str("output", outputUID).
		Str("format", format.String()).
		Int32("pid", tapDesc.PID).
		Msg("Tap activated")
	return nil
}

// Run installs the I/O proc and starts the device. cb receives buffers
// with the requested channel count, which must be 1 or the native count.
// onInvalidate is called exactly once when the engine is invalidated:
// with nil after Invalidate, or ErrProducerGone when the tap is revoked.
// If Run fails the engine is torn down and onInvalidate is never called.
func (e *Engine) Run(channels int, cb func(audio.Buffer), onInvalidate func(error)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateRunning:
		return ErrAlreadyRunning
	case StateActivated:
	default:
		return ErrNotActivated
	}

	if channels != 1 && channels != e.format.Channels {
		return fmt.Errorf("%w: %d channels from %s", audio.ErrUnsupportedFormat, channels, e.format)
	}
	e.channels = channels
	e.callback = cb

	fail := func(stage Stage, err error) error {
		e.guard.release(e.log)
		e.guard = nil
		e.state = StateInvalidated
		e.log.Error().Err(err).Str("stage", string(stage)).Msg("Tap start failed")
		return newCaptureError(stage, err)
	}

	deviceID := e.deviceID
	procID, err := e.backend.CreateIOProc(deviceID, e.process)
	if err != nil {
		return fail(StageIOProc, err)
	}
	e.guard.push("io proc", func() error { return e.backend.DestroyIOProc(deviceID, procID) })

	cancel, err := e.backend.WatchInvalidation(e.tapID, e.revoked)
	if err != nil {
		return fail(StageWatch, err)
	}
	e.guard.push("watch", func() error { cancel(); return nil })

	if err := e.backend.StartDevice(deviceID, procID); err != nil {
		return fail(StageStartDevice, err)
	}
	e.guard.push("device", func() error { return e.backend.StopDevice(deviceID, procID) })

	e.onInvalidate = onInvalidate
	e.state = StateRunning
	e.log.Debug().Int("channels", channels).Msg("Tap running")
	return nil
}

// Invalidate stops the device and releases the I/O proc, the aggregate
// device and the tap, in that order. It is idempotent.
func (e *Engine) Invalidate() error {
	return e.invalidate(nil)
}

func (e *Engine) revoked() {
	e.log.Warn().Msg("Tap revoked")
	e.invalidate(ErrProducerGone)
}

func (e *Engine) invalidate(reason error) error {
	e.mu.Lock()
	if e.state == StateIdle || e.state == StateInvalidated {
		e.mu.Unlock()
		return nil
	}

	handler := e.onInvalidate
	e.onInvalidate = nil
	err := e.guard.release(e.log)
	e.guard = nil
	e.state = StateInvalidated
	e.mu.Unlock()

	e.log.Info().AnErr("reason", reason).Msg("Tap invalidated")
	if handler != nil {
		handler(reason)
	}
	return err
}

// process runs on the backend's I/O thread.
func (e *Engine) process(data []byte, frames int) {
	f := e.format
	samples, err := audio.DecodeSamples(e.decoded[:0], data, f.Sample)
	if err != nil {
		e.log.Warn().Err(err).Msg("Dropped tap buffer")
		return
	}
	e.decoded = samples

	if len(samples)%f.Channels != 0 {
		e.log.Warn().Err(audio.ErrShortBuffer).Int("samples", len(samples)).Msg("Dropped tap buffer")
		return
	}
	// Trust the decoded length over the reported frame count.
	frames = len(samples) / f.Channels
	if frames == 0 {
		return
	}

	buf := audio.Buffer{
		Samples:    samples,
		Frames:     frames,
		Channels:   f.Channels,
		SampleRate: f.SampleRate,
	}
	if e.channels == 1 && f.Channels > 1 {
		e.mixed = audio.AppendDownmix(e.mixed[:0], samples, f.Channels, frames)
		buf.Samples = e.mixed
		buf.Channels = 1
	}
	e.callback(buf)
}
