package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/petems/tapnote/internal/audio"
	"github.com/petems/tapnote/internal/config"
	"github.com/petems/tapnote/internal/permissions"
	"github.com/petems/tapnote/internal/recorder"
	"github.com/petems/tapnote/internal/sink"
	"github.com/petems/tapnote/internal/source"
	"github.com/petems/tapnote/internal/tap"
	"github.com/rs/zerolog"
)

// ErrRecording is returned when a change is attempted mid-recording.
var ErrRecording = errors.New("cannot change while recording")

// StatusUpdater receives recording state changes, e.g. to show them to
// the user. Calls are made with the session lock held and must not call
// back into App.
type StatusUpdater interface {
	SetIdle()
	SetRecording()
	SetError()
}

// SourceLister discovers capturable sources.
type SourceLister interface {
	ListProcessSources(ctx context.Context) []source.AudioSource
	ListInputDevices(ctx context.Context) []source.AudioSource
}

// ProducerResolver picks the process to capture when none is selected.
type ProducerResolver interface {
	Resolve(ctx context.Context) (source.AudioSource, error)
}

type Config struct {
	Sources     SourceLister
	Resolver    ProducerResolver
	Backend     tap.Backend
	Input       audio.InputEngine
	Permissions permissions.Checker
	Sink        sink.Sink
	Config      *config.Config
	Logger      zerolog.Logger

	StatusUpdater StatusUpdater // Optional - can be nil
	// OnSessionEnded is called when a recording ends without StopRecording.
	OnSessionEnded func(sessionID string, err error) // Optional
}

// App runs one recording session at a time: process audio and microphone
// recorded side by side into a shared sink.
type App struct {
	sources  SourceLister
	resolver ProducerResolver
	backend  tap.Backend
	input    audio.InputEngine
	perms    permissions.Checker
	sink     sink.Sink
	cfg      *config.Config
	log      zerolog.Logger
	status   StatusUpdater
	onEnded  func(string, error)

	mu        sync.Mutex
	selection source.Selection
	recording bool
	sessionID string
	target    source.AudioSource
	delivery  *sink.Async
	system    *recorder.Recorder
	mic       *recorder.Recorder
}

func New(cfg Config) *App {
	perms := cfg.Permissions
	if perms == nil {
		perms = permissions.New()
	}
	return &App{
		sources:  cfg.Sources,
		resolver: cfg.Resolver,
		backend:  cfg.Backend,
		input:    cfg.Input,
		perms:    perms,
		sink:     cfg.Sink,
		cfg:      cfg.Config,
		log:      cfg.Logger,
		status:   cfg.StatusUpdater,
		onEnded:  cfg.OnSessionEnded,
	}
}

// Sources returns fresh snapshots of process sources and input devices.
func (a *App) Sources(ctx context.Context) (procs, inputs []source.AudioSource) {
	return a.sources.ListProcessSources(ctx), a.sources.ListInputDevices(ctx)
}

// RestoreSelection re-matches the persisted selection against running
// processes and present devices.
func (a *App) RestoreSelection(ctx context.Context) source.Selection {
	procs, inputs := a.Sources(ctx)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.selection = source.Restore(a.cfg.Capture.Process, a.cfg.Capture.InputDeviceUID, procs, inputs)

	ev := a.log.Info()
	if a.selection.Process != nil {
		ev = ev.Str("process", a.selection.Process.Name)
	}
	if a.selection.Input != nil {
		ev = ev.Str("input", a.selection.Input.Name)
	}
	ev.Msg("Restored capture selection")
	return a.selection
}

// Selection returns the current capture selection.
func (a *App) Selection() source.Selection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.selection
}

// SetProcessSource selects the process to capture; nil selects the
// default producer. The choice is persisted.
func (a *App) SetProcessSource(src *source.AudioSource) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.recording {
		return ErrRecording
	}
	if src != nil && (src.Kind != source.KindProcess || !src.Supported) {
		return fmt.Errorf("%w: %s", tap.ErrInvalidTarget, src.Name)
	}
	a.selection.Process = src
	a.cfg.Capture.Process, _ = source.Persist(a.selection)
	return a.cfg.Save()
}

// SetInputDevice selects the microphone; nil selects the system default.
// The choice is persisted.
func (a *App) SetInputDevice(src *source.AudioSource) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.recording {
		return ErrRecording
	}
	if src != nil && src.Kind != source.KindInputDevice {
		return fmt.Errorf("%s is not an input device", src.Name)
	}
	a.selection.Input = src
	_, a.cfg.Capture.InputDeviceUID = source.Persist(a.selection)
	return a.cfg.Save()
}

// StartRecording starts every enabled stream and returns the session id.
// It is a no-op returning the current id while recording. On failure
// nothing is left running.
func (a *App) StartRecording(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.recording {
		return a.sessionID, nil
	}

	id := uuid.NewString()
	log := a.log.With().Str("session", id).Logger()
	a.target = source.AudioSource{}

	if a.cfg.Capture.SystemAudio {
		target, err := a.captureTarget(ctx)
		if err != nil {
			a.fail(log, err)
			return "", err
		}
		a.target = target
	}

	a.delivery = sink.NewAsync(a.sink, id, a.cfg.Sink.QueueSize, log)
	a.sessionID = id

	if a.cfg.Capture.SystemAudio {
		engine := tap.NewEngine(a.backend, a.target, log)
		a.system = recorder.NewProcessRecorder(engine, a.recorderOptions(log, id)...)
		if err := a.system.Start(ctx, a.delivery.Stream(a.system.Stream())); err != nil {
			a.stopLocked()
			a.fail(log, err)
			return "", err
		}
	}

	if a.cfg.Capture.Microphone {
		deviceID := ""
		if a.selection.Input != nil {
			deviceID = a.selection.Input.ID
		}
		a.mic = recorder.NewMicrophoneRecorder(a.input, deviceID, a.recorderOptions(log, id)...)
		if err := a.mic.Start(ctx, a.delivery.Stream(a.mic.Stream())); err != nil {
			a.stopLocked()
			a.fail(log, err)
			return "", err
		}
	}

	a.recording = true
	if a.status != nil {
		a.status.SetRecording()
	}
	log.Info().
		Bool("system", a.system != nil).
		Bool("microphone", a.mic != nil).
		Str("target", a.target.Name).
		Msg("Recording started")
	return id, nil
}

func (a *App) captureTarget(ctx context.Context) (source.AudioSource, error) {
	if a.selection.Process != nil {
		return *a.selection.Process, nil
	}
	if a.resolver == nil {
		return source.AllApplications(), nil
	}
	target, err := a.resolver.Resolve(ctx)
	if err != nil {
		return source.AudioSource{}, fmt.Errorf("failed to resolve capture target: %w", err)
	}
	return target, nil
}

func (a *App) recorderOptions(log zerolog.Logger, sessionID string) []recorder.Option {
	return []recorder.Option{
		recorder.WithFlushInterval(a.cfg.Capture.FlushInterval),
		recorder.WithLogger(log),
		recorder.WithPermissions(a.perms),
		recorder.WithOnEnded(func(err error) { a.ended(sessionID, err) }),
	}
}

func (a *App) fail(log zerolog.Logger, err error) {
	log.Error().Err(err).Msg("Failed to start recording")
	if a.status != nil {
		a.status.SetError()
	}
}

// StopRecording stops every stream and returns once all chunks have been
// handed to the sink.
func (a *App) StopRecording() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.recording {
		return nil
	}
	err := a.stopLocked()
	if a.status != nil {
		if err != nil {
			a.status.SetError()
		} else {
			a.status.SetIdle()
		}
	}
	return err
}

func (a *App) stopLocked() error {
	var errs []error
	for _, rec := range []*recorder.Recorder{a.system, a.mic} {
		if rec == nil {
			continue
		}
		if err := rec.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.delivery != nil {
		a.delivery.Close()
		a.log.Info().
			Str("session", a.sessionID).
			Int64("chunks", a.delivery.Sent()).
			Int64("failed", a.delivery.Failed()).
			Msg("Recording stopped")
	}

	a.system, a.mic, a.delivery = nil, nil, nil
	a.recording = false
	return errors.Join(errs...)
}

// ended handles a stream that stopped on its own, e.g. the captured
// process quit. The whole session ends so it never appears stuck.
func (a *App) ended(sessionID string, reason error) {
	a.mu.Lock()
	if !a.recording || a.sessionID != sessionID {
		a.mu.Unlock()
		return
	}
	a.log.Error().Err(reason).Str("session", sessionID).Msg("Recording ended unexpectedly")
	a.stopLocked()
	if a.status != nil {
		a.status.SetError()
	}
	a.mu.Unlock()

	if a.onEnded != nil {
		a.onEnded(sessionID, reason)
	}
}

func (a *App) IsRecording() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.recording
}

// Levels returns the latest amplitude of each stream in [0, 1].
func (a *App) Levels() (system, mic float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.system != nil {
		system = a.system.Amplitude()
	}
	if a.mic != nil {
		mic = a.mic.Amplitude()
	}
	return system, mic
}

func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.recording {
		return a.stopLocked()
	}

	return nil
}
