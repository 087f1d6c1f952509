// Package recorder turns a capture engine's native buffers into periodic
// 16 kHz mono 16-bit WAV chunks.
package recorder

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petems/tapnote/internal/audio"
	"github.com/petems/tapnote/internal/permissions"
	"github.com/rs/zerolog"
)

const (
	DefaultFlushInterval     = 5 * time.Second
	DefaultAmplitudeInterval = 100 * time.Millisecond
	DefaultQueueSize         = 8
)

// Source is a capture engine driven by a Recorder.
type Source interface {
	// Start delivers buffers to onBuffer from the engine's audio thread
	// until Stop. onEnd is called at most once, never from inside Stop,
	// if capture ends on its own.
	Start(onBuffer func(audio.Buffer), onEnd func(error)) error
	// Stop returns once no further buffers will be delivered.
	Stop() error
	Permission() permissions.Kind
	Name() string
}

// Clock supplies wall-clock time for flush and amplitude cadence.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Option configures a Recorder.
type Option func(*Recorder)

func WithFlushInterval(d time.Duration) Option {
	return func(r *Recorder) { r.flushInterval = d }
}

func WithAmplitudeInterval(d time.Duration) Option {
	return func(r *Recorder) { r.ampInterval = d }
}

func WithClock(c Clock) Option {
	return func(r *Recorder) { r.clock = c }
}

func WithLogger(log zerolog.Logger) Option {
	return func(r *Recorder) { r.log = log }
}

func WithPermissions(c permissions.Checker) Option {
	return func(r *Recorder) { r.perms = c }
}

// WithOnEnded registers a hook for capture that ends without Stop, such
// as the producer exiting. The final chunk has been delivered when it runs.
func WithOnEnded(fn func(error)) Option {
	return func(r *Recorder) { r.onEnded = fn }
}

// WithQueueSize bounds the number of chunks waiting for delivery.
func WithQueueSize(n int) Option {
	return func(r *Recorder) { r.queueSize = n }
}

// Recorder owns one capture session at a time over a Source.
type Recorder struct {
	src           Source
	flushInterval time.Duration
	ampInterval   time.Duration
	queueSize     int
	clock         Clock
	log           zerolog.Logger
	perms         permissions.Checker
	onEnded       func(error)

	running   atomic.Bool
	amplitude atomic.Uint64
	amps      chan float64

	mu   sync.Mutex
	sess *session
}

// New creates a recorder over src.
func New(src Source, opts ...Option) *Recorder {
	r := &Recorder{
		src:           src,
		flushInterval: DefaultFlushInterval,
		ampInterval:   DefaultAmplitudeInterval,
		queueSize:     DefaultQueueSize,
		clock:         systemClock{},
		log:           zerolog.Nop(),
		amps:          make(chan float64, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.perms == nil {
		r.perms = permissions.New()
	}
	if r.queueSize <= 0 {
		r.queueSize = 1
	}
	r.log = r.log.With().Str("stream", src.Name()).Logger()
	return r
}

// Stream names the recorder's source, e.g. "system" or "microphone".
func (r *Recorder) Stream() string {
	return r.src.Name()
}

// Running reports whether a session is active.
func (r *Recorder) Running() bool {
	return r.running.Load()
}

// Amplitude returns the most recently published level in [0, 1].
func (r *Recorder) Amplitude() float64 {
	return math.Float64frombits(r.amplitude.Load())
}

// Amplitudes publishes levels at most once per amplitude interval. Only
// the latest unread level is kept.
func (r *Recorder) Amplitudes() <-chan float64 {
	return r.amps
}

// Start begins a session delivering WAV chunks to onChunk on a dedicated
// goroutine. It is a no-op if a session is already running. Permission
// failures wrap permissions.ErrDenied.
func (r *Recorder) Start(ctx context.Context, onChunk func([]byte)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sess != nil {
		return nil
	}
	if err := permissions.Ensure(ctx, r.perms, r.src.Permission()); err != nil {
		return err
	}

	s := &session{
		r:         r,
		onChunk:   onChunk,
		lastFlush: r.clock.Now(),
		queue:     make(chan []byte, r.queueSize),
		done:      make(chan struct{}),
	}
	go s.deliver()

	if err := r.src.Start(s.handle, r.ended(s)); err != nil {
		s.finish()
		return fmt.Errorf("failed to start %s capture: %w", r.src.Name(), err)
	}

	r.sess = s
	r.running.Store(true)
	r.log.Info().Dur("flush_interval", r.flushInterval).Msg("Recording started")
	return nil
}

// Stop halts capture and returns after the final chunk, if any audio was
// still pending, has been delivered. It is idempotent.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.sess
	if s == nil {
		return nil
	}
	r.sess = nil

	err := r.src.Stop()
	s.finish()
	r.reset()

	if err != nil {
		r.log.Error().Err(err).Msg("Failed to stop capture cleanly")
		return fmt.Errorf("failed to stop %s capture: %w", r.src.Name(), err)
	}
	r.log.Info().Msg("Recording stopped")
	return nil
}

// ended handles capture that stops without Stop.
func (r *Recorder) ended(s *session) func(error) {
	return func(reason error) {
		r.mu.Lock()
		if r.sess != s {
			r.mu.Unlock()
			return
		}
		r.sess = nil
		if err := r.src.Stop(); err != nil {
			r.log.Warn().Err(err).Msg("Failed to release ended capture")
		}
		s.finish()
		r.reset()
		r.mu.Unlock()

		r.log.Warn().Err(reason).Msg("Recording ended by source")
		if r.onEnded != nil {
			r.onEnded(reason)
		}
	}
}

func (r *Recorder) reset() {
	r.running.Store(false)
	r.amplitude.Store(0)
}

func (r *Recorder) publish(level float64) {
	r.amplitude.Store(math.Float64bits(level))
	select {
	case r.amps <- level:
		return
	default:
	}
	// Replace the stale unread level.
	select {
	case <-r.amps:
	default:
	}
	select {
	case r.amps <- level:
	default:
	}
}
