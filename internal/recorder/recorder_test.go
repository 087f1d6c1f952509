package recorder

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/petems/tapnote/internal/audio"
	"github.com/petems/tapnote/internal/permissions"
	"github.com/petems/tapnote/internal/source"
	"github.com/petems/tapnote/internal/tap"
	"github.com/petems/tapnote/internal/tap/taptest"
	"github.com/rs/zerolog"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type collector struct {
	mu     sync.Mutex
	chunks [][]byte
}

func (c *collector) onChunk(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = append(c.chunks, b)
}

func (c *collector) all() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.chunks...)
}

// payload returns the data sizes of every chunk, validating each header.
func (c *collector) payload(t *testing.T) []int {
	t.Helper()
	var sizes []int
	for i, chunk := range c.all() {
		h, err := audio.ParseWAVHeader(chunk)
		if err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
		if h.SampleRate != 16000 || h.Channels != 1 || h.BitsPerSample != 16 {
			t.Fatalf("chunk %d: unexpected format %+v", i, h)
		}
		if int(h.DataSize) != len(chunk)-audio.WAVHeaderSize {
			t.Fatalf("chunk %d: data size %d does not match payload %d", i, h.DataSize, len(chunk)-audio.WAVHeaderSize)
		}
		sizes = append(sizes, int(h.DataSize))
	}
	return sizes
}

// fakeSource is a Source driven directly by the test.
type fakeSource struct {
	mu       sync.Mutex
	onBuffer func(audio.Buffer)
	onEnd    func(error)
	startErr error
	starts   int
	stops    int
}

func (f *fakeSource) Start(onBuffer func(audio.Buffer), onEnd func(error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return f.startErr
	}
	f.onBuffer, f.onEnd = onBuffer, onEnd
	return nil
}

func (f *fakeSource) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.onBuffer = nil
	return nil
}

func (f *fakeSource) Permission() permissions.Kind { return permissions.SystemAudio }
func (f *fakeSource) Name() string                 { return "fake" }

func (f *fakeSource) push(buf audio.Buffer) {
	f.mu.Lock()
	fn := f.onBuffer
	f.mu.Unlock()
	if fn != nil {
		fn(buf)
	}
}

func stereo(frames int, value float32) []float32 {
	s := make([]float32, frames*2)
	for i := range s {
		s[i] = value
	}
	return s
}

func testOptions(clock Clock) []Option {
	return []Option{
		WithClock(clock),
		WithPermissions(permissions.Fixed{}),
		WithLogger(zerolog.Nop()),
	}
}

func TestProcessRecorderFlushesOnCadenceAndStop(t *testing.T) {
	backend := taptest.NewStereo()
	engine := tap.NewEngine(backend, source.AllApplications(), zerolog.Nop())
	clock := newFakeClock()
	rec := NewProcessRecorder(engine, testOptions(clock)...)

	var c collector
	if err := rec.Start(context.Background(), c.onChunk); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if !rec.Running() {
		t.Fatal("expected recorder to be running")
	}

	// 5.1 seconds of 10ms buffers at 48kHz stereo.
	buf := stereo(480, 0.5)
	for i := 0; i < 510; i++ {
		clock.Advance(10 * time.Millisecond)
		backend.EmitFloat32(buf, 2)
		if i == 499 {
			// Wait for the cadence chunk to reach the collector.
			waitFor(t, func() bool { return len(c.all()) == 1 })
		}
	}

	if got := len(c.all()); got != 1 {
		t.Fatalf("expected one cadence chunk before stop, got %d", got)
	}

	if err := rec.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if rec.Running() {
		t.Error("expected recorder to be stopped")
	}

	sizes := c.payload(t)
	if len(sizes) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(sizes))
	}
	if sizes[0] != 5*16000*2 {
		t.Errorf("expected first chunk of 5s, got %d bytes", sizes[0])
	}
	total := sizes[0] + sizes[1]
	want := 163200 // 5.1s * 16000 frames/s * 2 bytes
	if total < want-2 || total > want+2 {
		t.Errorf("expected %d payload bytes (+-1 frame), got %d", want, total)
	}

	if live := backend.Live(); live != (taptest.Counts{}) {
		t.Errorf("expected every handle released, got %+v", live)
	}
}

func TestChunksDecodeAsStandardWAV(t *testing.T) {
	src := &fakeSource{}
	clock := newFakeClock()
	rec := New(src, testOptions(clock)...)

	var c collector
	if err := rec.Start(context.Background(), c.onChunk); err != nil {
		t.Fatal(err)
	}
	src.push(audio.Buffer{Samples: stereo(4800, 0.5), Frames: 4800, Channels: 2, SampleRate: 48000})
	if err := rec.Stop(); err != nil {
		t.Fatal(err)
	}

	chunks := c.all()
	if len(chunks) != 1 {
		t.Fatalf("expected one chunk, got %d", len(chunks))
	}
	d := wav.NewDecoder(bytes.NewReader(chunks[0]))
	pcm, err := d.FullPCMBuffer()
	if err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if d.SampleRate != 16000 || d.NumChans != 1 || d.BitDepth != 16 {
		t.Fatalf("unexpected format %d Hz %d ch %d bits", d.SampleRate, d.NumChans, d.BitDepth)
	}
	if len(pcm.Data) != 1600 {
		t.Fatalf("expected 1600 frames, got %d", len(pcm.Data))
	}
	for i, s := range pcm.Data {
		if s != 16383 {
			t.Fatalf("sample %d: expected 16383, got %d", i, s)
		}
	}
}

func TestStopTwiceEmitsOneFinalChunk(t *testing.T) {
	src := &fakeSource{}
	rec := New(src, testOptions(newFakeClock())...)

	var c collector
	if err := rec.Start(context.Background(), c.onChunk); err != nil {
		t.Fatal(err)
	}
	src.push(audio.Buffer{Samples: stereo(480, 0.25), Frames: 480, Channels: 2, SampleRate: 48000})

	if err := rec.Stop(); err != nil {
		t.Fatalf("first stop failed: %v", err)
	}
	if err := rec.Stop(); err != nil {
		t.Fatalf("second stop failed: %v", err)
	}

	if sizes := c.payload(t); len(sizes) != 1 || sizes[0] != 320 {
		t.Errorf("expected one 320-byte chunk, got %v", sizes)
	}
	if src.stops != 1 {
		t.Errorf("expected source stopped once, got %d", src.stops)
	}
}

func TestStartIsNoOpWhileRunning(t *testing.T) {
	src := &fakeSource{}
	rec := New(src, testOptions(newFakeClock())...)

	var c collector
	for i := 0; i < 2; i++ {
		if err := rec.Start(context.Background(), c.onChunk); err != nil {
			t.Fatal(err)
		}
	}
	if src.starts != 1 {
		t.Errorf("expected one source start, got %d", src.starts)
	}
	rec.Stop()
}

func TestEmptySessionEmitsNothing(t *testing.T) {
	src := &fakeSource{}
	clock := newFakeClock()
	rec := New(src, testOptions(clock)...)

	var c collector
	if err := rec.Start(context.Background(), c.onChunk); err != nil {
		t.Fatal(err)
	}
	clock.Advance(12 * time.Second)
	if err := rec.Stop(); err != nil {
		t.Fatal(err)
	}
	if n := len(c.all()); n != 0 {
		t.Errorf("expected no chunks, got %d", n)
	}
}

func TestEmptyIntervalIsSuppressed(t *testing.T) {
	src := &fakeSource{}
	clock := newFakeClock()
	rec := New(src, testOptions(clock)...)

	var c collector
	if err := rec.Start(context.Background(), c.onChunk); err != nil {
		t.Fatal(err)
	}

	// One 48kHz frame is a third of an output frame: nothing is pending
	// when the cadence fires.
	clock.Advance(6 * time.Second)
	src.push(audio.Buffer{Samples: []float32{0.5, 0.5}, Frames: 1, Channels: 2, SampleRate: 48000})

	if err := rec.Stop(); err != nil {
		t.Fatal(err)
	}

	// The partial frame is drained into the final chunk.
	if sizes := c.payload(t); len(sizes) != 1 || sizes[0] != 2 {
		t.Errorf("expected only a 2-byte final chunk, got %v", sizes)
	}
}

func TestMalformedBufferIsDropped(t *testing.T) {
	src := &fakeSource{}
	rec := New(src, testOptions(newFakeClock())...)

	var c collector
	if err := rec.Start(context.Background(), c.onChunk); err != nil {
		t.Fatal(err)
	}

	src.push(audio.Buffer{Samples: stereo(480, 0.5), Frames: 480, Channels: 0, SampleRate: 48000})
	src.push(audio.Buffer{Samples: stereo(480, 0.5), Frames: 480, Channels: 2, SampleRate: 0})
	src.push(audio.Buffer{Samples: stereo(10, 0.5), Frames: 480, Channels: 2, SampleRate: 48000})
	src.push(audio.Buffer{Samples: stereo(480, 0.5), Frames: 480, Channels: 2, SampleRate: 48000})

	if !rec.Running() {
		t.Fatal("expected the session to survive malformed buffers")
	}
	if err := rec.Stop(); err != nil {
		t.Fatal(err)
	}
	if sizes := c.payload(t); len(sizes) != 1 || sizes[0] != 320 {
		t.Errorf("expected only the valid buffer, got %v", sizes)
	}
}

func TestSampleRateChangeKeepsAudio(t *testing.T) {
	src := &fakeSource{}
	rec := New(src, testOptions(newFakeClock())...)

	var c collector
	if err := rec.Start(context.Background(), c.onChunk); err != nil {
		t.Fatal(err)
	}
	src.push(audio.Buffer{Samples: stereo(4410, 0.5), Frames: 4410, Channels: 2, SampleRate: 44100})
	src.push(audio.Buffer{Samples: stereo(4800, 0.5), Frames: 4800, Channels: 2, SampleRate: 48000})
	if err := rec.Stop(); err != nil {
		t.Fatal(err)
	}

	// 100ms at each rate.
	if sizes := c.payload(t); len(sizes) != 1 || sizes[0] != 2*3200 {
		t.Errorf("expected 6400 bytes, got %v", sizes)
	}
}

func TestPermissionDenied(t *testing.T) {
	src := &fakeSource{}
	rec := New(src,
		WithClock(newFakeClock()),
		WithPermissions(permissions.Fixed{permissions.SystemAudio: permissions.Denied}),
	)

	err := rec.Start(context.Background(), func([]byte) {})
	if !errors.Is(err, permissions.ErrDenied) {
		t.Fatalf("expected ErrDenied, got %v", err)
	}
	if rec.Running() {
		t.Error("expected recorder not to be running")
	}
	if src.starts != 0 {
		t.Error("expected the source not to be started")
	}
}

func TestStartFailurePropagates(t *testing.T) {
	busy := errors.New("device busy")
	src := &fakeSource{startErr: busy}
	rec := New(src, testOptions(newFakeClock())...)

	err := rec.Start(context.Background(), func([]byte) {})
	if !errors.Is(err, busy) {
		t.Fatalf("expected device busy, got %v", err)
	}
	if rec.Running() {
		t.Error("expected recorder not to be running")
	}

	// A later start can succeed.
	src.startErr = nil
	if err := rec.Start(context.Background(), func([]byte) {}); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	rec.Stop()
}

func TestProcessRecorderActivationFailure(t *testing.T) {
	backend := taptest.NewStereo()
	backend.FailOn(taptest.OpCreateAggregate, 1852797029)
	engine := tap.NewEngine(backend, source.AllApplications(), zerolog.Nop())
	rec := NewProcessRecorder(engine, testOptions(newFakeClock())...)

	err := rec.Start(context.Background(), func([]byte) {})
	var ce *tap.CaptureError
	if !errors.As(err, &ce) || ce.Stage != tap.StageAggregate {
		t.Fatalf("expected aggregate CaptureError, got %v", err)
	}
	if rec.Running() {
		t.Error("expected recorder not to be running")
	}
	if live := backend.Live(); live != (taptest.Counts{}) {
		t.Errorf("expected no live handles, got %+v", live)
	}
}

func TestForcedInvalidationEndsSession(t *testing.T) {
	backend := taptest.NewStereo()
	engine := tap.NewEngine(backend, source.AllApplications(), zerolog.Nop())

	var (
		mu     sync.Mutex
		ended  []error
		chunks collector
	)
	rec := NewProcessRecorder(engine, append(testOptions(newFakeClock()),
		WithOnEnded(func(err error) {
			mu.Lock()
			ended = append(ended, err)
			mu.Unlock()
		}),
	)...)

	if err := rec.Start(context.Background(), chunks.onChunk); err != nil {
		t.Fatal(err)
	}
	backend.EmitFloat32(stereo(480, 0.5), 2)
	backend.Revoke()

	if rec.Running() {
		t.Error("expected the session to stop without an explicit Stop")
	}
	mu.Lock()
	if len(ended) != 1 || !errors.Is(ended[0], tap.ErrProducerGone) {
		t.Errorf("expected one ErrProducerGone, got %v", ended)
	}
	mu.Unlock()

	if sizes := chunks.payload(t); len(sizes) != 1 || sizes[0] != 320 {
		t.Errorf("expected the buffered audio as a final chunk, got %v", sizes)
	}
	if engine.State() != tap.StateInvalidated {
		t.Errorf("expected invalidated engine, got %s", engine.State())
	}

	// Stop after a forced end is a harmless no-op.
	if err := rec.Stop(); err != nil {
		t.Fatalf("stop after forced end failed: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(ended) != 1 {
		t.Errorf("expected the end hook once, got %d", len(ended))
	}
}

func TestRestartAfterForcedInvalidation(t *testing.T) {
	backend := taptest.NewStereo()
	engine := tap.NewEngine(backend, source.AllApplications(), zerolog.Nop())
	rec := NewProcessRecorder(engine, testOptions(newFakeClock())...)

	if err := rec.Start(context.Background(), func([]byte) {}); err != nil {
		t.Fatal(err)
	}
	backend.Revoke()
	if err := rec.Start(context.Background(), func([]byte) {}); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if !rec.Running() || engine.State() != tap.StateRunning {
		t.Errorf("expected a running session, got %s", engine.State())
	}
	rec.Stop()
}

func TestFullQueueKeepsAudio(t *testing.T) {
	src := &fakeSource{}
	clock := newFakeClock()
	entered := make(chan struct{}, 1)
	release := make(chan struct{})

	var logs bytes.Buffer
	var c collector
	opts := append(testOptions(clock), WithQueueSize(1), WithFlushInterval(time.Second), WithLogger(zerolog.New(&logs)))
	rec := New(src, opts...)
	err := rec.Start(context.Background(), func(b []byte) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		c.onChunk(b)
	})
	if err != nil {
		t.Fatal(err)
	}

	push := func() {
		clock.Advance(time.Second)
		src.push(audio.Buffer{Samples: stereo(4800, 0.5), Frames: 4800, Channels: 2, SampleRate: 48000})
	}

	// The first chunk blocks delivery, the second fills the queue and the
	// rest stay pending.
	push()
	<-entered
	for i := 0; i < 4; i++ {
		push()
	}
	if n := strings.Count(logs.String(), "Chunk queue full"); n != 1 {
		t.Errorf("expected one backlog warning, got %d", n)
	}

	close(release)
	if err := rec.Stop(); err != nil {
		t.Fatal(err)
	}

	total := 0
	for _, n := range c.payload(t) {
		total += n
	}
	if total != 5*3200 {
		t.Errorf("expected %d bytes delivered, got %d", 5*3200, total)
	}
}

func TestMalformedBuffersAreLoggedOnce(t *testing.T) {
	src := &fakeSource{}
	var logs bytes.Buffer
	rec := New(src, append(testOptions(newFakeClock()), WithLogger(zerolog.New(&logs)))...)

	if err := rec.Start(context.Background(), func([]byte) {}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		src.push(audio.Buffer{Samples: stereo(480, 0.5), Frames: 480, Channels: 0, SampleRate: 48000})
	}
	if n := strings.Count(logs.String(), "Dropped malformed buffer"); n != 1 {
		t.Errorf("expected one warning from the audio thread, got %d", n)
	}
	if err := rec.Stop(); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(logs.String(), `"buffers":10`) {
		t.Errorf("expected the dropped count on stop, got %s", logs.String())
	}
}

func TestAmplitudeIsThrottled(t *testing.T) {
	src := &fakeSource{}
	clock := newFakeClock()
	rec := New(src, testOptions(clock)...)

	if err := rec.Start(context.Background(), func([]byte) {}); err != nil {
		t.Fatal(err)
	}

	loud := audio.Buffer{Samples: stereo(480, 1), Frames: 480, Channels: 2, SampleRate: 48000}
	quiet := audio.Buffer{Samples: stereo(480, 0.001), Frames: 480, Channels: 2, SampleRate: 48000}

	src.push(loud)
	first := <-rec.Amplitudes()
	if first < 0.99 {
		t.Errorf("expected full scale amplitude, got %f", first)
	}

	// Within the throttle interval the level is not republished.
	clock.Advance(50 * time.Millisecond)
	src.push(quiet)
	select {
	case v := <-rec.Amplitudes():
		t.Fatalf("expected no publish within 100ms, got %f", v)
	default:
	}
	if rec.Amplitude() != first {
		t.Errorf("expected amplitude to stay %f, got %f", first, rec.Amplitude())
	}

	clock.Advance(50 * time.Millisecond)
	src.push(quiet)
	second := <-rec.Amplitudes()
	if second >= first {
		t.Errorf("expected quieter level, got %f after %f", second, first)
	}

	rec.Stop()
	if rec.Amplitude() != 0 {
		t.Errorf("expected amplitude reset on stop, got %f", rec.Amplitude())
	}
}

func TestAmplitudeKeepsLatest(t *testing.T) {
	src := &fakeSource{}
	clock := newFakeClock()
	rec := New(src, testOptions(clock)...)
	if err := rec.Start(context.Background(), func([]byte) {}); err != nil {
		t.Fatal(err)
	}
	defer rec.Stop()

	src.push(audio.Buffer{Samples: stereo(480, 1), Frames: 480, Channels: 2, SampleRate: 48000})
	clock.Advance(time.Second)
	src.push(audio.Buffer{Samples: stereo(480, 0.01), Frames: 480, Channels: 2, SampleRate: 48000})

	got := <-rec.Amplitudes()
	if got != rec.Amplitude() {
		t.Errorf("expected the latest level %f, got %f", rec.Amplitude(), got)
	}
	select {
	case v := <-rec.Amplitudes():
		t.Errorf("expected a single pending level, got another %f", v)
	default:
	}
}

type fakeInput struct {
	mu       sync.Mutex
	deviceID string
	onBuffer func(audio.Buffer)
	stops    int
}

func (f *fakeInput) Start(deviceID string, onBuffer func(audio.Buffer)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deviceID = deviceID
	f.onBuffer = onBuffer
	return nil
}

func (f *fakeInput) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.onBuffer = nil
	return nil
}

func (f *fakeInput) ListDevices() ([]audio.AudioDevice, error) { return nil, nil }
func (f *fakeInput) Close() error                              { return nil }

func (f *fakeInput) push(buf audio.Buffer) {
	f.mu.Lock()
	fn := f.onBuffer
	f.mu.Unlock()
	if fn != nil {
		fn(buf)
	}
}

func TestMicrophoneRecorder(t *testing.T) {
	input := &fakeInput{}
	rec := NewMicrophoneRecorder(input, "ALSA:USB Mic", testOptions(newFakeClock())...)
	if rec.Stream() != StreamMicrophone {
		t.Errorf("unexpected stream %q", rec.Stream())
	}

	var c collector
	if err := rec.Start(context.Background(), c.onChunk); err != nil {
		t.Fatal(err)
	}
	if input.deviceID != "ALSA:USB Mic" {
		t.Errorf("expected the selected device, got %q", input.deviceID)
	}

	// Mono 44.1kHz microphone, 100ms.
	mono := make([]float32, 4410)
	for i := range mono {
		mono[i] = 0.2
	}
	input.push(audio.Buffer{Samples: mono, Frames: 4410, Channels: 1, SampleRate: 44100})

	if err := rec.Stop(); err != nil {
		t.Fatal(err)
	}
	if sizes := c.payload(t); len(sizes) != 1 || sizes[0] != 3200 {
		t.Errorf("expected one 3200-byte chunk, got %v", sizes)
	}
	if input.stops != 1 {
		t.Errorf("expected the input engine stopped once, got %d", input.stops)
	}
}

func TestMicrophonePermissionDenied(t *testing.T) {
	rec := NewMicrophoneRecorder(&fakeInput{}, "",
		WithPermissions(permissions.Fixed{permissions.Microphone: permissions.Restricted}))
	if err := rec.Start(context.Background(), func([]byte) {}); !errors.Is(err, permissions.ErrDenied) {
		t.Fatalf("expected ErrDenied, got %v", err)
	}
}

func TestRecordersAreIndependent(t *testing.T) {
	backend := taptest.NewStereo()
	engine := tap.NewEngine(backend, source.AllApplications(), zerolog.Nop())
	clock := newFakeClock()
	system := NewProcessRecorder(engine, testOptions(clock)...)
	input := &fakeInput{}
	mic := NewMicrophoneRecorder(input, "", testOptions(clock)...)

	var sysChunks, micChunks collector
	if err := system.Start(context.Background(), sysChunks.onChunk); err != nil {
		t.Fatal(err)
	}
	if err := mic.Start(context.Background(), micChunks.onChunk); err != nil {
		t.Fatal(err)
	}

	backend.EmitFloat32(stereo(480, 0.5), 2)
	input.push(audio.Buffer{Samples: stereo(960, 0.5), Frames: 960, Channels: 2, SampleRate: 48000})

	if err := mic.Stop(); err != nil {
		t.Fatal(err)
	}
	if !system.Running() {
		t.Fatal("stopping the microphone must not stop system capture")
	}
	backend.EmitFloat32(stereo(480, 0.5), 2)
	if err := system.Stop(); err != nil {
		t.Fatal(err)
	}

	if sizes := micChunks.payload(t); len(sizes) != 1 || sizes[0] != 640 {
		t.Errorf("unexpected microphone chunks %v", sizes)
	}
	if sizes := sysChunks.payload(t); len(sizes) != 1 || sizes[0] != 640 {
		t.Errorf("unexpected system chunks %v", sizes)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}
