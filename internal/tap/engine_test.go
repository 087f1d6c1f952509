package tap_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/petems/tapnote/internal/audio"
	"github.com/petems/tapnote/internal/source"
	"github.com/petems/tapnote/internal/tap"
	"github.com/petems/tapnote/internal/tap/taptest"
	"github.com/rs/zerolog"
)

func newEngine(b *taptest.Backend) *tap.Engine {
	return tap.NewEngine(b, source.AllApplications(), zerolog.Nop())
}

func TestActivateTwiceCreatesOneTap(t *testing.T) {
	b := taptest.NewStereo()
	e := newEngine(b)

	if err := e.Activate(); err != nil {
		t.Fatalf("first activate failed: %v", err)
	}
	if err := e.Activate(); err != nil {
		t.Fatalf("second activate failed: %v", err)
	}

	created := b.Created()
	if created.Taps != 1 || created.Aggregates != 1 {
		t.Errorf("expected one tap and one aggregate, got %+v", created)
	}
	if e.State() != tap.StateActivated {
		t.Errorf("expected activated, got %s", e.State())
	}
	if got := e.Format(); got.SampleRate != 48000 || got.Channels != 2 {
		t.Errorf("unexpected format %s", got)
	}
}

func TestActivateDescribesTapAndAggregate(t *testing.T) {
	b := taptest.NewStereo()
	target := source.AudioSource{ID: "42", Name: "Music", Kind: source.KindProcess, PID: 42, Supported: true}
	e := tap.NewEngine(b, target, zerolog.Nop())

	if err := e.Activate(); err != nil {
		t.Fatalf("activate failed: %v", err)
	}

	desc, ok := b.LastTap()
	if !ok || desc.PID != 42 || !desc.Private {
		t.Errorf("unexpected tap description %+v", desc)
	}
	agg, ok := b.LastAggregate()
	if !ok {
		t.Fatal("expected an aggregate")
	}
	if !agg.DriftCompensation || !agg.Private {
		t.Errorf("expected private aggregate with drift compensation, got %+v", agg)
	}
	if agg.TapUUID != desc.UUID || agg.MainSubDevice != "fake:speakers" {
		t.Errorf("aggregate not bound to tap and output: %+v", agg)
	}
}

func TestActivateAllApplicationsTapsEveryProcess(t *testing.T) {
	b := taptest.NewStereo()
	if err := newEngine(b).Activate(); err != nil {
		t.Fatal(err)
	}
	if desc, _ := b.LastTap(); desc.PID != 0 {
		t.Errorf("expected system-wide tap, got pid %d", desc.PID)
	}
}

func TestActivateRejectsInputDevice(t *testing.T) {
	b := taptest.NewStereo()
	e := tap.NewEngine(b, source.AudioSource{ID: "mic", Kind: source.KindInputDevice, Supported: true}, zerolog.Nop())

	err := e.Activate()
	if !errors.Is(err, tap.ErrInvalidTarget) {
		t.Fatalf("expected ErrInvalidTarget, got %v", err)
	}
	if b.Created().Taps != 0 {
		t.Error("expected no tap to be created")
	}
}

func TestActivateFailureReleasesHandles(t *testing.T) {
	tests := []struct {
		op    taptest.Op
		stage tap.Stage
	}{
		{taptest.OpDefaultOutput, tap.StageOutputDevice},
		{taptest.OpCreateTap, tap.StageCreateTap},
		{taptest.OpTapFormat, tap.StageTapFormat},
		{taptest.OpCreateAggregate, tap.StageAggregate},
	}

	for _, tt := range tests {
		t.Run(string(tt.op), func(t *testing.T) {
			b := taptest.NewStereo()
			b.FailOn(tt.op, 560947818)
			e := newEngine(b)

			err := e.Activate()
			var ce *tap.CaptureError
			if !errors.As(err, &ce) {
				t.Fatalf("expected CaptureError, got %v", err)
			}
			if ce.Stage != tt.stage || ce.Status != 560947818 {
				t.Errorf("expected stage %s status 560947818, got %s %d", tt.stage, ce.Stage, ce.Status)
			}
			if live := b.Live(); live != (taptest.Counts{}) {
				t.Errorf("expected no live handles, got %+v", live)
			}
			if e.State() != tap.StateIdle {
				t.Errorf("expected idle after failed activate, got %s", e.State())
			}

			// The engine recovers once the backend does.
			b.FailOn(tt.op, 0)
			if err := e.Activate(); err != nil {
				t.Fatalf("retry failed: %v", err)
			}
		})
	}
}

func TestActivateRejectsUnknownFormat(t *testing.T) {
	b := taptest.New(audio.Format{SampleRate: 48000, Channels: 2})
	err := newEngine(b).Activate()

	var ce *tap.CaptureError
	if !errors.As(err, &ce) || ce.Stage != tap.StageTapFormat {
		t.Fatalf("expected tap format failure, got %v", err)
	}
	if !errors.Is(err, audio.ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat, got %v", err)
	}
	if b.Live().Taps != 0 {
		t.Error("expected the tap to be destroyed")
	}
}

func TestRunFailureTearsDownWithoutHandler(t *testing.T) {
	for _, op := range []taptest.Op{taptest.OpCreateIOProc, taptest.OpWatch, taptest.OpStartDevice} {
		t.Run(string(op), func(t *testing.T) {
			b := taptest.NewStereo()
			b.FailOn(op, -10851)
			e := newEngine(b)
			if err := e.Activate(); err != nil {
				t.Fatal(err)
			}

			called := false
			err := e.Run(1, func(audio.Buffer) {}, func(error) { called = true })
			var ce *tap.CaptureError
			if !errors.As(err, &ce) || ce.Status != -10851 {
				t.Fatalf("expected CaptureError with status, got %v", err)
			}
			if called {
				t.Error("invalidation handler must not run for a failed start")
			}
			if live := b.Live(); live != (taptest.Counts{}) {
				t.Errorf("expected no live handles, got %+v", live)
			}
			if e.State() != tap.StateInvalidated {
				t.Errorf("expected invalidated, got %s", e.State())
			}
		})
	}
}

func TestRunRequiresActivation(t *testing.T) {
	e := newEngine(taptest.NewStereo())
	if err := e.Run(1, func(audio.Buffer) {}, nil); !errors.Is(err, tap.ErrNotActivated) {
		t.Fatalf("expected ErrNotActivated, got %v", err)
	}
}

func TestRunOncePerActivation(t *testing.T) {
	b := taptest.NewStereo()
	e := newEngine(b)
	if err := e.Activate(); err != nil {
		t.Fatal(err)
	}
	if err := e.Run(1, func(audio.Buffer) {}, nil); err != nil {
		t.Fatal(err)
	}
	if err := e.Run(1, func(audio.Buffer) {}, nil); !errors.Is(err, tap.ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if b.Created().IOProcs != 1 {
		t.Errorf("expected one io proc, got %d", b.Created().IOProcs)
	}
	e.Invalidate()
}

func TestRunRejectsUnsupportedChannelCount(t *testing.T) {
	e := newEngine(taptest.NewStereo())
	if err := e.Activate(); err != nil {
		t.Fatal(err)
	}
	if err := e.Run(6, func(audio.Buffer) {}, nil); !errors.Is(err, audio.ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
	if e.State() != tap.StateActivated {
		t.Errorf("expected engine to stay activated, got %s", e.State())
	}
}

func TestRunDownmixesToMono(t *testing.T) {
	b := taptest.NewStereo()
	e := newEngine(b)
	if err := e.Activate(); err != nil {
		t.Fatal(err)
	}

	var got []audio.Buffer
	err := e.Run(1, func(buf audio.Buffer) {
		buf.Samples = append([]float32(nil), buf.Samples...)
		got = append(got, buf)
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	b.EmitFloat32([]float32{1, 0, 0.5, 0.5, -1, 0}, 2)

	if len(got) != 1 {
		t.Fatalf("expected one buffer, got %d", len(got))
	}
	buf := got[0]
	if buf.Channels != 1 || buf.Frames != 3 || buf.SampleRate != 48000 {
		t.Fatalf("unexpected buffer shape %+v", buf)
	}
	want := []float32{0.5, 0.5, -0.5}
	for i, w := range want {
		if buf.Samples[i] != w {
			t.Errorf("sample %d: expected %f, got %f", i, w, buf.Samples[i])
		}
	}
	e.Invalidate()
}

func TestRunKeepsNativeChannels(t *testing.T) {
	b := taptest.NewStereo()
	e := newEngine(b)
	if err := e.Activate(); err != nil {
		t.Fatal(err)
	}

	var channels, frames int
	if err := e.Run(2, func(buf audio.Buffer) { channels, frames = buf.Channels, buf.Frames }, nil); err != nil {
		t.Fatal(err)
	}
	b.EmitFloat32([]float32{0.1, 0.2, 0.3, 0.4}, 2)
	if channels != 2 || frames != 2 {
		t.Errorf("expected 2 frames of stereo, got %d frames of %d channels", frames, channels)
	}
	e.Invalidate()
}

func TestRunDropsMalformedBuffer(t *testing.T) {
	b := taptest.NewStereo()
	e := newEngine(b)
	if err := e.Activate(); err != nil {
		t.Fatal(err)
	}

	calls := 0
	if err := e.Run(1, func(audio.Buffer) { calls++ }, nil); err != nil {
		t.Fatal(err)
	}

	b.Emit([]byte{1, 2, 3}, 1)            // not whole samples
	b.Emit(make([]byte, 12), 2)           // three samples of a stereo stream
	b.EmitFloat32([]float32{0.1, 0.1}, 2) // valid

	if calls != 1 {
		t.Errorf("expected only the valid buffer to be delivered, got %d", calls)
	}
	if e.State() != tap.StateRunning {
		t.Errorf("expected engine to keep running, got %s", e.State())
	}
	e.Invalidate()
}

func TestInvalidateTearsDownInOrder(t *testing.T) {
	b := taptest.NewStereo()
	e := newEngine(b)
	if err := e.Activate(); err != nil {
		t.Fatal(err)
	}
	if err := e.Run(1, func(audio.Buffer) {}, nil); err != nil {
		t.Fatal(err)
	}

	if err := e.Invalidate(); err != nil {
		t.Fatalf("invalidate failed: %v", err)
	}

	calls := b.Calls()
	teardown := calls[len(calls)-4:]
	want := []string{
		string(taptest.OpStopDevice),
		string(taptest.OpDestroyIOProc),
		string(taptest.OpDestroyAgg),
		string(taptest.OpDestroyTap),
	}
	for i := range want {
		if teardown[i] != want[i] {
			t.Fatalf("expected teardown %v, got %v", want, teardown)
		}
	}
	if live := b.Live(); live != (taptest.Counts{}) {
		t.Errorf("expected no live handles, got %+v", live)
	}
}

func TestInvalidateIsIdempotent(t *testing.T) {
	b := taptest.NewStereo()
	e := newEngine(b)
	if err := e.Activate(); err != nil {
		t.Fatal(err)
	}

	calls := 0
	var reason error = errors.New("unset")
	if err := e.Run(1, func(audio.Buffer) {}, func(err error) { calls++; reason = err }); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if err := e.Invalidate(); err != nil {
			t.Fatalf("invalidate %d failed: %v", i, err)
		}
	}
	if calls != 1 {
		t.Errorf("expected handler to run once, ran %d times", calls)
	}
	if reason != nil {
		t.Errorf("expected nil reason for explicit invalidation, got %v", reason)
	}
}

func TestInvalidateActivatedEngine(t *testing.T) {
	b := taptest.NewStereo()
	e := newEngine(b)
	if err := e.Activate(); err != nil {
		t.Fatal(err)
	}
	if err := e.Invalidate(); err != nil {
		t.Fatal(err)
	}
	if live := b.Live(); live != (taptest.Counts{}) {
		t.Errorf("expected no live handles, got %+v", live)
	}
}

func TestForcedInvalidationRunsHandlerOnce(t *testing.T) {
	b := taptest.NewStereo()
	e := newEngine(b)
	if err := e.Activate(); err != nil {
		t.Fatal(err)
	}

	var (
		mu      sync.Mutex
		reasons []error
	)
	err := e.Run(1, func(audio.Buffer) {}, func(err error) {
		mu.Lock()
		reasons = append(reasons, err)
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}

	b.Revoke()
	e.Invalidate()
	b.Revoke()

	mu.Lock()
	defer mu.Unlock()
	if len(reasons) != 1 {
		t.Fatalf("expected one handler call, got %d", len(reasons))
	}
	if !errors.Is(reasons[0], tap.ErrProducerGone) {
		t.Errorf("expected ErrProducerGone, got %v", reasons[0])
	}
	if e.State() != tap.StateInvalidated {
		t.Errorf("expected invalidated, got %s", e.State())
	}
	if live := b.Live(); live != (taptest.Counts{}) {
		t.Errorf("expected no live handles, got %+v", live)
	}
}

func TestReactivateAfterInvalidation(t *testing.T) {
	b := taptest.NewStereo()
	e := newEngine(b)
	for i := 0; i < 2; i++ {
		if err := e.Activate(); err != nil {
			t.Fatalf("activate %d failed: %v", i, err)
		}
		if err := e.Run(1, func(audio.Buffer) {}, nil); err != nil {
			t.Fatalf("run %d failed: %v", i, err)
		}
		if err := e.Invalidate(); err != nil {
			t.Fatalf("invalidate %d failed: %v", i, err)
		}
	}
	if created := b.Created(); created.Taps != 2 {
		t.Errorf("expected a fresh tap per activation, got %d", created.Taps)
	}
}
