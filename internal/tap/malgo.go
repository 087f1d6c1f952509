package tap

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/petems/tapnote/internal/audio"
	"github.com/petems/tapnote/internal/source"
	"github.com/rs/zerolog"
)

// Status codes reported by MalgoBackend.
const (
	statusUnknownHandle int32 = -1
	statusDeviceInit    int32 = -2
	statusDeviceStart   int32 = -3
	statusDeviceStop    int32 = -4
	statusContext       int32 = -5
	statusNoLoopback    int32 = -6
)

const defaultPollInterval = 500 * time.Millisecond

var (
	errUnknownHandle = errors.New("unknown handle")
	errNoLoopback    = errors.New("no loopback or monitor source for the default output")
)

// MalgoBackend implements Backend with miniaudio. A tap captures the mix
// of the default output: WASAPI loopback on Windows, the sound server's
// monitor source of the default sink on Linux. Other platforms have no
// playback capture here and CreateTap fails. Per-process taps still
// capture the whole mix; the pid only bounds the tap's lifetime.
type MalgoBackend struct {
	log          zerolog.Logger
	ctx          *malgo.AllocatedContext
	pollInterval time.Duration

	mu         sync.Mutex
	next       uint32
	taps       map[TapID]*malgoTap
	aggregates map[DeviceID]TapID
}

type malgoTap struct {
	desc     TapDescription
	device   *malgo.Device
	io       atomic.Pointer[IOFunc]
	stopping atomic.Bool

	mu       sync.Mutex
	watchers map[int]func()
	nextW    int
}

// NewMalgoBackend initializes a miniaudio context.
func NewMalgoBackend(log zerolog.Logger) (*MalgoBackend, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		log.Trace().Str("component", "miniaudio").Msg(message)
	})
	if err != nil {
		return nil, &OSStatusError{Op: "init context", Code: statusContext, Err: err}
	}
	return &MalgoBackend{
		log:          log,
		ctx:          ctx,
		pollInterval: defaultPollInterval,
		taps:         make(map[TapID]*malgoTap),
		aggregates:   make(map[DeviceID]TapID),
	}, nil
}

// Close releases the miniaudio context. All taps must be destroyed first.
func (b *MalgoBackend) Close() error {
	if b.ctx == nil {
		return nil
	}
	err := b.ctx.Uninit()
	b.ctx.Free()
	b.ctx = nil
	return err
}

func (b *MalgoBackend) DefaultOutputUID() (string, error) {
	devices, err := b.ctx.Devices(malgo.Playback)
	if err != nil {
		return "", &OSStatusError{Op: "list playback devices", Code: statusContext, Err: err}
	}
	for i := range devices {
		if devices[i].IsDefault != 0 {
			return "miniaudio:" + devices[i].Name(), nil
		}
	}
	return "miniaudio:default", nil
}

func (b *MalgoBackend) CreateTap(desc TapDescription) (TapID, error) {
	t := &malgoTap{desc: desc, watchers: make(map[int]func())}

	cfg, devices, err := b.tapConfig()
	if err != nil {
		return 0, err
	}
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 2
	// Zero keeps the device's native rate.
	cfg.SampleRate = 0

	device, err := malgo.InitDevice(b.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, in []byte, frames uint32) {
			if fn := t.io.Load(); fn != nil {
				(*fn)(in, int(frames))
			}
		},
		Stop: func() {
			if !t.stopping.Load() {
				go t.fire()
			}
		},
	})
	runtime.KeepAlive(devices)
	if err != nil {
		return 0, &OSStatusError{Op: "init device", Code: statusDeviceInit, Err: err}
	}
	t.device = device

	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := TapID(b.next)
	b.taps[id] = t

	b.log.Debug().Uint32("tap", uint32(id)).Int32("pid", desc.PID).Msg("Created miniaudio tap")
	return id, nil
}

// tapConfig returns a device config that captures the default output.
// The returned devices back the config's device id and must stay live
// until the device is initialized.
func (b *MalgoBackend) tapConfig() (malgo.DeviceConfig, []malgo.DeviceInfo, error) {
	switch captureMethodFor(runtime.GOOS) {
	case captureLoopback:
		return malgo.DefaultDeviceConfig(malgo.Loopback), nil, nil
	case captureMonitor:
		playback, err := b.ctx.Devices(malgo.Playback)
		if err != nil {
			return malgo.DeviceConfig{}, nil, &OSStatusError{Op: "list playback devices", Code: statusContext, Err: err}
		}
		capture, err := b.ctx.Devices(malgo.Capture)
		if err != nil {
			return malgo.DeviceConfig{}, nil, &OSStatusError{Op: "list capture devices", Code: statusContext, Err: err}
		}
		i, ok := monitorSource(endpoints(playback), endpoints(capture))
		if !ok {
			return malgo.DeviceConfig{}, nil, &OSStatusError{Op: "find monitor source", Code: statusNoLoopback, Err: errNoLoopback}
		}
		b.log.Debug().Str("device", capture[i].Name()).Msg("Capturing monitor source")
		cfg := malgo.DefaultDeviceConfig(malgo.Capture)
		cfg.Capture.DeviceID = capture[i].ID.Pointer()
		return cfg, capture, nil
	default:
		return malgo.DeviceConfig{}, nil, &OSStatusError{Op: "find loopback source", Code: statusNoLoopback, Err: errNoLoopback}
	}
}

func endpoints(devices []malgo.DeviceInfo) []endpoint {
	out := make([]endpoint, len(devices))
	for i := range devices {
		out[i] = endpoint{Name: devices[i].Name(), IsDefault: devices[i].IsDefault != 0}
	}
	return out
}

func (b *MalgoBackend) tap(id TapID) (*malgoTap, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.taps[id]
	if !ok {
		return nil, &OSStatusError{Op: fmt.Sprintf("tap %d", id), Code: statusUnknownHandle, Err: errUnknownHandle}
	}
	return t, nil
}

func (b *MalgoBackend) aggregateTap(dev DeviceID) (*malgoTap, error) {
	b.mu.Lock()
	id, ok := b.aggregates[dev]
	b.mu.Unlock()
	if !ok {
		return nil, &OSStatusError{Op: fmt.Sprintf("device %d", dev), Code: statusUnknownHandle, Err: errUnknownHandle}
	}
	return b.tap(id)
}

func (b *MalgoBackend) TapFormat(id TapID) (audio.Format, error) {
	t, err := b.tap(id)
	if err != nil {
		return audio.Format{}, err
	}
	return audio.Format{
		SampleRate: int(t.device.SampleRate()),
		Channels:   int(t.device.CaptureChannels()),
		Sample:     sampleFormat(t.device.CaptureFormat()),
	}, nil
}

func sampleFormat(f malgo.FormatType) audio.SampleFormat {
	switch f {
	case malgo.FormatF32:
		return audio.FormatFloat32
	case malgo.FormatS16:
		return audio.FormatInt16
	case malgo.FormatS24:
		return audio.FormatInt24
	case malgo.FormatS32:
		return audio.FormatInt32
	default:
		return audio.FormatUnknown
	}
}

func (b *MalgoBackend) DestroyTap(id TapID) error {
	b.mu.Lock()
	t, ok := b.taps[id]
	delete(b.taps, id)
	b.mu.Unlock()
	if !ok {
		return &OSStatusError{Op: fmt.Sprintf("tap %d", id), Code: statusUnknownHandle, Err: errUnknownHandle}
	}
	t.stopping.Store(true)
	t.device.Uninit()
	return nil
}

// CreateAggregate binds a device handle to the tap; the miniaudio device
// already routes the tap through its data callback.
func (b *MalgoBackend) CreateAggregate(desc AggregateDescription) (DeviceID, error) {
	if _, err := b.tap(desc.TapID); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := DeviceID(b.next)
	b.aggregates[id] = desc.TapID
	return id, nil
}

func (b *MalgoBackend) DestroyAggregate(id DeviceID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.aggregates[id]; !ok {
		return &OSStatusError{Op: fmt.Sprintf("device %d", id), Code: statusUnknownHandle, Err: errUnknownHandle}
	}
	delete(b.aggregates, id)
	return nil
}

func (b *MalgoBackend) CreateIOProc(dev DeviceID, fn IOFunc) (ProcID, error) {
	t, err := b.aggregateTap(dev)
	if err != nil {
		return 0, err
	}
	t.io.Store(&fn)
	return ProcID(dev), nil
}

func (b *MalgoBackend) DestroyIOProc(dev DeviceID, _ ProcID) error {
	t, err := b.aggregateTap(dev)
	if err != nil {
		return err
	}
	t.io.Store(nil)
	return nil
}

func (b *MalgoBackend) StartDevice(dev DeviceID, _ ProcID) error {
	t, err := b.aggregateTap(dev)
	if err != nil {
		return err
	}
	t.stopping.Store(false)
	if err := t.device.Start(); err != nil {
		return &OSStatusError{Op: "start device", Code: statusDeviceStart, Err: err}
	}
	return nil
}

func (b *MalgoBackend) StopDevice(dev DeviceID, _ ProcID) error {
	t, err := b.aggregateTap(dev)
	if err != nil {
		return err
	}
	t.stopping.Store(true)
	if err := t.device.Stop(); err != nil {
		return &OSStatusError{Op: "stop device", Code: statusDeviceStop, Err: err}
	}
	return nil
}

func (b *MalgoBackend) WatchInvalidation(id TapID, fn func()) (func(), error) {
	t, err := b.tap(id)
	if err != nil {
		return nil, err
	}

	var once sync.Once
	fire := func() { once.Do(fn) }

	t.mu.Lock()
	w := t.nextW
	t.nextW++
	t.watchers[w] = fire
	t.mu.Unlock()

	ctx, stop := context.WithCancel(context.Background())
	if t.desc.PID > 0 {
		go b.watchProcess(ctx, t.desc.PID, fire)
	}

	cancel := func() {
		stop()
		t.mu.Lock()
		delete(t.watchers, w)
		t.mu.Unlock()
	}
	return cancel, nil
}

// watchProcess fires when pid exits.
func (b *MalgoBackend) watchProcess(ctx context.Context, pid int32, fire func()) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			alive, err := source.Running(ctx, pid)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				b.log.Debug().Err(err).Int32("pid", pid).Msg("Producer liveness check failed")
				continue
			}
			if !alive {
				b.log.Info().Int32("pid", pid).Msg("Producer exited")
				fire()
				return
			}
		}
	}
}

func (t *malgoTap) fire() {
	t.mu.Lock()
	fns := make([]func(), 0, len(t.watchers))
	for _, fn := range t.watchers {
		fns = append(fns, fn)
	}
	t.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
