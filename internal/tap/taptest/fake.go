// Package taptest provides an in-memory tap.Backend for tests.
package taptest

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/petems/tapnote/internal/audio"
	"github.com/petems/tapnote/internal/tap"
)

// Op names a backend call that can be made to fail.
type Op string

const (
	OpDefaultOutput   Op = "default-output"
	OpCreateTap       Op = "create-tap"
	OpTapFormat       Op = "tap-format"
	OpCreateAggregate Op = "create-aggregate"
	OpCreateIOProc    Op = "create-io-proc"
	OpWatch           Op = "watch"
	OpStartDevice     Op = "start-device"
	OpStopDevice      Op = "stop-device"
	OpDestroyIOProc   Op = "destroy-io-proc"
	OpDestroyAgg      Op = "destroy-aggregate"
	OpDestroyTap      Op = "destroy-tap"
)

// Counts is a snapshot of backend handles.
type Counts struct {
	Taps       int
	Aggregates int
	IOProcs    int
	Running    int
	Watchers   int
}

type ioProc struct {
	dev tap.DeviceID
	fn  tap.IOFunc
}

// Backend is a fake tap.Backend. The zero value is not usable; call New.
type Backend struct {
	mu       sync.Mutex
	format   audio.Format
	failures map[Op]error
	next     uint32

	taps       map[tap.TapID]tap.TapDescription
	aggregates map[tap.DeviceID]tap.AggregateDescription
	procs      map[tap.ProcID]ioProc
	running    map[tap.DeviceID]bool
	watchers   map[int]func()
	nextW      int

	created Counts
	calls   []string
}

// New returns a backend whose taps report format.
func New(format audio.Format) *Backend {
	return &Backend{
		format:     format,
		failures:   make(map[Op]error),
		taps:       make(map[tap.TapID]tap.TapDescription),
		aggregates: make(map[tap.DeviceID]tap.AggregateDescription),
		procs:      make(map[tap.ProcID]ioProc),
		running:    make(map[tap.DeviceID]bool),
		watchers:   make(map[int]func()),
	}
}

// NewStereo returns a backend producing 48kHz stereo float32.
func NewStereo() *Backend {
	return New(audio.Format{SampleRate: 48000, Channels: 2, Sample: audio.FormatFloat32})
}

// FailOn makes op fail with code until cleared with code 0.
func (b *Backend) FailOn(op Op, code int32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if code == 0 {
		delete(b.failures, op)
		return
	}
	b.failures[op] = &tap.OSStatusError{Op: string(op), Code: code}
}

// call records op and returns its injected failure. b.mu must be held.
func (b *Backend) call(op Op) error {
	b.calls = append(b.calls, string(op))
	return b.failures[op]
}

// Calls returns the backend calls made so far, in order.
func (b *Backend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

// Live returns the handles currently held.
func (b *Backend) Live() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	running := 0
	for _, r := range b.running {
		if r {
			running++
		}
	}
	return Counts{
		Taps:       len(b.taps),
		Aggregates: len(b.aggregates),
		IOProcs:    len(b.procs),
		Running:    running,
		Watchers:   len(b.watchers),
	}
}

// Created returns the number of handles ever created.
func (b *Backend) Created() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.created
}

// LastTap returns the most recently created tap description.
func (b *Backend) LastTap() (tap.TapDescription, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var (
		last tap.TapID
		desc tap.TapDescription
		ok   bool
	)
	for id, d := range b.taps {
		if id >= last {
			last, desc, ok = id, d, true
		}
	}
	return desc, ok
}

// LastAggregate returns the most recently created aggregate description.
func (b *Backend) LastAggregate() (tap.AggregateDescription, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var (
		last tap.DeviceID
		desc tap.AggregateDescription
		ok   bool
	)
	for id, d := range b.aggregates {
		if id >= last {
			last, desc, ok = id, d, true
		}
	}
	return desc, ok
}

func (b *Backend) DefaultOutputUID() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.call(OpDefaultOutput); err != nil {
		return "", err
	}
	return "fake:speakers", nil
}

func (b *Backend) CreateTap(desc tap.TapDescription) (tap.TapID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.call(OpCreateTap); err != nil {
		return 0, err
	}
	b.next++
	id := tap.TapID(b.next)
	b.taps[id] = desc
	b.created.Taps++
	return id, nil
}

func (b *Backend) TapFormat(id tap.TapID) (audio.Format, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.call(OpTapFormat); err != nil {
		return audio.Format{}, err
	}
	if _, ok := b.taps[id]; !ok {
		return audio.Format{}, unknown("tap", uint32(id))
	}
	return b.format, nil
}

func (b *Backend) DestroyTap(id tap.TapID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.call(OpDestroyTap); err != nil {
		return err
	}
	if _, ok := b.taps[id]; !ok {
		return unknown("tap", uint32(id))
	}
	for _, agg := range b.aggregates {
		if agg.TapID == id {
			return &tap.OSStatusError{Op: string(OpDestroyTap), Code: -50, Err: fmt.Errorf("tap %d still in use", id)}
		}
	}
	delete(b.taps, id)
	return nil
}

func (b *Backend) CreateAggregate(desc tap.AggregateDescription) (tap.DeviceID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.call(OpCreateAggregate); err != nil {
		return 0, err
	}
	if _, ok := b.taps[desc.TapID]; !ok {
		return 0, unknown("tap", uint32(desc.TapID))
	}
	b.next++
	id := tap.DeviceID(b.next)
	b.aggregates[id] = desc
	b.created.Aggregates++
	return id, nil
}

func (b *Backend) DestroyAggregate(id tap.DeviceID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.call(OpDestroyAgg); err != nil {
		return err
	}
	if _, ok := b.aggregates[id]; !ok {
		return unknown("device", uint32(id))
	}
	for _, p := range b.procs {
		if p.dev == id {
			return &tap.OSStatusError{Op: string(OpDestroyAgg), Code: -50, Err: fmt.Errorf("device %d has an io proc", id)}
		}
	}
	delete(b.aggregates, id)
	return nil
}

func (b *Backend) CreateIOProc(dev tap.DeviceID, fn tap.IOFunc) (tap.ProcID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.call(OpCreateIOProc); err != nil {
		return 0, err
	}
	if _, ok := b.aggregates[dev]; !ok {
		return 0, unknown("device", uint32(dev))
	}
	b.next++
	id := tap.ProcID(b.next)
	b.procs[id] = ioProc{dev: dev, fn: fn}
	b.created.IOProcs++
	return id, nil
}

func (b *Backend) DestroyIOProc(dev tap.DeviceID, proc tap.ProcID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.call(OpDestroyIOProc); err != nil {
		return err
	}
	if _, ok := b.procs[proc]; !ok {
		return unknown("io proc", uint32(proc))
	}
	if b.running[dev] {
		return &tap.OSStatusError{Op: string(OpDestroyIOProc), Code: -50, Err: fmt.Errorf("device %d still running", dev)}
	}
	delete(b.procs, proc)
	return nil
}

func (b *Backend) StartDevice(dev tap.DeviceID, proc tap.ProcID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.call(OpStartDevice); err != nil {
		return err
	}
	if _, ok := b.procs[proc]; !ok {
		return unknown("io proc", uint32(proc))
	}
	b.running[dev] = true
	b.created.Running++
	return nil
}

func (b *Backend) StopDevice(dev tap.DeviceID, proc tap.ProcID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.call(OpStopDevice); err != nil {
		return err
	}
	delete(b.running, dev)
	return nil
}

func (b *Backend) WatchInvalidation(id tap.TapID, fn func()) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.call(OpWatch); err != nil {
		return nil, err
	}
	if _, ok := b.taps[id]; !ok {
		return nil, unknown("tap", uint32(id))
	}
	w := b.nextW
	b.nextW++
	b.watchers[w] = fn
	b.created.Watchers++

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.watchers, w)
	}, nil
}

// Emit delivers raw native bytes to every running I/O proc on the
// caller's goroutine.
func (b *Backend) Emit(data []byte, frames int) {
	b.mu.Lock()
	var fns []tap.IOFunc
	for _, p := range b.procs {
		if b.running[p.dev] {
			fns = append(fns, p.fn)
		}
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(data, frames)
	}
}

// EmitFloat32 encodes interleaved samples as little-endian float32 and
// emits them.
func (b *Backend) EmitFloat32(samples []float32, channels int) {
	data := make([]byte, 0, len(samples)*4)
	for _, s := range samples {
		data = binary.LittleEndian.AppendUint32(data, math.Float32bits(s))
	}
	b.Emit(data, len(samples)/channels)
}

// Revoke simulates the producer going away: every registered watcher is
// called once, on the caller's goroutine, and unregistered.
func (b *Backend) Revoke() {
	b.mu.Lock()
	fns := make([]func(), 0, len(b.watchers))
	for w, fn := range b.watchers {
		fns = append(fns, fn)
		delete(b.watchers, w)
	}
	b.calls = append(b.calls, "revoke")
	b.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func unknown(kind string, id uint32) error {
	return &tap.OSStatusError{Op: kind, Code: -1, Err: fmt.Errorf("unknown %s %d", kind, id)}
}
