package audio

import "fmt"

// Canonical output format for every emitted chunk.
const (
	TargetSampleRate    = 16000
	TargetChannels      = 1
	TargetBitsPerSample = 16
)

// SampleFormat is the encoding of one native sample.
type SampleFormat int

const (
	FormatUnknown SampleFormat = iota
	FormatFloat32
	FormatInt16
	FormatInt24
	FormatInt32
)

// BytesPerSample returns the storage width of one sample, or 0 if unknown.
func (f SampleFormat) BytesPerSample() int {
	switch f {
	case FormatFloat32, FormatInt32:
		return 4
	case FormatInt24:
		return 3
	case FormatInt16:
		return 2
	default:
		return 0
	}
}

func (f SampleFormat) String() string {
	switch f {
	case FormatFloat32:
		return "f32"
	case FormatInt16:
		return "s16"
	case FormatInt24:
		return "s24"
	case FormatInt32:
		return "s32"
	default:
		return "unknown"
	}
}

// Format describes a native stream as reported by the OS.
type Format struct {
	SampleRate int
	Channels   int
	Sample     SampleFormat
}

// BitsPerSample returns the bit depth of the format.
func (f Format) BitsPerSample() int {
	return f.Sample.BytesPerSample() * 8
}

// Validate reports whether the format can be converted.
func (f Format) Validate() error {
	if f.SampleRate <= 0 || f.Channels <= 0 || f.Sample.BytesPerSample() == 0 {
		return fmt.Errorf("%w: %dHz %dch %s", ErrUnsupportedFormat, f.SampleRate, f.Channels, f.Sample)
	}
	return nil
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/%s", f.SampleRate, f.Channels, f.Sample)
}

// Buffer is one callback's worth of interleaved float samples. Samples is
// only valid for the duration of the callback that delivered it.
type Buffer struct {
	Samples    []float32
	Frames     int
	Channels   int
	SampleRate int
}

// InputEngine defines the interface for microphone capture
type InputEngine interface {
	// Start opens deviceID (empty for the system default) and invokes
	// onBuffer from the engine's audio thread until Stop is called.
	Start(deviceID string, onBuffer func(Buffer)) error
	Stop() error
	ListDevices() ([]AudioDevice, error)
	Close() error
}

// AudioDevice represents an audio input device
type AudioDevice struct {
	ID                string // stable UID: host API + device name
	Index             int
	Name              string
	HostAPI           string
	InputChannels     int
	DefaultSampleRate float64
	Default           bool
}
