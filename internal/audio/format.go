package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrUnsupportedFormat is returned when a native format cannot be converted.
	ErrUnsupportedFormat = errors.New("unsupported sample format")
	// ErrShortBuffer is returned when a buffer does not hold whole frames.
	ErrShortBuffer = errors.New("buffer is not a whole number of frames")
)

// Amplitude meter range.
const (
	minDecibels = -60.0
	maxDecibels = 0.0
)

// DecodeSamples appends the little-endian samples in raw to dst as floats in [-1, 1].
func DecodeSamples(dst []float32, raw []byte, f SampleFormat) ([]float32, error) {
	width := f.BytesPerSample()
	if width == 0 {
		return dst, fmt.Errorf("%w: %s", ErrUnsupportedFormat, f)
	}
	if len(raw)%width != 0 {
		return dst, fmt.Errorf("%w: %d bytes of %s", ErrShortBuffer, len(raw), f)
	}

	for i := 0; i < len(raw); i += width {
		var v float32
		switch f {
		case FormatFloat32:
			v = math.Float32frombits(binary.LittleEndian.Uint32(raw[i:]))
		case FormatInt16:
			v = float32(int16(binary.LittleEndian.Uint16(raw[i:]))) / 32768
		case FormatInt24:
			s := int32(raw[i]) | int32(raw[i+1])<<8 | int32(int8(raw[i+2]))<<16
			v = float32(s) / 8388608
		case FormatInt32:
			v = float32(float64(int32(binary.LittleEndian.Uint32(raw[i:]))) / 2147483648)
		}
		dst = append(dst, v)
	}
	return dst, nil
}

// DownmixInterleaved averages all channels of each frame into a new mono slice.
func DownmixInterleaved(in []float32, channels, frames int) []float32 {
	return AppendDownmix(make([]float32, 0, frames), in, channels, frames)
}

// AppendDownmix is DownmixInterleaved appending into dst.
func AppendDownmix(dst, in []float32, channels, frames int) []float32 {
	if channels <= 1 {
		return append(dst, in[:frames]...)
	}
	scale := 1 / float32(channels)
	for f := 0; f < frames; f++ {
		var sum float32
		frame := in[f*channels : (f+1)*channels]
		for _, s := range frame {
			sum += s
		}
		dst = append(dst, sum*scale)
	}
	return dst
}

// Downmix averages the left and right channels of interleaved stereo
// floats and scales the result to signed 16-bit.
func Downmix(stereo []float32, frames int) []int16 {
	out := make([]int16, frames)
	for i := 0; i < frames; i++ {
		out[i] = toInt16((stereo[2*i] + stereo[2*i+1]) / 2)
	}
	return out
}

// FloatToPCM16 appends src to dst as clamped signed 16-bit samples.
func FloatToPCM16(dst []int16, src []float32) []int16 {
	for _, s := range src {
		dst = append(dst, toInt16(s))
	}
	return dst
}

// AppendPCM16 appends samples to dst as little-endian bytes.
func AppendPCM16(dst []byte, samples []int16) []byte {
	for _, s := range samples {
		dst = binary.LittleEndian.AppendUint16(dst, uint16(s))
	}
	return dst
}

func toInt16(s float32) int16 {
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	return int16(s * math.MaxInt16)
}

// RMSAmplitude maps the RMS level of samples onto [0, 1] via a decibel
// scale floored at -60dB.
func RMSAmplitude(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms == 0 {
		return 0
	}

	db := 20 * math.Log10(rms)
	db = math.Max(minDecibels, math.Min(maxDecibels, db))
	return (db - minDecibels) / (maxDecibels - minDecibels)
}

// OutputFrames is the number of frames a full conversion of inFrames
// produces: floor(inFrames * outRate / inRate).
func OutputFrames(inFrames, inRate, outRate int) int {
	return int(uint64(inFrames) * uint64(outRate) / uint64(inRate))
}

// Resampler converts a mono stream between sample rates by frame-count
// ratio. Downsampling averages every input frame that falls into an output
// frame; upsampling repeats input frames. Position carries across calls so
// that a stream split into arbitrary buffers yields the same frame count
// as converting it whole.
type Resampler struct {
	in, out uint64
	pos     uint64
	acc     float64
	n       int
}

// NewResampler returns a resampler from inRate to outRate.
func NewResampler(inRate, outRate int) (*Resampler, error) {
	if inRate <= 0 || outRate <= 0 {
		return nil, fmt.Errorf("%w: resample %d -> %d", ErrUnsupportedFormat, inRate, outRate)
	}
	g := gcd(uint64(inRate), uint64(outRate))
	return &Resampler{in: uint64(inRate) / g, out: uint64(outRate) / g}, nil
}

// Process appends the converted form of src to dst.
func (r *Resampler) Process(dst, src []float32) []float32 {
	for _, x := range src {
		lo := r.pos * r.out / r.in
		hi := (r.pos + 1) * r.out / r.in
		r.pos++
		if r.pos == r.in {
			r.pos = 0
		}

		r.acc += float64(x)
		r.n++
		if hi == lo {
			continue
		}
		dst = append(dst, float32(r.acc/float64(r.n)))
		for b := lo + 1; b < hi; b++ {
			dst = append(dst, x)
		}
		r.acc, r.n = 0, 0
	}
	return dst
}

// Drain appends the partially filled output frame, if any, and resets
// the resampler.
func (r *Resampler) Drain(dst []float32) []float32 {
	if r.n > 0 {
		dst = append(dst, float32(r.acc/float64(r.n)))
	}
	r.pos, r.acc, r.n = 0, 0, 0
	return dst
}

func gcd(a, b uint64) uint64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
