package audio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"
)

const framesPerBuffer = 1024

// ErrDeviceNotFound is returned when a requested input device is not present.
var ErrDeviceNotFound = errors.New("input device not found")

type portAudioEngine struct {
	log zerolog.Logger

	mu     sync.Mutex
	stream *portaudio.Stream
}

// New creates a new PortAudio-based microphone engine
func New(log zerolog.Logger) (InputEngine, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	return &portAudioEngine{log: log}, nil
}

func (p *portAudioEngine) Start(deviceID string, onBuffer func(Buffer)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream != nil {
		return errors.New("input stream already running")
	}

	device, err := findDevice(deviceID)
	if err != nil {
		return err
	}

	// Open at the device's native rate; the recorder resamples.
	channels := device.MaxInputChannels
	if channels > 2 {
		channels = 2
	}
	rate := int(device.DefaultSampleRate)

	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: channels,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      device.DefaultSampleRate,
		FramesPerBuffer: framesPerBuffer,
	}, func(in []float32) {
		onBuffer(Buffer{
			Samples:    in,
			Frames:     len(in) / channels,
			Channels:   channels,
			SampleRate: rate,
		})
	})
	if err != nil {
		return fmt.Errorf("failed to open audio stream: %w", err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("failed to start audio stream: %w", err)
	}

	p.log.Debug().
		Str("device", device.Name).
		Int("channels", channels).
		Int("rate", rate).
		Msg("Input stream started")
	p.stream = stream
	return nil
}

// Stop blocks until the PortAudio callback has returned for the last time.
func (p *portAudioEngine) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream == nil {
		return nil
	}
	stream := p.stream
	p.stream = nil

	stopErr := stream.Stop()
	if err := stream.Close(); err != nil && stopErr == nil {
		stopErr = err
	}
	if stopErr != nil {
		return fmt.Errorf("failed to stop audio stream: %w", stopErr)
	}
	return nil
}

func (p *portAudioEngine) ListDevices() ([]AudioDevice, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	defaultDevice, _ := portaudio.DefaultInputDevice()

	result := make([]AudioDevice, 0, len(devices))
	for _, d := range devices {
		if d.MaxInputChannels <= 0 {
			continue
		}
		result = append(result, AudioDevice{
			ID:                deviceUID(d),
			Index:             d.Index,
			Name:              d.Name,
			HostAPI:           hostAPIName(d),
			InputChannels:     d.MaxInputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
			Default:           d == defaultDevice,
		})
	}

	return result, nil
}

func (p *portAudioEngine) Close() error {
	if err := p.Stop(); err != nil {
		p.log.Warn().Err(err).Msg("Stopping input stream on close")
	}
	return portaudio.Terminate()
}

func findDevice(uid string) (*portaudio.DeviceInfo, error) {
	if uid == "" {
		device, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("failed to get default input device: %w", err)
		}
		return device, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}
	for _, d := range devices {
		if deviceUID(d) == uid && d.MaxInputChannels > 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, uid)
}

func deviceUID(d *portaudio.DeviceInfo) string {
	return hostAPIName(d) + ":" + d.Name
}

func hostAPIName(d *portaudio.DeviceInfo) string {
	if d.HostApi == nil {
		return "unknown"
	}
	return d.HostApi.Name
}
