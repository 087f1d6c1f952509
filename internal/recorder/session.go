package recorder

import (
	"sync"
	"time"

	"github.com/petems/tapnote/internal/audio"
)

// session is one Start..Stop span. handle runs on the engine's audio
// thread; finish runs on the caller of Stop.
type session struct {
	r       *Recorder
	onChunk func([]byte)
	queue   chan []byte
	done    chan struct{}
	once    sync.Once

	mu          sync.Mutex
	stopped     bool
	pending     []byte
	lastFlush   time.Time
	lastPublish time.Time
	rate        int
	resampler   *audio.Resampler

	// Logging from the audio thread happens once per episode.
	backlogged bool
	dropped    int

	// Scratch reused across callbacks.
	mono      []float32
	resampled []float32
	pcm       []int16
}

func (s *session) deliver() {
	defer close(s.done)
	for chunk := range s.queue {
		s.onChunk(chunk)
	}
}

// handle converts buf to the canonical format and appends it to the
// pending chunk. Malformed buffers are dropped.
func (s *session) handle(buf audio.Buffer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if buf.Channels <= 0 || buf.Frames <= 0 || buf.SampleRate <= 0 || len(buf.Samples) < buf.Frames*buf.Channels {
		if s.dropped == 0 {
			s.r.log.Warn().
				Int("frames", buf.Frames).
				Int("channels", buf.Channels).
				Int("rate", buf.SampleRate).
				Int("samples", len(buf.Samples)).
				Msg("Dropped malformed buffer")
		}
		s.dropped++
		return
	}
	if s.resampler == nil || s.rate != buf.SampleRate {
		if !s.resetResampler(buf.SampleRate) {
			return
		}
	}

	s.mono = audio.AppendDownmix(s.mono[:0], buf.Samples, buf.Channels, buf.Frames)
	s.resampled = s.resampler.Process(s.resampled[:0], s.mono)
	s.pcm = audio.FloatToPCM16(s.pcm[:0], s.resampled)
	s.pending = audio.AppendPCM16(s.pending, s.pcm)

	now := s.r.clock.Now()
	if now.Sub(s.lastFlush) >= s.r.flushInterval {
		s.flush(now)
	}
	s.publish(now)
}

// resetResampler switches to a new native rate, keeping the tail of the
// previous one.
func (s *session) resetResampler(rate int) bool {
	rs, err := audio.NewResampler(rate, audio.TargetSampleRate)
	if err != nil {
		if s.dropped == 0 {
			s.r.log.Warn().Err(err).Int("rate", rate).Msg("Dropped buffer with unsupported rate")
		}
		s.dropped++
		return false
	}
	if s.resampler != nil {
		s.r.log.Info().Int("from", s.rate).Int("to", rate).Msg("Native sample rate changed")
		s.drain()
	}
	s.resampler = rs
	s.rate = rate
	return true
}

func (s *session) drain() {
	if s.resampler == nil {
		return
	}
	s.resampled = s.resampler.Drain(s.resampled[:0])
	s.pcm = audio.FloatToPCM16(s.pcm[:0], s.resampled)
	s.pending = audio.AppendPCM16(s.pending, s.pcm)
}

// flush hands the pending bytes to the delivery goroutine. An empty
// interval emits nothing. If the queue is full the bytes stay pending and
// the next callback retries; only the first retry of a backlog is logged.
func (s *session) flush(now time.Time) {
	if len(s.pending) == 0 {
		s.lastFlush = now
		return
	}
	chunk := audio.EncodeChunk(s.pending)
	select {
	case s.queue <- chunk:
		s.pending = s.pending[:0]
		s.lastFlush = now
		s.backlogged = false
	default:
		if !s.backlogged {
			s.r.log.Warn().Int("pending_bytes", len(s.pending)).Msg("Chunk queue full, deferring flush")
			s.backlogged = true
		}
	}
}

func (s *session) publish(now time.Time) {
	if len(s.pcm) == 0 {
		return
	}
	if !s.lastPublish.IsZero() && now.Sub(s.lastPublish) < s.r.ampInterval {
		return
	}
	s.lastPublish = now
	s.r.publish(audio.RMSAmplitude(s.pcm))
}

// finish drains the resampler, delivers the final chunk and waits for
// the delivery goroutine. The source must already be stopped.
func (s *session) finish() {
	s.once.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.drain()
		var final []byte
		if len(s.pending) > 0 {
			final = audio.EncodeChunk(s.pending)
			s.pending = nil
		}
		dropped := s.dropped
		s.mu.Unlock()

		if dropped > 0 {
			s.r.log.Warn().Int("buffers", dropped).Msg("Dropped unusable buffers during session")
		}

		if final != nil {
			s.queue <- final
		}
		close(s.queue)
		<-s.done
	})
}
