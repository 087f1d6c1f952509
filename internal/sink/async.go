package sink

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const sendTimeout = 30 * time.Second

// Async serializes chunks from several streams of one session onto a
// sink through a bounded queue and a single worker.
type Async struct {
	sink    Sink
	session string
	log     zerolog.Logger
	queue   chan Chunk
	done    chan struct{}

	sent   atomic.Int64
	failed atomic.Int64

	mu     sync.Mutex
	closed bool
	seq    map[string]int
}

// NewAsync starts a worker delivering to s.
func NewAsync(s Sink, sessionID string, size int, log zerolog.Logger) *Async {
	if size <= 0 {
		size = 1
	}
	a := &Async{
		sink:    s,
		session: sessionID,
		log:     log.With().Str("session", sessionID).Logger(),
		queue:   make(chan Chunk, size),
		done:    make(chan struct{}),
		seq:     make(map[string]int),
	}
	go a.run()
	return a
}

// Stream returns a chunk callback for the named stream. Chunks are
// numbered from 1 per stream. The callback blocks while the queue is full.
func (a *Async) Stream(name string) func([]byte) {
	return func(data []byte) {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.closed {
			a.log.Warn().Str("stream", name).Int("bytes", len(data)).Msg("Dropped chunk after close")
			return
		}
		a.seq[name]++
		a.queue <- Chunk{
			SessionID:  a.session,
			Stream:     name,
			Seq:        a.seq[name],
			Data:       data,
			CapturedAt: time.Now(),
		}
	}
}

func (a *Async) run() {
	defer close(a.done)
	for c := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err := a.sink.Send(ctx, c)
		cancel()
		if err != nil {
			a.failed.Add(1)
			a.log.Error().Err(err).Str("stream", c.Stream).Int("seq", c.Seq).Msg("Failed to deliver chunk")
			continue
		}
		a.sent.Add(1)
		a.log.Debug().Str("stream", c.Stream).Int("seq", c.Seq).Int("bytes", len(c.Data)).Msg("Chunk delivered")
	}
}

// Close waits for queued chunks to be delivered. The underlying sink is
// left open.
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	<-a.done
	return nil
}

// Sent returns the number of chunks delivered.
func (a *Async) Sent() int64 { return a.sent.Load() }

// Failed returns the number of chunks the sink rejected.
func (a *Async) Failed() int64 { return a.failed.Load() }
