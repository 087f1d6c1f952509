// Package sink delivers recorded chunks to their consumer.
package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/petems/tapnote/internal/config"
	"github.com/rs/zerolog"
)

// Chunk is one WAV chunk of a recording stream.
type Chunk struct {
	SessionID  string
	Stream     string
	Seq        int
	Data       []byte
	CapturedAt time.Time
}

// Sink consumes chunks. Send may block; callers run it off the audio path.
type Sink interface {
	Send(ctx context.Context, c Chunk) error
	Close() error
}

// Open creates the sink described by cfg.
func Open(ctx context.Context, cfg config.SinkConfig, log zerolog.Logger) (Sink, error) {
	switch cfg.Kind {
	case config.SinkFile:
		f, err := NewFileSink(cfg.Dir, log)
		if err != nil {
			return nil, err
		}
		return f, nil
	case config.SinkWebSocket:
		ws, err := DialWebSocket(ctx, cfg.URL, nil, log)
		if err != nil {
			return nil, err
		}
		return ws, nil
	default:
		return nil, fmt.Errorf("unknown sink kind %q", cfg.Kind)
	}
}
