package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// FileSink writes each chunk to <dir>/<session>-<stream>-<seq>.wav.
type FileSink struct {
	dir string
	log zerolog.Logger
}

// NewFileSink creates dir if needed.
func NewFileSink(dir string, log zerolog.Logger) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create chunk directory: %w", err)
	}
	return &FileSink{dir: dir, log: log}, nil
}

// Path returns the file a chunk is written to.
func (f *FileSink) Path(c Chunk) string {
	return filepath.Join(f.dir, fmt.Sprintf("%s-%s-%04d.wav", c.SessionID, c.Stream, c.Seq))
}

func (f *FileSink) Send(ctx context.Context, c Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := f.Path(c)
	tmp := path + ".part"
	if err := os.WriteFile(tmp, c.Data, 0644); err != nil {
		return fmt.Errorf("failed to write chunk: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write chunk: %w", err)
	}
	f.log.Debug().Str("path", path).Int("bytes", len(c.Data)).Msg("Wrote chunk")
	return nil
}

func (f *FileSink) Close() error {
	return nil
}
