package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/petems/tapnote/internal/audio"
	"github.com/rs/zerolog"
)

const (
	writeWait        = 10 * time.Second
	handshakeTimeout = 10 * time.Second
)

// chunkHeader precedes every binary chunk frame.
type chunkHeader struct {
	Type       string    `json:"type"`
	SessionID  string    `json:"sessionId"`
	Stream     string    `json:"stream"`
	Seq        int       `json:"seq"`
	Bytes      int       `json:"bytes"`
	SampleRate int       `json:"sampleRate"`
	Channels   int       `json:"channels"`
	CapturedAt time.Time `json:"capturedAt"`
}

// WebSocketSink sends each chunk as a JSON text frame followed by the
// WAV bytes in a binary frame.
type WebSocketSink struct {
	log zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// DialWebSocket connects to url.
func DialWebSocket(ctx context.Context, url string, header http.Header, log zerolog.Logger) (*WebSocketSink, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	log.Info().Str("url", url).Msg("Connected to chunk sink")
	return &WebSocketSink{log: log, conn: conn}, nil
}

func (w *WebSocketSink) Send(ctx context.Context, c Chunk) error {
	header, err := json.Marshal(chunkHeader{
		Type:       "chunk",
		SessionID:  c.SessionID,
		Stream:     c.Stream,
		Seq:        c.Seq,
		Bytes:      len(c.Data),
		SampleRate: audio.TargetSampleRate,
		Channels:   audio.TargetChannels,
		CapturedAt: c.CapturedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal chunk header: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return fmt.Errorf("websocket sink is closed")
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	w.conn.SetWriteDeadline(deadline)
	if err := w.conn.WriteMessage(websocket.TextMessage, header); err != nil {
		return fmt.Errorf("failed to send chunk header: %w", err)
	}
	if err := w.conn.WriteMessage(websocket.BinaryMessage, c.Data); err != nil {
		return fmt.Errorf("failed to send chunk: %w", err)
	}
	return nil
}

// Close sends a close frame and closes the connection.
func (w *WebSocketSink) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return nil
	}
	w.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)
	err := w.conn.Close()
	w.conn = nil
	return err
}
