package live

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Conn is the subset of *websocket.Conn a session uses.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

var _ Conn = &websocket.Conn{}

// writer serializes frames onto one connection. Writes after close are dropped.
type writer struct {
	conn         Conn
	writeTimeout time.Duration
	logger       zerolog.Logger

	mu     sync.Mutex
	closed bool
}

func newWriter(conn Conn, writeTimeout time.Duration, logger zerolog.Logger) *writer {
	return &writer{conn: conn, writeTimeout: writeTimeout, logger: logger}
}

func (w *writer) send(out Outbound) {
	if w == nil {
		return
	}
	b, err := json.Marshal(out)
	if err != nil {
		w.logger.Error().Err(err).Str("type", out.Type).Msg("ws encode failed")
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		w.logger.Debug().Str("type", out.Type).Msg("ws send after close dropped")
		return
	}
	if w.writeTimeout > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	}
	if err := w.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		w.logger.Warn().Err(err).Str("type", out.Type).Msg("ws send failed, closing connection")
		w.closed = true
		_ = w.conn.Close()
	}
}

func (w *writer) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.conn.Close()
}
