package sse

import (
	"fmt"
	"net/http"
)

// StreamWriter writes SSE frames for one watcher of a conversation stream.
type StreamWriter struct {
	w              http.ResponseWriter
	flusher        http.Flusher
	conversationID string
	clientID       string
}

// NewStreamWriter creates a new SSE stream writer.
func NewStreamWriter(
	w http.ResponseWriter,
	flusher http.Flusher,
	conversationID string,
	clientID string,
) *StreamWriter {
	return &StreamWriter{
		w:              w,
		flusher:        flusher,
		conversationID: conversationID,
		clientID:       clientID,
	}
}

// WriteEvent writes one SSE data frame and flushes it.
func (s *StreamWriter) WriteEvent(payload []byte) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("write event failed: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// WriteKeepAlive writes an SSE comment line and flushes.
// Lines starting with a colon are ignored by clients.
func (s *StreamWriter) WriteKeepAlive() error {
	if _, err := fmt.Fprintf(s.w, ": keepalive\n\n"); err != nil {
		return fmt.Errorf("write keepalive failed: %w", err)
	}
	s.flusher.Flush()

	// A zero-byte write surfaces closed connections between ticks.
	if _, err := s.w.Write([]byte{}); err != nil {
		return fmt.Errorf("connection closed: %w", err)
	}

	return nil
}
