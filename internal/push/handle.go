package push

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// ErrStreamingUnsupported is returned when the response writer cannot flush.
var ErrStreamingUnsupported = errors.New("response writer does not support streaming")

// Handle is one subscriber's write side. Implementations must be safe for
// concurrent use: the watcher broadcasts and the HTTP handler heartbeats on
// the same handle.
type Handle interface {
	// Send writes one serialized data event.
	Send(data []byte) error
	// Ping writes one keep-alive frame.
	Ping() error
}

// StreamHandle writes server-sent-event frames to one HTTP response.
type StreamHandle struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
}

// NewStreamHandle wraps a response writer, setting the SSE headers and
// flushing them immediately.
func NewStreamHandle(w http.ResponseWriter) (*StreamHandle, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &StreamHandle{w: w, flusher: flusher}, nil
}

// Send writes one `data: {json}` frame.
func (h *StreamHandle) Send(data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := fmt.Fprintf(h.w, "data: %s\n\n", data); err != nil {
		return err
	}
	h.flusher.Flush()
	return nil
}

// Ping writes one keep-alive frame so intermediaries do not time out an
// idle stream.
func (h *StreamHandle) Ping() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := io.WriteString(h.w, "event: ping\ndata: {}\n\n"); err != nil {
		return err
	}
	h.flusher.Flush()
	return nil
}
