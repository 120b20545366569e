package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dusk-indust/reconstruct/internal/orchestrator"
)

// SSEWriter writes Server-Sent Events to an http.ResponseWriter.
// Call Init once before writing any events to set the required headers.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter wraps w. Without http.Flusher, writes still succeed but may
// be buffered.
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	f, _ := w.(http.Flusher)
	return &SSEWriter{w: w, flusher: f}
}

// Init sets the SSE response headers and flushes them to the client.
func (sw *SSEWriter) Init() {
	h := sw.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	sw.w.WriteHeader(http.StatusOK)
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
}

// WriteEvent writes one event as "data: {json}\n\n" and flushes.
func (sw *SSEWriter) WriteEvent(event orchestrator.ProgressEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("sse: marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("sse: write event: %w", err)
	}
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
	return nil
}

// Comment writes an SSE comment line, used as a keep-alive.
func (sw *SSEWriter) Comment(text string) error {
	if _, err := fmt.Fprintf(sw.w, ": %s\n\n", text); err != nil {
		return fmt.Errorf("sse: write comment: %w", err)
	}
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
	return nil
}

// StreamEvent is one decoded event, or the decode error in Err.
type StreamEvent struct {
	Event orchestrator.ProgressEvent
	Err   error
}

// ReadEvents parses the SSE stream in body and delivers events on the
// returned channel. The channel is closed when the body ends, a read fails,
// or ctx is cancelled; body is closed when reading finishes. Multiple data
// lines of one event are joined with newlines. Malformed JSON yields a
// StreamEvent with Err set and reading continues.
func ReadEvents(ctx context.Context, body io.ReadCloser) <-chan StreamEvent {
	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		defer body.Close()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
		var data strings.Builder

		flush := func() {
			if data.Len() > 0 {
				emit(ctx, ch, data.String())
				data.Reset()
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			if !scanner.Scan() {
				flush()
				return
			}
			line := scanner.Text()

			switch {
			case line == "":
				flush()
			case strings.HasPrefix(line, ":"):
			case strings.HasPrefix(line, "data:"):
				if data.Len() > 0 {
					data.WriteByte('\n')
				}
				data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			}
		}
	}()
	return ch
}

func emit(ctx context.Context, ch chan<- StreamEvent, raw string) {
	var se StreamEvent
	if err := json.Unmarshal([]byte(raw), &se.Event); err != nil {
		se = StreamEvent{Err: fmt.Errorf("sse: unmarshal event: %w", err)}
	}
	select {
	case ch <- se:
	case <-ctx.Done():
	}
}
