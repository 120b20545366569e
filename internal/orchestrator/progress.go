package orchestrator

import (
	"fmt"
	"sync"
	"time"
)

// EventKind distinguishes the three kinds of progress event.
type EventKind string

const (
	EventLog          EventKind = "log"
	EventStageChanged EventKind = "stage"
	EventFinished     EventKind = "finished"
)

// LogLevel tags a log line so presenters can tell tool output, failures and
// user cancellation apart.
type LogLevel string

const (
	LevelInfo   LogLevel = "info"
	LevelOutput LogLevel = "output"
	LevelStderr LogLevel = "stderr"
	LevelWarn   LogLevel = "warn"
	LevelError  LogLevel = "error"
)

// ProgressEvent is emitted to the caller during pipeline execution.
type ProgressEvent struct {
	Kind  EventKind `json:"kind"`
	RunID string    `json:"runId,omitempty"`
	Stage Stage     `json:"stage"`
	Time  time.Time `json:"time"`

	// Log events.
	Level LogLevel `json:"level,omitempty"`
	Text  string   `json:"text,omitempty"`

	// Finished events.
	Success bool    `json:"success,omitempty"`
	Outcome Outcome `json:"outcome,omitempty"`
	Project string  `json:"project,omitempty"`
	Range   string  `json:"range,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// ProgressReporter is a fire-and-forget FIFO event channel between the
// background run and its callers. Emit never blocks: events are queued and
// delivered, in order, to every listener by a single dispatch goroutine.
type ProgressReporter struct {
	mu        sync.Mutex
	cond      *sync.Cond
	queue     []ProgressEvent
	pending   int
	listeners []func(ProgressEvent)
	subs      []chan ProgressEvent
	dropped   []chan ProgressEvent
	closed    bool
	stopped   chan struct{}
}

// NewProgressReporter creates a ProgressReporter and starts its dispatcher.
func NewProgressReporter() *ProgressReporter {
	pr := &ProgressReporter{stopped: make(chan struct{})}
	pr.cond = sync.NewCond(&pr.mu)
	go pr.dispatch()
	return pr
}

// Emit queues an event. Events emitted after Close are dropped.
func (pr *ProgressReporter) Emit(event ProgressEvent) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if pr.closed {
		return
	}
	pr.queue = append(pr.queue, event)
	pr.pending++
	pr.cond.Broadcast()
}

// AddListener registers fn to receive every event emitted from now on. fn is
// called from the dispatch goroutine and must not call back into the
// reporter's Flush or Close.
func (pr *ProgressReporter) AddListener(fn func(ProgressEvent)) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	pr.listeners = append(pr.listeners, fn)
}

// Subscribe returns a channel that receives every event emitted from now on.
// The channel is closed by Close. Subscribers must keep draining it; a
// stalled subscriber delays delivery to the others.
func (pr *ProgressReporter) Subscribe() <-chan ProgressEvent {
	ch := make(chan ProgressEvent, 64)
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if pr.closed {
		close(ch)
		return ch
	}
	pr.subs = append(pr.subs, ch)
	return ch
}

// Unsubscribe stops delivery to a channel returned by Subscribe and closes
// it. Events still buffered in ch are discarded.
func (pr *ProgressReporter) Unsubscribe(ch <-chan ProgressEvent) {
	pr.mu.Lock()
	for i, s := range pr.subs {
		if s == ch {
			pr.subs = append(pr.subs[:i:i], pr.subs[i+1:]...)
			pr.dropped = append(pr.dropped, s)
			pr.cond.Broadcast()
			break
		}
	}
	pr.mu.Unlock()
	for range ch {
	}
}

// Flush blocks until every event emitted so far has been delivered.
func (pr *ProgressReporter) Flush() {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	for pr.pending > 0 {
		pr.cond.Wait()
	}
}

// Close delivers the remaining queued events, then closes all subscriber
// channels. It is safe to call more than once.
func (pr *ProgressReporter) Close() {
	pr.mu.Lock()
	if !pr.closed {
		pr.closed = true
		pr.cond.Broadcast()
	}
	pr.mu.Unlock()
	<-pr.stopped
}

func (pr *ProgressReporter) dispatch() {
	defer close(pr.stopped)
	for {
		pr.mu.Lock()
		for len(pr.queue) == 0 && len(pr.dropped) == 0 && !pr.closed {
			pr.cond.Wait()
		}
		for _, ch := range pr.dropped {
			close(ch)
		}
		pr.dropped = nil
		if len(pr.queue) == 0 {
			if !pr.closed {
				pr.mu.Unlock()
				continue
			}
			subs := pr.subs
			pr.subs = nil
			pr.mu.Unlock()
			for _, ch := range subs {
				close(ch)
			}
			return
		}
		ev := pr.queue[0]
		pr.queue[0] = ProgressEvent{}
		pr.queue = pr.queue[1:]
		listeners := append([]func(ProgressEvent){}, pr.listeners...)
		subs := append([]chan ProgressEvent(nil), pr.subs...)
		pr.mu.Unlock()

		for _, fn := range listeners {
			fn(ev)
		}
		for _, ch := range subs {
			ch <- ev
		}

		pr.mu.Lock()
		pr.pending--
		if pr.pending == 0 {
			pr.cond.Broadcast()
		}
		pr.mu.Unlock()
	}
}

// FormatProgress formats a ProgressEvent as a plain status line.
func FormatProgress(event ProgressEvent) string {
	switch event.Kind {
	case EventStageChanged:
		return FormatStageHeader(event.Stage)
	case EventFinished:
		switch event.Outcome {
		case OutcomeSucceeded:
			return "=== Pipeline completed successfully! ==="
		case OutcomeCancelled:
			return "Pipeline cancelled by user."
		default:
			return "Pipeline failed."
		}
	}
	switch event.Level {
	case LevelError:
		return "ERROR: " + event.Text
	case LevelWarn:
		return "WARNING: " + event.Text
	default:
		return event.Text
	}
}

// FormatStageHeader formats a stage header for display.
// Returns: "--- Stage {N}: {title} ---"
func FormatStageHeader(stage Stage) string {
	return fmt.Sprintf("--- Stage %d: %s ---", stage.Number(), stage.Title())
}
