package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dusk-indust/reconstruct/internal/orchestrator"
)

// Recorder turns a controller's event stream into history rows. Register
// Observe as a controller listener.
type Recorder struct {
	store  *Store
	logger *slog.Logger

	mu    sync.Mutex
	runs  map[string]*Record
	lines map[string]int
}

// NewRecorder creates a Recorder writing to store.
func NewRecorder(store *Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:  store,
		logger: logger,
		runs:   make(map[string]*Record),
		lines:  make(map[string]int),
	}
}

// Observe consumes one event. The first event of a run opens a row marked
// running; the finished event closes it.
func (r *Recorder) Observe(ev orchestrator.ProgressEvent) {
	if ev.RunID == "" {
		return
	}

	r.mu.Lock()
	rec, ok := r.runs[ev.RunID]
	if !ok {
		rec = &Record{ID: ev.RunID, StartedAt: ev.Time, Outcome: "running"}
		r.runs[ev.RunID] = rec
	}
	if ev.Kind == orchestrator.EventLog {
		rec.LogLines++
	}
	if ev.Kind != orchestrator.EventFinished {
		r.mu.Unlock()
		if !ok {
			r.write(*rec)
		}
		return
	}
	delete(r.runs, ev.RunID)
	r.mu.Unlock()

	finished := ev.Time
	if finished.IsZero() {
		finished = time.Now()
	}
	rec.FinishedAt = &finished
	rec.Outcome = string(ev.Outcome)
	rec.ProjectPath = ev.Project
	rec.Range = ev.Range
	rec.Reason = ev.Error
	if !ev.Success && ev.Stage.Active() {
		rec.Stage = ev.Stage.String()
	}
	r.write(*rec)
}

func (r *Recorder) write(rec Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.Record(ctx, rec); err != nil {
		r.logger.Warn("history write failed", "run", rec.ID, "error", err)
	}
}
