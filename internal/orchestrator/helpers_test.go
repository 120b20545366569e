package orchestrator

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// okTool is a stand-in for every stage program. It writes whatever the real
// tool would leave behind at its -o argument and prints one line to each
// stream.
const okTool = `#!/bin/sh
out=""
prev=""
for a in "$@"; do
  if [ "$prev" = "-o" ]; then out="$a"; fi
  prev="$a"
done
name=$(basename "$0")
echo "$name start"
echo "$name note" 1>&2
if [ -d "$out" ]; then
  case "$name" in
    openMVG_main_SfMInit_ImageListing) echo '{"views":[{"key":0}]}' > "$out/sfm_data.json" ;;
    openMVG_main_ComputeFeatures) echo '{}' > "$out/image_describer.json" ;;
    openMVG_main_SfM) echo sfm > "$out/sfm_data.bin" ;;
  esac
elif [ -n "$out" ]; then
  echo "$name" > "$out"
fi
echo "$name done"
`

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake tools are shell scripts")
	}
}

// writeScript writes an executable script and returns its path.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

// writeTools populates a tool directory with okTool under every default
// program name, then applies overrides keyed by stage.
func writeTools(t *testing.T, overrides map[Stage]string) string {
	t.Helper()
	requireShell(t)
	dir := t.TempDir()
	for _, spec := range Specs() {
		body := okTool
		if o, ok := overrides[spec.Stage]; ok {
			body = o
		}
		writeScript(t, dir, spec.Program, body)
	}
	return dir
}

// newProject creates an empty project directory with an images folder.
func newProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "images"), 0o755))
	return dir
}

// recorder collects every event delivered by a controller.
type recorder struct {
	mu     sync.Mutex
	events []ProgressEvent
}

func record(c *Controller) *recorder {
	r := &recorder{}
	c.AddListener(func(ev ProgressEvent) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) all() []ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ProgressEvent(nil), r.events...)
}

func (r *recorder) kind(k EventKind) []ProgressEvent {
	var out []ProgressEvent
	for _, ev := range r.all() {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) stagesStarted() []Stage {
	var out []Stage
	for _, ev := range r.kind(EventStageChanged) {
		out = append(out, ev.Stage)
	}
	return out
}

func (r *recorder) texts() string {
	var sb strings.Builder
	for _, ev := range r.kind(EventLog) {
		sb.WriteString(ev.Text)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// waitDone waits for the controller's current run to finish.
func waitDone(t *testing.T, c *Controller) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(20 * time.Second):
		t.Fatal("pipeline did not finish")
	}
}

func testController(t *testing.T, cfg Config, opts Options) *Controller {
	t.Helper()
	c, err := NewController(cfg, opts)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}
