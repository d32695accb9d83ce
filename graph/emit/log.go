package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// LogEmitter implements Emitter by writing one line per event to a writer.
//
// Supports two output modes:
//   - Text mode (default): Human-readable format with key=value pairs
//   - JSON mode: Machine-readable JSON format, one event per line
//
// Example text output:
//
//	[run_suspended] runID=run-001 step=4 stepName=ask_clarify meta={"ticket_id":"..."}
//
// Example JSON output:
//
//	{"runID":"run-001","step":4,"stepName":"ask_clarify","msg":"run_suspended","meta":{"ticket_id":"..."},"at":"..."}
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a new LogEmitter. A nil writer uses os.Stderr.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stderr
	}
	return &LogEmitter{
		writer:   writer,
		jsonMode: jsonMode,
	}
}

// Emit writes an event to the configured writer.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		RunID    string         `json:"runID"`
		Step     int            `json:"step"`
		StepName string         `json:"stepName,omitempty"`
		Msg      string         `json:"msg"`
		Meta     map[string]any `json:"meta"`
		At       string         `json:"at,omitempty"`
	}{
		RunID:    event.RunID,
		Step:     event.Step,
		StepName: event.StepName,
		Msg:      event.Msg,
		Meta:     event.Meta,
		At:       formatTime(event.At),
	})
	if err != nil {
		fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	fmt.Fprintf(l.writer, "[%s] runID=%s step=%d", event.Msg, event.RunID, event.Step)
	if event.StepName != "" {
		fmt.Fprintf(l.writer, " stepName=%s", event.StepName)
	}

	if len(event.Meta) > 0 {
		metaJSON, err := json.Marshal(event.Meta)
		if err == nil {
			fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}

	fmt.Fprint(l.writer, "\n")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
