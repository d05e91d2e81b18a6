package app

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/codeWithOrange/os-security-events-analyzer/internal/domain"
)

// QuarantineWriter appends events that panicked the pipeline to a JSON-lines
// file for offline analysis. A writer created with an empty path is a no-op.
type QuarantineWriter struct {
	file    *os.File
	writer  *bufio.Writer
	mu      sync.Mutex
	count   atomic.Int64
	enabled bool
	path    string
}

type QuarantineEntry struct {
	Timestamp  time.Time       `json:"timestamp"`
	Stage      string          `json:"stage"`
	PanicError string          `json:"panic_error"`
	StackTrace string          `json:"stack_trace,omitempty"`
	Event      json.RawMessage `json:"event"`
}

func NewQuarantineWriter(path string) (*QuarantineWriter, error) {
	if path == "" {
		return &QuarantineWriter{enabled: false}, nil
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open quarantine file: %w", err)
	}

	log.Info().Str("path", path).Msg("Quarantine writer initialized for toxic events")

	return &QuarantineWriter{
		file:    file,
		writer:  bufio.NewWriterSize(file, 16*1024),
		enabled: true,
		path:    path,
	}, nil
}

// WriteToxicEvent records the event together with the panic value. The
// file is synced on every write so the record survives a crash.
func (w *QuarantineWriter) WriteToxicEvent(stage string, panicErr any, event *domain.Event) error {
	if !w.enabled {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	eventData := json.RawMessage(`null`)
	if event != nil {
		if data, err := json.Marshal(event); err != nil {
			eventData = []byte(`{"error": "failed to serialize event"}`)
		} else {
			eventData = data
		}
	}

	qe := QuarantineEntry{
		Timestamp:  time.Now().UTC(),
		Stage:      stage,
		PanicError: panicString(panicErr),
		StackTrace: string(debug.Stack()),
		Event:      eventData,
	}

	line, err := json.Marshal(qe)
	if err != nil {
		return err
	}
	if _, err := w.writer.Write(line); err != nil {
		return err
	}
	if err := w.writer.WriteByte('\n'); err != nil {
		return err
	}
	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}

	w.count.Add(1)

	log.Warn().
		Str("stage", stage).
		Str("panic", qe.PanicError).
		Int64("quarantine_count", w.count.Load()).
		Msg("Toxic event quarantined")

	return nil
}

func panicString(v any) string {
	switch p := v.(type) {
	case nil:
		return "unknown panic"
	case error:
		return p.Error()
	case string:
		return p
	default:
		return fmt.Sprintf("%v", p)
	}
}

func (w *QuarantineWriter) Close() error {
	if !w.enabled {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return err
	}

	if count := w.count.Load(); count > 0 {
		log.Warn().
			Int64("toxic_count", count).
			Str("path", w.path).
			Msg("Quarantine file contains toxic events requiring analysis")
	}

	return w.file.Close()
}

func (w *QuarantineWriter) Count() int64 {
	return w.count.Load()
}

func (w *QuarantineWriter) Enabled() bool {
	return w.enabled
}
