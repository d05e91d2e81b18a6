// Package output provides the subscribers and sinks that consume processed
// events and alerts.
//
// This file implements alert destinations:
//   - JSONAlerter: Buffered JSON lines to file or stdout
//   - MemoryAlerter: In-memory ring buffer of recent alerts
//
// Features:
//   - Buffered I/O for high throughput (64KB buffer)
//   - Periodic automatic flushing (1 second)
//   - File sync on flush for durability
//   - Ring buffer for memory-bounded storage
//
// Both types implement ports.Alerter and ports.Subscriber, so they can be
// registered on the subscriber registry directly.
//
// Thread Safety: All implementations are safe for concurrent Send() calls.
package output

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/codeWithOrange/os-security-events-analyzer/internal/domain"
)

// JSONAlerter writes alerts as JSON lines to file or stdout.
type JSONAlerter struct {
	bufWriter *bufio.Writer
	file      *os.File // nil for stdout
	mu        sync.Mutex
	encoder   *json.Encoder
	stopFlush chan struct{}
	closeOnce sync.Once
	written   int64
}

type JSONAlerterConfig struct {
	FilePath string // Output file path (empty for discard)
	Stdout   bool   // Write to stdout
	Pretty   bool   // Pretty-print JSON
}

// NewJSONAlerter creates a JSON alert output.
//
// Output Priority:
//  1. Stdout if config.Stdout is true
//  2. File if config.FilePath is set (appended, created 0600)
//  3. io.Discard otherwise
func NewJSONAlerter(config JSONAlerterConfig) (*JSONAlerter, error) {
	var writer io.Writer
	var file *os.File

	switch {
	case config.Stdout:
		writer = os.Stdout
	case config.FilePath != "":
		if dir := filepath.Dir(config.FilePath); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create alert output directory: %w", err)
			}
		}
		var err error
		file, err = os.OpenFile(config.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open alert output: %w", err)
		}
		writer = file
	default:
		writer = io.Discard
	}

	return newJSONAlerter(writer, file, config.Pretty), nil
}

func newJSONAlerter(writer io.Writer, file *os.File, pretty bool) *JSONAlerter {
	const bufferSize = 64 * 1024
	bufWriter := bufio.NewWriterSize(writer, bufferSize)

	alerter := &JSONAlerter{
		bufWriter: bufWriter,
		file:      file,
		stopFlush: make(chan struct{}),
	}
	alerter.encoder = json.NewEncoder(bufWriter)
	if pretty {
		alerter.encoder.SetIndent("", "  ")
	}

	go alerter.periodicFlush()
	return alerter
}

func (a *JSONAlerter) periodicFlush() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := a.Flush(); err != nil {
				log.Warn().Err(err).Msg("Failed to flush alert output")
			}
		case <-a.stopFlush:
			return
		}
	}
}

func (a *JSONAlerter) Send(ctx context.Context, alert *domain.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.encoder.Encode(alert); err != nil {
		return fmt.Errorf("encode alert %d: %w", alert.ID, err)
	}
	a.written++
	return nil
}

// OnEvent writes the alert of an alerting event; other events are ignored.
func (a *JSONAlerter) OnEvent(event *domain.Event, alert *domain.Alert) {
	if alert == nil {
		return
	}
	if err := a.Send(context.Background(), alert); err != nil {
		log.Warn().Err(err).Int64("alert_id", alert.ID).Msg("Failed to write alert")
	}
}

func (a *JSONAlerter) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.bufWriter.Flush(); err != nil {
		return err
	}
	if a.file != nil {
		return a.file.Sync()
	}
	return nil
}

// Written returns the number of alerts encoded so far.
func (a *JSONAlerter) Written() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.written
}

// Close stops periodic flushing, flushes and closes the file. It is
// idempotent.
func (a *JSONAlerter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.stopFlush)

		a.mu.Lock()
		defer a.mu.Unlock()

		if err = a.bufWriter.Flush(); err != nil {
			return
		}
		if a.file != nil {
			if err = a.file.Sync(); err != nil {
				return
			}
			err = a.file.Close()
		}
	})
	return err
}

// MemoryAlerter stores alerts in a fixed-size ring buffer.
//
// Thread Safety: Safe for concurrent access via RWMutex.
type MemoryAlerter struct {
	alerts    []*domain.Alert
	head      int // Next write position
	count     int
	maxAlerts int
	mu        sync.RWMutex
}

func NewMemoryAlerter(maxAlerts int) *MemoryAlerter {
	if maxAlerts <= 0 {
		maxAlerts = 1000
	}
	return &MemoryAlerter{
		alerts:    make([]*domain.Alert, maxAlerts),
		maxAlerts: maxAlerts,
	}
}

// Send overwrites the oldest alert when the buffer is full.
func (a *MemoryAlerter) Send(ctx context.Context, alert *domain.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.alerts[a.head] = alert
	a.head = (a.head + 1) % a.maxAlerts
	if a.count < a.maxAlerts {
		a.count++
	}
	return nil
}

func (a *MemoryAlerter) Flush() error {
	return nil
}

func (a *MemoryAlerter) Close() error {
	return nil
}

// GetAlerts returns all stored alerts, oldest first.
func (a *MemoryAlerter) GetAlerts() []*domain.Alert {
	a.mu.RLock()
	defer a.mu.RUnlock()

	result := make([]*domain.Alert, a.count)
	if a.count == 0 {
		return result
	}

	start := 0
	if a.count == a.maxAlerts {
		start = a.head
	}
	for i := 0; i < a.count; i++ {
		result[i] = a.alerts[(start+i)%a.maxAlerts]
	}
	return result
}

// GetLatestAlerts returns the n most recent alerts, oldest first.
func (a *MemoryAlerter) GetLatestAlerts(n int) []*domain.Alert {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if n <= 0 || n > a.count {
		n = a.count
	}
	if n == 0 {
		return []*domain.Alert{}
	}

	result := make([]*domain.Alert, n)
	for i := 0; i < n; i++ {
		idx := (a.head - n + i + a.maxAlerts) % a.maxAlerts
		result[i] = a.alerts[idx]
	}
	return result
}

func (a *MemoryAlerter) Count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.count
}

func (a *MemoryAlerter) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.head = 0
	a.count = 0
	clear(a.alerts)
}

func (a *MemoryAlerter) OnEvent(event *domain.Event, alert *domain.Alert) {
	if alert == nil {
		return
	}
	if err := a.Send(context.Background(), alert); err != nil {
		log.Warn().Err(err).Int64("alert_id", alert.ID).Msg("Failed to keep alert")
	}
}
