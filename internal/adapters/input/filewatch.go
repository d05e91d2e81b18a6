package input

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/codeWithOrange/os-security-events-analyzer/internal/domain"
)

type FileWatcherConfig struct {
	Paths []string
	// Recursive adds every subdirectory, including ones created later.
	Recursive bool
	// CriticalFiles are reported as Critical on any change.
	CriticalFiles []string
	// Debounce collapses repeated identical notifications for one path.
	Debounce   time.Duration
	BufferSize int
	Clock      func() time.Time
}

func DefaultFileWatcherConfig() FileWatcherConfig {
	return FileWatcherConfig{
		Recursive:  true,
		Debounce:   100 * time.Millisecond,
		BufferSize: 1000,
		Clock:      time.Now,
	}
}

// FileWatcher turns fsnotify notifications over directories and files into
// file-created, file-modified and file-deleted events.
type FileWatcher struct {
	cfg      FileWatcherConfig
	critical map[string]struct{}
	recent   *lru.Cache[string, time.Time]

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	running  bool
	stopChan chan struct{}
}

func NewFileWatcher(cfg FileWatcherConfig) *FileWatcher {
	def := DefaultFileWatcherConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.Debounce < 0 {
		cfg.Debounce = 0
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	critical := make(map[string]struct{}, len(cfg.CriticalFiles))
	for _, p := range cfg.CriticalFiles {
		critical[filepath.Clean(p)] = struct{}{}
	}
	// lru.New only fails on a non-positive size.
	recent, _ := lru.New[string, time.Time](4096)

	return &FileWatcher{
		cfg:      cfg,
		critical: critical,
		recent:   recent,
	}
}

func (w *FileWatcher) Name() string {
	return "filewatch"
}

func (w *FileWatcher) Start(ctx context.Context) (<-chan *domain.Event, <-chan error) {
	eventChan := make(chan *domain.Event, w.cfg.BufferSize)
	errChan := make(chan error, 10)

	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		close(eventChan)
		close(errChan)
		return eventChan, errChan
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		log.Error().Err(err).Msg("Failed to create file watcher")
		errChan <- err
		close(eventChan)
		close(errChan)
		return eventChan, errChan
	}
	w.watcher = watcher
	w.running = true
	w.stopChan = make(chan struct{})
	stopChan := w.stopChan
	w.mu.Unlock()

	watched := 0
	for _, p := range w.cfg.Paths {
		n, err := w.add(watcher, p)
		if err != nil {
			log.Warn().Err(err).Str("path", p).Msg("Cannot watch path")
			continue
		}
		watched += n
	}
	for p := range w.critical {
		if _, err := os.Stat(p); err == nil {
			if err := watcher.Add(p); err == nil {
				watched++
			}
		}
	}
	log.Info().Int("watches", watched).Strs("paths", w.cfg.Paths).Msg("Started file watcher")

	go func() {
		defer close(eventChan)
		defer close(errChan)

		for {
			select {
			case <-ctx.Done():
				_ = w.Stop()
				return
			case <-stopChan:
				return
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("File watcher error")
				select {
				case errChan <- err:
				default:
				}
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				event := w.translate(watcher, ev)
				if event == nil {
					continue
				}
				select {
				case eventChan <- event:
				case <-ctx.Done():
					return
				case <-stopChan:
					return
				}
			}
		}
	}()

	return eventChan, errChan
}

// add watches p, and every directory below it when recursive. It returns the
// number of watches added.
func (w *FileWatcher) add(watcher *fsnotify.Watcher, p string) (int, error) {
	info, err := os.Stat(p)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() || !w.cfg.Recursive {
		return 1, watcher.Add(p)
	}

	n := 0
	err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrPermission) {
				return fs.SkipDir
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := watcher.Add(path); err != nil {
			log.Debug().Err(err).Str("path", path).Msg("Cannot watch directory")
			return nil
		}
		n++
		return nil
	})
	return n, err
}

func (w *FileWatcher) translate(watcher *fsnotify.Watcher, ev fsnotify.Event) *domain.Event {
	var eventType domain.EventType
	switch {
	case ev.Has(fsnotify.Create):
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if w.cfg.Recursive {
				if _, err := w.add(watcher, ev.Name); err != nil {
					log.Debug().Err(err).Str("path", ev.Name).Msg("Cannot watch new directory")
				}
			}
			return nil
		}
		eventType = domain.EventFileCreated
	case ev.Has(fsnotify.Write):
		eventType = domain.EventFileModified
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		eventType = domain.EventFileDeleted
	default:
		return nil
	}

	path := filepath.Clean(ev.Name)
	now := w.cfg.Clock()
	key := string(eventType) + "|" + path
	if last, ok := w.recent.Get(key); ok && now.Sub(last) < w.cfg.Debounce {
		return nil
	}
	w.recent.Add(key, now)

	event := &domain.Event{
		Timestamp: now.UTC(),
		Type:      eventType,
		Source:    w.Name(),
		Subject:   domain.Subject{Path: path},
	}
	_, critical := w.critical[path]
	if critical {
		event.Severity = domain.SeverityCritical
		event.Description = "Critical system file changed: " + path
	}
	event.RawPayload, _ = json.Marshal(map[string]any{
		"path":        path,
		"op":          ev.Op.String(),
		"is_critical": critical,
	})
	return event
}

// Stop is idempotent.
func (w *FileWatcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.stopChan)
	watcher := w.watcher
	w.mu.Unlock()

	return watcher.Close()
}
