package input

import (
	"context"
	"sync"

	"github.com/nxadm/tail"
	"github.com/rs/zerolog/log"

	"github.com/codeWithOrange/os-security-events-analyzer/internal/domain"
	"github.com/codeWithOrange/os-security-events-analyzer/internal/ports"
)

// FileTailer follows a producer file and emits one event per parsed line.
// Rotation is handled by reopening the path.
type FileTailer struct {
	filepath      string
	parser        ports.EventParser
	tail          *tail.Tail
	bufferSize    int
	fromBeginning bool
	mu            sync.Mutex
	running       bool
	stopChan      chan struct{}
	skipped       int64
}

func NewFileTailer(filepath string, parser ports.EventParser, bufferSize int) *FileTailer {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &FileTailer{
		filepath:   filepath,
		parser:     parser,
		bufferSize: bufferSize,
		stopChan:   make(chan struct{}),
	}
}

func (t *FileTailer) SetFromBeginning(fromBeginning bool) {
	t.fromBeginning = fromBeginning
}

func (t *FileTailer) Name() string {
	return "tail:" + t.parser.Format()
}

func (t *FileTailer) Start(ctx context.Context) (<-chan *domain.Event, <-chan error) {
	eventChan := make(chan *domain.Event, t.bufferSize)
	errChan := make(chan error, 10)

	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		close(eventChan)
		close(errChan)
		return eventChan, errChan
	}
	t.running = true
	t.stopChan = make(chan struct{})
	stopChan := t.stopChan
	t.mu.Unlock()

	whence := 2
	if t.fromBeginning {
		whence = 0
	}
	tailed, err := tail.TailFile(t.filepath, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		Poll:      false,
		Location:  &tail.SeekInfo{Offset: 0, Whence: whence},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		log.Error().Err(err).Str("file", t.filepath).Msg("Failed to tail file")
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
		errChan <- err
		close(eventChan)
		close(errChan)
		return eventChan, errChan
	}
	t.mu.Lock()
	t.tail = tailed
	t.mu.Unlock()

	log.Info().Str("file", t.filepath).Str("format", t.parser.Format()).Msg("Started tailing event file")

	go func() {
		defer close(eventChan)
		defer close(errChan)

		for {
			select {
			case <-ctx.Done():
				log.Info().Str("file", t.filepath).Msg("Context cancelled, stopping tailer")
				_ = t.Stop()
				return
			case <-stopChan:
				return
			case line, ok := <-tailed.Lines:
				if !ok {
					log.Info().Str("file", t.filepath).Msg("Tail channel closed")
					return
				}
				if line.Err != nil {
					log.Warn().Err(line.Err).Str("file", t.filepath).Msg("Error reading line")
					select {
					case errChan <- line.Err:
					default:
					}
					continue
				}
				if line.Text == "" {
					continue
				}

				text := line.Text
				if len(text) > MaxLineLength {
					log.Warn().
						Int("original_size", len(text)).
						Int("truncated_to", MaxLineLength).
						Msg("Truncated oversized event line")
					text = text[:MaxLineLength]
				}

				event, err := t.parser.Parse(text)
				if err != nil {
					t.mu.Lock()
					t.skipped++
					t.mu.Unlock()
					log.Debug().Err(err).Str("file", t.filepath).Msg("Skipped unparseable line")
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

// Stop is idempotent.
func (t *FileTailer) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return nil
	}

	close(t.stopChan)
	t.running = false

	if t.tail != nil {
		err := t.tail.Stop()
		t.tail.Cleanup()
		return err
	}
	return nil
}

func (t *FileTailer) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Skipped returns how many lines the parser rejected.
func (t *FileTailer) Skipped() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.skipped
}
