package input

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/xoelrdgz/eveguard/internal/domain"
	"github.com/xoelrdgz/eveguard/internal/ports"
)

// Line results reported to the IngestObserver.
const (
	ResultAlert     = "alert"
	ResultIgnored   = "ignored"
	ResultMalformed = "malformed"
	ResultOversize  = "oversize"
)

var (
	// ErrInvalidPath is returned when the followed path can never be read:
	// it is empty or names a directory.
	ErrInvalidPath = errors.New("invalid log path")

	errRotating = errors.New("log file missing during rotation")
)

// FollowerConfig configures a Follower.
type FollowerConfig struct {
	Path string

	// Backfill is the number of most recent lines emitted on the first open.
	// Zero starts at end of file.
	Backfill int

	WaitInterval      time.Duration
	RotateBackoff     time.Duration
	PollInterval      time.Duration
	PermissionBackoff time.Duration
	NotFoundBackoff   time.Duration
	ErrorBackoff      time.Duration

	BlockSize         int
	MaxBackfillChunks int
	MaxLineLength     int
}

func DefaultFollowerConfig(path string) FollowerConfig {
	return FollowerConfig{
		Path:              path,
		Backfill:          50,
		WaitInterval:      time.Second,
		RotateBackoff:     time.Second,
		PollInterval:      250 * time.Millisecond,
		PermissionBackoff: 2 * time.Second,
		NotFoundBackoff:   time.Second,
		ErrorBackoff:      500 * time.Millisecond,
		BlockSize:         4096,
		MaxBackfillChunks: 1024,
		MaxLineLength:     domain.MaxLineLength,
	}
}

func (c FollowerConfig) Validate() error {
	if c.Path == "" {
		return errors.Wrap(ErrInvalidPath, "path is empty")
	}
	if c.Backfill < 0 {
		return errors.Newf("backfill must be >= 0, got %d", c.Backfill)
	}
	if c.BlockSize <= 0 || c.MaxBackfillChunks <= 0 {
		return errors.New("block size and max backfill chunks must be positive")
	}
	if c.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	return nil
}

// Follower tails a Suricata eve.json file across rotation and truncation,
// emitting each completed alert line once into an AlertSink.
//
// Run is not safe to call concurrently with itself; Start/Stop manage a
// single background Run.
type Follower struct {
	config   FollowerConfig
	parser   ports.EventParser
	sink     ports.AlertSink
	observer ports.IngestObserver
	openFile func(name string) (*os.File, error)

	file   *os.File
	info   os.FileInfo
	reader *bufio.Reader
	offset int64
	opened bool

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewFollower(config FollowerConfig, parser ports.EventParser, sink ports.AlertSink) *Follower {
	if config.MaxLineLength <= 0 {
		config.MaxLineLength = domain.MaxLineLength
	}
	return &Follower{
		config:   config,
		parser:   parser,
		sink:     sink,
		openFile: os.Open,
	}
}

func (f *Follower) SetObserver(observer ports.IngestObserver) {
	f.observer = observer
}

// Start runs the follower in the background. Configuration errors are
// returned immediately; a second Start while running is a no-op.
func (f *Follower) Start(ctx context.Context) error {
	if err := f.config.Validate(); err != nil {
		return err
	}

	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	f.running = true
	f.cancel = cancel
	f.done = done
	f.mu.Unlock()

	go func() {
		defer close(done)
		if err := f.Run(ctx); err != nil {
			log.Error().Err(err).Str("file", f.config.Path).Msg("Log follower stopped")
		}
		f.mu.Lock()
		f.running = false
		f.mu.Unlock()
	}()
	return nil
}

// Stop cancels the background Run and waits for it to return.
func (f *Follower) Stop() {
	f.mu.Lock()
	if f.cancel == nil {
		f.mu.Unlock()
		return
	}
	cancel, done := f.cancel, f.done
	f.cancel = nil
	f.mu.Unlock()

	cancel()
	<-done
}

func (f *Follower) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// Run follows the file until ctx is cancelled. It returns nil on
// cancellation and an error only for unrecoverable configuration problems.
func (f *Follower) Run(ctx context.Context) error {
	if err := f.config.Validate(); err != nil {
		return err
	}
	defer f.closeFile()

	wake := f.watch(ctx)

	if err := f.waitForFile(ctx); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}
	log.Info().Str("file", f.config.Path).Int("backfill", f.config.Backfill).Msg("Started following log file")

	ticker := time.NewTicker(f.config.PollInterval)
	defer ticker.Stop()

	for {
		if err := f.poll(); err != nil {
			if errors.Is(err, ErrInvalidPath) {
				return err
			}
			if !sleepContext(ctx, f.backoffFor(err)) {
				return nil
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-wake:
		case <-ticker.C:
		}
	}
}

func (f *Follower) waitForFile(ctx context.Context) error {
	logged := false
	for {
		info, err := os.Stat(f.config.Path)
		if err == nil {
			if info.IsDir() {
				return errors.Wrapf(ErrInvalidPath, "%s is a directory", f.config.Path)
			}
			return nil
		}
		if !logged {
			log.Info().Err(err).Str("file", f.config.Path).Msg("Waiting for log file")
			logged = true
		}
		if !sleepContext(ctx, f.config.WaitInterval) {
			return nil
		}
	}
}

// poll makes sure the current handle still names the followed file and then
// drains every completed line.
func (f *Follower) poll() error {
	if f.file == nil {
		if err := f.open(); err != nil {
			return err
		}
	}
	if err := f.checkRotation(); err != nil {
		return err
	}
	return f.drain()
}

func (f *Follower) open() error {
	file, err := f.openFile(f.config.Path)
	if err != nil {
		return err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	if info.IsDir() {
		file.Close()
		return errors.Wrapf(ErrInvalidPath, "%s is a directory", f.config.Path)
	}

	var offset int64
	if !f.opened {
		offset = info.Size()
		if f.config.Backfill > 0 {
			lines, end, err := backfill(file, info.Size(), f.config.Backfill, f.config.BlockSize, f.config.MaxBackfillChunks)
			if err != nil {
				log.Warn().Err(err).Str("file", f.config.Path).Msg("Backfill failed")
			} else {
				for _, line := range lines {
					f.consume(line)
				}
				offset = end
				log.Debug().Int("lines", len(lines)).Msg("Backfill complete")
			}
		}
	}

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		file.Close()
		return errors.Wrap(err, "seek")
	}

	f.file = file
	f.info = info
	f.offset = offset
	f.reader = bufio.NewReaderSize(file, 64*1024)
	f.opened = true
	return nil
}

// checkRotation compares the identity of the open handle with whatever the
// path names now. Lines still pending in a replaced file are drained before
// its handle is dropped.
func (f *Follower) checkRotation() error {
	current, err := os.Stat(f.config.Path)
	if err != nil {
		f.drainQuietly()
		f.closeFile()
		if errors.Is(err, fs.ErrNotExist) {
			return errors.Mark(err, errRotating)
		}
		return err
	}

	if !os.SameFile(f.info, current) {
		log.Info().Str("file", f.config.Path).Msg("Log file replaced, reopening")
		f.drainQuietly()
		f.closeFile()
		f.observeRotation()
		return f.open()
	}

	if current.Size() < f.offset {
		log.Info().
			Str("file", f.config.Path).
			Int64("offset", f.offset).
			Int64("size", current.Size()).
			Msg("Log file truncated, restarting from beginning")
		f.observeRotation()
		return f.rewind(0)
	}
	return nil
}

// drain consumes complete lines from the tracked offset. A trailing line
// without terminator is left unread.
func (f *Follower) drain() error {
	for {
		line, err := f.reader.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(line) > 0 {
					return f.rewind(f.offset)
				}
				return nil
			}
			return err
		}
		f.offset += int64(len(line))
		f.consume(line)
	}
}

func (f *Follower) drainQuietly() {
	if f.file == nil {
		return
	}
	if err := f.drain(); err != nil {
		log.Debug().Err(err).Msg("Failed to drain rotated file")
	}
}

func (f *Follower) rewind(offset int64) error {
	if _, err := f.file.Seek(offset, io.SeekStart); err != nil {
		return errors.Wrap(err, "seek")
	}
	f.offset = offset
	f.reader.Reset(f.file)
	return nil
}

func (f *Follower) consume(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	if len(line) > f.config.MaxLineLength {
		log.Warn().
			Int("size", len(line)).
			Int("limit", f.config.MaxLineLength).
			Msg("Dropped oversized eve.json line")
		f.observe(ResultOversize)
		return
	}

	rec, ok, err := f.parser.Parse(line)
	switch {
	case err != nil:
		f.observe(ResultMalformed)
	case !ok:
		f.observe(ResultIgnored)
	default:
		f.sink.Append(rec)
		f.observe(ResultAlert)
	}
}

func (f *Follower) closeFile() {
	if f.file == nil {
		return
	}
	f.file.Close()
	f.file = nil
	f.reader = nil
}

func (f *Follower) backoffFor(err error) time.Duration {
	switch {
	case errors.Is(err, errRotating):
		return f.config.RotateBackoff
	case errors.Is(err, fs.ErrPermission):
		log.Warn().Err(err).Str("file", f.config.Path).
			Msg("Permission denied reading eve.json; add this user to the suricata group")
		return f.config.PermissionBackoff
	case errors.Is(err, fs.ErrNotExist):
		log.Debug().Str("file", f.config.Path).Msg("Log file not found, retrying")
		return f.config.NotFoundBackoff
	default:
		log.Warn().Err(err).Str("file", f.config.Path).Msg("Error reading log file")
		return f.config.ErrorBackoff
	}
}

// watch subscribes to changes in the parent directory so the loop can react
// before the next poll tick. Without fsnotify the returned channel never fires.
func (f *Follower) watch(ctx context.Context) <-chan struct{} {
	wake := make(chan struct{}, 1)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Debug().Err(err).Msg("fsnotify unavailable, polling only")
		return wake
	}
	target := filepath.Clean(f.config.Path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		log.Debug().Err(err).Msg("Failed to watch log directory, polling only")
		watcher.Close()
		return wake
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Debug().Err(err).Msg("fsnotify error")
			}
		}
	}()
	return wake
}

func (f *Follower) observe(result string) {
	if f.observer != nil {
		f.observer.IncrementLinesProcessedByResult(result)
	}
}

func (f *Follower) observeRotation() {
	if f.observer != nil {
		f.observer.ObserveRotation()
	}
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
