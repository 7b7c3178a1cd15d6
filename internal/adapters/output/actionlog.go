// Package output provides action recorders and status surfaces for EveGuard.
//
// This file implements the append-only action log:
//   - ActionLog: one JSON object per line, appended to a file
//   - ReadActionLog: tail reader used by the CLI
//
// Features:
//   - Buffered writes flushed after every record
//   - File sync on Close for durability
//   - Parent directory created on open
//
// Thread Safety: ActionLog is safe for concurrent Record() calls.
package output

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"

	"github.com/xoelrdgz/eveguard/internal/domain"
)

// ActionLog appends block actions to a JSON lines file.
type ActionLog struct {
	file      *os.File      // Output file
	bufWriter *bufio.Writer // Buffered writer
	encoder   *json.Encoder // Reused encoder
	path      string
	mu        sync.Mutex // Protects writes
	closed    bool
}

// NewActionLog opens (or creates) path for appending.
//
// Parameters:
//   - path: action log file; parent directories are created
//
// Returns:
//   - Configured ActionLog
//   - Error if the directory or file cannot be created
//
// File Permissions: 0600 (owner read/write only)
func NewActionLog(path string) (*ActionLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create action log directory")
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "open action log")
	}

	bufWriter := bufio.NewWriterSize(file, 16*1024)
	log.Debug().Str("path", path).Msg("Action log opened")
	return &ActionLog{
		file:      file,
		bufWriter: bufWriter,
		encoder:   json.NewEncoder(bufWriter),
		path:      path,
	}, nil
}

// Record appends one action as a single line.
//
// Thread Safety: Safe for concurrent calls via mutex.
func (a *ActionLog) Record(_ context.Context, action domain.Action) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return errors.New("action log closed")
	}
	if err := a.encoder.Encode(action); err != nil {
		return errors.Wrap(err, "encode action")
	}
	return errors.Wrap(a.bufWriter.Flush(), "flush action log")
}

func (a *ActionLog) Path() string {
	return a.path
}

// Close flushes, syncs and closes the file. Calling Close twice is a no-op.
func (a *ActionLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true

	if err := a.bufWriter.Flush(); err != nil {
		a.file.Close()
		return err
	}
	if err := a.file.Sync(); err != nil {
		a.file.Close()
		return err
	}
	return a.file.Close()
}

// ReadActionLog returns up to limit most recent actions from path, newest
// first. Lines that do not decode are skipped. limit <= 0 returns all.
func ReadActionLog(path string, limit int) ([]domain.Action, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open action log")
	}
	defer file.Close()

	var actions []domain.Action
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), domain.MaxLineLength)
	for scanner.Scan() {
		var action domain.Action
		if err := json.Unmarshal(scanner.Bytes(), &action); err != nil {
			continue
		}
		actions = append(actions, action)
		if limit > 0 && len(actions) > limit {
			actions = actions[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read action log")
	}

	for i, j := 0, len(actions)-1; i < j; i, j = i+1, j-1 {
		actions[i], actions[j] = actions[j], actions[i]
	}
	return actions, nil
}
