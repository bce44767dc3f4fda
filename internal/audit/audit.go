// Package audit appends one JSON line per delivery to <state-dir>/logs/purchases.log.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Audit log file layout
const (
	LogDirName  = "logs"
	LogFileName = "purchases.log"
)

// Delivery results recorded in Entry.Result.
const (
	ResultDelivered = "delivered"
	ResultFailed    = "failed"
)

// ErrClosed is returned when recording to a closed Log.
var ErrClosed = errors.New("audit log closed")

// Entry is one audit record.
type Entry struct {
	DeliveryID string
	Buyer      string
	Player     string
	ItemID     string
	ItemName   string
	Source     string
	Commands   []string
	Result     string
	Error      error
}

// Log writes audit entries as JSON lines through a dedicated slog handler.
type Log struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	logger *slog.Logger
}

// Open creates <stateDir>/logs and opens purchases.log for appending.
func Open(stateDir string) (*Log, error) {
	dir := filepath.Join(stateDir, LogDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, LogFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log %s: %w", path, err)
	}
	slog.Debug("audit.Open: audit log opened", "path", path)
	return &Log{
		path:   path,
		file:   f,
		logger: slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelInfo})),
	}, nil
}

// Path returns the audit file location.
func (l *Log) Path() string {
	return l.path
}

// Record appends e to the log.
func (l *Log) Record(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return ErrClosed
	}

	attrs := []slog.Attr{
		slog.String("delivery_id", e.DeliveryID),
		slog.String("buyer", e.Buyer),
		slog.String("player", e.Player),
		slog.String("item_id", e.ItemID),
		slog.String("item_name", e.ItemName),
		slog.String("source", e.Source),
		slog.Any("commands", e.Commands),
		slog.String("result", e.Result),
	}
	if e.Error != nil {
		attrs = append(attrs, slog.String("error", e.Error.Error()))
	}
	level := slog.LevelInfo
	if e.Result == ResultFailed {
		level = slog.LevelError
	}
	l.logger.LogAttrs(context.Background(), level, "purchase "+e.Result, attrs...)
	return nil
}

// Tail returns up to n of the most recent lines, newest first.
func (l *Log) Tail(n int) ([]json.RawMessage, error) {
	if n <= 0 {
		return []json.RawMessage{}, nil
	}
	l.mu.Lock()
	path := l.path
	l.mu.Unlock()
	return TailFile(path, n)
}

// TailFile returns up to n of the most recent JSON lines of path, newest first.
// Lines that are not valid JSON are skipped.
func TailFile(path string, n int) ([]json.RawMessage, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return []json.RawMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	ring := make([]json.RawMessage, 0, n)
	start := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if !json.Valid(line) {
			continue
		}
		cp := json.RawMessage(append([]byte(nil), line...))
		if len(ring) < n {
			ring = append(ring, cp)
			continue
		}
		ring[start] = cp
		start = (start + 1) % n
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}

	out := make([]json.RawMessage, 0, len(ring))
	for i := len(ring) - 1; i >= 0; i-- {
		out = append(out, ring[(start+i)%len(ring)])
	}
	return out, nil
}

// Close flushes and closes the file. Further Record calls return ErrClosed.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Sync()
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}
