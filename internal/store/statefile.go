package store

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/TradeBridge/internal/models"
)

// State file constants
const (
	// StateFileName is the name of the persisted state document inside the state directory.
	StateFileName = "data.yml"
	// DefaultBackupKeep is the number of timestamped backups retained by Backup.
	DefaultBackupKeep = 10
	// DefaultFilePermissions defines the permissions for the state file and its backups.
	DefaultFilePermissions = 0644
	// DefaultDirPermissions defines the default permissions for state and database directories.
	DefaultDirPermissions = 0755

	backupTimeLayout = "20060102_150405"
)

var backupNamePattern = regexp.MustCompile(`^data_\d{8}_\d{6}\.yml$`)

// State is the persisted form of the dedup set and the pending queue.
type State struct {
	Processed []string                        `yaml:"processed-purchases"`
	Pending   map[string][]models.PendingItem `yaml:"pending-purchases"`
}

// StateFileOption configures a StateFile.
type StateFileOption func(*StateFile)

// WithBackupKeep sets how many backups are kept. Zero or less keeps all of them.
func WithBackupKeep(n int) StateFileOption {
	return func(f *StateFile) {
		f.backupKeep = n
	}
}

// WithClock overrides the time source used for backup names.
func WithClock(now func() time.Time) StateFileOption {
	return func(f *StateFile) {
		f.now = now
	}
}

// WithDegradedHook registers a callback invoked with the degraded flag after every save.
func WithDegradedHook(hook func(bool)) StateFileOption {
	return func(f *StateFile) {
		f.onDegraded = hook
	}
}

// StateFile loads and saves State as YAML. Saves are atomic (temp file, fsync, rename)
// and serialized, and each save snapshots the stores while holding the save lock so
// an older snapshot never overwrites a newer one.
type StateFile struct {
	dir        string
	path       string
	backupKeep int
	now        func() time.Time
	onDegraded func(bool)

	saveMu   sync.Mutex
	dedup    DedupStore
	pending  PendingQueue
	degraded atomic.Bool
}

// NewStateFile creates a StateFile for <dir>/data.yml.
func NewStateFile(dir string, opts ...StateFileOption) *StateFile {
	f := &StateFile{
		dir:        dir,
		path:       filepath.Join(dir, StateFileName),
		backupKeep: DefaultBackupKeep,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Path returns the location of the state file.
func (f *StateFile) Path() string {
	return f.path
}

// Attach binds the stores that Persist snapshots.
func (f *StateFile) Attach(dedup DedupStore, pending PendingQueue) {
	f.saveMu.Lock()
	defer f.saveMu.Unlock()
	f.dedup = dedup
	f.pending = pending
}

// Degraded reports whether the most recent save failed.
func (f *StateFile) Degraded() bool {
	return f.degraded.Load()
}

// Load reads the state file. A missing file yields an empty State.
func (f *StateFile) Load() (State, error) {
	st := State{Pending: make(map[string][]models.PendingItem)}

	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Info("StateFile.Load: no state file, starting empty", "path", f.path)
		return st, nil
	}
	if err != nil {
		slog.Error("StateFile.Load: read failed", "path", f.path, "error", err)
		return st, fmt.Errorf("failed to read state file %s: %w", f.path, err)
	}

	if err := yaml.Unmarshal(data, &st); err != nil {
		slog.Error("StateFile.Load: decode failed", "path", f.path, "error", err)
		return st, fmt.Errorf("failed to decode state file %s: %w", f.path, err)
	}
	if st.Pending == nil {
		st.Pending = make(map[string][]models.PendingItem)
	}
	slog.Info("StateFile.Load: state loaded", "path", f.path, "processed", len(st.Processed), "pending_buyers", len(st.Pending))
	return st, nil
}

// Persist saves the attached stores. It is a no-op until Attach is called.
func (f *StateFile) Persist() error {
	f.saveMu.Lock()
	defer f.saveMu.Unlock()
	if f.dedup == nil || f.pending == nil {
		return nil
	}
	return f.saveLocked(f.dedup, f.pending)
}

// Save writes the given stores to disk.
func (f *StateFile) Save(dedup DedupStore, pending PendingQueue) error {
	f.saveMu.Lock()
	defer f.saveMu.Unlock()
	return f.saveLocked(dedup, pending)
}

func (f *StateFile) saveLocked(dedup DedupStore, pending PendingQueue) error {
	st := State{
		Processed: dedup.Snapshot(),
		Pending:   pending.Snapshot(),
	}
	err := f.write(st)
	f.setDegraded(err != nil)
	if err != nil {
		slog.Error("StateFile.Save: state not persisted, running in memory only; a crash now may cause duplicate delivery",
			"path", f.path, "error", err)
		return err
	}
	slog.Debug("StateFile.Save: state persisted", "path", f.path, "processed", len(st.Processed), "pending_buyers", len(st.Pending))
	return nil
}

func (f *StateFile) write(st State) error {
	data, err := yaml.Marshal(&st)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	if err := os.MkdirAll(f.dir, DefaultDirPermissions); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", f.dir, err)
	}

	tmp, err := os.CreateTemp(f.dir, ".data-*.yml.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp state file: %w", err)
	}
	if err := os.Chmod(tmpName, DefaultFilePermissions); err != nil {
		slog.Warn("StateFile.write: chmod failed", "path", tmpName, "error", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

func (f *StateFile) setDegraded(v bool) {
	prev := f.degraded.Swap(v)
	if prev && !v {
		slog.Info("StateFile: persistence recovered", "path", f.path)
	}
	if f.onDegraded != nil {
		f.onDegraded(v)
	}
}

// Backup copies the state file to data_YYYYMMDD_HHMMSS.yml and removes the oldest
// backups beyond the retention count. It returns the backup path, or "" when
// there is no state file yet.
func (f *StateFile) Backup() (string, error) {
	f.saveMu.Lock()
	defer f.saveMu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Debug("StateFile.Backup: nothing to back up", "path", f.path)
		return "", nil
	}
	if err != nil {
		slog.Warn("StateFile.Backup: read failed", "path", f.path, "error", err)
		return "", fmt.Errorf("failed to read state file for backup: %w", err)
	}

	name := "data_" + f.now().Format(backupTimeLayout) + ".yml"
	backupPath := filepath.Join(f.dir, name)
	if err := os.WriteFile(backupPath, data, DefaultFilePermissions); err != nil {
		slog.Warn("StateFile.Backup: write failed", "path", backupPath, "error", err)
		return "", fmt.Errorf("failed to write backup %s: %w", backupPath, err)
	}
	slog.Info("StateFile.Backup: backup created", "path", backupPath)

	if err := f.rotateLocked(); err != nil {
		slog.Warn("StateFile.Backup: rotation failed", "error", err)
	}
	return backupPath, nil
}

// Backups lists existing backup files, oldest first.
func (f *StateFile) Backups() ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list state directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && backupNamePattern.MatchString(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for i, n := range names {
		names[i] = filepath.Join(f.dir, n)
	}
	return names, nil
}

func (f *StateFile) rotateLocked() error {
	if f.backupKeep <= 0 {
		return nil
	}
	backups, err := f.Backups()
	if err != nil {
		return err
	}
	if len(backups) <= f.backupKeep {
		return nil
	}
	var errs []error
	for _, old := range backups[:len(backups)-f.backupKeep] {
		if err := os.Remove(old); err != nil {
			errs = append(errs, err)
			continue
		}
		slog.Debug("StateFile.rotate: old backup removed", "path", old)
	}
	return errors.Join(errs...)
}
