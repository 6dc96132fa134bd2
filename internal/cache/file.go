package cache

import (
	"log/slog"
	"os"
	"path/filepath"
)

// FileStore is the secondary store on the degraded path: the envelope in a
// single JSON file, written atomically via rename. It trades sqlite's
// durability for having no dependencies that can fail at open time.
type FileStore struct {
	path string
	opts Options
	log  *slog.Logger
}

// NewFileStore wraps path as a Store. The file need not exist.
func NewFileStore(path string, opts Options, log *slog.Logger) *FileStore {
	if log == nil {
		log = slog.Default()
	}
	return &FileStore{path: path, opts: opts.withDefaults(), log: log}
}

// Read implements Store.
func (s *FileStore) Read() map[string]string {
	env, ok := s.ReadEnvelope()
	if !ok {
		return map[string]string{}
	}
	return env.Variables
}

// ReadEnvelope implements Store.
func (s *FileStore) ReadEnvelope() (Envelope, bool) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("cache: file read failed", "path", s.path, "error", err)
		}
		return Envelope{}, false
	}
	env, err := decodeEnvelope(raw, s.opts.Now(), s.opts.TTL)
	if err != nil {
		s.log.Debug("cache: file envelope discarded", "reason", err)
		return Envelope{}, false
	}
	return env, true
}

// Write implements Store.
func (s *FileStore) Write(m map[string]string, source string) bool {
	prev, _ := os.ReadFile(s.path)
	raw, _, ok := s.opts.seal(m, source, prevTimestamp(prev), s.log)
	if !ok {
		return false
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		s.log.Warn("cache: file write failed", "error", &StorageError{Op: "mkdir", Err: err})
		return false
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		s.log.Warn("cache: file write failed", "error", &StorageError{Op: "write tmp", Err: err})
		return false
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.log.Warn("cache: file write failed", "error", &StorageError{Op: "rename", Err: err})
		return false
	}
	return true
}

// Clear implements Store.
func (s *FileStore) Clear() {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		s.log.Warn("cache: file clear failed", "error", err)
	}
}

// Close implements Store.
func (s *FileStore) Close() error { return nil }
