package cache

import (
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fixedClock returns a Now func pinned to base that callers can advance.
type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

func openTestStore(t *testing.T, opts Options) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.db"), opts, discardLogger())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteRoundTripReturnsSanitizedMap(t *testing.T) {
	s := openTestStore(t, Options{})
	in := map[string]string{
		"--accent":  "#ff0000",
		"--pad-x":   "2ch",
		"--invalid": "javascript:void(0)", // dropped by sanitization
		"BAD":       "#fff",               // dropped by sanitization
	}
	if !s.Write(in, "test") {
		t.Fatal("Write = false, want true")
	}
	got := s.Read()
	want := map[string]string{"--accent": "#ff0000", "--pad-x": "2ch"}
	if len(got) != len(want) {
		t.Fatalf("Read returned %d entries, want %d: %v", len(got), len(want), got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("Read[%q] = %q, want %q", k, got[k], v)
		}
	}
}

func TestSQLiteExpiredEnvelopeIsAbsent(t *testing.T) {
	clk := &fixedClock{now: time.UnixMilli(1_000_000_000)}
	s := openTestStore(t, Options{TTL: DefaultTTL, Now: clk.Now})
	if !s.Write(map[string]string{"--accent": "#abcdef"}, "test") {
		t.Fatal("Write failed")
	}

	// exactly at TTL: still present
	clk.now = clk.now.Add(DefaultTTL)
	if got := s.Read(); len(got) != 1 {
		t.Errorf("at TTL boundary Read = %v, want 1 entry", got)
	}

	// 1ms past TTL: absent
	clk.now = clk.now.Add(time.Millisecond)
	if got := s.Read(); len(got) != 0 {
		t.Errorf("past TTL Read = %v, want empty", got)
	}
}

func TestSQLiteVersionMismatchDiscardedWholesale(t *testing.T) {
	s := openTestStore(t, Options{})
	env := Envelope{
		Variables: map[string]string{"--accent": "#123456"},
		Timestamp: time.Now().UnixMilli(),
		Version:   "2.0",
		Source:    "test",
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.db.Exec(
		`INSERT INTO theme_cache (namespace, envelope) VALUES (?, ?)`,
		s.opts.Namespace, string(raw)); err != nil {
		t.Fatal(err)
	}
	if got := s.Read(); len(got) != 0 {
		t.Errorf("Read with version 2.0 = %v, want empty map", got)
	}
}

func TestSQLiteCorruptEnvelopeReadsEmpty(t *testing.T) {
	s := openTestStore(t, Options{})
	if _, err := s.db.Exec(
		`INSERT INTO theme_cache (namespace, envelope) VALUES (?, ?)`,
		s.opts.Namespace, "{not json"); err != nil {
		t.Fatal(err)
	}
	if got := s.Read(); len(got) != 0 {
		t.Errorf("Read of corrupt record = %v, want empty map", got)
	}
}

func TestSQLiteBudgetRejectsWholeWrite(t *testing.T) {
	s := openTestStore(t, Options{Budget: 128})
	big := map[string]string{}
	for _, k := range []string{"--k1", "--k2", "--k3"} {
		big[k] = "#aabbccddeeff-0123456789-0123456789-0123456789"
	}
	if s.Write(big, "test") {
		t.Error("Write over budget = true, want false")
	}
	if got := s.Read(); len(got) != 0 {
		t.Errorf("rejected write must leave no record, got %v", got)
	}
}

func TestSQLiteTimestampNonDecreasing(t *testing.T) {
	clk := &fixedClock{now: time.UnixMilli(5_000_000)}
	s := openTestStore(t, Options{Now: clk.Now})
	if !s.Write(map[string]string{"--accent": "#111111"}, "test") {
		t.Fatal("first write failed")
	}
	first, ok := s.ReadEnvelope()
	if !ok {
		t.Fatal("envelope absent after write")
	}

	// Clock goes backwards (NTP step); the envelope timestamp must not.
	clk.now = clk.now.Add(-time.Hour)
	if !s.Write(map[string]string{"--accent": "#222222"}, "test") {
		t.Fatal("second write failed")
	}
	second, ok := s.ReadEnvelope()
	if !ok {
		t.Fatal("envelope absent after second write")
	}
	if second.Timestamp < first.Timestamp {
		t.Errorf("timestamp decreased: %d -> %d", first.Timestamp, second.Timestamp)
	}
}

func TestSQLiteClearIsIdempotent(t *testing.T) {
	s := openTestStore(t, Options{})
	s.Write(map[string]string{"--accent": "#333333"}, "test")
	s.Clear()
	s.Clear()
	if got := s.Read(); len(got) != 0 {
		t.Errorf("Read after Clear = %v, want empty", got)
	}
}

func TestSQLiteReopenRunsNoChangeMigration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.db")
	s1, err := OpenSQLite(path, Options{}, discardLogger())
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	s1.Write(map[string]string{"--accent": "#444444"}, "test")
	s1.Close()

	s2, err := OpenSQLite(path, Options{}, discardLogger())
	if err != nil {
		t.Fatalf("second open (ErrNoChange path): %v", err)
	}
	defer s2.Close()
	if got := s2.Read(); got["--accent"] != "#444444" {
		t.Errorf("Read after reopen = %v, want --accent preserved", got)
	}
}

func TestFileStoreRoundTripAndClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fallback", "envelope.json")
	s := NewFileStore(path, Options{}, discardLogger())
	if !s.Write(map[string]string{"--accent": "#555555"}, "fallback") {
		t.Fatal("Write = false")
	}
	env, ok := s.ReadEnvelope()
	if !ok {
		t.Fatal("envelope absent after write")
	}
	if env.Source != "fallback" {
		t.Errorf("source = %q, want %q", env.Source, "fallback")
	}
	if env.Version != FormatVersion {
		t.Errorf("version = %q, want %q", env.Version, FormatVersion)
	}
	s.Clear()
	s.Clear()
	if got := s.Read(); len(got) != 0 {
		t.Errorf("Read after Clear = %v, want empty", got)
	}
}

func TestFileStoreMissingFileReadsEmpty(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "nope.json"), Options{}, discardLogger())
	if got := s.Read(); len(got) != 0 {
		t.Errorf("Read of missing file = %v, want empty", got)
	}
}
