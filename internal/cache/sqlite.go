package cache

import (
	"database/sql"
	"embed"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore is the primary Local Cache Store: one row per namespace in a
// sqlite database, schema managed by embedded migrations.
type SQLiteStore struct {
	db   *sql.DB
	opts Options
	log  *slog.Logger
}

// OpenSQLite opens (creating if needed) the cache database at path and
// applies pending schema migrations.
func OpenSQLite(path string, opts Options, log *slog.Logger) (*SQLiteStore, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	// sqlite allows a single writer; serializing through one connection
	// avoids SQLITE_BUSY between the engine and the recovery probe.
	db.SetMaxOpenConns(1)
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}
	return &SQLiteStore{db: db, opts: opts.withDefaults(), log: log}, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// Read implements Store.
func (s *SQLiteStore) Read() map[string]string {
	env, ok := s.ReadEnvelope()
	if !ok {
		return map[string]string{}
	}
	return env.Variables
}

// ReadEnvelope implements Store.
func (s *SQLiteStore) ReadEnvelope() (Envelope, bool) {
	raw, err := s.rawEnvelope()
	if err != nil {
		if err != sql.ErrNoRows {
			s.log.Warn("cache: read failed", "error", err)
		}
		return Envelope{}, false
	}
	env, err := decodeEnvelope(raw, s.opts.Now(), s.opts.TTL)
	if err != nil {
		// Version mismatch and expiry are silent discards; corruption is
		// worth a log line.
		if err != ErrVersionMismatch && err != ErrExpired {
			s.log.Warn("cache: discarding corrupt envelope", "error", err)
		} else {
			s.log.Debug("cache: envelope discarded", "reason", err)
		}
		return Envelope{}, false
	}
	return env, true
}

// Write implements Store.
func (s *SQLiteStore) Write(m map[string]string, source string) bool {
	prev, err := s.rawEnvelope()
	if err != nil && err != sql.ErrNoRows {
		s.log.Warn("cache: write failed reading previous record", "error", err)
		prev = nil
	}
	raw, _, ok := s.opts.seal(m, source, prevTimestamp(prev), s.log)
	if !ok {
		return false
	}
	_, err = s.db.Exec(`
		INSERT INTO theme_cache (namespace, envelope, updated_at)
		VALUES (?, ?, datetime('now'))
		ON CONFLICT(namespace) DO UPDATE SET
			envelope = excluded.envelope,
			updated_at = excluded.updated_at`,
		s.opts.Namespace, string(raw))
	if err != nil {
		serr := &StorageError{Op: "write envelope", Err: err}
		s.log.Warn("cache: write failed", "error", serr)
		return false
	}
	return true
}

// Clear implements Store.
func (s *SQLiteStore) Clear() {
	if _, err := s.db.Exec(`DELETE FROM theme_cache WHERE namespace = ?`, s.opts.Namespace); err != nil {
		s.log.Warn("cache: clear failed", "error", err)
	}
}

// Close implements Store.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) rawEnvelope() ([]byte, error) {
	var raw string
	err := s.db.QueryRow(
		`SELECT envelope FROM theme_cache WHERE namespace = ?`, s.opts.Namespace,
	).Scan(&raw)
	if err != nil {
		return nil, err
	}
	return []byte(raw), nil
}
