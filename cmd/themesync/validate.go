package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"time"

	"github.com/jask/themesync/internal/apply"
	"github.com/jask/themesync/internal/bus"
	"github.com/jask/themesync/internal/cache"
	"github.com/jask/themesync/internal/cascade"
	"github.com/jask/themesync/internal/remote"
	"github.com/jask/themesync/internal/restore"
)

// runValidation executes a non-TUI smoke pass: a throwaway sqlite cache and
// an in-process store server, driven through the full restore pipeline.
func runValidation(log *slog.Logger) error {
	dir, err := os.MkdirTemp("", "themesync-validate-")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    map[string]string{"--accent": "#ff8800"},
		})
	}))
	defer srv.Close()

	store, err := cache.OpenSQLite(filepath.Join(dir, "validate.db"), cache.Options{}, log)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer store.Close()

	surface := apply.NewStyleSurface(true)
	applicator := apply.New(surface, "themesync", log)
	client := remote.NewClient(srv.URL, "", time.Second, log)
	engine := restore.NewEngine(store, nil, client, bus.NewMemoryBus(), applicator,
		cascade.NewResolver(log), restore.Options{
			FetchTimeout: time.Second,
			Caps:         restore.Capabilities{Storage: true, Broadcast: true, LiveVariables: true},
		}, log)
	defer engine.Close()

	ok, err := engine.Initialize(context.Background())
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if !ok {
		return fmt.Errorf("initialize reported not ok")
	}

	d := engine.Diagnostics()
	if d.State != restore.StateSettled {
		return fmt.Errorf("state = %s, want settled", d.State)
	}
	if got := engine.Value("--accent"); got != "#ff8800" {
		return fmt.Errorf("--accent = %q, want #ff8800 from store", got)
	}
	if got := store.Read()["--accent"]; got != "#ff8800" {
		return fmt.Errorf("cache --accent = %q, want #ff8800", got)
	}

	if err := engine.SetVariable(context.Background(), "--accent", "#112233"); err != nil {
		return fmt.Errorf("set variable: %w", err)
	}
	if got := engine.Value("--accent"); got != "#112233" {
		return fmt.Errorf("after edit --accent = %q, want #112233", got)
	}
	return nil
}
