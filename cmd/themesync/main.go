package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/jask/themesync/internal/apply"
	"github.com/jask/themesync/internal/bus"
	"github.com/jask/themesync/internal/cache"
	"github.com/jask/themesync/internal/cascade"
	"github.com/jask/themesync/internal/config"
	"github.com/jask/themesync/internal/remote"
	"github.com/jask/themesync/internal/restore"
	"github.com/jask/themesync/internal/tui"
)

func main() {
	validate := flag.Bool("validate", false, "run non-TUI validation against a temporary store")
	debug := flag.Bool("debug", false, "log at debug level to stderr")
	flag.Parse()

	level := slog.LevelWarn
	if *debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *validate {
		if err := runValidation(log); err != nil {
			fmt.Fprintln(os.Stderr, "validation failed:", err)
			os.Exit(1)
		}
		fmt.Println("validation ok")
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if cfg.Remote.URL == "" {
		fmt.Fprintln(os.Stderr, "remote.url is not configured (set THEMESYNC_REMOTE_URL)")
		os.Exit(2)
	}

	ctx := context.Background()
	engine, surface, cleanup, err := wire(ctx, cfg, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "startup:", err)
		os.Exit(1)
	}
	defer cleanup()

	p := tea.NewProgram(tui.New(ctx, engine, surface), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

// wire probes the environment once and assembles the engine from whatever is
// actually available: sqlite primary cache, json file fallback, file-based
// cross-process broadcast.
func wire(ctx context.Context, cfg config.Config, log *slog.Logger) (*restore.Engine, *apply.StyleSurface, func(), error) {
	caps := restore.Capabilities{LiveVariables: true, Broadcast: true}
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Cache.Path), 0o755); err != nil {
		return nil, nil, nil, fmt.Errorf("mkdir data dir: %w", err)
	}

	cacheOpts := cache.Options{Namespace: cfg.Cache.Namespace, TTL: cfg.Cache.TTL()}
	var primary cache.Store
	if store, err := cache.OpenSQLite(cfg.Cache.Path, cacheOpts, log); err != nil {
		// Degraded start: the file fallback still carries persistence.
		log.Warn("startup: primary cache unavailable", "error", err)
	} else {
		primary = store
		caps.Storage = true
		closers = append(closers, func() { store.Close() })
	}
	fallback := cache.NewFileStore(cfg.Cache.FallbackPath, cacheOpts, log)

	var transport bus.Bus
	if fb, err := bus.NewFileBus(cfg.Sync.BroadcastFile, log); err != nil {
		log.Warn("startup: broadcast transport unavailable", "error", err)
		transport = bus.NewMemoryBus()
		caps.Broadcast = false
	} else {
		transport = fb
		closers = append(closers, func() { fb.Close() })
	}

	surface := apply.NewStyleSurface(caps.LiveVariables)
	applicator := apply.New(surface, cfg.Cache.Namespace, log)
	resolver := cascade.NewResolver(log)
	// Derived shades recompute whenever their base changes.
	if err := resolver.RegisterDependency("--accent", "--accent-dim", cascade.Darken(0.25)); err != nil {
		log.Warn("startup: derived variable registration failed", "error", err)
	}
	client := remote.NewClient(cfg.Remote.URL, cfg.Remote.APIToken(), cfg.Remote.FetchTimeout(), log)

	engine := restore.NewEngine(primary, fallback, client, transport, applicator, resolver, restore.Options{
		Namespace:     cfg.Cache.Namespace,
		FetchTimeout:  cfg.Remote.FetchTimeout(),
		BackoffBase:   cfg.Sync.BackoffBase(),
		RetryCap:      cfg.Sync.RetryCap,
		ProbeInterval: cfg.Sync.ProbeInterval(),
		Caps:          caps,
	}, log)
	closers = append(closers, engine.Close)
	return engine, surface, cleanup, nil
}
