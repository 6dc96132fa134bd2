// Package restore composes the cache, remote, bus, cascade and apply
// components into one restoration pass per tab, and gates all consumer
// reads behind a single idempotent initialization entry point.
package restore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jask/themesync/internal/apply"
	"github.com/jask/themesync/internal/bus"
	"github.com/jask/themesync/internal/cache"
	"github.com/jask/themesync/internal/cascade"
	"github.com/jask/themesync/internal/remote"
	"github.com/jask/themesync/internal/vars"
)

// State names the orchestrator's position in the restoration pass.
type State string

const (
	StateIdle             State = "idle"
	StateImmediateApplied State = "immediate-applied"
	StateRemoteRacing     State = "remote-racing"
	StateRemoteWon        State = "remote-won"
	StateTimeoutFallback  State = "timeout-fallback"
	StateSettled          State = "settled"
)

// Capabilities is the explicit environment description injected at
// construction; the engine never probes globals.
type Capabilities struct {
	Storage       bool // primary cache store usable
	Broadcast     bool // in-process broadcast transport available
	LiveVariables bool // surface takes live variable writes
}

// Remote is the sync client contract. Satisfied by *remote.Client.
type Remote interface {
	Fetch(ctx context.Context, keys []string) (map[string]string, error)
	Push(ctx context.Context, key, value string) error
	Ping(ctx context.Context) error
}

// Result is the settled outcome of one restoration pass.
type Result struct {
	State   State // StateRemoteWon or StateTimeoutFallback
	Source  string
	Applied apply.Result
}

// Options tunes one engine instance.
type Options struct {
	TabID         string
	Namespace     string
	Keys          []string // variables to fetch; empty means all defaults
	FetchTimeout  time.Duration
	BackoffBase   time.Duration
	RetryCap      int
	ProbeInterval time.Duration
	Caps          Capabilities
	Now           func() time.Time
}

func (o Options) withDefaults() Options {
	if o.TabID == "" {
		o.TabID = vars.NewTabID()
	}
	if o.Namespace == "" {
		o.Namespace = "themesync"
	}
	if len(o.Keys) == 0 {
		o.Keys = vars.DefaultNames()
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = remote.DefaultTimeout
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = remote.DefaultBackoffBase
	}
	if o.RetryCap <= 0 {
		o.RetryCap = remote.DefaultRetryCap
	}
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = 30 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Engine is one tab's orchestrator plus its initialization controller.
type Engine struct {
	opts       Options
	store      cache.Store
	fallback   cache.Store
	client     Remote
	queue      *remote.Queue
	bus        bus.Bus
	applicator *apply.Applicator
	resolver   *cascade.Resolver
	log        *slog.Logger

	group singleflight.Group
	sleep func(ctx context.Context, d time.Duration) error

	mu           sync.Mutex
	state        State
	settled      bool
	settleResult Result
	initialized  bool
	initOK       bool
	fallbackMode bool
	fetchCount   int
	lastErr      error
	current      map[string]string
	provenance   map[string]vars.Provenance
	lastWrites   map[string]vars.Write
	unsubscribe  func()
	probeCancel  context.CancelFunc
}

// NewEngine wires one tab. store may be nil when Capabilities.Storage is
// false; fallback and b must be non-nil.
func NewEngine(store, fallback cache.Store, client Remote, b bus.Bus,
	applicator *apply.Applicator, resolver *cascade.Resolver,
	opts Options, log *slog.Logger) *Engine {

	if log == nil {
		log = slog.Default()
	}
	opts = opts.withDefaults()
	e := &Engine{
		opts:       opts,
		store:      store,
		fallback:   fallback,
		client:     client,
		bus:        b,
		applicator: applicator,
		resolver:   resolver,
		log:        log.With("tab", shortID(opts.TabID)),
		sleep:      sleepCtx,
		state:      StateIdle,
		current:    map[string]string{},
		provenance: map[string]vars.Provenance{},
		lastWrites: map[string]vars.Write{},
	}
	e.queue = remote.NewQueue(client, opts.BackoffBase, opts.RetryCap, e.onPushResult, e.log)
	return e
}

// Initialize is the single entry point gating all consumer reads. Idempotent
// and safe under concurrent calls: every caller shares one in-flight pass
// and observes the same result. Sequences load -> apply -> restore-ui-state
// so consumers never see a half-applied surface.
func (e *Engine) Initialize(ctx context.Context) (bool, error) {
	v, err, _ := e.group.Do("initialize", func() (interface{}, error) {
		e.mu.Lock()
		if e.initialized {
			ok := e.initOK
			e.mu.Unlock()
			return ok, nil
		}
		e.mu.Unlock()

		res := e.Restore(ctx)
		e.subscribe()

		e.mu.Lock()
		e.initialized = true
		e.initOK = res.Applied.Applied > 0 || len(e.current) > 0
		if e.fallbackMode {
			e.startRecoveryProbeLocked()
		}
		ok := e.initOK
		e.mu.Unlock()
		return ok, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// Close detaches the engine from the bus and stops background work. The
// stores are owned by the caller.
func (e *Engine) Close() {
	e.mu.Lock()
	unsub := e.unsubscribe
	cancelProbe := e.probeCancel
	e.unsubscribe = nil
	e.probeCancel = nil
	e.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	if cancelProbe != nil {
		cancelProbe()
	}
	e.queue.Wait()
}

func (e *Engine) subscribe() {
	unsub := e.bus.Subscribe(e.opts.TabID, e.onBroadcast)
	e.mu.Lock()
	e.unsubscribe = unsub
	e.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
