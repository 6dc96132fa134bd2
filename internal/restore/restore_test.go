package restore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jask/themesync/internal/apply"
	"github.com/jask/themesync/internal/bus"
	"github.com/jask/themesync/internal/cache"
	"github.com/jask/themesync/internal/cascade"
	"github.com/jask/themesync/internal/remote"
	"github.com/jask/themesync/internal/vars"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRemote scripts fetch/push/ping behavior and counts calls.
type fakeRemote struct {
	mu         sync.Mutex
	fetchCalls int
	fetchDelay time.Duration
	values     map[string]string
	fetchErrs  []error // consumed one per call, then success
	pushErr    error
	pingErr    error
}

func (f *fakeRemote) Fetch(ctx context.Context, keys []string) (map[string]string, error) {
	f.mu.Lock()
	f.fetchCalls++
	n := f.fetchCalls
	delay := f.fetchDelay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if n <= len(f.fetchErrs) {
		return nil, f.fetchErrs[n-1]
	}
	out := make(map[string]string, len(f.values))
	for k, v := range f.values {
		out[k] = v
	}
	return out, nil
}

func (f *fakeRemote) Push(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushErr
}

func (f *fakeRemote) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeRemote) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls
}

// memStore is an in-memory cache.Store for observing engine writes.
type memStore struct {
	mu  sync.Mutex
	env *cache.Envelope
}

func (s *memStore) Read() map[string]string {
	env, ok := s.ReadEnvelope()
	if !ok {
		return map[string]string{}
	}
	return env.Variables
}

func (s *memStore) ReadEnvelope() (cache.Envelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Same gate the real stores apply: a foreign format version reads as
	// absent, never as a partial record.
	if s.env == nil || s.env.Version != cache.FormatVersion {
		return cache.Envelope{}, false
	}
	return *s.env, true
}

func (s *memStore) Write(m map[string]string, source string) bool {
	clean, _ := vars.Sanitize(m, nil)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.env = &cache.Envelope{
		Variables: clean,
		Timestamp: time.Now().UnixMilli(),
		Version:   cache.FormatVersion,
		Source:    source,
	}
	return true
}

func (s *memStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.env = nil
}

func (s *memStore) Close() error { return nil }

type testTab struct {
	engine  *Engine
	surface *apply.StyleSurface
	store   *memStore
	remote  *fakeRemote
}

func newTestTab(t *testing.T, remote *fakeRemote, b bus.Bus, opts Options) *testTab {
	t.Helper()
	surface := apply.NewStyleSurface(true)
	applicator := apply.New(surface, "themesync", discardLogger())
	resolver := cascade.NewResolver(discardLogger())
	store := &memStore{}
	if opts.FetchTimeout == 0 {
		opts.FetchTimeout = 100 * time.Millisecond
	}
	opts.Caps = Capabilities{Storage: true, Broadcast: true, LiveVariables: true}
	e := NewEngine(store, nil, remote, b, applicator, resolver, opts, discardLogger())
	// retries run instantly in tests
	e.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	t.Cleanup(e.Close)
	return &testTab{engine: e, surface: surface, store: store, remote: remote}
}

func TestZeroOptionsSelectRetryDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	if o.RetryCap != remote.DefaultRetryCap {
		t.Errorf("retry cap = %d, want %d", o.RetryCap, remote.DefaultRetryCap)
	}
	if o.BackoffBase != remote.DefaultBackoffBase {
		t.Errorf("backoff base = %v, want %v", o.BackoffBase, remote.DefaultBackoffBase)
	}
	if o.FetchTimeout != remote.DefaultTimeout {
		t.Errorf("fetch timeout = %v, want %v", o.FetchTimeout, remote.DefaultTimeout)
	}
	if o.ProbeInterval <= 0 {
		t.Errorf("probe interval = %v, want a positive default", o.ProbeInterval)
	}
}

func TestInitializeConcurrentCallsShareOnePass(t *testing.T) {
	r := &fakeRemote{values: map[string]string{"--accent": "#ff0000"}}
	tab := newTestTab(t, r, bus.NewMemoryBus(), Options{})

	const n = 16
	var wg sync.WaitGroup
	results := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := tab.engine.Initialize(context.Background())
			if err != nil {
				t.Errorf("Initialize: %v", err)
			}
			results[i] = ok
		}(i)
	}
	wg.Wait()

	if got := r.calls(); got != 1 {
		t.Errorf("fetch calls = %d, want exactly 1", got)
	}
	d := tab.engine.Diagnostics()
	if d.State != StateSettled {
		t.Errorf("state = %s, want settled", d.State)
	}
	for i, ok := range results {
		if !ok {
			t.Errorf("caller %d observed ok=false", i)
		}
	}
}

func TestScenarioARemoteWinsWithinTimeout(t *testing.T) {
	r := &fakeRemote{values: map[string]string{"--accent": "#ff0000"}}
	b := bus.NewMemoryBus()

	var broadcasts []bus.Message
	var mu sync.Mutex
	b.Subscribe("observer", func(m bus.Message) {
		mu.Lock()
		broadcasts = append(broadcasts, m)
		mu.Unlock()
	})

	tab := newTestTab(t, r, b, Options{})
	res := tab.engine.Restore(context.Background())

	if res.State != StateRemoteWon {
		t.Fatalf("state = %s, want remote-won", res.State)
	}
	if got := tab.engine.Value("--accent"); got != "#ff0000" {
		t.Errorf("--accent = %q, want #ff0000", got)
	}
	if got := tab.surface.Value("--accent"); got != "#ff0000" {
		t.Errorf("surface --accent = %q, want #ff0000", got)
	}
	if got := tab.store.Read()["--accent"]; got != "#ff0000" {
		t.Errorf("cache --accent = %q, want #ff0000", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(broadcasts) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(broadcasts))
	}
	if broadcasts[0].Key != "--accent" || broadcasts[0].Value != "#ff0000" {
		t.Errorf("broadcast = %+v", broadcasts[0])
	}
}

func TestScenarioBLateFetchStillUpdates(t *testing.T) {
	r := &fakeRemote{
		values:     map[string]string{"--accent": "#ff0000"},
		fetchDelay: 80 * time.Millisecond,
	}
	tab := newTestTab(t, r, bus.NewMemoryBus(), Options{FetchTimeout: 20 * time.Millisecond})

	res := tab.engine.Restore(context.Background())
	if res.State != StateTimeoutFallback {
		t.Fatalf("state = %s, want timeout-fallback", res.State)
	}
	// Settled on defaults.
	if got := tab.engine.Value("--accent"); got != vars.Defaults()["--accent"] {
		t.Errorf("settled --accent = %q, want default", got)
	}

	// The losing fetch must still land.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tab.engine.Value("--accent") == "#ff0000" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := tab.engine.Value("--accent"); got != "#ff0000" {
		t.Fatalf("late fetch never applied: --accent = %q", got)
	}
	if got := tab.store.Read()["--accent"]; got != "#ff0000" {
		t.Errorf("late fetch did not update cache: %q", got)
	}
	// Settle happened exactly once; the result is unchanged.
	if again := tab.engine.Restore(context.Background()); again.State != StateTimeoutFallback {
		t.Errorf("re-entrant Restore state = %s, want cached timeout-fallback", again.State)
	}
}

func TestScenarioCVersionMismatchAppliesDefaults(t *testing.T) {
	r := &fakeRemote{fetchDelay: time.Hour} // remote never answers in time
	tab := newTestTab(t, r, bus.NewMemoryBus(), Options{FetchTimeout: 20 * time.Millisecond})

	// A version-2.0 envelope must read as absent, never partially.
	tab.store.env = &cache.Envelope{
		Variables: map[string]string{"--accent": "#999999"},
		Timestamp: time.Now().UnixMilli(),
		Version:   "2.0",
		Source:    "old-build",
	}

	res := tab.engine.Restore(context.Background())
	if res.State != StateTimeoutFallback {
		t.Fatalf("state = %s, want timeout-fallback", res.State)
	}
	if res.Source != "defaults" {
		t.Errorf("source = %q, want defaults (stale envelope discarded wholesale)", res.Source)
	}
	if got := tab.engine.Value("--accent"); got != vars.Defaults()["--accent"] {
		t.Errorf("--accent = %q, want default, not the stale cached value", got)
	}
}

func TestScenarioENewerLocalWriteBeatsOlderBroadcast(t *testing.T) {
	r := &fakeRemote{values: map[string]string{}}
	b := bus.NewMemoryBus()
	tab := newTestTab(t, r, b, Options{})
	if _, err := tab.engine.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Tab B (this engine) writes --pad-x=2ch "now".
	if err := tab.engine.SetVariable(context.Background(), "--pad-x", "2ch"); err != nil {
		t.Fatalf("SetVariable: %v", err)
	}

	// Tab A's broadcast carries an older timestamp.
	b.Publish(bus.Message{
		Key:       "--pad-x",
		Value:     "9ch",
		Timestamp: time.Now().Add(-time.Minute).UnixMilli(),
		TabID:     "tab-a",
	})

	if got := tab.engine.Value("--pad-x"); got != "2ch" {
		t.Errorf("--pad-x = %q, want local 2ch to survive older broadcast", got)
	}

	// A genuinely newer broadcast wins.
	b.Publish(bus.Message{
		Key:       "--pad-x",
		Value:     "3ch",
		Timestamp: time.Now().Add(time.Minute).UnixMilli(),
		TabID:     "tab-a",
	})
	if got := tab.engine.Value("--pad-x"); got != "3ch" {
		t.Errorf("--pad-x = %q, want newer broadcast 3ch", got)
	}
	d := tab.engine.Diagnostics()
	for _, v := range d.Variables {
		if v.Name == "--pad-x" && v.Provenance != vars.ProvenanceBroadcast {
			t.Errorf("provenance = %s, want broadcast", v.Provenance)
		}
	}
}

func TestFetchFailureLeavesCacheUntouchedUntilRetrySucceeds(t *testing.T) {
	r := &fakeRemote{
		values:    map[string]string{"--accent": "#00ff00"},
		fetchErrs: []error{errors.New("connection refused")},
	}
	tab := newTestTab(t, r, bus.NewMemoryBus(), Options{})

	res := tab.engine.Restore(context.Background())
	if res.State != StateTimeoutFallback {
		t.Fatalf("state = %s, want timeout-fallback after fetch failure", res.State)
	}

	// Background retry (instant sleep in tests) should succeed and update.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tab.engine.Value("--accent") == "#00ff00" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := tab.engine.Value("--accent"); got != "#00ff00" {
		t.Fatalf("retry never landed: --accent = %q", got)
	}
	if got := tab.store.Read()["--accent"]; got != "#00ff00" {
		t.Errorf("cache after successful retry = %q, want #00ff00", got)
	}
}

func TestFallbackModeGatesWritesUntilRecovery(t *testing.T) {
	r := &fakeRemote{
		values:    map[string]string{"--accent": "#00ff00"},
		fetchErrs: []error{errors.New("down"), errors.New("down"), errors.New("down"), errors.New("down")},
		pingErr:   errors.New("down"),
	}
	tab := newTestTab(t, r, bus.NewMemoryBus(), Options{ProbeInterval: 5 * time.Millisecond})
	// Real (short) sleeps so retry and probe loops actually cycle.
	tab.engine.sleep = func(ctx context.Context, d time.Duration) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
			return nil
		}
	}

	if _, err := tab.engine.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !tab.engine.FallbackMode() {
		t.Fatal("engine should be in fallback mode: remote down, cache empty")
	}

	err := tab.engine.SetVariable(context.Background(), "--accent", "#123456")
	if !errors.Is(err, ErrFallbackMode) {
		t.Fatalf("SetVariable err = %v, want ErrFallbackMode", err)
	}
	if d := tab.engine.Diagnostics(); d.QueueDepth != 0 {
		t.Errorf("queue depth = %d, want 0 (rejected writes are never enqueued)", d.QueueDepth)
	}

	// Remote comes back; probe should lift fallback mode.
	r.mu.Lock()
	r.pingErr = nil
	r.fetchErrs = nil
	r.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && tab.engine.FallbackMode() {
		time.Sleep(5 * time.Millisecond)
	}
	if tab.engine.FallbackMode() {
		t.Fatal("fallback mode never lifted after remote recovery")
	}
	if err := tab.engine.SetVariable(context.Background(), "--accent", "#123456"); err != nil {
		t.Errorf("SetVariable after recovery: %v", err)
	}
}

func TestDiagnosticsReportCascadeBases(t *testing.T) {
	r := &fakeRemote{values: map[string]string{}}
	tab := newTestTab(t, r, bus.NewMemoryBus(), Options{})
	if err := tab.engine.resolver.RegisterDependency("--accent", "--accent-dim", cascade.Darken(0.25)); err != nil {
		t.Fatal(err)
	}
	if _, err := tab.engine.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	d := tab.engine.Diagnostics()
	found := false
	for _, base := range d.CascadeBases {
		if base == "--accent" {
			found = true
		}
	}
	if !found {
		t.Errorf("cascade bases = %v, want --accent listed", d.CascadeBases)
	}
	// The snapshot carries the full variable model, not a parallel copy.
	for _, v := range d.Variables {
		if v.Name == "--accent" && v.Provenance == "" {
			t.Errorf("--accent provenance missing from snapshot")
		}
	}
}

func TestCrossTabConvergenceOverMemoryBus(t *testing.T) {
	b := bus.NewMemoryBus()
	rA := &fakeRemote{values: map[string]string{}}
	rB := &fakeRemote{values: map[string]string{}}
	tabA := newTestTab(t, rA, b, Options{TabID: "tab-a"})
	tabB := newTestTab(t, rB, b, Options{TabID: "tab-b"})

	if _, err := tabA.engine.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := tabB.engine.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := tabA.engine.SetVariable(context.Background(), "--accent", "#fedcba"); err != nil {
		t.Fatalf("SetVariable: %v", err)
	}

	if got := tabB.engine.Value("--accent"); got != "#fedcba" {
		t.Errorf("tab B --accent = %q, want #fedcba (broadcast re-apply)", got)
	}
	// B re-applied without re-fetching.
	if got := rB.calls(); got != 1 {
		t.Errorf("tab B fetch calls = %d, want 1 (initialize only)", got)
	}
}
