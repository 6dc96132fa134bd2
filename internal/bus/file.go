package bus

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileBus is the fallback transport: each publish replaces one broadcast
// record file; sibling processes observe the mutation via fsnotify. Only the
// latest message is visible, which is enough under last-write-wins.
type FileBus struct {
	path    string
	watcher *fsnotify.Watcher
	log     *slog.Logger

	mu       sync.Mutex
	nextID   int
	subs     map[int]subscriber
	lastSeen Message

	done chan struct{}
}

// NewFileBus watches (creating if needed) the broadcast file at path.
func NewFileBus(path string, log *slog.Logger) (*FileBus, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: rename-based writes replace the
	// inode and would silently detach a file watch.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, err
	}
	b := &FileBus{
		path:    path,
		watcher: w,
		log:     log,
		subs:    make(map[int]subscriber),
		done:    make(chan struct{}),
	}
	go b.watch()
	return b, nil
}

// Publish implements Bus: atomically replace the broadcast record.
func (b *FileBus) Publish(msg Message) {
	raw, err := json.Marshal(msg)
	if err != nil {
		b.log.Warn("bus: marshal failed", "error", err)
		return
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		b.log.Warn("bus: publish failed", "error", err)
		return
	}
	if err := os.Rename(tmp, b.path); err != nil {
		b.log.Warn("bus: publish failed", "error", err)
	}
}

// Subscribe implements Bus.
func (b *FileBus) Subscribe(tabID string, h Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = subscriber{tabID: tabID, h: h}
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Close implements Bus.
func (b *FileBus) Close() error {
	select {
	case <-b.done:
		return nil
	default:
	}
	close(b.done)
	return b.watcher.Close()
}

func (b *FileBus) watch() {
	for {
		select {
		case <-b.done:
			return
		case ev, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != b.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			b.dispatch()
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.log.Warn("bus: watcher error", "error", err)
		}
	}
}

// dispatch reads the current record and fans it out. Duplicate filesystem
// events for one publish are deduplicated against the last message seen.
func (b *FileBus) dispatch() {
	raw, err := os.ReadFile(b.path)
	if err != nil {
		return
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		b.log.Debug("bus: ignoring malformed broadcast record", "error", err)
		return
	}

	b.mu.Lock()
	if msg == b.lastSeen {
		b.mu.Unlock()
		return
	}
	b.lastSeen = msg
	targets := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if s.tabID != msg.TabID {
			targets = append(targets, s.h)
		}
	}
	b.mu.Unlock()

	for _, h := range targets {
		h(msg)
	}
}
