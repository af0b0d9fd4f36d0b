package sync

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rjeczalik/notify"

	"github.com/openmined/themesync/internal/theme"
)

const (
	DefaultIgnoreTimeout   = 5 * time.Second
	defaultIgnoreSize      = 4096
	eventBufferSize        = 64
	defaultDebounceTimeout = 500 * time.Millisecond
	defaultCreateGrace     = 5 * time.Second
)

// FilterCallback returns true if the key should be dropped before debouncing.
type FilterCallback func(key string) bool

// WatchEventKind names a normalized watcher event.
type WatchEventKind string

const (
	EventUnitChanged   WatchEventKind = "unit-changed"
	EventUnitCreated   WatchEventKind = "unit-created"
	EventUnitDeleted   WatchEventKind = "unit-deleted"
	EventConfigUpdated WatchEventKind = "config-updated"
)

type ChangeOp string

const (
	ChangeAdded    ChangeOp = "added"
	ChangeModified ChangeOp = "modified"
	ChangeRemoved  ChangeOp = "removed"
)

type FileChange struct {
	Key string
	Op  ChangeOp
}

// WatchEvent is one flushed unit. Changes is empty for deleted units and config updates.
type WatchEvent struct {
	Kind    WatchEventKind
	Unit    string
	Changes []FileChange
}

// Keys returns the changed keys.
func (e WatchEvent) Keys() []string {
	keys := make([]string, len(e.Changes))
	for i, c := range e.Changes {
		keys[i] = c.Key
	}
	return keys
}

type unitState int

const (
	unitIdle unitState = iota
	unitPending
	unitFlushed
)

func (s unitState) String() string {
	switch s {
	case unitPending:
		return "pending"
	case unitFlushed:
		return "flushed"
	default:
		return "idle"
	}
}

type unitSignal int

const (
	signalEvent unitSignal = iota
	signalExpired
	signalDelivered
)

// nextUnitState is the transition function of a watched unit.
func nextUnitState(s unitState, sig unitSignal) unitState {
	switch sig {
	case signalEvent:
		return unitPending
	case signalExpired:
		if s == unitPending {
			return unitFlushed
		}
		return s
	case signalDelivered:
		if s == unitFlushed {
			return unitIdle
		}
		return s
	}
	return s
}

type watchedUnit struct {
	name    string
	state   unitState
	timer   *time.Timer
	created bool
	changes map[string]ChangeOp
}

// FileWatcher debounces filesystem events per top-level theme directory and
// emits one WatchEvent per burst.
type FileWatcher struct {
	root      string
	events    chan WatchEvent
	rawEvents chan notify.EventInfo
	ignore    *expirable.LRU[string, struct{}]
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	debounceTimeout time.Duration
	createGrace     time.Duration

	mu      sync.Mutex
	units   map[string]*watchedUnit
	closed  bool
	flushWg sync.WaitGroup

	ignoreCallback FilterCallback
	callbackMu     sync.RWMutex
}

func NewFileWatcher(root string) *FileWatcher {
	return &FileWatcher{
		root:            root,
		events:          make(chan WatchEvent, eventBufferSize),
		ignore:          expirable.NewLRU[string, struct{}](defaultIgnoreSize, nil, DefaultIgnoreTimeout),
		done:            make(chan struct{}),
		debounceTimeout: defaultDebounceTimeout,
		createGrace:     defaultCreateGrace,
		units:           make(map[string]*watchedUnit),
	}
}

func (fw *FileWatcher) SetDebounceTimeout(timeout time.Duration) {
	fw.debounceTimeout = timeout
}

// SetCreateGrace sets how long a newly created unit stays quiet before it is reported.
func (fw *FileWatcher) SetCreateGrace(grace time.Duration) {
	fw.createGrace = grace
}

// FilterPaths sets a callback to drop keys before debouncing.
func (fw *FileWatcher) FilterPaths(callback FilterCallback) {
	fw.callbackMu.Lock()
	defer fw.callbackMu.Unlock()
	fw.ignoreCallback = callback
}

func (fw *FileWatcher) filtered(key string) bool {
	fw.callbackMu.RLock()
	defer fw.callbackMu.RUnlock()
	return fw.ignoreCallback != nil && fw.ignoreCallback(key)
}

// IgnoreOnce suppresses the next flushed change of key, e.g. a write made by the reconciler.
func (fw *FileWatcher) IgnoreOnce(key string) {
	fw.ignore.Add(key, struct{}{})
}

func (fw *FileWatcher) consumeIgnore(key string) bool {
	if _, ok := fw.ignore.Get(key); ok {
		fw.ignore.Remove(key)
		return true
	}
	return false
}

func (fw *FileWatcher) Events() <-chan WatchEvent {
	return fw.events
}

// Units returns the tracked unit names.
func (fw *FileWatcher) Units() []string {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	names := make([]string, 0, len(fw.units))
	for name := range fw.units {
		if name != theme.IgnoreFileName {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (fw *FileWatcher) Start(ctx context.Context) error {
	slog.Info("file watcher start", "dir", fw.root)
	fw.Remount()

	fw.rawEvents = make(chan notify.EventInfo, eventBufferSize)
	if err := notify.Watch(fw.root+"/...", fw.rawEvents, notify.All); err != nil {
		return err
	}

	fw.wg.Add(1)
	go fw.readEvents(ctx)
	return nil
}

// Stop ends watching. Pending changes are dropped, not flushed.
func (fw *FileWatcher) Stop() {
	fw.stopOnce.Do(func() {
		slog.Info("file watcher stopping")
		close(fw.done)
		if fw.rawEvents != nil {
			notify.Stop(fw.rawEvents)
		}
		fw.wg.Wait()

		fw.mu.Lock()
		fw.closed = true
		for _, u := range fw.units {
			if u.timer != nil {
				u.timer.Stop()
			}
			u.changes = nil
			u.state = unitIdle
		}
		fw.mu.Unlock()

		fw.flushWg.Wait()
		close(fw.events)
		slog.Info("file watcher stopped")
	})
}

// Remount re-reads the set of units from disk. Known units keep their state.
func (fw *FileWatcher) Remount() {
	entries, err := os.ReadDir(fw.root)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("file watcher remount", "dir", fw.root, "error", err)
	}

	present := make(map[string]bool)
	for _, e := range entries {
		if e.IsDir() && theme.IsUnit(e.Name()) {
			present[e.Name()] = true
		}
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()

	for name := range present {
		if _, ok := fw.units[name]; !ok {
			fw.units[name] = &watchedUnit{name: name}
		}
	}
	for name, u := range fw.units {
		if name != theme.IgnoreFileName && !present[name] && u.state == unitIdle {
			delete(fw.units, name)
		}
	}
	slog.Debug("file watcher remount", "units", len(present))
}

func (fw *FileWatcher) readEvents(ctx context.Context) {
	defer fw.wg.Done()
	for {
		select {
		case <-ctx.Done():
			go fw.Stop()
			return
		case <-fw.done:
			return
		case ei, ok := <-fw.rawEvents:
			if !ok {
				return
			}
			fw.handleRawEvent(ei.Path(), ei.Event())
		}
	}
}

// handleRawEvent routes one filesystem event to the debouncer of its unit.
func (fw *FileWatcher) handleRawEvent(absPath string, ev notify.Event) {
	rel, err := filepath.Rel(fw.root, absPath)
	if err != nil || rel == "." || !filepath.IsLocal(rel) {
		return
	}
	key := filepath.ToSlash(rel)

	if key == theme.IgnoreFileName {
		fw.touch(theme.IgnoreFileName, "", ev, false)
		return
	}

	name, _, nested := strings.Cut(key, "/")
	// filters select files, a unit directory event always goes through
	if nested && fw.filtered(key) {
		return
	}

	fw.mu.Lock()
	_, tracked := fw.units[name]
	fw.mu.Unlock()

	switch {
	case tracked && nested:
		fw.touch(name, key, ev, false)
	case tracked:
		// the unit directory itself, flush decides if it is gone
		fw.touch(name, "", ev, false)
	case !nested && ev&(notify.Create|notify.Rename) != 0 && theme.IsUnit(name) && fw.isDir(key):
		fw.touch(name, "", ev, true)
	default:
		slog.Debug("file watcher discard", "key", key, "event", ev)
	}
}

func (fw *FileWatcher) isDir(key string) bool {
	info, err := os.Stat(filepath.Join(fw.root, filepath.FromSlash(key)))
	return err == nil && info.IsDir()
}

// touch records a change and restarts the debounce timer of the unit.
func (fw *FileWatcher) touch(name, key string, ev notify.Event, created bool) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.closed {
		return
	}

	u, ok := fw.units[name]
	if !ok {
		u = &watchedUnit{name: name}
		fw.units[name] = u
	}
	if created {
		u.created = true
	}
	if key != "" {
		if u.changes == nil {
			u.changes = make(map[string]ChangeOp)
		}
		// keep the first op of a burst so a create followed by writes stays an add
		if _, seen := u.changes[key]; !seen {
			u.changes[key] = changeOp(ev)
		}
	}

	u.state = nextUnitState(u.state, signalEvent)
	delay := fw.debounceTimeout
	if u.created {
		delay = fw.createGrace
	}
	if u.timer != nil {
		u.timer.Stop()
	}
	u.timer = time.AfterFunc(delay, func() {
		fw.flush(name)
	})
}

func changeOp(ev notify.Event) ChangeOp {
	switch {
	case ev&notify.Create != 0:
		return ChangeAdded
	case ev&(notify.Remove|notify.Rename) != 0:
		return ChangeRemoved
	default:
		return ChangeModified
	}
}

// flush emits the pending changes of a unit once its timer expired.
func (fw *FileWatcher) flush(name string) {
	fw.mu.Lock()
	u, ok := fw.units[name]
	if fw.closed || !ok {
		fw.mu.Unlock()
		return
	}
	u.state = nextUnitState(u.state, signalExpired)
	if u.state != unitFlushed {
		fw.mu.Unlock()
		return
	}
	changes := u.changes
	created := u.created
	u.changes = nil
	u.created = false
	u.timer = nil
	fw.flushWg.Add(1)
	fw.mu.Unlock()
	defer fw.flushWg.Done()

	event, emit := fw.buildEvent(name, created, changes)
	if event.Kind == EventUnitDeleted {
		fw.mu.Lock()
		delete(fw.units, name)
		fw.mu.Unlock()
	} else {
		fw.mu.Lock()
		u.state = nextUnitState(u.state, signalDelivered)
		fw.mu.Unlock()
	}
	if !emit {
		return
	}

	select {
	case fw.events <- event:
		slog.Debug("file watcher", "kind", event.Kind, "unit", name, "changes", len(event.Changes))
	case <-fw.done:
	}
}

func (fw *FileWatcher) buildEvent(name string, created bool, changes map[string]ChangeOp) (WatchEvent, bool) {
	if name == theme.IgnoreFileName {
		return WatchEvent{Kind: EventConfigUpdated, Unit: name}, true
	}

	if !fw.isDir(name) {
		return WatchEvent{Kind: EventUnitDeleted, Unit: name}, true
	}

	if created {
		files := fw.listUnit(name)
		out := make([]FileChange, 0, len(files))
		for _, key := range files {
			fw.consumeIgnore(key)
			out = append(out, FileChange{Key: key, Op: ChangeAdded})
		}
		return WatchEvent{Kind: EventUnitCreated, Unit: name, Changes: out}, true
	}

	out := make([]FileChange, 0, len(changes))
	for key, op := range changes {
		if fw.consumeIgnore(key) {
			continue
		}
		info, err := os.Stat(filepath.Join(fw.root, filepath.FromSlash(key)))
		switch {
		case err != nil:
			op = ChangeRemoved
		case info.IsDir():
			continue
		case op == ChangeRemoved:
			// removed then recreated within the window
			op = ChangeModified
		}
		out = append(out, FileChange{Key: key, Op: op})
	}
	if len(out) == 0 {
		return WatchEvent{}, false
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return WatchEvent{Kind: EventUnitChanged, Unit: name, Changes: out}, true
}

func (fw *FileWatcher) listUnit(name string) []string {
	var keys []string
	dir := filepath.Join(fw.root, name)
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(fw.root, p)
		if err != nil {
			return nil
		}
		key := filepath.ToSlash(rel)
		if !fw.filtered(key) {
			keys = append(keys, key)
		}
		return nil
	})
	sort.Strings(keys)
	return keys
}
