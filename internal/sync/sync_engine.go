package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openmined/themesync/internal/theme"
	"github.com/openmined/themesync/internal/themefs"
)

var ErrEngineRunning = errors.New("sync engine already running")

type EngineConfig struct {
	ThemeID      string
	Only         []string
	Ignore       []string
	NoDelete     bool
	PollInterval time.Duration
	Concurrency  int
	// Selector resolves the initial reconciliation. Nil skips it.
	Selector StrategySelector
	Journal  *SyncJournal

	DebounceTimeout time.Duration
	CreateGrace     time.Duration
}

// SyncEngine runs the watcher and the poller of one theme root against one
// remote theme. All passes go through a single Reconciler.
type SyncEngine struct {
	cfg        EngineConfig
	store      *themefs.ThemeFS
	gateway    RemoteGateway
	filter     atomic.Pointer[IgnoreFilter]
	reconciler *Reconciler
	watcher    *FileWatcher
	poller     *Poller
	running    atomic.Bool
}

func NewSyncEngine(store *themefs.ThemeFS, gateway RemoteGateway, cfg EngineConfig) (*SyncEngine, error) {
	if cfg.ThemeID == "" {
		return nil, errors.New("theme id is required")
	}

	se := &SyncEngine{
		cfg:     cfg,
		store:   store,
		gateway: gateway,
		watcher: NewFileWatcher(store.Root()),
	}
	if err := se.reloadFilter(); err != nil {
		return nil, err
	}

	if cfg.DebounceTimeout > 0 {
		se.watcher.SetDebounceTimeout(cfg.DebounceTimeout)
	}
	if cfg.CreateGrace > 0 {
		se.watcher.SetCreateGrace(cfg.CreateGrace)
	}
	se.watcher.FilterPaths(func(key string) bool {
		return se.Filter().Ignored(key)
	})

	se.reconciler = NewReconciler(store, gateway, cfg.ThemeID,
		WithConcurrency(cfg.Concurrency),
		WithMutationHook(func(op Op, key string) {
			// our own writes must not come back as local edits
			se.watcher.IgnoreOnce(key)
		}),
	)

	se.poller = NewPoller(se.reconciler, gateway,
		WithPollInterval(cfg.PollInterval),
		WithFilter(se.Filter),
		WithNoDelete(cfg.NoDelete),
		WithJournal(cfg.Journal),
		WithAfterPass(se.afterPass),
	)
	return se, nil
}

func (se *SyncEngine) Filter() *IgnoreFilter {
	return se.filter.Load()
}

func (se *SyncEngine) reloadFilter() error {
	lines, err := ReadIgnoreFile(se.store.Root())
	if err != nil {
		return fmt.Errorf("read ignore file: %w", err)
	}
	se.filter.Store(NewIgnoreFilter(lines, se.cfg.Only, se.cfg.Ignore))
	return nil
}

func (se *SyncEngine) ThemeID() string {
	return se.cfg.ThemeID
}

func (se *SyncEngine) Root() string {
	return se.store.Root()
}

func (se *SyncEngine) Store() *themefs.ThemeFS {
	return se.store
}

func (se *SyncEngine) Reconciler() *Reconciler {
	return se.reconciler
}

func (se *SyncEngine) SyncStatus() *SyncStatus {
	return se.reconciler.Status()
}

func (se *SyncEngine) Poller() *Poller {
	return se.poller
}

func (se *SyncEngine) Watcher() *FileWatcher {
	return se.watcher
}

func (se *SyncEngine) Running() bool {
	return se.running.Load()
}

// PollNow triggers a poll on a running engine.
func (se *SyncEngine) PollNow() {
	se.poller.PollNow()
}

// InitialReconcile classifies the whole theme and resolves it with the
// configured selector.
func (se *SyncEngine) InitialReconcile(ctx context.Context) (*ReconcileResult, error) {
	remote, err := se.gateway.ListChecksums(ctx, se.cfg.ThemeID)
	if err != nil {
		return nil, fmt.Errorf("list remote checksums: %w", err)
	}

	result, err := se.reconciler.Pass(ctx, func(ctx context.Context) (*Partition, error) {
		filter := se.Filter()
		d := Classify(filter.Apply(se.store.Checksums()), filter.Apply(remote))
		if d.Empty() {
			return &Partition{}, nil
		}
		slog.Info("sync divergence",
			"onlyLocal", len(d.OnlyLocal),
			"onlyRemote", len(d.OnlyRemote),
			"conflicting", len(d.Conflicting),
		)
		return se.cfg.Selector.Select(ctx, d)
	})
	if err != nil {
		return nil, err
	}

	if se.cfg.Journal != nil && result.Err() == nil {
		if err := se.cfg.Journal.ClearConflicts(se.cfg.ThemeID); err != nil {
			slog.Warn("sync journal", "error", err)
		}
	}
	return result, nil
}

// Run reconciles once, then watches and polls until ctx is cancelled or the
// poller hits a conflict. It returns nil on cancellation.
func (se *SyncEngine) Run(ctx context.Context) error {
	if !se.running.CompareAndSwap(false, true) {
		return ErrEngineRunning
	}
	defer se.running.Store(false)

	slog.Info("sync engine start", "root", se.store.Root(), "theme", se.cfg.ThemeID)

	if se.cfg.Selector != nil {
		result, err := se.InitialReconcile(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("initial reconcile: %w", err)
		}
		if result.Partial() {
			slog.Warn("initial reconcile partially failed", "error", result.Err())
		}
	}

	if err := se.poller.Prime(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("prime poller: %w", err)
	}

	if err := se.watcher.Start(ctx); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer se.watcher.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return se.poller.Run(gctx)
	})
	g.Go(func() error {
		se.handleWatcherEvents(gctx)
		return nil
	})

	err := g.Wait()
	slog.Info("sync engine stopped")
	return err
}

func (se *SyncEngine) handleWatcherEvents(ctx context.Context) {
	events := se.watcher.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			// a pass started before cancellation is allowed to finish
			se.HandleWatchEvent(context.WithoutCancel(ctx), event)
		}
	}
}

// HandleWatchEvent applies one debounced watcher event.
func (se *SyncEngine) HandleWatchEvent(ctx context.Context, event WatchEvent) {
	slog.Debug("sync watch event", "kind", event.Kind, "unit", event.Unit, "changes", len(event.Changes))

	var keys []string
	switch event.Kind {
	case EventConfigUpdated:
		if err := se.reloadFilter(); err != nil {
			slog.Error("sync ignore reload", "error", err)
		}
		return
	case EventUnitDeleted:
		keys = se.store.KeysWithPrefix(event.Unit)
	default:
		keys = event.Keys()
	}
	if len(keys) == 0 {
		return
	}

	result, err := se.reconciler.ApplyLocalChanges(ctx, keys, se.Filter(), se.cfg.NoDelete)
	if err != nil {
		slog.Error("sync local changes", "unit", event.Unit, "error", err)
		return
	}
	if result.Partial() {
		slog.Warn("sync local changes partially failed", "unit", event.Unit, "error", result.Err())
	}
	se.afterPass(result)
}

func (se *SyncEngine) afterPass(result *ReconcileResult) {
	if result.DidMutate() {
		se.watcher.Remount()
	}
}

// Checksums returns the store snapshot restricted by the current filter.
func (se *SyncEngine) Checksums() []theme.Checksum {
	return se.Filter().Apply(se.store.Checksums())
}

// Unsynced returns the keys changed locally and not uploaded yet.
func (se *SyncEngine) Unsynced() []string {
	return se.store.Unsynced()
}

func (se *SyncEngine) LastPoll() time.Time {
	return se.poller.LastPoll()
}

func (se *SyncEngine) PollInterval() time.Duration {
	return se.poller.Interval()
}
