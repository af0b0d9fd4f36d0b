package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openmined/themesync/internal/theme"
)

const DefaultPollInterval = 3 * time.Second

// FilterSource returns the ignore filter currently in effect.
type FilterSource func() *IgnoreFilter

// Poller keeps JSON assets converged with the remote theme. It compares every
// poll against the baseline, the remote checksums seen by the previous poll.
type Poller struct {
	reconciler *Reconciler
	gateway    RemoteGateway
	journal    *SyncJournal
	filter     FilterSource
	policy     *PollingPolicy
	interval   time.Duration

	afterPass func(*ReconcileResult)

	mu       sync.Mutex
	baseline map[string]string
	// generation changes whenever the baseline is edited outside a tick
	generation atomic.Uint64
	lastPoll   atomic.Pointer[time.Time]
	trigger    chan struct{}
}

type PollerOption func(*Poller)

func WithPollInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithJournal persists the baseline and poll history.
func WithJournal(j *SyncJournal) PollerOption {
	return func(p *Poller) {
		p.journal = j
	}
}

func WithFilter(f FilterSource) PollerOption {
	return func(p *Poller) {
		p.filter = f
	}
}

// WithNoDelete stops the poller from mirroring remote deletions.
func WithNoDelete(noDelete bool) PollerOption {
	return func(p *Poller) {
		p.policy.NoDelete = noDelete
	}
}

// WithAfterPass registers a callback run after every completed poll pass.
func WithAfterPass(fn func(*ReconcileResult)) PollerOption {
	return func(p *Poller) {
		p.afterPass = fn
	}
}

// NewPoller builds a poller and subscribes it to the passes of reconciler, so
// uploads and remote deletes made by other passes move the baseline too.
func NewPoller(reconciler *Reconciler, gateway RemoteGateway, opts ...PollerOption) *Poller {
	p := &Poller{
		reconciler: reconciler,
		gateway:    gateway,
		filter:     func() *IgnoreFilter { return nil },
		policy:     &PollingPolicy{},
		interval:   DefaultPollInterval,
		baseline:   make(map[string]string),
		trigger:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	reconciler.AddPassHook(p.observeResult)
	return p
}

func (p *Poller) observeResult(result *ReconcileResult) {
	if len(result.Uploaded) > 0 {
		p.Observe(result.Uploaded...)
	}
	if len(result.DeletedRemote) > 0 {
		p.Forget(result.DeletedRemote...)
	}
}

func (p *Poller) Interval() time.Duration {
	return p.interval
}

// LastPoll returns the time of the last completed poll, zero if none.
func (p *Poller) LastPoll() time.Time {
	if t := p.lastPoll.Load(); t != nil {
		return *t
	}
	return time.Time{}
}

// SetBaseline replaces the baseline with the JSON entries of checksums.
func (p *Poller) SetBaseline(checksums []theme.Checksum) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.baseline = theme.KeyIndex(theme.FilterJSON(checksums))
	p.generation.Add(1)
}

// Observe records remote checksums produced outside the poller, e.g. uploads.
func (p *Poller) Observe(checksums ...theme.Checksum) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range checksums {
		if theme.IsJSON(c.Key) {
			p.baseline[c.Key] = c.Checksum
		}
	}
	p.generation.Add(1)
}

// Forget drops keys from the baseline, e.g. after a remote delete.
func (p *Poller) Forget(keys ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, key := range keys {
		delete(p.baseline, key)
	}
	p.generation.Add(1)
}

func (p *Poller) baselineSnapshot() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := make(map[string]string, len(p.baseline))
	for k, v := range p.baseline {
		snap[k] = v
	}
	return snap
}

// Baseline returns the baseline sorted by key.
func (p *Poller) Baseline() []theme.Checksum {
	snap := p.baselineSnapshot()
	out := make([]theme.Checksum, 0, len(snap))
	for k, v := range snap {
		out = append(out, theme.Checksum{Key: k, Checksum: v})
	}
	sortChecksums(out)
	return out
}

// Prime sets the baseline from the current remote state.
func (p *Poller) Prime(ctx context.Context) error {
	latest, err := p.fetch(ctx)
	if err != nil {
		return err
	}
	p.SetBaseline(latest)
	return p.persist(latest, nil)
}

// PollNow asks a running loop to poll without waiting for the interval.
func (p *Poller) PollNow() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled or a conflict is found. Transient errors are
// logged and retried on the next tick. Returns nil on cancellation.
func (p *Poller) Run(ctx context.Context) error {
	slog.Info("sync poller start", "interval", p.interval)
	defer slog.Info("sync poller stopped")

	timer := time.NewTimer(p.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		case <-p.trigger:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		if _, err := p.Tick(ctx); err != nil {
			if errors.Is(err, ErrConflict) {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("sync poll failed", "error", err)
		}

		// schedule from completion so a slow tick delays the next one
		timer.Reset(p.interval)
	}
}

func (p *Poller) fetch(ctx context.Context) ([]theme.Checksum, error) {
	remote, err := p.gateway.ListChecksums(ctx, p.reconciler.ThemeID())
	if err != nil {
		return nil, fmt.Errorf("list remote checksums: %w", err)
	}
	return p.filter().Apply(theme.FilterJSON(remote)), nil
}

// Tick runs one poll. A *ConflictError is returned when a key changed on both
// sides since the previous poll; nothing is written in that case.
func (p *Poller) Tick(ctx context.Context) (*ReconcileResult, error) {
	gen := p.generation.Load()
	latest, err := p.fetch(ctx)
	if err != nil {
		return nil, err
	}

	var previous map[string]string
	var next []theme.Checksum
	stale := false
	// let an in-flight pass finish even when the engine is shutting down
	result, err := p.reconciler.PassAndCommit(context.WithoutCancel(ctx), func(ctx context.Context) (*Partition, error) {
		if p.generation.Load() != gen {
			// another pass uploaded since the listing was taken
			stale = true
			return &Partition{}, nil
		}
		previous = p.baselineSnapshot()
		safe, err := p.remoteOnlyChanges(latest, previous)
		if err != nil {
			return nil, err
		}
		return p.policy.Select(ctx, safe)
	}, func(result *ReconcileResult) {
		if stale {
			return
		}
		next = advanceBaseline(latest, previous, result)
		p.mu.Lock()
		p.baseline = theme.KeyIndex(next)
		p.mu.Unlock()
	})

	var conflict *ConflictError
	if errors.As(err, &conflict) {
		slog.Error("sync poll", "error", conflict)
		p.reconciler.Status().SetConflict(conflict.Key)
		if p.journal != nil {
			if jerr := p.journal.RecordConflict(p.reconciler.ThemeID(), conflict.Key, time.Now()); jerr != nil {
				slog.Warn("sync journal", "error", jerr)
			}
		}
		return nil, err
	} else if err != nil {
		return nil, err
	}
	if stale {
		slog.Debug("sync poll skipped", "reason", "stale listing")
		return result, nil
	}

	now := time.Now()
	p.lastPoll.Store(&now)
	if err := p.persist(next, result); err != nil {
		slog.Warn("sync journal", "error", err)
	}
	if p.afterPass != nil {
		p.afterPass(result)
	}
	return result, nil
}

// remoteOnlyChanges classifies the store against latest and keeps the keys
// that changed remotely while staying untouched locally. Runs under the pass lock.
func (p *Poller) remoteOnlyChanges(latest []theme.Checksum, previous map[string]string) (*Divergence, error) {
	store := p.reconciler.Store()
	local := p.filter().Apply(theme.FilterJSON(store.Checksums()))
	d := ClassifyJSON(local, latest)

	safe := &Divergence{}
	for _, c := range append(append([]theme.Checksum{}, d.OnlyRemote...), d.Conflicting...) {
		base, known := previous[c.Key]
		disk, changed, err := p.localState(c.Key, base, known)
		if err != nil {
			return nil, err
		}
		if disk == c.Checksum {
			continue
		}
		remoteChanged := !known || base != c.Checksum
		switch {
		case remoteChanged && changed:
			return nil, &ConflictError{Key: c.Key}
		case remoteChanged && disk == "":
			safe.OnlyRemote = append(safe.OnlyRemote, c)
		case remoteChanged:
			safe.Conflicting = append(safe.Conflicting, c)
		}
	}

	for _, c := range d.OnlyLocal {
		base, known := previous[c.Key]
		if !known {
			// never seen remotely, left to the upload path
			continue
		}
		_, changed, err := p.localState(c.Key, base, known)
		if err != nil {
			return nil, err
		}
		if changed {
			return nil, &ConflictError{Key: c.Key}
		}
		safe.OnlyLocal = append(safe.OnlyLocal, c)
	}
	return safe, nil
}

// localState reads the checksum of key from disk and reports whether it moved
// away from the baseline. Keys waiting for upload count as changed. The store
// entry is left alone so the local change pass still sees the edit.
func (p *Poller) localState(key, base string, known bool) (string, bool, error) {
	store := p.reconciler.Store()
	disk, _, err := store.DiskChecksum(key)
	if err != nil {
		return "", false, err
	}
	if !known {
		base = ""
	}
	return disk, disk != base || store.IsUnsynced(key), nil
}

// advanceBaseline moves to latest except for keys whose action failed, which
// keep their previous value so the next poll retries them.
func advanceBaseline(latest []theme.Checksum, previous map[string]string, result *ReconcileResult) []theme.Checksum {
	failed := make(map[string]bool)
	for _, e := range result.Errors {
		failed[e.Key] = true
	}

	next := make([]theme.Checksum, 0, len(latest))
	for _, c := range latest {
		if !failed[c.Key] {
			next = append(next, c)
		} else if base, ok := previous[c.Key]; ok {
			next = append(next, theme.Checksum{Key: c.Key, Checksum: base})
		}
	}
	latestIdx := theme.KeyIndex(latest)
	for key, base := range previous {
		if _, ok := latestIdx[key]; !ok && failed[key] {
			next = append(next, theme.Checksum{Key: key, Checksum: base})
		}
	}
	sortChecksums(next)
	return next
}

func sortChecksums(checksums []theme.Checksum) {
	sort.Slice(checksums, func(i, j int) bool { return checksums[i].Key < checksums[j].Key })
}

func (p *Poller) persist(baseline []theme.Checksum, result *ReconcileResult) error {
	if p.journal == nil {
		return nil
	}
	themeID := p.reconciler.ThemeID()
	if err := p.journal.SaveBaseline(themeID, baseline); err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	return p.journal.RecordPoll(themeID, time.Now(), result)
}
