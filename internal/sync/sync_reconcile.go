package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openmined/themesync/internal/queue"
	"github.com/openmined/themesync/internal/theme"
	"github.com/openmined/themesync/internal/themefs"
)

const defaultActionConcurrency = 8

// PlanFunc computes the partition of a pass while the writer lock is held.
type PlanFunc func(ctx context.Context) (*Partition, error)

// MutationHook is called right before the reconciler touches a local file.
type MutationHook func(op Op, key string)

// PassHook is called with the result of every pass, still under the writer lock.
type PassHook func(result *ReconcileResult)

// ReconcileResult reports what a pass did. A pass with errors may still have
// completed some of its actions.
type ReconcileResult struct {
	Downloaded    []string
	DeletedLocal  []string
	DeletedRemote []string
	Uploaded      []theme.Checksum
	Errors        []*ActionError
	Duration      time.Duration

	mu sync.Mutex
}

// DidMutate reports whether the asset store changed structurally.
func (r *ReconcileResult) DidMutate() bool {
	return len(r.Downloaded) > 0 || len(r.DeletedLocal) > 0
}

// Partial reports whether some actions succeeded and some failed.
func (r *ReconcileResult) Partial() bool {
	return len(r.Errors) > 0 && r.Succeeded() > 0
}

func (r *ReconcileResult) Succeeded() int {
	return len(r.Downloaded) + len(r.DeletedLocal) + len(r.DeletedRemote) + len(r.Uploaded)
}

// Err joins the action errors, nil when every action succeeded.
func (r *ReconcileResult) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	errs := make([]error, len(r.Errors))
	for i, e := range r.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

// FailedKeys returns the keys of failed actions for op.
func (r *ReconcileResult) FailedKeys(op Op) []string {
	var keys []string
	for _, e := range r.Errors {
		if e.Op == op {
			keys = append(keys, e.Key)
		}
	}
	return keys
}

func (r *ReconcileResult) record(op Op, key string, remote *theme.Checksum, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err != nil {
		r.Errors = append(r.Errors, &ActionError{Op: op, Key: key, Err: err})
		return
	}
	switch op {
	case OpDownload:
		r.Downloaded = append(r.Downloaded, key)
	case OpDeleteLocal:
		r.DeletedLocal = append(r.DeletedLocal, key)
	case OpDeleteRemote:
		r.DeletedRemote = append(r.DeletedRemote, key)
	case OpUpload:
		r.Uploaded = append(r.Uploaded, *remote)
	}
}

func (r *ReconcileResult) sort() {
	sort.Strings(r.Downloaded)
	sort.Strings(r.DeletedLocal)
	sort.Strings(r.DeletedRemote)
	sort.Slice(r.Uploaded, func(i, j int) bool { return r.Uploaded[i].Key < r.Uploaded[j].Key })
	sort.Slice(r.Errors, func(i, j int) bool { return r.Errors[i].Key < r.Errors[j].Key })
}

// Reconciler is the only writer of the asset store and the remote theme.
// Passes are serialized.
type Reconciler struct {
	store       *themefs.ThemeFS
	gateway     RemoteGateway
	themeID     string
	status      *SyncStatus
	concurrency int
	hooks       []MutationHook
	passHooks   []PassHook

	passMu sync.Mutex
}

type ReconcilerOption func(*Reconciler)

func WithConcurrency(n int) ReconcilerOption {
	return func(r *Reconciler) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

func WithSyncStatus(status *SyncStatus) ReconcilerOption {
	return func(r *Reconciler) {
		r.status = status
	}
}

// WithMutationHook registers a hook run before each local write or delete.
func WithMutationHook(hook MutationHook) ReconcilerOption {
	return func(r *Reconciler) {
		r.hooks = append(r.hooks, hook)
	}
}

func NewReconciler(store *themefs.ThemeFS, gateway RemoteGateway, themeID string, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		store:       store,
		gateway:     gateway,
		themeID:     themeID,
		status:      NewSyncStatus(),
		concurrency: defaultActionConcurrency,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reconciler) Store() *themefs.ThemeFS {
	return r.store
}

func (r *Reconciler) Status() *SyncStatus {
	return r.status
}

func (r *Reconciler) ThemeID() string {
	return r.themeID
}

// AddMutationHook registers a hook after construction.
// It must not be called while a pass runs.
func (r *Reconciler) AddMutationHook(hook MutationHook) {
	r.passMu.Lock()
	defer r.passMu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// AddPassHook registers a hook run at the end of every pass.
func (r *Reconciler) AddPassHook(hook PassHook) {
	r.passMu.Lock()
	defer r.passMu.Unlock()
	r.passHooks = append(r.passHooks, hook)
}

// Reconcile executes a partition as one pass.
func (r *Reconciler) Reconcile(ctx context.Context, p *Partition) *ReconcileResult {
	r.passMu.Lock()
	defer r.passMu.Unlock()
	return r.finish(r.execute(ctx, p))
}

// Pass runs plan and executes its partition without letting another pass in
// between. A plan error aborts the pass before any action runs.
func (r *Reconciler) Pass(ctx context.Context, plan PlanFunc) (*ReconcileResult, error) {
	return r.PassAndCommit(ctx, plan, nil)
}

// PassAndCommit is Pass with a commit step run on the result before the
// writer lock is released.
func (r *Reconciler) PassAndCommit(ctx context.Context, plan PlanFunc, commit PassHook) (*ReconcileResult, error) {
	r.passMu.Lock()
	defer r.passMu.Unlock()

	p, err := plan(ctx)
	if err != nil {
		return nil, err
	}
	result := r.finish(r.execute(ctx, p))
	if commit != nil {
		commit(result)
	}
	return result, nil
}

// TryPass is Pass without waiting, returning ErrPassInProgress when busy.
func (r *Reconciler) TryPass(ctx context.Context, plan PlanFunc) (*ReconcileResult, error) {
	if !r.passMu.TryLock() {
		return nil, ErrPassInProgress
	}
	defer r.passMu.Unlock()

	p, err := plan(ctx)
	if err != nil {
		return nil, err
	}
	return r.finish(r.execute(ctx, p)), nil
}

// execute runs every action of the partition concurrently. A failed action
// never cancels its siblings.
func (r *Reconciler) execute(ctx context.Context, p *Partition) *ReconcileResult {
	result := &ReconcileResult{}
	if p == nil || p.Empty() {
		return result
	}

	start := time.Now()
	var g errgroup.Group
	g.SetLimit(r.concurrency)

	downloads := queue.NewPriorityQueueFrom(p.Download, func(c theme.Checksum) int {
		return theme.TransferPriority(c.Key)
	})
	uploads := queue.NewPriorityQueueFrom(p.Upload, func(c theme.Checksum) int {
		return theme.TransferPriority(c.Key)
	})

	for _, c := range p.DeleteLocal {
		g.Go(func() error {
			r.run(result, OpDeleteLocal, c.Key, func() (*theme.Checksum, error) {
				return nil, r.deleteLocal(c.Key)
			})
			return nil
		})
	}
	for _, c := range p.DeleteRemote {
		g.Go(func() error {
			r.run(result, OpDeleteRemote, c.Key, func() (*theme.Checksum, error) {
				return nil, r.gateway.DeleteAsset(ctx, r.themeID, c.Key)
			})
			return nil
		})
	}
	for _, c := range downloads.DequeueAll() {
		g.Go(func() error {
			r.run(result, OpDownload, c.Key, func() (*theme.Checksum, error) {
				return nil, r.download(ctx, c)
			})
			return nil
		})
	}
	for _, c := range uploads.DequeueAll() {
		g.Go(func() error {
			r.run(result, OpUpload, c.Key, func() (*theme.Checksum, error) {
				return r.upload(ctx, c.Key)
			})
			return nil
		})
	}

	_ = g.Wait()
	result.Duration = time.Since(start)
	result.sort()

	slog.Info("sync pass",
		"downloaded", len(result.Downloaded),
		"uploaded", len(result.Uploaded),
		"deletedLocal", len(result.DeletedLocal),
		"deletedRemote", len(result.DeletedRemote),
		"errors", len(result.Errors),
		"took", result.Duration,
	)
	return result
}

func (r *Reconciler) finish(result *ReconcileResult) *ReconcileResult {
	for _, hook := range r.passHooks {
		hook(result)
	}
	return result
}

func (r *Reconciler) run(result *ReconcileResult, op Op, key string, action func() (*theme.Checksum, error)) {
	r.status.SetSyncing(key, op)
	remote, err := action()
	result.record(op, key, remote, err)
	if err != nil {
		slog.Error("sync", "op", op, "key", key, "error", err)
		r.status.SetError(key, err)
		return
	}
	slog.Debug("sync", "op", op, "key", key)
	r.status.SetCompleted(key)
}

func (r *Reconciler) notify(op Op, key string) {
	for _, hook := range r.hooks {
		hook(op, key)
	}
}

func (r *Reconciler) deleteLocal(key string) error {
	r.notify(OpDeleteLocal, key)
	return r.store.Delete(key)
}

func (r *Reconciler) download(ctx context.Context, c theme.Checksum) error {
	asset, err := r.gateway.FetchAsset(ctx, r.themeID, c.Key)
	if err != nil {
		return err
	}
	if asset == nil {
		return ErrRemoteMissing
	}
	if asset.Key == "" {
		asset.Key = c.Key
	}
	if asset.Checksum == "" {
		asset.Checksum = c.Checksum
	}

	r.notify(OpDownload, c.Key)
	if err := r.store.Write(asset); err != nil {
		return err
	}
	r.store.MarkSynced(c.Key)
	return nil
}

func (r *Reconciler) upload(ctx context.Context, key string) (*theme.Checksum, error) {
	asset, err := r.store.Read(key)
	if err != nil {
		return nil, err
	}
	if asset == nil {
		return nil, ErrLocalMissing
	}

	r.store.MarkUnsynced(key)
	remote, err := r.gateway.UploadAsset(ctx, r.themeID, asset)
	if err != nil {
		return nil, err
	}
	if remote == nil {
		remote = &theme.Checksum{Key: key, Checksum: asset.Checksum}
	}
	r.store.MarkSynced(key)
	return remote, nil
}

// ApplyLocalChanges refreshes the given keys from disk and pushes the
// difference to the remote theme as one pass. Keys rejected by filter are
// refreshed but not pushed. Removed keys are deleted remotely unless noDelete.
func (r *Reconciler) ApplyLocalChanges(ctx context.Context, keys []string, filter *IgnoreFilter, noDelete bool) (*ReconcileResult, error) {
	return r.Pass(ctx, func(ctx context.Context) (*Partition, error) {
		p := &Partition{}
		for _, key := range keys {
			if !r.store.Eligible(key) {
				continue
			}
			before, existed := r.store.Get(key)
			after, err := r.store.Refresh(key)
			if err != nil {
				return nil, fmt.Errorf("local change %s: %w", key, err)
			}
			if filter.Ignored(key) {
				continue
			}

			switch {
			case after == nil && existed:
				r.store.MarkSynced(key)
				if !noDelete {
					p.DeleteRemote = append(p.DeleteRemote, before.ChecksumEntry())
				}
			case after != nil && (!existed || before.Checksum != after.Checksum || r.store.IsUnsynced(key)):
				r.store.MarkUnsynced(key)
				p.Upload = append(p.Upload, after.ChecksumEntry())
			}
		}
		return p, nil
	})
}
