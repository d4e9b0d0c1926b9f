// Package reload sequences preview rebuilds. Given a new set of generated
// files it either patches the running preview in place (the fast path) or
// stops, cleans, remounts, reinstalls and restarts it (the full path).
//
// Every call takes a new epoch. A call whose epoch has been superseded is
// stale: it stops at the next boundary and reports Outcome.Stale without
// touching the store or the dev server.
package reload

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grovetools/preview/errors"
	"github.com/grovetools/preview/pkg/backend"
	"github.com/grovetools/preview/pkg/batcher"
	"github.com/grovetools/preview/pkg/filetree"
	"github.com/grovetools/preview/pkg/fsstore"
	"github.com/grovetools/preview/pkg/kit"
	"github.com/grovetools/preview/pkg/metrics"
	"github.com/grovetools/preview/pkg/progress"
	"github.com/grovetools/preview/pkg/project"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Paths taken by a reload.
const (
	PathFast = "fast"
	PathFull = "full"
)

// maxBinaryWriters bounds concurrent binary file writes.
const maxBinaryWriters = 4

// Options tune one ReloadPreview call.
type Options struct {
	// BaseTemplateOverride replaces the stored base template and forces a
	// full clean. KitID names where it came from.
	BaseTemplateOverride filetree.Tree
	KitID                string
	// SkipStop leaves a running dev server alone on the full path.
	SkipStop bool
	// Full skips the fast path.
	Full bool
	// ProjectID boots the backend for this project when it is on another one.
	ProjectID string
	// Persisted lets the backend load the project by id instead of
	// receiving its files.
	Persisted bool
	// ProjectEpoch, when non-zero, drops the call as stale unless the
	// project loaded at that epoch is still the current one.
	ProjectEpoch uint64
}

// Outcome describes what a reload did.
type Outcome struct {
	Epoch uint64
	Path  string
	// Stale is set when a newer call superseded this one. Nothing after
	// the superseding point was applied.
	Stale           bool
	InstallExitCode int
	Started         bool
}

// Config tunes the orchestrator.
type Config struct {
	StopTimeout     time.Duration
	DisableFastPath bool
}

// Orchestrator owns the backend's dev server lifecycle.
type Orchestrator struct {
	backend backend.Backend
	store   *fsstore.Store
	kits    *kit.Registry
	batcher *batcher.Batcher
	tracker *progress.Tracker
	cfg     Config
	logger  *logrus.Entry

	epoch    atomic.Uint64
	loading  atomic.Bool
	pausedBy atomic.Uint64

	mu           sync.Mutex
	cancel       context.CancelFunc
	projectEpoch uint64
}

// New returns an orchestrator. b and store are required; batcher and
// tracker may be nil.
func New(b backend.Backend, store *fsstore.Store, kits *kit.Registry, bt *batcher.Batcher, tracker *progress.Tracker, cfg Config, logger *logrus.Entry) *Orchestrator {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = backend.DefaultStopTimeout
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Orchestrator{
		backend: b,
		store:   store,
		kits:    kits,
		batcher: bt,
		tracker: tracker,
		cfg:     cfg,
		logger:  logger,
	}
}

// Epoch returns the current epoch.
func (o *Orchestrator) Epoch() uint64 {
	return o.epoch.Load()
}

// Loading reports whether the latest call is still running.
func (o *Orchestrator) Loading() bool {
	return o.loading.Load()
}

// ProjectEpoch returns the epoch of the latest project load.
func (o *Orchestrator) ProjectEpoch() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.projectEpoch
}

// begin takes a new epoch and cancels the context of the call it
// supersedes. With a non-zero projectEpoch it takes nothing and reports
// false when another project load has begun since.
func (o *Orchestrator) begin(ctx context.Context, load bool, projectEpoch uint64) (context.Context, uint64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if projectEpoch != 0 && o.projectEpoch != projectEpoch {
		return ctx, 0, false
	}
	ctx, cancel := context.WithCancel(ctx)
	if o.cancel != nil {
		o.cancel()
	}
	o.cancel = cancel
	epoch := o.epoch.Add(1)
	if load {
		o.projectEpoch = epoch
	}
	o.loading.Store(true)
	return ctx, epoch, true
}

func (o *Orchestrator) stale(epoch uint64) bool {
	return o.epoch.Load() != epoch
}

// commitIfCurrent runs fn under the epoch lock when epoch is still current.
// A call that begins meanwhile waits for fn, so a superseded call never
// writes the store after its successor has.
func (o *Orchestrator) commitIfCurrent(epoch uint64, fn func()) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stale(epoch) {
		return false
	}
	fn()
	return true
}

// finish clears loading when epoch is still current.
func (o *Orchestrator) finish(epoch uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.stale(epoch) {
		o.loading.Store(false)
		if o.cancel != nil {
			o.cancel()
			o.cancel = nil
		}
	}
}

// ReloadPreview brings the preview in line with files overlaid on the base
// template.
func (o *Orchestrator) ReloadPreview(ctx context.Context, files filetree.Tree, opts Options) (Outcome, error) {
	ctx, epoch, ok := o.begin(ctx, false, opts.ProjectEpoch)
	if !ok {
		o.logger.WithField("projectEpoch", opts.ProjectEpoch).Debug("Reload dropped, project changed")
		metrics.RecordReload(metrics.ReloadStale, 0)
		return Outcome{Stale: true}, nil
	}
	defer o.finish(epoch)
	return o.reload(ctx, epoch, files, opts)
}

// LoadProject switches to a persisted project: buffered writes for the
// outgoing project are dropped, the project's kit becomes the base
// template and the preview is fully rebuilt.
func (o *Orchestrator) LoadProject(ctx context.Context, rec *project.Record) (Outcome, error) {
	ctx, epoch, _ := o.begin(ctx, true, 0)
	defer o.finish(epoch)
	logger := o.logger.WithFields(logrus.Fields{"epoch": epoch, "project": rec.ID})

	if o.batcher != nil {
		o.batcher.Pause()
		o.pausedBy.Store(epoch)
		defer func() {
			// A newer project switch owns the gate now.
			if o.pausedBy.Load() == epoch {
				o.batcher.Resume()
			}
		}()
		o.batcher.Discard()
	}
	if o.tracker != nil {
		o.tracker.Reset()
	}

	k, err := o.resolveKit(rec.SelectedKitID)
	if err != nil {
		return Outcome{Epoch: epoch, Path: PathFull}, err
	}
	if o.stale(epoch) {
		logger.Debug("Project load superseded before reload")
		metrics.RecordReload(metrics.ReloadStale, 0)
		return Outcome{Epoch: epoch, Stale: true}, nil
	}

	logger.WithField("kit", k.ID).Info("Loading project")
	return o.reload(ctx, epoch, rec.Files, Options{
		BaseTemplateOverride: k.Files,
		KitID:                k.ID,
		ProjectID:            rec.ID,
		Persisted:            true,
	})
}

func (o *Orchestrator) resolveKit(id string) (*kit.Kit, error) {
	if o.kits == nil {
		return nil, errors.KitNotFound(id)
	}
	k, err := o.kits.Get(id)
	if err == nil {
		return k, nil
	}
	o.logger.WithError(err).WithField("kit", id).Warn("Unknown kit, using default")
	return o.kits.Default()
}

func (o *Orchestrator) reload(ctx context.Context, epoch uint64, files filetree.Tree, opts Options) (Outcome, error) {
	start := time.Now()
	logger := o.logger.WithField("epoch", epoch)

	if o.fastPathEligible(files, opts) {
		out, err := o.fastPath(ctx, epoch, files, logger)
		if err == nil {
			result := metrics.ReloadFast
			if out.Stale {
				result = metrics.ReloadStale
			}
			metrics.RecordReload(result, time.Since(start))
			return out, nil
		}
		if o.stale(epoch) {
			metrics.RecordReload(metrics.ReloadStale, time.Since(start))
			return Outcome{Epoch: epoch, Stale: true}, nil
		}
		logger.WithError(err).Warn("Fast reload failed, falling back to full reload")
	}

	out, err := o.fullPath(ctx, epoch, files, opts, logger)
	switch {
	case out.Stale:
		metrics.RecordReload(metrics.ReloadStale, time.Since(start))
		return out, nil
	case err != nil:
		metrics.RecordReload(metrics.ReloadFailed, time.Since(start))
		logger.WithError(err).Error("Full reload failed")
	default:
		metrics.RecordReload(metrics.ReloadFull, time.Since(start))
	}
	return out, err
}

// fastPathEligible: no template change, a live preview, and an unchanged
// dependency manifest. The manifest check compares raw text, so a
// reformatted but equivalent manifest still takes the full path.
func (o *Orchestrator) fastPathEligible(files filetree.Tree, opts Options) bool {
	if o.cfg.DisableFastPath || opts.Full || opts.BaseTemplateOverride != nil {
		return false
	}
	if !o.backend.Status().Running() {
		return false
	}
	incoming, ok := filetree.ReadFile(files, fsstore.ManifestPath)
	if !ok {
		return true
	}
	stored, ok := o.store.Manifest()
	return ok && stored == incoming.Contents
}

func (o *Orchestrator) fastPath(ctx context.Context, epoch uint64, files filetree.Tree, logger *logrus.Entry) (Outcome, error) {
	_, base := o.store.BaseTemplate()
	merged := filetree.Merge(base, files)
	changed, removed := filetree.Diff(o.store.Tree(), merged)

	if !o.commitIfCurrent(epoch, func() { o.store.Replace(merged, "reload") }) {
		return Outcome{Epoch: epoch, Stale: true}, nil
	}

	projectID := o.backend.Status().ProjectID
	if len(changed) > 0 {
		if err := backend.WithBootRetry(ctx, o.backend, projectID, func() error {
			return o.mount(ctx, changed)
		}); err != nil {
			return Outcome{}, err
		}
	}
	for _, p := range removed {
		if err := o.backend.DeleteFile(ctx, p); err != nil {
			return Outcome{}, err
		}
	}

	logger.WithFields(logrus.Fields{
		"changed": len(filetree.Flatten(changed)),
		"removed": len(removed),
	}).Info("Fast reload")
	return Outcome{Epoch: epoch, Path: PathFast, Started: true}, nil
}

func (o *Orchestrator) fullPath(ctx context.Context, epoch uint64, files filetree.Tree, opts Options, logger *logrus.Entry) (Outcome, error) {
	out := Outcome{Epoch: epoch, Path: PathFull, InstallExitCode: -1}
	staleOut := Outcome{Epoch: epoch, Stale: true}

	if !opts.SkipStop {
		backend.StopWithTimeout(ctx, o.backend, o.cfg.StopTimeout, logger)
		if o.stale(epoch) {
			return staleOut, nil
		}
	}

	projectID := opts.ProjectID
	if projectID == "" {
		projectID = o.backend.Status().ProjectID
	}
	if opts.ProjectID != "" && o.backend.Status().ProjectID != opts.ProjectID {
		if err := o.backend.Boot(ctx, opts.ProjectID); err != nil {
			return o.failed(epoch, out, err)
		}
		if o.stale(epoch) {
			return staleOut, nil
		}
	}

	full := opts.BaseTemplateOverride != nil
	if err := backend.WithBootRetry(ctx, o.backend, projectID, func() error {
		return o.backend.Clean(ctx, full)
	}); err != nil {
		return o.failed(epoch, out, err)
	}
	if o.stale(epoch) {
		return staleOut, nil
	}

	base, kitID, stored, err := o.baseTemplate(opts)
	if err != nil {
		return o.failed(epoch, out, err)
	}
	merged := filetree.Merge(base, files)
	if !o.commitIfCurrent(epoch, func() {
		if !stored {
			o.store.SetBaseTemplate(kitID, base)
		}
		o.store.Replace(merged, "reload")
	}) {
		return staleOut, nil
	}

	if err := backend.WithBootRetry(ctx, o.backend, projectID, func() error {
		if opts.Persisted && opts.ProjectID != "" {
			err := o.backend.MountProject(ctx, opts.ProjectID)
			if err == nil || backend.IsNotReady(err) {
				return err
			}
			logger.WithError(err).Debug("Mount by project id unavailable, uploading files")
		}
		return o.mount(ctx, merged)
	}); err != nil {
		return o.failed(epoch, out, err)
	}
	if o.stale(epoch) {
		return staleOut, nil
	}

	code, err := o.backend.RunInstall(ctx)
	if o.stale(epoch) {
		return staleOut, nil
	}
	if err != nil {
		return o.failed(epoch, out, err)
	}
	out.InstallExitCode = code
	if code != 0 {
		logger.WithField("exitCode", code).Warn("Install failed, not starting dev server")
		return out, errors.InstallFailed(code)
	}

	if err := o.backend.StartDevServer(ctx); err != nil {
		return o.failed(epoch, out, err)
	}
	out.Started = true
	logger.WithFields(logrus.Fields{"kit": kitID, "files": len(filetree.Flatten(merged))}).Info("Full reload")
	return out, nil
}

// failed reports err unless the call went stale meanwhile, in which case
// the error belongs to a superseded run and is dropped.
func (o *Orchestrator) failed(epoch uint64, out Outcome, err error) (Outcome, error) {
	if o.stale(epoch) {
		return Outcome{Epoch: epoch, Stale: true}, nil
	}
	return out, err
}

// baseTemplate picks override, then the stored template, then the default
// kit. stored reports whether the result is already the store's template.
func (o *Orchestrator) baseTemplate(opts Options) (base filetree.Tree, kitID string, stored bool, err error) {
	if opts.BaseTemplateOverride != nil {
		return opts.BaseTemplateOverride, opts.KitID, false, nil
	}
	if kitID, base := o.store.BaseTemplate(); len(base) > 0 {
		return base, kitID, true, nil
	}
	if o.kits == nil {
		return filetree.Tree{}, "", true, nil
	}
	k, err := o.kits.Default()
	if err != nil {
		return nil, "", false, err
	}
	return k.Files, k.ID, false, nil
}

// mount uploads the text files of tree in one call and writes decoded
// binary files individually.
func (o *Orchestrator) mount(ctx context.Context, tree filetree.Tree) error {
	text, binary := filetree.SplitBinary(tree)
	if err := o.backend.Mount(ctx, text); err != nil {
		return err
	}
	if len(binary) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxBinaryWriters)
	for p, data := range binary {
		g.Go(func() error {
			return o.backend.WriteFile(gctx, p, data)
		})
	}
	return g.Wait()
}
