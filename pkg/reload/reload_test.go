package reload

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grovetools/preview/errors"
	"github.com/grovetools/preview/pkg/backend/mocks"
	"github.com/grovetools/preview/pkg/batcher"
	"github.com/grovetools/preview/pkg/filetree"
	"github.com/grovetools/preview/pkg/fsstore"
	"github.com/grovetools/preview/pkg/kit"
	"github.com/grovetools/preview/pkg/progress"
	"github.com/grovetools/preview/pkg/project"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	backend *mocks.MockBackend
	store   *fsstore.Store
	kits    *kit.Registry
	batcher *batcher.Batcher
	tracker *progress.Tracker
	orch    *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kits, err := kit.NewRegistry("")
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	entry := logrus.NewEntry(logger)

	f := &fixture{
		backend: mocks.New(),
		store:   fsstore.New(),
		kits:    kits,
		tracker: progress.New(),
	}
	f.batcher = batcher.New(func(ctx context.Context, tree filetree.Tree) error { return nil }, time.Hour, entry)
	f.orch = New(f.backend, f.store, f.kits, f.batcher, f.tracker, Config{StopTimeout: time.Second}, entry)
	return f
}

func TestFullReloadSequence(t *testing.T) {
	f := newFixture(t)

	out, err := f.orch.ReloadPreview(context.Background(), filetree.FromFlat(map[string]string{
		"src/App.ts": "export {}",
	}), Options{})
	require.NoError(t, err)

	assert.Equal(t, PathFull, out.Path)
	assert.True(t, out.Started)
	assert.Equal(t, 0, out.InstallExitCode)
	assert.Equal(t, []string{"StopDevServer", "Clean", "Mount", "RunInstall", "StartDevServer"}, f.backend.Calls())

	_, ok := filetree.ReadFile(f.store.Tree(), "src/App.ts")
	assert.True(t, ok)
	_, ok = filetree.ReadFile(f.store.Tree(), "package.json")
	assert.True(t, ok, "default kit is the base template")

	kitID, base := f.store.BaseTemplate()
	assert.Equal(t, kit.DefaultID, kitID)
	assert.NotEmpty(t, base)
	assert.False(t, f.orch.Loading())
}

func TestFastPathPatchesRunningPreview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.ReloadPreview(ctx, filetree.FromFlat(map[string]string{
		"src/App.ts":  "v1",
		"src/Old.ts":  "old",
		"src/Same.ts": "same",
	}), Options{})
	require.NoError(t, err)
	f.backend.Reset()

	out, err := f.orch.ReloadPreview(ctx, filetree.FromFlat(map[string]string{
		"src/App.ts":  "v2",
		"src/Same.ts": "same",
	}), Options{})
	require.NoError(t, err)

	assert.Equal(t, PathFast, out.Path)
	assert.Equal(t, 0, f.backend.Count("RunInstall"))
	assert.Equal(t, 0, f.backend.Count("StopDevServer"))
	assert.Equal(t, 1, f.backend.Count("DeleteFile"))

	mounted := f.backend.Mounted()
	require.Len(t, mounted, 1)
	assert.Equal(t, []string{"src/App.ts"}, filetree.SortedPaths(filetree.Flatten(mounted[0])))

	_, ok := filetree.ReadFile(f.store.Tree(), "src/Old.ts")
	assert.False(t, ok)
}

func TestManifestChangeTakesFullPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.ReloadPreview(ctx, filetree.Tree{}, Options{})
	require.NoError(t, err)
	f.backend.Reset()

	out, err := f.orch.ReloadPreview(ctx, filetree.FromFlat(map[string]string{
		"package.json": `{"name":"changed"}`,
	}), Options{})
	require.NoError(t, err)

	assert.Equal(t, PathFull, out.Path)
	assert.Equal(t, 1, f.backend.Count("RunInstall"))
}

func TestFastPathFailureFallsBackToFull(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.ReloadPreview(ctx, filetree.Tree{}, Options{})
	require.NoError(t, err)
	f.backend.Reset()

	var failed atomic.Bool
	f.backend.MountFunc = func(ctx context.Context, tree filetree.Tree) error {
		if failed.CompareAndSwap(false, true) {
			return errors.New(errors.ErrCodeStreamError, "connection reset")
		}
		return nil
	}

	out, err := f.orch.ReloadPreview(ctx, filetree.FromFlat(map[string]string{"src/App.ts": "x"}), Options{})
	require.NoError(t, err)
	assert.Equal(t, PathFull, out.Path)
	assert.Equal(t, 1, f.backend.Count("RunInstall"))
}

func TestInstallFailureDoesNotStart(t *testing.T) {
	f := newFixture(t)
	f.backend.RunInstallFunc = func(ctx context.Context) (int, error) { return 1, nil }

	out, err := f.orch.ReloadPreview(context.Background(), filetree.Tree{}, Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeInstallFailed))
	assert.Equal(t, 1, out.InstallExitCode)
	assert.False(t, out.Started)
	assert.Equal(t, 0, f.backend.Count("StartDevServer"))
	assert.False(t, f.orch.Loading())
}

func TestBootRetryOnNotReady(t *testing.T) {
	f := newFixture(t)

	var booted atomic.Bool
	f.backend.BootFunc = func(ctx context.Context, projectID string) error {
		booted.Store(true)
		return nil
	}
	f.backend.CleanFunc = func(ctx context.Context, full bool) error {
		if !booted.Load() {
			return errors.NotInitialized("mock")
		}
		return nil
	}

	out, err := f.orch.ReloadPreview(context.Background(), filetree.Tree{}, Options{})
	require.NoError(t, err)
	assert.True(t, out.Started)
	assert.Equal(t, 1, f.backend.Count("Boot"))
	assert.Equal(t, 2, f.backend.Count("Clean"))
}

func TestOverrideMergesOntoKitAndCleansFully(t *testing.T) {
	f := newFixture(t)

	base := filetree.FromFlat(map[string]string{
		"index.html":  "<div id=app></div>",
		"src/main.ts": "base",
		"src/util.ts": "util",
	})
	files := filetree.FromFlat(map[string]string{
		"src/main.ts": "generated",
		"src/new.ts":  "new",
	})

	_, err := f.orch.ReloadPreview(context.Background(), files, Options{
		BaseTemplateOverride: base,
		KitID:                "custom",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, f.backend.Count("CleanFull"))
	assert.Equal(t, map[string]string{
		"index.html":  "<div id=app></div>",
		"src/main.ts": "generated",
		"src/util.ts": "util",
		"src/new.ts":  "new",
	}, contents(f.store.Tree()))

	kitID, _ := f.store.BaseTemplate()
	assert.Equal(t, "custom", kitID)
}

func TestBinaryFilesWrittenSeparately(t *testing.T) {
	f := newFixture(t)

	files := filetree.SetNode(filetree.Tree{}, "public/logo.png", filetree.NewBinaryFile([]byte{0x89, 'P', 'N', 'G'}))
	_, err := f.orch.ReloadPreview(context.Background(), files, Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, f.backend.Count("WriteFile"))
	for _, tree := range f.backend.Mounted() {
		_, ok := filetree.Get(tree, "public/logo.png")
		assert.False(t, ok)
	}
}

func TestLoadProjectSupersedesEarlierLoad(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	installing := make(chan struct{})
	var installs atomic.Int32
	f.backend.RunInstallFunc = func(ctx context.Context) (int, error) {
		if installs.Add(1) == 1 {
			close(installing)
			<-ctx.Done()
			return -1, ctx.Err()
		}
		return 0, nil
	}

	type result struct {
		out Outcome
		err error
	}
	first := make(chan result, 1)
	go func() {
		out, err := f.orch.LoadProject(ctx, &project.Record{
			ID:    "project-a",
			Files: filetree.FromFlat(map[string]string{"src/a.ts": "a"}),
		})
		first <- result{out, err}
	}()

	<-installing
	out, err := f.orch.LoadProject(ctx, &project.Record{
		ID:    "project-b",
		Files: filetree.FromFlat(map[string]string{"src/b.ts": "b"}),
	})
	require.NoError(t, err)
	assert.False(t, out.Stale)
	assert.True(t, out.Started)

	a := <-first
	require.NoError(t, a.err)
	assert.True(t, a.out.Stale)

	assert.Equal(t, 1, f.backend.Count("StartDevServer"))
	_, ok := filetree.ReadFile(f.store.Tree(), "src/b.ts")
	assert.True(t, ok)
	_, ok = filetree.ReadFile(f.store.Tree(), "src/a.ts")
	assert.False(t, ok)

	assert.False(t, f.batcher.Paused())
	assert.False(t, f.orch.Loading())
	assert.Equal(t, "project-b", f.backend.Status().ProjectID)
}

func TestLoadProjectDropsBufferedWrites(t *testing.T) {
	f := newFixture(t)

	f.batcher.TriggerUpdate("src/stale.ts", "old project")
	f.tracker.Update("src/stale.ts", "old")
	require.Equal(t, 1, f.batcher.Pending())

	_, err := f.orch.LoadProject(context.Background(), &project.Record{ID: "p", Files: filetree.Tree{}})
	require.NoError(t, err)

	assert.Equal(t, 0, f.batcher.Pending())
	assert.Empty(t, f.tracker.Snapshot())
	assert.False(t, f.batcher.Paused())
	assert.Equal(t, 1, f.backend.Count("MountProject"))
	assert.Equal(t, 1, f.backend.Count("CleanFull"))
}

func TestLoadProjectUnknownKitUsesDefault(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.LoadProject(context.Background(), &project.Record{
		ID:            "p",
		Files:         filetree.Tree{},
		SelectedKitID: "missing",
	})
	require.NoError(t, err)

	kitID, _ := f.store.BaseTemplate()
	assert.Equal(t, kit.DefaultID, kitID)
}

func TestCommitIfCurrentRejectsSupersededEpoch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, first, ok := f.orch.begin(ctx, false, 0)
	require.True(t, ok)
	_, second, ok := f.orch.begin(ctx, false, 0)
	require.True(t, ok)

	assert.False(t, f.orch.commitIfCurrent(first, func() {
		f.store.Replace(filetree.FromFlat(map[string]string{"old.ts": "old"}), "test")
	}))
	assert.True(t, f.orch.commitIfCurrent(second, func() {
		f.store.Replace(filetree.FromFlat(map[string]string{"new.ts": "new"}), "test")
	}))
	assert.Equal(t, map[string]string{"new.ts": "new"}, contents(f.store.Tree()))
}

func TestConcurrentReloadsLeaveNewestTree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 8
	outs := make([]Outcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outs[i], _ = f.orch.ReloadPreview(ctx, filetree.FromFlat(map[string]string{
				fmt.Sprintf("src/f%d.ts", i): "x",
			}), Options{Full: true})
		}()
	}
	wg.Wait()

	newest := 0
	for i, out := range outs {
		if out.Epoch > outs[newest].Epoch {
			newest = i
		}
	}
	require.False(t, outs[newest].Stale, "the newest call is never superseded")

	var src []string
	for p := range filetree.Flatten(f.store.Tree()) {
		if len(p) > 4 && p[:4] == "src/" {
			src = append(src, p)
		}
	}
	assert.Contains(t, src, fmt.Sprintf("src/f%d.ts", newest))
	for i := 0; i < n; i++ {
		if i != newest {
			assert.NotContains(t, src, fmt.Sprintf("src/f%d.ts", i))
		}
	}
	assert.False(t, f.orch.Loading())
}

func TestReloadDroppedAfterProjectSwitch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.LoadProject(ctx, &project.Record{ID: "a", Files: filetree.Tree{}})
	require.NoError(t, err)
	loadedA := f.orch.ProjectEpoch()
	require.NotZero(t, loadedA)

	out, err := f.orch.ReloadPreview(ctx, filetree.FromFlat(map[string]string{"src/a.ts": "a"}), Options{Full: true, ProjectEpoch: loadedA})
	require.NoError(t, err)
	assert.False(t, out.Stale)

	_, err = f.orch.LoadProject(ctx, &project.Record{ID: "b", Files: filetree.FromFlat(map[string]string{"src/b.ts": "b"})})
	require.NoError(t, err)
	f.backend.Reset()

	out, err = f.orch.ReloadPreview(ctx, filetree.FromFlat(map[string]string{"src/a.ts": "a"}), Options{Full: true, ProjectEpoch: loadedA})
	require.NoError(t, err)
	assert.True(t, out.Stale)
	assert.Empty(t, f.backend.Calls())
	_, ok := filetree.ReadFile(f.store.Tree(), "src/a.ts")
	assert.False(t, ok)
	assert.Equal(t, "b", f.backend.Status().ProjectID)
}

func contents(t filetree.Tree) map[string]string {
	out := map[string]string{}
	for p, f := range filetree.Flatten(t) {
		out[p] = f.Contents
	}
	return out
}
