// Package session wires one preview session together: the execution
// backend, the file store, the update batcher, the reload orchestrator and
// the generation consumer, plus the provider feed and screenshot capturer
// they talk to.
package session

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/grovetools/preview/config"
	"github.com/grovetools/preview/errors"
	"github.com/grovetools/preview/logging"
	"github.com/grovetools/preview/pkg/backend"
	"github.com/grovetools/preview/pkg/backend/factory"
	"github.com/grovetools/preview/pkg/batcher"
	"github.com/grovetools/preview/pkg/filetree"
	"github.com/grovetools/preview/pkg/fsstore"
	"github.com/grovetools/preview/pkg/generation"
	"github.com/grovetools/preview/pkg/kit"
	"github.com/grovetools/preview/pkg/models"
	"github.com/grovetools/preview/pkg/progress"
	"github.com/grovetools/preview/pkg/project"
	"github.com/grovetools/preview/pkg/provider"
	"github.com/grovetools/preview/pkg/reload"
	"github.com/grovetools/preview/pkg/screenshot"
	"github.com/sirupsen/logrus"
)

// Feed is a provider connection.
type Feed interface {
	generation.Provider
	Generate(ctx context.Context, req models.GenerateRequest) (<-chan models.Event, error)
	Close() error
}

// Capturer grabs preview regions and is closed with the session.
type Capturer interface {
	generation.Capturer
	Close() error
}

// Options configure New. Only Config is required; the rest override what
// the configuration would build.
type Options struct {
	Config *config.Config
	// ConfigPath enables hot reload of the logging, batching and
	// generation settings.
	ConfigPath string
	Backend    backend.Backend
	Feed       Feed
	Capturer   Capturer
}

// Session is one preview session.
type Session struct {
	logger *logrus.Entry

	backend  backend.Backend
	store    *fsstore.Store
	kits     *kit.Registry
	projects *project.Store
	tracker  *progress.Tracker
	batcher  *batcher.Batcher
	orch     *reload.Orchestrator
	consumer *generation.Consumer
	capturer Capturer
	watcher  *config.Watcher
	stop     context.CancelFunc
	watching sync.WaitGroup

	mu        sync.Mutex
	cfg       *config.Config
	feed      Feed
	projectID string
}

// New builds a session. The backend is not booted until the first reload.
func New(ctx context.Context, opts Options) (*Session, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := logging.NewLogger("preview-session")

	b := opts.Backend
	if b == nil {
		var err error
		if b, err = factory.New(cfg.Backend); err != nil {
			return nil, err
		}
	}

	kits, err := kit.NewRegistry(cfg.Reload.DefaultKit)
	if err != nil {
		return nil, err
	}
	if err := kits.LoadDir(cfg.Kits.Dir); err != nil {
		logger.WithError(err).WithField("dir", cfg.Kits.Dir).Warn("Failed to load kits")
	}

	s := &Session{
		logger:   logger,
		backend:  b,
		store:    fsstore.New(),
		kits:     kits,
		projects: project.NewStore(cfg.Projects.Dir),
		tracker:  progress.New(),
		cfg:      cfg,
		feed:     opts.Feed,
	}

	s.batcher = batcher.New(s.mountBatch, cfg.Batch.Window(), logging.NewLogger("preview-batcher"))
	s.batcher.OnError(func(err error) {
		logger.WithError(err).Warn("Streamed update was not delivered")
	})
	s.orch = reload.New(b, s.store, kits, s.batcher, s.tracker, reload.Config{
		StopTimeout:     cfg.Backend.StopTimeout(),
		DisableFastPath: cfg.Reload.DisableFastPath,
	}, logging.NewLogger("preview-reload"))

	s.capturer = opts.Capturer
	if s.capturer == nil {
		s.capturer = screenshot.New(cfg.Screenshot, s.previewURL, logging.NewLogger("preview-screenshot"))
	}

	s.consumer = generation.New(generation.Deps{
		Store:    s.store,
		Tracker:  s.tracker,
		Updater:  s.batcher,
		Provider: bridge{s},
		Capturer: s.capturer,
	}, generationOptions(cfg), logging.NewLogger("preview-generation"))

	b.OnServerReady(func(url string) {
		logger.WithField("url", url).Info("Preview is ready")
	})

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.stop = cancel
	s.batcher.Start(runCtx)

	if opts.ConfigPath != "" {
		w, err := config.NewWatcher(opts.ConfigPath, 0, logging.NewLogger("preview-config"), s.ApplyConfig)
		if err != nil {
			logger.WithError(err).Warn("Config hot reload disabled")
		} else {
			s.watcher = w
			s.watching.Add(1)
			go func() {
				defer s.watching.Done()
				w.Start(runCtx)
			}()
		}
	}
	return s, nil
}

func generationOptions(cfg *config.Config) generation.Options {
	return generation.Options{
		ExplanationTag:  cfg.Generation.ExplanationTag,
		QuestionTimeout: cfg.Generation.QuestionTimeout(),
	}
}

// ApplyConfig applies the settings that can change while running: logging,
// the batching window and generation options.
func (s *Session) ApplyConfig(cfg *config.Config) {
	logging.Configure(cfg.Logging)
	s.batcher.SetWindow(cfg.Batch.Window())
	s.consumer.SetOptions(generationOptions(cfg))
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Backend returns the execution backend.
func (s *Session) Backend() backend.Backend { return s.backend }

// Store returns the file store.
func (s *Session) Store() *fsstore.Store { return s.store }

// Tracker returns the progressive edit tracker.
func (s *Session) Tracker() *progress.Tracker { return s.tracker }

// Consumer returns the generation consumer, for answering questions and
// reading the transcript.
func (s *Session) Consumer() *generation.Consumer { return s.consumer }

// Kits returns the kit registry.
func (s *Session) Kits() *kit.Registry { return s.kits }

// Status returns the backend status.
func (s *Session) Status() backend.Status { return s.backend.Status() }

// Loading reports whether a reload or generation turn is in progress.
func (s *Session) Loading() bool {
	return s.orch.Loading() || s.consumer.Loading()
}

// LoadProject loads the persisted project id and rebuilds the preview.
func (s *Session) LoadProject(ctx context.Context, id string) (reload.Outcome, error) {
	rec, err := s.projects.Get(id)
	if err != nil {
		return reload.Outcome{}, err
	}
	return s.LoadRecord(ctx, rec)
}

// LoadRecord switches to rec. A running generation turn belongs to the
// outgoing project and is aborted first, so none of its later writes reach
// rec.
func (s *Session) LoadRecord(ctx context.Context, rec *project.Record) (reload.Outcome, error) {
	if s.consumer.Abort() {
		s.logger.WithField("project", rec.ID).Info("Aborted generation turn for project switch")
	}
	s.mu.Lock()
	s.projectID = rec.ID
	s.mu.Unlock()
	return s.orch.LoadProject(ctx, rec)
}

// Reload overlays files on the base template and updates the preview.
func (s *Session) Reload(ctx context.Context, files filetree.Tree) (reload.Outcome, error) {
	return s.orch.ReloadPreview(ctx, files, reload.Options{})
}

// Generate sends prompt to the provider and consumes the resulting turn.
func (s *Session) Generate(ctx context.Context, prompt string, opts models.GenerateOptions) (models.TurnSummary, error) {
	feed, err := s.dial(ctx)
	if err != nil {
		return models.TurnSummary{}, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	opts.Images = append(opts.Images, s.consumer.Attachments()...)
	events, err := feed.Generate(ctx, models.GenerateRequest{
		Prompt:  prompt,
		Files:   s.store.Tree(),
		Options: opts,
	})
	if err != nil {
		return models.TurnSummary{}, err
	}
	return s.consume(ctx, prompt, events)
}

// Replay feeds a recorded event stream through the consumer as if the
// provider had sent it.
func (s *Session) Replay(ctx context.Context, prompt string, events <-chan models.Event) (models.TurnSummary, error) {
	return s.consume(ctx, prompt, events)
}

func (s *Session) consume(ctx context.Context, prompt string, events <-chan models.Event) (models.TurnSummary, error) {
	before, _ := s.store.Manifest()
	loaded := s.orch.ProjectEpoch()

	summary, err := s.consumer.Consume(ctx, prompt, events)
	if summary.Outcome != generation.OutcomeSuccess {
		return summary, err
	}

	if flushErr := s.batcher.Flush(ctx); flushErr != nil {
		s.logger.WithError(flushErr).Warn("Failed to deliver final streamed writes")
	}

	// Streamed writes already reached a running preview. A changed
	// dependency manifest, or no preview at all, needs the full path.
	after, _ := s.store.Manifest()
	if after != before || !s.backend.Status().Running() {
		out, rerr := s.orch.ReloadPreview(ctx, s.store.Tree(), reload.Options{Full: true, ProjectEpoch: loaded})
		switch {
		case rerr != nil:
			s.logger.WithError(rerr).Warn("Preview rebuild after generation failed")
			s.consumer.Notify(rebuildFailure(rerr), true)
		case out.Stale:
			s.logger.Debug("Preview rebuild after generation superseded")
		}
	}
	return summary, err
}

// rebuildFailure is the transcript text for a failed post-turn rebuild.
func rebuildFailure(err error) string {
	msg := fmt.Sprintf("Preview rebuild failed: %v.", err)
	if errors.Is(err, errors.ErrCodeInstallFailed) {
		msg += " Check the dependencies in " + fsstore.ManifestPath + "."
	}
	return msg
}

// Abort cancels the running generation turn.
func (s *Session) Abort() bool {
	return s.consumer.Abort()
}

// Build runs the project's production build.
func (s *Session) Build(ctx context.Context, args []string) (int, error) {
	s.mu.Lock()
	projectID := s.projectID
	s.mu.Unlock()

	var code int
	err := backend.WithBootRetry(ctx, s.backend, projectID, func() error {
		var err error
		code, err = s.backend.RunBuild(ctx, args)
		return err
	})
	if err != nil {
		return code, err
	}
	if code != 0 {
		return code, errors.BuildFailed(code)
	}
	return 0, nil
}

// Export writes the current project as a zip archive.
func (s *Session) Export(w io.Writer, ignore []string) error {
	return s.store.ExportZip(w, ignore)
}

// Close stops background work and tears the backend down. Teardown is
// best effort and bounded by the configured stop timeout.
func (s *Session) Close(ctx context.Context) error {
	s.consumer.Abort()
	s.stop()
	s.batcher.Close()
	s.watching.Wait()
	s.consumer.Wait()

	s.mu.Lock()
	feed := s.feed
	timeout := s.cfg.Backend.StopTimeout()
	s.mu.Unlock()
	if feed != nil {
		if err := feed.Close(); err != nil {
			s.logger.WithError(err).Debug("Closing provider feed")
		}
	}
	if s.capturer != nil {
		if err := s.capturer.Close(); err != nil {
			s.logger.WithError(err).Debug("Closing screenshot browser")
		}
	}
	backend.CloseWithTimeout(ctx, s.backend, timeout, s.logger)
	return nil
}

func (s *Session) dial(ctx context.Context) (Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.feed != nil {
		return s.feed, nil
	}
	f, err := provider.Dial(ctx, s.cfg.Provider, logging.NewLogger("preview-provider"))
	if err != nil {
		return nil, err
	}
	s.feed = f
	return f, nil
}

func (s *Session) mountBatch(ctx context.Context, tree filetree.Tree) error {
	s.mu.Lock()
	projectID := s.projectID
	s.mu.Unlock()
	return backend.WithBootRetry(ctx, s.backend, projectID, func() error {
		return s.backend.Mount(ctx, tree)
	})
}

func (s *Session) previewURL() string {
	return s.backend.Status().URL
}

// bridge forwards the consumer's round trips to whichever feed is live.
type bridge struct{ s *Session }

func (b bridge) feed() (Feed, error) {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	if b.s.feed == nil {
		return nil, errors.New(errors.ErrCodeStreamError, "no provider connection")
	}
	return b.s.feed, nil
}

func (b bridge) SubmitQuestionAnswers(ctx context.Context, requestID string, answers map[string]interface{}) error {
	f, err := b.feed()
	if err != nil {
		return err
	}
	return f.SubmitQuestionAnswers(ctx, requestID, answers)
}

func (b bridge) CancelQuestion(ctx context.Context, requestID string) error {
	f, err := b.feed()
	if err != nil {
		return err
	}
	return f.CancelQuestion(ctx, requestID)
}

func (b bridge) SubmitScreenshot(ctx context.Context, result models.ScreenshotResult) error {
	f, err := b.feed()
	if err != nil {
		return err
	}
	return f.SubmitScreenshot(ctx, result)
}
