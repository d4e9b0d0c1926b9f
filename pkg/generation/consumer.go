// Package generation consumes the provider's event stream for one user
// turn at a time. It keeps the chat transcript, routes streamed file
// writes to the progress tracker, the update batcher and the file store,
// and bridges question and screenshot round trips back to the provider.
package generation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grovetools/preview/errors"
	"github.com/grovetools/preview/pkg/filetree"
	"github.com/grovetools/preview/pkg/fsstore"
	"github.com/grovetools/preview/pkg/metrics"
	"github.com/grovetools/preview/pkg/models"
	"github.com/grovetools/preview/pkg/progress"
	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
)

// Turn outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
)

// storeSource tags store updates made by the consumer.
const storeSource = "generation"

// callbackTimeout bounds calls back to the provider that must outlive a
// cancelled turn.
const callbackTimeout = 10 * time.Second

// Provider receives the answers to mid-stream round trips.
type Provider interface {
	SubmitQuestionAnswers(ctx context.Context, requestID string, answers map[string]interface{}) error
	CancelQuestion(ctx context.Context, requestID string) error
	SubmitScreenshot(ctx context.Context, result models.ScreenshotResult) error
}

// Capturer grabs a region of the running preview.
type Capturer interface {
	CaptureRegion(ctx context.Context, rect models.Rect) ([]byte, error)
}

// Updater receives streamed file writes for delivery to the backend.
type Updater interface {
	TriggerUpdate(path, contents string)
}

// Deps are the collaborators of a Consumer. Store and Tracker are
// required; the rest may be nil.
type Deps struct {
	Store    *fsstore.Store
	Tracker  *progress.Tracker
	Updater  Updater
	Provider Provider
	Capturer Capturer
}

// Options tune a Consumer.
type Options struct {
	// ExplanationTag names the marker whose content is shown; empty means
	// DefaultExplanationTag.
	ExplanationTag string
	// QuestionTimeout cancels an unanswered question locally. Zero waits
	// forever.
	QuestionTimeout time.Duration
}

// Consumer is the per-session generation state machine.
type Consumer struct {
	deps   Deps
	opts   Options
	logger *logrus.Entry

	mu          sync.Mutex
	transcript  []models.Message
	attachments []string
	turn        *turn
	question    *pendingQuestion
	last        models.TurnSummary

	bridges sync.WaitGroup
}

type turn struct {
	id        string
	prompt    string
	msgID     string
	raw       strings.Builder
	tools     map[int]*models.ToolCall
	toolOrder []int
	touched   []string
	seen      map[string]bool
	usage     models.Usage
	usageSet  bool
	started   time.Time
	cancel    context.CancelFunc
	done      bool
	outcome   string
}

type pendingQuestion struct {
	q     *models.PendingQuestion
	msgID string
	timer *time.Timer
}

type toolArgs struct {
	Path     string `mapstructure:"path"`
	FilePath string `mapstructure:"file_path"`
	Command  string `mapstructure:"command"`
}

// New returns a consumer with an empty transcript.
func New(deps Deps, opts Options, logger *logrus.Entry) *Consumer {
	if opts.ExplanationTag == "" {
		opts.ExplanationTag = DefaultExplanationTag
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if deps.Tracker == nil {
		deps.Tracker = progress.New()
	}
	return &Consumer{deps: deps, opts: opts, logger: logger}
}

// SetOptions replaces the options used by subsequent events.
func (c *Consumer) SetOptions(opts Options) {
	if opts.ExplanationTag == "" {
		opts.ExplanationTag = DefaultExplanationTag
	}
	c.mu.Lock()
	c.opts = opts
	c.mu.Unlock()
}

// SetAttachments records input attachments for the next prompt. A
// successful turn clears them.
func (c *Consumer) SetAttachments(images []string) {
	c.mu.Lock()
	c.attachments = append([]string(nil), images...)
	c.mu.Unlock()
}

// Attachments returns the pending input attachments.
func (c *Consumer) Attachments() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.attachments...)
}

// Loading reports whether a turn is streaming or a question is awaiting
// an answer.
func (c *Consumer) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turn != nil || c.question != nil
}

// Transcript returns a copy of the chat messages.
func (c *Consumer) Transcript() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Message, len(c.transcript))
	for i, m := range c.transcript {
		if m.Question != nil {
			m.Question = copyQuestion(m.Question)
		}
		out[i] = m
	}
	return out
}

// LastSummary returns the summary of the most recently finished turn.
func (c *Consumer) LastSummary() models.TurnSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Wait blocks until every screenshot and cancellation callback has
// been delivered.
func (c *Consumer) Wait() {
	c.bridges.Wait()
}

// Consume runs one turn: it records prompt as a user message, then applies
// events until a terminal event, the end of the stream, Abort or ctx
// cancellation. Events arriving after the turn ended are ignored.
func (c *Consumer) Consume(ctx context.Context, prompt string, events <-chan models.Event) (models.TurnSummary, error) {
	ctx, t, err := c.begin(ctx, prompt)
	if err != nil {
		return models.TurnSummary{}, err
	}
	logger := c.logger.WithField("turn", t.id)
	logger.Debug("Generation turn started")

	for {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			if !t.done {
				c.cancelLocked(t)
			}
			c.mu.Unlock()
			return c.summary(t), nil

		case ev, ok := <-events:
			if !ok {
				c.mu.Lock()
				if t.done {
					c.mu.Unlock()
					return c.summary(t), nil
				}
				c.failLocked(t, "Generation stream ended before a result.")
				c.mu.Unlock()
				return c.summary(t), errors.New(errors.ErrCodeStreamError, "generation stream closed without a result")
			}
			if err := ev.Validate(); err != nil {
				logger.WithError(err).Warn("Skipping malformed generation event")
				continue
			}
			if terminal, err := c.apply(ctx, t, ev); terminal {
				return c.summary(t), err
			}
		}
	}
}

func (c *Consumer) begin(ctx context.Context, prompt string) (context.Context, *turn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.turn != nil {
		return nil, nil, errors.New(errors.ErrCodeInvalidInput, "a generation turn is already running")
	}
	if c.question != nil {
		return nil, nil, errors.New(errors.ErrCodeInvalidInput, "answer or cancel the pending question first")
	}

	ctx, cancel := context.WithCancel(ctx)
	now := time.Now()
	t := &turn{
		id:      uuid.NewString(),
		prompt:  prompt,
		msgID:   uuid.NewString(),
		tools:   map[int]*models.ToolCall{},
		seen:    map[string]bool{},
		started: now,
		cancel:  cancel,
	}
	c.transcript = append(c.transcript,
		models.Message{ID: uuid.NewString(), Role: models.MessageRoleUser, Content: prompt, Timestamp: now},
		models.Message{ID: t.msgID, Role: models.MessageRoleAssistant, Status: "Thinking", Timestamp: now},
	)
	c.turn = t
	return ctx, t, nil
}

// apply handles one event under the consumer lock and reports whether the
// turn is over.
func (c *Consumer) apply(ctx context.Context, t *turn, ev models.Event) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.done {
		return true, nil
	}
	metrics.RecordGenerationEvent(string(ev.Type))
	msg := c.messageLocked(t.msgID)

	switch ev.Type {
	case models.EventText:
		t.raw.WriteString(ev.Text)
		if raw := t.raw.String(); ExplanationStarted(raw, c.opts.ExplanationTag) {
			msg.Content = ExtractExplanation(raw, c.opts.ExplanationTag)
		}

	case models.EventToolDelta:
		tc := t.tool(ev.Index, ev.ToolCallID, ev.ToolName)
		tc.ArgsText += ev.ArgsDelta
		if tc.Path == "" {
			if p, ok := ExtractPath(tc.ArgsText); ok {
				tc.Path = p
			}
		}
		if tc.Path != "" {
			msg.Status = "Working on " + tc.Path
		}

	case models.EventToolCall:
		tc := t.tool(ev.Index, ev.ToolCallID, ev.ToolName)
		tc.Args = ev.Args
		tc.Status = models.ToolStatusRunning
		var args toolArgs
		if err := mapstructure.WeakDecode(ev.Args, &args); err != nil {
			c.logger.WithError(err).WithField("tool", tc.Name).Debug("Undecodable tool arguments")
		}
		if p := firstNonEmpty(args.Path, args.FilePath); p != "" {
			tc.Path = p
		}
		if tc.Path != "" {
			t.touch(tc.Path)
			msg.Status = "Writing " + tc.Path
		} else {
			msg.Status = "Running " + tc.Name
		}

	case models.EventToolResult:
		tc := t.findTool(ev.ToolCallID, ev.Index)
		if tc == nil {
			tc = t.tool(ev.Index, ev.ToolCallID, ev.ToolName)
		}
		now := time.Now()
		tc.Result = ev.Result
		tc.Status = models.ToolStatusSuccess
		tc.CompletedAt = &now
		msg.Status = ""

	case models.EventUsage:
		if ev.Usage != nil {
			t.usage = t.usage.Add(*ev.Usage)
			t.usageSet = true
		}

	case models.EventFileProgress:
		c.deps.Tracker.Update(ev.Path, deref(ev.Content))

	case models.EventFileWritten:
		content := deref(ev.Content)
		c.deps.Tracker.Complete(ev.Path, ev.Content)
		if c.deps.Updater != nil {
			c.deps.Updater.TriggerUpdate(ev.Path, content)
		}
		if c.deps.Store != nil {
			c.deps.Store.WriteFile(ev.Path, content, storeSource)
		}
		t.touch(ev.Path)

	case models.EventScreenshotRequest:
		c.bridgeScreenshot(ctx, ev.RequestID, *ev.Rect)

	case models.EventQuestionRequest:
		c.askLocked(t, ev.RequestID, ev.Questions)

	case models.EventResult:
		if len(ev.Files) > 0 && c.deps.Store != nil {
			c.deps.Store.Update(storeSource, func(cur filetree.Tree) filetree.Tree {
				return filetree.Merge(cur, ev.Files)
			})
			for p, f := range filetree.Flatten(ev.Files) {
				t.touch(p)
				if c.deps.Updater != nil && !f.IsBinary() {
					c.deps.Updater.TriggerUpdate(p, f.Contents)
				}
			}
		}
		c.attachments = nil
		msg.Status = ""
		c.deps.Tracker.CompleteAll()
		c.finishLocked(t, OutcomeSuccess)
		return true, nil

	case models.EventError:
		c.failLocked(t, ev.Error)
		return true, errors.New(errors.ErrCodeStreamError, ev.Error)
	}
	return false, nil
}

// Abort detaches from the running turn. Writes already applied are kept;
// every in-progress file is marked complete and the assistant message is
// flagged cancelled. It reports whether a turn was running.
func (c *Consumer) Abort() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.turn == nil {
		return false
	}
	c.cancelLocked(c.turn)
	return true
}

func (c *Consumer) cancelLocked(t *turn) {
	if msg := c.messageLocked(t.msgID); msg != nil {
		msg.Cancelled = true
		msg.Status = ""
	}
	c.deps.Tracker.CompleteAll()
	if c.question != nil {
		c.dropQuestionLocked("Question cancelled with the turn.")
	}
	c.finishLocked(t, OutcomeCancelled)
}

func (c *Consumer) failLocked(t *turn, reason string) {
	if reason == "" {
		reason = "Generation failed."
	}
	if msg := c.messageLocked(t.msgID); msg != nil {
		msg.Status = ""
	}
	c.transcript = append(c.transcript, models.Message{
		ID:        uuid.NewString(),
		Role:      models.MessageRoleSystem,
		Content:   reason,
		Error:     true,
		Timestamp: time.Now(),
	})
	c.deps.Tracker.CompleteAll()
	c.finishLocked(t, OutcomeError)
}

// Notify appends a system message to the transcript, outside of any turn.
// isErr flags it as an error.
func (c *Consumer) Notify(text string, isErr bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transcript = append(c.transcript, models.Message{
		ID:        uuid.NewString(),
		Role:      models.MessageRoleSystem,
		Content:   text,
		Error:     isErr,
		Timestamp: time.Now(),
	})
}

func (c *Consumer) finishLocked(t *turn, outcome string) {
	t.done = true
	t.outcome = outcome
	t.cancel()
	if msg := c.messageLocked(t.msgID); msg != nil && t.raw.Len() > 0 {
		msg.Content = ExtractExplanation(t.raw.String(), c.opts.ExplanationTag)
	}
	if c.turn == t {
		c.turn = nil
	}
	if !t.usageSet {
		t.usage = models.Usage{
			InputTokens:  EstimateTokens(t.prompt),
			OutputTokens: EstimateTokens(t.raw.String()),
			Estimated:    true,
		}
	}
	c.last = c.summaryLocked(t)
	metrics.RecordGenerationTurn(outcome)
	c.logger.WithFields(logrus.Fields{
		"turn":     t.id,
		"outcome":  outcome,
		"paths":    len(t.touched),
		"duration": time.Since(t.started).Round(time.Millisecond),
	}).Info("Generation turn finished")
}

func (c *Consumer) summary(t *turn) models.TurnSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summaryLocked(t)
}

func (c *Consumer) summaryLocked(t *turn) models.TurnSummary {
	calls := make([]models.ToolCall, 0, len(t.toolOrder))
	for _, i := range t.toolOrder {
		calls = append(calls, *t.tools[i])
	}
	return models.TurnSummary{
		TurnID:       t.id,
		TouchedPaths: append([]string(nil), t.touched...),
		ToolCalls:    calls,
		Usage:        t.usage,
		Outcome:      t.outcome,
		Duration:     time.Since(t.started),
	}
}

func (c *Consumer) messageLocked(id string) *models.Message {
	for i := range c.transcript {
		if c.transcript[i].ID == id {
			return &c.transcript[i]
		}
	}
	return nil
}

func (t *turn) tool(index int, id, name string) *models.ToolCall {
	if tc := t.findTool(id, index); tc != nil {
		if tc.Name == "" {
			tc.Name = name
		}
		return tc
	}
	if id == "" {
		id = uuid.NewString()
	}
	// Calls identified only by id get the next free index.
	if _, taken := t.tools[index]; taken {
		index = len(t.toolOrder)
		for t.tools[index] != nil {
			index++
		}
	}
	tc := &models.ToolCall{
		ID:        id,
		Index:     index,
		Name:      name,
		Status:    models.ToolStatusPending,
		StartedAt: time.Now(),
	}
	t.tools[index] = tc
	t.toolOrder = append(t.toolOrder, index)
	return tc
}

func (t *turn) findTool(id string, index int) *models.ToolCall {
	if id != "" {
		for _, tc := range t.tools {
			if tc.ID == id {
				return tc
			}
		}
		return nil
	}
	return t.tools[index]
}

func (t *turn) touch(path string) {
	if t.seen[path] {
		return
	}
	t.seen[path] = true
	t.touched = append(t.touched, path)
	sort.Strings(t.touched)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func copyQuestion(q *models.PendingQuestion) *models.PendingQuestion {
	cp := *q
	cp.Questions = append([]models.Question(nil), q.Questions...)
	cp.Answers = make(map[string]interface{}, len(q.Answers))
	for k, v := range q.Answers {
		cp.Answers[k] = v
	}
	return &cp
}

func describeQuestions(qs []models.Question) string {
	texts := make([]string, 0, len(qs))
	for _, q := range qs {
		texts = append(texts, q.Text)
	}
	return fmt.Sprintf("%d question(s): %s", len(qs), strings.Join(texts, "; "))
}
