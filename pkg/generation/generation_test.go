package generation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/grovetools/preview/errors"
	"github.com/grovetools/preview/pkg/filetree"
	"github.com/grovetools/preview/pkg/fsstore"
	"github.com/grovetools/preview/pkg/models"
	"github.com/grovetools/preview/pkg/progress"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	mu          sync.Mutex
	answers     map[string]map[string]interface{}
	cancelled   []string
	screenshots []models.ScreenshotResult
	answerErr   error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{answers: map[string]map[string]interface{}{}}
}

func (p *fakeProvider) SubmitQuestionAnswers(ctx context.Context, requestID string, answers map[string]interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.answerErr != nil {
		return p.answerErr
	}
	p.answers[requestID] = answers
	return nil
}

func (p *fakeProvider) CancelQuestion(ctx context.Context, requestID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = append(p.cancelled, requestID)
	return nil
}

func (p *fakeProvider) SubmitScreenshot(ctx context.Context, result models.ScreenshotResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.screenshots = append(p.screenshots, result)
	return nil
}

func (p *fakeProvider) cancelledIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.cancelled...)
}

type fakeCapturer struct {
	img []byte
	err error
}

func (f fakeCapturer) CaptureRegion(ctx context.Context, rect models.Rect) ([]byte, error) {
	return f.img, f.err
}

type updates struct {
	mu    sync.Mutex
	paths []string
}

func (u *updates) TriggerUpdate(path, contents string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.paths = append(u.paths, path)
}

func (u *updates) got() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.paths...)
}

type fixture struct {
	store    *fsstore.Store
	tracker  *progress.Tracker
	updates  *updates
	provider *fakeProvider
	consumer *Consumer
}

func newFixture(opts Options, capturer Capturer) *fixture {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	f := &fixture{
		store:    fsstore.New(),
		tracker:  progress.New(),
		updates:  &updates{},
		provider: newFakeProvider(),
	}
	f.consumer = New(Deps{
		Store:    f.store,
		Tracker:  f.tracker,
		Updater:  f.updates,
		Provider: f.provider,
		Capturer: capturer,
	}, opts, logrus.NewEntry(logger))
	return f
}

type turnResult struct {
	summary models.TurnSummary
	err     error
}

func (f *fixture) run(prompt string, events <-chan models.Event) <-chan turnResult {
	done := make(chan turnResult, 1)
	go func() {
		s, err := f.consumer.Consume(context.Background(), prompt, events)
		done <- turnResult{s, err}
	}()
	return done
}

func str(s string) *string { return &s }

func TestExtractExplanation(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"no marker", "plain answer", "plain answer"},
		{"marker only content", "<explanation>Shown</explanation>{\"hidden\":true}", "Shown"},
		{"unterminated section", "scratch <explanation>Still stream", "Still stream"},
		{"partial close tag held back", "<explanation>Done</expl", "Done"},
		{"partial open tag held back", "Intro <explan", "Intro"},
		{"several sections", "<explanation>One</explanation>x<explanation>Two</explanation>", "One\n\nTwo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractExplanation(tt.text, ""))
		})
	}
	assert.Equal(t, "Hi", ExtractExplanation("<say>Hi</say>", "say"))
}

func TestExtractPath(t *testing.T) {
	tests := []struct {
		partial string
		want    string
		ok      bool
	}{
		{`{"path":"src/App.tsx","content":"imp`, "src/App.tsx", true},
		{`{"file_path": "src/a b.ts"`, "src/a b.ts", true},
		{`{"path":"src/Ap`, "", false},
		{`{"content":"x"}`, "", false},
		{`{"filePath":"dir\/x.ts"}`, "dir/x.ts", true},
	}
	for _, tt := range tests {
		got, ok := ExtractPath(tt.partial)
		assert.Equal(t, tt.ok, ok, tt.partial)
		assert.Equal(t, tt.want, got, tt.partial)
	}
}

func TestConsumeSuccessfulTurn(t *testing.T) {
	f := newFixture(Options{}, nil)
	f.consumer.SetAttachments([]string{"data:image/png;base64,AA=="})

	events := make(chan models.Event, 16)
	events <- models.Event{Type: models.EventText, Text: "<explanation>Building the app"}
	events <- models.Event{Type: models.EventText, Text: "</explanation>{\"plan\":1}"}
	events <- models.Event{Type: models.EventToolDelta, Index: 0, ToolCallID: "t1", ToolName: "write_file", ArgsDelta: `{"path":"src/a.ts","con`}
	events <- models.Event{Type: models.EventToolCall, Index: 0, ToolCallID: "t1", ToolName: "write_file", Args: map[string]interface{}{"path": "src/a.ts"}}
	events <- models.Event{Type: models.EventFileProgress, Path: "src/a.ts", Content: str("exp")}
	events <- models.Event{Type: models.EventFileWritten, Path: "src/a.ts", Content: str("export {}")}
	events <- models.Event{Type: models.EventToolResult, ToolCallID: "t1", Result: []byte(`{"ok":true}`)}
	events <- models.Event{Type: models.EventUsage, Usage: &models.Usage{InputTokens: 10, OutputTokens: 20}}
	events <- models.Event{Type: models.EventResult, Files: filetree.FromFlat(map[string]string{"src/b.ts": "b"})}

	res := <-f.run("make an app", events)
	require.NoError(t, res.err)

	assert.Equal(t, OutcomeSuccess, res.summary.Outcome)
	assert.Equal(t, []string{"src/a.ts", "src/b.ts"}, res.summary.TouchedPaths)
	assert.Equal(t, models.Usage{InputTokens: 10, OutputTokens: 20}, res.summary.Usage)
	require.Len(t, res.summary.ToolCalls, 1)
	assert.Equal(t, models.ToolStatusSuccess, res.summary.ToolCalls[0].Status)
	assert.Equal(t, "src/a.ts", res.summary.ToolCalls[0].Path)

	transcript := f.consumer.Transcript()
	require.Len(t, transcript, 2)
	assert.Equal(t, models.MessageRoleUser, transcript[0].Role)
	assert.Equal(t, "Building the app", transcript[1].Content)

	for _, p := range []string{"src/a.ts", "src/b.ts"} {
		_, ok := f.store.ReadFile(p)
		assert.True(t, ok, p)
	}
	assert.ElementsMatch(t, []string{"src/a.ts", "src/b.ts"}, f.updates.got())

	sf, ok := f.tracker.Get("src/a.ts")
	require.True(t, ok)
	assert.True(t, sf.IsComplete)
	assert.Equal(t, "export {}", sf.Content)

	assert.Empty(t, f.consumer.Attachments())
	assert.False(t, f.consumer.Loading())
}

func TestAbortKeepsCompletedWritesOnly(t *testing.T) {
	f := newFixture(Options{}, nil)

	events := make(chan models.Event)
	done := f.run("go", events)

	events <- models.Event{Type: models.EventFileWritten, Path: "src/done.ts", Content: str("done")}
	events <- models.Event{Type: models.EventFileProgress, Path: "src/partial.ts", Content: str("par")}
	// The loop handles events in order, so once this is received the
	// previous two have been applied.
	events <- models.Event{Type: models.EventText, Text: "working"}

	assert.True(t, f.consumer.Loading())
	assert.True(t, f.consumer.Abort())

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, OutcomeCancelled, res.summary.Outcome)

	assert.Equal(t, []string{"src/done.ts"}, filetree.SortedPaths(filetree.Flatten(f.store.Tree())))
	sf, ok := f.tracker.Get("src/partial.ts")
	require.True(t, ok)
	assert.True(t, sf.IsComplete)

	transcript := f.consumer.Transcript()
	assert.True(t, transcript[len(transcript)-1].Cancelled)
	assert.False(t, f.consumer.Loading())
	assert.False(t, f.consumer.Abort())
}

func TestStreamClosedWithoutResult(t *testing.T) {
	f := newFixture(Options{}, nil)

	events := make(chan models.Event, 1)
	events <- models.Event{Type: models.EventText, Text: "hello world"}
	close(events)

	res := <-f.run("prompt", events)
	require.Error(t, res.err)
	assert.True(t, errors.Is(res.err, errors.ErrCodeStreamError))
	assert.Equal(t, OutcomeError, res.summary.Outcome)
	assert.True(t, res.summary.Usage.Estimated)
	assert.Positive(t, res.summary.Usage.OutputTokens)

	transcript := f.consumer.Transcript()
	last := transcript[len(transcript)-1]
	assert.Equal(t, models.MessageRoleSystem, last.Role)
	assert.True(t, last.Error)
	assert.False(t, f.consumer.Loading())
}

func TestErrorEventEndsTurn(t *testing.T) {
	f := newFixture(Options{}, nil)

	events := make(chan models.Event, 2)
	events <- models.Event{Type: models.EventError, Error: "rate limited"}
	events <- models.Event{Type: models.EventFileWritten, Path: "late.ts", Content: str("x")}

	res := <-f.run("prompt", events)
	require.Error(t, res.err)

	transcript := f.consumer.Transcript()
	assert.Equal(t, "rate limited", transcript[len(transcript)-1].Content)
	_, ok := f.store.ReadFile("late.ts")
	assert.False(t, ok)
}

func TestSecondTurnRejectedWhileRunning(t *testing.T) {
	f := newFixture(Options{}, nil)

	events := make(chan models.Event)
	done := f.run("first", events)
	events <- models.Event{Type: models.EventText, Text: "x"}

	_, err := f.consumer.Consume(context.Background(), "second", make(chan models.Event))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))

	events <- models.Event{Type: models.EventResult}
	require.NoError(t, (<-done).err)
}

func TestQuestionRoundTrip(t *testing.T) {
	f := newFixture(Options{}, nil)

	events := make(chan models.Event)
	done := f.run("build a form", events)

	events <- models.Event{
		Type:      models.EventQuestionRequest,
		RequestID: "q1",
		Questions: []models.Question{{ID: "color", Text: "Which color?", Required: true}},
	}
	events <- models.Event{Type: models.EventText, Text: ""}

	pq, ok := f.consumer.PendingQuestion()
	require.True(t, ok)
	assert.Equal(t, "q1", pq.RequestID)
	assert.True(t, f.consumer.Loading())

	assert.False(t, f.consumer.CanSubmitQuestions())
	err := f.consumer.SubmitQuestionAnswers(context.Background())
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))

	assert.Error(t, f.consumer.SetAnswer("size", "large"))
	require.NoError(t, f.consumer.SetAnswer("color", "blue"))
	assert.True(t, f.consumer.CanSubmitQuestions())

	require.NoError(t, f.consumer.SubmitQuestionAnswers(context.Background()))
	assert.Equal(t, map[string]interface{}{"color": "blue"}, f.provider.answers["q1"])
	_, ok = f.consumer.PendingQuestion()
	assert.False(t, ok)

	events <- models.Event{Type: models.EventResult}
	require.NoError(t, (<-done).err)
	assert.False(t, f.consumer.Loading())
}

func TestQuestionHoldsLoadingAfterResult(t *testing.T) {
	f := newFixture(Options{}, nil)

	events := make(chan models.Event, 2)
	events <- models.Event{
		Type:      models.EventQuestionRequest,
		RequestID: "q1",
		Questions: []models.Question{{ID: "a", Text: "?", Required: true}},
	}
	events <- models.Event{Type: models.EventResult}
	require.NoError(t, (<-f.run("p", events)).err)

	assert.True(t, f.consumer.Loading())
	require.NoError(t, f.consumer.CancelQuestion(context.Background()))
	assert.False(t, f.consumer.Loading())
	assert.Equal(t, []string{"q1"}, f.provider.cancelledIDs())
}

func TestQuestionLocalTimeout(t *testing.T) {
	f := newFixture(Options{QuestionTimeout: 20 * time.Millisecond}, nil)

	events := make(chan models.Event)
	done := f.run("p", events)
	events <- models.Event{
		Type:      models.EventQuestionRequest,
		RequestID: "q-timeout",
		Questions: []models.Question{{ID: "a", Text: "?", Required: true}},
	}

	require.Eventually(t, func() bool {
		return len(f.provider.cancelledIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "q-timeout", f.provider.cancelledIDs()[0])
	_, ok := f.consumer.PendingQuestion()
	assert.False(t, ok)

	events <- models.Event{Type: models.EventResult}
	require.NoError(t, (<-done).err)
	f.consumer.Wait()
}

func TestScreenshotBridge(t *testing.T) {
	tests := []struct {
		name      string
		capturer  Capturer
		rect      models.Rect
		wantImage string
	}{
		{"captured", fakeCapturer{img: []byte("png")}, models.Rect{Width: 10, Height: 10}, "cG5n"},
		{"capture fails", fakeCapturer{err: errors.New(errors.ErrCodeInternal, "no browser")}, models.Rect{Width: 10, Height: 10}, ""},
		{"no capturer", nil, models.Rect{Width: 10, Height: 10}, ""},
		{"empty region", fakeCapturer{img: []byte("png")}, models.Rect{}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(Options{}, tt.capturer)

			events := make(chan models.Event, 2)
			rect := tt.rect
			events <- models.Event{Type: models.EventScreenshotRequest, RequestID: "s1", Rect: &rect}
			events <- models.Event{Type: models.EventResult}
			require.NoError(t, (<-f.run("p", events)).err)
			f.consumer.Wait()

			require.Len(t, f.provider.screenshots, 1)
			got := f.provider.screenshots[0]
			assert.Equal(t, "s1", got.RequestID)
			assert.Equal(t, tt.wantImage, got.Image)
			if tt.wantImage == "" {
				assert.NotEmpty(t, got.Error)
			} else {
				assert.Empty(t, got.Error)
			}
		})
	}
}

func TestUnframedTextHeldBackWhileStreaming(t *testing.T) {
	f := newFixture(Options{}, nil)

	events := make(chan models.Event)
	done := f.run("prompt", events)

	events <- models.Event{Type: models.EventText, Text: `{"plan":"rewrite"} then `}
	events <- models.Event{Type: models.EventText, Text: "more planning"}
	// Unbuffered: receiving this means both text events were applied.
	events <- models.Event{Type: models.EventUsage, Usage: &models.Usage{InputTokens: 1, OutputTokens: 1}}

	transcript := f.consumer.Transcript()
	assert.Empty(t, transcript[len(transcript)-1].Content, "text without a marker stays hidden while streaming")

	events <- models.Event{Type: models.EventText, Text: "<explanation>Rewrote it"}
	events <- models.Event{Type: models.EventUsage, Usage: &models.Usage{InputTokens: 1, OutputTokens: 2}}
	transcript = f.consumer.Transcript()
	assert.Equal(t, "Rewrote it", transcript[len(transcript)-1].Content)

	events <- models.Event{Type: models.EventResult}
	require.NoError(t, (<-done).err)
	transcript = f.consumer.Transcript()
	assert.Equal(t, "Rewrote it", transcript[len(transcript)-1].Content)
}

func TestUnframedTextShownWhenTurnEnds(t *testing.T) {
	f := newFixture(Options{}, nil)

	events := make(chan models.Event, 2)
	events <- models.Event{Type: models.EventText, Text: "Plain answer."}
	events <- models.Event{Type: models.EventResult}

	require.NoError(t, (<-f.run("prompt", events)).err)
	transcript := f.consumer.Transcript()
	assert.Equal(t, "Plain answer.", transcript[len(transcript)-1].Content)
}

func TestNotifyAppendsSystemMessage(t *testing.T) {
	f := newFixture(Options{}, nil)

	f.consumer.Notify("Preview rebuild failed: install exited with 1", true)

	transcript := f.consumer.Transcript()
	require.Len(t, transcript, 1)
	assert.Equal(t, models.MessageRoleSystem, transcript[0].Role)
	assert.True(t, transcript[0].Error)
	assert.Contains(t, transcript[0].Content, "install exited with 1")
	assert.False(t, f.consumer.Loading())
}
